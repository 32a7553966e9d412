package process

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger receives the supervisor's diagnostics and every line of candidate output.
// *logging.Logger implements it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Candidate(stream, line string)
}

type nullLogger struct{}

func (nullLogger) Debugf(string, ...interface{}) {}
func (nullLogger) Infof(string, ...interface{})  {}
func (nullLogger) Candidate(string, string)      {}

// Options configures a Supervisor.
type Options struct {
	// Logger is used for handles spawned without their own logger.
	Logger Logger

	// GracePeriod is the time between SIGTERM and SIGKILL. Defaults to DefaultGracePeriod.
	GracePeriod time.Duration

	// Env holds variables added to the harness's own environment for every process.
	Env map[string]string
}

// Supervisor starts candidate processes and keeps track of them so that none outlive the run.
type Supervisor struct {
	logger      Logger
	gracePeriod time.Duration
	env         map[string]string
	handles     []*Handle
	lock        sync.Mutex
}

func NewSupervisor(opts Options) *Supervisor {
	s := &Supervisor{
		logger:      opts.Logger,
		gracePeriod: opts.GracePeriod,
		env:         opts.Env,
	}
	if s.logger == nil {
		s.logger = nullLogger{}
	}
	if s.gracePeriod <= 0 {
		s.gracePeriod = DefaultGracePeriod
	}
	return s
}

// Check verifies that the spec's command exists and is executable, without starting it.
func (s *Supervisor) Check(spec Spec) error {
	_, err := resolve(spec)
	return err
}

// Spawn starts a process. Its output is mirrored to logger, or to the supervisor's logger if
// logger is nil. The returned error is a *SpawnError if the process could not be started.
func (s *Supervisor) Spawn(spec Spec, logger Logger) (*Handle, error) {
	path, err := resolve(spec)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = s.logger
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = s.environ(spec.Env)
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = s.gracePeriod

	h := newHandle(spec, cmd, s.gracePeriod, logger)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	h.stdin = stdin

	logger.Infof("Running %s", spec)
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	h.started()

	s.lock.Lock()
	live := s.handles[:0]
	for _, existing := range s.handles {
		if existing.Running() {
			live = append(live, existing)
		}
	}
	s.handles = append(live, h)
	s.lock.Unlock()

	return h, nil
}

// TerminateAll stops every process this supervisor started that is still running.
func (s *Supervisor) TerminateAll() {
	s.lock.Lock()
	handles := s.handles
	s.handles = nil
	s.lock.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			_ = h.Terminate()
		}(h)
	}
	wg.Wait()
}

func (s *Supervisor) environ(extra map[string]string) []string {
	env := os.Environ()
	for _, vars := range []map[string]string{s.env, extra} {
		keys := make([]string, 0, len(vars))
		for k := range vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+vars[k])
		}
	}
	return env
}

// resolve finds the executable for a spec. Commands without a path separator are looked up in
// PATH; relative paths are taken relative to spec.Dir when it is set.
func resolve(spec Spec) (string, error) {
	if spec.Command == "" {
		return "", &SpawnError{Command: spec.Command, Err: errors.New("no command was specified")}
	}
	if !strings.ContainsAny(spec.Command, `/\`) {
		path, err := exec.LookPath(spec.Command)
		if err != nil {
			return "", &SpawnError{Command: spec.Command, Err: err}
		}
		return path, nil
	}
	path := spec.Command
	if !filepath.IsAbs(path) && spec.Dir != "" {
		path = filepath.Join(spec.Dir, path)
	}
	if _, err := exec.LookPath(path); err != nil {
		return "", &SpawnError{Command: spec.Command, Err: err}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &SpawnError{Command: spec.Command, Err: err}
	}
	return abs, nil
}

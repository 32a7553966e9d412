//go:build !windows

package process

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	helpers "github.com/launchdarkly/go-test-helpers/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	lines []string
	lock  sync.Mutex
}

func (r *recordingLogger) Debugf(string, ...interface{}) {}
func (r *recordingLogger) Infof(string, ...interface{})  {}

func (r *recordingLogger) Candidate(stream, line string) {
	r.lock.Lock()
	r.lines = append(r.lines, stream+": "+line)
	r.lock.Unlock()
}

func (r *recordingLogger) get() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.lines...)
}

func shell(script string) Spec {
	return Spec{Command: "sh", Args: []string{"-c", script}}
}

func spawn(t *testing.T, s *Supervisor, spec Spec, logger Logger) *Handle {
	h, err := s.Spawn(spec, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Terminate() })
	return h
}

func TestSpawnMissingExecutable(t *testing.T) {
	s := NewSupervisor(Options{})
	_, err := s.Spawn(Spec{Command: "./definitely-not-here", Dir: t.TempDir()}, nil)
	require.Error(t, err)
	assert.True(t, IsSpawnError(err))
	assert.Error(t, s.Check(Spec{Command: "no-such-command-anywhere-xyz"}))
	assert.Error(t, s.Check(Spec{}))
}

func TestSpawnNonExecutableFile(t *testing.T) {
	helpers.WithTempFile(func(path string) {
		require.NoError(t, os.WriteFile(path, []byte("echo hi\n"), 0o644))
		require.NoError(t, os.Chmod(path, 0o644))
		err := NewSupervisor(Options{}).Check(Spec{Command: path})
		assert.True(t, IsSpawnError(err))
	})
}

func TestSpawnRelativeToDir(t *testing.T) {
	helpers.WithTempFile(func(path string) {
		dir, name := filepath.Split(path)
		marker := path + ".marker"
		defer os.Remove(marker)
		script := "#!/bin/sh\necho \"$GREETING\" > \"$(basename \"$0\").marker\"\necho \"$GREETING $1\"\n"
		require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
		require.NoError(t, os.Chmod(path, 0o755))

		s := NewSupervisor(Options{Env: map[string]string{"GREETING": "hello"}})
		h := spawn(t, s, Spec{Command: "./" + name, Args: []string{"world"}, Dir: dir}, nil)
		result, err := h.Run(context.Background(), nil, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "hello world\n", result.StdoutString())
		assert.Equal(t, 0, result.ExitCode)

		data, err := os.ReadFile(marker)
		require.NoError(t, err, "the program runs in its directory")
		assert.Equal(t, "hello\n", string(data))
	})
}

func TestInteractUntilPredicate(t *testing.T) {
	logger := &recordingLogger{}
	s := NewSupervisor(Options{})
	h := spawn(t, s, shell(`while read line; do echo "echo: $line"; done`), logger)

	result, err := h.Interact(context.Background(), []byte("hello\n"), InteractOptions{
		Timeout: 5 * time.Second,
		Until:   UntilStdoutLines(1),
	})
	require.NoError(t, err)
	assert.Equal(t, Satisfied, result.Outcome)
	assert.Equal(t, "echo: hello\n", result.StdoutString())
	assert.Equal(t, Running, result.State)

	result, err = h.Interact(context.Background(), []byte("world\n"), InteractOptions{
		Timeout: 5 * time.Second,
		Until:   UntilStdoutContains("world"),
	})
	require.NoError(t, err)
	assert.Equal(t, "echo: world\n", result.StdoutString(), "each interaction sees only new output")

	result, err = h.Interact(context.Background(), nil, InteractOptions{Timeout: 5 * time.Second, CloseStdin: true})
	require.NoError(t, err)
	assert.Equal(t, ProcessExited, result.Outcome)
	assert.Equal(t, Exited, h.State())
	assert.Equal(t, 0, h.ExitCode())

	assert.Equal(t, "echo: hello\necho: world\n", string(h.Stdout()))
	assert.Equal(t, []string{"stdout: echo: hello", "stdout: echo: world"}, logger.get())
	assert.Equal(t, ErrStdinClosed, h.Write([]byte("late\n")))
}

func TestRunCapturesBothStreamsAndExitCode(t *testing.T) {
	logger := &recordingLogger{}
	h := spawn(t, NewSupervisor(Options{}), shell(`echo out; echo err >&2; printf partial; exit 3`), logger)

	result, err := h.Run(context.Background(), nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ProcessExited, result.Outcome)
	assert.Equal(t, "out\npartial", result.StdoutString())
	assert.Equal(t, "err\n", result.StderrString())
	assert.Equal(t, []string{"out"}, result.StdoutLines())
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, Exited, result.State)

	lines := logger.get()
	assert.Contains(t, lines, "stdout: out")
	assert.Contains(t, lines, "stderr: err")
	assert.Contains(t, lines, "stdout: partial")

	var streams []string
	for _, c := range h.Interleaved() {
		streams = append(streams, c.Stream)
	}
	assert.Contains(t, streams, Stdout)
	assert.Contains(t, streams, Stderr)
}

func TestTimeoutKillsBeforeReturning(t *testing.T) {
	h := spawn(t, NewSupervisor(Options{}), shell(`echo started; sleep 30`), nil)

	start := time.Now()
	result, err := h.Interact(context.Background(), nil, InteractOptions{Timeout: 300 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, Expired, result.Outcome)
	assert.Equal(t, "started\n", result.StdoutString(), "partial output is kept")
	assert.Equal(t, Killed, result.State)
	assert.Equal(t, Killed, h.State())
	assert.Equal(t, -1, h.ExitCode())

	select {
	case <-h.Done():
	default:
		t.Fatal("process should be gone when Interact returns")
	}
}

func TestTimeoutEscalatesToKill(t *testing.T) {
	s := NewSupervisor(Options{GracePeriod: 100 * time.Millisecond})
	h := spawn(t, s, shell(`trap '' TERM; echo ready; while true; do sleep 1; done`), nil)

	_, err := h.Interact(context.Background(), nil, InteractOptions{
		Timeout: 5 * time.Second,
		Until:   UntilStdoutContains("ready"),
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = h.Interact(context.Background(), nil, InteractOptions{Timeout: 100 * time.Millisecond})
	assert.True(t, IsTimeout(err))
	assert.Equal(t, Killed, h.State())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTerminateIsIdempotent(t *testing.T) {
	h := spawn(t, NewSupervisor(Options{}), shell(`sleep 30`), nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.Terminate())
		}()
	}
	wg.Wait()
	assert.Equal(t, Killed, h.State())
	assert.NoError(t, h.Terminate())
}

func TestTerminateAfterExit(t *testing.T) {
	h := spawn(t, NewSupervisor(Options{}), shell(`exit 0`), nil)
	<-h.Done()
	assert.NoError(t, h.Terminate())
	assert.Equal(t, Exited, h.State())
	assert.Equal(t, 0, h.ExitCode())
}

func TestExitedProgramLeavesNoChildren(t *testing.T) {
	h := spawn(t, NewSupervisor(Options{}), shell(`sleep 30 >/dev/null 2>&1 & echo $!`), nil)
	result, err := h.Run(context.Background(), nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ProcessExited, result.Outcome)

	child, err := strconv.Atoi(strings.TrimSpace(result.StdoutString()))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !alive(child) }, 5*time.Second, 20*time.Millisecond)
	assert.NoError(t, h.Terminate())
}

// alive reports whether pid is a running process. Zombies waiting to be reaped by init count
// as gone.
func alive(pid int) bool {
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		if _, procErr := os.Stat("/proc/self"); procErr == nil {
			return false
		}
		return syscall.Kill(pid, 0) == nil
	}
	fields := strings.Fields(string(stat[bytes.LastIndexByte(stat, ')')+1:]))
	return len(fields) > 0 && fields[0] != "Z"
}

func TestContextCancellation(t *testing.T) {
	h := spawn(t, NewSupervisor(Options{}), shell(`sleep 30`), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result, err := h.Interact(ctx, nil, InteractOptions{Timeout: 10 * time.Second})
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, Cancelled, result.Outcome)
	assert.Equal(t, Killed, h.State())
}

func TestLargeOutputDoesNotDeadlock(t *testing.T) {
	// Both streams are filled well past any pipe buffer while stdin is never read.
	script := `head -c 1500000 /dev/zero | tr '\0' e >&2; head -c 2000000 /dev/zero | tr '\0' o`
	h := spawn(t, NewSupervisor(Options{}), shell(script), nil)

	result, err := h.Run(context.Background(), nil, 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ProcessExited, result.Outcome)
	assert.Len(t, result.Stdout, 2000000)
	assert.Len(t, result.Stderr, 1500000)
	assert.Equal(t, strings.Repeat("o", 10), result.StdoutString()[:10])
}

func TestTerminateAll(t *testing.T) {
	s := NewSupervisor(Options{})
	a := spawn(t, s, shell(`sleep 30`), nil)
	b := spawn(t, s, shell(`sleep 30`), nil)

	s.TerminateAll()
	assert.Equal(t, Killed, a.State())
	assert.Equal(t, Killed, b.State())
}

func TestSpecString(t *testing.T) {
	assert.Equal(t, `./your_program.sh 'hello world' plain`,
		Spec{Command: "./your_program.sh", Args: []string{"hello world", "plain"}}.String())
	base := Spec{Command: "a", Args: []string{"y"}}
	assert.Equal(t, []string{"y", "x"}, base.WithExtraArgs("x").Args)
	assert.Equal(t, []string{"y"}, base.Args)
}

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Outcome says why an interaction ended.
type Outcome int

const (
	// Satisfied means the completion predicate returned true.
	Satisfied Outcome = iota
	// ProcessExited means the process exited before the predicate was satisfied, or no
	// predicate was given.
	ProcessExited
	// Expired means the timeout elapsed; the process has been terminated.
	Expired
	// Cancelled means the caller's context was cancelled; the process has been terminated.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Satisfied:
		return "satisfied"
	case ProcessExited:
		return "process exited"
	case Expired:
		return "timed out"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// InteractOptions controls one interaction.
type InteractOptions struct {
	// Timeout bounds the whole interaction. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Until is checked every time new output arrives. If nil, the interaction lasts until the
	// process exits.
	Until Predicate

	// CloseStdin closes the process's stdin after the input has been written.
	CloseStdin bool
}

// InteractionResult holds the output captured during one interaction.
type InteractionResult struct {
	Outcome Outcome
	Output
	State State
	// ExitCode is -1 unless the process has exited, or if it was killed by a signal.
	ExitCode int
	Elapsed  time.Duration
}

// Handle is a running (or finished) candidate process. It is owned by whoever spawned it;
// callers that only borrow it must not call Terminate.
type Handle struct {
	spec  Spec
	cmd   *exec.Cmd
	grace time.Duration

	stdin       io.WriteCloser
	stdinClosed bool
	stdinLock   sync.Mutex

	interactLock sync.Mutex

	log      Logger
	state    State
	exitCode int
	stopping bool
	stdout   []byte
	stderr   []byte
	chunks   []Chunk
	readOut  int
	readErr  int
	lock     sync.Mutex

	outWriter *outputWriter
	errWriter *outputWriter
	notify    chan struct{}
	exited    chan struct{}
}

func newHandle(spec Spec, cmd *exec.Cmd, grace time.Duration, logger Logger) *Handle {
	h := &Handle{
		spec:     spec,
		cmd:      cmd,
		grace:    grace,
		log:      logger,
		exitCode: -1,
		notify:   make(chan struct{}, 1),
		exited:   make(chan struct{}),
	}
	h.outWriter = &outputWriter{h: h, stream: Stdout}
	h.errWriter = &outputWriter{h: h, stream: Stderr}
	cmd.Stdout = h.outWriter
	cmd.Stderr = h.errWriter
	return h
}

func (h *Handle) started() {
	h.lock.Lock()
	h.setStateLocked(Running)
	h.lock.Unlock()
	go h.wait()
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	// Background children the program left in its process group must not outlive it.
	groupErr := killProcess(h.cmd.Process)
	h.outWriter.flush()
	h.errWriter.flush()

	h.lock.Lock()
	if ps := h.cmd.ProcessState; ps != nil {
		h.exitCode = ps.ExitCode()
	}
	final := Exited
	if h.stopping {
		final = Killed
	}
	h.setStateLocked(final)
	code := h.exitCode
	logger := h.log
	h.lock.Unlock()

	if groupErr != nil {
		logger.Debugf("Could not stop the program's child processes: %s", groupErr)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		logger.Debugf("Error waiting for program: %s", err)
	}
	if final == Exited {
		logger.Debugf("Program exited with code %d", code)
	} else {
		logger.Debugf("Program was terminated")
	}
	close(h.exited)
}

// setStateLocked moves to next only if it is later in the lifecycle than the current state.
func (h *Handle) setStateLocked(next State) bool {
	if next.rank() <= h.state.rank() {
		return false
	}
	h.state = next
	return true
}

func (h *Handle) append(stream string, p []byte) {
	data := append([]byte(nil), p...)
	h.lock.Lock()
	if stream == Stdout {
		h.stdout = append(h.stdout, data...)
	} else {
		h.stderr = append(h.stderr, data...)
	}
	h.chunks = append(h.chunks, Chunk{Stream: stream, Data: data})
	h.lock.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *Handle) logger() Logger {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.log
}

// SetLogger redirects diagnostics and candidate output to a different logger. This is how a
// process is handed from one stage to the next.
func (h *Handle) SetLogger(logger Logger) {
	if logger == nil {
		logger = nullLogger{}
	}
	h.lock.Lock()
	h.log = logger
	h.lock.Unlock()
}

func (h *Handle) Spec() Spec {
	return h.spec
}

func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *Handle) State() State {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.state
}

// ExitCode returns the exit code, or -1 if the process is still running or was killed by a
// signal.
func (h *Handle) ExitCode() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.exitCode
}

func (h *Handle) Running() bool {
	return h.State() == Running
}

// Done is closed once the process has exited and all its output has been captured.
func (h *Handle) Done() <-chan struct{} {
	return h.exited
}

// Stdout returns everything the process has written to stdout so far.
func (h *Handle) Stdout() []byte {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]byte(nil), h.stdout...)
}

// Stderr returns everything the process has written to stderr so far.
func (h *Handle) Stderr() []byte {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]byte(nil), h.stderr...)
}

// Interleaved returns both output streams as chunks in the order they were read.
func (h *Handle) Interleaved() []Chunk {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]Chunk(nil), h.chunks...)
}

// Write sends data to the process's stdin. It blocks if the process is not reading.
func (h *Handle) Write(p []byte) error {
	h.stdinLock.Lock()
	defer h.stdinLock.Unlock()
	if h.stdinClosed {
		return ErrStdinClosed
	}
	_, err := h.stdin.Write(p)
	return err
}

// CloseStdin signals end of input to the process. Closing twice is not an error.
func (h *Handle) CloseStdin() error {
	h.stdinLock.Lock()
	defer h.stdinLock.Unlock()
	if h.stdinClosed {
		return nil
	}
	h.stdinClosed = true
	return h.stdin.Close()
}

// Interact writes input to the process and then waits for the first of: opts.Until being
// satisfied by the output written since the previous interaction, the process exiting,
// opts.Timeout elapsing, or ctx being cancelled. On timeout the process is terminated before
// Interact returns, and the error is a *TimeoutError; the result still holds all output that
// was captured. Interactions on one Handle are serialized.
func (h *Handle) Interact(ctx context.Context, input []byte, opts InteractOptions) (InteractionResult, error) {
	h.interactLock.Lock()
	defer h.interactLock.Unlock()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := time.Now()

	var writeDone chan error
	if len(input) > 0 || opts.CloseStdin {
		writeDone = make(chan error, 1)
		go func() {
			var err error
			if len(input) > 0 {
				err = h.Write(input)
			}
			if err == nil && opts.CloseStdin {
				err = h.CloseStdin()
			}
			writeDone <- err
		}()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if opts.Until != nil && opts.Until(h.pending()) {
			return h.finish(Satisfied, start), nil
		}
		select {
		case <-h.notify:
		case err := <-writeDone:
			writeDone = nil
			if err != nil {
				h.logger().Debugf("Could not write to stdin: %s", err)
			}
		case <-h.exited:
			if opts.Until != nil && opts.Until(h.pending()) {
				return h.finish(Satisfied, start), nil
			}
			return h.finish(ProcessExited, start), nil
		case <-timer.C:
			h.logger().Debugf("No response within %s, terminating program", timeout)
			if err := h.stop(true); err != nil {
				h.logger().Debugf("%s", err)
			}
			return h.finish(Expired, start), &TimeoutError{Timeout: timeout}
		case <-ctx.Done():
			if err := h.stop(false); err != nil {
				h.logger().Debugf("%s", err)
			}
			return h.finish(Cancelled, start), ctx.Err()
		}
	}
}

// Run writes input, closes stdin, and waits for the process to exit.
func (h *Handle) Run(ctx context.Context, input []byte, timeout time.Duration) (InteractionResult, error) {
	return h.Interact(ctx, input, InteractOptions{Timeout: timeout, CloseStdin: true})
}

// Terminate stops the process: SIGTERM to its process group, then SIGKILL after the grace
// period. It returns once the process is gone. Calling it again, concurrently, or after the
// process has exited is safe.
func (h *Handle) Terminate() error {
	return h.stop(false)
}

func (h *Handle) stop(timedOut bool) error {
	h.lock.Lock()
	if h.state.Terminal() {
		h.lock.Unlock()
		<-h.exited
		return nil
	}
	if timedOut {
		h.setStateLocked(TimedOut)
	}
	first := !h.stopping
	h.stopping = true
	h.lock.Unlock()

	if first {
		if err := stopProcess(h.cmd.Process); err != nil {
			h.logger().Debugf("Could not signal program: %s", err)
		}
		grace := time.NewTimer(h.grace)
		defer grace.Stop()
		select {
		case <-h.exited:
			return nil
		case <-grace.C:
		}
		if err := killProcess(h.cmd.Process); err != nil {
			return fmt.Errorf("could not kill program: %w", err)
		}
	}
	<-h.exited
	return nil
}

func (h *Handle) pending() Output {
	h.lock.Lock()
	defer h.lock.Unlock()
	return Output{
		Stdout: append([]byte(nil), h.stdout[h.readOut:]...),
		Stderr: append([]byte(nil), h.stderr[h.readErr:]...),
	}
}

func (h *Handle) finish(outcome Outcome, start time.Time) InteractionResult {
	h.lock.Lock()
	defer h.lock.Unlock()
	out := Output{
		Stdout: append([]byte(nil), h.stdout[h.readOut:]...),
		Stderr: append([]byte(nil), h.stderr[h.readErr:]...),
	}
	h.readOut = len(h.stdout)
	h.readErr = len(h.stderr)
	return InteractionResult{
		Outcome:  outcome,
		Output:   out,
		State:    h.state,
		ExitCode: h.exitCode,
		Elapsed:  time.Since(start),
	}
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s (pid %d, %s)", h.spec, h.PID(), h.State())
}

// Package process spawns and supervises the program under test.
//
// A Supervisor starts candidate processes and returns a Handle for each. The Handle drains
// stdout and stderr continuously into unbounded buffers, mirrors every line to a logger as
// candidate output, and lets the caller run interactions: write some input, then wait until
// a predicate over the new output is satisfied, the process exits, or a timeout elapses.
// When an interaction times out, the process is asked to stop (SIGTERM to its process group),
// given a grace period, and then killed.
package process

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultTimeout is used by Interact when InteractOptions.Timeout is zero.
	DefaultTimeout = 10 * time.Second

	// DefaultGracePeriod is how long a process gets to exit after SIGTERM before it is killed.
	DefaultGracePeriod = time.Second
)

// Spec describes how to start the candidate.
type Spec struct {
	Command string
	Args    []string

	// Env holds variables added to the supervisor's base environment.
	Env map[string]string

	// Dir is the working directory; empty means the harness's own.
	Dir string
}

// WithExtraArgs returns a copy of the spec with args appended to its arguments.
func (s Spec) WithExtraArgs(args ...string) Spec {
	s.Args = append(append([]string(nil), s.Args...), args...)
	return s
}

func (s Spec) String() string {
	return commandLine(s.Command, s.Args)
}

// State is the lifecycle state of a Handle. States only move forward:
// Starting -> Running -> [TimedOut ->] Exited or Killed.
type State int

const (
	Starting State = iota
	Running
	TimedOut
	Exited
	Killed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case TimedOut:
		return "timed out"
	case Exited:
		return "exited"
	case Killed:
		return "killed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether the process is gone.
func (s State) Terminal() bool {
	return s == Exited || s == Killed
}

func (s State) rank() int {
	switch s {
	case Starting:
		return 0
	case Running:
		return 1
	case TimedOut:
		return 2
	default:
		return 3
	}
}

// ErrStdinClosed is returned when writing to a process whose stdin was already closed.
var ErrStdinClosed = errors.New("stdin of the program has already been closed")

// SpawnError means the candidate could not be started at all: the executable is missing,
// is not executable, or the OS refused to run it.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("could not start %q: %s", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsSpawnError reports whether err is or wraps a *SpawnError.
func IsSpawnError(err error) bool {
	var se *SpawnError
	return errors.As(err, &se)
}

// TimeoutError means the candidate did not complete an interaction in time. The process has
// already been terminated when this error is returned.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("program did not respond within %s", e.Timeout)
}

// IsTimeout reports whether err is or wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

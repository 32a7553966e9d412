package framework

import (
	"errors"
	"fmt"
	"strings"

	"github.com/launchdarkly/stage-tester/process"
)

// HarnessError is a fault in the tester itself rather than in the candidate. A stage that
// reports one is Errored, not Failed.
type HarnessError struct {
	Err error
}

func (e *HarnessError) Error() string {
	return "tester error: " + e.Err.Error()
}

func (e *HarnessError) Unwrap() error {
	return e.Err
}

// Harnessf creates a HarnessError.
func Harnessf(format string, args ...interface{}) error {
	return &HarnessError{Err: fmt.Errorf(format, args...)}
}

type panicError struct {
	value interface{}
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("unexpected panic in stage: %+v\n%s", e.value, e.stack)
}

// classify decides a failed stage's status from everything it reported. A harness fault wins
// over a timeout, which wins over an ordinary failure.
func classify(errs []error) Status {
	status := StatusFailed
	for _, err := range errs {
		var he *HarnessError
		var pe *panicError
		switch {
		case errors.As(err, &he), errors.As(err, &pe):
			return StatusErrored
		case process.IsTimeout(err):
			status = StatusTimedOut
		}
	}
	return status
}

// reason summarizes a stage's errors on one line each. Stack traces are left out; they are
// in the log.
func reason(errs []error) string {
	var lines []string
	for _, err := range errs {
		var pe *panicError
		if errors.As(err, &pe) {
			lines = append(lines, fmt.Sprintf("unexpected panic in stage: %+v", pe.value))
			continue
		}
		lines = append(lines, strings.TrimSpace(err.Error()))
	}
	return strings.Join(lines, "\n")
}

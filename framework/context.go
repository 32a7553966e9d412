package framework

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/launchdarkly/stage-tester/compare"
	"github.com/launchdarkly/stage-tester/logging"
	"github.com/launchdarkly/stage-tester/process"
	"github.com/launchdarkly/stage-tester/randgen"
)

// T is the context of one stage execution, similar to Go's *testing.T. It implements
// testify's require.TestingT, so stage logic can use assert and require directly:
//
//	require.Equal(t, "pong", strings.TrimSpace(result.StdoutString()))
//
// A T belongs to the Runner for the duration of one stage and must not be retained.
type T struct {
	env       *environment
	stage     Stage
	ctx       context.Context
	logger    *logging.Logger
	seed      int64
	rand      *randgen.Generator
	timeout   time.Duration
	primary   *process.Handle
	inherited bool
	spawned   []*process.Handle
	teardowns []func()

	failed     bool
	spawnErr   error
	skipped    bool
	skipReason string
	errors     []error
	lock       sync.Mutex
}

type environment struct {
	supervisor *process.Supervisor
	executable process.Spec
	testLogger TestLogger
}

func newT(ctx context.Context, env *environment, stage Stage, logger *logging.Logger, runSeed int64, timeout time.Duration) *T {
	seed := randgen.StageSeed(runSeed, stage.Ordinal)
	return &T{
		env:     env,
		stage:   stage,
		ctx:     ctx,
		logger:  logger,
		seed:    seed,
		rand:    randgen.Seeded(seed),
		timeout: timeout,
	}
}

// run calls the validator, turning FailNow and Skip into ordinary returns and any other panic
// into an error.
func (t *T) run(v Validator) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*T); ok {
				t.lock.Lock()
				if !t.skipped && !t.failed {
					t.failed = true
					t.errors = append(t.errors, errors.New("stage failed with no failure message"))
				}
				t.lock.Unlock()
				return
			}
			err := &panicError{value: r, stack: string(debug.Stack())}
			t.logger.Errorf("%s", err)
			t.record(err)
		}
	}()

	if err := v.Validate(t); err != nil {
		t.record(err)
	}
}

func (t *T) record(err error) {
	t.lock.Lock()
	t.failed = true
	t.errors = append(t.errors, err)
	t.lock.Unlock()
	t.env.testLogger.StageError(t.stage, err)
}

func (t *T) status() Status {
	t.lock.Lock()
	defer t.lock.Unlock()
	switch {
	case t.failed:
		return classify(t.errors)
	case t.skipped:
		return StatusSkipped
	default:
		return StatusPassed
	}
}

func (t *T) reason() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.failed {
		return reason(t.errors)
	}
	return t.skipReason
}

// Stage returns the stage being run.
func (t *T) Stage() Stage {
	return t.stage
}

// Context is cancelled if the run is cancelled.
func (t *T) Context() context.Context {
	return t.ctx
}

func (t *T) Logger() *logging.Logger {
	return t.logger
}

// Seed is the stage's seed, derived from the run seed and the stage ordinal.
func (t *T) Seed() int64 {
	return t.seed
}

// Rand returns the stage's random generator. Equal run seeds produce equal data.
func (t *T) Rand() *randgen.Generator {
	return t.rand
}

// Timeout is the default budget for each interaction in this stage.
func (t *T) Timeout() time.Duration {
	return t.timeout
}

// Errorf records a failure and lets the stage continue.
func (t *T) Errorf(format string, args ...interface{}) {
	err := fmt.Errorf(format, args...)
	t.logger.Errorf("%s", reformatError(err))
	t.record(err)
}

// FailNow stops the stage. Errors already recorded determine its status.
func (t *T) FailNow() {
	panic(t)
}

// Fail records err and stops the stage.
func (t *T) Fail(err error) {
	if err == nil {
		err = errors.New("stage failed")
	}
	t.logger.Errorf("%s", err)
	t.record(err)
	t.FailNow()
}

// Failed reports whether a failure has been recorded.
func (t *T) Failed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.failed
}

// Skip stops the stage and records it as Skipped.
func (t *T) Skip(reason string) {
	t.lock.Lock()
	t.skipped = true
	t.skipReason = reason
	t.lock.Unlock()
	panic(t)
}

func (t *T) Debugf(format string, args ...interface{}) {
	t.logger.Debugf(format, args...)
}

func (t *T) Logf(format string, args ...interface{}) {
	t.logger.Infof(format, args...)
}

// RegisterTeardown adds a function to run when the stage ends, whatever its outcome.
// Teardown functions run in reverse order of registration.
func (t *T) RegisterTeardown(f func()) {
	t.lock.Lock()
	t.teardowns = append(t.teardowns, f)
	t.lock.Unlock()
}

// Process returns the stage's primary candidate process, starting it on first use unless it
// was handed over from the previous stage. A candidate that cannot be started ends the run.
func (t *T) Process() *process.Handle {
	if t.primary == nil {
		h, err := t.env.supervisor.Spawn(t.env.executable.WithExtraArgs(t.stage.Args...), t.logger)
		if err != nil {
			t.failSpawn(err)
		}
		t.primary = h
	}
	return t.primary
}

// Spawn starts an additional instance of the candidate with extra arguments. It is
// terminated when the stage ends.
func (t *T) Spawn(args ...string) *process.Handle {
	h, err := t.env.supervisor.Spawn(t.env.executable.WithExtraArgs(args...), t.logger)
	if err != nil {
		t.failSpawn(err)
	}
	t.lock.Lock()
	t.spawned = append(t.spawned, h)
	t.lock.Unlock()
	return h
}

func (t *T) failSpawn(err error) {
	t.lock.Lock()
	t.spawnErr = err
	t.lock.Unlock()
	t.Fail(err)
}

func (t *T) spawnError() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.spawnErr
}

// Interact sends input to the primary process and waits until the output written in
// response satisfies until, the process exits, or the stage timeout elapses. A timeout or
// cancellation fails the stage.
func (t *T) Interact(input string, until process.Predicate) process.InteractionResult {
	return t.InteractWith(t.Process(), input, until)
}

// InteractWith is like Interact for any process the stage owns.
func (t *T) InteractWith(h *process.Handle, input string, until process.Predicate) process.InteractionResult {
	if input != "" {
		t.logger.Debugf("Sending %q", input)
	}
	result, err := h.Interact(t.ctx, []byte(input), process.InteractOptions{Timeout: t.timeout, Until: until})
	if err != nil {
		t.Fail(err)
	}
	return result
}

// Run sends input to the primary process, closes its stdin, and waits for it to exit.
func (t *T) Run(input string) process.InteractionResult {
	result, err := t.Process().Run(t.ctx, []byte(input), t.timeout)
	if err != nil {
		t.Fail(err)
	}
	return result
}

// RequireMatch fails the stage if actual does not match expected under rules.
func (t *T) RequireMatch(expected, actual string, rules compare.Rules) {
	if err := compare.Compare(expected, actual, rules).Err(); err != nil {
		t.Fail(err)
	}
}

// RequireExitCode fails the stage unless the process exited with the given code.
func (t *T) RequireExitCode(h *process.Handle, code int) {
	if h.State() != process.Exited {
		t.Fail(fmt.Errorf("expected program to exit with code %d, but it is %s", code, h.State()))
	}
	if got := h.ExitCode(); got != code {
		t.Fail(fmt.Errorf("expected program to exit with code %d, got %d", code, got))
	}
}

// cleanup runs teardown functions and stops every process the stage owns except the one
// being handed to the next stage.
func (t *T) cleanup(keep *process.Handle) {
	t.lock.Lock()
	teardowns := t.teardowns
	t.teardowns = nil
	handles := append([]*process.Handle(nil), t.spawned...)
	t.lock.Unlock()

	for i := len(teardowns) - 1; i >= 0; i-- {
		t.runTeardown(teardowns[i])
	}
	if t.primary != nil && t.primary != keep {
		handles = append(handles, t.primary)
	}
	for _, h := range handles {
		if err := h.Terminate(); err != nil {
			t.logger.Debugf("%s", err)
		}
	}
}

func (t *T) runTeardown(f func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Errorf("teardown function panicked: %+v", r)
		}
	}()
	f()
}

func reformatError(err error) error {
	s := err.Error()
	if !strings.Contains(s, "\n") {
		return err
	}
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return errors.New(strings.Join(lines, "\n  "))
}

package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/launchdarkly/stage-tester/logging"
	"github.com/launchdarkly/stage-tester/process"
)

const (
	// DefaultStageTimeout applies when neither the stage nor the run configuration sets one.
	DefaultStageTimeout = 10 * time.Second

	// DefaultExcerptLines is how much of a stage's log goes into its result.
	DefaultExcerptLines = 50
)

// RunConfig holds the per-run settings. The zero value is usable.
type RunConfig struct {
	// Seed determines all random data in the run. Equal seeds produce equal runs.
	Seed int64

	// DefaultTimeout is used for stages that have no Timeout. Defaults to
	// DefaultStageTimeout.
	DefaultTimeout time.Duration

	// ContinueOnFailure keeps going after a failed stage whose Halt policy is HaltDefault.
	ContinueOnFailure bool

	SkipAntiCheat bool

	// Selections narrows the run to specific stages. Empty means all of them.
	Selections []Selection

	// ExcerptLines is how many log lines each StageResult keeps. Defaults to
	// DefaultExcerptLines.
	ExcerptLines int
}

// Runner executes the stages of a Definition against one candidate executable.
type Runner struct {
	Supervisor *process.Supervisor
	Executable process.Spec
	Config     RunConfig

	// TestLogger receives progress events. Optional.
	TestLogger TestLogger

	// Sink collects all log output. If nil, output is captured in a private sink.
	Sink *logging.Sink

	// Filter excludes stages from the run; they are reported as Skipped. Optional.
	Filter Filter
}

// Run executes the planned stages in ordinal order and returns a report listing every one of
// them. The returned error is non-nil only if the run could not go ahead: the definition is
// invalid, or the executable cannot be run, whether that is found before the first stage or
// when a stage tries to start it. In that case no report is returned. Every other problem is
// reported in a StageResult.
func (r *Runner) Run(ctx context.Context, def *Definition) (*Report, error) {
	start := time.Now()

	stages, err := def.Plan(r.Config.Selections, !r.Config.SkipAntiCheat)
	if err != nil {
		return nil, err
	}
	supervisor := r.Supervisor
	if supervisor == nil {
		supervisor = process.NewSupervisor(process.Options{})
	}
	if err := supervisor.Check(r.Executable); err != nil {
		return nil, err
	}
	testLogger := r.TestLogger
	if testLogger == nil {
		testLogger = nullTestLogger{}
	}
	sink := r.Sink
	if sink == nil {
		sink = logging.NewSink(logging.Options{})
	}
	env := &environment{
		supervisor: supervisor,
		executable: r.Executable,
		testLogger: testLogger,
	}

	var carried *process.Handle
	defer func() {
		if carried != nil {
			_ = carried.Terminate()
		}
	}()

	results := make([]StageResult, 0, len(stages))
	haltedBy := ""
	for i, stage := range stages {
		skipReason := ""
		switch {
		case haltedBy != "":
			skipReason = fmt.Sprintf("stage %q failed", haltedBy)
		case r.Filter != nil && !r.Filter(stage.Slug):
			skipReason = "excluded by filter parameters"
		}

		var inherited *process.Handle
		if carried != nil {
			if skipReason == "" && stage.ReusesPreviousProcess && carried.Running() {
				inherited = carried
			} else {
				_ = carried.Terminate()
			}
			carried = nil
		}

		if skipReason != "" {
			testLogger.StageStarted(stage)
			testLogger.StageSkipped(stage, skipReason)
			results = append(results, skippedResult(stage, skipReason))
			continue
		}

		if err := ctx.Err(); err != nil {
			if inherited != nil {
				_ = inherited.Terminate()
			}
			result := skippedResult(stage, "")
			result.Status = StatusErrored
			result.Reason = fmt.Sprintf("run was cancelled: %s", err)
			testLogger.StageStarted(stage)
			testLogger.StageFinished(stage, result, nil)
			results = append(results, result)
			haltedBy = stage.Slug
			continue
		}

		handOff := i+1 < len(stages) && stages[i+1].ReusesPreviousProcess
		result, kept, err := r.runStage(ctx, env, sink, stage, inherited, handOff)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
		carried = kept

		if result.Status.Failure() && (stage.halts(r.Config.ContinueOnFailure) || ctx.Err() != nil) {
			haltedBy = stage.Slug
		}
	}

	report := Finalize(results, start, time.Now())
	report.Seed = r.Config.Seed
	return &report, nil
}

func (r *Runner) timeoutFor(stage Stage) time.Duration {
	switch {
	case stage.Timeout > 0:
		return stage.Timeout
	case r.Config.DefaultTimeout > 0:
		return r.Config.DefaultTimeout
	default:
		return DefaultStageTimeout
	}
}

// runStage executes one stage. If handOff is set and the stage's primary process is still
// running at the end, it is returned instead of being terminated. The error is the
// *process.SpawnError of a candidate that could not be started.
func (r *Runner) runStage(
	ctx context.Context,
	env *environment,
	sink *logging.Sink,
	stage Stage,
	inherited *process.Handle,
	handOff bool,
) (StageResult, *process.Handle, error) {
	logger := sink.Scoped(stage.logPrefix())
	t := newT(ctx, env, stage, logger, r.Config.Seed, r.timeoutFor(stage))
	if inherited != nil {
		inherited.SetLogger(logger)
		t.primary = inherited
		t.inherited = true
		logger.Debugf("Continuing with process %d from the previous stage", inherited.PID())
	}

	env.testLogger.StageStarted(stage)
	logger.Infof("Running tests for %s", stage.Name())
	logger.Debugf("Stage seed: %d", t.seed)

	start := time.Now()
	t.run(stage.Validator)

	var kept *process.Handle
	if handOff && t.primary != nil && t.primary.Running() && !t.Failed() {
		kept = t.primary
	}
	t.cleanup(kept)
	duration := time.Since(start)
	if err := t.spawnError(); err != nil {
		return StageResult{}, nil, err
	}

	status := t.status()
	reason := t.reason()
	if status.Failure() && ctx.Err() != nil {
		status = StatusErrored
		reason = fmt.Sprintf("run was cancelled: %s", ctx.Err())
	}

	excerptLines := r.Config.ExcerptLines
	if excerptLines <= 0 {
		excerptLines = DefaultExcerptLines
	}
	output := logger.Output()
	result := StageResult{
		Slug:       stage.Slug,
		Title:      stage.Title,
		Ordinal:    stage.Ordinal,
		Status:     status,
		Reason:     reason,
		Duration:   duration,
		LogExcerpt: output.Excerpt(excerptLines),
	}

	if status == StatusSkipped {
		env.testLogger.StageSkipped(stage, reason)
	} else {
		env.testLogger.StageFinished(stage, result, output)
	}
	return result, kept, nil
}

func skippedResult(stage Stage, reason string) StageResult {
	return StageResult{
		Slug:    stage.Slug,
		Title:   stage.Title,
		Ordinal: stage.Ordinal,
		Status:  StatusSkipped,
		Reason:  reason,
	}
}

// ReusedProcess reports whether the primary process was handed over from the previous stage.
func (t *T) ReusedProcess() bool {
	return t.inherited
}

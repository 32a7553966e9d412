//go:build !windows

package framework

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchdarkly/stage-tester/compare"
	"github.com/launchdarkly/stage-tester/logging"
	"github.com/launchdarkly/stage-tester/process"
)

const echoProgram = `while read line; do
	if [ "$line" = "two" ]; then echo wrong; else echo "$line"; fi
done`

func shellProgram(script string) process.Spec {
	return process.Spec{Command: "sh", Args: []string{"-c", script}}
}

func newRunner(script string, config RunConfig) *Runner {
	return &Runner{
		Supervisor: process.NewSupervisor(process.Options{GracePeriod: 200 * time.Millisecond}),
		Executable: shellProgram(script),
		Config:     config,
	}
}

func echoStage(slug string, word string) Stage {
	return Stage{
		Slug: slug,
		Validator: ValidatorFunc(func(c *T) error {
			result := c.Interact(word+"\n", process.UntilStdoutLines(1))
			c.RequireMatch(word, result.StdoutString(), compare.Rules{IgnoreTrailingWhitespace: true})
			return nil
		}),
	}
}

func statuses(report *Report) []Status {
	var ret []Status
	for _, s := range report.Stages {
		ret = append(ret, s.Status)
	}
	return ret
}

func TestHaltingStageSkipsTheRest(t *testing.T) {
	second := echoStage("stage-2", "two")
	second.Halt = HaltAlways
	def, err := NewDefinition(echoStage("stage-1", "one"), second, echoStage("stage-3", "three"))
	require.NoError(t, err)

	report, err := newRunner(echoProgram, RunConfig{ContinueOnFailure: true}).Run(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, []Status{StatusPassed, StatusFailed, StatusSkipped}, statuses(report))
	assert.Equal(t, StatusFailed, report.Status)
	assert.Contains(t, report.Stages[1].Reason, `output mismatch: line 1, column 1: expected "two", got "wrong"`)
	assert.Contains(t, report.Stages[1].LogExcerpt, "[your_program] wrong")
	assert.Equal(t, `stage "stage-2" failed`, report.Stages[2].Reason)
	assert.Zero(t, report.Stages[2].Duration)
}

func TestDefaultPolicyHaltsUnlessConfigured(t *testing.T) {
	def, err := NewDefinition(echoStage("stage-1", "two"), echoStage("stage-2", "one"))
	require.NoError(t, err)

	report, err := newRunner(echoProgram, RunConfig{}).Run(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, []Status{StatusFailed, StatusSkipped}, statuses(report))

	report, err = newRunner(echoProgram, RunConfig{ContinueOnFailure: true}).Run(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, []Status{StatusFailed, StatusPassed}, statuses(report))
}

func TestNeverRespondingCandidateTimesOut(t *testing.T) {
	var handle *process.Handle
	def, err := NewDefinition(Stage{
		Slug:    "ping",
		Timeout: 2000 * time.Millisecond,
		Validator: ValidatorFunc(func(c *T) error {
			handle = c.Process()
			c.Interact("PING\n", process.UntilStdoutContains("PONG"))
			return nil
		}),
	})
	require.NoError(t, err)

	start := time.Now()
	report, err := newRunner(`echo starting; sleep 60`, RunConfig{}).Run(context.Background(), def)
	require.NoError(t, err)

	require.Len(t, report.Stages, 1)
	result := report.Stages[0]
	assert.Equal(t, StatusTimedOut, result.Status)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Contains(t, result.Reason, "program did not respond within 2s")
	assert.Contains(t, result.LogExcerpt, "[your_program] starting")
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)
	assert.Less(t, time.Since(start), 10*time.Second)

	require.NotNil(t, handle)
	assert.Equal(t, process.Killed, handle.State())
}

func TestSameSeedSameData(t *testing.T) {
	collect := func(seed int64) []string {
		var data []string
		var stages []Stage
		for _, slug := range []string{"a", "b", "c"} {
			stages = append(stages, Stage{
				Slug: slug,
				Validator: ValidatorFunc(func(c *T) error {
					data = append(data, c.Rand().String(12), strings.Join(c.Rand().Words(3), " "))
					return nil
				}),
			})
		}
		def, err := NewDefinition(stages...)
		require.NoError(t, err)
		report, err := newRunner("exit 0", RunConfig{Seed: seed}).Run(context.Background(), def)
		require.NoError(t, err)
		assert.True(t, report.OK())
		assert.Equal(t, seed, report.Seed)
		return data
	}

	first := collect(42)
	assert.Equal(t, first, collect(42))
	assert.NotEqual(t, first, collect(43))
	assert.NotEqual(t, first[0], first[2], "each stage gets its own seed")
}

func TestSameSeedSameReport(t *testing.T) {
	lengthProgram := `while read line; do echo "${#line}"; done`
	var stages []Stage
	for _, slug := range []string{"word", "words", "sentence"} {
		slug := slug
		stages = append(stages, Stage{
			Slug: slug,
			Halt: HaltNever,
			Validator: ValidatorFunc(func(c *T) error {
				c.Logf("picked %d", c.Rand().Int(0, 1000))
				input := c.Rand().Word()
				if slug != "word" {
					input = c.Rand().Sentence(3)
				}
				result := c.Interact(input+"\n", process.UntilStdoutLines(1))
				c.RequireMatch(input, result.StdoutString(), compare.Rules{IgnoreTrailingWhitespace: true})
				return nil
			}),
		})
	}
	def, err := NewDefinition(stages...)
	require.NoError(t, err)

	run := func(seed int64) Report {
		report, err := newRunner(lengthProgram, RunConfig{Seed: seed}).Run(context.Background(), def)
		require.NoError(t, err)
		report.Duration = 0
		for i := range report.Stages {
			report.Stages[i].Duration = 0
		}
		return *report
	}

	first := run(1234)
	assert.Equal(t, first, run(1234))
	assert.NotEqual(t, first, run(5678))

	assert.Equal(t, []Status{StatusFailed, StatusFailed, StatusFailed}, statuses(&first))
	assert.Contains(t, first.Stages[0].Reason, "output mismatch")
}

func TestPanicInStageIsErrored(t *testing.T) {
	def, err := NewDefinition(
		Stage{
			Slug: "broken",
			Halt: HaltNever,
			Validator: ValidatorFunc(func(c *T) error {
				var m map[string]int
				m["x"] = 1
				return nil
			}),
		},
		Stage{Slug: "fine", Validator: ValidatorFunc(func(c *T) error { return nil })},
	)
	require.NoError(t, err)

	report, err := newRunner("exit 0", RunConfig{}).Run(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, []Status{StatusErrored, StatusPassed}, statuses(report))
	assert.Contains(t, report.Stages[0].Reason, "unexpected panic in stage")
	assert.NotContains(t, report.Stages[0].Reason, "goroutine", "stack trace belongs in the log only")
	assert.Contains(t, report.Stages[0].LogExcerpt, "goroutine")
}

func TestValidatorErrorsAreClassified(t *testing.T) {
	stage := func(slug string, err error) Stage {
		return Stage{Slug: slug, Validator: ValidatorFunc(func(c *T) error { return err })}
	}
	def, err := NewDefinition(
		stage("plain", errors.New("bad answer")),
		stage("harness", Harnessf("could not open %s", "fixture")),
		stage("timeout", &process.TimeoutError{Timeout: time.Second}),
		stage("mismatch", compare.Compare("a", "b", compare.Rules{}).Err()),
	)
	require.NoError(t, err)

	report, err := newRunner("exit 0", RunConfig{ContinueOnFailure: true}).Run(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, []Status{StatusFailed, StatusErrored, StatusTimedOut, StatusFailed}, statuses(report))
	assert.Equal(t, "tester error: could not open fixture", report.Stages[1].Reason)
}

func TestTestifyAssertions(t *testing.T) {
	reached := false
	def, err := NewDefinition(
		Stage{
			Slug: "assert",
			Halt: HaltNever,
			Validator: ValidatorFunc(func(c *T) error {
				assert.Equal(c, "expected", "actual")
				reached = true
				return nil
			}),
		},
		Stage{
			Slug: "require",
			Validator: ValidatorFunc(func(c *T) error {
				require.True(c, false, "should stop here")
				panic("not reached")
			}),
		},
	)
	require.NoError(t, err)

	report, err := newRunner("exit 0", RunConfig{}).Run(context.Background(), def)
	require.NoError(t, err)
	assert.True(t, reached, "assert does not stop the stage")
	assert.Equal(t, []Status{StatusFailed, StatusFailed}, statuses(report))
	assert.Contains(t, report.Stages[1].Reason, "should stop here")
	assert.NotContains(t, report.Stages[1].Reason, "not reached")
}

func TestSkipFromStage(t *testing.T) {
	def, err := NewDefinition(Stage{
		Slug:      "optional",
		Validator: ValidatorFunc(func(c *T) error { c.Skip("not supported here"); return nil }),
	})
	require.NoError(t, err)

	report, err := newRunner("exit 0", RunConfig{}).Run(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, report.Stages[0].Status)
	assert.Equal(t, "not supported here", report.Stages[0].Reason)
	assert.True(t, report.OK())
}

func TestFilterSkipsStages(t *testing.T) {
	var filters RegexFilters
	require.NoError(t, filters.MustNotMatch.Set("^stage-2$"))

	var ran []string
	var stages []Stage
	for _, slug := range []string{"stage-1", "stage-2", "stage-3"} {
		slug := slug
		stages = append(stages, Stage{Slug: slug, Validator: ValidatorFunc(func(c *T) error {
			ran = append(ran, slug)
			return nil
		})})
	}
	def, err := NewDefinition(stages...)
	require.NoError(t, err)

	runner := newRunner("exit 0", RunConfig{})
	runner.Filter = filters.AsFilter
	report, err := runner.Run(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, []string{"stage-1", "stage-3"}, ran)
	assert.Equal(t, []Status{StatusPassed, StatusSkipped, StatusPassed}, statuses(report))
	assert.Equal(t, "excluded by filter parameters", report.Stages[1].Reason)
}

func TestProcessIsHandedToNextStage(t *testing.T) {
	var pids []int
	var handles []*process.Handle
	stage := func(slug, word string, reuse bool) Stage {
		return Stage{
			Slug:                  slug,
			ReusesPreviousProcess: reuse,
			Validator: ValidatorFunc(func(c *T) error {
				assert.Equal(c, reuse, c.ReusedProcess())
				h := c.Process()
				pids = append(pids, h.PID())
				handles = append(handles, h)
				result := c.Interact(word+"\n", process.UntilStdoutLines(1))
				c.RequireMatch(word+"\n", result.StdoutString(), compare.Rules{})
				return nil
			}),
		}
	}
	def, err := NewDefinition(stage("first", "one", false), stage("second", "three", true), stage("third", "four", false))
	require.NoError(t, err)

	sink := logging.NewSink(logging.Options{})
	runner := newRunner(echoProgram, RunConfig{})
	runner.Sink = sink
	report, err := runner.Run(context.Background(), def)
	require.NoError(t, err)
	require.True(t, report.OK(), "%v", report.Stages)

	require.Len(t, pids, 3)
	assert.Equal(t, pids[0], pids[1])
	assert.NotEqual(t, pids[1], pids[2])
	for _, h := range handles {
		assert.True(t, h.State().Terminal())
	}
	assert.Contains(t, report.Stages[1].LogExcerpt, "[your_program] three",
		"output after the hand-over is logged under the new stage")
	assert.NotContains(t, report.Stages[0].LogExcerpt, "three")
}

func TestExtraProcessesAreTerminated(t *testing.T) {
	var extra *process.Handle
	def, err := NewDefinition(Stage{Slug: "extra", Validator: ValidatorFunc(func(c *T) error {
		extra = c.Spawn()
		return nil
	})})
	require.NoError(t, err)

	_, err = newRunner("sleep 60", RunConfig{}).Run(context.Background(), def)
	require.NoError(t, err)
	require.NotNil(t, extra)
	assert.Equal(t, process.Killed, extra.State())
}

func TestTeardownRunsInReverseOrder(t *testing.T) {
	var order []string
	var lock sync.Mutex
	record := func(s string) func() {
		return func() {
			lock.Lock()
			order = append(order, s)
			lock.Unlock()
		}
	}
	def, err := NewDefinition(Stage{Slug: "teardown", Validator: ValidatorFunc(func(c *T) error {
		c.RegisterTeardown(record("first"))
		c.RegisterTeardown(func() { panic("ignored") })
		c.RegisterTeardown(record("second"))
		c.Fail(errors.New("failing anyway"))
		return nil
	})})
	require.NoError(t, err)

	report, err := newRunner("exit 0", RunConfig{}).Run(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "first"}, order)
	assert.Equal(t, StatusFailed, report.Status)
}

func TestMissingExecutableRunsNothing(t *testing.T) {
	ran := false
	def, err := NewDefinition(Stage{Slug: "a", Validator: ValidatorFunc(func(c *T) error {
		ran = true
		return nil
	})})
	require.NoError(t, err)

	runner := &Runner{Executable: process.Spec{Command: "./your_program.sh", Dir: t.TempDir()}}
	report, err := runner.Run(context.Background(), def)
	require.Error(t, err)
	assert.True(t, process.IsSpawnError(err))
	assert.Nil(t, report)
	assert.False(t, ran)
}

func TestSharedLogPrefixKeepsExcerptsApart(t *testing.T) {
	stage := func(slug string) Stage {
		return Stage{Slug: slug, Validator: ValidatorFunc(func(c *T) error {
			c.Logf("from stage %s", slug)
			return nil
		})}
	}
	def, err := NewDefinition(stage("a"), stage("b"))
	require.NoError(t, err)

	report, err := newRunner("exit 0", RunConfig{Selections: []Selection{
		{Slug: "a", LogPrefix: "x"},
		{Slug: "b", LogPrefix: "x"},
	}}).Run(context.Background(), def)
	require.NoError(t, err)

	require.Len(t, report.Stages, 2)
	assert.Contains(t, report.Stages[0].LogExcerpt, "from stage a")
	assert.Contains(t, report.Stages[1].LogExcerpt, "from stage b")
	assert.NotContains(t, report.Stages[1].LogExcerpt, "from stage a")
}

func TestUnrunnableExecutableEndsTheRun(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "your_program.sh"), []byte{0, 1, 2, 3, 4, 5, 6, 7}, 0o755))

	var ran []string
	var stages []Stage
	for _, slug := range []string{"a", "b", "c"} {
		slug := slug
		stages = append(stages, Stage{Slug: slug, Halt: HaltNever, Validator: ValidatorFunc(func(c *T) error {
			ran = append(ran, slug)
			c.Process()
			return nil
		})})
	}
	def, err := NewDefinition(stages...)
	require.NoError(t, err)

	runner := &Runner{
		Supervisor: process.NewSupervisor(process.Options{}),
		Executable: process.Spec{Command: "./your_program.sh", Dir: dir},
	}
	require.NoError(t, runner.Supervisor.Check(runner.Executable), "the file looks executable")
	report, err := runner.Run(context.Background(), def)
	require.Error(t, err)
	assert.True(t, process.IsSpawnError(err))
	assert.NotContains(t, err.Error(), "tester error")
	assert.Nil(t, report)
	assert.Equal(t, []string{"a"}, ran)
}

func TestCancelledRunMarksRemainingStagesErrored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	def, err := NewDefinition(
		Stage{Slug: "cancel", Validator: ValidatorFunc(func(c *T) error {
			cancel()
			return nil
		})},
		Stage{Slug: "after", Validator: ValidatorFunc(func(c *T) error { return nil })},
		Stage{Slug: "last", Validator: ValidatorFunc(func(c *T) error { return nil })},
	)
	require.NoError(t, err)

	report, err := newRunner("exit 0", RunConfig{}).Run(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, []Status{StatusPassed, StatusErrored, StatusSkipped}, statuses(report))
	assert.Contains(t, report.Stages[1].Reason, "run was cancelled")
}

func TestStageTimeoutDefaults(t *testing.T) {
	r := &Runner{}
	assert.Equal(t, DefaultStageTimeout, r.timeoutFor(Stage{}))
	r.Config.DefaultTimeout = 15 * time.Second
	assert.Equal(t, 15*time.Second, r.timeoutFor(Stage{}))
	assert.Equal(t, time.Second, r.timeoutFor(Stage{Timeout: time.Second}))
}

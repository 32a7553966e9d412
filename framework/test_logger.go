package framework

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/launchdarkly/stage-tester/logging"
)

// TestLogger receives progress events as the Runner goes through the stages.
type TestLogger interface {
	StageStarted(stage Stage)
	StageError(stage Stage, err error)
	StageFinished(stage Stage, result StageResult, output logging.CapturedOutput)
	StageSkipped(stage Stage, reason string)
}

type nullTestLogger struct{}

func (n nullTestLogger) StageStarted(Stage)                                       {}
func (n nullTestLogger) StageError(Stage, error)                                  {}
func (n nullTestLogger) StageFinished(Stage, StageResult, logging.CapturedOutput) {}
func (n nullTestLogger) StageSkipped(Stage, string)                               {}

// ConsoleTestLogger prints stage progress for a human reader.
type ConsoleTestLogger struct {
	// Output defaults to os.Stdout.
	Output io.Writer

	DebugOutputOnFailure bool
	DebugOutputOnSuccess bool
}

var (
	stageHeading = color.New(color.Bold)
	passedLabel  = color.New(color.FgGreen)
	failedLabel  = color.New(color.FgRed, color.Bold)
	skippedLabel = color.New(color.FgYellow)
)

func (c *ConsoleTestLogger) out() io.Writer {
	if c.Output == nil {
		return os.Stdout
	}
	return c.Output
}

func (c *ConsoleTestLogger) StageStarted(stage Stage) {
	stageHeading.Fprintf(c.out(), "[%s] %s\n", stage.logPrefix(), stage.Name())
}

func (c *ConsoleTestLogger) StageError(stage Stage, err error) {
	for _, line := range strings.Split(reformatError(err).Error(), "\n") {
		fmt.Fprintf(c.out(), "  %s\n", line)
	}
}

func (c *ConsoleTestLogger) StageFinished(stage Stage, result StageResult, debugOutput logging.CapturedOutput) {
	failed := result.Status.Failure()
	if failed {
		failedLabel.Fprintf(c.out(), "  %s: %s\n", strings.ToUpper(string(result.Status)), stage.Slug)
	} else {
		passedLabel.Fprintf(c.out(), "  PASSED: %s (%s)\n", stage.Slug, result.Duration.Round(time.Millisecond))
	}
	if len(debugOutput) > 0 &&
		((failed && c.DebugOutputOnFailure) || (!failed && c.DebugOutputOnSuccess)) {
		debugOutput.Dump(c.out(), "    DEBUG ")
	}
}

func (c *ConsoleTestLogger) StageSkipped(stage Stage, reason string) {
	if reason == "" {
		skippedLabel.Fprintf(c.out(), "  SKIPPED: %s\n", stage.Slug)
	} else {
		skippedLabel.Fprintf(c.out(), "  SKIPPED: %s (%s)\n", stage.Slug, reason)
	}
}

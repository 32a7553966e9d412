package main

import (
	"fmt"
	"strings"

	"github.com/launchdarkly/stage-tester/compare"
	"github.com/launchdarkly/stage-tester/framework"
	"github.com/launchdarkly/stage-tester/process"
)

// echoDefinition is the challenge: write a program that prints back every line it reads.
func echoDefinition(rules compare.Rules) *framework.Definition {
	return &framework.Definition{
		ExecutableName:       "your_program.sh",
		LegacyExecutableName: "echo.sh",
		Stages: []framework.Stage{
			{
				Slug:  "echo-word",
				Title: "Echo a single word",
				Validator: framework.ValidatorFunc(func(t *framework.T) error {
					word := t.Rand().Word()
					result := t.Interact(word+"\n", process.UntilStdoutLines(1))
					t.RequireMatch(word+"\n", result.StdoutString(), rules)
					return nil
				}),
			},
			{
				Slug:  "echo-lines",
				Title: "Echo several lines",
				Validator: framework.ValidatorFunc(func(t *framework.T) error {
					lines := t.Rand().Words(2 + t.Rand().Int(0, 4))
					input := strings.Join(lines, "\n") + "\n"
					result := t.Interact(input, process.UntilStdoutLines(len(lines)))
					t.RequireMatch(input, result.StdoutString(), rules)
					return nil
				}),
			},
			{
				Slug:                  "echo-session",
				Title:                 "Keep echoing in the same session",
				ReusesPreviousProcess: true,
				Validator: framework.ValidatorFunc(func(t *framework.T) error {
					if !t.ReusedProcess() {
						t.Debugf("Previous process is gone, starting a new one")
					}
					for i := 0; i < 3; i++ {
						sentence := t.Rand().Sentence(4)
						result := t.Interact(sentence+"\n", process.UntilStdoutLines(1))
						t.RequireMatch(sentence+"\n", result.StdoutString(), rules)
					}
					return nil
				}),
			},
			{
				Slug:  "exit-on-eof",
				Title: "Exit when input ends",
				Validator: framework.ValidatorFunc(func(t *framework.T) error {
					word := t.Rand().Word()
					result := t.Run(word + "\n")
					t.RequireMatch(word+"\n", result.StdoutString(), rules)
					t.RequireExitCode(t.Process(), 0)
					return nil
				}),
			},
		},
		AntiCheatStages: []framework.Stage{
			{
				Slug:  "anti-cheat-random-input",
				Title: "Echo input that could not have been predicted",
				Validator: framework.ValidatorFunc(func(t *framework.T) error {
					token := t.Rand().String(24)
					result := t.Interact(token+"\n", process.UntilStdoutLines(1))
					if !compare.Equal(token, result.StdoutString(), compare.Rules{IgnoreTrailingWhitespace: true}) {
						t.Fail(fmt.Errorf("program output %q does not echo its input; it may be hardcoded",
							strings.TrimSpace(result.StdoutString())))
					}
					return nil
				}),
			},
		},
	}
}

package framework

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidDefinition is wrapped by every error that Definition.Plan returns for a malformed
// stage list.
var ErrInvalidDefinition = errors.New("invalid tester definition")

// HaltPolicy says whether a failed stage stops the run.
type HaltPolicy int

const (
	// HaltDefault defers to RunConfig.ContinueOnFailure.
	HaltDefault HaltPolicy = iota
	// HaltAlways stops the run when the stage fails, whatever the run configuration says.
	HaltAlways
	// HaltNever lets the run continue after the stage fails.
	HaltNever
)

// Validator is the stage-specific logic that checks the candidate.
//
// A validator reports failure either by returning an error or through the *T: t.Errorf,
// t.Fail, or any testify assert/require call. Returning a *process.TimeoutError or a
// *compare.MismatchError gives the stage the matching status; an error made with Harnessf
// marks the stage as Errored.
type Validator interface {
	Validate(t *T) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(t *T) error

func (f ValidatorFunc) Validate(t *T) error {
	return f(t)
}

// Stage is one test unit of a Definition.
type Stage struct {
	Slug string

	// Ordinal determines the run order and the stage's random seed. If every stage in a
	// Definition leaves it at zero, stages are numbered 1..n in the order given.
	Ordinal int

	Title string

	// LogPrefix scopes the stage's log messages. Defaults to the slug.
	LogPrefix string

	Halt HaltPolicy

	// ReusesPreviousProcess hands the previous stage's primary process to this stage, if that
	// process is still running, instead of starting a new one.
	ReusesPreviousProcess bool

	// Timeout is the default for each interaction with the candidate. Zero means the run's
	// default.
	Timeout time.Duration

	// Args are passed to the candidate when the stage starts its primary process.
	Args []string

	Validator Validator
}

// Name is the title if there is one, otherwise the slug.
func (s Stage) Name() string {
	if s.Title != "" {
		return s.Title
	}
	return s.Slug
}

func (s Stage) logPrefix() string {
	if s.LogPrefix != "" {
		return s.LogPrefix
	}
	return s.Slug
}

func (s Stage) String() string {
	return fmt.Sprintf("#%d %s", s.Ordinal, s.Slug)
}

func (s Stage) halts(continueOnFailure bool) bool {
	switch s.Halt {
	case HaltAlways:
		return true
	case HaltNever:
		return false
	default:
		return !continueOnFailure
	}
}

// Selection picks one stage of a Definition for a run, optionally overriding how it is
// presented.
type Selection struct {
	Slug      string
	Title     string
	LogPrefix string
	Timeout   time.Duration
}

// Definition is everything a specific challenge provides: the candidate's executable name and
// its stages.
type Definition struct {
	// ExecutableName is the file the candidate's repository must contain, such as
	// "your_program.sh".
	ExecutableName string

	// LegacyExecutableName is accepted when ExecutableName is missing.
	LegacyExecutableName string

	Stages []Stage

	// AntiCheatStages run after the selected stages unless RunConfig.SkipAntiCheat is set.
	// Their ordinals are assigned after the highest ordinal of Stages when left at zero.
	AntiCheatStages []Stage
}

// NewDefinition builds a Definition from stages and checks it.
func NewDefinition(stages ...Stage) (*Definition, error) {
	d := &Definition{Stages: stages}
	if _, err := d.Plan(nil, false); err != nil {
		return nil, err
	}
	return d, nil
}

// Stage looks up a stage by slug.
func (d *Definition) Stage(slug string) (Stage, bool) {
	for _, s := range d.Stages {
		if s.Slug == slug {
			return s, true
		}
	}
	return Stage{}, false
}

// Plan validates the definition and returns the stages to run, in ordinal order. If
// selections is non-empty only those stages are included, with their presentation
// overridden; selecting a slug that does not exist is an error.
func (d *Definition) Plan(selections []Selection, antiCheat bool) ([]Stage, error) {
	if d == nil || len(d.Stages) == 0 {
		return nil, fmt.Errorf("%w: no stages were defined", ErrInvalidDefinition)
	}
	stages, err := numbered(d.Stages, 0)
	if err != nil {
		return nil, err
	}
	highest := stages[len(stages)-1].Ordinal

	if len(selections) > 0 {
		bySlug := make(map[string]Stage, len(stages))
		for _, s := range stages {
			bySlug[s.Slug] = s
		}
		selected := make([]Stage, 0, len(selections))
		seen := make(map[string]bool, len(selections))
		for _, sel := range selections {
			s, ok := bySlug[sel.Slug]
			if !ok {
				return nil, fmt.Errorf("%w: tester does not have a stage with slug %q", ErrInvalidDefinition, sel.Slug)
			}
			if seen[sel.Slug] {
				return nil, fmt.Errorf("%w: stage %q was selected more than once", ErrInvalidDefinition, sel.Slug)
			}
			seen[sel.Slug] = true
			if sel.Title != "" {
				s.Title = sel.Title
			}
			if sel.LogPrefix != "" {
				s.LogPrefix = sel.LogPrefix
			}
			if sel.Timeout > 0 {
				s.Timeout = sel.Timeout
			}
			selected = append(selected, s)
		}
		sort.SliceStable(selected, func(i, j int) bool { return selected[i].Ordinal < selected[j].Ordinal })
		stages = selected
	}

	if antiCheat && len(d.AntiCheatStages) > 0 {
		extra, err := numbered(d.AntiCheatStages, highest)
		if err != nil {
			return nil, err
		}
		if extra[0].Ordinal <= highest {
			return nil, fmt.Errorf("%w: anti-cheat stage %q must come after all other stages", ErrInvalidDefinition, extra[0].Slug)
		}
		for _, s := range extra {
			if _, dup := d.Stage(s.Slug); dup {
				return nil, fmt.Errorf("%w: duplicate stage slug %q", ErrInvalidDefinition, s.Slug)
			}
		}
		stages = append(stages, extra...)
	}
	return stages, nil
}

// numbered copies stages, checks them, and returns them sorted by ordinal. If every ordinal
// is zero the stages are numbered consecutively after offset.
func numbered(stages []Stage, offset int) ([]Stage, error) {
	ret := append([]Stage(nil), stages...)

	auto := true
	for _, s := range ret {
		if s.Ordinal != 0 {
			auto = false
			break
		}
	}

	slugs := make(map[string]bool, len(ret))
	ordinals := make(map[int]string, len(ret))
	for i := range ret {
		s := &ret[i]
		if auto {
			s.Ordinal = offset + i + 1
		}
		switch {
		case s.Slug == "":
			return nil, fmt.Errorf("%w: stage %d has no slug", ErrInvalidDefinition, i+1)
		case slugs[s.Slug]:
			return nil, fmt.Errorf("%w: duplicate stage slug %q", ErrInvalidDefinition, s.Slug)
		case s.Ordinal <= 0:
			return nil, fmt.Errorf("%w: stage %q has ordinal %d; ordinals must be positive", ErrInvalidDefinition, s.Slug, s.Ordinal)
		case ordinals[s.Ordinal] != "":
			return nil, fmt.Errorf("%w: stages %q and %q have the same ordinal %d",
				ErrInvalidDefinition, ordinals[s.Ordinal], s.Slug, s.Ordinal)
		case s.Validator == nil:
			return nil, fmt.Errorf("%w: stage %q has no validator", ErrInvalidDefinition, s.Slug)
		case s.Timeout < 0:
			return nil, fmt.Errorf("%w: stage %q has a negative timeout", ErrInvalidDefinition, s.Slug)
		}
		slugs[s.Slug] = true
		ordinals[s.Ordinal] = s.Slug
	}

	sort.SliceStable(ret, func(i, j int) bool { return ret[i].Ordinal < ret[j].Ordinal })
	return ret, nil
}

package process

import (
	"bytes"
)

// Predicate decides whether an interaction is complete, given everything the process has
// written since the interaction began.
type Predicate func(Output) bool

// UntilStdoutContains completes once stdout contains s.
func UntilStdoutContains(s string) Predicate {
	return func(o Output) bool {
		return bytes.Contains(o.Stdout, []byte(s))
	}
}

// UntilStderrContains completes once stderr contains s.
func UntilStderrContains(s string) Predicate {
	return func(o Output) bool {
		return bytes.Contains(o.Stderr, []byte(s))
	}
}

// UntilStdoutLines completes once stdout has at least n complete lines.
func UntilStdoutLines(n int) Predicate {
	return func(o Output) bool {
		return bytes.Count(o.Stdout, []byte{'\n'}) >= n
	}
}

// UntilAny completes as soon as one of the predicates does.
func UntilAny(predicates ...Predicate) Predicate {
	return func(o Output) bool {
		for _, p := range predicates {
			if p(o) {
				return true
			}
		}
		return false
	}
}

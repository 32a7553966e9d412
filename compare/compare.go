// Package compare checks a candidate's output against expected output and explains the
// first difference it finds.
package compare

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Rules controls how output is normalized before comparison. The zero value compares
// lines exactly and in order.
type Rules struct {
	// IgnoreTrailingWhitespace trims spaces, tabs and carriage returns at the end of each
	// line, and ignores blank lines at the end of the output.
	IgnoreTrailingWhitespace bool `json:"ignore_trailing_whitespace" yaml:"ignore_trailing_whitespace"`

	// IgnoreCase compares lines after Unicode case folding.
	IgnoreCase bool `json:"ignore_case" yaml:"ignore_case"`

	// UnorderedLines treats both outputs as multisets of lines.
	UnorderedLines bool `json:"unordered_lines" yaml:"unordered_lines"`

	// NormalizeUnicode converts both outputs to NFC before comparing.
	NormalizeUnicode bool `json:"normalize_unicode" yaml:"normalize_unicode"`
}

// DiffKind says how two outputs diverged.
type DiffKind int

const (
	// LineDiffers means both outputs have the line but the contents differ.
	LineDiffers DiffKind = iota
	// MissingLine means the actual output lacks a line that was expected.
	MissingLine
	// ExtraLine means the actual output has a line that was not expected.
	ExtraLine
)

// Diff identifies the first point of divergence. Line and Column are 1-based. Column counts
// runes of the normalized line and is zero unless Kind is LineDiffers. For unordered
// comparisons Line refers to the expected output for MissingLine and to the actual output
// for ExtraLine.
type Diff struct {
	Kind     DiffKind
	Line     int
	Column   int
	Expected string
	Actual   string

	// Unordered is set when the comparison ignored line order.
	Unordered bool
}

func (d Diff) String() string {
	switch {
	case d.Unordered && d.Kind == MissingLine:
		return fmt.Sprintf("expected line %d (%q) was not found in the output", d.Line, d.Expected)
	case d.Unordered && d.Kind == ExtraLine:
		return fmt.Sprintf("line %d: unexpected line %q", d.Line, d.Actual)
	}
	switch d.Kind {
	case MissingLine:
		return fmt.Sprintf("line %d: expected %q, but output ended", d.Line, d.Expected)
	case ExtraLine:
		return fmt.Sprintf("line %d: unexpected extra line %q", d.Line, d.Actual)
	default:
		return fmt.Sprintf("line %d, column %d: expected %q, got %q", d.Line, d.Column, d.Expected, d.Actual)
	}
}

// Outcome is the result of Compare: either a match, or a mismatch with a Diff.
type Outcome struct {
	diff *Diff
}

func (o Outcome) Match() bool {
	return o.diff == nil
}

// Diff returns the first difference, or nil on a match.
func (o Outcome) Diff() *Diff {
	return o.diff
}

// Err returns a *MismatchError describing the difference, or nil on a match.
func (o Outcome) Err() error {
	if o.diff == nil {
		return nil
	}
	return &MismatchError{Diff: *o.diff}
}

// MismatchError reports that a candidate's output did not match expectations.
type MismatchError struct {
	Diff Diff
}

func (e *MismatchError) Error() string {
	return "output mismatch: " + e.Diff.String()
}

// Compare checks actual against expected under the given rules. It has no side effects.
func Compare(expected, actual string, rules Rules) Outcome {
	n := newNormalizer(rules)
	expectedLines := n.lines(expected)
	actualLines := n.lines(actual)
	if rules.UnorderedLines {
		return compareUnordered(expectedLines, actualLines, n)
	}
	return compareOrdered(expectedLines, actualLines, n)
}

// Equal is shorthand for Compare(...).Match().
func Equal(expected, actual string, rules Rules) bool {
	return Compare(expected, actual, rules).Match()
}

type normalizer struct {
	rules  Rules
	folder cases.Caser
}

func newNormalizer(rules Rules) *normalizer {
	n := &normalizer{rules: rules}
	if rules.IgnoreCase {
		n.folder = cases.Fold()
	}
	return n
}

func (n *normalizer) lines(s string) []string {
	if n.rules.NormalizeUnicode {
		s = norm.NFC.String(s)
	}
	lines := strings.Split(s, "\n")
	if n.rules.IgnoreTrailingWhitespace {
		for len(lines) > 0 && strings.TrimRight(lines[len(lines)-1], " \t\r") == "" {
			lines = lines[:len(lines)-1]
		}
	}
	return lines
}

func (n *normalizer) key(line string) string {
	if n.rules.IgnoreTrailingWhitespace {
		line = strings.TrimRight(line, " \t\r")
	}
	if n.rules.IgnoreCase {
		line = n.folder.String(line)
	}
	return line
}

func compareOrdered(expected, actual []string, n *normalizer) Outcome {
	for i := 0; i < len(expected) || i < len(actual); i++ {
		switch {
		case i >= len(actual):
			return Outcome{diff: &Diff{Kind: MissingLine, Line: i + 1, Expected: expected[i]}}
		case i >= len(expected):
			return Outcome{diff: &Diff{Kind: ExtraLine, Line: i + 1, Actual: actual[i]}}
		}
		e, a := n.key(expected[i]), n.key(actual[i])
		if e != a {
			return Outcome{diff: &Diff{
				Kind:     LineDiffers,
				Line:     i + 1,
				Column:   firstDifference(e, a),
				Expected: expected[i],
				Actual:   actual[i],
			}}
		}
	}
	return Outcome{}
}

func compareUnordered(expected, actual []string, n *normalizer) Outcome {
	remaining := make(map[string]int, len(actual))
	for _, line := range actual {
		remaining[n.key(line)]++
	}
	for i, line := range expected {
		k := n.key(line)
		if remaining[k] == 0 {
			return Outcome{diff: &Diff{Kind: MissingLine, Line: i + 1, Expected: line, Unordered: true}}
		}
		remaining[k]--
	}
	for i, line := range actual {
		if remaining[n.key(line)] > 0 {
			return Outcome{diff: &Diff{Kind: ExtraLine, Line: i + 1, Actual: line, Unordered: true}}
		}
	}
	return Outcome{}
}

func firstDifference(a, b string) int {
	col := 1
	for len(a) > 0 && len(b) > 0 {
		_, sa := utf8.DecodeRuneInString(a)
		_, sb := utf8.DecodeRuneInString(b)
		if a[:sa] != b[:sb] {
			return col
		}
		a, b = a[sa:], b[sb:]
		col++
	}
	return col
}

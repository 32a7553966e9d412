package framework

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// PrintReport writes a table of stage results followed by a one-line summary.
func PrintReport(w io.Writer, report Report) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Test Results (%s, seed %d)", formatDuration(report.Duration), report.Seed))

	t.AppendHeader(table.Row{"#", "Stage", "Duration", "Status", "Reason"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "#", Align: text.AlignRight},
		{Name: "Stage", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Reason", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, r := range report.Stages {
		name := r.Slug
		if r.Title != "" {
			name = fmt.Sprintf("%s (%s)", r.Title, r.Slug)
		}
		duration := "-"
		if r.Status != StatusSkipped {
			duration = formatDuration(r.Duration)
		}
		t.AppendRow(table.Row{
			r.Ordinal,
			name,
			duration,
			statusString(r.Status),
			firstLine(r.Reason),
		})
	}

	switch {
	case report.Count(StatusErrored) > 0:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	case !report.OK():
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}

	t.AppendFooter(table.Row{
		"",
		fmt.Sprintf("%d passed, %d failed, %d skipped",
			report.Count(StatusPassed),
			len(report.Failures()),
			report.Count(StatusSkipped)),
		formatDuration(report.Duration),
		statusString(report.Status),
		"",
	})
	t.Render()
}

func statusString(s Status) string {
	switch s {
	case StatusPassed:
		return "✓ pass"
	case StatusFailed:
		return "✗ fail"
	case StatusTimedOut:
		return "⏱ timeout"
	case StatusErrored:
		return "! error"
	case StatusSkipped:
		return "- skip"
	default:
		return string(s)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

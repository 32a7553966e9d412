package framework

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the outcome of one stage.
type Status string

const (
	StatusPassed   Status = "passed"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timed_out"
	StatusErrored  Status = "errored"
	StatusSkipped  Status = "skipped"
)

// Failure reports whether the status counts against the run.
func (s Status) Failure() bool {
	return s == StatusFailed || s == StatusTimedOut || s == StatusErrored
}

// StageResult is the record of one planned stage. Every planned stage gets exactly one,
// including stages that were skipped.
type StageResult struct {
	Slug       string
	Title      string
	Ordinal    int
	Status     Status
	Reason     string
	Duration   time.Duration
	LogExcerpt string
}

func (r StageResult) String() string {
	if r.Reason == "" {
		return fmt.Sprintf("%s: %s", r.Slug, r.Status)
	}
	return fmt.Sprintf("%s: %s (%s)", r.Slug, r.Status, r.Reason)
}

type stageResultJSON struct {
	Slug       string `json:"slug"`
	Title      string `json:"title,omitempty"`
	Ordinal    int    `json:"ordinal"`
	Status     Status `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	LogExcerpt string `json:"log_excerpt"`
	Reason     string `json:"reason,omitempty"`
}

func (r StageResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(stageResultJSON{
		Slug:       r.Slug,
		Title:      r.Title,
		Ordinal:    r.Ordinal,
		Status:     r.Status,
		DurationMS: r.Duration.Milliseconds(),
		LogExcerpt: r.LogExcerpt,
		Reason:     r.Reason,
	})
}

func (r *StageResult) UnmarshalJSON(data []byte) error {
	var j stageResultJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*r = StageResult{
		Slug:       j.Slug,
		Title:      j.Title,
		Ordinal:    j.Ordinal,
		Status:     j.Status,
		Reason:     j.Reason,
		Duration:   time.Duration(j.DurationMS) * time.Millisecond,
		LogExcerpt: j.LogExcerpt,
	}
	return nil
}

// Report is the outcome of a whole run.
type Report struct {
	Stages   []StageResult
	Status   Status
	Duration time.Duration
	Seed     int64
}

// OK is true if no stage failed.
func (r Report) OK() bool {
	return r.Status == StatusPassed
}

// Count returns how many stages ended with the given status.
func (r Report) Count(status Status) int {
	n := 0
	for _, s := range r.Stages {
		if s.Status == status {
			n++
		}
	}
	return n
}

// Failures returns the results of stages that failed, timed out, or errored.
func (r Report) Failures() []StageResult {
	var ret []StageResult
	for _, s := range r.Stages {
		if s.Status.Failure() {
			ret = append(ret, s)
		}
	}
	return ret
}

type reportJSON struct {
	Stages          []StageResult `json:"stage_results"`
	Status          Status        `json:"overall_status"`
	TotalDurationMS int64         `json:"total_duration_ms"`
	Seed            int64         `json:"seed"`
}

func (r Report) MarshalJSON() ([]byte, error) {
	stages := r.Stages
	if stages == nil {
		stages = []StageResult{}
	}
	return json.Marshal(reportJSON{
		Stages:          stages,
		Status:          r.Status,
		TotalDurationMS: r.Duration.Milliseconds(),
		Seed:            r.Seed,
	})
}

func (r *Report) UnmarshalJSON(data []byte) error {
	var j reportJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*r = Report{
		Stages:   j.Stages,
		Status:   j.Status,
		Duration: time.Duration(j.TotalDurationMS) * time.Millisecond,
		Seed:     j.Seed,
	}
	return nil
}

// Finalize aggregates stage results into a Report. The run passes if no stage failed, timed
// out, or errored; skipped stages do not count against it.
func Finalize(results []StageResult, start, end time.Time) Report {
	report := Report{
		Stages:   append([]StageResult(nil), results...),
		Status:   StatusPassed,
		Duration: end.Sub(start),
	}
	if report.Duration < 0 {
		report.Duration = 0
	}
	for _, r := range results {
		if r.Status.Failure() {
			report.Status = StatusFailed
			break
		}
	}
	return report
}

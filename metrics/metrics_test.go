package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchdarkly/stage-tester/framework"
)

func TestRecordReport(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	start := time.Now()
	report := framework.Finalize([]framework.StageResult{
		{Slug: "bind", Status: framework.StatusPassed, Duration: 20 * time.Millisecond},
		{Slug: "ping", Status: framework.StatusTimedOut, Duration: 2 * time.Second},
		{Slug: "echo", Status: framework.StatusSkipped},
	}, start, start.Add(3*time.Second))
	r.RecordReport("echo-tester", "run-1", report)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.stagesTotal.WithLabelValues("echo-tester", "run-1", "ping", "timed_out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runResult.WithLabelValues("echo-tester", "run-1", "skipped")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.runResult.WithLabelValues("echo-tester", "run-1", "errored")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.runDuration.WithLabelValues("echo-tester", "run-1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.runPassed.WithLabelValues("echo-tester", "run-1")))

	count, err := testutil.GatherAndCount(reg, "stage_tester_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "skipped stages have no duration")
}

func TestRecordersAreIndependent(t *testing.T) {
	a := NewRecorder(prometheus.NewRegistry())
	b := NewRecorder(prometheus.NewRegistry())

	report := framework.Finalize([]framework.StageResult{{Slug: "bind", Status: framework.StatusPassed}}, time.Now(), time.Now())
	a.RecordReport("t", "1", report)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.runPassed.WithLabelValues("t", "1")))
	assert.Equal(t, 0, testutil.CollectAndCount(b.stagesTotal))
}

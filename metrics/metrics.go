// Package metrics exports the outcome of a tester run as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/launchdarkly/stage-tester/framework"
)

const (
	MetricsNamespace = "stage_tester"
)

var allStatuses = []framework.Status{
	framework.StatusPassed,
	framework.StatusFailed,
	framework.StatusTimedOut,
	framework.StatusErrored,
	framework.StatusSkipped,
}

// Recorder holds the metrics for tester runs. Create one per registry.
type Recorder struct {
	stagesTotal   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	runResult     *prometheus.GaugeVec
	runDuration   *prometheus.GaugeVec
	runPassed     *prometheus.GaugeVec
}

// NewRecorder registers the metrics with reg. Pass prometheus.DefaultRegisterer to expose them
// globally, or a fresh prometheus.NewRegistry() to keep them local.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		stagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "stages_total",
			Help:      "Count of stage results by status",
		}, []string{
			"tester",
			"run_id",
			"stage",
			"status",
		}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of executed stages",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{
			"tester",
			"status",
		}),
		runResult: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "run_result",
			Help:      "Number of stages of the run with each status",
		}, []string{
			"tester",
			"run_id",
			"status",
		}),
		runDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of the whole run",
		}, []string{
			"tester",
			"run_id",
		}),
		runPassed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "run_passed",
			Help:      "1 if the run passed, 0 otherwise",
		}, []string{
			"tester",
			"run_id",
		}),
	}
}

// RecordReport records every stage of a finished run.
func (r *Recorder) RecordReport(tester, runID string, report framework.Report) {
	for _, s := range report.Stages {
		r.stagesTotal.WithLabelValues(tester, runID, s.Slug, string(s.Status)).Inc()
		if s.Status != framework.StatusSkipped {
			r.stageDuration.WithLabelValues(tester, string(s.Status)).Observe(s.Duration.Seconds())
		}
	}
	for _, status := range allStatuses {
		r.runResult.WithLabelValues(tester, runID, string(status)).Set(float64(report.Count(status)))
	}
	r.runDuration.WithLabelValues(tester, runID).Set(report.Duration.Seconds())
	passed := 0.0
	if report.OK() {
		passed = 1
	}
	r.runPassed.WithLabelValues(tester, runID).Set(passed)
}

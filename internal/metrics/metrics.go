// Package metrics provides Prometheus collectors for board scans.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/thyrook/fenscan/internal/assembler"
	"github.com/thyrook/fenscan/internal/vision"
)

// ScanMetrics collects run and per-cell classification metrics. It
// implements pipeline.Recorder and classify.Recorder.
type ScanMetrics struct {
	runsTotal    *prometheus.CounterVec
	runFailures  *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	cellsTotal   *prometheus.CounterVec
	cellFailures prometheus.Counter
	cellDuration prometheus.Histogram
	cellScore    prometheus.Histogram
	activeJobs   prometheus.Gauge
}

// NewScanMetrics creates the collectors and registers them on registerer
func NewScanMetrics(registerer prometheus.Registerer) (*ScanMetrics, error) {
	m := &ScanMetrics{}
	m.initMetrics()
	if err := registerer.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register scan metrics: %w", err)
	}
	return m, nil
}

func (m *ScanMetrics) initMetrics() {
	m.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fenscan_runs_total",
			Help: "Total number of scan runs partitioned by detection method and status.",
		},
		[]string{"method", "status"},
	)
	m.runFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fenscan_run_failures_total",
			Help: "Total number of failed scan runs partitioned by reason.",
		},
		[]string{"reason"},
	)
	m.runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fenscan_run_duration_seconds",
			Help:    "Time taken by a complete scan run.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"status"},
	)
	m.cellsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fenscan_cells_classified_total",
			Help: "Total number of classified cells partitioned by normalized label.",
		},
		[]string{"label"},
	)
	m.cellFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fenscan_cell_failures_total",
			Help: "Total number of classifier calls that failed and were recorded as unknown.",
		},
	)
	m.cellDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fenscan_cell_duration_seconds",
			Help:    "Time taken to classify one cell.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~200ms
		},
	)
	m.cellScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fenscan_cell_score",
			Help:    "Distribution of normalized classification scores.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)
	m.activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fenscan_active_jobs",
			Help: "Number of scan jobs currently running in the background.",
		},
	)
}

// ObserveRun records a finished run
func (m *ScanMetrics) ObserveRun(method string, elapsed time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		if errors.Is(err, context.Canceled) {
			status = "cancelled"
		}
		m.runFailures.WithLabelValues(FailureReason(err)).Inc()
	}
	if method == "" {
		method = "none"
	}
	m.runsTotal.WithLabelValues(method, status).Inc()
	m.runDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// ObserveCell records one classifier call
func (m *ScanMetrics) ObserveCell(label string, score float64, failed bool, elapsed time.Duration) {
	m.cellsTotal.WithLabelValues(label).Inc()
	if failed {
		m.cellFailures.Inc()
	} else {
		m.cellScore.Observe(score)
	}
	m.cellDuration.Observe(elapsed.Seconds())
}

// SetActiveJobs sets the number of running background jobs
func (m *ScanMetrics) SetActiveJobs(n int) {
	m.activeJobs.Set(float64(n))
}

// FailureReason maps a run error to a metric label
func FailureReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, vision.ErrNoBoardFound):
		return "no_board_found"
	case errors.Is(err, vision.ErrBoardTooSmall):
		return "board_too_small"
	case errors.Is(err, assembler.ErrIncompleteGrid):
		return "incomplete_grid"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unknown"
	}
}

// Describe implements the prometheus.Collector interface.
func (m *ScanMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.runsTotal.Describe(ch)
	m.runFailures.Describe(ch)
	m.runDuration.Describe(ch)
	m.cellsTotal.Describe(ch)
	ch <- m.cellFailures.Desc()
	ch <- m.cellDuration.Desc()
	ch <- m.cellScore.Desc()
	ch <- m.activeJobs.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *ScanMetrics) Collect(ch chan<- prometheus.Metric) {
	m.runsTotal.Collect(ch)
	m.runFailures.Collect(ch)
	m.runDuration.Collect(ch)
	m.cellsTotal.Collect(ch)
	ch <- m.cellFailures
	ch <- m.cellDuration
	ch <- m.cellScore
	ch <- m.activeJobs
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics records load pipeline activity. A nil receiver is valid
// and records nothing, so callers never branch on whether metrics are on.
type PipelineMetrics struct {
	filesTotal    *prometheus.CounterVec
	rowsLoaded    prometheus.Counter
	bytesStaged   prometheus.Counter
	phaseDuration *prometheus.HistogramVec
	copyAttempts  prometheus.Histogram
	poolWaiting   prometheus.Gauge
}

// NewPipelineMetrics builds the pipeline metric set on the process
// registry. Returns nil when metrics are disabled.
func NewPipelineMetrics() *PipelineMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &PipelineMetrics{
		filesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagehand_files_total",
				Help: "Files processed by terminal outcome",
			},
			[]string{"outcome"}, // "succeeded", "failed", "skipped"
		),
		rowsLoaded: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "stagehand_rows_loaded_total",
				Help: "Rows reported loaded by COPY",
			},
		),
		bytesStaged: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "stagehand_bytes_staged_total",
				Help: "Compressed bytes uploaded to ephemeral stages",
			},
		),
		phaseDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stagehand_phase_duration_seconds",
				Help:    "Wall time per pipeline phase",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"phase"},
		),
		copyAttempts: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stagehand_copy_attempts",
				Help:    "COPY attempts needed per file",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
		),
		poolWaiting: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "stagehand_pool_waiting",
				Help: "Workers waiting for a warehouse session",
			},
		),
	}
}

// RecordFile counts one terminal file outcome.
func (m *PipelineMetrics) RecordFile(outcome string) {
	if m == nil {
		return
	}
	m.filesTotal.WithLabelValues(outcome).Inc()
}

// RecordLoad counts rows and staged bytes from a successful COPY.
func (m *PipelineMetrics) RecordLoad(rows, bytes int64, attempts int) {
	if m == nil {
		return
	}
	m.rowsLoaded.Add(float64(rows))
	m.bytesStaged.Add(float64(bytes))
	m.copyAttempts.Observe(float64(attempts))
}

// ObservePhase records wall time of one pipeline phase.
func (m *PipelineMetrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// SetPoolWaiting tracks how many workers are queued on the session pool.
func (m *PipelineMetrics) SetPoolWaiting(n int) {
	if m == nil {
		return
	}
	m.poolWaiting.Set(float64(n))
}

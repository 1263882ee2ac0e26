package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters for one process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	backfillDays  *prometheus.CounterVec
	rowsWritten   *prometheus.CounterVec
	pipelineRuns  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

// New registers the ridecast collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		backfillDays: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ridecast_backfill_days_total",
			Help: "Backfill dates processed, by source and outcome.",
		}, []string{"source", "outcome"}),
		rowsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ridecast_rows_written_total",
			Help: "Rows upserted, by table.",
		}, []string{"table"}),
		pipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ridecast_pipeline_stage_runs_total",
			Help: "Feature pipeline stage runs, by stage and status.",
		}, []string{"stage", "status"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ridecast_pipeline_stage_duration_seconds",
			Help:    "Duration of a feature pipeline stage.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		}, []string{"stage"}),
	}
}

func (m *Metrics) BackfillDay(source, outcome string) {
	if m == nil {
		return
	}
	m.backfillDays.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) RowsWritten(table string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsWritten.WithLabelValues(table).Add(float64(n))
}

// Stage records one pipeline stage outcome and its duration since start.
func (m *Metrics) Stage(stage string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.pipelineRuns.WithLabelValues(stage, status).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the current values in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

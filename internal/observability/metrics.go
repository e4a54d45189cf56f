// Package observability holds the Prometheus metrics a reconciliation run records.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"

	"github.com/sells-group/property-reconciler/internal/model"
)

const namespace = "property_reconcile"

// Metrics holds the counters, histograms, and gauges for a run. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RecordsExtracted *prometheus.CounterVec // labels: source
	RecordsValidated *prometheus.CounterVec // labels: source
	RecordsRejected  *prometheus.CounterVec // labels: source
	RowErrors        *prometheus.CounterVec // labels: source
	SourceFailures   *prometheus.CounterVec // labels: source
	DuplicateGroups  *prometheus.CounterVec // labels: reason
	RecordsWritten   prometheus.Counter
	BatchFailures    prometheus.Counter
	BatchDuration    prometheus.Histogram
	RunDuration      prometheus.Gauge
	RunStatus        *prometheus.GaugeVec // labels: status
}

// NewMetrics creates the run metrics on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RecordsExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_extracted_total",
			Help:      "Records extracted per source.",
		}, []string{"source"}),
		RecordsValidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_validated_total",
			Help:      "Records passing validation per source.",
		}, []string{"source"}),
		RecordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rejected_total",
			Help:      "Records rejected by error-severity rules per source.",
		}, []string{"source"}),
		RowErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "row_errors_total",
			Help:      "Malformed rows skipped per source.",
		}, []string{"source"}),
		SourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_failures_total",
			Help:      "Sources excluded from a run after a whole-source failure.",
		}, []string{"source"}),
		DuplicateGroups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_groups_total",
			Help:      "Groups produced by identity resolution by reason.",
		}, []string{"reason"}),
		RecordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Rows written to the target store.",
		}),
		BatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_failures_total",
			Help:      "Load batches skipped after their retry failed.",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Duration of one load batch transaction.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		RunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of the last run.",
		}),
		RunStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_status",
			Help:      "1 for the terminal status of the last run, 0 otherwise.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.RecordsExtracted,
		m.RecordsValidated,
		m.RecordsRejected,
		m.RowErrors,
		m.SourceFailures,
		m.DuplicateGroups,
		m.RecordsWritten,
		m.BatchFailures,
		m.BatchDuration,
		m.RunDuration,
		m.RunStatus,
	)
	return m
}

// Registry exposes the gatherer for tests and exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveBatch records one batch attempt outcome.
func (m *Metrics) ObserveBatch(elapsed time.Duration, written int64, failed bool) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(elapsed.Seconds())
	if failed {
		m.BatchFailures.Inc()
		return
	}
	m.RecordsWritten.Add(float64(written))
}

// ObserveSummary records the per-source, resolution, and run-level results of a summary.
func (m *Metrics) ObserveSummary(s *model.RunSummary) {
	if m == nil || s == nil {
		return
	}
	for _, src := range s.Sources {
		m.RecordsExtracted.WithLabelValues(src.Name).Add(float64(src.RecordsExtracted))
		m.RecordsValidated.WithLabelValues(src.Name).Add(float64(src.RecordsValidated))
		m.RecordsRejected.WithLabelValues(src.Name).Add(float64(src.RecordsRejected))
		m.RowErrors.WithLabelValues(src.Name).Add(float64(src.RowErrors))
		if src.Failed {
			m.SourceFailures.WithLabelValues(src.Name).Inc()
		}
	}
	for reason, n := range s.GroupsByReason {
		m.DuplicateGroups.WithLabelValues(reason).Add(float64(n))
	}
	m.RunDuration.Set(s.Duration.Seconds())
	for _, st := range []model.RunStatus{model.RunCompleted, model.RunCompletedWithErrors, model.RunFailed} {
		v := 0.0
		if s.Status == st {
			v = 1
		}
		m.RunStatus.WithLabelValues(string(st)).Set(v)
	}
}

// WriteTextfile writes the metrics in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return eris.Wrapf(prometheus.WriteToTextfile(path, m.registry), "observability: write %s", path)
}

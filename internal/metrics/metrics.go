// Package metrics owns the Prometheus collectors exported on /metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mohammad-safakhou/pdfbot/session"
)

const namespace = "pdfbot"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	RateLimitRejections *prometheus.CounterVec
	TaskOutcomes        *prometheus.CounterVec
	TaskDuration        *prometheus.HistogramVec
	SessionOps          *prometheus.CounterVec
	GCDeleted           *prometheus.CounterVec
	GCErrors            prometheus.Counter
	GCDuration          prometheus.Histogram
	BytesSaved          prometheus.Counter
}

// New registers the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejections_total",
			Help:      "Requests rejected by the sliding-window limiter.",
		}, []string{"class"}),
		TaskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Terminal outcomes of pipeline operations.",
		}, []string{"operation", "outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of pipeline operations.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"operation"}),
		SessionOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_operations_total",
			Help:      "Session store calls by backend and result.",
		}, []string{"operation", "backend", "result"}),
		GCDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_deleted_total",
			Help:      "Objects reclaimed by the garbage collector.",
		}, []string{"kind"}),
		GCErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_errors_total",
			Help:      "Per-item failures during garbage collection.",
		}),
		GCDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gc_cycle_duration_seconds",
			Help:      "Duration of garbage collection cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		BytesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compression_bytes_saved_total",
			Help:      "Bytes removed by successful compressions.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RateLimitRejections,
		m.TaskOutcomes,
		m.TaskDuration,
		m.SessionOps,
		m.GCDeleted,
		m.GCErrors,
		m.GCDuration,
		m.BytesSaved,
	)
	return m
}

// RegisterGauge exposes a value computed at scrape time, such as the number of running tasks.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) RateLimited(class string) {
	if m == nil {
		return
	}
	m.RateLimitRejections.WithLabelValues(class).Inc()
}

func (m *Metrics) TaskFinished(operation, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.TaskOutcomes.WithLabelValues(operation, outcome).Inc()
	m.TaskDuration.WithLabelValues(operation).Observe(took.Seconds())
}

// SessionOp records a session store call. Contract rejections count as "rejected",
// unreachable backends as "unavailable".
func (m *Metrics) SessionOp(operation, backend string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, session.ErrUnavailable):
		result = "unavailable"
	case session.IsRejection(err):
		result = "rejected"
	default:
		result = "error"
	}
	m.SessionOps.WithLabelValues(operation, backend, result).Inc()
}

func (m *Metrics) GCCycle(deleted map[string]int, errs int, took time.Duration) {
	if m == nil {
		return
	}
	for kind, n := range deleted {
		m.GCDeleted.WithLabelValues(kind).Add(float64(n))
	}
	m.GCErrors.Add(float64(errs))
	m.GCDuration.Observe(took.Seconds())
}

func (m *Metrics) Saved(bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.BytesSaved.Add(float64(bytes))
}

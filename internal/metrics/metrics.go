// Package metrics exposes Prometheus collectors for the integrity monitor.
// A nil *Metrics is valid and records nothing, so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fimd"

// Metrics owns a private registry and the monitor's collectors.
type Metrics struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	dropped       prometheus.Counter
	persistErrors prometheus.Counter
	sessions      prometheus.Counter
	drift         prometheus.Counter
	watches       prometheus.Gauge
	active        prometheus.Gauge
}

// New registers all collectors, plus the Go runtime and process collectors,
// on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "File events committed to the audit trail, by kind.",
		}, []string{"kind"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Raw notifications dropped because their path could not be resolved.",
		}),
		persistErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "File events that could not be written to the store.",
		}),
		sessions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Monitoring sessions started.",
		}),
		drift: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_drift_total",
			Help:      "Files found changed by a reconciliation pass.",
		}),
		watches: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watches",
			Help:      "Directories currently subscribed.",
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "1 while a monitoring session is running.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) EventCommitted(kind string) {
	if m != nil {
		m.events.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) EventDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) PersistFailed() {
	if m != nil {
		m.persistErrors.Inc()
	}
}

func (m *Metrics) Drift() {
	if m != nil {
		m.drift.Inc()
	}
}

func (m *Metrics) SetWatches(n int) {
	if m != nil {
		m.watches.Set(float64(n))
	}
}

// SessionStarted counts a new session and marks it active.
func (m *Metrics) SessionStarted() {
	if m != nil {
		m.sessions.Inc()
		m.active.Set(1)
	}
}

// SessionEnded marks the session inactive and clears the watch gauge.
func (m *Metrics) SessionEnded() {
	if m != nil {
		m.active.Set(0)
		m.watches.Set(0)
	}
}

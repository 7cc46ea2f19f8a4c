// Package metrics owns the service's prometheus registry. Every recording
// method is safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "careplan"

type Metrics struct {
	registry *prometheus.Registry

	intakes              *prometheus.CounterVec
	cacheLookups         *prometheus.CounterVec
	invalidationAttempts prometheus.Histogram
	eventsPublished      *prometheus.CounterVec
	eventsDropped        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		intakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intakes_total",
			Help:      "Intake requests by planner path and outcome.",
		}, []string{"path", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Roster cache lookups by result (hit, miss, bypass).",
		}, []string{"result"}),
		invalidationAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_invalidation_attempts",
			Help:      "Attempts needed per cache invalidation.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Domain events delivered per sink.",
		}, []string{"sink"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Domain events abandoned by reason.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.intakes,
		m.cacheLookups,
		m.invalidationAttempts,
		m.eventsPublished,
		m.eventsDropped,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IntakeFinished(path, outcome string) {
	if m == nil {
		return
	}
	m.intakes.WithLabelValues(path, outcome).Inc()
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) InvalidationAttempts(n int) {
	if m == nil {
		return
	}
	m.invalidationAttempts.Observe(float64(n))
}

func (m *Metrics) EventPublished(sink string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(sink).Inc()
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

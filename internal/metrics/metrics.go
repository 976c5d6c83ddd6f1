// Package metrics exposes Prometheus collectors for authentication outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "session"

// Metrics groups the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	logins          *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	reuseDetections prometheus.Counter
	validations     *prometheus.CounterVec
	rateLimits      *prometheus.CounterVec
	evictions       prometheus.Counter
	cleanupDeleted  prometheus.Counter
}

// New registers collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		logins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Refresh token rotations by outcome.",
		}, []string{"outcome"}),
		reuseDetections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_reuse_detected_total",
			Help:      "Replays of an already rotated refresh token.",
		}),
		validations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_validations_total",
			Help:      "Access token validations by outcome.",
		}, []string{"outcome"}),
		rateLimits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limiter decisions by scope and result.",
		}, []string{"scope", "result"}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_evictions_total",
			Help:      "Sessions revoked to stay under the concurrent session cap.",
		}),
		cleanupDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_cleanup_deleted_total",
			Help:      "Refresh token rows removed by the retention sweep.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Login(outcome string) {
	if m != nil {
		m.logins.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Refresh(outcome string) {
	if m != nil {
		m.refreshes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ReuseDetected() {
	if m != nil {
		m.reuseDetections.Inc()
	}
}

func (m *Metrics) Validation(outcome string) {
	if m != nil {
		m.validations.WithLabelValues(outcome).Inc()
	}
}

// RateLimit records one limiter decision; result is allowed, limited or error.
func (m *Metrics) RateLimit(scope, result string) {
	if m != nil {
		m.rateLimits.WithLabelValues(scope, result).Inc()
	}
}

func (m *Metrics) SessionEvicted() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *Metrics) CleanupDeleted(n int64) {
	if m != nil && n > 0 {
		m.cleanupDeleted.Add(float64(n))
	}
}

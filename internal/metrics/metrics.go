// Package metrics owns the Prometheus instruments for the feed pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the pipeline updates. One instance is
// created at startup and shared by reference; no package-level state.
type Metrics struct {
	registry *prometheus.Registry

	ObservationsAdmitted *prometheus.CounterVec // venue
	ObservationsRejected *prometheus.CounterVec // venue, reason
	ObservationLatency   *prometheus.HistogramVec

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	WSReconnects       *prometheus.CounterVec // venue
	BreakerTransitions *prometheus.CounterVec // venue, state

	ConnectedSources prometheus.Gauge
	HealthScore      prometheus.Gauge

	AggregationsEmitted *prometheus.CounterVec // symbol
	RequestDuration     *prometheus.HistogramVec
}

// New creates a metrics bundle backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ObservationsAdmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpulse_observations_admitted_total",
			Help: "Observations that passed the freshness and confidence gate",
		}, []string{"venue"}),
		ObservationsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpulse_observations_rejected_total",
			Help: "Observations dropped before aggregation",
		}, []string{"venue", "reason"}),
		ObservationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedpulse_observation_latency_seconds",
			Help:    "Delay between venue timestamp and local receipt",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"venue"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "feedpulse_cache_hits_total",
			Help: "Aggregated price cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "feedpulse_cache_misses_total",
			Help: "Aggregated price cache misses",
		}),
		WSReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpulse_ws_reconnects_total",
			Help: "Streaming transport reconnect attempts",
		}, []string{"venue"}),
		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpulse_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		}, []string{"venue", "state"}),
		ConnectedSources: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feedpulse_connected_sources",
			Help: "Number of adapters with a live streaming transport",
		}),
		HealthScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feedpulse_health_score",
			Help: "Percentage of healthy sources",
		}),
		AggregationsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpulse_aggregations_emitted_total",
			Help: "Consensus prices published per symbol",
		}, []string{"symbol"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedpulse_http_request_duration_seconds",
			Help:    "HTTP request handling time",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "status"}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test assertions.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Package metrics exposes gateway counters to Prometheus and a cached
// host-health snapshot for the health endpoints.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	PointsIngested  *prometheus.CounterVec
	PointsRejected  *prometheus.CounterVec
	Classifications *prometheus.CounterVec
	DedupHits       prometheus.Counter
	DedupPassthru   prometheus.Counter
	DLQDepth        prometheus.Gauge
	DLQDropped      prometheus.Counter
	BusPublished    prometheus.Counter
	BusThrottled    prometheus.Counter
	BreakerState    *prometheus.GaugeVec
	IngestLatency   *prometheus.HistogramVec
}

// New builds the collector set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PointsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_points_total",
			Help: "Data points accepted by the router, by transport and domain.",
		}, []string{"transport", "domain"}),
		PointsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_points_rejected_total",
			Help: "Data points rejected before classification, by reason.",
		}, []string{"reason"}),
		Classifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_classifications_total",
			Help: "Classification results, by class and reason.",
		}, []string{"class", "reason"}),
		DedupHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_dedup_hits_total",
			Help: "Messages dropped as duplicates.",
		}),
		DedupPassthru: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_dedup_passthrough_total",
			Help: "Dedup checks answered in passthrough mode.",
		}),
		DLQDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_dlq_depth",
			Help: "Current dead-letter queue depth.",
		}),
		DLQDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_dlq_dropped_total",
			Help: "DLQ entries dropped because the ring was full.",
		}),
		BusPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_bus_published_total",
			Help: "Points published to the prediction bus.",
		}),
		BusThrottled: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_bus_throttled_total",
			Help: "Bus publishes dropped by the per-series rate limit.",
		}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingest_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"name"}),
		IngestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_latency_seconds",
			Help:    "Router processing latency per point.",
			Buckets: prometheus.DefBuckets,
		}, []string{"transport"}),
	}
}

// Registry returns the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

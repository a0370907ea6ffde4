package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/turtacn/keystore/internal/domain/service"
)

// Metrics manages the Prometheus metrics.
type Metrics struct {
	LifecycleOperations *prometheus.CounterVec
	LifecycleLatency    *prometheus.HistogramVec
	ExpiredKeysRemoved  prometheus.Counter
	Queries             *prometheus.CounterVec
	QueryLatency        prometheus.Histogram
	CacheAccess         *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPLatency         *prometheus.HistogramVec
	HTTPInFlight        prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg. A nil reg uses
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		LifecycleOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystore_lifecycle_operations_total",
				Help: "Total number of key lifecycle operations.",
			},
			[]string{"operation", "result"},
		),
		LifecycleLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keystore_lifecycle_duration_seconds",
				Help:    "Latency of key lifecycle operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		ExpiredKeysRemoved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keystore_expired_keys_removed_total",
				Help: "Total number of keys deleted because both tokens had expired.",
			},
		),
		Queries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystore_query_total",
				Help: "Total number of key queries.",
			},
			[]string{"result"},
		),
		QueryLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keystore_query_duration_seconds",
				Help:    "Latency of key queries.",
				Buckets: prometheus.DefBuckets,
			},
		),
		CacheAccess: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystore_cache_access_total",
				Help: "Total number of key cache lookups.",
			},
			[]string{"layer", "result"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystore_http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keystore_http_request_duration_seconds",
				Help:    "Latency of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keystore_http_requests_in_flight",
				Help: "Number of HTTP requests being served.",
			},
		),
	}
}

// RecordLifecycleOperation records the outcome and latency of a lifecycle operation.
func (m *Metrics) RecordLifecycleOperation(operation, result string, duration time.Duration) {
	m.LifecycleOperations.WithLabelValues(operation, result).Inc()
	m.LifecycleLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordExpiredRemoval records a key deleted on read because it was dead.
func (m *Metrics) RecordExpiredRemoval() {
	m.ExpiredKeysRemoved.Inc()
}

// RecordQuery records a compiled query and its outcome.
func (m *Metrics) RecordQuery(result string, duration time.Duration) {
	m.Queries.WithLabelValues(result).Inc()
	m.QueryLatency.Observe(duration.Seconds())
}

// RecordCacheAccess records a cache hit or miss on layer.
func (m *Metrics) RecordCacheAccess(layer string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheAccess.WithLabelValues(layer, result).Inc()
}

func (m *Metrics) ActiveRequestsInc() { m.HTTPInFlight.Inc() }
func (m *Metrics) ActiveRequestsDec() { m.HTTPInFlight.Dec() }

// ObserveRequest records one served HTTP request. path is the route template.
func (m *Metrics) ObserveRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(method, path).Observe(duration.Seconds())
}

var _ service.Metrics = (*Metrics)(nil)

// Package telemetry provides observability primitives for the warden proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	Rejections       *prometheus.CounterVec
	AuthDuration     prometheus.Histogram
	AuthCacheHits    prometheus.Counter
	AuthCacheMisses  prometheus.Counter
	UpstreamDuration prometheus.Histogram
	UpstreamErrors   prometheus.Counter
	CounterReads     *prometheus.CounterVec
	IncrQueueLength  prometheus.GaugeFunc
}

// NewMetrics creates and registers all metrics with the given registerer.
// queueLen reports the pending counter-increment queue depth; nil disables
// the gauge.
func NewMetrics(reg prometheus.Registerer, queueLen func() float64) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "warden",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "rejections_total",
			Help:      "Total rejected requests by kind.",
		}, []string{"kind"}),

		AuthDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:                       "warden",
			Name:                            "auth_duration_seconds",
			Help:                            "Auth service call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}),

		AuthCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "auth_cache_hits_total",
			Help:      "Total auth cache hits.",
		}),

		AuthCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "auth_cache_misses_total",
			Help:      "Total auth cache misses.",
		}),

		UpstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:                       "warden",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream forwarding duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}),

		UpstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "upstream_errors_total",
			Help:      "Total upstream connect failures.",
		}),

		CounterReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "counter_reads_total",
			Help:      "Total counter store reads by outcome.",
		}, []string{"outcome"}),
	}

	if queueLen == nil {
		queueLen = func() float64 { return 0 }
	}
	m.IncrQueueLength = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "warden",
		Name:      "increment_queue_length",
		Help:      "Current number of queued counter increments.",
	}, queueLen)

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.Rejections,
		m.AuthDuration,
		m.AuthCacheHits,
		m.AuthCacheMisses,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.CounterReads,
		m.IncrQueueLength,
	)

	return m
}

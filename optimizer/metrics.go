package optimizer

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports request and cache counters to Prometheus.
type Metrics struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Throttled       prometheus.Counter
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the metrics with reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tannus_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"endpoint", "code"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tannus_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		Throttled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tannus_http_throttled_total",
				Help: "Total number of requests rejected by the throttle",
			},
		),
		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tannus_cache_hits_total",
				Help: "Total number of response cache hits",
			},
			[]string{"endpoint"},
		),
		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tannus_cache_misses_total",
				Help: "Total number of response cache misses",
			},
			[]string{"endpoint"},
		),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

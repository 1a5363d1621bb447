package scgipie

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scgi_pie_http_requests_total",
			Help: "Total number of requests served",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scgi_pie_http_request_duration_seconds",
			Help:    "Time from dispatch until the response finished streaming",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scgi_pie_http_requests_in_flight",
			Help: "Current number of requests being served",
		},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scgi_pie_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"method", "path", "status"},
	)
)

// PrometheusConfig holds configuration for Prometheus metrics middleware.
type PrometheusConfig struct {
	// SkipPaths lists paths to skip metrics collection (e.g., /metrics, /health)
	SkipPaths []string
}

// DefaultPrometheusConfig returns a PrometheusConfig with sensible defaults.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		SkipPaths: []string{"/metrics"},
	}
}

// Prometheus returns a middleware that collects Prometheus metrics.
func Prometheus() Middleware {
	return PrometheusWithConfig(DefaultPrometheusConfig())
}

// PrometheusWithConfig returns a middleware that collects Prometheus metrics with custom configuration.
// Observations are made once the response body has been closed.
func PrometheusWithConfig(config PrometheusConfig) Middleware {
	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request, rw Responder) (Body, error) {
			path := req.Env.Path()
			if skipMap[path] {
				return next.ServeSCGI(req, rw)
			}

			start := time.Now()
			httpRequestsInFlight.Inc()
			tr := &trackingResponder{Responder: rw}
			var bodyBytes int64

			body, err := next.ServeSCGI(req, tr)
			return afterResponse(body, err,
				func(chunk []byte) { bodyBytes += int64(len(chunk)) },
				func(error) {
					httpRequestsInFlight.Dec()
					method := req.Env.Method()
					status := strconv.Itoa(tr.code())

					httpRequestsTotal.WithLabelValues(method, path, status).Inc()
					httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
					httpResponseSize.WithLabelValues(method, path, status).Observe(float64(tr.written + bodyBytes))
				})
		})
	}
}

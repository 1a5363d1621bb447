package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scgi_pie_connections_total",
			Help: "Total number of accepted SCGI connections",
		},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scgi_pie_connections_active",
			Help: "Current number of connections being served",
		},
	)

	acceptErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scgi_pie_accept_errors_total",
			Help: "Total number of failed accept calls",
		},
		[]string{"reason"},
	)

	sessionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scgi_pie_session_errors_total",
			Help: "Total number of connections that ended in an error",
		},
		[]string{"kind"},
	)

	workersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scgi_pie_workers",
			Help: "Current number of running worker goroutines",
		},
	)
)

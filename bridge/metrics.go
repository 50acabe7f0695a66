package bridge

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the SDK's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paywallkit",
			Subsystem: "bridge",
			Name:      "calls_total",
			Help:      "Total number of bridge calls issued.",
		},
		[]string{"method", "status"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paywallkit",
			Subsystem: "bridge",
			Name:      "call_duration_seconds",
			Help:      "Duration of bridge calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method"},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paywallkit",
			Subsystem: "bridge",
			Name:      "events_total",
			Help:      "Total number of engine events received.",
		},
		[]string{"event"},
	)
)

func init() {
	Registry.MustRegister(
		callsTotal,
		callDuration,
		eventsTotal,
		collectors.NewGoCollector(),
	)
}

// MetricsHandler returns an HTTP handler exposing the registered collectors.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func observeCall(method string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	callsTotal.WithLabelValues(method, status).Inc()
	callDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func recordEvent(event string) {
	eventsTotal.WithLabelValues(event).Inc()
}

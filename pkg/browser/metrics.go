package browser

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserhost",
		Name:      "sessions_active",
		Help:      "Number of active worker-side browser sessions.",
	})
	metricSessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserhost",
		Name:      "sessions_created_total",
		Help:      "Browser sessions created since start.",
	})
	metricSessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserhost",
		Name:      "sessions_closed_total",
		Help:      "Browser sessions closed since start.",
	})
	metricRPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserhost",
		Name:      "rpc_requests_total",
		Help:      "RPC requests to the worker by verb and outcome.",
	}, []string{"verb", "outcome"})
	metricRPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "browserhost",
		Name:      "rpc_request_seconds",
		Help:      "RPC round-trip latency by verb.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"verb"})
	metricReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserhost",
		Name:      "reconnects_total",
		Help:      "Reconnection attempts after an unexpected disconnect.",
	})
	metricWorkerStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserhost",
		Name:      "worker_starts_total",
		Help:      "Worker process start attempts by outcome.",
	}, []string{"outcome"})
)

// RPC outcomes recorded in metrics.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// RecordSessionCreated increments session creation counters.
func RecordSessionCreated() {
	metricSessionsCreated.Inc()
	metricActiveSessions.Inc()
}

// RecordSessionClosed increments session close counters.
func RecordSessionClosed() {
	metricSessionsClosed.Inc()
	metricActiveSessions.Dec()
}

// RecordRPC records one RPC round trip.
func RecordRPC(verb, outcome string, latency time.Duration) {
	metricRPCRequests.WithLabelValues(verb, outcome).Inc()
	metricRPCLatency.WithLabelValues(verb).Observe(latency.Seconds())
}

// RecordReconnect counts one reconnection attempt.
func RecordReconnect() {
	metricReconnects.Inc()
}

// RecordWorkerStart counts one worker start attempt.
func RecordWorkerStart(outcome string) {
	metricWorkerStarts.WithLabelValues(outcome).Inc()
}

package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the sandbar daemon.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive prometheus.Gauge
	SessionStarts  *prometheus.CounterVec
	Attaches       prometheus.Counter
	BridgeBytes    *prometheus.CounterVec

	httpReqsTotal *prometheus.CounterVec
	httpReqDur    *prometheus.HistogramVec
}

// NewMetrics creates a metrics set backed by its own registry so tests can
// instantiate independent collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sandbar_sessions_active",
		Help: "Number of sandbox sessions currently running",
	})
	sessionStarts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbar_session_starts_total",
			Help: "Session start attempts by outcome",
		},
		[]string{"status"},
	)
	attaches := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sandbar_terminal_attaches_total",
		Help: "Terminal bridge attachments",
	})
	bridgeBytes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbar_bridge_bytes_total",
			Help: "Bytes relayed by terminal bridges by direction",
		},
		[]string{"direction"},
	)
	httpReqs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbar_http_requests_total",
			Help: "HTTP requests handled by the sandbar API",
		},
		[]string{"method", "path", "status"},
	)
	httpDur := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandbar_http_request_duration_seconds",
			Help:    "HTTP request latency for the sandbar API",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionStarts,
		attaches,
		bridgeBytes,
		httpReqs,
		httpDur,
	)

	return &Metrics{
		registry:       registry,
		SessionsActive: sessionsActive,
		SessionStarts:  sessionStarts,
		Attaches:       attaches,
		BridgeBytes:    bridgeBytes,
		httpReqsTotal:  httpReqs,
		httpReqDur:     httpDur,
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one handled HTTP request.
func (m *Metrics) ObserveRequest(method, path, status string, elapsed time.Duration) {
	m.httpReqsTotal.WithLabelValues(method, path, status).Inc()
	m.httpReqDur.WithLabelValues(method, path, status).Observe(elapsed.Seconds())
}

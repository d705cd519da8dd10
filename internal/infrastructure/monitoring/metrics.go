package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Bridge metrics
	BridgeRequests *prometheus.CounterVec
	BridgeDuration *prometheus.HistogramVec
	BridgeErrors   *prometheus.CounterVec
	HandlerPanics  *prometheus.CounterVec
	RateLimited    *prometheus.CounterVec
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	WSConnections  prometheus.Gauge
	WSMessages     *prometheus.CounterVec

	// Permission metrics
	PermissionDecisions *prometheus.CounterVec
	PendingRequests     prometheus.Gauge

	// Sandbox metrics
	SandboxInstances prometheus.Gauge
	SandboxEvents    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time
}

// NewMetrics creates a metrics collector on its own registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "port_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "port_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		BridgeRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "port_bridge_requests_total",
				Help: "Total number of bridge requests",
			},
			[]string{"protocol", "method", "status"},
		),
		BridgeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "port_bridge_request_duration_seconds",
				Help:    "Bridge request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 30, 60},
			},
			[]string{"protocol", "method"},
		),
		BridgeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "port_bridge_errors_total",
				Help: "Total number of bridge errors by code",
			},
			[]string{"protocol", "method", "code"},
		),
		HandlerPanics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "port_bridge_internal_errors_total",
				Help: "Internal errors (recovered panics) per handler",
			},
			[]string{"protocol"},
		),
		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "port_bridge_rate_limited_total",
				Help: "Requests rejected by the client rate limiter",
			},
			[]string{"reason"},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "port_sessions_active",
				Help: "Number of open bridge sessions",
			},
		),
		SessionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "port_sessions_total",
				Help: "Total number of bridge sessions opened",
			},
		),
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "port_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "port_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),

		PermissionDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "port_permission_decisions_total",
				Help: "Permission decisions by source",
			},
			[]string{"source", "granted"},
		),
		PendingRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "port_permission_pending_requests",
				Help: "Number of permission requests awaiting a decision",
			},
		),

		SandboxInstances: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "port_sandbox_instances",
				Help: "Number of live sandbox instances",
			},
		),
		SandboxEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "port_sandbox_events_total",
				Help: "Sandbox monitor and lifecycle events",
			},
			[]string{"event"},
		),
	}

	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "port_uptime_seconds",
			Help: "Process uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordBridgeRequest records a dispatched bridge request
func (m *Metrics) RecordBridgeRequest(protocol, method, status string, duration time.Duration) {
	m.BridgeRequests.WithLabelValues(protocol, method, status).Inc()
	m.BridgeDuration.WithLabelValues(protocol, method).Observe(duration.Seconds())
}

// RecordBridgeError records a failed bridge request by error code
func (m *Metrics) RecordBridgeError(protocol, method, code string) {
	m.BridgeErrors.WithLabelValues(protocol, method, code).Inc()
}

// RecordPanic counts a recovered handler panic
func (m *Metrics) RecordPanic(protocol string) {
	m.HandlerPanics.WithLabelValues(protocol).Inc()
}

// RecordRateLimited counts a rate-limited request
func (m *Metrics) RecordRateLimited(reason string) {
	m.RateLimited.WithLabelValues(reason).Inc()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// RecordPermissionDecision records the outcome of a permission request
func (m *Metrics) RecordPermissionDecision(source string, granted bool) {
	g := "false"
	if granted {
		g = "true"
	}
	m.PermissionDecisions.WithLabelValues(source, g).Inc()
}

// SetPendingRequests sets the pending permission request gauge
func (m *Metrics) SetPendingRequests(count int) {
	m.PendingRequests.Set(float64(count))
}

// SessionOpened tracks a new session
func (m *Metrics) SessionOpened() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// SessionClosed tracks a closed session
func (m *Metrics) SessionClosed() {
	m.SessionsActive.Dec()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

// SetSandboxInstances sets the number of live sandbox instances
func (m *Metrics) SetSandboxInstances(count int) {
	m.SandboxInstances.Set(float64(count))
}

// RecordSandboxEvent counts a sandbox event
func (m *Metrics) RecordSandboxEvent(event string) {
	m.SandboxEvents.WithLabelValues(event).Inc()
}

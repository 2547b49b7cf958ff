// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SendsTotal tracks message sends issued by the controller.
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_sends_total",
			Help: "Message sends issued by the session controller",
		},
		[]string{"outcome"},
	)

	// SendDuration tracks the round-trip time of a send.
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "session_send_duration_seconds",
			Help:    "Send round-trip duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"outcome"},
	)

	// CancellationsTotal tracks explicit stop-generation calls that hit an
	// in-flight operation.
	CancellationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_cancellations_total",
			Help: "User-triggered cancellations of in-flight sends",
		},
	)

	// RevealSessionsTotal tracks started reveal sessions.
	RevealSessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_reveal_sessions_total",
			Help: "Typing-reveal sessions started",
		},
	)

	// StaleCompletionsTotal tracks completions discarded by the epoch check.
	StaleCompletionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_stale_completions_total",
			Help: "Asynchronous completions discarded as stale",
		},
	)

	// GatewayRequestDuration tracks gateway client request duration.
	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Gateway HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "status"},
	)

	// RequestDuration tracks server-side HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total server-side HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SSEConnectionsActive tracks active SSE connections on the gateway server.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// ConversationsTotal tracks conversations created on the gateway server.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"user_id"},
	)

	// MessagesTotal tracks messages persisted on the gateway server.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"user_id", "role"},
	)
)

// RecordRequest records metrics for a server-side HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordSend records metrics for a settled send operation.
func RecordSend(outcome string, duration float64) {
	SendsTotal.WithLabelValues(outcome).Inc()
	SendDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordGatewayRequest records metrics for a gateway client call.
func RecordGatewayRequest(operation, status string, duration float64) {
	GatewayRequestDuration.WithLabelValues(operation, status).Observe(duration)
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}

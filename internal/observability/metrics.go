package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the host runtime: the tool
// gate, the LLM backends, the confirmation pipeline, sampling, transports,
// and the HTTP surface.
//
// Usage:
//
//	metrics := observability.NewMetrics(nil) // default registry
//	metrics.RecordToolCall("fs", "fs__read_file", "ok", time.Since(start).Seconds())
type Metrics struct {
	// ToolCalls counts tool invocations.
	// Labels: server, tool, outcome (ok|error|denied|expired)
	ToolCalls *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: server, tool
	ToolCallDuration *prometheus.HistogramVec

	// LLMRequests counts LLM completions by provider, model, and status.
	// Labels: provider, model, status (success|error)
	LLMRequests *prometheus.CounterVec

	// LLMRequestDuration measures LLM completion latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokens tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokens *prometheus.CounterVec

	// Confirmations counts confirmation transitions.
	// Labels: verdict (created|approved|modified|rejected|expired)
	Confirmations *prometheus.CounterVec

	// SamplingRequests counts server-initiated sampling requests.
	// Labels: server, decision (allowed|blocked|rate_limited|filtered|pending|completed|failed|rejected|expired)
	SamplingRequests *prometheus.CounterVec

	// SSEReconnects counts event-stream reconnect attempts.
	// Labels: server
	SSEReconnects *prometheus.CounterVec

	// ActiveSessions tracks live chat sessions.
	ActiveSessions prometheus.Gauge

	// ConnectedServers tracks MCP servers with an established session.
	ConnectedServers prometheus.Gauge

	// HTTPRequests counts API requests.
	// Labels: method, path, status_code
	HTTPRequests *prometheus.CounterVec

	// HTTPRequestDuration measures API request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// Errors counts errors by component and type.
	// Labels: component, error_type
	Errors *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments with reg, or with the
// default registry when reg is nil. Call once per registry; duplicate
// registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_tool_calls_total",
				Help: "Total tool invocations by server, tool, and outcome",
			},
			[]string{"server", "tool", "outcome"},
		),

		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maestro_tool_call_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"server", "tool"},
		),

		LLMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_llm_requests_total",
				Help: "Total LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maestro_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_llm_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		Confirmations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_confirmations_total",
				Help: "Total confirmation transitions by verdict",
			},
			[]string{"verdict"},
		),

		SamplingRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_sampling_requests_total",
				Help: "Total server-initiated sampling requests by decision",
			},
			[]string{"server", "decision"},
		),

		SSEReconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_sse_reconnects_total",
				Help: "Total SSE event-stream reconnect attempts",
			},
			[]string{"server"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "maestro_active_sessions",
				Help: "Current number of live chat sessions",
			},
		),

		ConnectedServers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "maestro_connected_servers",
				Help: "Current number of MCP servers with an established session",
			},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_http_requests_total",
				Help: "Total HTTP API requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maestro_http_request_duration_seconds",
				Help:    "Duration of HTTP API requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_errors_total",
				Help: "Total errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordToolCall records one tool invocation and its duration.
func (m *Metrics) RecordToolCall(server, tool, outcome string, durationSeconds float64) {
	m.ToolCalls.WithLabelValues(server, tool, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(server, tool).Observe(durationSeconds)
}

// RecordToolDenied counts a tool call blocked before execution. No duration
// is observed since nothing ran.
func (m *Metrics) RecordToolDenied(server, tool string) {
	m.ToolCalls.WithLabelValues(server, tool, "denied").Inc()
}

// RecordLLMRequest records one LLM completion with token usage.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequests.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordConfirmation counts one confirmation transition.
func (m *Metrics) RecordConfirmation(verdict string) {
	m.Confirmations.WithLabelValues(verdict).Inc()
}

// RecordSampling counts one sampling request decision.
func (m *Metrics) RecordSampling(server, decision string) {
	m.SamplingRequests.WithLabelValues(server, decision).Inc()
}

// RecordSSEReconnect counts one event-stream reconnect attempt.
func (m *Metrics) RecordSSEReconnect(server string) {
	m.SSEReconnects.WithLabelValues(server).Inc()
}

// SessionOpened increments the active sessions gauge.
func (m *Metrics) SessionOpened() {
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the active sessions gauge.
func (m *Metrics) SessionClosed() {
	m.ActiveSessions.Dec()
}

// ServerConnected increments the connected servers gauge.
func (m *Metrics) ServerConnected() {
	m.ConnectedServers.Inc()
}

// ServerDisconnected decrements the connected servers gauge.
func (m *Metrics) ServerDisconnected() {
	m.ConnectedServers.Dec()
}

// RecordHTTPRequest records one API request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordError counts one error by component and type.
func (m *Metrics) RecordError(component, errorType string) {
	m.Errors.WithLabelValues(component, errorType).Inc()
}

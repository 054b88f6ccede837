package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

func TestRecordToolCall(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordToolCall("fs", "fs__read_file", "ok", 0.05)
	m.RecordToolCall("fs", "fs__read_file", "ok", 0.2)
	m.RecordToolCall("fs", "fs__write_file", "error", 1.1)
	m.RecordToolDenied("db", "db__drop_table")

	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("fs", "fs__read_file", "ok")); got != 2 {
		t.Errorf("ok calls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("fs", "fs__write_file", "error")); got != 1 {
		t.Errorf("error calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("db", "db__drop_table", "denied")); got != 1 {
		t.Errorf("denied calls = %v, want 1", got)
	}

	// Denied calls observe no duration.
	if got := testutil.CollectAndCount(m.ToolCallDuration); got != 2 {
		t.Errorf("duration series = %d, want 2", got)
	}
}

func TestRecordLLMRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLLMRequest("openai", "gpt-4o", "success", 1.5, 120, 40)
	m.RecordLLMRequest("openai", "gpt-4o", "error", 0.3, 0, 0)

	if got := testutil.ToFloat64(m.LLMRequests.WithLabelValues("openai", "gpt-4o", "success")); got != 1 {
		t.Errorf("success requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMTokens.WithLabelValues("openai", "gpt-4o", "prompt")); got != 120 {
		t.Errorf("prompt tokens = %v, want 120", got)
	}
	if got := testutil.ToFloat64(m.LLMTokens.WithLabelValues("openai", "gpt-4o", "completion")); got != 40 {
		t.Errorf("completion tokens = %v, want 40", got)
	}
}

func TestGauges(t *testing.T) {
	m := newTestMetrics(t)

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}

	m.ServerConnected()
	m.ServerConnected()
	m.ServerDisconnected()
	if got := testutil.ToFloat64(m.ConnectedServers); got != 1 {
		t.Errorf("connected servers = %v, want 1", got)
	}
}

func TestCountersByLabel(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordConfirmation("created")
	m.RecordConfirmation("approved")
	m.RecordConfirmation("approved")
	if got := testutil.ToFloat64(m.Confirmations.WithLabelValues("approved")); got != 2 {
		t.Errorf("approved = %v, want 2", got)
	}

	m.RecordSampling("fs", "blocked")
	if got := testutil.ToFloat64(m.SamplingRequests.WithLabelValues("fs", "blocked")); got != 1 {
		t.Errorf("sampling blocked = %v, want 1", got)
	}

	m.RecordSSEReconnect("remote")
	m.RecordSSEReconnect("remote")
	if got := testutil.ToFloat64(m.SSEReconnects.WithLabelValues("remote")); got != 2 {
		t.Errorf("reconnects = %v, want 2", got)
	}

	m.RecordError("transport", "dial_failed")
	if got := testutil.ToFloat64(m.Errors.WithLabelValues("transport", "dial_failed")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordHTTPRequest("POST", "/api/chat", "200", 0.02)
	m.RecordHTTPRequest("POST", "/api/chat", "200", 0.04)

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/api/chat", "200")); got != 2 {
		t.Errorf("http requests = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(m.HTTPRequestDuration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Each registry gets its own instrument set without duplicate
	// registration panics.
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.RecordConfirmation("created")
	if got := testutil.ToFloat64(b.Confirmations.WithLabelValues("created")); got != 0 {
		t.Errorf("registries shared state: %v", got)
	}
}

package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ch1109/maestro/internal/approval"
	"github.com/ch1109/maestro/internal/host"
	"github.com/ch1109/maestro/internal/hosterr"
	"github.com/ch1109/maestro/internal/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedBackend plays canned completions for chat endpoints.
type scriptedBackend struct {
	mu    sync.Mutex
	steps []*llm.Response
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Complete(context.Context, *llm.Request) (*llm.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.steps) == 0 {
		return nil, hosterr.New(hosterr.KindValidation, "completion script exhausted")
	}
	step := b.steps[0]
	b.steps = b.steps[1:]
	return step, nil
}

func newTestServer(t *testing.T, steps ...*llm.Response) (*httptest.Server, *host.Host) {
	t.Helper()

	registry := llm.NewRegistry("", 0, testLogger(), nil, nil)
	if err := registry.Register(&scriptedBackend{steps: steps}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	h, err := host.New(host.Config{
		LLM:      registry,
		Approval: approval.Config{TTL: time.Hour},
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("host.New() error = %v", err)
	}
	t.Cleanup(func() { h.Close() })

	api := New(Config{}, h, testLogger(), nil)
	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)
	return ts, h
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorKind(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeBody(t, resp, &body)
	return body.Error.Kind
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", resp.StatusCode)
	}
	var hs struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	decodeBody(t, resp, &hs)
	if hs.Status != "ok" {
		t.Errorf("status = %q, want ok", hs.Status)
	}
}

func TestSessionEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/sessions", map[string]string{"id": "ops", "system_prompt": "be brief"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /api/sessions = %d, want 201", resp.StatusCode)
	}
	var created struct {
		ID           string `json:"id"`
		SystemPrompt string `json:"system_prompt"`
	}
	decodeBody(t, resp, &created)
	if created.ID != "ops" || created.SystemPrompt != "be brief" {
		t.Errorf("created = %+v", created)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/sessions", map[string]string{"id": "ops"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate POST = %d, want 409", resp.StatusCode)
	}
	if kind := errorKind(t, resp); kind != "conflict" {
		t.Errorf("error kind = %q, want conflict", kind)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/sessions/ops", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET session = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/sessions", nil)
	var list struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	decodeBody(t, resp, &list)
	if len(list.Sessions) != 1 {
		t.Errorf("sessions = %d entries, want 1", len(list.Sessions))
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/sessions/ops", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/sessions/ops", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET deleted session = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestChatCollected(t *testing.T) {
	ts, _ := newTestServer(t, &llm.Response{Content: "all done", FinishReason: llm.FinishEndTurn})

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/sessions", map[string]string{"id": "s1"})
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/sessions/s1/chat", map[string]any{"message": "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST chat = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Events []map[string]any `json:"events"`
	}
	decodeBody(t, resp, &body)
	if len(body.Events) != 2 {
		t.Fatalf("events = %d, want state and final", len(body.Events))
	}
	if body.Events[0]["type"] != "state" || body.Events[1]["type"] != "final" {
		t.Errorf("event types = %v, %v", body.Events[0]["type"], body.Events[1]["type"])
	}
	if body.Events[1]["content"] != "all done" {
		t.Errorf("final content = %v, want all done", body.Events[1]["content"])
	}
}

func TestChatStreamsSSE(t *testing.T) {
	ts, _ := newTestServer(t, &llm.Response{Content: "streamed", FinishReason: llm.FinishEndTurn})

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/sessions", map[string]string{"id": "s1"})
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/sessions/s1/chat", map[string]any{"message": "hello", "stream": true})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST chat stream = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}

	if len(frames) != 3 {
		t.Fatalf("frames = %v, want two events and [DONE]", frames)
	}
	if frames[len(frames)-1] != "[DONE]" {
		t.Errorf("last frame = %q, want [DONE]", frames[len(frames)-1])
	}
	var final struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(frames[1]), &final); err != nil {
		t.Fatalf("final frame does not parse: %v", err)
	}
	if final.Type != "final" || final.Content != "streamed" {
		t.Errorf("final frame = %+v", final)
	}
}

func TestChatUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/sessions/ghost/chat", map[string]any{"message": "hello"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("POST chat = %d, want 404", resp.StatusCode)
	}
	if kind := errorKind(t, resp); kind != "not_found" {
		t.Errorf("error kind = %q, want not_found", kind)
	}
}

func TestCallToolEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/sessions", map[string]string{"id": "s1"})
	resp.Body.Close()

	t.Run("missing tool name", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, ts.URL+"/api/tools/call", map[string]any{"session_id": "s1"})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
		resp.Body.Close()
	})

	t.Run("server not connected", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, ts.URL+"/api/tools/call", map[string]any{
			"session_id": "s1",
			"tool":       "fs__read_file",
			"arguments":  map[string]any{"path": "/tmp/a.txt"},
		})
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
		if kind := errorKind(t, resp); kind != "not_found" {
			t.Errorf("error kind = %q, want not_found", kind)
		}
	})
}

func TestToolsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/tools", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/tools = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRootsEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/roots", map[string]string{"path": "/workspace", "name": "workspace"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /api/roots = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/servers/fs/roots", map[string]string{"path": "/srv/files"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST server root = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/servers/fs/roots", nil)
	var serverRoots struct {
		Roots     []map[string]any `json:"roots"`
		Effective []map[string]any `json:"effective"`
	}
	decodeBody(t, resp, &serverRoots)
	if len(serverRoots.Roots) != 1 || len(serverRoots.Effective) != 2 {
		t.Errorf("server roots = %d own / %d effective, want 1/2",
			len(serverRoots.Roots), len(serverRoots.Effective))
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/servers/fs/validate-path", map[string]string{"path": "/srv/files/a.txt"})
	var decision struct {
		Status string `json:"status"`
	}
	decodeBody(t, resp, &decision)
	if decision.Status != "allowed" {
		t.Errorf("validate-path status = %q, want allowed", decision.Status)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/servers/fs/validate-path", map[string]string{"path": "/etc/passwd"})
	decodeBody(t, resp, &decision)
	if decision.Status != "denied" {
		t.Errorf("validate-path status = %q, want denied", decision.Status)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/servers/fs/roots", map[string]string{"path": "/srv/files"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE server root = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/roots", nil)
	var global struct {
		Roots []map[string]any `json:"roots"`
	}
	decodeBody(t, resp, &global)
	if len(global.Roots) != 1 {
		t.Errorf("global roots = %d, want 1", len(global.Roots))
	}

	t.Run("missing path rejected", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, ts.URL+"/api/roots", map[string]string{"name": "nameless"})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
		resp.Body.Close()
	})
}

func TestConfirmationEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/confirmations", nil)
	var list struct {
		Confirmations []json.RawMessage `json:"confirmations"`
	}
	decodeBody(t, resp, &list)
	if len(list.Confirmations) != 0 {
		t.Errorf("confirmations = %d, want none", len(list.Confirmations))
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/confirmations/unknown/approve", map[string]any{"by": "alice"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("approve unknown = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestServerEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/servers", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/servers = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/servers/ghost/start", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("start unknown server = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/servers", map[string]any{"key": "bad__key", "transport": "stdio", "command": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("register invalid server = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSamplingEndpointsDisabled(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/sampling/pending", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET pending = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/sampling/config", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET config = %d, want 404 when sampling is off", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRequestIDHeader(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "caller-chosen")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp2.Body.Close()
	if got := resp2.Header.Get("X-Request-ID"); got != "caller-chosen" {
		t.Errorf("X-Request-ID = %q, want the caller's id", got)
	}
}

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind hosterr.Kind
		want int
	}{
		{hosterr.KindValidation, http.StatusBadRequest},
		{hosterr.KindNotFound, http.StatusNotFound},
		{hosterr.KindConflict, http.StatusConflict},
		{hosterr.KindPolicy, http.StatusForbidden},
		{hosterr.KindTimeout, http.StatusGatewayTimeout},
		{hosterr.KindTransport, http.StatusBadGateway},
		{hosterr.KindUpstream, http.StatusBadGateway},
		{hosterr.KindFatal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForKind(tt.kind); got != tt.want {
			t.Errorf("statusForKind(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

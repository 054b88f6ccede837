package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// reconnectInitialDelay is the base for linear reconnect backoff.
	reconnectInitialDelay = time.Second

	// reconnectMaxDelay caps the backoff.
	reconnectMaxDelay = 30 * time.Second
)

// SSETransport speaks MCP over HTTP: a long-lived GET event stream carries
// everything the server sends, and each outbound message is POSTed to the
// message endpoint. A 2xx on the POST only acknowledges receipt; responses
// are correlated to calls strictly by JSON-RPC id on the stream.
type SSETransport struct {
	config *ServerConfig
	logger *slog.Logger

	// client bounds each POST; streamClient has no timeout because the GET
	// stays open for the life of the session.
	client       *http.Client
	streamClient *http.Client

	router *inboundRouter
	nextID atomic.Int64

	connected atomic.Bool
	closed    atomic.Bool
	stopChan  chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// retryOverride holds a server-sent retry: value in milliseconds.
	retryOverride atomic.Int64
	lastEventID   atomic.Value // string

	// OnReconnect, when set before Connect, is invoked after each successful
	// re-dial of the event stream.
	OnReconnect func(attempt int)
}

// NewSSETransport creates an SSE transport for the server configuration.
func NewSSETransport(cfg *ServerConfig, logger *slog.Logger) *SSETransport {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", cfg.Key, "transport", "sse")

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCallTimeout
	}

	t := &SSETransport{
		config:       cfg,
		logger:       logger,
		client:       &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		stopChan:     make(chan struct{}),
	}
	t.router = newInboundRouter(logger, t.stopChan, cfg.MaxMalformed)
	return t
}

// Connect dials the event stream. The caller's context bounds only this
// first dial; the stream itself lives until Close.
func (t *SSETransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("URL is required for sse transport")
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	// The dial request carries the stream context so the body outlives the
	// caller's deadline; the caller's context only aborts a dial still
	// waiting on headers.
	stop := context.AfterFunc(ctx, cancel)
	resp, err := t.dial(streamCtx)
	stop()
	if err != nil {
		cancel()
		return fmt.Errorf("connect event stream: %w", err)
	}

	t.connected.Store(true)
	t.logger.Info("sse stream connected", "url", t.streamURL())

	t.wg.Add(1)
	go t.streamLoop(streamCtx, resp)

	return nil
}

// Close stops reconnecting, tears down the stream, and fails pending calls.
// Idempotent.
func (t *SSETransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.connected.Store(false)
		close(t.stopChan)
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
		t.router.failPending(ErrTransportClosed)
	})
	return nil
}

// Call POSTs a request to the message endpoint and waits for the correlated
// response on the stream. Pending calls survive stream drops until their own
// timeout, so short disconnects are invisible to callers.
func (t *SSETransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}

	id := t.nextID.Add(1)

	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := t.router.register(id)
	defer t.router.unregister(id)

	if err := t.post(ctx, req); err != nil {
		return nil, err
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = defaultCallTimeout
	}

	select {
	case res := <-respChan:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, res.resp.Error)
		}
		return res.resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: %s after %v", ErrCallTimeout, method, timeout)
	case <-t.stopChan:
		return nil, ErrTransportClosed
	}
}

// Notify POSTs a notification to the message endpoint.
func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	notif := JSONRPCNotification{
		JSONRPC: "2.0",
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	return t.post(ctx, notif)
}

// Respond answers a server-initiated request over the message endpoint.
func (t *SSETransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcErr,
	}
	if rpcErr == nil && result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resp.Result = data
	}

	return t.post(ctx, resp)
}

// Events returns the notification channel.
func (t *SSETransport) Events() <-chan *JSONRPCNotification {
	return t.router.events
}

// Requests returns the server-initiated request channel.
func (t *SSETransport) Requests() <-chan *JSONRPCRequest {
	return t.router.requests
}

// Connected reports whether the event stream is currently established.
func (t *SSETransport) Connected() bool {
	return t.connected.Load()
}

func (t *SSETransport) streamURL() string {
	return strings.TrimSuffix(t.config.URL, "/") + t.config.SSEEndpoint()
}

func (t *SSETransport) messageURL() string {
	return strings.TrimSuffix(t.config.URL, "/") + t.config.MessageEndpoint()
}

// post sends one JSON-RPC message to the message endpoint. The response body
// is discarded; anything meaningful arrives on the stream.
func (t *SSETransport) post(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.messageURL(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	t.applyAuth(httpReq)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("message endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// applyAuth attaches configured credentials. The same headers go on the
// stream GET and every message POST.
func (t *SSETransport) applyAuth(req *http.Request) {
	auth := t.config.Auth
	if auth == nil {
		return
	}
	switch auth.Type {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case AuthAPIKey:
		header := auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, auth.Token)
	case AuthCustom:
		for k, v := range auth.Headers {
			req.Header.Set(k, v)
		}
	}
}

// dial opens the event stream.
func (t *SSETransport) dial(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.streamURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if id, ok := t.lastEventID.Load().(string); ok && id != "" {
		req.Header.Set("Last-Event-ID", id)
	}
	t.applyAuth(req)

	resp, err := t.streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("stream endpoint returned %d", resp.StatusCode)
	}
	return resp, nil
}

// streamLoop reads the stream and re-dials on failure with linear backoff,
// until Close. Pending calls are left alone across reconnects.
func (t *SSETransport) streamLoop(ctx context.Context, first *http.Response) {
	defer t.wg.Done()
	defer t.connected.Store(false)

	resp := first
	attempt := 0

	for {
		if resp != nil {
			t.connected.Store(true)
			err := t.readStream(ctx, resp.Body)
			resp.Body.Close()
			resp = nil
			t.connected.Store(false)
			if err != nil {
				t.logger.Warn("sse stream ended", "error", err)
			} else {
				t.logger.Info("sse stream ended")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		default:
		}

		attempt++
		delay := t.reconnectDelay(attempt)
		t.logger.Info("sse reconnecting", "attempt", attempt, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		}

		var err error
		resp, err = t.dial(ctx)
		if err != nil {
			t.logger.Warn("sse reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		t.logger.Info("sse stream reconnected", "attempt", attempt)
		if t.OnReconnect != nil {
			t.OnReconnect(attempt)
		}
		attempt = 0
	}
}

// reconnectDelay grows linearly with consecutive failures unless the server
// sent a retry: override.
func (t *SSETransport) reconnectDelay(attempt int) time.Duration {
	if ms := t.retryOverride.Load(); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	delay := time.Duration(attempt) * reconnectInitialDelay
	if delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	return delay
}

// readStream parses Server-Sent Events until the stream ends: "event:",
// "data:", "id:" and "retry:" fields, ":" comment lines skipped, an empty
// line dispatches the buffered event, multi-line data joined with newlines.
func (t *SSETransport) readStream(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, scannerBufferSize), scannerBufferSize)

	var eventName, eventID string
	var dataLines []string

	flush := func() {
		if len(dataLines) == 0 {
			eventName, eventID = "", ""
			return
		}
		data := strings.Join(dataLines, "\n")
		if eventID != "" {
			t.lastEventID.Store(eventID)
		}
		t.handleEvent(eventName, data)
		eventName, eventID = "", ""
		dataLines = nil
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.stopChan:
			return nil
		default:
		}

		line := scanner.Text()

		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if !found {
			field, value = line, ""
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			eventName = value
		case "data":
			dataLines = append(dataLines, value)
		case "id":
			eventID = value
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				t.retryOverride.Store(int64(ms))
			}
		}
	}

	// Incomplete trailing events are discarded.
	return scanner.Err()
}

// handleEvent routes one dispatched SSE event. Events whose data is not a
// JSON object cannot be JSON-RPC and are skipped.
func (t *SSETransport) handleEvent(eventName, data string) {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" || trimmed[0] != '{' {
		t.logger.Debug("ignoring non-jsonrpc sse event", "event", eventName)
		return
	}

	if err := t.router.dispatch([]byte(trimmed)); err != nil {
		t.logger.Error("closing transport", "error", err)
		go t.Close()
	}
}

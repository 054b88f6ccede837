package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// pendingResult carries either a response or a transport failure to a waiting
// caller.
type pendingResult struct {
	resp *JSONRPCResponse
	err  error
}

// inboundRouter routes inbound JSON-RPC messages to the right consumer:
// responses to the pending call that owns the id, server-initiated requests
// to the request channel, notifications to the event channel. Both transports
// share it so framing is the only thing they differ on.
type inboundRouter struct {
	logger *slog.Logger
	stop   <-chan struct{}

	pendingMu sync.Mutex
	pending   map[int64]chan pendingResult

	events   chan *JSONRPCNotification
	requests chan *JSONRPCRequest

	malformedMu  sync.Mutex
	malformed    int
	maxMalformed int
}

func newInboundRouter(logger *slog.Logger, stop <-chan struct{}, maxMalformed int) *inboundRouter {
	return &inboundRouter{
		logger:       logger,
		stop:         stop,
		pending:      make(map[int64]chan pendingResult),
		events:       make(chan *JSONRPCNotification, 100),
		requests:     make(chan *JSONRPCRequest, 100),
		maxMalformed: maxMalformed,
	}
}

// register creates the response channel for a call id.
func (r *inboundRouter) register(id int64) chan pendingResult {
	ch := make(chan pendingResult, 1)
	r.pendingMu.Lock()
	r.pending[id] = ch
	r.pendingMu.Unlock()
	return ch
}

// unregister removes a call id. Safe to call after the response arrived.
func (r *inboundRouter) unregister(id int64) {
	r.pendingMu.Lock()
	delete(r.pending, id)
	r.pendingMu.Unlock()
}

// failPending fails every in-flight call with err.
func (r *inboundRouter) failPending(err error) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for id, ch := range r.pending {
		select {
		case ch <- pendingResult{err: err}:
		default:
		}
		delete(r.pending, id)
	}
}

// dispatch routes one raw JSON-RPC message. It returns a non-nil error only
// when the malformed-frame threshold is exceeded, signaling the transport to
// shut down.
func (r *inboundRouter) dispatch(data []byte) error {
	var msg struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      any             `json:"id"`
		Method  string          `json:"method"`
		Result  json.RawMessage `json:"result"`
		Error   *JSONRPCError   `json:"error"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return r.noteMalformed(data, err)
	}

	switch {
	case msg.Method != "" && msg.ID != nil:
		req := &JSONRPCRequest{
			JSONRPC: msg.JSONRPC,
			ID:      msg.ID,
			Method:  msg.Method,
			Params:  msg.Params,
		}
		// Server requests must not be dropped; the client always consumes
		// this channel, so a blocking send only stalls until dispatch.
		select {
		case r.requests <- req:
		case <-r.stop:
		}

	case msg.Method != "":
		notif := &JSONRPCNotification{
			JSONRPC: msg.JSONRPC,
			Method:  msg.Method,
			Params:  msg.Params,
		}
		select {
		case r.events <- notif:
		default:
			r.logger.Warn("notification channel full, dropping", "method", msg.Method)
		}

	case msg.ID != nil:
		id, ok := numericID(msg.ID)
		if !ok {
			r.logger.Warn("unexpected response ID type", "id", msg.ID)
			return nil
		}
		resp := &JSONRPCResponse{
			JSONRPC: msg.JSONRPC,
			ID:      msg.ID,
			Result:  msg.Result,
			Error:   msg.Error,
		}
		r.pendingMu.Lock()
		if ch, ok := r.pending[id]; ok {
			select {
			case ch <- pendingResult{resp: resp}:
			default:
			}
			delete(r.pending, id)
		} else {
			r.logger.Debug("response for unknown call id", "id", id)
		}
		r.pendingMu.Unlock()

	default:
		return r.noteMalformed(data, fmt.Errorf("message has neither method nor id"))
	}

	return nil
}

// noteMalformed logs a bad frame and enforces the threshold.
func (r *inboundRouter) noteMalformed(data []byte, cause error) error {
	r.malformedMu.Lock()
	r.malformed++
	count := r.malformed
	r.malformedMu.Unlock()

	preview := string(data)
	if len(preview) > 200 {
		preview = preview[:200] + "..."
	}
	r.logger.Warn("skipping malformed frame",
		"error", cause,
		"count", count,
		"frame", preview)

	if r.maxMalformed > 0 && count > r.maxMalformed {
		return fmt.Errorf("%w: %d exceeds limit %d",
			ErrTooManyMalformed, count, r.maxMalformed)
	}
	return nil
}

// numericID normalizes a JSON-RPC id to int64 for pending lookup.
func numericID(id any) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

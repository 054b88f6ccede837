package mcp

import (
	"errors"
	"log/slog"
	"testing"
)

func newTestRouter(maxMalformed int) (*inboundRouter, chan struct{}) {
	stop := make(chan struct{})
	return newInboundRouter(slog.Default(), stop, maxMalformed), stop
}

func TestRouterDeliversResponseToPendingCall(t *testing.T) {
	r, _ := newTestRouter(0)

	ch := r.register(7)
	if err := r.dispatch([]byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("unexpected error: %v", res.err)
		}
		if string(res.resp.Result) != `{"ok":true}` {
			t.Errorf("result = %s", res.resp.Result)
		}
	default:
		t.Fatal("expected response delivered")
	}

	// Entry must be gone after delivery.
	r.pendingMu.Lock()
	_, exists := r.pending[7]
	r.pendingMu.Unlock()
	if exists {
		t.Error("pending entry not removed after delivery")
	}
}

func TestRouterResponseForUnknownIDIsIgnored(t *testing.T) {
	r, _ := newTestRouter(0)

	if err := r.dispatch([]byte(`{"jsonrpc":"2.0","id":99,"result":{}}`)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
}

func TestRouterRoutesServerRequest(t *testing.T) {
	r, _ := newTestRouter(0)

	frame := `{"jsonrpc":"2.0","id":3,"method":"sampling/createMessage","params":{"maxTokens":10}}`
	if err := r.dispatch([]byte(frame)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case req := <-r.requests:
		if req.Method != "sampling/createMessage" {
			t.Errorf("method = %q", req.Method)
		}
		if req.ID == nil {
			t.Error("expected request id preserved")
		}
	default:
		t.Fatal("expected server request routed")
	}
}

func TestRouterRoutesNotification(t *testing.T) {
	r, _ := newTestRouter(0)

	frame := `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`
	if err := r.dispatch([]byte(frame)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case notif := <-r.events:
		if notif.Method != "notifications/tools/list_changed" {
			t.Errorf("method = %q", notif.Method)
		}
	default:
		t.Fatal("expected notification routed")
	}
}

func TestRouterMalformedFramesAreSkipped(t *testing.T) {
	r, _ := newTestRouter(0)

	for i := 0; i < 50; i++ {
		if err := r.dispatch([]byte("not json at all")); err != nil {
			t.Fatalf("dispatch %d: threshold disabled but got %v", i, err)
		}
	}
}

func TestRouterMalformedThreshold(t *testing.T) {
	r, _ := newTestRouter(2)

	if err := r.dispatch([]byte("junk 1")); err != nil {
		t.Fatalf("frame 1: %v", err)
	}
	if err := r.dispatch([]byte("junk 2")); err != nil {
		t.Fatalf("frame 2: %v", err)
	}

	err := r.dispatch([]byte("junk 3"))
	if !errors.Is(err, ErrTooManyMalformed) {
		t.Fatalf("frame 3: want ErrTooManyMalformed, got %v", err)
	}
}

func TestRouterFrameWithNeitherMethodNorIDCountsAsMalformed(t *testing.T) {
	r, _ := newTestRouter(1)

	if err := r.dispatch([]byte(`{"jsonrpc":"2.0"}`)); err != nil {
		t.Fatalf("frame 1: %v", err)
	}
	if err := r.dispatch([]byte(`{"foo":"bar"}`)); !errors.Is(err, ErrTooManyMalformed) {
		t.Fatalf("frame 2: want ErrTooManyMalformed, got %v", err)
	}
}

func TestRouterFailPending(t *testing.T) {
	r, _ := newTestRouter(0)

	ch1 := r.register(1)
	ch2 := r.register(2)

	r.failPending(ErrTransportClosed)

	for _, ch := range []chan pendingResult{ch1, ch2} {
		select {
		case res := <-ch:
			if !errors.Is(res.err, ErrTransportClosed) {
				t.Errorf("want ErrTransportClosed, got %v", res.err)
			}
		default:
			t.Fatal("expected pending call failed")
		}
	}
}

func TestNumericID(t *testing.T) {
	tests := []struct {
		name string
		id   any
		want int64
		ok   bool
	}{
		{"float64", float64(42), 42, true},
		{"int64", int64(7), 7, true},
		{"int", 3, 3, true},
		{"string", "abc", 0, false},
		{"nil", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := numericID(tt.id)
			if ok != tt.ok || got != tt.want {
				t.Errorf("numericID(%v) = (%d, %v), want (%d, %v)", tt.id, got, ok, tt.want, tt.ok)
			}
		})
	}
}

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
)

var (
	// ErrTransportClosed is returned for calls made on, or pending across, a
	// closed transport.
	ErrTransportClosed = errors.New("mcp: transport closed")

	// ErrCallTimeout is returned when a call outlives its per-call deadline.
	ErrCallTimeout = errors.New("mcp: call timed out")

	// ErrTooManyMalformed is returned when a transport gives up after its
	// malformed-frame threshold.
	ErrTooManyMalformed = errors.New("mcp: too many malformed frames")
)

// Transport defines the interface for MCP transports.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection. Pending calls fail with
	// ErrTransportClosed. Close is idempotent.
	Close() error

	// Call sends a request and waits for the matching response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Events returns a channel for receiving notifications from the server.
	Events() <-chan *JSONRPCNotification

	// Requests returns a channel for receiving server-initiated requests.
	Requests() <-chan *JSONRPCRequest

	// Respond sends a response to a server-initiated request.
	Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error

	// Connected returns whether the transport is connected.
	Connected() bool
}

// NewTransport creates a transport for the server configuration.
func NewTransport(cfg *ServerConfig, logger *slog.Logger) Transport {
	switch cfg.Transport {
	case TransportSSE:
		return NewSSETransport(cfg, logger)
	default:
		return NewStdioTransport(cfg, logger)
	}
}

// Package audit records the host's security-relevant actions as structured
// JSON lines: tool invocations with their risk verdicts, confirmation
// transitions, sampling decisions, and server lifecycle changes.
package audit

import "time"

// EventType categorizes audit events.
type EventType string

const (
	// Tool gate events
	EventToolCall   EventType = "tool.call"
	EventToolResult EventType = "tool.result"
	EventToolDenied EventType = "tool.denied"

	// HITL confirmation transitions
	EventConfirmation EventType = "confirmation"

	// Server-initiated sampling decisions
	EventSampling EventType = "sampling"

	// MCP server lifecycle
	EventServerStarted   EventType = "server.started"
	EventServerStopped   EventType = "server.stopped"
	EventServerReconnect EventType = "server.reconnect"

	// Chat session lifecycle
	EventSessionCreated EventType = "session.created"
	EventSessionDeleted EventType = "session.deleted"
)

// Level represents audit log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is a single audit log entry.
type Event struct {
	// ID is a unique identifier for this audit event.
	ID string `json:"id"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// Level is the severity level.
	Level Level `json:"level"`

	// Timestamp when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// SessionID identifies the chat session, when one is involved.
	SessionID string `json:"session_id,omitempty"`

	// Server is the MCP server key.
	Server string `json:"server,omitempty"`

	// Tool is the public tool name for tool-related events.
	Tool string `json:"tool,omitempty"`

	// RequestID links tool calls, confirmations, and sampling requests.
	RequestID string `json:"request_id,omitempty"`

	// Action describes the transition, e.g. "approved" or "executed".
	Action string `json:"action"`

	// Risk carries the assessed risk level for gated calls.
	Risk string `json:"risk,omitempty"`

	// Details contains event-specific structured data.
	Details map[string]any `json:"details,omitempty"`

	// Duration is the time taken for timed operations.
	Duration time.Duration `json:"duration,omitempty"`

	// Error contains error information if applicable.
	Error string `json:"error,omitempty"`

	// TraceID and SpanID correlate with distributed traces.
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// OutputFormat specifies the audit log output format.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Config configures the audit logger.
type Config struct {
	// Enabled determines if audit logging is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Level is the minimum level to log.
	Level Level `json:"level" yaml:"level"`

	// Format specifies the output format.
	Format OutputFormat `json:"format" yaml:"format"`

	// Output specifies where to write logs.
	// Supported: "stdout", "stderr", "file:/path/to/file.log"
	Output string `json:"output" yaml:"output"`

	// IncludeArgs determines if tool arguments are logged verbatim.
	// When false, only a hash is recorded.
	IncludeArgs bool `json:"include_args" yaml:"include_args"`

	// MaxFieldSize limits the size of logged fields.
	MaxFieldSize int `json:"max_field_size" yaml:"max_field_size"`

	// BufferSize is the size of the async write buffer.
	BufferSize int `json:"buffer" yaml:"buffer"`

	// FlushInterval is how often to flush the buffer.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// DefaultConfig returns a default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		Level:         LevelInfo,
		Format:        FormatJSON,
		Output:        "stdout",
		IncludeArgs:   false,
		MaxFieldSize:  1024,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}

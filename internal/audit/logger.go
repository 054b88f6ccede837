package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ch1109/maestro/internal/observability"
)

// Logger writes audit events asynchronously. Events are buffered and
// flushed by a background goroutine; when the buffer is full the event is
// dropped and counted rather than blocking the caller, so the tool-call
// path never stalls on a slow disk.
//
// Usage:
//
//	logger, err := audit.NewLogger(audit.Config{
//	    Enabled: true,
//	    Level:   audit.LevelInfo,
//	    Format:  audit.FormatJSON,
//	    Output:  "file:/var/log/maestro/audit.log",
//	})
//	defer logger.Close()
//
//	logger.RecordToolCall(ctx, sessionID, "fs__read_file", reqID, "medium", args)
type Logger struct {
	config  Config
	output  io.WriteCloser
	slogger *slog.Logger
	buffer  chan *Event
	wg      sync.WaitGroup
	done    chan struct{}
	dropped atomic.Int64
}

// NewLogger creates an audit logger with the given configuration. A
// disabled config returns an inert logger whose methods are no-ops.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}

	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxFieldSize == 0 {
		config.MaxFieldSize = 1024
	}

	var output io.WriteCloser
	switch {
	case config.Output == "stdout" || config.Output == "":
		output = os.Stdout
	case config.Output == "stderr":
		output = os.Stderr
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open audit log file: %w", err)
		}
		output = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}

	l := &Logger{
		config: config,
		output: output,
		buffer: make(chan *Event, config.BufferSize),
		done:   make(chan struct{}),
	}

	var handler slog.Handler
	switch config.Format {
	case FormatText:
		handler = slog.NewTextHandler(output, &slog.HandlerOptions{
			Level: l.slogLevel(),
		})
	default:
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{
			Level: l.slogLevel(),
		})
	}
	l.slogger = slog.New(handler).With("component", "audit")

	l.wg.Add(1)
	go l.writeLoop()

	return l, nil
}

// Close flushes remaining events and closes the logger.
func (l *Logger) Close() error {
	if !l.config.Enabled {
		return nil
	}

	close(l.done)
	l.wg.Wait()

	if l.output != os.Stdout && l.output != os.Stderr {
		return l.output.Close()
	}
	return nil
}

// Dropped reports how many events were discarded because the buffer was
// full.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Record writes an audit event. It never blocks: when the write buffer is
// full the event is dropped and the drop counter incremented.
func (l *Logger) Record(ctx context.Context, event *Event) {
	if !l.config.Enabled {
		return
	}

	if !l.shouldLog(event.Level) {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if event.TraceID == "" {
		event.TraceID = observability.GetTraceID(ctx)
	}
	if event.SpanID == "" {
		event.SpanID = observability.GetSpanID(ctx)
	}

	select {
	case l.buffer <- event:
	default:
		l.dropped.Add(1)
	}
}

// RecordToolCall records a tool invocation passing through the gate.
// Arguments are hashed unless IncludeArgs is set.
func (l *Logger) RecordToolCall(ctx context.Context, sessionID, server, tool, requestID, risk string, args json.RawMessage) {
	details := map[string]any{}

	if l.config.IncludeArgs && args != nil {
		details["args"] = l.truncate(string(args))
	} else if args != nil {
		details["args_hash"] = hashString(string(args))
	}

	l.Record(ctx, &Event{
		Type:      EventToolCall,
		Level:     LevelInfo,
		SessionID: sessionID,
		Server:    server,
		Tool:      tool,
		RequestID: requestID,
		Risk:      risk,
		Action:    "invoked",
		Details:   details,
	})
}

// RecordToolResult records the outcome of an executed tool call.
func (l *Logger) RecordToolResult(ctx context.Context, sessionID, server, tool, requestID string, isError bool, duration time.Duration, errMsg string) {
	level := LevelInfo
	if isError {
		level = LevelWarn
	}

	l.Record(ctx, &Event{
		Type:      EventToolResult,
		Level:     level,
		SessionID: sessionID,
		Server:    server,
		Tool:      tool,
		RequestID: requestID,
		Action:    "completed",
		Duration:  duration,
		Error:     errMsg,
		Details: map[string]any{
			"is_error": isError,
		},
	})
}

// RecordToolDenied records a tool call blocked before execution.
func (l *Logger) RecordToolDenied(ctx context.Context, sessionID, server, tool, requestID, risk, reason string) {
	l.Record(ctx, &Event{
		Type:      EventToolDenied,
		Level:     LevelWarn,
		SessionID: sessionID,
		Server:    server,
		Tool:      tool,
		RequestID: requestID,
		Risk:      risk,
		Action:    "denied",
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// RecordConfirmation records a confirmation lifecycle transition such as
// "created", "approved", "rejected", or "expired".
func (l *Logger) RecordConfirmation(ctx context.Context, sessionID, server, tool, requestID, risk, action, decidedBy string) {
	level := LevelInfo
	if action == "rejected" || action == "expired" {
		level = LevelWarn
	}

	details := map[string]any{}
	if decidedBy != "" {
		details["decided_by"] = decidedBy
	}

	l.Record(ctx, &Event{
		Type:      EventConfirmation,
		Level:     level,
		SessionID: sessionID,
		Server:    server,
		Tool:      tool,
		RequestID: requestID,
		Risk:      risk,
		Action:    action,
		Details:   details,
	})
}

// RecordSampling records the decision taken for a server-initiated
// sampling request: "allowed", "blocked", "rate_limited", "filtered",
// "pending_approval", "completed", "failed", "rejected", or "expired".
func (l *Logger) RecordSampling(ctx context.Context, server, requestID, action, reason string, duration time.Duration) {
	level := LevelInfo
	switch action {
	case "blocked", "rate_limited", "filtered":
		level = LevelWarn
	}

	details := map[string]any{}
	if reason != "" {
		details["reason"] = reason
	}

	l.Record(ctx, &Event{
		Type:      EventSampling,
		Level:     level,
		Server:    server,
		RequestID: requestID,
		Action:    action,
		Duration:  duration,
		Details:   details,
	})
}

// RecordServerEvent records an MCP server lifecycle change.
func (l *Logger) RecordServerEvent(ctx context.Context, eventType EventType, server, errMsg string) {
	level := LevelInfo
	if errMsg != "" {
		level = LevelWarn
	}

	l.Record(ctx, &Event{
		Type:   eventType,
		Level:  level,
		Server: server,
		Action: string(eventType),
		Error:  errMsg,
	})
}

// RecordSessionEvent records chat session creation or eviction.
func (l *Logger) RecordSessionEvent(ctx context.Context, eventType EventType, sessionID string) {
	l.Record(ctx, &Event{
		Type:      eventType,
		Level:     LevelInfo,
		SessionID: sessionID,
		Action:    string(eventType),
	})
}

// writeLoop drains buffered events until Close.
func (l *Logger) writeLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-ticker.C:
			l.flushBuffer()
		case <-l.done:
			l.flushBuffer()
			return
		}
	}
}

// flushBuffer drains all buffered events.
func (l *Logger) flushBuffer() {
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		default:
			return
		}
	}
}

// writeEvent writes a single event to the output.
func (l *Logger) writeEvent(event *Event) {
	attrs := []any{
		"audit_id", event.ID,
		"audit_type", event.Type,
		"action", event.Action,
		"timestamp", event.Timestamp.Format(time.RFC3339Nano),
	}

	if event.SessionID != "" {
		attrs = append(attrs, "session_id", event.SessionID)
	}
	if event.Server != "" {
		attrs = append(attrs, "server", event.Server)
	}
	if event.Tool != "" {
		attrs = append(attrs, "tool", event.Tool)
	}
	if event.RequestID != "" {
		attrs = append(attrs, "request_id", event.RequestID)
	}
	if event.Risk != "" {
		attrs = append(attrs, "risk", event.Risk)
	}
	if event.TraceID != "" {
		attrs = append(attrs, "trace_id", event.TraceID)
	}
	if event.SpanID != "" {
		attrs = append(attrs, "span_id", event.SpanID)
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}

	// Details become top-level attributes for easier querying.
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}

	switch event.Level {
	case LevelDebug:
		l.slogger.Debug("audit", attrs...)
	case LevelWarn:
		l.slogger.Warn("audit", attrs...)
	case LevelError:
		l.slogger.Error("audit", attrs...)
	default:
		l.slogger.Info("audit", attrs...)
	}
}

// shouldLog checks if an event at the given level should be logged.
func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	return levels[level] >= levels[l.config.Level]
}

// slogLevel converts audit level to slog level.
func (l *Logger) slogLevel() slog.Level {
	switch l.config.Level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) truncate(s string) string {
	if len(s) > l.config.MaxFieldSize {
		return s[:l.config.MaxFieldSize] + "...(truncated)"
	}
	return s
}

// hashString returns the first 16 hex chars of the SHA-256 of s.
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}

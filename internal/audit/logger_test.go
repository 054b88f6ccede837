package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewLoggerDisabled(t *testing.T) {
	logger, err := NewLogger(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	// All methods are no-ops on a disabled logger.
	logger.Record(context.Background(), &Event{Type: EventToolCall, Level: LevelInfo})
	logger.RecordToolCall(context.Background(), "s1", "fs", "fs__read_file", "r1", "medium", nil)

	if got := logger.Dropped(); got != 0 {
		t.Errorf("Dropped() = %d, want 0", got)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNewLoggerInvalidOutput(t *testing.T) {
	_, err := NewLogger(Config{Enabled: true, Output: "syslog://local"})
	if err == nil {
		t.Fatal("expected error for unsupported output")
	}
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(Config{
		Enabled: true,
		Level:   LevelInfo,
		Format:  FormatJSON,
		Output:  "file:" + path,
	})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.RecordToolCall(context.Background(), "sess-1", "fs", "fs__delete_file", "req-1", "critical", json.RawMessage(`{"path":"/tmp/x"}`))
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("unmarshal audit line %q: %v", data, err)
	}

	if entry["component"] != "audit" {
		t.Errorf("component = %v, want audit", entry["component"])
	}
	if entry["audit_type"] != string(EventToolCall) {
		t.Errorf("audit_type = %v, want %s", entry["audit_type"], EventToolCall)
	}
	if entry["session_id"] != "sess-1" {
		t.Errorf("session_id = %v, want sess-1", entry["session_id"])
	}
	if entry["server"] != "fs" {
		t.Errorf("server = %v, want fs", entry["server"])
	}
	if entry["tool"] != "fs__delete_file" {
		t.Errorf("tool = %v, want fs__delete_file", entry["tool"])
	}
	if entry["risk"] != "critical" {
		t.Errorf("risk = %v, want critical", entry["risk"])
	}
	if entry["audit_id"] == nil || entry["audit_id"] == "" {
		t.Error("audit_id missing")
	}

	// Args are hashed by default, never logged verbatim.
	if _, ok := entry["args"]; ok {
		t.Error("args logged verbatim without IncludeArgs")
	}
	if hash, ok := entry["args_hash"].(string); !ok || len(hash) != 16 {
		t.Errorf("args_hash = %v, want 16-char hash", entry["args_hash"])
	}
}

func TestIncludeArgsTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(Config{
		Enabled:      true,
		Level:        LevelInfo,
		Output:       "file:" + path,
		IncludeArgs:  true,
		MaxFieldSize: 10,
	})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.RecordToolCall(context.Background(), "s", "fs", "fs__write_file", "r", "high",
		json.RawMessage(`{"content":"aaaaaaaaaaaaaaaaaaaaaaaa"}`))
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	args, _ := entry["args"].(string)
	if !strings.HasSuffix(args, "...(truncated)") {
		t.Errorf("args = %q, want truncation marker", args)
	}
	if len(args) != 10+len("...(truncated)") {
		t.Errorf("args length = %d, want %d", len(args), 10+len("...(truncated)"))
	}
}

func TestShouldLog(t *testing.T) {
	tests := []struct {
		configLevel Level
		eventLevel  Level
		want        bool
	}{
		{LevelDebug, LevelDebug, true},
		{LevelDebug, LevelError, true},
		{LevelInfo, LevelDebug, false},
		{LevelInfo, LevelInfo, true},
		{LevelWarn, LevelInfo, false},
		{LevelWarn, LevelError, true},
		{LevelError, LevelWarn, false},
		{LevelError, LevelError, true},
	}

	for _, tt := range tests {
		l := &Logger{config: Config{Level: tt.configLevel}}
		if got := l.shouldLog(tt.eventLevel); got != tt.want {
			t.Errorf("shouldLog(%s) with config %s = %v, want %v", tt.eventLevel, tt.configLevel, got, tt.want)
		}
	}
}

func TestRecordDropsWhenBufferFull(t *testing.T) {
	// Built by hand without a write loop so the buffer cannot drain
	// between records.
	l := &Logger{
		config: Config{Enabled: true, Level: LevelInfo},
		buffer: make(chan *Event, 1),
		done:   make(chan struct{}),
	}

	for i := 0; i < 3; i++ {
		l.Record(context.Background(), &Event{Type: EventToolCall, Level: LevelInfo, Action: "invoked"})
	}

	if got := l.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
	if len(l.buffer) != 1 {
		t.Fatalf("buffered events = %d, want 1", len(l.buffer))
	}
}

func TestRecordFiltersBelowConfigLevel(t *testing.T) {
	l := &Logger{
		config: Config{Enabled: true, Level: LevelWarn},
		buffer: make(chan *Event, 4),
		done:   make(chan struct{}),
	}

	l.Record(context.Background(), &Event{Type: EventToolCall, Level: LevelInfo})
	l.Record(context.Background(), &Event{Type: EventToolDenied, Level: LevelWarn})

	if len(l.buffer) != 1 {
		t.Fatalf("buffered events = %d, want 1", len(l.buffer))
	}
}

func TestCloseFlushesBufferedEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(Config{
		Enabled: true,
		Level:   LevelInfo,
		Output:  "file:" + path,
		// Long interval so only Close can flush.
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	const n = 5
	for i := 0; i < n; i++ {
		logger.RecordConfirmation(context.Background(), "s", "db", "db__drop_table", "r", "critical", "approved", "operator")
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != n {
		t.Fatalf("flushed %d lines, want %d", len(lines), n)
	}
}

func TestRecordToolResultLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(Config{Enabled: true, Level: LevelInfo, Output: "file:" + path})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.RecordToolResult(context.Background(), "s", "fs", "fs__read_file", "r1", false, 20*time.Millisecond, "")
	logger.RecordToolResult(context.Background(), "s", "fs", "fs__read_file", "r2", true, 5*time.Millisecond, "permission denied")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var ok, failed map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &ok); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &failed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if ok["level"] != "INFO" {
		t.Errorf("success level = %v, want INFO", ok["level"])
	}
	if failed["level"] != "WARN" {
		t.Errorf("failure level = %v, want WARN", failed["level"])
	}
	if failed["error"] != "permission denied" {
		t.Errorf("error = %v, want permission denied", failed["error"])
	}
	if ok["duration_ms"] != float64(20) {
		t.Errorf("duration_ms = %v, want 20", ok["duration_ms"])
	}
}

func TestHashStringStable(t *testing.T) {
	a := hashString(`{"path":"/etc/passwd"}`)
	b := hashString(`{"path":"/etc/passwd"}`)
	if a != b {
		t.Errorf("hash not stable: %q vs %q", a, b)
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d, want 16", len(a))
	}
	if c := hashString(`{"path":"/etc/shadow"}`); c == a {
		t.Error("different inputs produced identical hashes")
	}
}

package host

import (
	"sync"
	"time"

	"github.com/ch1109/maestro/internal/approval"
	"github.com/ch1109/maestro/internal/risk"
)

// PreparedCall is the outcome of preparing a tool call: either cleared for
// execution or held behind a confirmation.
type PreparedCall struct {
	RequestID         string          `json:"request_id"`
	Tool              string          `json:"tool"`
	ServerKey         string          `json:"server_key"`
	Arguments         map[string]any  `json:"arguments,omitempty"`
	Assessment        risk.Assessment `json:"assessment"`
	NeedsConfirmation bool            `json:"needs_confirmation"`

	// Message tells the operator why the call was held.
	Message string `json:"message,omitempty"`
}

// ToolCallResult is one executed tool call.
type ToolCallResult struct {
	RequestID  string `json:"request_id"`
	Tool       string `json:"tool"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
	DurationMS int64  `json:"duration_ms"`

	// Replayed marks a duplicate execute answered from the session cache.
	Replayed bool `json:"replayed,omitempty"`
}

// CallToolOutcome is the result of a direct (non-chat) tool invocation.
// Result is nil when the call was held for confirmation.
type CallToolOutcome struct {
	Prepared *PreparedCall   `json:"prepared"`
	Result   *ToolCallResult `json:"result,omitempty"`
}

// ConfirmOutcome reports what a confirmation verdict did.
type ConfirmOutcome struct {
	RequestID      string          `json:"request_id"`
	Status         approval.Status `json:"status"`
	AwaitingSecond bool            `json:"awaiting_second,omitempty"`

	// Result is set when an approval executed the call.
	Result *ToolCallResult `json:"result,omitempty"`
}

// ChatOptions override per-run model settings.
type ChatOptions struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// HealthStatus is the aggregate health snapshot.
type HealthStatus struct {
	Status               string `json:"status"`
	Servers              int    `json:"servers"`
	ServersConnected     int    `json:"servers_connected"`
	Sessions             int    `json:"sessions"`
	Tools                int    `json:"tools"`
	PendingConfirmations int    `json:"pending_confirmations"`
	PendingSampling      int    `json:"pending_sampling"`
}

type callState int

const (
	// callPrepared calls are cleared to execute once.
	callPrepared callState = iota

	// callHeld calls wait on a human verdict.
	callHeld

	// callRunning calls are mid-dispatch; a concurrent execute conflicts.
	callRunning

	// callDone calls are finished; result or err replays on re-execute.
	callDone
)

// callRecord tracks one prepared tool call from risk assessment through
// execution. Records live in their session's cache so duplicate executes
// replay instead of re-dispatching.
type callRecord struct {
	id         string
	sessionID  string
	serverKey  string
	localName  string
	publicName string
	assessment risk.Assessment
	createdAt  time.Time

	mu    sync.Mutex
	state callState
	args  map[string]any

	// skipPaths is set by an explicit human approval; execution then trusts
	// the approved arguments instead of re-running path validation.
	skipPaths bool

	result *ToolCallResult
	err    error
}

func (r *callRecord) finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == callDone
}

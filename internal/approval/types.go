// Package approval implements the human-in-the-loop confirmation gate.
// Risky tool calls are parked here as pending requests until an operator
// approves, modifies, or rejects them, or until they expire.
package approval

import (
	"time"

	"github.com/ch1109/maestro/internal/risk"
)

// Status is the lifecycle state of a confirmation request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusModified Status = "modified"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether the status is a final verdict.
func (s Status) Terminal() bool {
	return s != StatusPending && s != ""
}

// Request is a tool call waiting for a human verdict.
type Request struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id,omitempty"`
	ServerKey  string          `json:"server_key"`
	ToolName   string          `json:"tool_name"`
	PublicName string          `json:"public_name"`
	Args       map[string]any  `json:"args,omitempty"`
	Assessment risk.Assessment `json:"assessment"`
	Status     Status          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	DecidedAt  time.Time       `json:"decided_at,omitempty"`
	DecidedBy  string          `json:"decided_by,omitempty"`

	// ModifiedArgs replaces Args when the operator approved with edits.
	ModifiedArgs map[string]any `json:"modified_args,omitempty"`

	// Reason carries the rejection reason.
	Reason string `json:"reason,omitempty"`

	// AwaitingSecond is set after the first approval of a critical request
	// when double confirmation is enabled.
	AwaitingSecond bool `json:"awaiting_second,omitempty"`
}

// EffectiveArgs returns the arguments the tool call should execute with:
// the operator's edits when present, the original arguments otherwise.
func (r *Request) EffectiveArgs() map[string]any {
	if r.ModifiedArgs != nil {
		return r.ModifiedArgs
	}
	return r.Args
}

// Callback is invoked exactly once when a request reaches a terminal
// status. It runs outside the store lock.
type Callback func(req *Request)

// Config configures the confirmation store.
type Config struct {
	// TTL is how long a request stays approvable. Default 300s.
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// DoubleConfirmCritical requires two Approve calls for critical-risk
	// requests.
	DoubleConfirmCritical bool `yaml:"double_confirm_critical" json:"double_confirm_critical"`

	// DisableModification rejects approvals that carry modified arguments.
	DisableModification bool `yaml:"disable_modification" json:"disable_modification"`

	// HistoryLimit bounds the ring of decided requests. Default 1000.
	HistoryLimit int `yaml:"history_limit" json:"history_limit"`

	// SweepInterval is how often overdue pendings are expired. Default 60s.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// View is the operator-facing projection of a request.
type View struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id,omitempty"`
	Server         string         `json:"server"`
	Tool           string         `json:"tool"`
	Risk           risk.Level     `json:"risk"`
	Prompt         string         `json:"prompt"`
	Args           map[string]any `json:"args,omitempty"`
	Status         Status         `json:"status"`
	ExpiresIn      int64          `json:"expires_in_seconds"`
	CanModify      bool           `json:"can_modify"`
	RequiresSecond bool           `json:"requires_second_approval"`
	AwaitingSecond bool           `json:"awaiting_second_approval"`
}

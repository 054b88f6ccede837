package react

import "encoding/json"

// Wire envelope tags. Every event marshals to {"type": <tag>, ...} so SSE
// consumers can switch on a single field.
const (
	TypeState                = "state"
	TypeToolCall             = "tool_call"
	TypeToolResult           = "tool_result"
	TypeConfirmationRequired = "confirmation_required"
	TypeToolRejected         = "tool_rejected"
	TypeFinal                = "final"
	TypeError                = "error"
)

// Tool call phases carried by ToolCallEvent.
const (
	PhasePreparing = "preparing"
	PhaseExecuting = "executing"
)

// StateReasoning is announced when the model is about to be consulted.
const StateReasoning = "reasoning"

// Event is one observable step of a run. The implementations form a closed
// set; code that dispatches on events can switch over the concrete types
// exhaustively.
type Event interface {
	// Type returns the wire envelope tag of the concrete event.
	Type() string

	isEvent()
}

// StateEvent reports a run phase change.
type StateEvent struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

func (StateEvent) Type() string { return TypeState }
func (StateEvent) isEvent()     {}

func (e StateEvent) MarshalJSON() ([]byte, error) {
	type alias StateEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

// ToolCallEvent reports that a tool call is being prepared or executed.
type ToolCallEvent struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	State     string          `json:"state"`
}

func (ToolCallEvent) Type() string { return TypeToolCall }
func (ToolCallEvent) isEvent()     {}

func (e ToolCallEvent) MarshalJSON() ([]byte, error) {
	type alias ToolCallEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

// ToolResultEvent reports a finished tool call.
type ToolResultEvent struct {
	Tool            string `json:"tool,omitempty"`
	Success         bool   `json:"success"`
	Result          string `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

func (ToolResultEvent) Type() string { return TypeToolResult }
func (ToolResultEvent) isEvent()     {}

func (e ToolResultEvent) MarshalJSON() ([]byte, error) {
	type alias ToolResultEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

// ConfirmationEvent reports that the run suspended on a human confirmation.
type ConfirmationEvent struct {
	RequestID string          `json:"request_id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	RiskLevel string          `json:"risk_level"`
	Message   string          `json:"message"`
}

func (ConfirmationEvent) Type() string { return TypeConfirmationRequired }
func (ConfirmationEvent) isEvent()     {}

func (e ConfirmationEvent) MarshalJSON() ([]byte, error) {
	type alias ConfirmationEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

// RejectionEvent reports that a human rejected the parked tool call.
type RejectionEvent struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

func (RejectionEvent) Type() string { return TypeToolRejected }
func (RejectionEvent) isEvent()     {}

func (e RejectionEvent) MarshalJSON() ([]byte, error) {
	type alias RejectionEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

// FinalEvent carries the model's answer and the number of reasoning steps
// the run consumed.
type FinalEvent struct {
	Content string `json:"content"`
	Steps   int    `json:"steps"`
}

func (FinalEvent) Type() string { return TypeFinal }
func (FinalEvent) isEvent()     {}

func (e FinalEvent) MarshalJSON() ([]byte, error) {
	type alias FinalEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

// ErrorEvent terminates a run that could not finish.
type ErrorEvent struct {
	Err string `json:"error"`
}

func (ErrorEvent) Type() string { return TypeError }
func (ErrorEvent) isEvent()     {}

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	type alias ErrorEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

// Package llm provides a provider-neutral completion interface and the
// dialect backends that implement it: OpenAI (and compatible gateways),
// Anthropic, Ollama, Zhipu, and Qwen. The agent loop and the sampling
// handler speak only the neutral types; each backend owns the translation
// to its wire format, its error classification, and any pacing the provider
// enforces.
package llm

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ch1109/maestro/internal/hosterr"
)

// Conversation roles in the neutral dialect.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FinishReason describes why a completion stopped.
type FinishReason string

const (
	FinishEndTurn      FinishReason = "end_turn"
	FinishMaxTokens    FinishReason = "max_tokens"
	FinishStopSequence FinishReason = "stop_sequence"
	FinishToolUse      FinishReason = "tool_use"
	FinishError        FinishReason = "error"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResult carries the outcome of an executed tool call back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is one turn of a conversation. Assistant turns may carry tool
// calls; tool turns carry the matching results.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolSpec describes a callable tool. Parameters is a JSON Schema object.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request is a provider-neutral completion request. Model may be empty, in
// which case the backend falls back to its configured default.
type Request struct {
	Model         string     `json:"model,omitempty"`
	System        string     `json:"system,omitempty"`
	Messages      []Message  `json:"messages"`
	Tools         []ToolSpec `json:"tools,omitempty"`
	MaxTokens     int        `json:"max_tokens,omitempty"`
	Temperature   float64    `json:"temperature,omitempty"`
	StopSequences []string   `json:"stop_sequences,omitempty"`
}

// Usage reports token accounting as the provider measured it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a provider-neutral completion result.
type Response struct {
	Content      string       `json:"content,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
	Model        string       `json:"model,omitempty"`
}

// Backend executes completions against one provider dialect. Implementations
// must be safe for concurrent use.
type Backend interface {
	// Name returns the stable provider identifier used for routing,
	// metrics labels, and log fields.
	Name() string

	// Complete executes a single blocking completion. Transient provider
	// failures (5xx, rate limits, malformed bodies) are classified as
	// upstream errors so the registry can retry them.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// classifyStatus maps a provider HTTP status to an error kind. Rate limits
// and server errors are upstream so the registry retries them once; other
// client errors are not worth retrying.
func classifyStatus(status int) hosterr.Kind {
	if status == http.StatusTooManyRequests || status >= 500 {
		return hosterr.KindUpstream
	}
	return hosterr.KindValidation
}

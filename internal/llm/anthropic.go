package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ch1109/maestro/internal/hosterr"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// AnthropicBackend speaks the Messages API through the official SDK. The
// system prompt rides as a top-level field and tool traffic as tool_use /
// tool_result content blocks.
type AnthropicBackend struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

// NewAnthropicBackend validates the config and builds the client.
func NewAnthropicBackend(cfg AnthropicConfig, logger *slog.Logger) (*AnthropicBackend, error) {
	if cfg.APIKey == "" {
		return nil, hosterr.New(hosterr.KindValidation, "anthropic: api key is required")
	}
	// Retry policy lives in the registry, not in the SDK.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicBackend{
		client: anthropic.NewClient(opts...),
		model:  model,
		logger: logger.With("component", "llm.anthropic"),
	}, nil
}

// Name implements Backend.
func (b *AnthropicBackend) Name() string { return "anthropic" }

// Complete implements Backend.
func (b *AnthropicBackend) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = b.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  anthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	if len(req.Tools) > 0 {
		params.Tools = anthropicTools(req.Tools)
	}

	msg, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}
	if msg == nil {
		return nil, hosterr.New(hosterr.KindUpstream, "anthropic: response message is nil")
	}

	out := &Response{
		Model: string(msg.Model),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := json.RawMessage(block.Input)
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			})
		}
	}
	out.Content = text.String()
	out.FinishReason = mapStopReason(string(msg.StopReason), len(out.ToolCalls) > 0)
	return out, nil
}

// anthropicMessages converts neutral messages to Anthropic content blocks.
// System turns are skipped here; the system prompt is a top-level parameter.
// Tool results become tool_result blocks inside user messages, matching how
// the API expects them back.
func anthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Args, &input); err != nil || input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(blocks) == 0 {
			continue
		}

		if msg.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

// anthropicTools converts neutral tool specs to Anthropic tool parameters.
func anthropicTools(tools []ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				schema = anthropic.ToolInputSchemaParam{}
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool != nil && t.Description != "" {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, param)
	}
	return out
}

// mapStopReason translates Anthropic stop reasons to the neutral set.
func mapStopReason(reason string, hasToolCalls bool) FinishReason {
	switch reason {
	case "tool_use":
		return FinishToolUse
	case "max_tokens":
		return FinishMaxTokens
	case "stop_sequence":
		return FinishStopSequence
	default:
		if hasToolCalls {
			return FinishToolUse
		}
		return FinishEndTurn
	}
}

// classifyAnthropicError wraps an SDK error with the kind the registry keys
// its retry on.
func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return hosterr.Wrap(classifyStatus(apiErr.StatusCode), "anthropic: request failed", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return hosterr.Wrap(hosterr.KindTimeout, "anthropic: request timed out", err)
	}
	return hosterr.Wrap(hosterr.KindUpstream, "anthropic: request failed", err)
}

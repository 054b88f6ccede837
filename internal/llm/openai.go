package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ch1109/maestro/internal/hosterr"
)

// OpenAIConfig configures an OpenAI-dialect backend.
type OpenAIConfig struct {
	// APIKey authenticates against the endpoint. May be empty for gateways
	// that do their own auth, in which case BaseURL is required.
	APIKey string

	// BaseURL overrides the default endpoint. Any OpenAI-compatible gateway
	// works here.
	BaseURL string

	// Model is the default model when a request names none.
	Model string
}

// OpenAIBackend speaks the OpenAI chat completions dialect, either against
// api.openai.com or a compatible gateway.
type OpenAIBackend struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIBackend validates the config and builds the client.
func NewOpenAIBackend(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIBackend, error) {
	if cfg.APIKey == "" && strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, hosterr.New(hosterr.KindValidation, "openai: api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIBackend{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: logger.With("component", "llm.openai"),
	}, nil
}

// Name implements Backend.
func (b *OpenAIBackend) Name() string { return "openai" }

// Complete implements Backend.
func (b *OpenAIBackend) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = b.model
	}
	if model == "" {
		return nil, hosterr.New(hosterr.KindValidation, "openai: model is required")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: chatMessages(req),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		chatReq.Stop = req.StopSequences
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = chatTools(req.Tools)
	}

	resp, err := b.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIError("openai", err)
	}
	return fromChatResponse(&resp, model)
}

// chatMessages converts neutral messages to the OpenAI wire shape. The
// system prompt becomes the leading message and each tool result becomes its
// own role:tool message linked by tool_call_id.
func chatMessages(req *Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		role := msg.Role
		if role == "" {
			role = RoleUser
		}
		switch role {
		case RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			out = append(out, m)
		case RoleTool:
			if len(msg.ToolResults) == 0 {
				out = append(out, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
				continue
			}
			for _, tr := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		default:
			out = append(out, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
		}
	}
	return out
}

// chatTools converts neutral tool specs to OpenAI function declarations. A
// tool with an unreadable schema gets an empty object schema so one bad
// definition cannot sink the whole request.
func chatTools(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var params map[string]any
		if len(t.Parameters) == 0 || json.Unmarshal(t.Parameters, &params) != nil || params == nil {
			params = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

// fromChatResponse maps an OpenAI-shaped completion back to the neutral
// types.
func fromChatResponse(resp *openai.ChatCompletionResponse, fallbackModel string) (*Response, error) {
	if len(resp.Choices) == 0 {
		return nil, hosterr.New(hosterr.KindUpstream, "completion returned no choices")
	}
	choice := resp.Choices[0]
	out := &Response{
		Content: choice.Message.Content,
		Model:   resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if out.Model == "" {
		out.Model = fallbackModel
	}
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	out.FinishReason = mapChatFinish(string(choice.FinishReason), len(out.ToolCalls) > 0)
	return out, nil
}

// mapChatFinish translates OpenAI finish reasons to the neutral set. Models
// occasionally report "stop" on a turn that carries tool calls, so the call
// presence wins.
func mapChatFinish(reason string, hasToolCalls bool) FinishReason {
	if hasToolCalls {
		return FinishToolUse
	}
	switch reason {
	case "tool_calls", "function_call":
		return FinishToolUse
	case "length":
		return FinishMaxTokens
	case "content_filter":
		return FinishError
	default:
		return FinishEndTurn
	}
}

// classifyOpenAIError wraps a sashabaranov client error with the kind the
// registry keys its retry on.
func classifyOpenAIError(provider string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return hosterr.Wrap(classifyStatus(apiErr.HTTPStatusCode), fmt.Sprintf("%s: request failed", provider), err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return hosterr.Wrap(classifyStatus(reqErr.HTTPStatusCode), fmt.Sprintf("%s: request failed", provider), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return hosterr.Wrap(hosterr.KindTimeout, provider+": request timed out", err)
	}
	return hosterr.Wrap(hosterr.KindUpstream, provider+": request failed", err)
}

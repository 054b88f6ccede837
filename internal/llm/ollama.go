package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ch1109/maestro/internal/hosterr"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaConfig configures the local Ollama backend.
type OllamaConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OllamaBackend talks to an Ollama daemon over its native chat API with
// streaming disabled. Tool definitions go out in the OpenAI function shape,
// which is what Ollama accepts natively.
type OllamaBackend struct {
	client  *http.Client
	baseURL string
	model   string
	logger  *slog.Logger
}

// NewOllamaBackend builds the backend. An empty base URL targets the local
// daemon.
func NewOllamaBackend(cfg OllamaConfig, logger *slog.Logger) *OllamaBackend {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaBackend{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		model:   cfg.Model,
		logger:  logger.With("component", "llm.ollama"),
	}
}

// Name implements Backend.
func (b *OllamaBackend) Name() string { return "ollama" }

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []openai.Tool   `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ollamaChatResponse struct {
	Model           string         `json:"model"`
	Message         *ollamaMessage `json:"message"`
	Done            bool           `json:"done"`
	DoneReason      string         `json:"done_reason"`
	Error           string         `json:"error"`
	EvalCount       int            `json:"eval_count"`
	PromptEvalCount int            `json:"prompt_eval_count"`
}

// Complete implements Backend.
func (b *OllamaBackend) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = b.model
	}
	if model == "" {
		return nil, hosterr.New(hosterr.KindValidation, "ollama: model is required")
	}

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   false,
		Messages: ollamaMessages(req),
	}
	if len(req.Tools) > 0 {
		payload.Tools = chatTools(req.Tools)
	}
	options := map[string]any{}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if len(req.StopSequences) > 0 {
		options["stop"] = req.StopSequences
	}
	if len(options) > 0 {
		payload.Options = options
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.KindValidation, "ollama: marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, hosterr.Wrap(hosterr.KindValidation, "ollama: build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.KindUpstream, "ollama: request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, hosterr.Newf(classifyStatus(resp.StatusCode), "ollama: status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	var chat ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, hosterr.Wrap(hosterr.KindUpstream, "ollama: decode response", err)
	}
	if chat.Error != "" {
		return nil, hosterr.Newf(hosterr.KindUpstream, "ollama: %s", chat.Error)
	}

	out := &Response{
		Model: model,
		Usage: Usage{
			InputTokens:  chat.PromptEvalCount,
			OutputTokens: chat.EvalCount,
		},
	}
	if chat.Model != "" {
		out.Model = chat.Model
	}
	if chat.Message != nil {
		out.Content = chat.Message.Content
		for i, tc := range chat.Message.ToolCalls {
			// Ollama omits call ids, so synthesize stable ones per position.
			id := strings.TrimSpace(tc.ID)
			if id == "" {
				id = fmt.Sprintf("call_%d_%s", i, strings.TrimSpace(tc.Function.Name))
			}
			args := tc.Function.Arguments
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   id,
				Name: strings.TrimSpace(tc.Function.Name),
				Args: args,
			})
		}
	}
	out.FinishReason = mapDoneReason(chat.DoneReason, len(out.ToolCalls) > 0)
	return out, nil
}

// ollamaMessages converts neutral messages to the native chat shape. Tool
// result messages need the tool name rather than a call id, so it is
// resolved from the calls seen earlier in the conversation.
func ollamaMessages(req *Request) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(req.Messages)+1)
	toolNames := map[string]string{}
	for _, msg := range req.Messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}

	if system := strings.TrimSpace(req.System); system != "" {
		out = append(out, ollamaMessage{Role: "system", Content: system})
	}
	for _, msg := range req.Messages {
		role := msg.Role
		if role == "" {
			role = RoleUser
		}
		switch role {
		case RoleAssistant:
			m := ollamaMessage{Role: role, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := tc.Args
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				m.ToolCalls = append(m.ToolCalls, ollamaToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: ollamaToolFunction{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, m)
		case RoleTool:
			if len(msg.ToolResults) == 0 {
				out = append(out, ollamaMessage{Role: role, Content: msg.Content})
				continue
			}
			for _, tr := range msg.ToolResults {
				out = append(out, ollamaMessage{
					Role:     "tool",
					Content:  tr.Content,
					ToolName: toolNames[tr.ToolCallID],
				})
			}
		default:
			out = append(out, ollamaMessage{Role: role, Content: msg.Content})
		}
	}
	return out
}

// mapDoneReason translates Ollama done reasons to the neutral set.
func mapDoneReason(reason string, hasToolCalls bool) FinishReason {
	if hasToolCalls {
		return FinishToolUse
	}
	switch reason {
	case "length":
		return FinishMaxTokens
	default:
		return FinishEndTurn
	}
}

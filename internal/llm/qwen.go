package llm

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ch1109/maestro/internal/hosterr"
)

const defaultQwenBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

// QwenConfig configures the Qwen backend.
type QwenConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// QwenBackend drives Qwen through its OpenAI-compatible endpoint. Some
// DashScope deployments route by header rather than the body model field, so
// every request carries X-DashScope-Model. Self-hosted endpoints (anything
// off dashscope/aliyun) generally lack function calling, so tool definitions
// are dropped for those.
type QwenBackend struct {
	client        *openai.Client
	model         string
	supportsTools bool
	logger        *slog.Logger
}

// modelHeaderTransport stamps the DashScope model header on every request.
type modelHeaderTransport struct {
	base  http.RoundTripper
	model string
}

func (t *modelHeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("X-DashScope-Model", t.model)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

// NewQwenBackend validates the config and builds the client.
func NewQwenBackend(cfg QwenConfig, logger *slog.Logger) (*QwenBackend, error) {
	if cfg.Model == "" {
		return nil, hosterr.New(hosterr.KindValidation, "qwen: model is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultQwenBaseURL
	}
	if cfg.APIKey == "" && base == defaultQwenBaseURL {
		return nil, hosterr.New(hosterr.KindValidation, "qwen: api key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = base
	clientCfg.HTTPClient = &http.Client{
		Transport: &modelHeaderTransport{model: cfg.Model},
	}

	if logger == nil {
		logger = slog.Default()
	}
	hosted := strings.Contains(base, "dashscope") || strings.Contains(base, "aliyun")
	return &QwenBackend{
		client:        openai.NewClientWithConfig(clientCfg),
		model:         cfg.Model,
		supportsTools: hosted,
		logger:        logger.With("component", "llm.qwen"),
	}, nil
}

// Name implements Backend.
func (b *QwenBackend) Name() string { return "qwen" }

// Complete implements Backend.
func (b *QwenBackend) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = b.model
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
		if b.supportsTools {
			chatReq.Tools = chatTools(req.Tools)
		} else {
			b.logger.Debug("endpoint does not support function calling, dropping tool definitions",
				"model", model,
				"tools", len(req.Tools))
		}
	}

	resp, err := b.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIError("qwen", err)
	}
	return fromChatResponse(&resp, model)
}

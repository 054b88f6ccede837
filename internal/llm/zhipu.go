package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ch1109/maestro/internal/hosterr"
)

const defaultZhipuBaseURL = "https://open.bigmodel.cn/api/paas/v4"

// Zhipu's open platform enforces strict account-level pacing: one request in
// flight, at least six seconds between sends, and a low per-minute ceiling.
// The gate is process-wide so multiple backend instances sharing a key
// cannot overrun it.
const (
	zhipuMinSpacing    = 6 * time.Second
	zhipuWindow        = time.Minute
	zhipuWindowCalls   = 8
	zhipuMax429Retries = 3
)

// zhipuBackoff paces 429 retries when the server sends no Retry-After.
var zhipuBackoff = [...]time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// zhipuGate serializes request admission. now and sleep are swappable so
// tests can drive the clock.
type zhipuGate struct {
	sem   chan struct{}
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	last time.Time
	sent []time.Time
}

func newZhipuGate() *zhipuGate {
	return &zhipuGate{
		sem: make(chan struct{}, 1),
		now: time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			if d <= 0 {
				return nil
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// sharedZhipuGate paces every ZhipuBackend in the process.
var sharedZhipuGate = newZhipuGate()

// acquire blocks until this caller may send: semaphore first, then the
// spacing floor and the sliding window. Release must follow once the request
// settles.
func (g *zhipuGate) acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := g.sleep(ctx, g.admissionDelay()); err != nil {
		<-g.sem
		return err
	}
	return nil
}

func (g *zhipuGate) release() { <-g.sem }

// admissionDelay computes how long the holder of the semaphore must wait
// before sending. The window is evaluated at the projected send time so the
// spacing wait and the window wait compose.
func (g *zhipuGate) admissionDelay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	var wait time.Duration
	if !g.last.IsZero() {
		if since := now.Sub(g.last); since < zhipuMinSpacing {
			wait = zhipuMinSpacing - since
		}
	}

	sendAt := now.Add(wait)
	live := g.sent[:0]
	for _, ts := range g.sent {
		if sendAt.Sub(ts) < zhipuWindow {
			live = append(live, ts)
		}
	}
	g.sent = live
	if len(g.sent) >= zhipuWindowCalls {
		oldest := g.sent[len(g.sent)-zhipuWindowCalls]
		if until := oldest.Add(zhipuWindow).Sub(sendAt); until > 0 {
			wait += until
		}
	}
	return wait
}

// markSent records one HTTP attempt for pacing purposes.
func (g *zhipuGate) markSent() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.last = now
	g.sent = append(g.sent, now)
}

// rateLimitError marks a 429 along with the server's requested pause, when
// it sent one.
type rateLimitError struct {
	retryAfter time.Duration
	msg        string
}

func (e *rateLimitError) Error() string { return e.msg }

// ZhipuConfig configures the Zhipu backend.
type ZhipuConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// ZhipuBackend speaks Zhipu's OpenAI-shaped chat API with the pacing its
// open platform enforces per account.
type ZhipuBackend struct {
	client  *http.Client
	gate    *zhipuGate
	baseURL string
	apiKey  string
	model   string
	logger  *slog.Logger
}

// NewZhipuBackend validates the config and builds the backend. All instances
// share one pacing gate.
func NewZhipuBackend(cfg ZhipuConfig, logger *slog.Logger) (*ZhipuBackend, error) {
	if cfg.APIKey == "" {
		return nil, hosterr.New(hosterr.KindValidation, "zhipu: api key is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultZhipuBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	model := cfg.Model
	if model == "" {
		model = "glm-4"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ZhipuBackend{
		client:  &http.Client{Timeout: timeout},
		gate:    sharedZhipuGate,
		baseURL: base,
		apiKey:  cfg.APIKey,
		model:   model,
		logger:  logger.With("component", "llm.zhipu"),
	}, nil
}

// Name implements Backend.
func (b *ZhipuBackend) Name() string { return "zhipu" }

type zhipuChatRequest struct {
	Model       string         `json:"model"`
	Messages    []zhipuMessage `json:"messages"`
	Tools       []openai.Tool  `json:"tools,omitempty"`
	Stream      bool           `json:"stream"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
	Stop        []string       `json:"stop,omitempty"`
}

type zhipuMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCalls  []zhipuToolCall `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type zhipuToolCall struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Function zhipuFunction `json:"function"`
}

type zhipuFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type zhipuChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      zhipuMessage `json:"message"`
		FinishReason string       `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements Backend. The gate is held for the whole attempt loop
// so 429 backoff never overlaps another in-flight request.
func (b *ZhipuBackend) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = b.model
	}

	payload := zhipuChatRequest{
		Model:    model,
		Messages: zhipuMessages(req),
		Stream:   false,
	}
	if req.MaxTokens > 0 {
		payload.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload.Temperature = req.Temperature
	}
	if len(req.StopSequences) > 0 {
		payload.Stop = req.StopSequences
	}
	if len(req.Tools) > 0 {
		payload.Tools = chatTools(req.Tools)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.KindValidation, "zhipu: marshal request", err)
	}

	if err := b.gate.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.gate.release()

	for attempt := 0; ; attempt++ {
		b.gate.markSent()
		resp, err := b.send(ctx, model, body)
		if err == nil {
			return resp, nil
		}

		var rl *rateLimitError
		if !errors.As(err, &rl) {
			return nil, err
		}
		if attempt >= zhipuMax429Retries {
			return nil, hosterr.Wrap(hosterr.KindUpstream, "zhipu: rate limited", err)
		}
		delay := rl.retryAfter
		if delay <= 0 {
			delay = zhipuBackoff[attempt]
		}
		b.logger.Warn("rate limited, backing off",
			"model", model,
			"attempt", attempt+1,
			"delay", delay)
		if serr := b.gate.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
}

// send performs one HTTP attempt. A 429 comes back as *rateLimitError so the
// caller can decide whether to retry.
func (b *ZhipuBackend) send(ctx context.Context, model string, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, hosterr.Wrap(hosterr.KindValidation, "zhipu: build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.KindUpstream, "zhipu: request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<10))
		return nil, &rateLimitError{
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			msg:        fmt.Sprintf("zhipu: status %d", resp.StatusCode),
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, hosterr.Newf(classifyStatus(resp.StatusCode), "zhipu: status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	var chat zhipuChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, hosterr.Wrap(hosterr.KindUpstream, "zhipu: decode response", err)
	}
	if chat.Error != nil {
		return nil, hosterr.Newf(hosterr.KindUpstream, "zhipu: %s: %s", chat.Error.Code, chat.Error.Message)
	}
	if len(chat.Choices) == 0 {
		return nil, hosterr.New(hosterr.KindUpstream, "zhipu: completion returned no choices")
	}

	choice := chat.Choices[0]
	out := &Response{
		Content: choice.Message.Content,
		Model:   model,
		Usage: Usage{
			InputTokens:  chat.Usage.PromptTokens,
			OutputTokens: chat.Usage.CompletionTokens,
		},
	}
	if chat.Model != "" {
		out.Model = chat.Model
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
	out.FinishReason = mapChatFinish(choice.FinishReason, len(out.ToolCalls) > 0)
	return out, nil
}

// zhipuMessages converts neutral messages to the OpenAI-shaped wire format.
func zhipuMessages(req *Request) []zhipuMessage {
	out := make([]zhipuMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, zhipuMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		role := msg.Role
		if role == "" {
			role = RoleUser
		}
		switch role {
		case RoleAssistant:
			m := zhipuMessage{Role: role, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Args)
				if args == "" {
					args = "{}"
				}
				m.ToolCalls = append(m.ToolCalls, zhipuToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: zhipuFunction{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, m)
		case RoleTool:
			if len(msg.ToolResults) == 0 {
				out = append(out, zhipuMessage{Role: role, Content: msg.Content})
				continue
			}
			for _, tr := range msg.ToolResults {
				out = append(out, zhipuMessage{
					Role:       "tool",
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		default:
			out = append(out, zhipuMessage{Role: role, Content: msg.Content})
		}
	}
	return out
}

// parseRetryAfter reads a Retry-After value given in seconds. Zero means
// absent or unparseable.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if d, err := time.ParseDuration(value + "s"); err == nil && d > 0 {
		return d
	}
	return 0
}

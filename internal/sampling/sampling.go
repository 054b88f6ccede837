// Package sampling implements the host side of server-initiated LLM
// completions (sampling/createMessage). Every inbound request passes a fixed
// security pipeline: parameter validation, server permission, sliding-window
// rate limits, a token clamp, an optional content filter, and a human
// approval gate before anything reaches an LLM backend.
//
// Approval is asynchronous: the originating server receives error -32001
// immediately, and a later operator approval executes the completion and
// records the result on the parked request. There is no delivery path back
// to the server.
package sampling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ch1109/maestro/internal/audit"
	"github.com/ch1109/maestro/internal/hosterr"
	"github.com/ch1109/maestro/internal/llm"
	"github.com/ch1109/maestro/internal/mcp"
	"github.com/ch1109/maestro/internal/observability"
)

// SecurityConfig governs what inbound sampling requests are allowed to do.
type SecurityConfig struct {
	// MaxTokensLimit caps max_tokens on any request.
	MaxTokensLimit int `yaml:"max_tokens_limit" json:"max_tokens_limit"`

	// DefaultMaxTokens applies when a request omits max_tokens.
	DefaultMaxTokens int `yaml:"default_max_tokens" json:"default_max_tokens"`

	// RateLimitPerMinute caps total requests across all servers per minute.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`

	// RateLimitPerServer caps requests from a single server per minute.
	RateLimitPerServer int `yaml:"rate_limit_per_server" json:"rate_limit_per_server"`

	// EnableContentFilter turns on the blocked-keyword scan.
	EnableContentFilter bool `yaml:"enable_content_filter" json:"enable_content_filter"`

	// BlockedKeywords are matched case-insensitively against message text.
	BlockedKeywords []string `yaml:"blocked_keywords" json:"blocked_keywords"`

	// RequireApproval parks requests for human review before execution.
	RequireApproval bool `yaml:"require_approval" json:"require_approval"`

	// AutoApproveThreshold lets small requests (clamped max_tokens at or
	// under the threshold) bypass approval. Zero auto-approves nothing.
	AutoApproveThreshold int `yaml:"auto_approve_threshold" json:"auto_approve_threshold"`

	// ApprovalTimeout bounds how long a parked request waits for a verdict.
	ApprovalTimeout time.Duration `yaml:"approval_timeout" json:"approval_timeout"`

	// AllowedServers, when non-empty, is an exclusive allow-list.
	AllowedServers []string `yaml:"allowed_servers" json:"allowed_servers"`

	// BlockedServers are always denied. Takes precedence over AllowedServers.
	BlockedServers []string `yaml:"blocked_servers" json:"blocked_servers"`
}

// DefaultSecurityConfig returns the policy applied when configuration is
// silent. Approval is required by default.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		MaxTokensLimit:     4096,
		DefaultMaxTokens:   1024,
		RateLimitPerMinute: 60,
		RateLimitPerServer: 10,
		RequireApproval:    true,
		ApprovalTimeout:    300 * time.Second,
	}
}

// withDefaults fills zero-valued limits.
func (c SecurityConfig) withDefaults() SecurityConfig {
	d := DefaultSecurityConfig()
	if c.MaxTokensLimit <= 0 {
		c.MaxTokensLimit = d.MaxTokensLimit
	}
	if c.DefaultMaxTokens <= 0 {
		c.DefaultMaxTokens = d.DefaultMaxTokens
	}
	if c.DefaultMaxTokens > c.MaxTokensLimit {
		c.DefaultMaxTokens = c.MaxTokensLimit
	}
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = d.RateLimitPerMinute
	}
	if c.RateLimitPerServer <= 0 {
		c.RateLimitPerServer = d.RateLimitPerServer
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = d.ApprovalTimeout
	}
	return c
}

// Status describes where a parked sampling request is in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved" // verdict given, completion in flight
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
)

// PendingSampling is a sampling request parked for human review. Once
// decided, the record keeps the outcome for operator inspection.
type PendingSampling struct {
	ID        string               `json:"id"`
	ServerKey string               `json:"server_key"`
	Request   *mcp.SamplingRequest `json:"request"`
	CreatedAt time.Time            `json:"created_at"`
	ExpiresAt time.Time            `json:"expires_at"`

	Status    Status                `json:"status"`
	DecidedBy string                `json:"decided_by,omitempty"`
	Reason    string                `json:"reason,omitempty"`
	Result    *mcp.SamplingResponse `json:"result,omitempty"`
	Error     string                `json:"error,omitempty"`
}

func (p *PendingSampling) clone() *PendingSampling {
	cp := *p
	return &cp
}

// decidedLimit bounds how many settled requests are kept for inspection.
const decidedLimit = 200

// Service runs the sampling security pipeline and owns the pending-approval
// queue. A background sweeper expires overdue requests.
type Service struct {
	registry *llm.Registry
	logger   *slog.Logger
	audit    *audit.Logger
	metrics  *observability.Metrics

	mu      sync.RWMutex
	cfg     SecurityConfig
	pending map[string]*PendingSampling
	decided []*PendingSampling

	global    *window
	perServer *keyedWindows

	now func() time.Time

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewService creates the sampling service and starts its expiry sweeper.
// auditLog and metrics may be nil.
func NewService(cfg SecurityConfig, registry *llm.Registry, logger *slog.Logger, auditLog *audit.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		registry:  registry,
		logger:    logger.With("component", "sampling"),
		audit:     auditLog,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
		pending:   make(map[string]*PendingSampling),
		global:    newWindow(time.Minute),
		perServer: newKeyedWindows(time.Minute),
		now:       time.Now,
		done:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.sweepLoop()

	return s
}

// Close stops the sweeper. Parked requests are left untouched.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// Config returns a copy of the live policy.
func (s *Service) Config() SecurityConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// UpdateConfig replaces the live policy. Zero-valued limits fall back to
// defaults; new limits apply to the next request.
func (s *Service) UpdateConfig(cfg SecurityConfig) {
	norm := cfg.withDefaults()
	s.mu.Lock()
	s.cfg = norm
	s.mu.Unlock()

	s.logger.Info("sampling policy updated",
		"require_approval", norm.RequireApproval,
		"rate_limit_per_minute", norm.RateLimitPerMinute,
		"rate_limit_per_server", norm.RateLimitPerServer,
		"content_filter", norm.EnableContentFilter)
}

// Handle runs one inbound sampling/createMessage request through the
// pipeline. The returned JSONRPCError is sent verbatim to the server.
func (s *Service) Handle(ctx context.Context, serverKey string, params json.RawMessage) (*mcp.SamplingResponse, *mcp.JSONRPCError) {
	requestID := uuid.NewString()
	cfg := s.Config()

	// 1. Parse and validate.
	req, jerr := parseRequest(params)
	if jerr != nil {
		s.logger.Warn("malformed sampling request",
			"server", serverKey, "error", jerr.Message)
		return nil, jerr
	}

	// 2. Server permission.
	if reason := serverDenied(cfg, serverKey); reason != "" {
		s.decision(ctx, serverKey, requestID, "blocked", reason, 0)
		return nil, rpcError(mcp.ErrCodeInvalidParams, reason)
	}

	// 3. Rate limits, global before per-server.
	if !s.global.allow(cfg.RateLimitPerMinute) || !s.perServer.allow(serverKey, cfg.RateLimitPerServer) {
		s.decision(ctx, serverKey, requestID, "rate_limited", "", 0)
		return nil, rpcError(mcp.ErrCodeInternalError, "rate limit exceeded")
	}

	// 4. Token clamp.
	req.MaxTokens = clampTokens(req.MaxTokens, cfg)

	// 5. Content filter.
	if cfg.EnableContentFilter {
		if keyword := matchBlockedKeyword(req, cfg.BlockedKeywords); keyword != "" {
			s.decision(ctx, serverKey, requestID, "filtered", "matched keyword "+keyword, 0)
			return nil, rpcError(mcp.ErrCodeInvalidParams, "request blocked by content filter: "+keyword)
		}
	}

	// 6. Approval gate.
	if cfg.RequireApproval && req.MaxTokens > cfg.AutoApproveThreshold {
		s.park(ctx, serverKey, requestID, req, cfg.ApprovalTimeout)
		return nil, rpcError(mcp.ErrCodeApprovalPending, "sampling request requires human review")
	}

	// 7. Execute.
	s.decision(ctx, serverKey, requestID, "allowed", "", 0)
	start := s.now()
	resp, err := s.execute(ctx, req)
	if err != nil {
		s.decision(ctx, serverKey, requestID, "failed", err.Error(), s.now().Sub(start))
		return nil, rpcError(mcp.ErrCodeInternalError, "sampling completion failed: "+err.Error())
	}
	s.decision(ctx, serverKey, requestID, "completed", "", s.now().Sub(start))
	return resp, nil
}

// Approve executes a parked request. maxTokensOverride, when positive,
// replaces the stored token budget (clamped to the policy limit). The
// returned record carries the completion or the failure.
func (s *Service) Approve(ctx context.Context, id, by string, maxTokensOverride int) (*PendingSampling, error) {
	s.mu.Lock()
	p, err := s.takePendingLocked(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	cfg := s.cfg

	if s.now().After(p.ExpiresAt) {
		s.settleLocked(p, StatusExpired, "", "")
		s.mu.Unlock()
		s.decision(ctx, p.ServerKey, p.ID, "expired", "", 0)
		return nil, hosterr.Newf(hosterr.KindConflict, "sampling request %s expired", id)
	}
	// Move the record to the settled list right away so it stays visible
	// while the completion runs.
	s.settleLocked(p, StatusApproved, by, "")
	s.mu.Unlock()

	req := *p.Request
	if maxTokensOverride > 0 {
		req.MaxTokens = clampTokens(maxTokensOverride, cfg)
	}

	s.logger.Info("sampling request approved",
		"request_id", p.ID,
		"server", p.ServerKey,
		"decided_by", by,
		"max_tokens", req.MaxTokens)

	start := s.now()
	resp, execErr := s.execute(ctx, &req)
	elapsed := s.now().Sub(start)

	s.mu.Lock()
	if execErr != nil {
		p.Status = StatusFailed
		p.Error = execErr.Error()
	} else {
		p.Status = StatusCompleted
		p.Result = resp
	}
	out := p.clone()
	s.mu.Unlock()

	if execErr != nil {
		s.decision(ctx, p.ServerKey, p.ID, "failed", execErr.Error(), elapsed)
		return out, hosterr.Wrap(hosterr.KindUpstream, "approved sampling request failed", execErr)
	}
	s.decision(ctx, p.ServerKey, p.ID, "completed", "approved by "+by, elapsed)
	return out, nil
}

// Reject settles a parked request without executing it.
func (s *Service) Reject(ctx context.Context, id, by, reason string) (*PendingSampling, error) {
	s.mu.Lock()
	p, err := s.takePendingLocked(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.settleLocked(p, StatusRejected, by, reason)
	out := p.clone()
	s.mu.Unlock()

	s.logger.Info("sampling request rejected",
		"request_id", id, "server", p.ServerKey, "decided_by", by, "reason", reason)
	s.decision(ctx, p.ServerKey, id, "rejected", reason, 0)
	return out, nil
}

// ListPending returns parked requests, oldest first.
func (s *Service) ListPending() []*PendingSampling {
	s.mu.RLock()
	out := make([]*PendingSampling, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns a request by id, parked or settled.
func (s *Service) Get(id string) (*PendingSampling, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.pending[id]; ok {
		return p.clone(), nil
	}
	for _, p := range s.decided {
		if p.ID == id {
			return p.clone(), nil
		}
	}
	return nil, hosterr.Newf(hosterr.KindNotFound, "sampling request %s not found", id)
}

// park enqueues a request for human review.
func (s *Service) park(ctx context.Context, serverKey, requestID string, req *mcp.SamplingRequest, ttl time.Duration) {
	now := s.now()
	p := &PendingSampling{
		ID:        requestID,
		ServerKey: serverKey,
		Request:   req,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Status:    StatusPending,
	}

	s.mu.Lock()
	s.pending[requestID] = p
	s.mu.Unlock()

	s.logger.Info("sampling request parked for review",
		"request_id", requestID,
		"server", serverKey,
		"max_tokens", req.MaxTokens,
		"expires_at", p.ExpiresAt)
	s.decision(ctx, serverKey, requestID, "pending_approval", "", 0)
}

// takePendingLocked removes and returns a parked request. Settled ids
// produce a conflict so double decisions are visible. Callers hold s.mu.
func (s *Service) takePendingLocked(id string) (*PendingSampling, error) {
	if p, ok := s.pending[id]; ok {
		delete(s.pending, id)
		return p, nil
	}
	for _, p := range s.decided {
		if p.ID == id {
			return nil, hosterr.Newf(hosterr.KindConflict, "sampling request %s already %s", id, p.Status)
		}
	}
	return nil, hosterr.Newf(hosterr.KindNotFound, "sampling request %s not found", id)
}

// settleLocked applies a terminal status and retains the record. Callers
// hold s.mu.
func (s *Service) settleLocked(p *PendingSampling, status Status, by, reason string) {
	p.Status = status
	p.DecidedBy = by
	if reason != "" {
		p.Reason = reason
	}

	s.decided = append(s.decided, p)
	if len(s.decided) > decidedLimit {
		s.decided = s.decided[len(s.decided)-decidedLimit:]
	}
}

// execute resolves the backend and runs the completion. A model hint naming
// a configured backend routes there; any other hint is ignored and the
// default backend decides the model.
func (s *Service) execute(ctx context.Context, req *mcp.SamplingRequest) (*mcp.SamplingResponse, error) {
	if s.registry == nil {
		return nil, hosterr.New(hosterr.KindFatal, "no llm registry configured")
	}

	provider := ""
	if hint := firstHint(req); hint != "" {
		if _, err := s.registry.Backend(hint); err == nil {
			provider = hint
		}
	}

	llmReq := &llm.Request{
		System:        req.SystemPrompt,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		StopSequences: req.StopSequences,
		Messages:      make([]llm.Message, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		llmReq.Messages = append(llmReq.Messages, llm.Message{
			Role:    m.Role,
			Content: m.Content.Text,
		})
	}

	resp, err := s.registry.Complete(ctx, provider, llmReq)
	if err != nil {
		return nil, err
	}

	return &mcp.SamplingResponse{
		Role:       llm.RoleAssistant,
		Content:    mcp.MessageContent{Type: "text", Text: resp.Content},
		Model:      resp.Model,
		StopReason: stopReason(resp.FinishReason),
	}, nil
}

// decision reports one pipeline outcome to the audit trail and metrics.
func (s *Service) decision(ctx context.Context, serverKey, requestID, action, reason string, duration time.Duration) {
	if s.audit != nil {
		s.audit.RecordSampling(ctx, serverKey, requestID, action, reason, duration)
	}
	if s.metrics != nil {
		decision := action
		if action == "pending_approval" {
			decision = "pending"
		}
		s.metrics.RecordSampling(serverKey, decision)
	}
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.expireOverdue(context.Background())
		case <-s.done:
			return
		}
	}
}

// expireOverdue settles every parked request past its deadline.
func (s *Service) expireOverdue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var expired []*PendingSampling
	for id, p := range s.pending {
		if now.After(p.ExpiresAt) {
			delete(s.pending, id)
			s.settleLocked(p, StatusExpired, "", "")
			expired = append(expired, p)
		}
	}
	s.mu.Unlock()

	for _, p := range expired {
		s.logger.Warn("sampling request expired",
			"request_id", p.ID,
			"server", p.ServerKey,
			"created_at", p.CreatedAt)
		s.decision(ctx, p.ServerKey, p.ID, "expired", "", 0)
	}
}

// parseRequest validates the wire parameters of sampling/createMessage.
func parseRequest(params json.RawMessage) (*mcp.SamplingRequest, *mcp.JSONRPCError) {
	var req mcp.SamplingRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, rpcError(mcp.ErrCodeInvalidParams, "invalid params: "+err.Error())
	}
	if len(req.Messages) == 0 {
		return nil, rpcError(mcp.ErrCodeInvalidParams, "messages must not be empty")
	}
	for i, m := range req.Messages {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			return nil, rpcError(mcp.ErrCodeInvalidParams, fmt.Sprintf("unsupported role %q in message %d", m.Role, i))
		}
		if m.Content.Type != "text" || m.Content.Text == "" {
			return nil, rpcError(mcp.ErrCodeInvalidParams, fmt.Sprintf("message %d must carry non-empty text content", i))
		}
	}
	return &req, nil
}

// serverDenied returns a denial reason, or "" when the server may sample.
func serverDenied(cfg SecurityConfig, serverKey string) string {
	for _, blocked := range cfg.BlockedServers {
		if blocked == serverKey {
			return "server " + serverKey + " is blocked from sampling"
		}
	}
	if len(cfg.AllowedServers) == 0 {
		return ""
	}
	for _, allowed := range cfg.AllowedServers {
		if allowed == serverKey {
			return ""
		}
	}
	return "server " + serverKey + " is not on the sampling allow-list"
}

// clampTokens resolves the effective token budget.
func clampTokens(requested int, cfg SecurityConfig) int {
	if requested <= 0 {
		return cfg.DefaultMaxTokens
	}
	if requested > cfg.MaxTokensLimit {
		return cfg.MaxTokensLimit
	}
	return requested
}

// matchBlockedKeyword returns the first blocked keyword found in any
// message text, matched case-insensitively.
func matchBlockedKeyword(req *mcp.SamplingRequest, keywords []string) string {
	if len(keywords) == 0 {
		return ""
	}
	for _, m := range req.Messages {
		text := strings.ToLower(m.Content.Text)
		for _, kw := range keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(text, strings.ToLower(kw)) {
				return kw
			}
		}
	}
	return ""
}

// firstHint returns the first model preference hint, if any.
func firstHint(req *mcp.SamplingRequest) string {
	if req.ModelPrefs == nil || len(req.ModelPrefs.Hints) == 0 {
		return ""
	}
	return req.ModelPrefs.Hints[0].Name
}

// stopReason maps a neutral finish reason to the MCP wire vocabulary.
func stopReason(fr llm.FinishReason) string {
	switch fr {
	case llm.FinishMaxTokens:
		return mcp.StopReasonMaxTokens
	case llm.FinishStopSequence:
		return mcp.StopReasonStopSequence
	case llm.FinishError:
		return mcp.StopReasonError
	default:
		return mcp.StopReasonEndTurn
	}
}

func rpcError(code int, message string) *mcp.JSONRPCError {
	return &mcp.JSONRPCError{Code: code, Message: message}
}

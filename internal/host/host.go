// Package host is the facade over the MCP runtime: server sessions, the
// fused tool catalogue, roots, the risk and confirmation gates, sampling,
// and the chat loop engine. Everything outward-facing goes through it; it is
// also the single implementation of the loop engine's broker and of the
// handler answering server-initiated requests.
package host

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ch1109/maestro/internal/approval"
	"github.com/ch1109/maestro/internal/audit"
	"github.com/ch1109/maestro/internal/hosterr"
	"github.com/ch1109/maestro/internal/llm"
	"github.com/ch1109/maestro/internal/mcp"
	"github.com/ch1109/maestro/internal/observability"
	"github.com/ch1109/maestro/internal/react"
	"github.com/ch1109/maestro/internal/risk"
	"github.com/ch1109/maestro/internal/roots"
	"github.com/ch1109/maestro/internal/sampling"
)

// Config assembles a host. LLM is required; everything else has a usable
// zero value. Audit, Metrics, and Tracer may be nil.
type Config struct {
	Servers  []*mcp.ServerConfig
	Roots    *roots.Registry
	Policy   risk.Policy
	Approval approval.Config

	// Sampling enables server-initiated completions when non-nil. A nil
	// config refuses sampling/createMessage outright.
	Sampling *sampling.SecurityConfig

	React react.Config
	LLM   *llm.Registry

	// MaxSessions bounds the session store; zero means the default.
	MaxSessions int

	// HistoryLimit caps messages kept per session; zero means the default.
	HistoryLimit int

	Logger  *slog.Logger
	Audit   *audit.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Host wires the MCP runtime together and exposes its operations.
type Host struct {
	logger    *slog.Logger
	manager   *mcp.Manager
	roots     *roots.Registry
	policy    risk.Policy
	approvals *approval.Store
	sampling  *sampling.Service
	llm       *llm.Registry
	engine    *react.Engine
	sessions  *sessionStore
	schemas   *schemaCache
	audit     *audit.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer

	closeOnce sync.Once
	closeErr  error

	now         func() time.Time
	resolveTool func(serverKey, name string) (*mcp.Tool, error)
	invokeTool  func(ctx context.Context, serverKey, name string, args map[string]any) (*mcp.ToolCallResult, error)
}

// New builds a host. Servers are configured but not started; call Start.
func New(cfg Config) (*Host, error) {
	if cfg.LLM == nil {
		return nil, hosterr.New(hosterr.KindValidation, "host needs an llm registry")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Roots
	if registry == nil {
		registry = roots.NewRegistry(false, logger)
	}
	policy := cfg.Policy
	if len(policy.ConfirmLevels) == 0 {
		policy = risk.DefaultPolicy()
	}

	h := &Host{
		logger:   logger.With("component", "host"),
		roots:    registry,
		policy:   policy,
		llm:      cfg.LLM,
		sessions: newSessionStore(cfg.MaxSessions, cfg.HistoryLimit),
		schemas:  newSchemaCache(logger),
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		now:      time.Now,
	}

	h.manager = mcp.NewManager(cfg.Servers, h, logger)
	h.resolveTool = h.manager.Tool
	h.invokeTool = h.manager.CallTool
	h.manager.OnSSEReconnect = func(serverKey string, attempt int) {
		if h.metrics != nil {
			h.metrics.RecordSSEReconnect(serverKey)
		}
		if h.audit != nil {
			h.audit.RecordServerEvent(context.Background(), audit.EventServerReconnect, serverKey, "")
		}
	}

	h.approvals = approval.NewStore(cfg.Approval, logger, cfg.Audit, cfg.Metrics)
	if cfg.Sampling != nil {
		h.sampling = sampling.NewService(*cfg.Sampling, cfg.LLM, logger, cfg.Audit, cfg.Metrics)
	}
	h.engine = react.NewEngine(cfg.React, h, cfg.LLM, h.sessions, logger)

	h.sessions.onEvict = func(sessionID string) {
		h.engine.Reset(sessionID)
		if h.metrics != nil {
			h.metrics.SessionClosed()
		}
		h.logger.Info("session evicted", "session_id", sessionID)
	}

	// Servers that asked for roots/list_changed notifications learn about
	// every mutation; a global change fans out to all of them.
	registry.OnChange(func(serverKey string, _ []roots.Root) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.manager.NotifyRootsChanged(ctx, serverKey)
	})

	return h, nil
}

// Start connects every auto-start server. Failures are logged per server and
// never block the rest.
func (h *Host) Start(ctx context.Context) {
	h.manager.StartAll(ctx)
}

// Close shuts the host down in dependency order: no new runs, then the
// sweepers, then every server session, and finally the audit trail.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		h.engine.Close()
		h.approvals.Close()
		if h.sampling != nil {
			h.sampling.Close()
		}
		h.closeErr = h.manager.StopAll()
		if h.audit != nil {
			if err := h.audit.Close(); err != nil && h.closeErr == nil {
				h.closeErr = err
			}
		}
	})
	return h.closeErr
}

// CreateSession registers a chat session. id may be empty.
func (h *Host) CreateSession(ctx context.Context, id, systemPrompt string) (*Session, error) {
	sess, err := h.sessions.create(id, systemPrompt)
	if err != nil {
		return nil, err
	}
	if h.metrics != nil {
		h.metrics.SessionOpened()
	}
	if h.audit != nil {
		h.audit.RecordSessionEvent(ctx, audit.EventSessionCreated, sess.ID)
	}
	h.logger.Info("session created", "session_id", sess.ID)
	return sess, nil
}

// Session returns a session snapshot.
func (h *Host) Session(id string) (*Session, error) {
	return h.sessions.get(id)
}

// Sessions lists every session, most recently active first.
func (h *Host) Sessions() []*Session {
	return h.sessions.list()
}

// DeleteSession removes a session, abandoning any parked run.
func (h *Host) DeleteSession(ctx context.Context, id string) error {
	h.engine.Reset(id)
	if err := h.sessions.delete(id); err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.SessionClosed()
	}
	if h.audit != nil {
		h.audit.RecordSessionEvent(ctx, audit.EventSessionDeleted, id)
	}
	h.logger.Info("session deleted", "session_id", id)
	return nil
}

// Chat runs one loop turn for the session and streams its events. The
// session's system prompt applies unless the options carry their own.
func (h *Host) Chat(ctx context.Context, sessionID, message string, opts ChatOptions) (<-chan react.Event, error) {
	sess, err := h.sessions.get(sessionID)
	if err != nil {
		return nil, err
	}
	system := opts.System
	if system == "" {
		system = sess.SystemPrompt
	}
	return h.engine.Run(ctx, sessionID, message, react.Options{
		Provider:    opts.Provider,
		Model:       opts.Model,
		System:      system,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
}

// Continue resolves the confirmation a chat run is parked on and resumes
// the run with the verdict, streaming the rest of its events.
func (h *Host) Continue(ctx context.Context, sessionID, requestID string, approved bool, by, reason string, modifiedArgs map[string]any) (<-chan react.Event, error) {
	parkedID, parked := h.engine.Parked(sessionID)
	if !parked || parkedID != requestID {
		return nil, hosterr.Newf(hosterr.KindNotFound,
			"session %s has no run awaiting confirmation %s", sessionID, requestID)
	}
	rec, err := h.sessions.call(sessionID, requestID)
	if err != nil {
		return nil, err
	}

	var rawModified json.RawMessage
	if approved {
		req, err := h.approvals.Approve(ctx, requestID, by, modifiedArgs)
		if err != nil {
			return nil, err
		}
		if req.AwaitingSecond {
			return nil, hosterr.Newf(hosterr.KindConflict,
				"confirmation %s needs a second approval before the run can continue", requestID)
		}
		h.adoptVerdict(rec, req)
		if modifiedArgs != nil {
			rawModified, _ = json.Marshal(modifiedArgs)
		}
	} else {
		if _, err := h.approvals.Reject(ctx, requestID, by, reason); err != nil {
			return nil, err
		}
		rec.mu.Lock()
		if rec.state == callHeld {
			rec.state = callDone
			rec.err = hosterr.Newf(hosterr.KindPolicy, "call %s rejected by user", rec.publicName)
		}
		rec.mu.Unlock()
	}

	return h.engine.ContinueAfterConfirmation(ctx, sessionID, requestID, approved, rawModified)
}

// Confirmations lists pending confirmation requests, optionally scoped to a
// session.
func (h *Host) Confirmations(sessionID string) []*approval.Request {
	return h.approvals.ListPending(sessionID)
}

// Confirmation returns the operator-facing view of one request.
func (h *Host) Confirmation(id string) (*approval.View, error) {
	return h.approvals.View(id)
}

// Servers reports every configured server, connected or not.
func (h *Host) Servers() []mcp.ServerStatus {
	return h.manager.Status()
}

// StartServer launches or connects a configured server.
func (h *Host) StartServer(ctx context.Context, key string) error {
	if err := h.manager.Start(ctx, key); err != nil {
		if h.audit != nil {
			h.audit.RecordServerEvent(ctx, audit.EventServerStarted, key, err.Error())
		}
		return err
	}
	if h.metrics != nil {
		h.metrics.ServerConnected()
	}
	if h.audit != nil {
		h.audit.RecordServerEvent(ctx, audit.EventServerStarted, key, "")
	}
	return nil
}

// StopServer closes a server session.
func (h *Host) StopServer(ctx context.Context, key string) error {
	if err := h.manager.Stop(key); err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.ServerDisconnected()
	}
	if h.audit != nil {
		h.audit.RecordServerEvent(ctx, audit.EventServerStopped, key, "")
	}
	return nil
}

// ConnectServer registers a server at runtime and connects it immediately.
func (h *Host) ConnectServer(ctx context.Context, cfg *mcp.ServerConfig) error {
	if err := h.manager.Add(cfg); err != nil {
		return err
	}
	return h.StartServer(ctx, cfg.Key)
}

// ReloadConfig is the hot-reloadable subset of host configuration.
type ReloadConfig struct {
	Servers     []*mcp.ServerConfig
	GlobalRoots []roots.Root
	ServerRoots map[string][]roots.Root
	StrictRoots bool
}

// Reload applies a changed configuration to the running host. Connected
// servers keep running on their old configuration until restarted; the new
// catalogue only governs later starts. Global roots are replaced wholesale,
// per-server roots for every server the new configuration names. Roots added
// at runtime for other servers stay in place.
func (h *Host) Reload(rc ReloadConfig) {
	h.manager.Reconfigure(rc.Servers)

	h.roots.SetGlobal(rc.GlobalRoots)
	for key, serverRoots := range rc.ServerRoots {
		h.roots.Configure(key, serverRoots, rc.StrictRoots)
	}

	h.logger.Info("configuration reloaded",
		"servers", len(rc.Servers),
		"global_roots", len(rc.GlobalRoots))
}

// ReadResource reads a resource from a server.
func (h *Host) ReadResource(ctx context.Context, serverKey, uri string) ([]*mcp.ResourceContent, error) {
	return h.manager.ReadResource(ctx, serverKey, uri)
}

// Resources lists the resources of every connected server.
func (h *Host) Resources() map[string][]*mcp.Resource {
	return h.manager.AllResources()
}

// GetPrompt renders a prompt template from a server.
func (h *Host) GetPrompt(ctx context.Context, serverKey, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	return h.manager.GetPrompt(ctx, serverKey, name, args)
}

// Prompts lists the prompt templates of every connected server.
func (h *Host) Prompts() map[string][]*mcp.Prompt {
	return h.manager.AllPrompts()
}

// ServerRoots lists a server's own roots, not counting global ones.
func (h *Host) ServerRoots(serverKey string) []roots.Root {
	return h.roots.List(serverKey)
}

// EffectiveRoots lists the roots a server's calls validate against.
func (h *Host) EffectiveRoots(serverKey string) []roots.Root {
	return h.roots.Effective(serverKey)
}

// GlobalRoots lists roots that apply to every server.
func (h *Host) GlobalRoots() []roots.Root {
	return h.roots.Global()
}

// AddRoot allows paths under the given directory. An empty serverKey adds a
// global root.
func (h *Host) AddRoot(serverKey, path, name string) error {
	root, err := roots.NewRoot(path, name)
	if err != nil {
		return err
	}
	if serverKey == "" {
		return h.roots.AddGlobal(root)
	}
	return h.roots.Add(serverKey, root)
}

// RemoveRoot removes a root. An empty serverKey removes a global root.
func (h *Host) RemoveRoot(serverKey, path string) error {
	if serverKey == "" {
		return h.roots.RemoveGlobal(path)
	}
	return h.roots.Remove(serverKey, path)
}

// ValidatePath reports how a path would fare against a server's roots.
func (h *Host) ValidatePath(serverKey, path string) roots.PathDecision {
	return h.roots.ValidatePath(serverKey, path)
}

// SamplingEnabled reports whether server-initiated completions are on.
func (h *Host) SamplingEnabled() bool {
	return h.sampling != nil
}

// SamplingConfig returns the live sampling policy.
func (h *Host) SamplingConfig() (sampling.SecurityConfig, error) {
	if h.sampling == nil {
		return sampling.SecurityConfig{}, hosterr.New(hosterr.KindNotFound, "sampling is not enabled")
	}
	return h.sampling.Config(), nil
}

// UpdateSamplingConfig replaces the sampling policy at runtime.
func (h *Host) UpdateSamplingConfig(cfg sampling.SecurityConfig) error {
	if h.sampling == nil {
		return hosterr.New(hosterr.KindNotFound, "sampling is not enabled")
	}
	h.sampling.UpdateConfig(cfg)
	return nil
}

// SamplingPending lists sampling requests waiting for review.
func (h *Host) SamplingPending() []*sampling.PendingSampling {
	if h.sampling == nil {
		return nil
	}
	return h.sampling.ListPending()
}

// ApproveSampling executes a parked sampling request.
func (h *Host) ApproveSampling(ctx context.Context, id, by string, maxTokensOverride int) (*sampling.PendingSampling, error) {
	if h.sampling == nil {
		return nil, hosterr.New(hosterr.KindNotFound, "sampling is not enabled")
	}
	return h.sampling.Approve(ctx, id, by, maxTokensOverride)
}

// RejectSampling refuses a parked sampling request.
func (h *Host) RejectSampling(ctx context.Context, id, by, reason string) (*sampling.PendingSampling, error) {
	if h.sampling == nil {
		return nil, hosterr.New(hosterr.KindNotFound, "sampling is not enabled")
	}
	return h.sampling.Reject(ctx, id, by, reason)
}

// HandleSampling answers a server's sampling/createMessage request.
func (h *Host) HandleSampling(ctx context.Context, serverKey string, params json.RawMessage) (*mcp.SamplingResponse, *mcp.JSONRPCError) {
	if h.sampling == nil {
		return nil, &mcp.JSONRPCError{
			Code:    mcp.ErrCodeInvalidRequest,
			Message: "sampling is not enabled on this host",
		}
	}
	return h.sampling.Handle(ctx, serverKey, params)
}

// HandleRootsList answers a server's roots/list request with its effective
// roots.
func (h *Host) HandleRootsList(_ context.Context, serverKey string) (*mcp.ListRootsResult, *mcp.JSONRPCError) {
	return h.roots.HandleRootsList(serverKey), nil
}

// Health snapshots the runtime: servers, sessions, and pending reviews.
func (h *Host) Health() HealthStatus {
	statuses := h.manager.Status()
	connected := 0
	tools := 0
	for _, s := range statuses {
		if s.Connected {
			connected++
		}
		tools += s.Tools
	}

	hs := HealthStatus{
		Status:               "ok",
		Servers:              len(statuses),
		ServersConnected:     connected,
		Sessions:             h.sessions.count(),
		Tools:                tools,
		PendingConfirmations: len(h.approvals.ListPending("")),
	}
	if h.sampling != nil {
		hs.PendingSampling = len(h.sampling.ListPending())
	}
	return hs
}

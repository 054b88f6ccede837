package approval

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ch1109/maestro/internal/audit"
	"github.com/ch1109/maestro/internal/hosterr"
	"github.com/ch1109/maestro/internal/observability"
	"github.com/ch1109/maestro/internal/risk"
)

// Store holds pending confirmation requests and a bounded ring of decided
// ones. A background sweeper expires overdue pendings. All verdict
// callbacks fire exactly once, outside the store lock.
type Store struct {
	cfg     Config
	logger  *slog.Logger
	audit   *audit.Logger
	metrics *observability.Metrics

	mu        sync.RWMutex
	pending   map[string]*Request
	callbacks map[string]Callback
	history   []*Request
	histNext  int

	now func() time.Time

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewStore creates a confirmation store and starts its expiry sweeper.
// auditLog and metrics may be nil.
func NewStore(cfg Config, logger *slog.Logger, auditLog *audit.Logger, metrics *observability.Metrics) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 300 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}

	s := &Store{
		cfg:       cfg,
		logger:    logger.With("component", "approval"),
		audit:     auditLog,
		metrics:   metrics,
		pending:   make(map[string]*Request),
		callbacks: make(map[string]Callback),
		history:   make([]*Request, 0, cfg.HistoryLimit),
		now:       time.Now,
		done:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.sweepLoop()

	return s
}

// Close stops the sweeper. Pending requests are left untouched.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// Create registers a pending request. The callback, if non-nil, fires once
// when the request reaches a terminal status. Returns a copy of the stored
// request with ID and timestamps filled in.
func (s *Store) Create(ctx context.Context, req *Request, cb Callback) (*Request, error) {
	if req == nil || req.ToolName == "" {
		return nil, hosterr.New(hosterr.KindValidation, "approval request needs a tool name")
	}
	if req.PublicName == "" {
		req.PublicName = req.ToolName
	}

	stored := req.clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Status = StatusPending
	stored.AwaitingSecond = false
	stored.CreatedAt = s.now()
	stored.ExpiresAt = stored.CreatedAt.Add(s.cfg.TTL)

	s.mu.Lock()
	if _, exists := s.pending[stored.ID]; exists {
		s.mu.Unlock()
		return nil, hosterr.Newf(hosterr.KindConflict, "approval request %s already exists", stored.ID)
	}
	s.pending[stored.ID] = stored
	if cb != nil {
		s.callbacks[stored.ID] = cb
	}
	s.mu.Unlock()

	s.logger.Info("confirmation requested",
		"request_id", stored.ID,
		"tool", stored.PublicName,
		"risk", stored.Assessment.Level,
		"expires_at", stored.ExpiresAt)
	s.record(ctx, stored, "created", "")
	if s.metrics != nil {
		s.metrics.RecordConfirmation("created")
	}

	return stored.clone(), nil
}

// Approve moves a pending request to approved, or to modified when
// modifiedArgs is non-nil. With DoubleConfirmCritical, the first approval
// of a critical request only arms the second one and the request stays
// pending.
func (s *Store) Approve(ctx context.Context, id, by string, modifiedArgs map[string]any) (*Request, error) {
	s.mu.Lock()
	req, err := s.pendingLocked(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	if s.now().After(req.ExpiresAt) {
		cb := s.finalizeLocked(req, StatusExpired, "", "")
		s.mu.Unlock()
		s.settled(ctx, req, cb)
		return nil, hosterr.Newf(hosterr.KindConflict, "approval request %s expired", id)
	}

	if modifiedArgs != nil && s.cfg.DisableModification {
		s.mu.Unlock()
		return nil, hosterr.New(hosterr.KindValidation, "argument modification is disabled on this host")
	}

	if s.cfg.DoubleConfirmCritical && req.Assessment.Level == risk.LevelCritical && !req.AwaitingSecond {
		req.AwaitingSecond = true
		out := req.clone()
		s.mu.Unlock()

		s.logger.Info("first approval recorded, second required",
			"request_id", id, "decided_by", by)
		s.record(ctx, out, "first_approval", by)
		return out, nil
	}

	verdict := StatusApproved
	if modifiedArgs != nil {
		verdict = StatusModified
		req.ModifiedArgs = maps.Clone(modifiedArgs)
	}
	cb := s.finalizeLocked(req, verdict, by, "")
	s.mu.Unlock()

	s.settled(ctx, req, cb)
	return req.clone(), nil
}

// Reject moves a pending request to rejected.
func (s *Store) Reject(ctx context.Context, id, by, reason string) (*Request, error) {
	s.mu.Lock()
	req, err := s.pendingLocked(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	cb := s.finalizeLocked(req, StatusRejected, by, reason)
	s.mu.Unlock()

	s.settled(ctx, req, cb)
	return req.clone(), nil
}

// Get returns a request by id, pending or decided.
func (s *Store) Get(id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if req, ok := s.pending[id]; ok {
		return req.clone(), nil
	}
	for _, req := range s.history {
		if req != nil && req.ID == id {
			return req.clone(), nil
		}
	}
	return nil, hosterr.Newf(hosterr.KindNotFound, "approval request %s not found", id)
}

// ListPending returns pending requests, oldest first, optionally filtered
// by session.
func (s *Store) ListPending(sessionID string) []*Request {
	s.mu.RLock()
	out := make([]*Request, 0, len(s.pending))
	for _, req := range s.pending {
		if sessionID != "" && req.SessionID != sessionID {
			continue
		}
		out = append(out, req.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// View returns the operator-facing projection of a request.
func (s *Store) View(id string) (*View, error) {
	req, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	remaining := req.ExpiresAt.Sub(s.now())
	if remaining < 0 || req.Status.Terminal() {
		remaining = 0
	}

	requiresSecond := s.cfg.DoubleConfirmCritical && req.Assessment.Level == risk.LevelCritical

	prompt := fmt.Sprintf("Approve %s on server %s? risk: %s", req.PublicName, req.ServerKey, req.Assessment.Level)
	if req.Assessment.Reason != "" {
		prompt += " (" + req.Assessment.Reason + ")"
	}
	if requiresSecond {
		if req.AwaitingSecond {
			prompt += " [1 of 2 approvals given]"
		} else {
			prompt += " [2 approvals required]"
		}
	}

	return &View{
		ID:             req.ID,
		SessionID:      req.SessionID,
		Server:         req.ServerKey,
		Tool:           req.PublicName,
		Risk:           req.Assessment.Level,
		Prompt:         prompt,
		Args:           req.Args,
		Status:         req.Status,
		ExpiresIn:      int64(remaining.Seconds()),
		CanModify:      req.Status == StatusPending && !s.cfg.DisableModification,
		RequiresSecond: requiresSecond,
		AwaitingSecond: req.AwaitingSecond,
	}, nil
}

// History returns decided requests, newest first, optionally filtered by
// session. limit <= 0 returns everything retained.
func (s *Store) History(sessionID string, limit int) []*Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Request, 0, len(s.history))
	// Walk the ring backwards from the most recent write.
	for i := 0; i < len(s.history); i++ {
		idx := s.histNext - 1 - i
		for idx < 0 {
			idx += len(s.history)
		}
		req := s.history[idx]
		if req == nil {
			continue
		}
		if sessionID != "" && req.SessionID != sessionID {
			continue
		}
		out = append(out, req.clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// pendingLocked looks up an approvable request. Callers hold s.mu.
func (s *Store) pendingLocked(id string) (*Request, error) {
	if req, ok := s.pending[id]; ok {
		return req, nil
	}
	for _, req := range s.history {
		if req != nil && req.ID == id {
			return nil, hosterr.Newf(hosterr.KindConflict, "approval request %s already %s", id, req.Status)
		}
	}
	return nil, hosterr.Newf(hosterr.KindNotFound, "approval request %s not found", id)
}

// finalizeLocked applies a terminal status, moves the request into the
// history ring, and returns the callback to fire after unlock. Callers
// hold s.mu.
func (s *Store) finalizeLocked(req *Request, verdict Status, by, reason string) Callback {
	req.Status = verdict
	req.DecidedAt = s.now()
	req.DecidedBy = by
	if reason != "" {
		req.Reason = reason
	}

	delete(s.pending, req.ID)
	cb := s.callbacks[req.ID]
	delete(s.callbacks, req.ID)

	if len(s.history) < s.cfg.HistoryLimit {
		s.history = append(s.history, req)
		s.histNext = len(s.history) % s.cfg.HistoryLimit
	} else {
		s.history[s.histNext] = req
		s.histNext = (s.histNext + 1) % s.cfg.HistoryLimit
	}

	return cb
}

// settled reports a terminal transition: callback, audit, metrics, log.
func (s *Store) settled(ctx context.Context, req *Request, cb Callback) {
	s.logger.Info("confirmation settled",
		"request_id", req.ID,
		"tool", req.PublicName,
		"verdict", req.Status,
		"decided_by", req.DecidedBy)

	s.record(ctx, req, string(req.Status), req.DecidedBy)
	if s.metrics != nil {
		s.metrics.RecordConfirmation(string(req.Status))
	}
	if cb != nil {
		cb(req.clone())
	}
}

func (s *Store) record(ctx context.Context, req *Request, action, by string) {
	if s.audit == nil {
		return
	}
	s.audit.RecordConfirmation(ctx, req.SessionID, req.ServerKey, req.PublicName, req.ID,
		string(req.Assessment.Level), action, by)
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
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

// expireOverdue transitions every overdue pending request to expired.
func (s *Store) expireOverdue(ctx context.Context) {
	now := s.now()

	type settle struct {
		req *Request
		cb  Callback
	}

	s.mu.Lock()
	var settles []settle
	for _, req := range s.pending {
		if now.After(req.ExpiresAt) {
			cb := s.finalizeLocked(req, StatusExpired, "", "")
			settles = append(settles, settle{req: req, cb: cb})
		}
	}
	s.mu.Unlock()

	for _, e := range settles {
		s.logger.Warn("confirmation expired",
			"request_id", e.req.ID,
			"tool", e.req.PublicName,
			"created_at", e.req.CreatedAt)
		s.settled(ctx, e.req, e.cb)
	}
}

func (r *Request) clone() *Request {
	cp := *r
	cp.Args = maps.Clone(r.Args)
	cp.ModifiedArgs = maps.Clone(r.ModifiedArgs)
	if r.Assessment.PathDecisions != nil {
		cp.Assessment.PathDecisions = slices.Clone(r.Assessment.PathDecisions)
	}
	return &cp
}

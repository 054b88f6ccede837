package host

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ch1109/maestro/internal/hosterr"
	"github.com/ch1109/maestro/internal/llm"
)

const (
	// defaultMaxSessions bounds the store; the least recently active session
	// is evicted when a new one would exceed it.
	defaultMaxSessions = 1000

	// defaultHistoryLimit caps messages kept per session. Older messages are
	// trimmed; transcript repair drops any observation orphaned by the cut.
	defaultHistoryLimit = 1000

	// callCacheLimit caps finished call records kept per session for
	// duplicate-execute replay.
	callCacheLimit = 256
)

// Session is one chat conversation with its own history, confirmations, and
// executed-call cache. Sessions live in memory only.
type Session struct {
	ID           string    `json:"id"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
	Messages     int       `json:"messages"`
}

type sessionState struct {
	session   Session
	messages  []llm.Message
	calls     map[string]*callRecord
	callOrder []string
}

// sessionStore keeps sessions in memory: conversation history for the loop
// engine and prepared-call records for the execute pipeline.
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	limit    int
	history  int

	// onEvict observes LRU evictions. Runs outside the store lock.
	onEvict func(sessionID string)

	now func() time.Time
}

func newSessionStore(limit, history int) *sessionStore {
	if limit <= 0 {
		limit = defaultMaxSessions
	}
	if history <= 0 {
		history = defaultHistoryLimit
	}
	return &sessionStore{
		sessions: make(map[string]*sessionState),
		limit:    limit,
		history:  history,
		now:      time.Now,
	}
}

// create registers a session. An empty id gets a generated uuid; a taken id
// is a conflict. Exceeding the store bound evicts the least recently active
// session.
func (s *sessionStore) create(id, systemPrompt string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	if _, exists := s.sessions[id]; exists {
		s.mu.Unlock()
		return nil, hosterr.Newf(hosterr.KindConflict, "session %s already exists", id)
	}

	now := s.now()
	st := &sessionState{
		session: Session{ID: id, SystemPrompt: systemPrompt, CreatedAt: now, LastActive: now},
		calls:   make(map[string]*callRecord),
	}
	s.sessions[id] = st

	var evicted []string
	for len(s.sessions) > s.limit {
		oldest := s.oldestLocked(id)
		if oldest == "" {
			break
		}
		delete(s.sessions, oldest)
		evicted = append(evicted, oldest)
	}
	out := st.session
	s.mu.Unlock()

	if s.onEvict != nil {
		for _, victim := range evicted {
			s.onEvict(victim)
		}
	}
	return &out, nil
}

// oldestLocked returns the least recently active session, never the one
// being created.
func (s *sessionStore) oldestLocked(exclude string) string {
	var oldest string
	var when time.Time
	for id, st := range s.sessions {
		if id == exclude {
			continue
		}
		if oldest == "" || st.session.LastActive.Before(when) {
			oldest = id
			when = st.session.LastActive
		}
	}
	return oldest
}

// get returns a snapshot of the session and marks it active.
func (s *sessionStore) get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil, hosterr.Newf(hosterr.KindNotFound, "session %s not found", id)
	}
	st.session.LastActive = s.now()
	out := st.session
	out.Messages = len(st.messages)
	return &out, nil
}

// list returns every session, most recently active first.
func (s *sessionStore) list() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, st := range s.sessions {
		snap := st.session
		snap.Messages = len(st.messages)
		out = append(out, &snap)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.After(out[j].LastActive) })
	return out
}

func (s *sessionStore) delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return hosterr.Newf(hosterr.KindNotFound, "session %s not found", id)
	}
	delete(s.sessions, id)
	return nil
}

func (s *sessionStore) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// History returns a copy of the session's conversation.
func (s *sessionStore) History(_ context.Context, sessionID string) ([]llm.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil, hosterr.Newf(hosterr.KindNotFound, "session %s not found", sessionID)
	}
	return append([]llm.Message(nil), st.messages...), nil
}

// Append adds messages to the conversation, trimming the oldest once the
// history bound is exceeded.
func (s *sessionStore) Append(_ context.Context, sessionID string, msgs ...llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return hosterr.Newf(hosterr.KindNotFound, "session %s not found", sessionID)
	}
	st.messages = append(st.messages, msgs...)
	if excess := len(st.messages) - s.history; excess > 0 {
		st.messages = st.messages[excess:]
	}
	st.session.LastActive = s.now()
	return nil
}

// storeCall registers a prepared call record with its session.
func (s *sessionStore) storeCall(sessionID string, rec *callRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return hosterr.Newf(hosterr.KindNotFound, "session %s not found", sessionID)
	}
	st.calls[rec.id] = rec
	st.callOrder = append(st.callOrder, rec.id)
	s.pruneCallsLocked(st)
	return nil
}

// call looks up a prepared call in its session.
func (s *sessionStore) call(sessionID, requestID string) (*callRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil, hosterr.Newf(hosterr.KindNotFound, "session %s not found", sessionID)
	}
	rec, ok := st.calls[requestID]
	if !ok {
		return nil, hosterr.Newf(hosterr.KindNotFound,
			"no prepared call %s in session %s", requestID, sessionID)
	}
	return rec, nil
}

// pruneCallsLocked drops the oldest finished records once the cache bound is
// exceeded. Calls still pending or executing are always kept.
func (s *sessionStore) pruneCallsLocked(st *sessionState) {
	if len(st.calls) <= callCacheLimit {
		return
	}
	kept := st.callOrder[:0]
	for _, id := range st.callOrder {
		rec, ok := st.calls[id]
		if !ok {
			continue
		}
		if len(st.calls) > callCacheLimit && rec.finished() {
			delete(st.calls, id)
			continue
		}
		kept = append(kept, id)
	}
	st.callOrder = kept
}

package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ch1109/maestro/internal/approval"
	"github.com/ch1109/maestro/internal/host"
	"github.com/ch1109/maestro/internal/hosterr"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.host.Health())
}

type createSessionRequest struct {
	ID           string `json:"id,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.host.CreateSession(r.Context(), req.ID, req.SystemPrompt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": s.host.Sessions()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.host.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.host.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chatRequest struct {
	Message     string  `json:"message"`
	Stream      bool    `json:"stream,omitempty"`
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	events, err := s.host.Chat(r.Context(), chi.URLParam(r, "id"), req.Message, host.ChatOptions{
		Provider:    req.Provider,
		Model:       req.Model,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respondEvents(w, r, events, req.Stream)
}

func (s *Server) handleListConfirmations(w http.ResponseWriter, r *http.Request) {
	pending := s.host.Confirmations(r.URL.Query().Get("session"))
	views := make([]*approval.View, 0, len(pending))
	for _, req := range pending {
		if view, err := s.host.Confirmation(req.ID); err == nil {
			views = append(views, view)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"confirmations": views})
}

func (s *Server) handleGetConfirmation(w http.ResponseWriter, r *http.Request) {
	view, err := s.host.Confirmation(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

type verdictRequest struct {
	SessionID    string         `json:"session_id,omitempty"`
	By           string         `json:"by,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	ModifiedArgs map[string]any `json:"modified_args,omitempty"`
	Stream       bool           `json:"stream,omitempty"`
}

func (s *Server) handleApproveConfirmation(w http.ResponseWriter, r *http.Request) {
	s.resolveConfirmation(w, r, true)
}

func (s *Server) handleRejectConfirmation(w http.ResponseWriter, r *http.Request) {
	s.resolveConfirmation(w, r, false)
}

// resolveConfirmation applies a verdict. When a chat run is parked on the
// confirmation the run resumes and its events are the response; otherwise
// the verdict resolves a direct call and the outcome is returned as JSON.
func (s *Server) resolveConfirmation(w http.ResponseWriter, r *http.Request, approved bool) {
	requestID := chi.URLParam(r, "id")

	var req verdictRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.SessionID == "" {
		view, err := s.host.Confirmation(requestID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		req.SessionID = view.SessionID
	}

	events, err := s.host.Continue(r.Context(), req.SessionID, requestID, approved, req.By, req.Reason, req.ModifiedArgs)
	if err == nil {
		s.respondEvents(w, r, events, req.Stream)
		return
	}
	if !hosterr.IsKind(err, hosterr.KindNotFound) {
		s.writeError(w, err)
		return
	}

	// No run is parked on it; resolve the direct-call confirmation.
	outcome, err := s.host.ConfirmToolCall(r.Context(), req.SessionID, requestID, approved, req.By, req.Reason, req.ModifiedArgs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": s.host.Tools(r.Context())})
}

type callToolRequest struct {
	SessionID string         `json:"session_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req callToolRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Tool == "" {
		s.writeError(w, hosterr.New(hosterr.KindValidation, "tool is required"))
		return
	}

	outcome, err := s.host.CallTool(r.Context(), req.SessionID, req.Tool, req.Arguments)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if outcome.Result == nil {
		// Held for confirmation; nothing executed yet.
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, outcome)
}

package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ch1109/maestro/internal/sampling"
)

func (s *Server) handleSamplingPending(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"pending": s.host.SamplingPending()})
}

type samplingVerdictRequest struct {
	By                string `json:"by,omitempty"`
	Reason            string `json:"reason,omitempty"`
	MaxTokensOverride int    `json:"max_tokens_override,omitempty"`
}

func (s *Server) handleApproveSampling(w http.ResponseWriter, r *http.Request) {
	var req samplingVerdictRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	pending, err := s.host.ApproveSampling(r.Context(), chi.URLParam(r, "id"), req.By, req.MaxTokensOverride)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleRejectSampling(w http.ResponseWriter, r *http.Request) {
	var req samplingVerdictRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	pending, err := s.host.RejectSampling(r.Context(), chi.URLParam(r, "id"), req.By, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleSamplingConfig(w http.ResponseWriter, _ *http.Request) {
	cfg, err := s.host.SamplingConfig()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateSamplingConfig(w http.ResponseWriter, r *http.Request) {
	var cfg sampling.SecurityConfig
	if err := decodeJSON(r, &cfg); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.host.UpdateSamplingConfig(cfg); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

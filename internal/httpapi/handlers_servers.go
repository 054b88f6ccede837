package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ch1109/maestro/internal/hosterr"
	"github.com/ch1109/maestro/internal/mcp"
)

func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"servers": s.host.Servers()})
}

// handleRegisterServer adds a server at runtime and connects it. The
// configuration survives a failed connect so the operator can retry start.
func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	var cfg mcp.ServerConfig
	if err := decodeJSON(r, &cfg); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.host.ConnectServer(r.Context(), &cfg); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"key": cfg.Key, "status": "connected"})
}

func (s *Server) handleStartServer(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.host.StartServer(r.Context(), key); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"key": key, "status": "connected"})
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.host.StopServer(r.Context(), key); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"key": key, "status": "stopped"})
}

type rootRequest struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

func (s *Server) handleServerRoots(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"roots":     s.host.ServerRoots(key),
		"effective": s.host.EffectiveRoots(key),
	})
}

func (s *Server) handleAddServerRoot(w http.ResponseWriter, r *http.Request) {
	s.addRoot(w, r, chi.URLParam(r, "key"))
}

func (s *Server) handleRemoveServerRoot(w http.ResponseWriter, r *http.Request) {
	s.removeRoot(w, r, chi.URLParam(r, "key"))
}

func (s *Server) handleGlobalRoots(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"roots": s.host.GlobalRoots()})
}

func (s *Server) handleAddGlobalRoot(w http.ResponseWriter, r *http.Request) {
	s.addRoot(w, r, "")
}

func (s *Server) handleRemoveGlobalRoot(w http.ResponseWriter, r *http.Request) {
	s.removeRoot(w, r, "")
}

func (s *Server) addRoot(w http.ResponseWriter, r *http.Request, serverKey string) {
	var req rootRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Path == "" {
		s.writeError(w, hosterr.New(hosterr.KindValidation, "path is required"))
		return
	}
	if err := s.host.AddRoot(serverKey, req.Path, req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) removeRoot(w http.ResponseWriter, r *http.Request, serverKey string) {
	var req rootRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Path == "" {
		req.Path = r.URL.Query().Get("path")
	}
	if req.Path == "" {
		s.writeError(w, hosterr.New(hosterr.KindValidation, "path is required"))
		return
	}
	if err := s.host.RemoveRoot(serverKey, req.Path); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleValidatePath(w http.ResponseWriter, r *http.Request) {
	var req rootRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Path == "" {
		s.writeError(w, hosterr.New(hosterr.KindValidation, "path is required"))
		return
	}
	decision := s.host.ValidatePath(chi.URLParam(r, "key"), req.Path)
	s.writeJSON(w, http.StatusOK, decision)
}

// handleResources lists every server's resources, or reads one when server
// and uri are given.
func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	server := r.URL.Query().Get("server")
	uri := r.URL.Query().Get("uri")

	if server != "" && uri != "" {
		contents, err := s.host.ReadResource(r.Context(), server, uri)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"contents": contents})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"resources": s.host.Resources()})
}

func (s *Server) handlePrompts(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"prompts": s.host.Prompts()})
}

type getPromptRequest struct {
	Server    string            `json:"server"`
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	var req getPromptRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Server == "" || req.Name == "" {
		s.writeError(w, hosterr.New(hosterr.KindValidation, "server and name are required"))
		return
	}
	result, err := s.host.GetPrompt(r.Context(), req.Server, req.Name, req.Arguments)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// Package httpapi exposes the host over HTTP: session and chat endpoints
// with SSE streaming, confirmation verdicts, the tool catalogue, server and
// roots management, sampling review, and the health and metrics endpoints.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ch1109/maestro/internal/host"
	"github.com/ch1109/maestro/internal/observability"
)

// Config sets the listen address and route prefix.
type Config struct {
	// Addr is the listen address, e.g. ":8420".
	Addr string

	// BasePath prefixes every API route. Defaults to /api. Health and
	// metrics stay at the root regardless.
	BasePath string
}

// Server serves the host's HTTP API.
type Server struct {
	cfg     Config
	host    *host.Host
	logger  *slog.Logger
	metrics *observability.Metrics

	httpServer *http.Server
	listener   net.Listener
}

// New builds the API server. Metrics may be nil.
func New(cfg Config, h *host.Host, logger *slog.Logger, metrics *observability.Metrics) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8420"
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/api"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		host:    h,
		logger:  logger.With("component", "httpapi"),
		metrics: metrics,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route(s.cfg.BasePath, func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleDeleteSession)
				r.Post("/chat", s.handleChat)
			})
		})

		r.Route("/confirmations", func(r chi.Router) {
			r.Get("/", s.handleListConfirmations)
			r.Get("/{id}", s.handleGetConfirmation)
			r.Post("/{id}/approve", s.handleApproveConfirmation)
			r.Post("/{id}/reject", s.handleRejectConfirmation)
		})

		r.Get("/tools", s.handleListTools)
		r.Post("/tools/call", s.handleCallTool)

		r.Route("/servers", func(r chi.Router) {
			r.Get("/", s.handleListServers)
			r.Post("/", s.handleRegisterServer)
			r.Route("/{key}", func(r chi.Router) {
				r.Post("/start", s.handleStartServer)
				r.Post("/stop", s.handleStopServer)
				r.Post("/connect", s.handleStartServer)
				r.Post("/disconnect", s.handleStopServer)
				r.Get("/roots", s.handleServerRoots)
				r.Post("/roots", s.handleAddServerRoot)
				r.Delete("/roots", s.handleRemoveServerRoot)
				r.Post("/validate-path", s.handleValidatePath)
			})
		})

		r.Get("/roots", s.handleGlobalRoots)
		r.Post("/roots", s.handleAddGlobalRoot)
		r.Delete("/roots", s.handleRemoveGlobalRoot)

		r.Get("/resources", s.handleResources)
		r.Get("/prompts", s.handlePrompts)
		r.Post("/prompts/get", s.handleGetPrompt)

		r.Route("/sampling", func(r chi.Router) {
			r.Get("/pending", s.handleSamplingPending)
			r.Post("/{id}/approve", s.handleApproveSampling)
			r.Post("/{id}/reject", s.handleRejectSampling)
			r.Get("/config", s.handleSamplingConfig)
			r.Put("/config", s.handleUpdateSamplingConfig)
		})
	})

	return r
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("http api listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

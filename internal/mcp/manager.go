package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ch1109/maestro/internal/hosterr"
)

// Manager owns every configured MCP server session, stdio and SSE alike,
// keyed by server key.
type Manager struct {
	servers []*ServerConfig
	handler RequestHandler
	logger  *slog.Logger

	clients  map[string]*Client
	restarts map[string]int
	mu       sync.RWMutex

	// OnSSEReconnect, when set, observes event stream reconnects for
	// SSE-backed sessions.
	OnSSEReconnect func(serverKey string, attempt int)
}

// NewManager creates a manager for the configured servers. The handler
// answers server-initiated requests on every session.
func NewManager(servers []*ServerConfig, handler RequestHandler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		servers:  servers,
		handler:  handler,
		logger:   logger.With("component", "mcp"),
		clients:  make(map[string]*Client),
		restarts: make(map[string]int),
	}
}

// StartAll starts every server with auto_start enabled. A server that fails
// to start is logged and skipped; one bad server never blocks the rest.
func (m *Manager) StartAll(ctx context.Context) {
	for _, cfg := range m.Configured() {
		if !cfg.AutoStart {
			continue
		}

		if err := m.Start(ctx, cfg.Key); err != nil {
			m.logger.Error("failed to start MCP server",
				"server", cfg.Key,
				"error", err)
		}
	}
}

// Add registers a server configuration at runtime, typically an SSE server
// connected through the API. The key must be new.
func (m *Manager) Add(cfg *ServerConfig) error {
	if cfg == nil {
		return hosterr.New(hosterr.KindValidation, "server config needs a key")
	}
	if err := cfg.Validate(); err != nil {
		return hosterr.Wrap(hosterr.KindValidation, "server config", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.servers {
		if existing.Key == cfg.Key {
			return hosterr.Newf(hosterr.KindConflict, "server %q already configured", cfg.Key)
		}
	}
	m.servers = append(m.servers, cfg)
	return nil
}

// Reconfigure replaces the configured server set. Live sessions are left
// alone; the new configuration only governs later Start calls, so a running
// server picks its new config up on restart. Invalid entries are skipped.
func (m *Manager) Reconfigure(servers []*ServerConfig) {
	valid := make([]*ServerConfig, 0, len(servers))
	for _, cfg := range servers {
		if cfg == nil {
			continue
		}
		if err := cfg.Validate(); err != nil {
			m.logger.Warn("skipping invalid server config on reload",
				"server", cfg.Key,
				"error", err)
			continue
		}
		valid = append(valid, cfg)
	}

	m.mu.Lock()
	m.servers = valid
	m.mu.Unlock()

	m.logger.Info("server catalogue reconfigured", "servers", len(valid))
}

// StopAll closes every session concurrently.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	var g errgroup.Group
	for key, client := range clients {
		g.Go(func() error {
			if err := client.Close(); err != nil {
				m.logger.Error("failed to close MCP client",
					"server", key,
					"error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Start launches or connects the server with the given key. Starting a
// running server is a conflict.
func (m *Manager) Start(ctx context.Context, key string) error {
	cfg := m.serverConfig(key)
	if cfg == nil {
		return hosterr.Newf(hosterr.KindNotFound, "server %q not configured", key)
	}

	m.mu.Lock()
	if _, exists := m.clients[key]; exists {
		m.mu.Unlock()
		return hosterr.Newf(hosterr.KindConflict, "server %q already running", key)
	}
	m.mu.Unlock()

	client := NewClient(cfg, m.handler, m.logger)
	client.OnReconnect = func(attempt int) {
		if m.OnSSEReconnect != nil {
			m.OnSSEReconnect(key, attempt)
		}
	}

	if err := client.Connect(ctx); err != nil {
		return hosterr.Wrap(hosterr.KindTransport, fmt.Sprintf("start server %q", key), err)
	}

	m.mu.Lock()
	if _, exists := m.clients[key]; exists {
		m.mu.Unlock()
		client.Close()
		return hosterr.Newf(hosterr.KindConflict, "server %q already running", key)
	}
	m.clients[key] = client
	m.restarts[key]++
	m.mu.Unlock()

	return nil
}

// Stop closes the session with the given key. Stopping a stopped server is
// a no-op.
func (m *Manager) Stop(key string) error {
	m.mu.Lock()
	client, exists := m.clients[key]
	delete(m.clients, key)
	m.mu.Unlock()

	if !exists {
		return nil
	}

	if err := client.Close(); err != nil {
		return err
	}

	m.logger.Info("stopped MCP server", "server", key)
	return nil
}

// Client returns the live session for a server key.
func (m *Manager) Client(key string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, exists := m.clients[key]
	return client, exists
}

// Clients returns a snapshot of all live sessions.
func (m *Manager) Clients() map[string]*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*Client, len(m.clients))
	for key, client := range m.clients {
		result[key] = client
	}
	return result
}

// Configured returns the configured servers in registration order.
func (m *Manager) Configured() []*ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*ServerConfig(nil), m.servers...)
}

// AllTools returns the tools of every live session, keyed by server.
func (m *Manager) AllTools() map[string][]*Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]*Tool)
	for key, client := range m.clients {
		if tools := client.Tools(); len(tools) > 0 {
			result[key] = tools
		}
	}
	return result
}

// AllResources returns the resources of every live session, keyed by server.
func (m *Manager) AllResources() map[string][]*Resource {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]*Resource)
	for key, client := range m.clients {
		if resources := client.Resources(); len(resources) > 0 {
			result[key] = resources
		}
	}
	return result
}

// AllPrompts returns the prompts of every live session, keyed by server.
func (m *Manager) AllPrompts() map[string][]*Prompt {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]*Prompt)
	for key, client := range m.clients {
		if prompts := client.Prompts(); len(prompts) > 0 {
			result[key] = prompts
		}
	}
	return result
}

// Tool resolves a tool by server key and local name.
func (m *Manager) Tool(serverKey, name string) (*Tool, error) {
	client, exists := m.Client(serverKey)
	if !exists {
		return nil, hosterr.Newf(hosterr.KindNotFound, "server %q not connected", serverKey)
	}

	for _, t := range client.Tools() {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, hosterr.Newf(hosterr.KindNotFound, "tool %q not found on server %q", name, serverKey)
}

// CallTool calls a tool on a specific server.
func (m *Manager) CallTool(ctx context.Context, serverKey, toolName string, arguments map[string]any) (*ToolCallResult, error) {
	client, exists := m.Client(serverKey)
	if !exists {
		return nil, hosterr.Newf(hosterr.KindNotFound, "server %q not connected", serverKey)
	}

	return client.CallTool(ctx, toolName, arguments)
}

// ReadResource reads a resource from a specific server.
func (m *Manager) ReadResource(ctx context.Context, serverKey, uri string) ([]*ResourceContent, error) {
	client, exists := m.Client(serverKey)
	if !exists {
		return nil, hosterr.Newf(hosterr.KindNotFound, "server %q not connected", serverKey)
	}

	return client.ReadResource(ctx, uri)
}

// GetPrompt gets a prompt from a specific server.
func (m *Manager) GetPrompt(ctx context.Context, serverKey, name string, arguments map[string]string) (*GetPromptResult, error) {
	client, exists := m.Client(serverKey)
	if !exists {
		return nil, hosterr.Newf(hosterr.KindNotFound, "server %q not connected", serverKey)
	}

	return client.GetPrompt(ctx, name, arguments)
}

// NotifyRootsChanged fans the roots change notification out to the given
// session, or to every live session when key is empty.
func (m *Manager) NotifyRootsChanged(ctx context.Context, key string) {
	if key != "" {
		if client, ok := m.Client(key); ok {
			if err := client.NotifyRootsChanged(ctx); err != nil {
				m.logger.Warn("roots change notification failed",
					"server", key, "error", err)
			}
		}
		return
	}

	for k, client := range m.Clients() {
		if err := client.NotifyRootsChanged(ctx); err != nil {
			m.logger.Warn("roots change notification failed",
				"server", k, "error", err)
		}
	}
}

// ServerStatus describes one configured server for the API surface.
type ServerStatus struct {
	Key         string     `json:"key"`
	Transport   string     `json:"transport"`
	Connected   bool       `json:"connected"`
	AutoStart   bool       `json:"auto_start"`
	Server      ServerInfo `json:"server,omitempty"`
	Tools       int        `json:"tools"`
	Resources   int        `json:"resources"`
	Prompts     int        `json:"prompts"`
	Restarts    int        `json:"restarts"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
}

// Status reports every configured server, connected or not.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(m.servers))
	for _, cfg := range m.servers {
		status := ServerStatus{
			Key:       cfg.Key,
			Transport: string(cfg.Transport),
			AutoStart: cfg.AutoStart,
		}

		if client, exists := m.clients[cfg.Key]; exists {
			status.Connected = client.Connected()
			status.Server = client.ServerInfo()
			status.Tools = len(client.Tools())
			status.Resources = len(client.Resources())
			status.Prompts = len(client.Prompts())
			status.Restarts = m.restarts[cfg.Key] - 1
			if at := client.ConnectedAt(); !at.IsZero() {
				status.ConnectedAt = &at
			}
		}

		statuses = append(statuses, status)
	}

	return statuses
}

// serverConfig finds a configured server by key.
func (m *Manager) serverConfig(key string) *ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cfg := range m.servers {
		if cfg.Key == key {
			return cfg
		}
	}
	return nil
}

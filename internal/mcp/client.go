package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultClientInfo identifies this host during the initialize handshake.
// cmd overrides the version at startup.
var DefaultClientInfo = ClientInfo{Name: "maestro", Version: "dev"}

const (
	// defaultHandshakeTimeout bounds the initialize exchange.
	defaultHandshakeTimeout = 30 * time.Second

	// nodeRunnerHandshakeTimeout allows package runners (npx and friends) to
	// cold-download the server before it answers.
	nodeRunnerHandshakeTimeout = 60 * time.Second

	// serverRequestTimeout bounds handling of one server-initiated request,
	// including the LLM round trip a sampling request may need.
	serverRequestTimeout = 2 * time.Minute
)

// nodeRunners are commands that fetch a package before running it.
var nodeRunners = map[string]bool{
	"npx":  true,
	"bunx": true,
	"pnpm": true,
	"yarn": true,
}

// RequestHandler answers server-initiated requests. The host wires one
// handler into every client so sampling and roots flow through shared policy.
type RequestHandler interface {
	// HandleSampling processes sampling/createMessage. The returned error is
	// sent verbatim as the JSON-RPC error.
	HandleSampling(ctx context.Context, serverKey string, params json.RawMessage) (*SamplingResponse, *JSONRPCError)

	// HandleRootsList answers roots/list with the session's effective roots.
	HandleRootsList(ctx context.Context, serverKey string) (*ListRootsResult, *JSONRPCError)
}

// Client is an MCP client that owns a single server session: transport,
// handshake, cached capabilities, and server-initiated request dispatch.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger
	handler   RequestHandler

	// Cached capabilities
	tools     []*Tool
	resources []*Resource
	prompts   []*Prompt
	mu        sync.RWMutex

	serverInfo   ServerInfo
	serverCaps   Capabilities
	connectedAt  time.Time
	done         chan struct{}
	shutdownOnce sync.Once

	// OnReconnect, when set before Connect, observes transport reconnects.
	// Only SSE sessions reconnect; stdio sessions never fire it.
	OnReconnect func(attempt int)
}

// NewClient creates a client for one server. The handler may be nil, in
// which case server-initiated requests are answered with method-not-found.
func NewClient(cfg *ServerConfig, handler RequestHandler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		config:    cfg,
		transport: NewTransport(cfg, logger),
		logger:    logger.With("mcp_server", cfg.Key),
		handler:   handler,
		done:      make(chan struct{}),
	}

	if sse, ok := c.transport.(*SSETransport); ok {
		sse.OnReconnect = func(attempt int) {
			if c.OnReconnect != nil {
				c.OnReconnect(attempt)
			}
		}
	}

	return c
}

// HandshakeTimeout returns the deadline for the initialize exchange. An
// explicit configured timeout wins; Node package runners get extra headroom.
func (c *Client) HandshakeTimeout() time.Duration {
	if c.config.Timeout > 0 {
		return c.config.Timeout
	}
	if c.config.Transport == TransportStdio && nodeRunners[filepath.Base(c.config.Command)] {
		return nodeRunnerHandshakeTimeout
	}
	return defaultHandshakeTimeout
}

// Connect establishes the session: transport, initialize handshake,
// initialized notification, then capability refresh. Each capability list is
// tolerated to fail; a server without prompts is still a usable server.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, c.HandshakeTimeout())
	defer cancel()

	result, err := c.transport.Call(hctx, "initialize", InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities: Capabilities{
			Roots:    &RootsCapability{ListChanged: true},
			Sampling: &SamplingCapability{},
		},
		ClientInfo: DefaultClientInfo,
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}

	c.serverInfo = initResult.ServerInfo
	c.serverCaps = initResult.Capabilities
	c.connectedAt = time.Now()
	c.logger.Info("connected to MCP server",
		"name", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if err := c.RefreshCapabilities(ctx); err != nil {
		c.logger.Warn("failed to refresh capabilities", "error", err)
	}

	go c.dispatchRequests()
	go c.watchNotifications()

	return nil
}

// Close tears down the session and its dispatch goroutines.
func (c *Client) Close() error {
	c.shutdownOnce.Do(func() {
		close(c.done)
	})
	return c.transport.Close()
}

// Config returns the server configuration.
func (c *Client) Config() *ServerConfig {
	return c.config
}

// Key returns the server key.
func (c *Client) Key() string {
	return c.config.Key
}

// ServerInfo returns information about the connected server.
func (c *Client) ServerInfo() ServerInfo {
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server declared.
func (c *Client) ServerCapabilities() Capabilities {
	return c.serverCaps
}

// ConnectedAt returns when the handshake completed.
func (c *Client) ConnectedAt() time.Time {
	return c.connectedAt
}

// Connected returns whether the client is connected.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// RefreshCapabilities re-pulls the tool, resource, and prompt lists. The
// three calls run concurrently and failures downgrade to warnings.
func (c *Client) RefreshCapabilities(ctx context.Context) error {
	var (
		tools     []*Tool
		resources []*Resource
		prompts   []*Prompt
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		result, err := c.transport.Call(gctx, "tools/list", nil)
		if err != nil {
			c.logger.Warn("tools/list failed", "error", err)
			return nil
		}
		var resp ListToolsResult
		if err := json.Unmarshal(result, &resp); err != nil {
			c.logger.Warn("tools/list returned bad payload", "error", err)
			return nil
		}
		tools = resp.Tools
		return nil
	})

	g.Go(func() error {
		result, err := c.transport.Call(gctx, "resources/list", nil)
		if err != nil {
			c.logger.Debug("resources/list failed", "error", err)
			return nil
		}
		var resp ListResourcesResult
		if err := json.Unmarshal(result, &resp); err != nil {
			c.logger.Warn("resources/list returned bad payload", "error", err)
			return nil
		}
		resources = resp.Resources
		return nil
	})

	g.Go(func() error {
		result, err := c.transport.Call(gctx, "prompts/list", nil)
		if err != nil {
			c.logger.Debug("prompts/list failed", "error", err)
			return nil
		}
		var resp ListPromptsResult
		if err := json.Unmarshal(result, &resp); err != nil {
			c.logger.Warn("prompts/list returned bad payload", "error", err)
			return nil
		}
		prompts = resp.Prompts
		return nil
	})

	g.Wait()

	c.mu.Lock()
	c.tools = tools
	c.resources = resources
	c.prompts = prompts
	c.mu.Unlock()

	c.logger.Debug("refreshed capabilities",
		"tools", len(tools),
		"resources", len(resources),
		"prompts", len(prompts))
	return nil
}

// Tools returns the cached tools.
func (c *Client) Tools() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// Resources returns the cached resources.
func (c *Client) Resources() []*Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resources
}

// Prompts returns the cached prompts.
func (c *Client) Prompts() []*Prompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prompts
}

// CallTool calls a tool on the MCP server.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := CallToolParams{
		Name: name,
	}
	if arguments != nil {
		argsJSON, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = argsJSON
	}

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &callResult, nil
}

// ReadResource reads a resource from the MCP server.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]*ResourceContent, error) {
	result, err := c.transport.Call(ctx, "resources/read", map[string]any{
		"uri": uri,
	})
	if err != nil {
		return nil, err
	}

	var readResult ReadResourceResult
	if err := json.Unmarshal(result, &readResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return readResult.Contents, nil
}

// GetPrompt gets a prompt from the MCP server.
func (c *Client) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*GetPromptResult, error) {
	result, err := c.transport.Call(ctx, "prompts/get", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}

	var promptResult GetPromptResult
	if err := json.Unmarshal(result, &promptResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &promptResult, nil
}

// NotifyRootsChanged tells the server the roots list changed; the server
// re-pulls via roots/list when it cares.
func (c *Client) NotifyRootsChanged(ctx context.Context) error {
	return c.transport.Notify(ctx, "notifications/roots/list_changed", nil)
}

// dispatchRequests answers server-initiated requests until Close.
func (c *Client) dispatchRequests() {
	for {
		select {
		case req := <-c.transport.Requests():
			if req == nil {
				continue
			}
			go c.handleServerRequest(req)
		case <-c.done:
			return
		}
	}
}

// handleServerRequest routes one server request to the host's handler.
func (c *Client) handleServerRequest(req *JSONRPCRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), serverRequestTimeout)
	defer cancel()

	var result any
	var rpcErr *JSONRPCError

	switch {
	case c.handler == nil:
		rpcErr = &JSONRPCError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("no handler for %q", req.Method),
		}
	case req.Method == "sampling/createMessage":
		resp, herr := c.handler.HandleSampling(ctx, c.config.Key, req.Params)
		rpcErr = herr
		if herr == nil {
			result = resp
		}
	case req.Method == "roots/list":
		roots, herr := c.handler.HandleRootsList(ctx, c.config.Key)
		rpcErr = herr
		if herr == nil {
			result = roots
		}
	default:
		rpcErr = &JSONRPCError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("method %q not supported", req.Method),
		}
	}

	if err := c.transport.Respond(ctx, req.ID, result, rpcErr); err != nil {
		c.logger.Warn("failed to respond to server request",
			"method", req.Method,
			"error", err)
	}
}

// watchNotifications refreshes cached capabilities when the server announces
// list changes.
func (c *Client) watchNotifications() {
	for {
		select {
		case notif := <-c.transport.Events():
			if notif == nil {
				continue
			}
			switch notif.Method {
			case "notifications/tools/list_changed",
				"notifications/resources/list_changed",
				"notifications/prompts/list_changed":
				ctx, cancel := context.WithTimeout(context.Background(), defaultHandshakeTimeout)
				if err := c.RefreshCapabilities(ctx); err != nil {
					c.logger.Warn("capability refresh failed", "error", err)
				}
				cancel()
			default:
				c.logger.Debug("server notification", "method", notif.Method)
			}
		case <-c.done:
			return
		}
	}
}

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	// defaultCallTimeout bounds a single request/response exchange.
	defaultCallTimeout = 30 * time.Second

	// stopGracePeriod is how long Close waits after SIGTERM before SIGKILL.
	stopGracePeriod = 5 * time.Second

	// scannerBufferSize caps a single stdout line at 1MB.
	scannerBufferSize = 1024 * 1024
)

// StdioTransport runs an MCP server as a child process and speaks
// line-delimited JSON-RPC over its stdin/stdout. One JSON message per line,
// UTF-8, newline terminated.
type StdioTransport struct {
	config *ServerConfig
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stderr  io.ReadCloser

	router  *inboundRouter
	nextID  atomic.Int64
	writeMu sync.Mutex

	connected atomic.Bool
	stopChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewStdioTransport creates a stdio transport for the server configuration.
func NewStdioTransport(cfg *ServerConfig, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", cfg.Key, "transport", "stdio")

	t := &StdioTransport{
		config:   cfg,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	t.router = newInboundRouter(logger, t.stopChan, cfg.MaxMalformed)
	return t
}

// Connect starts the subprocess and the reader goroutines.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.config.Command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}

	t.process = exec.CommandContext(ctx, t.config.Command, t.config.Args...)

	// Child gets the parent environment plus configured overrides.
	t.process.Env = os.Environ()
	for k, v := range t.config.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}

	if t.config.WorkDir != "" {
		t.process.Dir = t.config.WorkDir
	}

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	t.stdout = bufio.NewScanner(stdout)
	t.stdout.Buffer(make([]byte, scannerBufferSize), scannerBufferSize)

	t.stderr, _ = t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	t.connected.Store(true)
	t.logger.Info("started MCP server process",
		"command", t.config.Command,
		"pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop()

	if t.stderr != nil {
		t.wg.Add(1)
		go t.logStderr()
	}

	return nil
}

// Close stops the subprocess: SIGTERM, then SIGKILL after the grace period.
// All pending calls fail with ErrTransportClosed. Idempotent.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.stopChan)

		if t.stdin != nil {
			t.stdin.Close()
		}

		t.terminate()
		t.wg.Wait()
		t.router.failPending(ErrTransportClosed)
	})
	return nil
}

// terminate asks the process to exit and escalates to SIGKILL.
func (t *StdioTransport) terminate() {
	if t.process == nil || t.process.Process == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		t.process.Wait()
		close(done)
	}()

	if err := t.process.Process.Signal(syscall.SIGTERM); err != nil {
		// Process already gone; just reap it.
		<-done
		return
	}

	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		t.logger.Warn("process did not exit after SIGTERM, killing",
			"grace", stopGracePeriod)
		t.process.Process.Kill()
		<-done
	}
}

// Call sends a request and waits for the matching response.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrTransportClosed
	}

	id := t.nextID.Add(1)

	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := t.router.register(id)
	defer t.router.unregister(id)

	if err := t.write(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = defaultCallTimeout
	}

	select {
	case res := <-respChan:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, res.resp.Error)
		}
		return res.resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: %s after %v", ErrCallTimeout, method, timeout)
	case <-t.stopChan:
		return nil, ErrTransportClosed
	}
}

// Notify sends a notification (no response expected).
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrTransportClosed
	}

	notif := JSONRPCNotification{
		JSONRPC: "2.0",
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	if err := t.write(notif); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Respond answers a server-initiated request.
func (t *StdioTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	if !t.connected.Load() {
		return ErrTransportClosed
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcErr,
	}
	if rpcErr == nil && result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resp.Result = data
	}

	if err := t.write(resp); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// write serializes v and writes it as one line. The mutex keeps concurrent
// writers from interleaving frames on stdin.
func (t *StdioTransport) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

// Events returns the notification channel.
func (t *StdioTransport) Events() <-chan *JSONRPCNotification {
	return t.router.events
}

// Requests returns the server-initiated request channel.
func (t *StdioTransport) Requests() <-chan *JSONRPCRequest {
	return t.router.requests
}

// Connected returns whether the transport is connected.
func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

// readLoop is the single reader off stdout. It exits when the process dies
// or the scanner fails, failing whatever calls are still in flight.
func (t *StdioTransport) readLoop() {
	defer t.wg.Done()
	defer func() {
		t.connected.Store(false)
		t.router.failPending(fmt.Errorf("%w: process exited", ErrTransportClosed))
	}()

	for t.stdout.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		// Text copies out of the scanner buffer; RawMessage fields in the
		// dispatched message alias the line and outlive this iteration.
		line := t.stdout.Text()
		if line == "" {
			continue
		}

		if err := t.router.dispatch([]byte(line)); err != nil {
			t.logger.Error("closing transport", "error", err)
			go t.Close()
			return
		}
	}

	if err := t.stdout.Err(); err != nil {
		t.logger.Error("stdout scanner error", "error", err)
	}
}

// logStderr surfaces subprocess stderr in the host log.
func (t *StdioTransport) logStderr() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := scanner.Text()
		if line != "" {
			t.logger.Debug("server stderr", "message", line)
		}
	}
}

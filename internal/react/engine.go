// Package react drives the reason-act loop behind every chat turn: ask the
// model for a step, run the tool calls it requested, feed the observations
// back, repeat until the model answers in plain text or the iteration budget
// runs out. Calls the host flags as risky suspend the run; a human verdict
// resumes it with the same iteration count, so a confirmation costs the
// model nothing.
package react

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ch1109/maestro/internal/hosterr"
	"github.com/ch1109/maestro/internal/llm"
	"github.com/ch1109/maestro/internal/mcp"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultMaxIterations = 10
	DefaultMaxTokens     = 4096
)

// eventBuffer sizes run event channels. A consumer that falls behind blocks
// the loop rather than losing events.
const eventBuffer = 10

// maxCallsPerTurn bounds how many tool calls one assistant turn may carry.
const maxCallsPerTurn = 100

// Decision is the outcome of preparing one tool call.
type Decision struct {
	// RequestID identifies the prepared call for Execute. When a
	// confirmation is needed it doubles as the approval request id.
	RequestID string

	// Risk is the assessed level: low, medium, high, or critical.
	Risk string

	// NeedsConfirmation marks calls a human must approve before they run.
	NeedsConfirmation bool

	// Message tells the operator why the call was held.
	Message string
}

// Observation is a finished tool call the way the conversation records it.
type Observation struct {
	Content string
	IsError bool
	Elapsed time.Duration
}

// Broker prepares and executes tool calls on behalf of a run. The host
// facade implements it: Prepare owns risk classification and path
// validation, Execute owns dispatch and result caching.
type Broker interface {
	Tools(ctx context.Context) []mcp.AggregatedTool
	Prepare(ctx context.Context, sessionID, publicName string, args json.RawMessage) (*Decision, error)
	Execute(ctx context.Context, sessionID, requestID string) (*Observation, error)
}

// Conversation persists per-session message history between runs.
type Conversation interface {
	History(ctx context.Context, sessionID string) ([]llm.Message, error)
	Append(ctx context.Context, sessionID string, msgs ...llm.Message) error
}

// Completer produces one model step. *llm.Registry satisfies it.
type Completer interface {
	Complete(ctx context.Context, provider string, req *llm.Request) (*llm.Response, error)
}

// Config sets engine-wide defaults.
type Config struct {
	MaxIterations int
	MaxTokens     int
	Provider      string // llm registry backend; empty selects the default
	Model         string
	Temperature   float64
	Persona       string // opening line of the synthesized system prompt
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Persona == "" {
		c.Persona = defaultPersona
	}
	return c
}

// Options override engine defaults for a single run.
type Options struct {
	Provider    string
	Model       string
	System      string // appended to the synthesized system prompt
	MaxTokens   int
	Temperature float64
}

type runPhase int

const (
	runActive runPhase = iota
	runParked
)

// runState is everything a loop needs to continue, including across a park.
// Conversation fields belong to the driving goroutine; phase bookkeeping is
// guarded by Engine.mu.
type runState struct {
	sessionID   string
	provider    string
	model       string
	maxTokens   int
	temperature float64
	system      string
	tools       []llm.ToolSpec
	messages    []llm.Message
	iteration   int

	// In-flight assistant turn.
	calls     []llm.ToolCall
	callIndex int
	results   []llm.ToolResult

	// Guarded by Engine.mu.
	phase    runPhase
	parkedOn string
}

// Engine runs at most one loop per session and keeps suspended loops around
// until a verdict arrives or the session is reset.
type Engine struct {
	cfg     Config
	broker  Broker
	llm     Completer
	history Conversation
	logger  *slog.Logger

	mu     sync.Mutex
	runs   map[string]*runState
	closed bool

	now func() time.Time
}

// NewEngine wires a loop engine to its tool broker, model, and history store.
func NewEngine(cfg Config, broker Broker, completer Completer, history Conversation, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg.withDefaults(),
		broker:  broker,
		llm:     completer,
		history: history,
		logger:  logger.With("component", "react"),
		runs:    make(map[string]*runState),
		now:     time.Now,
	}
}

// Run starts a loop for the user message and streams its events. The channel
// closes when the run finishes, errors, or suspends on a confirmation.
// Setup failures (unknown session, conflicting run) are returned
// synchronously instead of as stream events.
func (e *Engine) Run(ctx context.Context, sessionID, userMessage string, opts Options) (<-chan Event, error) {
	if userMessage == "" {
		return nil, hosterr.New(hosterr.KindValidation, "message must not be empty")
	}

	run := &runState{
		sessionID:   sessionID,
		provider:    pick(opts.Provider, e.cfg.Provider),
		model:       pick(opts.Model, e.cfg.Model),
		maxTokens:   pick(opts.MaxTokens, e.cfg.MaxTokens),
		temperature: pick(opts.Temperature, e.cfg.Temperature),
	}
	if err := e.admit(sessionID, run); err != nil {
		return nil, err
	}

	catalogue := e.broker.Tools(ctx)
	run.tools = toolSpecs(catalogue)
	run.system = e.systemPrompt(catalogue, opts.System)

	stored, err := e.history.History(ctx, sessionID)
	if err != nil {
		e.evict(sessionID, run)
		return nil, err
	}
	userMsg := llm.Message{Role: llm.RoleUser, Content: userMessage}
	if err := e.history.Append(ctx, sessionID, userMsg); err != nil {
		e.evict(sessionID, run)
		return nil, err
	}
	run.messages = append(repairTranscript(stored), userMsg)

	events := make(chan Event, eventBuffer)
	go func() {
		defer close(events)
		e.logger.Debug("run started", "session_id", sessionID, "tools", len(run.tools))
		parked := false
		if send(ctx, events, StateEvent{State: StateReasoning}) {
			parked = e.iterate(ctx, run, events)
		}
		if !parked {
			e.evict(sessionID, run)
		}
	}()
	return events, nil
}

// ContinueAfterConfirmation resumes a run suspended on the given
// confirmation. Approved calls execute (with the approver's modified
// arguments when provided); rejected calls become an error observation the
// model can route around. The rest of the suspended assistant turn is then
// processed and the loop continues with its preserved iteration count.
func (e *Engine) ContinueAfterConfirmation(ctx context.Context, sessionID, requestID string, approved bool, modifiedArgs json.RawMessage) (<-chan Event, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, hosterr.New(hosterr.KindFatal, "engine is shut down")
	}
	run, ok := e.runs[sessionID]
	if !ok || run.phase != runParked {
		e.mu.Unlock()
		return nil, hosterr.Newf(hosterr.KindNotFound, "session %s has no run awaiting confirmation", sessionID)
	}
	if run.parkedOn != requestID {
		e.mu.Unlock()
		return nil, hosterr.Newf(hosterr.KindConflict,
			"session %s is waiting on confirmation %s, not %s", sessionID, run.parkedOn, requestID)
	}
	run.phase = runActive
	run.parkedOn = ""
	e.mu.Unlock()

	events := make(chan Event, eventBuffer)
	go func() {
		defer close(events)
		e.logger.Debug("run resumed", "session_id", sessionID, "request_id", requestID, "approved", approved)
		if parked := e.resume(ctx, run, requestID, approved, modifiedArgs, events); !parked {
			e.evict(sessionID, run)
		}
	}()
	return events, nil
}

// Parked reports the confirmation id a session's run is suspended on.
func (e *Engine) Parked(sessionID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[sessionID]
	if !ok || run.phase != runParked {
		return "", false
	}
	return run.parkedOn, true
}

// Reset drops a parked run, abandoning its confirmation. Active runs are
// left alone; they end with their contexts.
func (e *Engine) Reset(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[sessionID]
	if !ok || run.phase != runParked {
		return false
	}
	delete(e.runs, sessionID)
	return true
}

// Close refuses new runs. In-flight runs end when their contexts do.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// admit registers a run for the session, enforcing one run per session.
func (e *Engine) admit(sessionID string, run *runState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return hosterr.New(hosterr.KindFatal, "engine is shut down")
	}
	if existing, ok := e.runs[sessionID]; ok {
		if existing.phase == runParked {
			return hosterr.Newf(hosterr.KindConflict,
				"session %s is waiting on confirmation %s", sessionID, existing.parkedOn)
		}
		return hosterr.Newf(hosterr.KindConflict, "session %s already has a run in flight", sessionID)
	}
	e.runs[sessionID] = run
	return nil
}

// evict removes the session's entry if this run still owns it. A run that
// parked hands its entry to ContinueAfterConfirmation and must not evict.
func (e *Engine) evict(sessionID string, run *runState) {
	e.mu.Lock()
	if e.runs[sessionID] == run {
		delete(e.runs, sessionID)
	}
	e.mu.Unlock()
}

// park flips the run to parked before the confirmation event is emitted, so
// a verdict arriving right behind the event finds the run resumable.
func (e *Engine) park(run *runState, requestID string) {
	e.mu.Lock()
	run.phase = runParked
	run.parkedOn = requestID
	e.mu.Unlock()
}

// iterate loops model steps until a terminal event or a park. It reports
// whether the run suspended.
func (e *Engine) iterate(ctx context.Context, run *runState, events chan<- Event) bool {
	for run.iteration < e.cfg.MaxIterations {
		if ctx.Err() != nil {
			send(ctx, events, ErrorEvent{Err: ctx.Err().Error()})
			return false
		}

		resp, err := e.llm.Complete(ctx, run.provider, &llm.Request{
			Model:       run.model,
			System:      run.system,
			Messages:    run.messages,
			Tools:       run.tools,
			MaxTokens:   run.maxTokens,
			Temperature: run.temperature,
		})
		if err != nil {
			send(ctx, events, ErrorEvent{Err: "completion failed: " + err.Error()})
			return false
		}

		if len(resp.ToolCalls) == 0 {
			final := llm.Message{Role: llm.RoleAssistant, Content: resp.Content}
			run.messages = append(run.messages, final)
			e.append(ctx, run.sessionID, final)
			send(ctx, events, FinalEvent{Content: resp.Content, Steps: run.iteration + 1})
			return false
		}
		if len(resp.ToolCalls) > maxCallsPerTurn {
			send(ctx, events, ErrorEvent{Err: fmt.Sprintf(
				"model requested %d tool calls in one turn, limit is %d", len(resp.ToolCalls), maxCallsPerTurn)})
			return false
		}

		assistant := llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
		run.messages = append(run.messages, assistant)
		e.append(ctx, run.sessionID, assistant)

		run.calls = resp.ToolCalls
		run.callIndex = 0
		run.results = make([]llm.ToolResult, 0, len(resp.ToolCalls))

		parked, aborted := e.processCalls(ctx, run, events)
		if parked {
			return true
		}
		if aborted {
			return false
		}
		run.iteration++
	}

	send(ctx, events, ErrorEvent{Err: fmt.Sprintf("max iterations (%d) reached", e.cfg.MaxIterations)})
	return false
}

// resume applies the verdict to the parked call, finishes the rest of the
// suspended turn, and re-enters the loop.
func (e *Engine) resume(ctx context.Context, run *runState, requestID string, approved bool, modifiedArgs json.RawMessage, events chan<- Event) bool {
	call := run.calls[run.callIndex]

	if approved {
		args := call.Args
		if len(modifiedArgs) > 0 {
			args = modifiedArgs
		}
		if !e.executeCall(ctx, run, call, requestID, args, events) {
			return false
		}
	} else {
		// A rejection is an observation, not a run failure: the model sees
		// it and routes around the blocked call.
		run.results = append(run.results, llm.ToolResult{
			ToolCallID: call.ID,
			Content:    "call rejected by user",
			IsError:    true,
		})
		if !send(ctx, events, RejectionEvent{
			RequestID: requestID,
			Message:   fmt.Sprintf("tool call %s rejected by user", call.Name),
		}) {
			return false
		}
	}
	run.callIndex++

	parked, aborted := e.processCalls(ctx, run, events)
	if parked {
		return true
	}
	if aborted {
		return false
	}
	run.iteration++

	if !send(ctx, events, StateEvent{State: StateReasoning}) {
		return false
	}
	return e.iterate(ctx, run, events)
}

// processCalls drives the in-flight assistant turn from run.callIndex on.
// When every call has an observation it appends the tool message to the
// conversation. parked means a call suspended on a confirmation; aborted
// means the event consumer went away.
func (e *Engine) processCalls(ctx context.Context, run *runState, events chan<- Event) (parked, aborted bool) {
	for ; run.callIndex < len(run.calls); run.callIndex++ {
		call := run.calls[run.callIndex]
		if !send(ctx, events, ToolCallEvent{Tool: call.Name, Arguments: call.Args, State: PhasePreparing}) {
			return false, true
		}

		decision, err := e.broker.Prepare(ctx, run.sessionID, call.Name, call.Args)
		if err != nil {
			// Unknown tools and invalid arguments become observations so the
			// model can correct itself.
			run.results = append(run.results, llm.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true})
			if !send(ctx, events, ToolResultEvent{Tool: call.Name, Success: false, Error: err.Error()}) {
				return false, true
			}
			continue
		}

		if decision.NeedsConfirmation {
			e.park(run, decision.RequestID)
			send(ctx, events, ConfirmationEvent{
				RequestID: decision.RequestID,
				Tool:      call.Name,
				Arguments: call.Args,
				RiskLevel: decision.Risk,
				Message:   decision.Message,
			})
			e.logger.Info("run parked for confirmation",
				"session_id", run.sessionID, "tool", call.Name, "request_id", decision.RequestID)
			return true, false
		}

		if !e.executeCall(ctx, run, call, decision.RequestID, call.Args, events) {
			return false, true
		}
	}

	toolMsg := llm.Message{Role: llm.RoleTool, ToolResults: run.results}
	run.messages = append(run.messages, toolMsg)
	e.append(ctx, run.sessionID, toolMsg)
	run.calls, run.results, run.callIndex = nil, nil, 0
	return false, false
}

// executeCall dispatches one cleared call and records its observation. The
// return value is false when the event stream went away.
func (e *Engine) executeCall(ctx context.Context, run *runState, call llm.ToolCall, requestID string, args json.RawMessage, events chan<- Event) bool {
	if !send(ctx, events, ToolCallEvent{Tool: call.Name, Arguments: args, State: PhaseExecuting}) {
		return false
	}

	obs, err := e.broker.Execute(ctx, run.sessionID, requestID)
	var result llm.ToolResult
	var ev ToolResultEvent
	switch {
	case err != nil:
		result = llm.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
		ev = ToolResultEvent{Tool: call.Name, Success: false, Error: err.Error()}
	case obs.IsError:
		result = llm.ToolResult{ToolCallID: call.ID, Content: obs.Content, IsError: true}
		ev = ToolResultEvent{Tool: call.Name, Success: false, Error: obs.Content, ExecutionTimeMS: obs.Elapsed.Milliseconds()}
	default:
		result = llm.ToolResult{ToolCallID: call.ID, Content: obs.Content}
		ev = ToolResultEvent{Tool: call.Name, Success: true, Result: obs.Content, ExecutionTimeMS: obs.Elapsed.Milliseconds()}
	}
	run.results = append(run.results, result)
	return send(ctx, events, ev)
}

// append persists messages to session history. Mid-run failures are logged
// and the run carries on with its in-memory conversation.
func (e *Engine) append(ctx context.Context, sessionID string, msgs ...llm.Message) {
	if err := e.history.Append(ctx, sessionID, msgs...); err != nil {
		e.logger.Warn("history append failed", "session_id", sessionID, "error", err)
	}
}

// send delivers an event unless the consumer's context ended first.
func send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func pick[T comparable](override, fallback T) T {
	var zero T
	if override != zero {
		return override
	}
	return fallback
}

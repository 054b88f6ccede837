package react

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ch1109/maestro/internal/hosterr"
	"github.com/ch1109/maestro/internal/llm"
	"github.com/ch1109/maestro/internal/mcp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedCompleter returns canned responses in order and records requests.
type scriptedCompleter struct {
	mu    sync.Mutex
	steps []*llm.Response
	reqs  []*llm.Request
}

func (c *scriptedCompleter) Complete(_ context.Context, _ string, req *llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	if len(c.steps) == 0 {
		return nil, hosterr.New(hosterr.KindFatal, "script exhausted")
	}
	step := c.steps[0]
	c.steps = c.steps[1:]
	return step, nil
}

func (c *scriptedCompleter) requests() []*llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*llm.Request(nil), c.reqs...)
}

func toolCallResponse(calls ...llm.ToolCall) *llm.Response {
	return &llm.Response{ToolCalls: calls, FinishReason: llm.FinishToolUse}
}

func finalResponse(content string) *llm.Response {
	return &llm.Response{Content: content, FinishReason: llm.FinishEndTurn}
}

// fakeBroker clears every call unless prepareFn says otherwise and hands out
// sequential request ids.
type fakeBroker struct {
	tools     []mcp.AggregatedTool
	prepareFn func(publicName string, args json.RawMessage) (*Decision, error)
	executeFn func(requestID string) (*Observation, error)

	mu       sync.Mutex
	nextID   int
	executed []string
}

func (b *fakeBroker) Tools(context.Context) []mcp.AggregatedTool { return b.tools }

func (b *fakeBroker) Prepare(_ context.Context, _, publicName string, args json.RawMessage) (*Decision, error) {
	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("req-%d", b.nextID)
	b.mu.Unlock()

	if b.prepareFn != nil {
		d, err := b.prepareFn(publicName, args)
		if err != nil {
			return nil, err
		}
		if d.RequestID == "" {
			d.RequestID = id
		}
		return d, nil
	}
	return &Decision{RequestID: id, Risk: "low"}, nil
}

func (b *fakeBroker) Execute(_ context.Context, _, requestID string) (*Observation, error) {
	b.mu.Lock()
	b.executed = append(b.executed, requestID)
	fn := b.executeFn
	b.mu.Unlock()

	if fn != nil {
		return fn(requestID)
	}
	return &Observation{Content: "tool output", Elapsed: 25 * time.Millisecond}, nil
}

func (b *fakeBroker) executedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.executed...)
}

// memConversation is an in-memory Conversation.
type memConversation struct {
	mu   sync.Mutex
	msgs map[string][]llm.Message
}

func newMemConversation() *memConversation {
	return &memConversation{msgs: make(map[string][]llm.Message)}
}

func (m *memConversation) History(_ context.Context, sessionID string) ([]llm.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Message(nil), m.msgs[sessionID]...), nil
}

func (m *memConversation) Append(_ context.Context, sessionID string, msgs ...llm.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs[sessionID] = append(m.msgs[sessionID], msgs...)
	return nil
}

func newTestEngine(t *testing.T, cfg Config, completer Completer, broker Broker) (*Engine, *memConversation) {
	t.Helper()
	history := newMemConversation()
	eng := NewEngine(cfg, broker, completer, history, testLogger())
	eng.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return eng, history
}

// collect drains an event channel until it closes.
func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var out []Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out draining events, got %d so far", len(out))
		}
	}
}

func eventTypes(evs []Event) string {
	tags := make([]string, len(evs))
	for i, ev := range evs {
		tags[i] = ev.Type()
	}
	return strings.Join(tags, " ")
}

func echoCall(id string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: "demo__echo", Args: json.RawMessage(`{"message":"hi"}`)}
}

func TestRunFinalWithoutTools(t *testing.T) {
	completer := &scriptedCompleter{steps: []*llm.Response{finalResponse("hello there")}}
	broker := &fakeBroker{tools: []mcp.AggregatedTool{{
		PublicName:  "demo__echo",
		Description: "[stdio:demo] Echo a message",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}}}`),
	}}}
	eng, history := newTestEngine(t, Config{}, completer, broker)

	events, err := eng.Run(context.Background(), "s1", "hi", Options{
		Model:       "glm-4",
		System:      "Prefer brevity.",
		MaxTokens:   512,
		Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	evs := collect(t, events)
	if got := eventTypes(evs); got != "state final" {
		t.Fatalf("events = %q, want %q", got, "state final")
	}
	final := evs[1].(FinalEvent)
	if final.Content != "hello there" || final.Steps != 1 {
		t.Errorf("final = %+v", final)
	}

	reqs := completer.requests()
	if len(reqs) != 1 {
		t.Fatalf("completions = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Model != "glm-4" || req.MaxTokens != 512 || req.Temperature != 0.2 {
		t.Errorf("request overrides not applied: %+v", req)
	}
	for _, want := range []string{"Today's date is 2025-06-01", "demo__echo", "Prefer brevity."} {
		if !strings.Contains(req.System, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "demo__echo" {
		t.Errorf("tool specs = %+v", req.Tools)
	}

	msgs, _ := history.History(context.Background(), "s1")
	if len(msgs) != 2 || msgs[0].Role != llm.RoleUser || msgs[1].Role != llm.RoleAssistant {
		t.Errorf("history = %+v", msgs)
	}
}

func TestRunExecutesToolCalls(t *testing.T) {
	completer := &scriptedCompleter{steps: []*llm.Response{
		toolCallResponse(echoCall("call-1")),
		finalResponse("echoed"),
	}}
	broker := &fakeBroker{}
	eng, history := newTestEngine(t, Config{}, completer, broker)

	events, err := eng.Run(context.Background(), "s1", "echo hi", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	evs := collect(t, events)
	want := "state tool_call tool_call tool_result final"
	if got := eventTypes(evs); got != want {
		t.Fatalf("events = %q, want %q", got, want)
	}
	if prep := evs[1].(ToolCallEvent); prep.State != PhasePreparing || prep.Tool != "demo__echo" {
		t.Errorf("preparing = %+v", prep)
	}
	if exec := evs[2].(ToolCallEvent); exec.State != PhaseExecuting {
		t.Errorf("executing = %+v", exec)
	}
	res := evs[3].(ToolResultEvent)
	if !res.Success || res.Result != "tool output" || res.ExecutionTimeMS != 25 {
		t.Errorf("result = %+v", res)
	}
	if final := evs[4].(FinalEvent); final.Steps != 2 {
		t.Errorf("steps = %d, want 2", final.Steps)
	}

	reqs := completer.requests()
	if reqs[0].MaxTokens != DefaultMaxTokens {
		t.Errorf("default max tokens = %d", reqs[0].MaxTokens)
	}
	second := reqs[1].Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleTool || len(last.ToolResults) != 1 || last.ToolResults[0].Content != "tool output" {
		t.Errorf("observation message = %+v", last)
	}
	if last.ToolResults[0].ToolCallID != "call-1" {
		t.Errorf("tool call id = %q", last.ToolResults[0].ToolCallID)
	}

	msgs, _ := history.History(context.Background(), "s1")
	if len(msgs) != 4 {
		t.Errorf("history length = %d, want user/assistant/tool/assistant", len(msgs))
	}
}

func TestRunToolFailureBecomesObservation(t *testing.T) {
	completer := &scriptedCompleter{steps: []*llm.Response{
		toolCallResponse(echoCall("call-1")),
		finalResponse("recovered"),
	}}
	broker := &fakeBroker{executeFn: func(string) (*Observation, error) {
		return &Observation{Content: "disk full", IsError: true, Elapsed: time.Millisecond}, nil
	}}
	eng, _ := newTestEngine(t, Config{}, completer, broker)

	events, err := eng.Run(context.Background(), "s1", "echo", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	evs := collect(t, events)

	var res ToolResultEvent
	for _, ev := range evs {
		if r, ok := ev.(ToolResultEvent); ok {
			res = r
		}
	}
	if res.Success || res.Error != "disk full" {
		t.Errorf("result event = %+v", res)
	}
	if _, ok := evs[len(evs)-1].(FinalEvent); !ok {
		t.Errorf("run did not finish after tool failure: %q", eventTypes(evs))
	}

	second := completer.requests()[1].Messages
	obs := second[len(second)-1].ToolResults[0]
	if !obs.IsError || obs.Content != "disk full" {
		t.Errorf("observation = %+v", obs)
	}
}

func TestRunPrepareErrorBecomesObservation(t *testing.T) {
	completer := &scriptedCompleter{steps: []*llm.Response{
		toolCallResponse(llm.ToolCall{ID: "call-1", Name: "ghost__tool", Args: json.RawMessage(`{}`)}),
		finalResponse("ok"),
	}}
	broker := &fakeBroker{prepareFn: func(name string, _ json.RawMessage) (*Decision, error) {
		return nil, hosterr.Newf(hosterr.KindNotFound, "tool %s not found", name)
	}}
	eng, _ := newTestEngine(t, Config{}, completer, broker)

	events, err := eng.Run(context.Background(), "s1", "go", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	evs := collect(t, events)

	want := "state tool_call tool_result final"
	if got := eventTypes(evs); got != want {
		t.Fatalf("events = %q, want %q", got, want)
	}
	res := evs[2].(ToolResultEvent)
	if res.Success || !strings.Contains(res.Error, "not found") {
		t.Errorf("result = %+v", res)
	}
	if got := broker.executedIDs(); len(got) != 0 {
		t.Errorf("executed = %v, want none", got)
	}
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	completer := &scriptedCompleter{steps: []*llm.Response{
		toolCallResponse(echoCall("call-1")),
		toolCallResponse(echoCall("call-2")),
		toolCallResponse(echoCall("call-3")),
	}}
	broker := &fakeBroker{}
	eng, _ := newTestEngine(t, Config{MaxIterations: 2}, completer, broker)

	events, err := eng.Run(context.Background(), "s1", "loop", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	evs := collect(t, events)

	errEv, ok := evs[len(evs)-1].(ErrorEvent)
	if !ok || !strings.Contains(errEv.Err, "max iterations (2) reached") {
		t.Fatalf("terminal event = %+v", evs[len(evs)-1])
	}
	if got := broker.executedIDs(); len(got) != 2 {
		t.Errorf("executed %d calls, want 2", len(got))
	}
}

func TestRunCompletionErrorEndsRun(t *testing.T) {
	completer := &scriptedCompleter{} // empty script fails immediately
	eng, _ := newTestEngine(t, Config{}, completer, &fakeBroker{})

	events, err := eng.Run(context.Background(), "s1", "hi", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	evs := collect(t, events)

	errEv, ok := evs[len(evs)-1].(ErrorEvent)
	if !ok || !strings.Contains(errEv.Err, "completion failed") {
		t.Fatalf("terminal event = %+v", evs[len(evs)-1])
	}

	// The session is free for a new run once the failed one unwinds.
	events, err = eng.Run(context.Background(), "s1", "retry", Options{})
	if err != nil {
		t.Fatalf("Run after failure: %v", err)
	}
	collect(t, events)
}

func TestRunRejectsEmptyMessage(t *testing.T) {
	eng, _ := newTestEngine(t, Config{}, &scriptedCompleter{}, &fakeBroker{})
	if _, err := eng.Run(context.Background(), "s1", "", Options{}); !hosterr.IsKind(err, hosterr.KindValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}

type gatedCompleter struct {
	release chan struct{}
}

func (c *gatedCompleter) Complete(ctx context.Context, _ string, _ *llm.Request) (*llm.Response, error) {
	select {
	case <-c.release:
		return finalResponse("done"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunConflictsWithRunInFlight(t *testing.T) {
	completer := &gatedCompleter{release: make(chan struct{})}
	eng, _ := newTestEngine(t, Config{}, completer, &fakeBroker{})

	events, err := eng.Run(context.Background(), "s1", "first", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := eng.Run(context.Background(), "s1", "second", Options{}); !hosterr.IsKind(err, hosterr.KindConflict) {
		t.Errorf("concurrent run: err = %v, want conflict", err)
	}

	// A different session is unaffected by s1's run.
	if _, err := eng.Run(context.Background(), "s2", "other", Options{}); err != nil {
		t.Errorf("other session blocked: %v", err)
	}

	close(completer.release)
	collect(t, events)
}

func confirmOn(toolName string) func(string, json.RawMessage) (*Decision, error) {
	return func(name string, _ json.RawMessage) (*Decision, error) {
		if name == toolName {
			return &Decision{Risk: "high", NeedsConfirmation: true, Message: "held for review"}, nil
		}
		return &Decision{Risk: "low"}, nil
	}
}

func TestConfirmationParksRun(t *testing.T) {
	completer := &scriptedCompleter{steps: []*llm.Response{
		toolCallResponse(llm.ToolCall{ID: "call-1", Name: "fs__write_file", Args: json.RawMessage(`{"path":"/etc/hosts"}`)}),
		finalResponse("unreachable"),
	}}
	broker := &fakeBroker{prepareFn: confirmOn("fs__write_file")}
	eng, _ := newTestEngine(t, Config{}, completer, broker)

	events, err := eng.Run(context.Background(), "s1", "write it", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	evs := collect(t, events)

	want := "state tool_call confirmation_required"
	if got := eventTypes(evs); got != want {
		t.Fatalf("events = %q, want %q", got, want)
	}
	conf := evs[2].(ConfirmationEvent)
	if conf.RequestID != "req-1" || conf.RiskLevel != "high" || conf.Message != "held for review" {
		t.Errorf("confirmation = %+v", conf)
	}
	if len(broker.executedIDs()) != 0 {
		t.Error("parked call executed")
	}

	if id, ok := eng.Parked("s1"); !ok || id != "req-1" {
		t.Errorf("Parked = %q/%v, want req-1", id, ok)
	}

	_, err = eng.Run(context.Background(), "s1", "again", Options{})
	if !hosterr.IsKind(err, hosterr.KindConflict) || !strings.Contains(err.Error(), "req-1") {
		t.Errorf("run while parked: err = %v", err)
	}
}

func parkOnWrite(t *testing.T, eng *Engine) {
	t.Helper()
	events, err := eng.Run(context.Background(), "s1", "write it", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	evs := collect(t, events)
	if _, ok := evs[len(evs)-1].(ConfirmationEvent); !ok {
		t.Fatalf("run did not park: %q", eventTypes(evs))
	}
}

func TestContinueApprovedExecutesAndFinishes(t *testing.T) {
	completer := &scriptedCompleter{steps: []*llm.Response{
		toolCallResponse(llm.ToolCall{ID: "call-1", Name: "fs__write_file", Args: json.RawMessage(`{"path":"/tmp/a"}`)}),
		finalResponse("written"),
	}}
	broker := &fakeBroker{prepareFn: confirmOn("fs__write_file")}
	eng, history := newTestEngine(t, Config{}, completer, broker)
	parkOnWrite(t, eng)

	events, err := eng.ContinueAfterConfirmation(context.Background(), "s1", "req-1", true, nil)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	evs := collect(t, events)

	want := "tool_call tool_result state final"
	if got := eventTypes(evs); got != want {
		t.Fatalf("events = %q, want %q", got, want)
	}
	if final := evs[3].(FinalEvent); final.Content != "written" || final.Steps != 2 {
		t.Errorf("final = %+v", final)
	}
	if got := broker.executedIDs(); len(got) != 1 || got[0] != "req-1" {
		t.Errorf("executed = %v", got)
	}
	if _, ok := eng.Parked("s1"); ok {
		t.Error("run still parked after resume")
	}

	msgs, _ := history.History(context.Background(), "s1")
	var toolMsg *llm.Message
	for i := range msgs {
		if msgs[i].Role == llm.RoleTool {
			toolMsg = &msgs[i]
		}
	}
	if toolMsg == nil || toolMsg.ToolResults[0].Content != "tool output" {
		t.Errorf("tool message = %+v", toolMsg)
	}
}

func TestContinueRejectedRoutesAround(t *testing.T) {
	completer := &scriptedCompleter{steps: []*llm.Response{
		toolCallResponse(llm.ToolCall{ID: "call-1", Name: "fs__write_file", Args: json.RawMessage(`{}`)}),
		finalResponse("could not write"),
	}}
	broker := &fakeBroker{prepareFn: confirmOn("fs__write_file")}
	eng, _ := newTestEngine(t, Config{}, completer, broker)
	parkOnWrite(t, eng)

	events, err := eng.ContinueAfterConfirmation(context.Background(), "s1", "req-1", false, nil)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	evs := collect(t, events)

	want := "tool_rejected state final"
	if got := eventTypes(evs); got != want {
		t.Fatalf("events = %q, want %q", got, want)
	}
	rej := evs[0].(RejectionEvent)
	if rej.RequestID != "req-1" || !strings.Contains(rej.Message, "fs__write_file") {
		t.Errorf("rejection = %+v", rej)
	}
	if len(broker.executedIDs()) != 0 {
		t.Error("rejected call executed")
	}

	// The model sees the rejection as an error observation.
	second := completer.requests()[1].Messages
	obs := second[len(second)-1].ToolResults[0]
	if !obs.IsError || obs.Content != "call rejected by user" {
		t.Errorf("observation = %+v", obs)
	}
}

func TestContinueWithModifiedArgs(t *testing.T) {
	completer := &scriptedCompleter{steps: []*llm.Response{
		toolCallResponse(llm.ToolCall{ID: "call-1", Name: "fs__write_file", Args: json.RawMessage(`{"path":"/etc/hosts"}`)}),
		finalResponse("done"),
	}}
	broker := &fakeBroker{prepareFn: confirmOn("fs__write_file")}
	eng, _ := newTestEngine(t, Config{}, completer, broker)
	parkOnWrite(t, eng)

	modified := json.RawMessage(`{"path":"/tmp/safe"}`)
	events, err := eng.ContinueAfterConfirmation(context.Background(), "s1", "req-1", true, modified)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	evs := collect(t, events)

	exec := evs[0].(ToolCallEvent)
	if exec.State != PhaseExecuting || string(exec.Arguments) != string(modified) {
		t.Errorf("executing event = %+v", exec)
	}
}

func TestContinueProcessesRemainingCalls(t *testing.T) {
	completer := &scriptedCompleter{steps: []*llm.Response{
		toolCallResponse(
			llm.ToolCall{ID: "call-1", Name: "fs__write_file", Args: json.RawMessage(`{}`)},
			llm.ToolCall{ID: "call-2", Name: "demo__echo", Args: json.RawMessage(`{}`)},
		),
		finalResponse("both handled"),
	}}
	broker := &fakeBroker{prepareFn: confirmOn("fs__write_file")}
	eng, _ := newTestEngine(t, Config{}, completer, broker)
	parkOnWrite(t, eng)

	events, err := eng.ContinueAfterConfirmation(context.Background(), "s1", "req-1", true, nil)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	evs := collect(t, events)

	// Approved call executes, then the queued second call runs normally.
	want := "tool_call tool_result tool_call tool_call tool_result state final"
	if got := eventTypes(evs); got != want {
		t.Fatalf("events = %q, want %q", got, want)
	}
	if got := broker.executedIDs(); len(got) != 2 {
		t.Errorf("executed = %v, want 2 calls", got)
	}

	second := completer.requests()[1].Messages
	results := second[len(second)-1].ToolResults
	if len(results) != 2 || results[0].ToolCallID != "call-1" || results[1].ToolCallID != "call-2" {
		t.Errorf("batch results = %+v", results)
	}
}

func TestContinueParksAgainOnSecondConfirmation(t *testing.T) {
	completer := &scriptedCompleter{steps: []*llm.Response{
		toolCallResponse(
			llm.ToolCall{ID: "call-1", Name: "fs__write_file", Args: json.RawMessage(`{}`)},
			llm.ToolCall{ID: "call-2", Name: "fs__delete_file", Args: json.RawMessage(`{}`)},
		),
	}}
	broker := &fakeBroker{prepareFn: func(name string, _ json.RawMessage) (*Decision, error) {
		return &Decision{Risk: "high", NeedsConfirmation: true, Message: "held"}, nil
	}}
	eng, _ := newTestEngine(t, Config{}, completer, broker)
	parkOnWrite(t, eng)

	events, err := eng.ContinueAfterConfirmation(context.Background(), "s1", "req-1", true, nil)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	evs := collect(t, events)

	conf, ok := evs[len(evs)-1].(ConfirmationEvent)
	if !ok || conf.RequestID != "req-2" || conf.Tool != "fs__delete_file" {
		t.Fatalf("second park = %+v (events %q)", evs[len(evs)-1], eventTypes(evs))
	}
	if id, _ := eng.Parked("s1"); id != "req-2" {
		t.Errorf("parked on %q, want req-2", id)
	}
}

func TestContinueVerdictRouting(t *testing.T) {
	completer := &scriptedCompleter{steps: []*llm.Response{
		toolCallResponse(llm.ToolCall{ID: "call-1", Name: "fs__write_file", Args: json.RawMessage(`{}`)}),
	}}
	broker := &fakeBroker{prepareFn: confirmOn("fs__write_file")}
	eng, _ := newTestEngine(t, Config{}, completer, broker)

	if _, err := eng.ContinueAfterConfirmation(context.Background(), "s1", "req-1", true, nil); !hosterr.IsKind(err, hosterr.KindNotFound) {
		t.Errorf("nothing parked: err = %v, want not found", err)
	}

	parkOnWrite(t, eng)
	if _, err := eng.ContinueAfterConfirmation(context.Background(), "s1", "req-999", true, nil); !hosterr.IsKind(err, hosterr.KindConflict) {
		t.Errorf("wrong request id: err = %v, want conflict", err)
	}
}

func TestResetDropsParkedRun(t *testing.T) {
	completer := &scriptedCompleter{steps: []*llm.Response{
		toolCallResponse(llm.ToolCall{ID: "call-1", Name: "fs__write_file", Args: json.RawMessage(`{}`)}),
		finalResponse("fresh"),
	}}
	broker := &fakeBroker{prepareFn: confirmOn("fs__write_file")}
	eng, _ := newTestEngine(t, Config{}, completer, broker)
	parkOnWrite(t, eng)

	if !eng.Reset("s1") {
		t.Fatal("Reset returned false for a parked run")
	}
	if _, ok := eng.Parked("s1"); ok {
		t.Error("still parked after reset")
	}
	if eng.Reset("s1") {
		t.Error("second reset reported a parked run")
	}

	// A fresh run is admitted; the broker now clears everything.
	broker.prepareFn = nil
	events, err := eng.Run(context.Background(), "s1", "again", Options{})
	if err != nil {
		t.Fatalf("Run after reset: %v", err)
	}
	evs := collect(t, events)
	if _, ok := evs[len(evs)-1].(FinalEvent); !ok {
		t.Errorf("events = %q", eventTypes(evs))
	}
}

func TestCloseRefusesNewRuns(t *testing.T) {
	eng, _ := newTestEngine(t, Config{}, &scriptedCompleter{}, &fakeBroker{})
	eng.Close()

	if _, err := eng.Run(context.Background(), "s1", "hi", Options{}); !hosterr.IsKind(err, hosterr.KindFatal) {
		t.Errorf("Run after close: err = %v", err)
	}
	if _, err := eng.ContinueAfterConfirmation(context.Background(), "s1", "req-1", true, nil); !hosterr.IsKind(err, hosterr.KindFatal) {
		t.Errorf("Continue after close: err = %v", err)
	}
}

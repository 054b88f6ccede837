package host

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/ch1109/maestro/internal/approval"
	"github.com/ch1109/maestro/internal/hosterr"
	"github.com/ch1109/maestro/internal/mcp"
	"github.com/ch1109/maestro/internal/react"
	"github.com/ch1109/maestro/internal/risk"
	"github.com/ch1109/maestro/internal/roots"
)

// PrepareToolCall is the single point where risk classification, path
// extraction, and path validation run. The returned call is either cleared
// for ExecuteToolCall or held behind a confirmation request.
func (h *Host) PrepareToolCall(ctx context.Context, sessionID, publicName string, args map[string]any) (*PreparedCall, error) {
	if _, err := h.sessions.get(sessionID); err != nil {
		return nil, err
	}

	serverKey, localName, err := mcp.ParsePublicName(publicName)
	if err != nil {
		return nil, err
	}
	tool, err := h.resolveTool(serverKey, localName)
	if err != nil {
		return nil, err
	}
	if err := h.schemas.validate(publicName, tool.InputSchema, args); err != nil {
		return nil, err
	}

	_, decisions := h.roots.ValidateToolCall(serverKey, localName, args)
	assessment := risk.Classify(localName, decisions)

	rec := &callRecord{
		id:         uuid.NewString(),
		sessionID:  sessionID,
		serverKey:  serverKey,
		localName:  localName,
		publicName: publicName,
		assessment: assessment,
		createdAt:  h.now(),
		state:      callPrepared,
		args:       args,
	}
	prepared := &PreparedCall{
		RequestID:  rec.id,
		Tool:       publicName,
		ServerKey:  serverKey,
		Arguments:  args,
		Assessment: assessment,
	}

	if h.policy.Requires(assessment, publicName) {
		rec.state = callHeld
		prepared.NeedsConfirmation = true
		prepared.Message = heldMessage(publicName, assessment)

		if _, err := h.approvals.Create(ctx, &approval.Request{
			ID:         rec.id,
			SessionID:  sessionID,
			ServerKey:  serverKey,
			ToolName:   localName,
			PublicName: publicName,
			Args:       args,
			Assessment: assessment,
		}, h.onVerdict); err != nil {
			return nil, err
		}
	}

	if err := h.sessions.storeCall(sessionID, rec); err != nil {
		return nil, err
	}

	if h.audit != nil {
		raw, _ := json.Marshal(args)
		h.audit.RecordToolCall(ctx, sessionID, serverKey, publicName, rec.id, string(assessment.Level), raw)
	}
	h.logger.Debug("tool call prepared",
		"session_id", sessionID,
		"tool", publicName,
		"request_id", rec.id,
		"risk", assessment.Level,
		"held", prepared.NeedsConfirmation)
	return prepared, nil
}

func heldMessage(publicName string, a risk.Assessment) string {
	return fmt.Sprintf("%s is %s risk (%s); confirmation required", publicName, a.Level, a.Reason)
}

// ExecuteToolCall runs a prepared call at most once. Duplicate executes
// replay the cached outcome. force clears a held call and is only legitimate
// as the consequence of a human approval.
func (h *Host) ExecuteToolCall(ctx context.Context, sessionID, requestID string, force bool) (*ToolCallResult, error) {
	return h.dispatch(ctx, sessionID, requestID, force, false)
}

func (h *Host) dispatch(ctx context.Context, sessionID, requestID string, force, skipPaths bool) (*ToolCallResult, error) {
	rec, err := h.sessions.call(sessionID, requestID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	switch rec.state {
	case callDone:
		result, storedErr := rec.result, rec.err
		rec.mu.Unlock()
		if storedErr != nil {
			return nil, storedErr
		}
		replay := *result
		replay.Replayed = true
		h.logger.Warn("duplicate execute answered from cache",
			"session_id", sessionID, "request_id", requestID, "tool", rec.publicName)
		return &replay, nil
	case callRunning:
		rec.mu.Unlock()
		return nil, hosterr.Newf(hosterr.KindConflict, "call %s is already executing", requestID)
	case callHeld:
		if !force {
			rec.mu.Unlock()
			return nil, hosterr.Newf(hosterr.KindPolicy,
				"call %s is awaiting confirmation %s", rec.publicName, requestID)
		}
	}
	rec.state = callRunning
	args := rec.args
	skip := skipPaths || rec.skipPaths
	rec.mu.Unlock()

	if !skip {
		if allowed, decisions := h.roots.ValidateToolCall(rec.serverKey, rec.localName, args); !allowed {
			return nil, h.denyPaths(ctx, rec, decisions)
		}
	}

	execCtx := ctx
	if h.tracer != nil {
		var span trace.Span
		execCtx, span = h.tracer.TraceToolExecution(ctx, rec.serverKey, rec.localName)
		defer span.End()
	}

	start := time.Now()
	raw, callErr := h.invokeTool(execCtx, rec.serverKey, rec.localName, args)
	elapsed := time.Since(start)

	if callErr != nil {
		h.finishCall(ctx, rec, nil, callErr, elapsed)
		return nil, callErr
	}

	result := &ToolCallResult{
		RequestID:  rec.id,
		Tool:       rec.publicName,
		Content:    raw.Text(),
		IsError:    raw.IsError,
		DurationMS: elapsed.Milliseconds(),
	}
	h.finishCall(ctx, rec, result, nil, elapsed)
	return result, nil
}

// denyPaths fails a call whose arguments validate outside the allowed roots
// at execution time. The record is consumed so the verdict replays; the
// error names the denied path and the roots that would have admitted it.
func (h *Host) denyPaths(ctx context.Context, rec *callRecord, decisions []roots.PathDecision) error {
	reason := "path validation failed"
	for i := range decisions {
		if decisions[i].Allowed() {
			continue
		}
		reason = fmt.Sprintf("path %q denied (%s)", decisions[i].Path, decisions[i].Status)
		if decisions[i].Reason != "" {
			reason += ": " + decisions[i].Reason
		}
		break
	}

	var allowed []string
	for _, root := range h.roots.Effective(rec.serverKey) {
		allowed = append(allowed, root.Path)
	}
	err := hosterr.Newf(hosterr.KindPolicy, "%s; allowed roots: %s", reason, rootList(allowed))

	rec.mu.Lock()
	rec.state = callDone
	rec.err = err
	rec.mu.Unlock()

	if h.audit != nil {
		h.audit.RecordToolDenied(ctx, rec.sessionID, rec.serverKey, rec.publicName, rec.id,
			string(rec.assessment.Level), reason)
	}
	if h.metrics != nil {
		h.metrics.RecordToolDenied(rec.serverKey, rec.localName)
	}
	h.logger.Warn("tool call denied at execution",
		"session_id", rec.sessionID,
		"tool", rec.publicName,
		"request_id", rec.id,
		"reason", reason)
	return err
}

// finishCall records the terminal outcome of a dispatch.
func (h *Host) finishCall(ctx context.Context, rec *callRecord, result *ToolCallResult, err error, elapsed time.Duration) {
	rec.mu.Lock()
	rec.state = callDone
	rec.result = result
	rec.err = err
	rec.mu.Unlock()

	outcome := "ok"
	errMsg := ""
	isError := false
	switch {
	case err != nil:
		outcome = "error"
		errMsg = err.Error()
		isError = true
	case result.IsError:
		outcome = "error"
		errMsg = result.Content
		isError = true
	}

	if h.audit != nil {
		h.audit.RecordToolResult(ctx, rec.sessionID, rec.serverKey, rec.publicName, rec.id, isError, elapsed, errMsg)
	}
	if h.metrics != nil {
		h.metrics.RecordToolCall(rec.serverKey, rec.localName, outcome, elapsed.Seconds())
	}
	h.logger.Info("tool call finished",
		"session_id", rec.sessionID,
		"tool", rec.publicName,
		"request_id", rec.id,
		"outcome", outcome,
		"duration_ms", elapsed.Milliseconds())
}

// ConfirmToolCall resolves a confirmation for a direct (non-chat) call and,
// on approval, executes it. Confirmations a chat run is parked on must go
// through Continue so the run resumes with the verdict.
func (h *Host) ConfirmToolCall(ctx context.Context, sessionID, requestID string, approved bool, by, reason string, modifiedArgs map[string]any) (*ConfirmOutcome, error) {
	if parkedID, ok := h.engine.Parked(sessionID); ok && parkedID == requestID {
		return nil, hosterr.Newf(hosterr.KindConflict,
			"a chat run is waiting on confirmation %s; resume it with continue", requestID)
	}

	rec, err := h.sessions.call(sessionID, requestID)
	if err != nil {
		return nil, err
	}

	if !approved {
		req, err := h.approvals.Reject(ctx, requestID, by, reason)
		if err != nil {
			return nil, err
		}
		rec.mu.Lock()
		if rec.state == callHeld {
			rec.state = callDone
			rec.err = hosterr.Newf(hosterr.KindPolicy, "call %s rejected by user", rec.publicName)
		}
		rec.mu.Unlock()
		return &ConfirmOutcome{RequestID: requestID, Status: req.Status}, nil
	}

	req, err := h.approvals.Approve(ctx, requestID, by, modifiedArgs)
	if err != nil {
		return nil, err
	}
	if req.AwaitingSecond {
		return &ConfirmOutcome{RequestID: requestID, Status: req.Status, AwaitingSecond: true}, nil
	}

	h.adoptVerdict(rec, req)
	result, err := h.dispatch(ctx, sessionID, requestID, true, true)
	if err != nil {
		return nil, err
	}
	return &ConfirmOutcome{RequestID: requestID, Status: req.Status, Result: result}, nil
}

// adoptVerdict applies an approval's effective arguments to the call record
// and clears its hold. Approved calls skip path re-validation: the human saw
// the exact paths that tripped the gate.
func (h *Host) adoptVerdict(rec *callRecord, req *approval.Request) {
	rec.mu.Lock()
	rec.args = req.EffectiveArgs()
	rec.skipPaths = true
	if rec.state == callHeld {
		rec.state = callPrepared
	}
	rec.mu.Unlock()
}

// onVerdict fires when a confirmation reaches a terminal status outside the
// approve and continue paths, which today means expiry. A run parked on the
// expired confirmation resumes with a rejection so the session is not stuck.
func (h *Host) onVerdict(req *approval.Request) {
	if req.Status != approval.StatusExpired {
		return
	}

	if rec, err := h.sessions.call(req.SessionID, req.ID); err == nil {
		rec.mu.Lock()
		if rec.state == callHeld {
			rec.state = callDone
			rec.err = hosterr.Newf(hosterr.KindTimeout,
				"confirmation %s expired before a verdict", req.ID)
		}
		rec.mu.Unlock()
	}

	if parkedID, ok := h.engine.Parked(req.SessionID); ok && parkedID == req.ID {
		events, err := h.engine.ContinueAfterConfirmation(context.Background(), req.SessionID, req.ID, false, nil)
		if err != nil {
			h.logger.Warn("parked run did not resume after confirmation expiry",
				"session_id", req.SessionID, "request_id", req.ID, "error", err)
			return
		}
		h.logger.Info("parked run resumed with rejection after confirmation expiry",
			"session_id", req.SessionID, "request_id", req.ID)
		go func() {
			for range events {
			}
		}()
	}
}

// CallTool invokes a tool directly, outside any chat run, still through the
// prepare and execute pipeline. A held call returns with Result nil and the
// confirmation id in Prepared.
func (h *Host) CallTool(ctx context.Context, sessionID, publicName string, args map[string]any) (*CallToolOutcome, error) {
	prepared, err := h.PrepareToolCall(ctx, sessionID, publicName, args)
	if err != nil {
		return nil, err
	}
	if prepared.NeedsConfirmation {
		return &CallToolOutcome{Prepared: prepared}, nil
	}

	result, err := h.ExecuteToolCall(ctx, sessionID, prepared.RequestID, false)
	if err != nil {
		return nil, err
	}
	return &CallToolOutcome{Prepared: prepared, Result: result}, nil
}

// Tools returns the fused catalogue across every connected server.
func (h *Host) Tools(context.Context) []mcp.AggregatedTool {
	return mcp.Aggregate(h.manager)
}

// Prepare implements the loop engine's broker: arguments arrive as raw JSON
// from the model and the decision carries only what the loop needs.
func (h *Host) Prepare(ctx context.Context, sessionID, publicName string, args json.RawMessage) (*react.Decision, error) {
	parsed := map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &parsed); err != nil {
			return nil, hosterr.Wrap(hosterr.KindValidation, "tool arguments are not a JSON object", err)
		}
	}

	prepared, err := h.PrepareToolCall(ctx, sessionID, publicName, parsed)
	if err != nil {
		return nil, err
	}
	return &react.Decision{
		RequestID:         prepared.RequestID,
		Risk:              string(prepared.Assessment.Level),
		NeedsConfirmation: prepared.NeedsConfirmation,
		Message:           prepared.Message,
	}, nil
}

// Execute implements the loop engine's broker.
func (h *Host) Execute(ctx context.Context, sessionID, requestID string) (*react.Observation, error) {
	result, err := h.ExecuteToolCall(ctx, sessionID, requestID, false)
	if err != nil {
		return nil, err
	}
	return &react.Observation{
		Content: result.Content,
		IsError: result.IsError,
		Elapsed: time.Duration(result.DurationMS) * time.Millisecond,
	}, nil
}

func rootList(paths []string) string {
	if len(paths) == 0 {
		return "none"
	}
	return strings.Join(paths, ", ")
}

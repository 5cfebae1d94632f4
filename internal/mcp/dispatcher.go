package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loom/internal/agentcontext"
	"github.com/loomhq/loom/internal/state"
	"github.com/loomhq/loom/internal/stream"
)

// Call is one tool invocation requested by the model.
type Call struct {
	AIToolCallID string
	ToolName     string
	Arguments    string
}

// Outcome pairs a call with its recorded rows and normalized result. The
// outcome slice returned by Dispatch preserves issue order regardless of
// completion order.
type Outcome struct {
	Call           Call
	ServerName     string
	StepID         string
	StepOrder      int
	MCPExecutionID string
	Result         CallToolResult
}

// DispatchRequest carries the task scope, the allowed servers, and the
// calls of one strategy turn. Session and trace ids travel on the context
// (agentcontext), not here.
type DispatchRequest struct {
	Task    state.Task
	Servers []string
	Calls   []Call
	Emit    func(stream.Event)
}

// Dispatcher resolves and executes tool calls with bounded parallelism and
// per-call deadlines, recording every call in the store.
type Dispatcher struct {
	registry *Registry
	store    *state.Store
	logger   *slog.Logger
	fanout   int
	deadline time.Duration
}

func NewDispatcher(registry *Registry, store *state.Store, fanout int, deadline time.Duration, logger *slog.Logger) *Dispatcher {
	if fanout <= 0 {
		fanout = 8
	}
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		store:    store,
		logger:   logger,
		fanout:   fanout,
		deadline: deadline,
	}
}

// Dispatch executes every call of one turn. Unknown tools abort before any
// call launches; per-call failures and timeouts are recorded in the
// outcome, never raised.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) ([]Outcome, error) {
	if len(req.Calls) == 0 {
		return nil, nil
	}

	// Resolve everything up front so an unknown tool aborts the turn before
	// any side effect.
	endpoints := make([]Endpoint, len(req.Calls))
	for i, call := range req.Calls {
		endpoint, err := d.registry.Resolve(ctx, call.ToolName, req.Servers)
		if err != nil {
			return nil, err
		}
		endpoints[i] = endpoint
	}

	baseOrder, err := d.store.NextStepOrder(ctx, req.Task.TaskID)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, len(req.Calls))
	replayed := make([]bool, len(req.Calls))
	for i, call := range req.Calls {
		step, err := d.store.CreateExecutionStep(ctx, state.ExecutionStep{
			TaskID:       req.Task.TaskID,
			StepOrder:    baseOrder + i,
			ToolName:     call.ToolName,
			AIToolCallID: call.AIToolCallID,
		})
		if err != nil {
			return nil, err
		}
		outcomes[i] = Outcome{
			Call:       call,
			ServerName: endpoints[i].Name(),
			StepID:     step.StepID,
			StepOrder:  step.StepOrder,
		}
		// A step that already finished means this logical call was executed
		// before; reuse its rows instead of running the tool again.
		if state.IsTerminalStepStatus(step.Status) {
			if err := d.loadReplay(ctx, step, &outcomes[i]); err != nil {
				return nil, err
			}
			replayed[i] = true
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.fanout)
	for i := range req.Calls {
		if replayed[i] {
			continue
		}
		i := i
		g.Go(func() error {
			return d.executeCall(gctx, req, endpoints[i], &outcomes[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (d *Dispatcher) loadReplay(ctx context.Context, step state.ExecutionStep, outcome *Outcome) error {
	outcome.StepOrder = step.StepOrder
	outcome.MCPExecutionID = step.MCPExecutionID
	if step.MCPExecutionID == "" {
		outcome.Result = CallToolResult{Status: step.Status, ErrorMessage: step.ErrorMessage}
		return nil
	}
	rec, err := d.store.GetToolExecution(ctx, step.MCPExecutionID)
	if err != nil {
		return err
	}
	result := CallToolResult{Status: rec.Status, ErrorMessage: rec.ErrorMessage}
	if rec.ExecutionTimeMS != nil {
		result.ElapsedMS = *rec.ExecutionTimeMS
	}
	if rec.Output != "" {
		var structured map[string]any
		if err := json.Unmarshal([]byte(rec.Output), &structured); err == nil {
			result.StructuredContent = structured
		}
	}
	outcome.Result = result
	return nil
}

func (d *Dispatcher) executeCall(ctx context.Context, req DispatchRequest, endpoint Endpoint, outcome *Outcome) error {
	call := outcome.Call
	if req.Emit != nil {
		req.Emit(stream.ToolCallStarted(req.Task.TaskID, req.Task.ContextID, call.ToolName, call.AIToolCallID))
	}

	if err := d.store.AdvanceExecutionStep(ctx, outcome.StepID, state.StepInProgress, ""); err != nil {
		return err
	}
	input := call.Arguments
	if input == "" {
		input = "{}"
	}
	execID, err := d.store.RecordToolExecution(ctx, state.ToolExecution{
		ToolName:     call.ToolName,
		ServerName:   endpoint.Name(),
		Status:       state.StepInProgress,
		Input:        input,
		UserID:       req.Task.UserID,
		ContextID:    req.Task.ContextID,
		SessionID:    agentcontext.SessionIDFromContext(ctx),
		TaskID:       req.Task.TaskID,
		TraceID:      agentcontext.TraceIDFromContext(ctx),
		AIToolCallID: call.AIToolCallID,
	})
	if err != nil {
		return err
	}
	outcome.MCPExecutionID = execID
	if err := d.store.LinkStepExecution(ctx, outcome.StepID, execID); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()
	start := time.Now()
	result, callErr := endpoint.CallTool(callCtx, call.ToolName, json.RawMessage(input))
	elapsedMS := time.Since(start).Milliseconds()

	outcome.Result = d.normalize(result, callErr, callCtx, elapsedMS)
	if outcome.Result.Status == state.StepTimeout {
		d.logger.Warn("tool call timed out", "tool", call.ToolName, "task", req.Task.TaskID, "deadline", d.deadline)
	}

	output := ""
	if outcome.Result.StructuredContent != nil {
		if raw, err := json.Marshal(outcome.Result.StructuredContent); err == nil {
			output = string(raw)
		}
	}
	if err := d.store.CompleteToolExecution(ctx, execID, outcome.Result.Status, output, outcome.Result.ErrorMessage, elapsedMS); err != nil {
		return err
	}
	if err := d.store.AdvanceExecutionStep(ctx, outcome.StepID, outcome.Result.Status, outcome.Result.ErrorMessage); err != nil {
		return err
	}

	if req.Emit != nil {
		req.Emit(stream.ToolCallCompleted(req.Task.TaskID, req.Task.ContextID, call.AIToolCallID, outcome.Result.Status))
	}
	return nil
}

// normalize folds the endpoint's result and error into one CallToolResult
// with a terminal status.
func (d *Dispatcher) normalize(result *CallToolResult, callErr error, callCtx context.Context, elapsedMS int64) CallToolResult {
	switch {
	case callErr != nil:
		status := state.StepFailed
		if errors.Is(callErr, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			status = state.StepTimeout
		}
		return CallToolResult{
			Status:       status,
			ErrorMessage: callErr.Error(),
			ElapsedMS:    elapsedMS,
		}
	case result == nil:
		return CallToolResult{
			Status:       state.StepFailed,
			ErrorMessage: "endpoint returned no result",
			ElapsedMS:    elapsedMS,
		}
	default:
		normalized := *result
		if normalized.Status == "" {
			normalized.Status = state.StepSuccess
		}
		if !state.IsTerminalStepStatus(normalized.Status) {
			normalized.Status = state.StepFailed
			if normalized.ErrorMessage == "" {
				normalized.ErrorMessage = fmt.Sprintf("endpoint returned non-terminal status %q", result.Status)
			}
		}
		normalized.ElapsedMS = elapsedMS
		return normalized
	}
}

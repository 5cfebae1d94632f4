package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RecordToolExecution inserts the detailed record for one tool call and
// returns its mcp_execution_id. Idempotent on ai_tool_call_id: a second
// insert with the same call id returns the first row's id without touching
// its output or status.
func (s *Store) RecordToolExecution(ctx context.Context, rec ToolExecution) (string, error) {
	if rec.ToolName == "" {
		return "", fmt.Errorf("tool execution requires tool_name: %w", ErrConflict)
	}
	if rec.AIToolCallID != "" {
		if existing, err := s.ExecutionIDForToolCall(ctx, rec.AIToolCallID); err == nil {
			return existing, nil
		} else if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}

	if rec.MCPExecutionID == "" {
		rec.MCPExecutionID = s.newIDFn()
	}
	if rec.Status == "" {
		rec.Status = StepInProgress
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.now()
	}
	if rec.Input == "" {
		rec.Input = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mcp_tool_executions (
			mcp_execution_id, tool_name, server_name, status, input,
			started_at, user_id, context_id, session_id, task_id, trace_id, ai_tool_call_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ai_tool_call_id) WHERE ai_tool_call_id IS NOT NULL DO NOTHING
	`, rec.MCPExecutionID, rec.ToolName, rec.ServerName, rec.Status, rec.Input,
		formatTime(rec.StartedAt), nullString(rec.UserID), nullString(rec.ContextID),
		nullString(rec.SessionID), nullString(rec.TaskID), nullString(rec.TraceID),
		nullString(rec.AIToolCallID))
	if err != nil {
		return "", fmt.Errorf("insert tool execution: %w", err)
	}

	if rec.AIToolCallID != "" {
		// The conflict clause may have discarded our insert; resolve the winner.
		return s.ExecutionIDForToolCall(ctx, rec.AIToolCallID)
	}
	return rec.MCPExecutionID, nil
}

// ExecutionIDForToolCall resolves an ai_tool_call_id to its execution row id.
func (s *Store) ExecutionIDForToolCall(ctx context.Context, aiToolCallID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT mcp_execution_id FROM mcp_tool_executions WHERE ai_tool_call_id = ?
	`, aiToolCallID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("tool call %s: %w", aiToolCallID, ErrNotFound)
		}
		return "", fmt.Errorf("load tool execution: %w", err)
	}
	return id, nil
}

// CompleteToolExecution finalizes an execution row with its outcome. If the
// row is already terminal the call is a no-op.
func (s *Store) CompleteToolExecution(ctx context.Context, mcpExecutionID string, status StepStatus, output, errorMessage string, elapsedMS int64) error {
	if !IsTerminalStepStatus(status) {
		return fmt.Errorf("tool execution completion requires a terminal status, got %q: %w", status, ErrInvalidTransition)
	}
	now := formatTime(s.now())
	err := execWithRetry(ctx, s.db, `
		UPDATE mcp_tool_executions
		SET status = ?, output = ?, error_message = ?, execution_time_ms = ?, completed_at = ?
		WHERE mcp_execution_id = ? AND status NOT IN (?, ?, ?)
	`, status, nullString(output), nullString(errorMessage), elapsedMS, now,
		mcpExecutionID, StepSuccess, StepFailed, StepTimeout)
	if err != nil {
		return fmt.Errorf("complete tool execution: %w", err)
	}
	return nil
}

// GetToolExecution loads one detailed execution record.
func (s *Store) GetToolExecution(ctx context.Context, mcpExecutionID string) (ToolExecution, error) {
	var rec ToolExecution
	var output, errorMessage, userID, contextID, sessionID, taskID, traceID, aiToolCallID, completedAt sql.NullString
	var elapsed sql.NullInt64
	var startedAtStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT mcp_execution_id, tool_name, server_name, status, input, output, error_message,
			execution_time_ms, started_at, completed_at, user_id, context_id, session_id, task_id, trace_id, ai_tool_call_id
		FROM mcp_tool_executions WHERE mcp_execution_id = ?
	`, mcpExecutionID).Scan(&rec.MCPExecutionID, &rec.ToolName, &rec.ServerName, &rec.Status, &rec.Input,
		&output, &errorMessage, &elapsed, &startedAtStr, &completedAt,
		&userID, &contextID, &sessionID, &taskID, &traceID, &aiToolCallID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ToolExecution{}, fmt.Errorf("tool execution %s: %w", mcpExecutionID, ErrNotFound)
		}
		return ToolExecution{}, fmt.Errorf("load tool execution: %w", err)
	}
	rec.Output = output.String
	rec.ErrorMessage = errorMessage.String
	if elapsed.Valid {
		v := elapsed.Int64
		rec.ExecutionTimeMS = &v
	}
	rec.StartedAt = parseTime(startedAtStr)
	rec.CompletedAt = parseTimePtr(completedAt)
	rec.UserID = userID.String
	rec.ContextID = contextID.String
	rec.SessionID = sessionID.String
	rec.TaskID = taskID.String
	rec.TraceID = traceID.String
	rec.AIToolCallID = aiToolCallID.String
	return rec, nil
}

// CreateExecutionStep records one pending step of the tool loop. The
// ai_tool_call_id unique index keeps the row-per-logical-call invariant; a
// duplicate returns the existing row.
func (s *Store) CreateExecutionStep(ctx context.Context, step ExecutionStep) (ExecutionStep, error) {
	if step.TaskID == "" {
		return ExecutionStep{}, fmt.Errorf("step requires task_id: %w", ErrConflict)
	}
	if step.StepID == "" {
		step.StepID = s.newIDFn()
	}
	if step.Status == "" {
		step.Status = StepPending
	}
	if step.StartedAt.IsZero() {
		step.StartedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_steps (step_id, task_id, step_order, status, tool_name, mcp_execution_id, ai_tool_call_id, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, step.StepID, step.TaskID, step.StepOrder, step.Status,
		nullString(step.ToolName), nullString(step.MCPExecutionID), nullString(step.AIToolCallID),
		formatTime(step.StartedAt))
	if err != nil {
		if isUniqueViolation(err) && step.AIToolCallID != "" {
			return s.stepForToolCall(ctx, step.AIToolCallID)
		}
		return ExecutionStep{}, fmt.Errorf("insert execution step: %w", err)
	}
	return step, nil
}

// AdvanceExecutionStep moves a step along pending -> in_progress -> terminal.
// Terminal rows are frozen.
func (s *Store) AdvanceExecutionStep(ctx context.Context, stepID string, status StepStatus, errorMessage string) error {
	current, err := s.stepStatus(ctx, stepID)
	if err != nil {
		return err
	}
	if IsTerminalStepStatus(current) {
		return fmt.Errorf("step %s already %s: %w", stepID, current, ErrInvalidTransition)
	}
	if current == StepPending && IsTerminalStepStatus(status) {
		// Allowed: a step that failed before dispatch skips in_progress.
	} else if !(current == StepPending && status == StepInProgress) && !(current == StepInProgress && IsTerminalStepStatus(status)) {
		return fmt.Errorf("step %s: %s -> %s: %w", stepID, current, status, ErrInvalidTransition)
	}

	query := `UPDATE execution_steps SET status = ?, error_message = ? WHERE step_id = ? AND status = ?`
	args := []any{status, nullString(errorMessage), stepID, current}
	if IsTerminalStepStatus(status) {
		query = `UPDATE execution_steps SET status = ?, error_message = ?, completed_at = ? WHERE step_id = ? AND status = ?`
		args = []any{status, nullString(errorMessage), formatTime(s.now()), stepID, current}
	}
	if err := execWithRetry(ctx, s.db, query, args...); err != nil {
		return fmt.Errorf("advance execution step: %w", err)
	}
	return nil
}

// LinkStepExecution attaches the mcp_execution_id to a step once known.
func (s *Store) LinkStepExecution(ctx context.Context, stepID, mcpExecutionID string) error {
	if err := execWithRetry(ctx, s.db, `
		UPDATE execution_steps SET mcp_execution_id = ? WHERE step_id = ?
	`, mcpExecutionID, stepID); err != nil {
		return fmt.Errorf("link step execution: %w", err)
	}
	return nil
}

// FailInProgressSteps transitions every non-terminal step of a task to
// failed with the given reason. Used when a strategy crashes or is canceled.
func (s *Store) FailInProgressSteps(ctx context.Context, taskID, reason string) (int64, error) {
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_steps
		SET status = ?, error_message = ?, completed_at = ?
		WHERE task_id = ? AND status IN (?, ?)
	`, StepFailed, reason, now, taskID, StepPending, StepInProgress)
	if err != nil {
		return 0, fmt.Errorf("fail in-progress steps: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail in-progress steps rows affected: %w", err)
	}
	return affected, nil
}

// ListExecutionSteps returns a task's steps in step order.
func (s *Store) ListExecutionSteps(ctx context.Context, taskID string) ([]ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, task_id, step_order, status, tool_name, mcp_execution_id, ai_tool_call_id, started_at, completed_at, error_message
		FROM execution_steps WHERE task_id = ?
		ORDER BY step_order ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list execution steps: %w", err)
	}
	defer rows.Close()

	var out []ExecutionStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution steps: %w", err)
	}
	return out, nil
}

// NextStepOrder returns the next dense step_order for a task.
func (s *Store) NextStepOrder(ctx context.Context, taskID string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(step_order) + 1, 0) FROM execution_steps WHERE task_id = ?
	`, taskID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next step order: %w", err)
	}
	return next, nil
}

func (s *Store) stepForToolCall(ctx context.Context, aiToolCallID string) (ExecutionStep, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT step_id, task_id, step_order, status, tool_name, mcp_execution_id, ai_tool_call_id, started_at, completed_at, error_message
		FROM execution_steps WHERE ai_tool_call_id = ?
	`, aiToolCallID)
	step, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExecutionStep{}, fmt.Errorf("step for call %s: %w", aiToolCallID, ErrNotFound)
		}
		return ExecutionStep{}, err
	}
	return step, nil
}

func (s *Store) stepStatus(ctx context.Context, stepID string) (StepStatus, error) {
	var status StepStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM execution_steps WHERE step_id = ?`, stepID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("step %s: %w", stepID, ErrNotFound)
		}
		return "", fmt.Errorf("load step status: %w", err)
	}
	return status, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (ExecutionStep, error) {
	var step ExecutionStep
	var toolName, mcpExecutionID, aiToolCallID, completedAt, errorMessage sql.NullString
	var startedAtStr string
	if err := row.Scan(&step.StepID, &step.TaskID, &step.StepOrder, &step.Status,
		&toolName, &mcpExecutionID, &aiToolCallID, &startedAtStr, &completedAt, &errorMessage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExecutionStep{}, err
		}
		return ExecutionStep{}, fmt.Errorf("scan execution step: %w", err)
	}
	step.ToolName = toolName.String
	step.MCPExecutionID = mcpExecutionID.String
	step.AIToolCallID = aiToolCallID.String
	step.StartedAt = parseTime(startedAtStr)
	step.CompletedAt = parseTimePtr(completedAt)
	step.ErrorMessage = errorMessage.String
	return step, nil
}

// Package state persists tasks, transcripts, execution history, and
// artifacts in sqlite. It is the single durable facade of the execution
// core; all writes that must be observed atomically happen inside one
// transaction here.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/idgen"
)

type Store struct {
	db *sql.DB

	nowFn   func() time.Time
	newIDFn func() string
}

type Option func(*Store)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(s *Store) {
		if newIDFn != nil {
			s.newIDFn = newIDFn
		}
	}
}

func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: idgen.NewULID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

// CreateTask inserts a new task in status "submitted". Returns ErrConflict
// if the task id is already taken.
func (s *Store) CreateTask(ctx context.Context, taskID, contextID, userID, agentName string) (Task, error) {
	if taskID == "" || contextID == "" {
		return Task{}, fmt.Errorf("%w: task_id and context_id are required", ErrConflict)
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, context_id, user_id, agent_name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, taskID, contextID, userID, agentName, TaskSubmitted, formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return Task{}, fmt.Errorf("task %s already exists: %w", taskID, ErrConflict)
		}
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return Task{
		TaskID:    taskID,
		ContextID: contextID,
		UserID:    userID,
		AgentName: agentName,
		Status:    TaskSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	var finalText sql.NullString
	var createdAtStr, updatedAtStr string
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, context_id, user_id, agent_name, status, final_text, created_at, updated_at
		FROM tasks WHERE task_id = ?
	`, taskID)
	if err := row.Scan(&task.TaskID, &task.ContextID, &task.UserID, &task.AgentName, &task.Status, &finalText, &createdAtStr, &updatedAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return Task{}, fmt.Errorf("load task: %w", err)
	}
	task.FinalText = finalText.String
	task.CreatedAt = parseTime(createdAtStr)
	task.UpdatedAt = parseTime(updatedAtStr)
	return task, nil
}

// UpdateTaskStatus moves a task to a new status, optionally recording its
// final text. Transitions out of a terminal status are rejected with
// ErrInvalidTransition and leave the row untouched.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, finalText string) error {
	current, err := s.currentStatus(ctx, taskID)
	if err != nil {
		return err
	}
	if IsTerminalTaskStatus(current) {
		return &TransitionError{TaskID: taskID, From: current, To: status}
	}
	if !isKnownTaskStatus(status) {
		return &TransitionError{TaskID: taskID, From: current, To: status}
	}

	now := s.now()
	query := `UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ? AND status = ?`
	args := []any{status, formatTime(now), taskID, current}
	if finalText != "" {
		query = `UPDATE tasks SET status = ?, final_text = ?, updated_at = ? WHERE task_id = ? AND status = ?`
		args = []any{status, finalText, formatTime(now), taskID, current}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task status rows affected: %w", err)
	}
	if affected == 0 {
		latest, err := s.currentStatus(ctx, taskID)
		if err != nil {
			return err
		}
		if latest == status {
			return nil
		}
		return &TransitionError{TaskID: taskID, From: latest, To: status}
	}
	return nil
}

// ListTasksByContext returns the tasks of a conversation, newest first.
func (s *Store) ListTasksByContext(ctx context.Context, contextID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, context_id, user_id, agent_name, status, final_text, created_at, updated_at
		FROM tasks WHERE context_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, contextID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		var finalText sql.NullString
		var createdAtStr, updatedAtStr string
		if err := rows.Scan(&task.TaskID, &task.ContextID, &task.UserID, &task.AgentName, &task.Status, &finalText, &createdAtStr, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.FinalText = finalText.String
		task.CreatedAt = parseTime(createdAtStr)
		task.UpdatedAt = parseTime(updatedAtStr)
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// DeleteTask removes a task and every child row it owns.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	statements := []string{
		`DELETE FROM artifact_parts WHERE artifact_id IN (SELECT artifact_id FROM task_artifacts WHERE task_id = ?)`,
		`DELETE FROM task_artifacts WHERE task_id = ?`,
		`DELETE FROM task_messages WHERE task_id = ?`,
		`DELETE FROM execution_steps WHERE task_id = ?`,
		`DELETE FROM mcp_tool_executions WHERE task_id = ?`,
		`DELETE FROM tasks WHERE task_id = ?`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, taskID); err != nil {
			return fmt.Errorf("delete task children: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

func (s *Store) currentStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	if taskID == "" {
		return "", fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	var status TaskStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?`, taskID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return "", fmt.Errorf("load task status: %w", err)
	}
	return status, nil
}

func isKnownTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskSubmitted, TaskWorking, TaskInputRequired, TaskCompleted, TaskFailed, TaskCanceled:
		return true
	default:
		return false
	}
}

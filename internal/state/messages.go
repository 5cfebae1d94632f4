package state

import (
	"context"
	"fmt"

	"github.com/loomhq/loom/internal/idgen"
	"github.com/loomhq/loom/internal/part"
)

// AppendMessage appends a message to the task transcript, assigning the next
// sequence number inside the insert transaction so history stays totally
// ordered even under concurrent writers.
func (s *Store) AppendMessage(ctx context.Context, taskID string, msg Message) (Message, error) {
	if taskID == "" {
		return Message{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if msg.MessageID == "" {
		msg.MessageID = idgen.New()
	}
	if msg.Role == "" {
		msg.Role = "user"
	}
	partsJSON, err := part.EncodeList(msg.Parts)
	if err != nil {
		return Message{}, fmt.Errorf("encode message parts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin message tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var contextID string
	if err := tx.QueryRowContext(ctx, `SELECT context_id FROM tasks WHERE task_id = ?`, taskID).Scan(&contextID); err != nil {
		return Message{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}

	var seq int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence_number) + 1, 0) FROM task_messages WHERE task_id = ?
	`, taskID).Scan(&seq); err != nil {
		return Message{}, fmt.Errorf("next sequence number: %w", err)
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_messages (message_id, task_id, context_id, role, sequence_number, parts_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.MessageID, taskID, contextID, msg.Role, seq, partsJSON, formatTime(now)); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit message: %w", err)
	}

	msg.TaskID = taskID
	msg.ContextID = contextID
	msg.SequenceNumber = seq
	msg.CreatedAt = now
	return msg, nil
}

// ListTaskMessages returns a task's transcript in sequence order.
func (s *Store) ListTaskMessages(ctx context.Context, taskID string) ([]Message, error) {
	return s.listMessages(ctx, `
		SELECT message_id, task_id, context_id, role, sequence_number, parts_json, created_at
		FROM task_messages WHERE task_id = ?
		ORDER BY sequence_number ASC
	`, taskID)
}

// ListContextMessages returns the full conversation history of a context,
// oldest first, across all of its tasks.
func (s *Store) ListContextMessages(ctx context.Context, contextID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.listMessages(ctx, `
		SELECT message_id, task_id, context_id, role, sequence_number, parts_json, created_at
		FROM task_messages WHERE context_id = ?
		ORDER BY created_at ASC, sequence_number ASC
		LIMIT ?
	`, contextID, limit)
}

func (s *Store) listMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var partsJSON, createdAtStr string
		if err := rows.Scan(&msg.MessageID, &msg.TaskID, &msg.ContextID, &msg.Role, &msg.SequenceNumber, &partsJSON, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		parts, err := part.DecodeList(partsJSON)
		if err != nil {
			return nil, fmt.Errorf("decode message parts: %w", err)
		}
		msg.Parts = parts
		msg.CreatedAt = parseTime(createdAtStr)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

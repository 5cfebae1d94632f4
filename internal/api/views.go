package api

import (
	"context"
	"time"

	"github.com/loomhq/loom/internal/state"
)

// TaskStatusView is the status object on a client-facing task record.
type TaskStatusView struct {
	State     string    `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskView is the task record surfaced to clients.
type TaskView struct {
	ID        string          `json:"id"`
	ContextID string          `json:"contextId"`
	Kind      string          `json:"kind"`
	Status    TaskStatusView  `json:"status"`
	History   []state.Message `json:"history,omitempty"`
	Artifacts []state.Artifact `json:"artifacts,omitempty"`
}

func taskView(task state.Task) TaskView {
	return TaskView{
		ID:        task.TaskID,
		ContextID: task.ContextID,
		Kind:      "task",
		Status: TaskStatusView{
			State:     string(task.Status),
			Message:   task.FinalText,
			Timestamp: task.UpdatedAt,
		},
	}
}

// fullTaskView attaches history and artifacts, trimming history to the most
// recent historyLength messages when positive.
func (s *Server) fullTaskView(ctx context.Context, task state.Task, historyLength int) (TaskView, error) {
	view := taskView(task)
	history, err := s.Store.ListTaskMessages(ctx, task.TaskID)
	if err != nil {
		return TaskView{}, err
	}
	if historyLength > 0 && len(history) > historyLength {
		history = history[len(history)-historyLength:]
	}
	view.History = history
	artifacts, err := s.Store.ListArtifacts(ctx, task.TaskID)
	if err != nil {
		return TaskView{}, err
	}
	view.Artifacts = artifacts
	return view, nil
}

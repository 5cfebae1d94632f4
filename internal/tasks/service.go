// Package tasks is the lifecycle state machine over the task store. Every
// transition is validated here and announced on the broadcaster keyed by the
// task's context id.
package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomhq/loom/internal/broadcaster"
	"github.com/loomhq/loom/internal/state"
	"github.com/loomhq/loom/internal/stream"
)

// legalTransitions is the full transition relation. Terminal states have no
// outgoing edges.
var legalTransitions = map[state.TaskStatus][]state.TaskStatus{
	state.TaskSubmitted:     {state.TaskWorking, state.TaskFailed, state.TaskCanceled},
	state.TaskWorking:       {state.TaskCompleted, state.TaskFailed, state.TaskCanceled, state.TaskInputRequired},
	state.TaskInputRequired: {state.TaskWorking, state.TaskCanceled},
}

func transitionAllowed(from, to state.TaskStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Service mutates task rows and publishes lifecycle events.
type Service struct {
	store  *state.Store
	bus    *broadcaster.Broadcaster
	logger *slog.Logger
}

func NewService(store *state.Store, bus *broadcaster.Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, bus: bus, logger: logger}
}

// Create inserts a new submitted task and announces it.
func (s *Service) Create(ctx context.Context, taskID, contextID, userID, agentName string) (state.Task, error) {
	task, err := s.store.CreateTask(ctx, taskID, contextID, userID, agentName)
	if err != nil {
		return state.Task{}, err
	}
	s.publish(stream.TaskStatusChanged(task.TaskID, task.ContextID, task.Status))
	return task, nil
}

// Get loads one task.
func (s *Service) Get(ctx context.Context, taskID string) (state.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// Transition moves a task to a new status, persists it, and publishes the
// change. finalText is stored only on terminal transitions.
func (s *Service) Transition(ctx context.Context, taskID string, to state.TaskStatus, finalText string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == to {
		return nil
	}
	if !transitionAllowed(task.Status, to) {
		return &state.TransitionError{TaskID: taskID, From: task.Status, To: to}
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, to, finalText); err != nil {
		return err
	}

	s.publish(stream.TaskStatusChanged(taskID, task.ContextID, to))
	switch to {
	case state.TaskCompleted:
		s.publish(stream.TaskCompleted(taskID, task.ContextID, finalText))
	case state.TaskFailed:
		s.publish(stream.TaskFailed(taskID, task.ContextID, snippet(finalText)))
	}
	return nil
}

// Cancel transitions a non-terminal task to canceled and fails any steps
// still in flight.
func (s *Service) Cancel(ctx context.Context, taskID, reason string) error {
	if reason == "" {
		reason = "canceled"
	}
	if err := s.Transition(ctx, taskID, state.TaskCanceled, ""); err != nil {
		return err
	}
	failed, err := s.store.FailInProgressSteps(ctx, taskID, reason)
	if err != nil {
		return fmt.Errorf("fail steps on cancel: %w", err)
	}
	if failed > 0 {
		s.logger.Info("canceled task had steps in flight", "task", taskID, "steps", failed)
	}
	return nil
}

func (s *Service) publish(event stream.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Broadcast(event.ContextID, event)
}

// snippet bounds an error message for the failure event payload.
func snippet(text string) string {
	const maxLen = 500
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen]
}

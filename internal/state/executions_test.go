package state_test

import (
	"context"
	"errors"
	"testing"

	"github.com/loomhq/loom/internal/state"
	"github.com/loomhq/loom/internal/testutil"
)

func TestRecordToolExecutionIdempotent(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	first, err := store.RecordToolExecution(ctx, state.ToolExecution{
		ToolName:     "get_weather",
		ServerName:   "builtin",
		Input:        `{"city":"Oslo"}`,
		TaskID:       "task-1",
		AIToolCallID: "call-1",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := store.CompleteToolExecution(ctx, first, state.StepSuccess, `{"temp":21}`, "", 120); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Replay of the same logical call returns the first row untouched.
	second, err := store.RecordToolExecution(ctx, state.ToolExecution{
		ToolName:     "get_weather",
		ServerName:   "builtin",
		Input:        `{"city":"Oslo"}`,
		TaskID:       "task-1",
		AIToolCallID: "call-1",
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second != first {
		t.Fatalf("expected same execution id, got %s and %s", first, second)
	}

	rec, err := store.GetToolExecution(ctx, first)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != state.StepSuccess || rec.Output != `{"temp":21}` {
		t.Fatalf("replay modified the row: %+v", rec)
	}
}

func TestCompleteToolExecutionTerminalIsFrozen(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	id, err := store.RecordToolExecution(ctx, state.ToolExecution{
		ToolName:   "echo",
		ServerName: "builtin",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.CompleteToolExecution(ctx, id, state.StepTimeout, "", "deadline exceeded", 5000); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	// Late completion after timeout is silently dropped.
	if err := store.CompleteToolExecution(ctx, id, state.StepSuccess, `{"late":true}`, "", 5100); err != nil {
		t.Fatalf("late complete: %v", err)
	}

	rec, err := store.GetToolExecution(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != state.StepTimeout {
		t.Fatalf("terminal execution overwritten: %s", rec.Status)
	}
	if rec.Output != "" {
		t.Fatalf("late output recorded: %q", rec.Output)
	}
}

func TestCompleteToolExecutionRequiresTerminalStatus(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	id, err := store.RecordToolExecution(ctx, state.ToolExecution{ToolName: "echo", ServerName: "builtin"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	err = store.CompleteToolExecution(ctx, id, state.StepInProgress, "", "", 0)
	if !errors.Is(err, state.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestExecutionStepLifecycle(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateTask(ctx, "task-1", "ctx-1", "alice", "researcher"); err != nil {
		t.Fatalf("create task: %v", err)
	}

	step, err := store.CreateExecutionStep(ctx, state.ExecutionStep{
		TaskID:       "task-1",
		StepOrder:    0,
		ToolName:     "get_weather",
		AIToolCallID: "call-1",
	})
	if err != nil {
		t.Fatalf("create step: %v", err)
	}
	if step.Status != state.StepPending {
		t.Fatalf("expected pending, got %s", step.Status)
	}

	if err := store.AdvanceExecutionStep(ctx, step.StepID, state.StepInProgress, ""); err != nil {
		t.Fatalf("pending -> in_progress: %v", err)
	}
	if err := store.AdvanceExecutionStep(ctx, step.StepID, state.StepSuccess, ""); err != nil {
		t.Fatalf("in_progress -> success: %v", err)
	}

	err = store.AdvanceExecutionStep(ctx, step.StepID, state.StepFailed, "too late")
	if !errors.Is(err, state.ErrInvalidTransition) {
		t.Fatalf("expected frozen terminal step, got %v", err)
	}

	steps, err := store.ListExecutionSteps(ctx, "task-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(steps) != 1 || steps[0].Status != state.StepSuccess {
		t.Fatalf("unexpected steps: %+v", steps)
	}
	if steps[0].CompletedAt == nil {
		t.Fatalf("terminal step missing completed_at")
	}
}

func TestCreateExecutionStepDuplicateCallReturnsExisting(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateTask(ctx, "task-1", "ctx-1", "alice", "researcher"); err != nil {
		t.Fatalf("create task: %v", err)
	}

	first, err := store.CreateExecutionStep(ctx, state.ExecutionStep{
		TaskID:       "task-1",
		StepOrder:    0,
		ToolName:     "echo",
		AIToolCallID: "call-1",
	})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := store.CreateExecutionStep(ctx, state.ExecutionStep{
		TaskID:       "task-1",
		StepOrder:    7,
		ToolName:     "echo",
		AIToolCallID: "call-1",
	})
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if second.StepID != first.StepID {
		t.Fatalf("duplicate call produced a second step: %s vs %s", first.StepID, second.StepID)
	}
	if second.StepOrder != 0 {
		t.Fatalf("duplicate create changed step order: %d", second.StepOrder)
	}
}

func TestFailInProgressSteps(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateTask(ctx, "task-1", "ctx-1", "alice", "researcher"); err != nil {
		t.Fatalf("create task: %v", err)
	}

	done, err := store.CreateExecutionStep(ctx, state.ExecutionStep{TaskID: "task-1", StepOrder: 0, ToolName: "a", AIToolCallID: "call-a"})
	if err != nil {
		t.Fatalf("create done: %v", err)
	}
	if err := store.AdvanceExecutionStep(ctx, done.StepID, state.StepInProgress, ""); err != nil {
		t.Fatalf("advance done: %v", err)
	}
	if err := store.AdvanceExecutionStep(ctx, done.StepID, state.StepSuccess, ""); err != nil {
		t.Fatalf("finish done: %v", err)
	}

	running, err := store.CreateExecutionStep(ctx, state.ExecutionStep{TaskID: "task-1", StepOrder: 1, ToolName: "b", AIToolCallID: "call-b"})
	if err != nil {
		t.Fatalf("create running: %v", err)
	}
	if err := store.AdvanceExecutionStep(ctx, running.StepID, state.StepInProgress, ""); err != nil {
		t.Fatalf("advance running: %v", err)
	}
	if _, err := store.CreateExecutionStep(ctx, state.ExecutionStep{TaskID: "task-1", StepOrder: 2, ToolName: "c", AIToolCallID: "call-c"}); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	n, err := store.FailInProgressSteps(ctx, "task-1", "strategy aborted")
	if err != nil {
		t.Fatalf("fail steps: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 steps failed, got %d", n)
	}

	steps, err := store.ListExecutionSteps(ctx, "task-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if steps[0].Status != state.StepSuccess {
		t.Fatalf("finished step touched: %+v", steps[0])
	}
	for _, s := range steps[1:] {
		if s.Status != state.StepFailed || s.ErrorMessage != "strategy aborted" {
			t.Fatalf("unexpected step after abort: %+v", s)
		}
	}
}

func TestNextStepOrderDense(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateTask(ctx, "task-1", "ctx-1", "alice", "researcher"); err != nil {
		t.Fatalf("create task: %v", err)
	}

	for i := 0; i < 3; i++ {
		next, err := store.NextStepOrder(ctx, "task-1")
		if err != nil {
			t.Fatalf("next order: %v", err)
		}
		if next != i {
			t.Fatalf("expected dense order %d, got %d", i, next)
		}
		if _, err := store.CreateExecutionStep(ctx, state.ExecutionStep{TaskID: "task-1", StepOrder: next, ToolName: "echo"}); err != nil {
			t.Fatalf("create step %d: %v", i, err)
		}
	}
}

func TestStatsAggregation(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateTask(ctx, "task-1", "ctx-1", "alice", "researcher"); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := store.AppendMessage(ctx, "task-1", state.Message{Role: "user"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	outcomes := []state.StepStatus{state.StepSuccess, state.StepFailed, state.StepTimeout}
	for i, status := range outcomes {
		step, err := store.CreateExecutionStep(ctx, state.ExecutionStep{TaskID: "task-1", StepOrder: i, ToolName: "echo"})
		if err != nil {
			t.Fatalf("create step %d: %v", i, err)
		}
		if err := store.AdvanceExecutionStep(ctx, step.StepID, state.StepInProgress, ""); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if err := store.AdvanceExecutionStep(ctx, step.StepID, status, ""); err != nil {
			t.Fatalf("finish %d: %v", i, err)
		}
	}

	stats, err := store.Stats(ctx, "task-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.MessageCount != 1 || stats.TotalSteps != 3 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.SucceededSteps != 1 || stats.FailedSteps != 1 || stats.TimedOutSteps != 1 {
		t.Fatalf("unexpected outcome split: %+v", stats)
	}
}

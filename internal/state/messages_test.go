package state_test

import (
	"context"
	"errors"
	"testing"

	"github.com/loomhq/loom/internal/part"
	"github.com/loomhq/loom/internal/state"
	"github.com/loomhq/loom/internal/testutil"
)

func TestAppendMessageSequencing(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateTask(ctx, "task-1", "ctx-1", "alice", "researcher"); err != nil {
		t.Fatalf("create task: %v", err)
	}

	for i := 0; i < 5; i++ {
		msg, err := store.AppendMessage(ctx, "task-1", state.Message{
			Role:  "user",
			Parts: []part.Part{part.Text("hello")},
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if msg.SequenceNumber != i {
			t.Fatalf("expected sequence %d, got %d", i, msg.SequenceNumber)
		}
		if msg.ContextID != "ctx-1" {
			t.Fatalf("expected context from task, got %q", msg.ContextID)
		}
	}

	msgs, err := store.ListTaskMessages(ctx, "task-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.SequenceNumber != i {
			t.Fatalf("gap in sequence at %d: got %d", i, msg.SequenceNumber)
		}
	}
}

func TestAppendMessageUnknownTask(t *testing.T) {
	store := testutil.NewTestStore(t)

	_, err := store.AppendMessage(context.Background(), "missing", state.Message{Role: "user"})
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListContextMessagesSpansTasks(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	for _, taskID := range []string{"task-1", "task-2"} {
		if _, err := store.CreateTask(ctx, taskID, "ctx-1", "alice", "researcher"); err != nil {
			t.Fatalf("create %s: %v", taskID, err)
		}
		if _, err := store.AppendMessage(ctx, taskID, state.Message{
			Role:  "user",
			Parts: []part.Part{part.Text("from " + taskID)},
		}); err != nil {
			t.Fatalf("append to %s: %v", taskID, err)
		}
	}

	msgs, err := store.ListContextMessages(ctx, "ctx-1", 0)
	if err != nil {
		t.Fatalf("list context: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages across tasks, got %d", len(msgs))
	}
	if got := msgs[0].Parts[0].Text; got != "from task-1" {
		t.Fatalf("expected oldest first, got %q", got)
	}
}

func TestMessagePartsRoundTrip(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateTask(ctx, "task-1", "ctx-1", "alice", "researcher"); err != nil {
		t.Fatalf("create task: %v", err)
	}

	parts := []part.Part{
		part.Text("look at this"),
		part.Data(map[string]any{"rows": float64(3)}),
	}
	if _, err := store.AppendMessage(ctx, "task-1", state.Message{Role: "agent", Parts: parts}); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := store.ListTaskMessages(ctx, "task-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || len(msgs[0].Parts) != 2 {
		t.Fatalf("unexpected shape: %+v", msgs)
	}
	if msgs[0].Parts[0].Kind != part.KindText || msgs[0].Parts[0].Text != "look at this" {
		t.Fatalf("text part mangled: %+v", msgs[0].Parts[0])
	}
	if msgs[0].Parts[1].Kind != part.KindData || msgs[0].Parts[1].Data["rows"] != float64(3) {
		t.Fatalf("data part mangled: %+v", msgs[0].Parts[1])
	}
}

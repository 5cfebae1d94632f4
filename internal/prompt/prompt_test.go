package prompt

import (
	"strings"
	"testing"

	"github.com/loomhq/loom/internal/agents"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/part"
	"github.com/loomhq/loom/internal/state"
)

func TestBuilderOrdering(t *testing.T) {
	b := NewBuilder()
	b.Add(Block{ID: "low", Priority: 1, Content: "low"})
	b.Add(Block{ID: "high", Priority: 10, Content: "high"})
	b.Add(Block{ID: "mid", Priority: 5, Content: "mid"})

	got := b.Build()
	expected := "high\n\nmid\n\nlow"
	if got != expected {
		t.Fatalf("unexpected build: %q", got)
	}
}

func TestBuilderSkipsEmptyBlocks(t *testing.T) {
	b := NewBuilder()
	b.Add(Block{ID: "empty", Priority: 10, Content: "   "})
	b.Add(Block{ID: "real", Priority: 1, Content: "real"})
	if got := b.Build(); got != "real" {
		t.Fatalf("unexpected build: %q", got)
	}
}

func TestSystemIncludesSkills(t *testing.T) {
	agent := agents.Agent{
		SystemPrompt: "You are a researcher.",
		Skills: []agents.Skill{
			{ID: "charts", Name: "Charting", Prompt: "Render charts when asked."},
			{ID: "sql", Prompt: "Write safe SQL."},
		},
	}
	got := System(agent)
	if !strings.HasPrefix(got, "You are a researcher.") {
		t.Fatalf("system prompt not first: %q", got)
	}
	if !strings.Contains(got, "## Skill: Charting") {
		t.Fatalf("named skill block missing: %q", got)
	}
	if !strings.Contains(got, "## Skill: sql") {
		t.Fatalf("skill without name should fall back to id: %q", got)
	}
}

func TestHistoryFiltersRoles(t *testing.T) {
	msgs := []state.Message{
		{Role: "user", Parts: []part.Part{part.Text("hi")}},
		{Role: "assistant", Parts: []part.Part{part.Text("hello")}},
		{Role: "tool", Parts: []part.Part{part.Text("raw tool output")}},
		{Role: "system", Parts: []part.Part{part.Text("internal")}},
		{Role: "user", Parts: []part.Part{part.Data(map[string]any{"no": "text"})}},
	}
	got := History(msgs)
	if len(got) != 2 {
		t.Fatalf("expected 2 turns, got %d: %+v", len(got), got)
	}
	if got[0].Role != llm.RoleUser || got[1].Role != llm.RoleAssistant {
		t.Fatalf("roles wrong: %+v", got)
	}
}

func TestTranscriptAppendsUserMessage(t *testing.T) {
	history := []state.Message{
		{Role: "user", Parts: []part.Part{part.Text("earlier")}},
	}
	got := Transcript(history, "latest question")
	if len(got) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(got))
	}
	last := got[len(got)-1]
	if last.Role != llm.RoleUser || last.Content != "latest question" {
		t.Fatalf("user message not last: %+v", last)
	}
}

package prompt

import (
	"fmt"

	"github.com/loomhq/loom/internal/agents"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/part"
	"github.com/loomhq/loom/internal/state"
)

// System composes the agent's system prompt plus one block per skill.
func System(agent agents.Agent) string {
	b := NewBuilder()
	b.Add(Block{ID: "base", Priority: 100, Content: agent.SystemPrompt})
	for _, skill := range agent.Skills {
		b.Add(Block{
			ID:       "skill:" + skill.ID,
			Priority: 50,
			Content:  skillBlock(skill),
		})
	}
	return b.Build()
}

func skillBlock(skill agents.Skill) string {
	header := skill.Name
	if header == "" {
		header = skill.ID
	}
	return fmt.Sprintf("## Skill: %s\n\n%s", header, skill.Prompt)
}

// History converts stored context messages into provider transcript turns.
// Only user and assistant text survives across tasks; tool traffic and
// internal roles stay task-local.
func History(messages []state.Message) []llm.Message {
	var out []llm.Message
	for _, msg := range messages {
		text := part.PlainText(msg.Parts)
		if text == "" {
			continue
		}
		switch msg.Role {
		case "user":
			out = append(out, llm.Message{Role: llm.RoleUser, Content: text})
		case "assistant", "agent":
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: text})
		}
	}
	return out
}

// Transcript builds the initial request transcript: prior history plus the
// new user message.
func Transcript(history []state.Message, userText string) []llm.Message {
	out := History(history)
	out = append(out, llm.Message{Role: llm.RoleUser, Content: userText})
	return out
}

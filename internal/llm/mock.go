package llm

import (
	"context"
	"fmt"
	"sync"
)

// Turn scripts one response of a ScriptedProvider.
type Turn struct {
	Text      string
	ToolCalls []ToolCall
	Err       error
}

// ScriptedProvider plays back a fixed sequence of turns. Used by tests that
// need deterministic streaming and tool-call behavior.
type ScriptedProvider struct {
	mu    sync.Mutex
	turns []Turn
	next  int

	// Requests records every request received, in order.
	Requests []Request
}

func NewScriptedProvider(turns ...Turn) *ScriptedProvider {
	return &ScriptedProvider{turns: turns}
}

func (s *ScriptedProvider) Name() string { return "scripted" }

func (s *ScriptedProvider) Chat(ctx context.Context, req Request, onDelta DeltaFunc) (*Response, error) {
	s.mu.Lock()
	s.Requests = append(s.Requests, req)
	if s.next >= len(s.turns) {
		s.mu.Unlock()
		return nil, fmt.Errorf("scripted provider exhausted after %d turns: %w", len(s.turns), ErrGenerationFailed)
	}
	turn := s.turns[s.next]
	s.next++
	s.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}
	// Stream in small chunks so delta handling is exercised.
	for _, r := range turn.Text {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if onDelta != nil {
			onDelta(string(r))
		}
	}
	finish := "stop"
	if len(turn.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	return &Response{Text: turn.Text, ToolCalls: turn.ToolCalls, FinishReason: finish}, nil
}

// Calls reports how many turns were consumed.
func (s *ScriptedProvider) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

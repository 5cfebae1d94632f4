package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomhq/loom/internal/agents"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/state"
	"github.com/loomhq/loom/internal/stream"
)

// RunInput is the shared context one strategy run operates on.
type RunInput struct {
	Task       state.Task
	Agent      agents.Agent
	System     string
	Transcript []llm.Message
	Tools      []llm.ToolDefinition
	SessionID  string
	TraceID    string
	Emit       func(stream.Event)
	Token      *CancelToken
}

// StrategyResult carries what a strategy produced: the assistant text
// accumulated across iterations and every tool call with its outcome, in
// issue order.
type StrategyResult struct {
	AccumulatedText string
	ToolCalls       []llm.ToolCall
	Outcomes        []mcp.Outcome
	Iterations      int
}

// Strategy drives one task to the point where synthesis can run.
type Strategy interface {
	Run(ctx context.Context, in RunInput) (*StrategyResult, error)
}

// PassThrough is the no-tools strategy: a single streaming LLM call.
type PassThrough struct {
	provider    llm.Provider
	model       string
	llmDeadline time.Duration
	maxTokens   int64
}

func NewPassThrough(provider llm.Provider, model string, llmDeadline time.Duration, maxTokens int64) *PassThrough {
	return &PassThrough{provider: provider, model: model, llmDeadline: llmDeadline, maxTokens: maxTokens}
}

func (s *PassThrough) Run(ctx context.Context, in RunInput) (*StrategyResult, error) {
	if in.Token != nil && in.Token.Canceled() {
		return nil, fmt.Errorf("%s: %w", in.Token.Reason(), ErrCanceled)
	}
	resp, err := chatWithDeadline(ctx, s.provider, llm.Request{
		Model:           s.model,
		System:          in.System,
		Messages:        in.Transcript,
		MaxOutputTokens: s.maxTokens,
	}, s.llmDeadline, deltaEmitter(in))
	if err != nil {
		return nil, err
	}
	return &StrategyResult{AccumulatedText: resp.Text, Iterations: 1}, nil
}

// ToolLoop is the bounded tool-calling strategy.
type ToolLoop struct {
	provider      llm.Provider
	model         string
	dispatcher    *mcp.Dispatcher
	maxIterations int
	llmDeadline   time.Duration
	maxTokens     int64
	logger        *slog.Logger
}

func NewToolLoop(provider llm.Provider, model string, dispatcher *mcp.Dispatcher, maxIterations int, llmDeadline time.Duration, maxTokens int64, logger *slog.Logger) *ToolLoop {
	if maxIterations <= 0 {
		maxIterations = 12
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolLoop{
		provider:      provider,
		model:         model,
		dispatcher:    dispatcher,
		maxIterations: maxIterations,
		llmDeadline:   llmDeadline,
		maxTokens:     maxTokens,
		logger:        logger,
	}
}

func (s *ToolLoop) Run(ctx context.Context, in RunInput) (*StrategyResult, error) {
	transcript := make([]llm.Message, len(in.Transcript))
	copy(transcript, in.Transcript)

	result := &StrategyResult{}
	for iteration := 1; iteration <= s.maxIterations; iteration++ {
		if err := checkToken(in.Token); err != nil {
			return result, err
		}
		result.Iterations = iteration

		resp, err := chatWithDeadline(ctx, s.provider, llm.Request{
			Model:           s.model,
			System:          in.System,
			Messages:        transcript,
			Tools:           in.Tools,
			MaxOutputTokens: s.maxTokens,
		}, s.llmDeadline, deltaEmitter(in))
		if err != nil {
			return result, err
		}
		result.AccumulatedText += resp.Text

		if len(resp.ToolCalls) == 0 {
			return result, nil
		}

		transcript = append(transcript, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		if err := checkToken(in.Token); err != nil {
			return result, err
		}

		calls := make([]mcp.Call, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			calls[i] = mcp.Call{AIToolCallID: tc.ID, ToolName: tc.Name, Arguments: tc.Arguments}
		}
		outcomes, err := s.dispatcher.Dispatch(ctx, mcp.DispatchRequest{
			Task:    in.Task,
			Servers: in.Agent.MCPServers,
			Calls:   calls,
			Emit:    in.Emit,
		})
		if err != nil {
			return result, err
		}

		result.ToolCalls = append(result.ToolCalls, resp.ToolCalls...)
		result.Outcomes = append(result.Outcomes, outcomes...)

		// Feed results back in issue order so the model sees a
		// deterministic view regardless of completion order.
		for _, outcome := range outcomes {
			transcript = append(transcript, llm.Message{
				Role:       llm.RoleTool,
				Content:    toolResultText(outcome.Result),
				ToolCallID: outcome.Call.AIToolCallID,
			})
		}
	}

	s.logger.Warn("tool loop hit iteration cap", "task", in.Task.TaskID, "iterations", s.maxIterations)
	return result, nil
}

func checkToken(token *CancelToken) error {
	if token != nil && token.Canceled() {
		return fmt.Errorf("%s: %w", token.Reason(), ErrCanceled)
	}
	return nil
}

func chatWithDeadline(ctx context.Context, provider llm.Provider, req llm.Request, deadline time.Duration, onDelta llm.DeltaFunc) (*llm.Response, error) {
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}
	return provider.Chat(ctx, req, onDelta)
}

func deltaEmitter(in RunInput) llm.DeltaFunc {
	if in.Emit == nil {
		return nil
	}
	return func(chunk string) {
		in.Emit(stream.TextDelta(in.Task.TaskID, in.Task.ContextID, chunk))
	}
}

// toolResultText renders one outcome for the tool-role transcript message.
func toolResultText(result mcp.CallToolResult) string {
	if result.Status != state.StepSuccess {
		msg := result.ErrorMessage
		if msg == "" {
			msg = string(result.Status)
		}
		return fmt.Sprintf(`{"error":%q,"status":%q}`, msg, result.Status)
	}
	if result.StructuredContent != nil {
		if raw, err := json.Marshal(result.StructuredContent); err == nil {
			return string(raw)
		}
	}
	var text string
	for _, p := range result.ContentParts {
		text += p.Text
	}
	if text == "" {
		text = `{"status":"success"}`
	}
	return text
}

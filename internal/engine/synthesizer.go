package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/state"
)

const synthesisInstruction = "Compose the final response for the user. " +
	"Use the tool results and produced artifacts below; reference artifacts " +
	"by name where it helps. Do not call tools. Answer directly."

// Synthesizer runs the second-pass LLM call that folds tool results and
// artifacts into one human-facing response.
type Synthesizer struct {
	provider    llm.Provider
	model       string
	llmDeadline time.Duration
	maxTokens   int64
	logger      *slog.Logger
}

func NewSynthesizer(provider llm.Provider, model string, llmDeadline time.Duration, maxTokens int64, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{provider: provider, model: model, llmDeadline: llmDeadline, maxTokens: maxTokens, logger: logger}
}

// Synthesize issues one more LLM call and streams its deltas through the
// run's emitter. On failure it falls back to the strategy's accumulated
// text: synthesis failure is a warning, never a task failure.
func (s *Synthesizer) Synthesize(ctx context.Context, in RunInput, result *StrategyResult, built []state.Artifact) string {
	transcript := make([]llm.Message, len(in.Transcript))
	copy(transcript, in.Transcript)
	transcript = append(transcript, llm.Message{
		Role:    llm.RoleUser,
		Content: synthesisContext(result, built),
	})

	resp, err := chatWithDeadline(ctx, s.provider, llm.Request{
		Model:           s.model,
		System:          in.System,
		Messages:        transcript,
		MaxOutputTokens: s.maxTokens,
	}, s.llmDeadline, deltaEmitter(in))
	if err != nil {
		s.logger.Warn("synthesis failed, falling back to accumulated text", "task", in.Task.TaskID, "error", err)
		return result.AccumulatedText
	}
	if strings.TrimSpace(resp.Text) == "" {
		return result.AccumulatedText
	}
	return resp.Text
}

func synthesisContext(result *StrategyResult, built []state.Artifact) string {
	var sb strings.Builder
	sb.WriteString(synthesisInstruction)
	if result.AccumulatedText != "" {
		sb.WriteString("\n\nPartial response so far:\n")
		sb.WriteString(result.AccumulatedText)
	}
	if len(result.Outcomes) > 0 {
		sb.WriteString("\n\nTool results:\n")
		for _, outcome := range result.Outcomes {
			fmt.Fprintf(&sb, "- %s (%s): %s\n", outcome.Call.ToolName, outcome.Result.Status, toolResultText(outcome.Result))
		}
	}
	if len(built) > 0 {
		sb.WriteString("\nArtifacts produced:\n")
		for _, artifact := range built {
			fmt.Fprintf(&sb, "- %s (%s)\n", artifact.Name, artifact.ArtifactType)
		}
	}
	return sb.String()
}

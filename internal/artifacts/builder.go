// Package artifacts turns tool outcomes into persisted typed artifacts with
// lineage metadata back to the call that produced them.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loomhq/loom/internal/idgen"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/part"
	"github.com/loomhq/loom/internal/state"
	"github.com/loomhq/loom/internal/stream"
)

// Builder persists one artifact per tool outcome that carries structured
// content. Outcomes without structured content are ephemeral side effects
// and produce nothing.
type Builder struct {
	store   *state.Store
	logger  *slog.Logger
	newIDFn func() string
}

type Option func(*Builder)

func WithIDGenerator(newIDFn func() string) Option {
	return func(b *Builder) {
		if newIDFn != nil {
			b.newIDFn = newIDFn
		}
	}
}

func NewBuilder(store *state.Store, logger *slog.Logger, opts ...Option) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Builder{store: store, logger: logger, newIDFn: idgen.New}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Input scopes one build pass.
type Input struct {
	Task      state.Task
	Outcomes  []mcp.Outcome
	SkillID   string
	SkillName string
	Emit      func(stream.Event)
}

// Build walks the outcomes in issue order and persists an artifact for each
// one with structured content. Returns the artifacts in the same order.
func (b *Builder) Build(ctx context.Context, in Input) ([]state.Artifact, error) {
	var built []state.Artifact
	for _, outcome := range in.Outcomes {
		if outcome.Result.StructuredContent == nil {
			continue
		}
		fingerprint, err := Fingerprint(outcome.Result.StructuredContent)
		if err != nil {
			return built, fmt.Errorf("fingerprint %s result: %w", outcome.Call.ToolName, err)
		}
		executionIndex := outcome.StepOrder
		artifact := state.Artifact{
			ArtifactID:   b.newIDFn(),
			TaskID:       in.Task.TaskID,
			ContextID:    in.Task.ContextID,
			Name:         fmt.Sprintf("%s-result-%d", outcome.Call.ToolName, executionIndex),
			ArtifactType: "tool_result",
			Parts:        partsFromStructured(outcome.Result.StructuredContent),
			Metadata: state.ArtifactMetadata{
				Source:         "tool",
				ToolName:       outcome.Call.ToolName,
				AIToolCallID:   outcome.Call.AIToolCallID,
				MCPExecutionID: outcome.MCPExecutionID,
				Fingerprint:    fingerprint,
				SkillID:        in.SkillID,
				SkillName:      in.SkillName,
				ExecutionIndex: &executionIndex,
			},
		}
		if err := b.store.UpsertArtifact(ctx, artifact); err != nil {
			return built, fmt.Errorf("persist artifact for %s: %w", outcome.Call.ToolName, err)
		}
		stored, err := b.store.GetArtifact(ctx, in.Task.TaskID, artifact.ArtifactID)
		if err != nil {
			return built, err
		}
		built = append(built, stored)
		if in.Emit != nil {
			in.Emit(stream.ArtifactCreated(in.Task.TaskID, in.Task.ContextID, stored))
		}
	}
	return built, nil
}

// Fingerprint hashes canonicalized structured content. encoding/json sorts
// map keys, so byte-identical payloads hash equal regardless of insertion
// order.
func Fingerprint(content map[string]any) (string, error) {
	canonical, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("canonicalize structured content: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// partsFromStructured maps a structured payload onto artifact parts: an
// embedded file payload becomes a file part, a bare text payload a text
// part, anything else one data part.
func partsFromStructured(content map[string]any) []part.Part {
	if f, ok := asFilePayload(content); ok {
		return []part.Part{f}
	}
	if len(content) == 1 {
		if text, ok := content["text"].(string); ok {
			return []part.Part{part.Text(text)}
		}
	}
	return []part.Part{part.Data(content)}
}

// asFilePayload recognizes {"bytes": base64, "name"?, "mime_type"?}.
func asFilePayload(content map[string]any) (part.Part, bool) {
	raw, ok := content["bytes"].(string)
	if !ok || raw == "" {
		return part.Part{}, false
	}
	for key := range content {
		switch key {
		case "bytes", "name", "mime_type":
		default:
			return part.Part{}, false
		}
	}
	if _, err := base64.StdEncoding.DecodeString(raw); err != nil {
		return part.Part{}, false
	}
	name, _ := content["name"].(string)
	mimeType, _ := content["mime_type"].(string)
	return part.Part{Kind: part.KindFile, File: &part.File{
		Name:     name,
		MimeType: mimeType,
		Bytes:    raw,
	}}, true
}

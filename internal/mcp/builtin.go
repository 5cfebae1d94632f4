package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/part"
	"github.com/loomhq/loom/internal/state"
)

// BuiltinServer is an in-process endpoint with utility tools, so the core
// works without any external tool server configured.
type BuiltinServer struct {
	nowFn func() time.Time
}

type BuiltinOption func(*BuiltinServer)

func WithBuiltinClock(nowFn func() time.Time) BuiltinOption {
	return func(s *BuiltinServer) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func NewBuiltinServer(opts ...BuiltinOption) *BuiltinServer {
	s := &BuiltinServer{nowFn: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *BuiltinServer) Name() string { return "builtin" }

func (s *BuiltinServer) Tools(ctx context.Context) ([]Tool, error) {
	return []Tool{
		{
			Name:        "echo",
			Description: "Echo the given text back as structured content",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string", "description": "Text to echo"},
				},
				"required": []string{"text"},
			},
		},
		{
			Name:        "now",
			Description: "Return the current time in UTC",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}, nil
}

func (s *BuiltinServer) CallTool(ctx context.Context, toolName string, arguments json.RawMessage) (*CallToolResult, error) {
	switch toolName {
	case "echo":
		return s.echo(arguments)
	case "now":
		return s.now()
	default:
		return nil, fmt.Errorf("tool %q: %w", toolName, ErrUnknownTool)
	}
}

func (s *BuiltinServer) echo(arguments json.RawMessage) (*CallToolResult, error) {
	var args struct {
		Text string `json:"text"`
	}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return &CallToolResult{
				Status:       state.StepFailed,
				ErrorMessage: fmt.Sprintf("decode arguments: %v", err),
			}, nil
		}
	}
	if strings.TrimSpace(args.Text) == "" {
		return &CallToolResult{
			Status:       state.StepFailed,
			ErrorMessage: "text is required",
		}, nil
	}
	return &CallToolResult{
		Status:            state.StepSuccess,
		ContentParts:      []part.Part{part.Text(args.Text)},
		StructuredContent: map[string]any{"text": args.Text},
	}, nil
}

func (s *BuiltinServer) now() (*CallToolResult, error) {
	now := s.nowFn()
	return &CallToolResult{
		Status:       state.StepSuccess,
		ContentParts: []part.Part{part.Text(now.Format(time.RFC3339))},
		StructuredContent: map[string]any{
			"iso":  now.Format(time.RFC3339Nano),
			"unix": now.Unix(),
		},
	}, nil
}

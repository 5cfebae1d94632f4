// Package llm defines the provider contract the execution strategies drive:
// one streaming chat call per turn, with tool calling and normalized error
// kinds across vendors.
package llm

import (
	"context"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a function invocation the model requested. Arguments is the
// raw JSON argument string.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one turn of the provider transcript.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolDefinition declares a callable function. Parameters is a JSON Schema
// object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one normalized chat call.
type Request struct {
	Model           string
	System          string
	Messages        []Message
	Tools           []ToolDefinition
	Temperature     float64
	MaxOutputTokens int64
}

// Usage reports token accounting when the vendor provides it.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the completed result of one chat call. Text carries the full
// assistant text; deltas were already forwarded through the callback.
type Response struct {
	Text         string     `json:"text"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        Usage      `json:"usage"`
}

// DeltaFunc receives assistant text chunks as they stream in. Nil is
// allowed when the caller does not care about deltas.
type DeltaFunc func(chunk string)

// Provider issues one chat call against a vendor API. Implementations must
// honor ctx cancellation and return errors classified with the kind
// sentinels of this package.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req Request, onDelta DeltaFunc) (*Response, error)
}

package state

import (
	"time"

	"github.com/loomhq/loom/internal/part"
)

// TaskStatus is the lifecycle state of one agent invocation.
type TaskStatus string

const (
	TaskSubmitted     TaskStatus = "submitted"
	TaskWorking       TaskStatus = "working"
	TaskInputRequired TaskStatus = "input-required"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskCanceled      TaskStatus = "canceled"
)

// IsTerminalTaskStatus reports whether status freezes the task row.
func IsTerminalTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskCanceled:
		return true
	default:
		return false
	}
}

// Task is the root record of one agent invocation.
type Task struct {
	TaskID    string     `json:"task_id"`
	ContextID string     `json:"context_id"`
	UserID    string     `json:"user_id"`
	AgentName string     `json:"agent_name"`
	Status    TaskStatus `json:"status"`
	FinalText string     `json:"final_text,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Message is one entry in a task's append-only, totally ordered transcript.
type Message struct {
	MessageID      string      `json:"message_id"`
	TaskID         string      `json:"task_id"`
	ContextID      string      `json:"context_id"`
	Role           string      `json:"role"`
	SequenceNumber int         `json:"sequence_number"`
	Parts          []part.Part `json:"parts"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ArtifactMetadata carries the lineage of an artifact back to the tool call
// that produced it.
type ArtifactMetadata struct {
	Source         string         `json:"source,omitempty"`
	ToolName       string         `json:"tool_name,omitempty"`
	AIToolCallID   string         `json:"ai_tool_call_id,omitempty"`
	MCPExecutionID string         `json:"mcp_execution_id,omitempty"`
	Fingerprint    string         `json:"fingerprint,omitempty"`
	SkillID        string         `json:"skill_id,omitempty"`
	SkillName      string         `json:"skill_name,omitempty"`
	ExecutionIndex *int           `json:"execution_index,omitempty"`
	RenderingHints map[string]any `json:"rendering_hints,omitempty"`
	IsInternal     bool           `json:"is_internal,omitempty"`
}

// Artifact is a durable structured output owned by a task.
type Artifact struct {
	ArtifactID   string           `json:"artifact_id"`
	TaskID       string           `json:"task_id"`
	ContextID    string           `json:"context_id"`
	Name         string           `json:"name,omitempty"`
	Description  string           `json:"description,omitempty"`
	ArtifactType string           `json:"artifact_type,omitempty"`
	Parts        []part.Part      `json:"parts"`
	Metadata     ArtifactMetadata `json:"metadata"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// StepStatus is the state of one recorded tool-loop step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepSuccess    StepStatus = "success"
	StepFailed     StepStatus = "failed"
	StepTimeout    StepStatus = "timeout"
)

// IsTerminalStepStatus reports whether status ends a step.
func IsTerminalStepStatus(status StepStatus) bool {
	switch status {
	case StepSuccess, StepFailed, StepTimeout:
		return true
	default:
		return false
	}
}

// ExecutionStep records one logical tool call of a task. At most one row
// exists per ai_tool_call_id.
type ExecutionStep struct {
	StepID         string     `json:"step_id"`
	TaskID         string     `json:"task_id"`
	StepOrder      int        `json:"step_order"`
	Status         StepStatus `json:"status"`
	ToolName       string     `json:"tool_name,omitempty"`
	MCPExecutionID string     `json:"mcp_execution_id,omitempty"`
	AIToolCallID   string     `json:"ai_tool_call_id,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// ToolExecution is the detailed record of a single call to a named tool on a
// named server, joined upward to its task, context, session, and trace.
type ToolExecution struct {
	MCPExecutionID  string     `json:"mcp_execution_id"`
	ToolName        string     `json:"tool_name"`
	ServerName      string     `json:"server_name"`
	Status          StepStatus `json:"status"`
	Input           string     `json:"input"`
	Output          string     `json:"output,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ExecutionTimeMS *int64     `json:"execution_time_ms,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UserID          string     `json:"user_id,omitempty"`
	ContextID       string     `json:"context_id,omitempty"`
	SessionID       string     `json:"session_id,omitempty"`
	TaskID          string     `json:"task_id,omitempty"`
	TraceID         string     `json:"trace_id,omitempty"`
	AIToolCallID    string     `json:"ai_tool_call_id,omitempty"`
}

// TaskStats aggregates step outcomes for one task.
type TaskStats struct {
	TaskID        string `json:"task_id"`
	TotalSteps    int    `json:"total_steps"`
	SucceededSteps int   `json:"succeeded_steps"`
	FailedSteps   int    `json:"failed_steps"`
	TimedOutSteps int    `json:"timed_out_steps"`
	MessageCount  int    `json:"message_count"`
	ArtifactCount int    `json:"artifact_count"`
}

// Package stream defines the event taxonomy emitted on per-context
// subscriber channels while a task executes.
package stream

import (
	"time"

	"github.com/loomhq/loom/internal/state"
)

// Type discriminates stream events.
type Type string

const (
	TypeTextDelta         Type = "text_delta"
	TypeToolCallStarted   Type = "tool_call_started"
	TypeToolCallCompleted Type = "tool_call_completed"
	TypeArtifact          Type = "artifact"
	TypeComplete          Type = "complete"
	TypeError             Type = "error"
	TypeTaskStatusChanged Type = "task_status_changed"
	TypeTaskCompleted     Type = "task_completed"
	TypeTaskFailed        Type = "task_failed"
)

// Event is the wire payload of one stream frame. Exactly the fields relevant
// to Type are populated.
type Event struct {
	Type      Type      `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	ContextID string    `json:"context_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// text_delta
	Chunk string `json:"chunk,omitempty"`

	// tool_call_started / tool_call_completed
	ToolName     string `json:"tool_name,omitempty"`
	AIToolCallID string `json:"ai_tool_call_id,omitempty"`
	CallStatus   string `json:"call_status,omitempty"`

	// artifact / complete
	Artifact *state.Artifact `json:"artifact,omitempty"`
	FullText string          `json:"full_text,omitempty"`
	// Pointer so that only complete frames carry the key, but those always
	// carry it, as "[]" rather than omitted when there are no artifacts.
	Artifacts *[]state.Artifact `json:"artifacts,omitempty"`

	// error / task_failed
	Message string `json:"message,omitempty"`

	// task_status_changed
	Status string `json:"status,omitempty"`
}

func TextDelta(taskID, contextID, chunk string) Event {
	return Event{Type: TypeTextDelta, TaskID: taskID, ContextID: contextID, Chunk: chunk, Timestamp: time.Now().UTC()}
}

func ToolCallStarted(taskID, contextID, toolName, aiToolCallID string) Event {
	return Event{Type: TypeToolCallStarted, TaskID: taskID, ContextID: contextID, ToolName: toolName, AIToolCallID: aiToolCallID, Timestamp: time.Now().UTC()}
}

func ToolCallCompleted(taskID, contextID, aiToolCallID string, status state.StepStatus) Event {
	return Event{Type: TypeToolCallCompleted, TaskID: taskID, ContextID: contextID, AIToolCallID: aiToolCallID, CallStatus: string(status), Timestamp: time.Now().UTC()}
}

func ArtifactCreated(taskID, contextID string, artifact state.Artifact) Event {
	return Event{Type: TypeArtifact, TaskID: taskID, ContextID: contextID, Artifact: &artifact, Timestamp: time.Now().UTC()}
}

func Complete(taskID, contextID, fullText string, artifacts []state.Artifact) Event {
	if artifacts == nil {
		artifacts = []state.Artifact{}
	}
	return Event{Type: TypeComplete, TaskID: taskID, ContextID: contextID, FullText: fullText, Artifacts: &artifacts, Timestamp: time.Now().UTC()}
}

func Error(taskID, contextID, message string) Event {
	return Event{Type: TypeError, TaskID: taskID, ContextID: contextID, Message: message, Timestamp: time.Now().UTC()}
}

func TaskStatusChanged(taskID, contextID string, status state.TaskStatus) Event {
	return Event{Type: TypeTaskStatusChanged, TaskID: taskID, ContextID: contextID, Status: string(status), Timestamp: time.Now().UTC()}
}

func TaskCompleted(taskID, contextID, finalText string) Event {
	return Event{Type: TypeTaskCompleted, TaskID: taskID, ContextID: contextID, FullText: finalText, Timestamp: time.Now().UTC()}
}

func TaskFailed(taskID, contextID, message string) Event {
	return Event{Type: TypeTaskFailed, TaskID: taskID, ContextID: contextID, Message: message, Timestamp: time.Now().UTC()}
}

package stream

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCompleteAlwaysCarriesArtifactsArray(t *testing.T) {
	ev := Complete("task-1", "ctx-1", "done", nil)
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"artifacts":[]`) {
		t.Fatalf("complete frame without artifacts should carry an empty array, got %s", raw)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["artifacts"]; !ok {
		t.Fatalf("artifacts key missing from %s", raw)
	}
}

func TestNonCompleteFramesOmitArtifacts(t *testing.T) {
	ev := TextDelta("task-1", "ctx-1", "chunk")
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "artifacts") {
		t.Fatalf("text delta should not carry an artifacts key, got %s", raw)
	}
}

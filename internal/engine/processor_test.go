package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/agents"
	"github.com/loomhq/loom/internal/artifacts"
	"github.com/loomhq/loom/internal/broadcaster"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/part"
	"github.com/loomhq/loom/internal/state"
	"github.com/loomhq/loom/internal/stream"
	"github.com/loomhq/loom/internal/tasks"
	"github.com/loomhq/loom/internal/testutil"
)

type harness struct {
	store *state.Store
	bus   *broadcaster.Broadcaster
	proc  *engine.Processor
}

func newHarness(t *testing.T, provider llm.Provider, agent agents.Agent, endpoints ...mcp.Endpoint) *harness {
	t.Helper()
	core := config.DefaultCore()
	core.MaxToolIterations = 3
	core.LLMDeadline = 5 * time.Second
	core.ToolDeadline = 5 * time.Second
	return newHarnessCore(t, provider, agent, core, endpoints...)
}

func newHarnessCore(t *testing.T, provider llm.Provider, agent agents.Agent, core config.Core, endpoints ...mcp.Endpoint) *harness {
	t.Helper()
	store := testutil.NewTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := broadcaster.New(logger)
	reg := agents.NewRegistry()
	if err := reg.Register(agent); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	tools := mcp.NewRegistry()
	for _, e := range endpoints {
		tools.AddServer(e)
	}
	proc := engine.NewProcessor(engine.Deps{
		Store:     store,
		Lifecycle: tasks.NewService(store, bus, logger),
		Bus:       bus,
		Agents:    reg,
		Tools:     tools,
		Dispatch:  mcp.NewDispatcher(tools, store, 4, core.ToolDeadline, logger),
		Providers: map[string]llm.Provider{agent.Provider: provider},
		Builder:   artifacts.NewBuilder(store, logger),
		Core:      core,
		Logger:    logger,
	})
	return &harness{store: store, bus: bus, proc: proc}
}

func textAgent() agents.Agent {
	return agents.Agent{
		Name:         "helper",
		SystemPrompt: "You are a helper.",
		Provider:     "scripted",
		Model:        "test-model",
	}
}

func toolAgent() agents.Agent {
	a := textAgent()
	a.MCPServers = []string{"builtin"}
	a.Skills = []agents.Skill{{ID: "skill-1", Name: "Echoing", Prompt: "Echo things back."}}
	return a
}

// eventSink drains a subscription in the background so slow readers never
// drop frames during a test.
type eventSink struct {
	mu     sync.Mutex
	events []stream.Event
}

func collect(t *testing.T, sub *broadcaster.Subscription) *eventSink {
	t.Helper()
	sink := &eventSink{}
	go func() {
		for frame := range sub.C {
			var ev stream.Event
			if err := json.Unmarshal(frame, &ev); err != nil {
				continue
			}
			sink.mu.Lock()
			sink.events = append(sink.events, ev)
			sink.mu.Unlock()
		}
	}()
	return sink
}

func (s *eventSink) snapshot() []stream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *eventSink) waitFor(t *testing.T, types ...stream.Type) stream.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range s.snapshot() {
			for _, typ := range types {
				if ev.Type == typ {
					return ev
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %v event after 5s; got %d events", types, len(s.snapshot()))
	return stream.Event{}
}

func (s *eventSink) ofType(typ stream.Type) []stream.Event {
	var out []stream.Event
	for _, ev := range s.snapshot() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestProcessStreamsAndCompletes(t *testing.T) {
	provider := llm.NewScriptedProvider(llm.Turn{Text: "hi there"})
	h := newHarness(t, provider, textAgent())
	ctx := context.Background()

	sub := h.bus.Subscribe("ctx-1")
	defer sub.Close()
	sink := collect(t, sub)

	task, err := h.proc.Process(ctx, engine.Request{
		ContextID: "ctx-1",
		Parts:     []part.Part{part.Text("hello")},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if task.Status != state.TaskSubmitted {
		t.Fatalf("status = %s, want submitted", task.Status)
	}

	done := sink.waitFor(t, stream.TypeTaskCompleted)
	if done.FullText != "hi there" {
		t.Fatalf("final text = %q", done.FullText)
	}

	var streamed strings.Builder
	for _, ev := range sink.ofType(stream.TypeTextDelta) {
		streamed.WriteString(ev.Chunk)
	}
	if streamed.String() != "hi there" {
		t.Fatalf("streamed = %q, want %q", streamed.String(), "hi there")
	}
	complete := sink.ofType(stream.TypeComplete)
	if len(complete) != 1 || complete[0].FullText != "hi there" {
		t.Fatalf("complete events = %+v", complete)
	}

	got, err := h.store.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != state.TaskCompleted || got.FinalText != "hi there" {
		t.Fatalf("task = %s final=%q", got.Status, got.FinalText)
	}
	msgs, err := h.store.ListContextMessages(ctx, "ctx-1", 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestToolLoopBuildsArtifactsAndSynthesizes(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.Turn{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "echo", Arguments: `{"text":"ping"}`}}},
		llm.Turn{Text: "got it"},
		llm.Turn{Text: "ping came back"}, // synthesis pass
	)
	h := newHarness(t, provider, toolAgent(), mcp.NewBuiltinServer())
	ctx := context.Background()

	sub := h.bus.Subscribe("ctx-tools")
	defer sub.Close()
	sink := collect(t, sub)

	task, err := h.proc.Process(ctx, engine.Request{
		ContextID: "ctx-tools",
		Parts:     []part.Part{part.Text("echo ping")},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	done := sink.waitFor(t, stream.TypeTaskCompleted)
	if done.FullText != "ping came back" {
		t.Fatalf("final text = %q, want synthesized reply", done.FullText)
	}
	if provider.Calls() != 3 {
		t.Fatalf("provider calls = %d, want 3", provider.Calls())
	}

	started := sink.ofType(stream.TypeToolCallStarted)
	completed := sink.ofType(stream.TypeToolCallCompleted)
	if len(started) != 1 || started[0].ToolName != "echo" {
		t.Fatalf("started events = %+v", started)
	}
	if len(completed) != 1 || completed[0].CallStatus != string(state.StepSuccess) {
		t.Fatalf("completed events = %+v", completed)
	}

	arts, err := h.store.ListArtifacts(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(arts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(arts))
	}
	if arts[0].Metadata.AIToolCallID != "call-1" || arts[0].Metadata.SkillID != "skill-1" {
		t.Fatalf("artifact lineage = %+v", arts[0].Metadata)
	}
	if len(sink.ofType(stream.TypeArtifact)) != 1 {
		t.Fatalf("expected one artifact event")
	}

	steps, err := h.store.ListExecutionSteps(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 1 || steps[0].Status != state.StepSuccess {
		t.Fatalf("steps = %+v", steps)
	}
}

// laggyEndpoint answers echo immediately and parks stall until the call
// context expires.
type laggyEndpoint struct{}

func (laggyEndpoint) Name() string { return "builtin" }

func (laggyEndpoint) Tools(ctx context.Context) ([]mcp.Tool, error) {
	return []mcp.Tool{
		{Name: "echo", InputSchema: map[string]any{"type": "object"}},
		{Name: "stall", InputSchema: map[string]any{"type": "object"}},
	}, nil
}

func (laggyEndpoint) CallTool(ctx context.Context, toolName string, arguments json.RawMessage) (*mcp.CallToolResult, error) {
	if toolName == "stall" {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &mcp.CallToolResult{
		Status:            state.StepSuccess,
		StructuredContent: map[string]any{"tool": toolName},
	}, nil
}

func TestToolTimeoutStillCompletesTask(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.Turn{ToolCalls: []llm.ToolCall{
			{ID: "call-1", Name: "echo", Arguments: `{"text":"ping"}`},
			{ID: "call-2", Name: "stall", Arguments: `{}`},
		}},
		llm.Turn{Text: "one of those stalled"},
		llm.Turn{Text: "echoed, stall gave up"}, // synthesis pass
	)
	core := config.DefaultCore()
	core.MaxToolIterations = 3
	core.LLMDeadline = 5 * time.Second
	core.ToolDeadline = 50 * time.Millisecond
	h := newHarnessCore(t, provider, toolAgent(), core, laggyEndpoint{})
	ctx := context.Background()

	sub := h.bus.Subscribe("ctx-lag")
	defer sub.Close()
	sink := collect(t, sub)

	task, err := h.proc.Process(ctx, engine.Request{
		ContextID: "ctx-lag",
		Parts:     []part.Part{part.Text("echo ping and stall")},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	done := sink.waitFor(t, stream.TypeTaskCompleted)
	if done.FullText != "echoed, stall gave up" {
		t.Fatalf("final text = %q, want synthesized reply", done.FullText)
	}
	if events := sink.ofType(stream.TypeError); len(events) != 0 {
		t.Fatalf("a per-tool timeout should not raise an error frame, got %+v", events)
	}

	statuses := map[string]string{}
	for _, ev := range sink.ofType(stream.TypeToolCallCompleted) {
		statuses[ev.AIToolCallID] = ev.CallStatus
	}
	if statuses["call-1"] != string(state.StepSuccess) || statuses["call-2"] != string(state.StepTimeout) {
		t.Fatalf("call statuses = %v", statuses)
	}

	arts, err := h.store.ListArtifacts(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(arts) != 1 || arts[0].Metadata.ToolName != "echo" {
		t.Fatalf("artifacts = %+v, want only the echo result", arts)
	}

	steps, err := h.store.ListExecutionSteps(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	byTool := map[string]state.StepStatus{}
	for _, s := range steps {
		byTool[s.ToolName] = s.Status
	}
	if byTool["echo"] != state.StepSuccess || byTool["stall"] != state.StepTimeout {
		t.Fatalf("step statuses = %v", byTool)
	}
}

// blockingProvider parks until released or canceled, signaling when the
// call has started.
type blockingProvider struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingProvider() *blockingProvider {
	return &blockingProvider{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingProvider) Name() string { return "blocking" }

func (b *blockingProvider) Chat(ctx context.Context, req llm.Request, onDelta llm.DeltaFunc) (*llm.Response, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.release:
		return &llm.Response{Text: "late", FinishReason: "stop"}, nil
	}
}

func TestCancelMidGeneration(t *testing.T) {
	provider := newBlockingProvider()
	agent := textAgent()
	agent.Provider = "blocking"
	h := newHarness(t, provider, agent)
	ctx := context.Background()

	sub := h.bus.Subscribe("ctx-cancel")
	defer sub.Close()
	sink := collect(t, sub)

	task, err := h.proc.Process(ctx, engine.Request{
		ContextID: "ctx-cancel",
		Parts:     []part.Part{part.Text("never finishes")},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	<-provider.started
	if err := h.proc.Cancel(ctx, task.TaskID, "user requested"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := h.store.GetTask(ctx, task.TaskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if state.IsTerminalTaskStatus(got.Status) {
			if got.Status != state.TaskCanceled {
				t.Fatalf("status = %s, want canceled", got.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never reached a terminal status")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(sink.ofType(stream.TypeError)) != 0 {
		t.Fatalf("cancellation should not emit an error event")
	}
}

func TestProviderErrorFailsTask(t *testing.T) {
	provider := llm.NewScriptedProvider(llm.Turn{Err: llm.ErrGenerationFailed})
	h := newHarness(t, provider, textAgent())
	ctx := context.Background()

	sub := h.bus.Subscribe("ctx-err")
	defer sub.Close()
	sink := collect(t, sub)

	task, err := h.proc.Process(ctx, engine.Request{
		ContextID: "ctx-err",
		Parts:     []part.Part{part.Text("boom")},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	failed := sink.waitFor(t, stream.TypeTaskFailed)
	if failed.Message == "" {
		t.Fatalf("task_failed should carry the error message")
	}
	if len(sink.ofType(stream.TypeError)) != 1 {
		t.Fatalf("expected one error event")
	}
	got, err := h.store.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != state.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestIterationCapStillCompletes(t *testing.T) {
	call := func(id string) llm.Turn {
		return llm.Turn{ToolCalls: []llm.ToolCall{{ID: id, Name: "echo", Arguments: `{"text":"again"}`}}}
	}
	provider := llm.NewScriptedProvider(
		call("call-1"), call("call-2"), call("call-3"),
		llm.Turn{Text: "summary after cap"}, // synthesis pass
	)
	h := newHarness(t, provider, toolAgent(), mcp.NewBuiltinServer())
	ctx := context.Background()

	sub := h.bus.Subscribe("ctx-cap")
	defer sub.Close()
	sink := collect(t, sub)

	task, err := h.proc.Process(ctx, engine.Request{
		ContextID: "ctx-cap",
		Parts:     []part.Part{part.Text("loop forever")},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	done := sink.waitFor(t, stream.TypeTaskCompleted)
	if done.FullText != "summary after cap" {
		t.Fatalf("final text = %q", done.FullText)
	}
	// Cap of 3 means three model turns, each dispatching one call, then
	// one synthesis turn.
	if provider.Calls() != 4 {
		t.Fatalf("provider calls = %d, want 4", provider.Calls())
	}
	steps, err := h.store.ListExecutionSteps(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(steps))
	}
}

func TestUnknownToolFailsTask(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.Turn{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "no_such_tool", Arguments: `{}`}}},
	)
	h := newHarness(t, provider, toolAgent(), mcp.NewBuiltinServer())
	ctx := context.Background()

	sub := h.bus.Subscribe("ctx-unknown")
	defer sub.Close()
	sink := collect(t, sub)

	task, err := h.proc.Process(ctx, engine.Request{
		ContextID: "ctx-unknown",
		Parts:     []part.Part{part.Text("call a ghost")},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	sink.waitFor(t, stream.TypeTaskFailed)
	got, err := h.store.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != state.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	steps, err := h.store.ListExecutionSteps(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 0 {
		t.Fatalf("unknown tool must abort before creating steps, got %d", len(steps))
	}
}

func TestUnsupportedAttachmentsDropped(t *testing.T) {
	provider := llm.NewScriptedProvider(llm.Turn{Text: "ok"})
	h := newHarness(t, provider, textAgent())
	ctx := context.Background()

	sub := h.bus.Subscribe("ctx-files")
	defer sub.Close()
	sink := collect(t, sub)

	_, err := h.proc.Process(ctx, engine.Request{
		ContextID: "ctx-files",
		Parts: []part.Part{
			part.Text("look at these"),
			part.FileBytes("pic.png", "image/png", []byte{0x89, 0x50}),
			part.FileBytes("tool.exe", "application/octet-stream", []byte{0x4d, 0x5a}),
		},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	sink.waitFor(t, stream.TypeTaskCompleted)

	msgs, err := h.store.ListContextMessages(ctx, "ctx-files", 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) == 0 {
		t.Fatalf("no messages persisted")
	}
	user := msgs[0]
	if len(user.Parts) != 2 {
		t.Fatalf("user message parts = %d, want 2 (octet-stream dropped)", len(user.Parts))
	}
	for _, prt := range user.Parts {
		if prt.Kind == part.KindFile && prt.File.MimeType == "application/octet-stream" {
			t.Fatalf("octet-stream attachment survived the filter")
		}
	}
}

func TestHistoryExcludesCurrentMessage(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.Turn{Text: "first answer"},
		llm.Turn{Text: "second answer"},
	)
	h := newHarness(t, provider, textAgent())
	ctx := context.Background()

	sub := h.bus.Subscribe("ctx-hist")
	defer sub.Close()
	sink := collect(t, sub)

	if _, err := h.proc.Process(ctx, engine.Request{
		ContextID: "ctx-hist",
		Parts:     []part.Part{part.Text("first question")},
	}); err != nil {
		t.Fatalf("process: %v", err)
	}
	sink.waitFor(t, stream.TypeTaskCompleted)

	if _, err := h.proc.Process(ctx, engine.Request{
		ContextID: "ctx-hist",
		Parts:     []part.Part{part.Text("second question")},
	}); err != nil {
		t.Fatalf("process: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(sink.ofType(stream.TypeTaskCompleted)) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("second task never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second := provider.Requests[1]
	var userTurns int
	for _, msg := range second.Messages {
		if msg.Role == llm.RoleUser {
			userTurns++
		}
	}
	if userTurns != 2 {
		t.Fatalf("second request user turns = %d, want 2 (history plus current)", userTurns)
	}
	last := second.Messages[len(second.Messages)-1]
	if last.Role != llm.RoleUser || last.Content != "second question" {
		t.Fatalf("last transcript turn = %+v", last)
	}
}

func TestShutdownDrainsWorkers(t *testing.T) {
	provider := newBlockingProvider()
	agent := textAgent()
	agent.Provider = "blocking"
	h := newHarness(t, provider, agent)
	ctx := context.Background()

	if _, err := h.proc.Process(ctx, engine.Request{
		ContextID: "ctx-drain",
		Parts:     []part.Part{part.Text("slow one")},
	}); err != nil {
		t.Fatalf("process: %v", err)
	}
	<-provider.started

	shutdownCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := h.proc.Shutdown(shutdownCtx); err == nil {
		t.Fatalf("shutdown should report the stuck worker")
	} else if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("shutdown error = %v", err)
	}

	close(provider.release)
	drainCtx, cancel2 := context.WithTimeout(ctx, 5*time.Second)
	defer cancel2()
	if err := h.proc.Shutdown(drainCtx); err != nil {
		t.Fatalf("shutdown after release: %v", err)
	}
}

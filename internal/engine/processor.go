package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loomhq/loom/internal/agentcontext"
	"github.com/loomhq/loom/internal/agents"
	"github.com/loomhq/loom/internal/artifacts"
	"github.com/loomhq/loom/internal/broadcaster"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/idgen"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/part"
	"github.com/loomhq/loom/internal/prompt"
	"github.com/loomhq/loom/internal/state"
	"github.com/loomhq/loom/internal/stream"
	"github.com/loomhq/loom/internal/tasks"
)

// Deps wires the processor's collaborators.
type Deps struct {
	Store     *state.Store
	Lifecycle *tasks.Service
	Bus       *broadcaster.Broadcaster
	Agents    *agents.Registry
	Tools     *mcp.Registry
	Dispatch  *mcp.Dispatcher
	Providers map[string]llm.Provider
	Builder   *artifacts.Builder
	Core      config.Core
	Logger    *slog.Logger
}

// Processor is the entry point for one inbound message: it persists the
// task, spawns a detached worker, and returns immediately so the caller can
// attach to the context's stream.
type Processor struct {
	store     *state.Store
	lifecycle *tasks.Service
	bus       *broadcaster.Broadcaster
	agents    *agents.Registry
	tools     *mcp.Registry
	dispatch  *mcp.Dispatcher
	providers map[string]llm.Provider
	builder   *artifacts.Builder
	core      config.Core
	logger    *slog.Logger

	wg     sync.WaitGroup
	tokens sync.Map // task_id -> *CancelToken
}

func NewProcessor(deps Deps) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     deps.Store,
		lifecycle: deps.Lifecycle,
		bus:       deps.Bus,
		agents:    deps.Agents,
		tools:     deps.Tools,
		dispatch:  deps.Dispatch,
		providers: deps.Providers,
		builder:   deps.Builder,
		core:      deps.Core,
		logger:    logger,
	}
}

// Request is one inbound message-send.
type Request struct {
	MessageID string
	ContextID string
	TaskID    string
	UserID    string
	SessionID string
	TraceID   string
	AgentName string
	Parts     []part.Part
}

// Process validates the message, persists the new task and user message,
// and launches the worker. The returned task is in status submitted; all
// further progress arrives on the context's stream.
func (p *Processor) Process(ctx context.Context, req Request) (state.Task, error) {
	parts := p.filterAttachments(req.Parts)
	userText := part.PlainText(parts)
	if strings.TrimSpace(userText) == "" && len(parts) == 0 {
		return state.Task{}, fmt.Errorf("message has no usable parts: %w", state.ErrInvalidInput)
	}

	agent, err := p.agents.Get(req.AgentName)
	if err != nil {
		return state.Task{}, err
	}
	provider, ok := p.providers[agent.Provider]
	if !ok {
		return state.Task{}, fmt.Errorf("agent %s: no provider %q configured", agent.Name, agent.Provider)
	}

	if req.ContextID == "" {
		req.ContextID = idgen.New()
	}
	if req.TaskID == "" {
		req.TaskID = idgen.New()
	}

	// History is loaded before the new message lands so the transcript does
	// not contain the user message twice.
	history, err := p.store.ListContextMessages(ctx, req.ContextID, 0)
	if err != nil {
		return state.Task{}, err
	}

	task, err := p.lifecycle.Create(ctx, req.TaskID, req.ContextID, req.UserID, agent.Name)
	if err != nil {
		return state.Task{}, err
	}
	if _, err := p.store.AppendMessage(ctx, task.TaskID, state.Message{
		MessageID: req.MessageID,
		Role:      "user",
		Parts:     parts,
	}); err != nil {
		return state.Task{}, err
	}

	in := RunInput{
		Task:       task,
		Agent:      agent,
		System:     prompt.System(agent),
		Transcript: prompt.Transcript(history, userText),
		SessionID:  req.SessionID,
		TraceID:    req.TraceID,
		Token:      NewCancelToken(),
	}
	in.Emit = func(ev stream.Event) {
		p.bus.Broadcast(task.ContextID, ev)
	}
	if agent.HasTools() {
		tools, err := p.tools.ToolsFor(ctx, agent.MCPServers)
		if err != nil {
			return state.Task{}, err
		}
		for _, tool := range tools {
			in.Tools = append(in.Tools, llm.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			})
		}
	}

	p.tokens.Store(task.TaskID, in.Token)
	p.wg.Add(1)
	go p.runWorker(in, provider)
	return task, nil
}

// Cancel flips the task's cancel token when a worker is live, or finalizes
// the row directly when none is.
func (p *Processor) Cancel(ctx context.Context, taskID, reason string) error {
	if v, ok := p.tokens.Load(taskID); ok {
		v.(*CancelToken).Cancel(reason)
		return nil
	}
	return p.lifecycle.Cancel(ctx, taskID, reason)
}

// Shutdown waits for in-flight workers to drain or the context to expire.
func (p *Processor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown with workers still running: %w", ctx.Err())
	}
}

func (p *Processor) runWorker(in RunInput, provider llm.Provider) {
	defer p.wg.Done()
	defer p.tokens.Delete(in.Task.TaskID)

	// The worker outlives the inbound request; its context is bound to the
	// cancel token instead.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-in.Token.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	ctx = agentcontext.WithSessionID(ctx, in.SessionID)
	ctx = agentcontext.WithTraceID(ctx, in.TraceID)

	if err := p.lifecycle.Transition(ctx, in.Task.TaskID, state.TaskWorking, ""); err != nil {
		p.logger.Error("transition to working", "task", in.Task.TaskID, "error", err)
		return
	}

	var strategy Strategy
	if in.Agent.HasTools() && len(in.Tools) > 0 {
		strategy = NewToolLoop(provider, in.Agent.Model, p.dispatch, p.core.MaxToolIterations, p.core.LLMDeadline, int64(p.core.MaxOutputTokens), p.logger)
	} else {
		strategy = NewPassThrough(provider, in.Agent.Model, p.core.LLMDeadline, int64(p.core.MaxOutputTokens))
	}

	result, err := strategy.Run(ctx, in)
	if err != nil || in.Token.Canceled() {
		p.finishFailed(in, err)
		return
	}
	p.finishCompleted(ctx, in, provider, result)
}

func (p *Processor) finishFailed(in RunInput, err error) {
	// Persistence happens on a fresh context: the worker's context may
	// already be canceled.
	ctx := context.Background()
	canceled := in.Token.Canceled() || errors.Is(err, ErrCanceled)

	reason := "strategy failed"
	if canceled {
		reason = in.Token.Reason()
		if reason == "" {
			reason = "canceled"
		}
	} else if err != nil {
		reason = err.Error()
	}

	if _, ferr := p.store.FailInProgressSteps(ctx, in.Task.TaskID, reason); ferr != nil {
		p.logger.Error("fail in-progress steps", "task", in.Task.TaskID, "error", ferr)
	}

	if canceled {
		if terr := p.lifecycle.Transition(ctx, in.Task.TaskID, state.TaskCanceled, ""); terr != nil {
			p.logger.Error("transition to canceled", "task", in.Task.TaskID, "error", terr)
		}
		return
	}

	in.Emit(stream.Error(in.Task.TaskID, in.Task.ContextID, reason))
	if terr := p.lifecycle.Transition(ctx, in.Task.TaskID, state.TaskFailed, reason); terr != nil {
		p.logger.Error("transition to failed", "task", in.Task.TaskID, "error", terr)
	}
}

func (p *Processor) finishCompleted(ctx context.Context, in RunInput, provider llm.Provider, result *StrategyResult) {
	skillID, skillName := primarySkill(in.Agent)
	built, err := p.builder.Build(ctx, artifacts.Input{
		Task:      in.Task,
		Outcomes:  result.Outcomes,
		SkillID:   skillID,
		SkillName: skillName,
		Emit:      in.Emit,
	})
	if err != nil {
		p.finishFailed(in, err)
		return
	}

	finalText := result.AccumulatedText
	if len(result.Outcomes) > 0 {
		synth := NewSynthesizer(provider, in.Agent.Model, p.core.LLMDeadline, int64(p.core.MaxOutputTokens), p.logger)
		finalText = synth.Synthesize(ctx, in, result, built)
	}

	if _, err := p.store.AppendMessage(ctx, in.Task.TaskID, state.Message{
		Role:  "assistant",
		Parts: []part.Part{part.Text(finalText)},
	}); err != nil {
		p.logger.Error("append assistant message", "task", in.Task.TaskID, "error", err)
	}

	// A subscriber may be gone by now; the send failure is informational
	// and persistence still completes.
	in.Emit(stream.Complete(in.Task.TaskID, in.Task.ContextID, finalText, built))
	if err := p.lifecycle.Transition(ctx, in.Task.TaskID, state.TaskCompleted, finalText); err != nil {
		p.logger.Error("transition to completed", "task", in.Task.TaskID, "error", err)
	}
}

// filterAttachments drops file parts whose MIME type the core cannot feed
// to a model. Text and data parts always pass.
func (p *Processor) filterAttachments(parts []part.Part) []part.Part {
	out := make([]part.Part, 0, len(parts))
	for _, item := range parts {
		if item.Kind != part.KindFile {
			out = append(out, item)
			continue
		}
		if item.File == nil {
			p.logger.Warn("dropping file part without payload")
			continue
		}
		if !supportedAttachment(item.File.MimeType) {
			p.logger.Warn("dropping unsupported attachment", "mime_type", item.File.MimeType, "name", item.File.Name)
			continue
		}
		out = append(out, item)
	}
	return out
}

func supportedAttachment(mimeType string) bool {
	for _, prefix := range []string{"image/", "audio/", "video/", "text/"} {
		if strings.HasPrefix(mimeType, prefix) {
			return true
		}
	}
	return false
}

// primarySkill picks the skill whose lineage goes on built artifacts. With
// multiple skills the first one wins; per-call attribution would need the
// model to report which skill drove the call.
func primarySkill(agent agents.Agent) (string, string) {
	if len(agent.Skills) == 0 {
		return "", ""
	}
	return agent.Skills[0].ID, agent.Skills[0].Name
}

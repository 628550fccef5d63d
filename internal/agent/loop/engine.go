// Package loop drives agent runs as a state machine of bounded ticks. Each
// tick performs at most one model invocation and a bounded batch of tool
// executions, then completes, pauses, or reschedules itself through the
// scheduler so a turn survives hibernation mid-flight.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/agent/chat"
	"github.com/agenthost/agenthost/internal/agent/eventlog"
	"github.com/agenthost/agenthost/internal/agent/scheduler"
	"github.com/agenthost/agenthost/internal/agent/stream"
	apperrors "github.com/agenthost/agenthost/internal/common/errors"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/llm"
	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

// TickCallback is the scheduler callback name driving run continuation.
const TickCallback = "__tick"

// DeadlineCallback fires when a task's deadline expires.
const DeadlineCallback = "__deadline"

// Spawner starts a sub-agent instance and returns its thread id.
type Spawner interface {
	Spawn(ctx context.Context, desc v1.SpawnDescriptor, parent v1.ParentRef) (childThreadID string, err error)
}

// ParentNotifier delivers a completed child's report to its parent run.
type ParentNotifier interface {
	NotifyParent(ctx context.Context, parent v1.ParentRef, childThreadID, report string) error
}

// Config bounds the loop.
type Config struct {
	// ToolsPerTick caps tool executions in one tick.
	ToolsPerTick int
	// MaxSteps caps ticks per run.
	MaxSteps int
}

// Deps wires the engine to its instance-scoped collaborators. Checkpoint
// persists the instance blob and emits checkpoint.saved; it is supplied by
// the owning instance.
type Deps struct {
	Chat        *chat.Store
	Streams     *stream.Store
	Events      *eventlog.Log
	Sched       *scheduler.Scheduler
	Provider    llm.Provider
	Middlewares []Middleware
	Spawner     Spawner
	Notifier    ParentNotifier
	Checkpoint  func(ctx context.Context) error
	ThreadID    func() string
	Logger      *logger.Logger
	Config      Config
}

// StartOptions parameterize a new or extended run.
type StartOptions struct {
	Messages     []v1.Message
	SystemPrompt string
	Model        string
	StreamID     string
	Deadline     *time.Time
	Parent       *v1.ParentRef
}

// ApproveBody is the HITL resume payload.
type ApproveBody struct {
	Approved          *bool         `json:"approved,omitempty"`
	ModifiedToolCalls []v1.ToolCall `json:"modifiedToolCalls,omitempty"`
}

// Engine owns the run state machine for one instance. All methods must be
// called under the instance's single-writer discipline.
type Engine struct {
	deps   Deps
	logger *logger.Logger

	run  *v1.Run
	task *v1.Task
}

// New creates an engine. Scheduler callbacks are registered here so persisted
// ticks fire after a wake.
func New(deps Deps) *Engine {
	if deps.Config.ToolsPerTick <= 0 {
		deps.Config.ToolsPerTick = 5
	}
	if deps.Config.MaxSteps <= 0 {
		deps.Config.MaxSteps = 50
	}
	e := &Engine{
		deps:   deps,
		logger: deps.Logger.WithFields(zap.String("component", "loop")),
	}
	deps.Sched.RegisterCallback(TickCallback, func(ctx context.Context, _ json.RawMessage, _ *v1.Schedule) error {
		return e.Tick(ctx)
	})
	deps.Sched.RegisterCallback(DeadlineCallback, func(ctx context.Context, _ json.RawMessage, _ *v1.Schedule) error {
		return e.expireDeadline(ctx)
	})
	return e
}

// Run returns the current run record, or nil.
func (e *Engine) Run() *v1.Run { return e.run }

// Task returns the task wrapping the current run, or nil.
func (e *Engine) Task() *v1.Task { return e.task }

// Restore reloads persisted run and task records after a wake.
func (e *Engine) Restore(run *v1.Run, task *v1.Task) {
	e.run = run
	e.task = task
}

// Start begins a run, or extends the active one with more messages. The
// first tick is scheduled immediately rather than executed inline so the
// caller's request returns as soon as the input is durable.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (*v1.Run, error) {
	if err := e.deps.Chat.Persist(opts.Messages); err != nil {
		return nil, err
	}
	if opts.StreamID != "" {
		if err := e.deps.Streams.Create(opts.StreamID); err != nil {
			return nil, err
		}
	}

	if e.run.Active() {
		if opts.StreamID != "" {
			e.run.StreamID = opts.StreamID
		}
		if e.run.Status == v1.RunStatusRunning {
			if err := e.scheduleTick(); err != nil {
				return nil, err
			}
		}
		return e.run, e.checkpoint(ctx)
	}

	now := time.Now().UTC()
	e.run = &v1.Run{
		ID:           uuid.New().String(),
		Status:       v1.RunStatusRunning,
		SystemPrompt: opts.SystemPrompt,
		Model:        opts.Model,
		StreamID:     opts.StreamID,
		Parent:       opts.Parent,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	e.task = &v1.Task{
		ID:       e.run.ID,
		Status:   v1.TaskStatusRunning,
		Deadline: opts.Deadline,
		Created:  now,
		Updated:  now,
	}
	e.emit(v1.EventRunStarted, map[string]any{"run_id": e.run.ID})

	if opts.Deadline != nil {
		if _, err := e.deps.Sched.Schedule(DeadlineCallback, scheduler.At(*opts.Deadline), nil); err != nil {
			return nil, err
		}
	}
	if err := e.scheduleTick(); err != nil {
		return nil, err
	}
	return e.run, e.checkpoint(ctx)
}

func (e *Engine) scheduleTick() error {
	_, err := e.deps.Sched.Schedule(TickCallback, scheduler.In(0), nil)
	return err
}

// ScheduleTick enqueues the next tick. Exposed for callers that resume a run
// outside the approve path, like client tool-result injection.
func (e *Engine) ScheduleTick() error { return e.scheduleTick() }

// Tick advances the run by one bounded step. Invoked by the scheduler under
// the instance write lock.
func (e *Engine) Tick(ctx context.Context) error {
	run := e.run
	if run == nil || run.Status != v1.RunStatusRunning {
		// Canceled or paused since the tick was scheduled.
		return nil
	}
	if e.task != nil && e.task.Deadline != nil && time.Now().After(*e.task.Deadline) {
		return e.abortTimedOut(ctx)
	}

	e.emit(v1.EventRunTick, map[string]any{"step": run.Step})
	run.Step++
	run.UpdatedAt = time.Now().UTC()
	if run.Step > e.deps.Config.MaxSteps {
		return e.failRun(ctx, apperrors.Overloaded("run exceeded max steps"))
	}

	// Drain pending tool calls before any model work.
	if len(run.PendingToolCalls) > 0 {
		return e.drainTools(ctx)
	}

	msgs, err := e.deps.Chat.List()
	if err != nil {
		return e.failRun(ctx, err)
	}
	tc := &TickContext{Run: run, Messages: msgs}

	for i := range e.deps.Middlewares {
		mw := &e.deps.Middlewares[i]
		if mw.BeforeModel == nil {
			continue
		}
		if err := mw.BeforeModel(ctx, tc); err != nil {
			return e.failRun(ctx, err)
		}
		if tc.JumpTo != JumpNone {
			break
		}
	}
	switch tc.JumpTo {
	case JumpEnd:
		return e.completeRun(ctx, "")
	case JumpTools:
		if len(run.PendingToolCalls) > 0 {
			if err := e.scheduleTick(); err != nil {
				return err
			}
		}
		return e.checkpoint(ctx)
	}

	registry, err := buildRegistry(e.deps.Middlewares)
	if err != nil {
		return e.failRun(ctx, err)
	}

	req := llm.Request{
		Model:        run.Model,
		SystemPrompt: run.SystemPrompt,
		Messages:     filterSystem(tc.Messages),
		Tools:        registry.Defs(),
	}
	for i := range e.deps.Middlewares {
		mw := &e.deps.Middlewares[i]
		if mw.ModifyModelRequest == nil {
			continue
		}
		if err := mw.ModifyModelRequest(ctx, &req); err != nil {
			return e.failRun(ctx, err)
		}
	}

	resp, err := e.invokeModel(ctx, req)
	if err != nil {
		return e.failRun(ctx, err)
	}

	// Assign stable call_N ids before anything observes the proposals so
	// they match across pause/resume.
	proposed := make([]v1.ToolCall, 0, len(resp.ToolCalls))
	for _, p := range resp.ToolCalls {
		proposed = append(proposed, v1.ToolCall{
			ID:   fmt.Sprintf("call_%d", run.CallSeq),
			Name: p.Name,
			Args: p.Args,
		})
		run.CallSeq++
	}
	tc.Proposed = proposed

	if err := e.persistAssistant(resp, proposed); err != nil {
		return e.failRun(ctx, err)
	}

	for i := len(e.deps.Middlewares) - 1; i >= 0; i-- {
		mw := &e.deps.Middlewares[i]
		if mw.AfterModel == nil {
			continue
		}
		if err := mw.AfterModel(ctx, tc, resp); err != nil {
			return e.failRun(ctx, err)
		}
	}

	// A middleware that moved the proposals into the pending set is asking
	// for a human gate.
	if len(run.PendingToolCalls) > 0 {
		run.Status = v1.RunStatusPaused
		run.Reason = v1.PauseReasonHITL
		e.emit(v1.EventHITLInterrupt, map[string]any{
			"run_id":  run.ID,
			"pending": callNames(run.PendingToolCalls),
		})
		e.emit(v1.EventRunPaused, map[string]any{"reason": v1.PauseReasonHITL})
		return e.checkpoint(ctx)
	}

	if len(proposed) > 0 {
		run.PendingToolCalls = proposed
		if err := e.scheduleTick(); err != nil {
			return err
		}
		return e.checkpoint(ctx)
	}

	return e.completeRun(ctx, resp.Text)
}

// invokeModel streams one completion, appending deltas to the bound stream
// (if any) and emitting model.* events.
func (e *Engine) invokeModel(ctx context.Context, req llm.Request) (*llm.Response, error) {
	e.emit(v1.EventModelStarted, map[string]any{"model": req.Model})
	resp, err := e.deps.Provider.Stream(ctx, req, func(delta string) error {
		e.emit(v1.EventModelDelta, map[string]any{"delta": delta})
		if e.run.StreamID == "" {
			return nil
		}
		frame, err := json.Marshal(map[string]string{"type": "text-delta", "delta": delta})
		if err != nil {
			return err
		}
		_, err = e.deps.Streams.Append(e.run.StreamID, frame)
		if err == stream.ErrTerminal {
			// Reader canceled the stream; keep generating, drop deltas.
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	e.emit(v1.EventModelCompleted, map[string]any{
		"text_len":   len(resp.Text),
		"tool_calls": len(resp.ToolCalls),
	})
	return resp, nil
}

// persistAssistant stores the model's reply: its text plus one tool part per
// proposed call in input-available state.
func (e *Engine) persistAssistant(resp *llm.Response, proposed []v1.ToolCall) error {
	msg := v1.Message{
		ID:   uuid.New().String(),
		Role: v1.RoleAssistant,
	}
	if resp.Text != "" {
		msg.Parts = append(msg.Parts, v1.TextPart(resp.Text))
	}
	for _, call := range proposed {
		part := v1.ToolPart(call.Name, call.ID, v1.PartStateInputAvailable)
		part.Input = call.Args
		msg.Parts = append(msg.Parts, part)
	}
	if len(msg.Parts) == 0 {
		return nil
	}
	return e.deps.Chat.Persist([]v1.Message{msg})
}

func filterSystem(msgs []v1.Message) []v1.Message {
	out := make([]v1.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == v1.RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}

func callNames(calls []v1.ToolCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}

func (e *Engine) emit(eventType string, data map[string]any) {
	e.deps.Events.Append(eventType, e.deps.ThreadID(), data)
}

// Package agent hosts the addressable agent instances: logical singletons
// identified by (class, name) that own their state, message history, streams,
// schedules, and connections. All handlers for one instance run under a
// cooperative single-writer discipline and the instance can hibernate between
// handler invocations, losing every in-memory cache.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agenthost/agenthost/internal/agent/chat"
	"github.com/agenthost/agenthost/internal/agent/eventlog"
	"github.com/agenthost/agenthost/internal/agent/loop"
	"github.com/agenthost/agenthost/internal/agent/scheduler"
	"github.com/agenthost/agenthost/internal/agent/stream"
	apperrors "github.com/agenthost/agenthost/internal/common/errors"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/mcp"
	"github.com/agenthost/agenthost/internal/storage"
	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

// persisted is the single durable blob per instance.
type persisted struct {
	State     json.RawMessage `json:"state"`
	Run       *v1.Run         `json:"run,omitempty"`
	Task      *v1.Task        `json:"task,omitempty"`
	Events    []v1.Event      `json:"events"`
	EventsSeq int64           `json:"events_seq"`
	ThreadID  string          `json:"thread_id,omitempty"`
}

// Instance is one addressable agent. It is created lazily on first reference
// and never destroyed, though its storage can be cleared.
type Instance struct {
	class string
	name  string

	st      *storage.InstanceStore
	chat    *chat.Store
	streams *stream.Store
	events  *eventlog.Log
	sched   *scheduler.Scheduler
	mcp     *mcp.Registry
	logger  *logger.Logger

	buildEngine func(*Instance) *loop.Engine

	mu     sync.Mutex
	awake  bool
	engine *loop.Engine
	state  json.RawMessage

	hookMu    sync.Mutex
	stateSubs []func(json.RawMessage)
	msgSubs   []func(v1.Message)
}

// Class returns the instance's class.
func (in *Instance) Class() string { return in.class }

// Name returns the instance's name.
func (in *Instance) Name() string { return in.name }

// ThreadID is the stable identity used for event attribution and sub-agent
// parent references. It is derivable from the address so it survives any
// restart.
func (in *Instance) ThreadID() string { return in.class + "/" + in.name }

// Storage exposes the instance's scoped storage, used by the gateway to
// persist connection attachments.
func (in *Instance) Storage() *storage.InstanceStore { return in.st }

// Streams exposes the stream store. Reads (replay, status) run without the
// instance lock so a blocked reader never starves handlers.
func (in *Instance) Streams() *stream.Store { return in.streams }

// EventRing returns the bounded event log.
func (in *Instance) EventRing() *eventlog.Log { return in.events }

// MCPServers returns the registered MCP servers for the protocol snapshot.
func (in *Instance) MCPServers() []mcp.ServerInfo {
	if in.mcp == nil {
		return nil
	}
	return in.mcp.Snapshot()
}

// OnStateChange registers a hook invoked after every successful state write.
func (in *Instance) OnStateChange(fn func(json.RawMessage)) {
	in.hookMu.Lock()
	in.stateSubs = append(in.stateSubs, fn)
	in.hookMu.Unlock()
}

// OnMessageUpdated registers a hook invoked when a stored message is updated
// in place (tool result injection).
func (in *Instance) OnMessageUpdated(fn func(v1.Message)) {
	in.hookMu.Lock()
	in.msgSubs = append(in.msgSubs, fn)
	in.hookMu.Unlock()
}

// Do runs fn under the instance's single-writer lock, waking the instance
// first if it was hibernated.
func (in *Instance) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.wakeLocked(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// wakeLocked rehydrates the instance from its persisted blob: event ring,
// run/task records, scheduler alarm, MCP clients. Mirrors an onStart hook;
// runs at most once per wake.
func (in *Instance) wakeLocked(ctx context.Context) error {
	if in.awake {
		return nil
	}

	blob, err := in.st.GetPersist()
	var p persisted
	switch {
	case err == nil:
		if err := json.Unmarshal(blob, &p); err != nil {
			return fmt.Errorf("decode persist blob: %w", err)
		}
	case err == storage.ErrNotFound:
		// Fresh instance.
	default:
		return err
	}

	in.state = p.State
	if in.state == nil {
		in.state = json.RawMessage(`{}`)
	}
	in.events.Restore(p.Events, p.EventsSeq)

	in.engine = in.buildEngine(in)
	in.engine.Restore(p.Run, p.Task)

	if in.mcp != nil {
		in.mcp.Restart()
	}
	if err := in.sched.Restore(); err != nil {
		return err
	}

	in.awake = true
	in.logger.Debug("instance awake")
	return nil
}

// Hibernate checkpoints and drops all in-memory state. Any subsequent access
// wakes the instance again.
func (in *Instance) Hibernate(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.awake {
		return nil
	}
	if err := in.checkpoint(ctx); err != nil {
		return err
	}
	in.sched.Stop()
	if in.mcp != nil {
		in.mcp.Restart()
	}
	in.awake = false
	in.engine = nil
	in.state = nil
	in.logger.Debug("instance hibernated")
	return nil
}

// checkpoint serializes the persist blob, records its SHA-256 for
// observability, and emits checkpoint.saved.
func (in *Instance) checkpoint(ctx context.Context) error {
	p := persisted{
		State:    in.state,
		ThreadID: in.ThreadID(),
	}
	if in.engine != nil {
		p.Run = in.engine.Run()
		p.Task = in.engine.Task()
	}
	p.Events, p.EventsSeq = in.events.Snapshot()

	blob, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal persist blob: %w", err)
	}
	if err := in.st.PutPersist(blob); err != nil {
		return err
	}
	sum := sha256.Sum256(blob)
	in.events.Append(v1.EventCheckpointSaved, in.ThreadID(), map[string]any{
		"hash": hex.EncodeToString(sum[:]),
	})
	return nil
}

// --- state document ---

// State returns the current state document.
func (in *Instance) State(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := in.Do(ctx, func(context.Context) error {
		out = append(json.RawMessage(nil), in.state...)
		return nil
	})
	return out, err
}

// SetState replaces the state document and broadcasts it to protocol-enabled
// connections. The broadcast happens strictly after the durable write.
func (in *Instance) SetState(ctx context.Context, state json.RawMessage) error {
	if !json.Valid(state) {
		return apperrors.InvalidRequest("state must be valid JSON")
	}
	err := in.Do(ctx, func(ctx context.Context) error {
		in.state = append(json.RawMessage(nil), state...)
		return in.checkpoint(ctx)
	})
	if err != nil {
		return err
	}
	in.hookMu.Lock()
	subs := make([]func(json.RawMessage), len(in.stateSubs))
	copy(subs, in.stateSubs)
	in.hookMu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
	return nil
}

// --- run control ---

// InvokeOptions parameterize Invoke. Zero-valued fields fall back to the
// class descriptor defaults.
type InvokeOptions struct {
	Messages     []v1.Message
	SystemPrompt string
	Model        string
	StreamID     string
	Deadline     *time.Time
	Parent       *v1.ParentRef
}

// Invoke starts or extends a run.
func (in *Instance) Invoke(ctx context.Context, opts InvokeOptions) (*v1.Run, error) {
	var run *v1.Run
	err := in.Do(ctx, func(ctx context.Context) error {
		var err error
		run, err = in.engine.Start(ctx, loop.StartOptions{
			Messages:     opts.Messages,
			SystemPrompt: opts.SystemPrompt,
			Model:        opts.Model,
			StreamID:     opts.StreamID,
			Deadline:     opts.Deadline,
			Parent:       opts.Parent,
		})
		return err
	})
	return run, err
}

// Approve resumes a HITL pause.
func (in *Instance) Approve(ctx context.Context, body loop.ApproveBody) error {
	return in.Do(ctx, func(ctx context.Context) error {
		return in.engine.Approve(ctx, body)
	})
}

// CancelRun cancels the active run.
func (in *Instance) CancelRun(ctx context.Context) error {
	return in.Do(ctx, func(ctx context.Context) error {
		return in.engine.Cancel(ctx)
	})
}

// ChildResult delivers a sub-agent report to this (parent) instance.
func (in *Instance) ChildResult(ctx context.Context, token, childThreadID, report string) error {
	return in.Do(ctx, func(ctx context.Context) error {
		return in.engine.ChildResult(ctx, token, childThreadID, report)
	})
}

// Run returns the current run record, or nil.
func (in *Instance) Run(ctx context.Context) (*v1.Run, error) {
	var run *v1.Run
	err := in.Do(ctx, func(context.Context) error {
		run = in.engine.Run()
		return nil
	})
	return run, err
}

// Task returns the task wrapping the current run, or nil.
func (in *Instance) Task(ctx context.Context) (*v1.Task, error) {
	var task *v1.Task
	err := in.Do(ctx, func(context.Context) error {
		task = in.engine.Task()
		return nil
	})
	return task, err
}

// Events returns the retained event ring.
func (in *Instance) Events(ctx context.Context) ([]v1.Event, error) {
	var events []v1.Event
	err := in.Do(ctx, func(context.Context) error {
		events = in.events.List()
		return nil
	})
	return events, err
}

// --- chat ---

// Messages returns the persisted history.
func (in *Instance) Messages(ctx context.Context) ([]v1.Message, error) {
	var msgs []v1.Message
	err := in.Do(ctx, func(context.Context) error {
		var err error
		msgs, err = in.chat.List()
		return err
	})
	return msgs, err
}

// PersistMessages applies the chat merge rules to the given messages.
func (in *Instance) PersistMessages(ctx context.Context, msgs []v1.Message) error {
	return in.Do(ctx, func(context.Context) error {
		return in.chat.Persist(msgs)
	})
}

// ClearHistory deletes all messages and all streams.
func (in *Instance) ClearHistory(ctx context.Context) error {
	return in.Do(ctx, func(context.Context) error {
		if err := in.chat.Clear(); err != nil {
			return err
		}
		return in.streams.DeleteAll()
	})
}

// ApplyToolResult injects a client-executed tool result into the stored
// assistant message and resumes the loop so the model sees it. The matching
// pending call, if any, is considered acknowledged.
func (in *Instance) ApplyToolResult(ctx context.Context, toolCallID string, output json.RawMessage) (*v1.Message, error) {
	var updated *v1.Message
	err := in.Do(ctx, func(ctx context.Context) error {
		var err error
		updated, err = in.chat.ApplyToolResult(toolCallID, output)
		if err != nil {
			return err
		}

		run := in.engine.Run()
		if run.Active() {
			for i, call := range run.PendingToolCalls {
				if call.ID == toolCallID {
					run.PendingToolCalls = append(run.PendingToolCalls[:i], run.PendingToolCalls[i+1:]...)
					break
				}
			}
			if run.Status == v1.RunStatusPaused && run.Reason == v1.PauseReasonHITL &&
				len(run.PendingToolCalls) == 0 && len(run.Waiters) == 0 {
				run.Status = v1.RunStatusRunning
				run.Reason = ""
				in.events.Append(v1.EventHITLResume, in.ThreadID(), map[string]any{"approved": true})
				in.events.Append(v1.EventRunResumed, in.ThreadID(), nil)
			}
			if run.Status == v1.RunStatusRunning {
				if err := in.engine.ScheduleTick(); err != nil {
					return err
				}
			}
		}
		return in.checkpoint(ctx)
	})
	if err != nil {
		return nil, err
	}

	in.hookMu.Lock()
	subs := make([]func(v1.Message), len(in.msgSubs))
	copy(subs, in.msgSubs)
	in.hookMu.Unlock()
	for _, fn := range subs {
		fn(*updated)
	}
	return updated, nil
}

// --- schedules ---

// Schedule registers a callback schedule.
func (in *Instance) Schedule(ctx context.Context, callback string, when scheduler.When, payload json.RawMessage) (*v1.Schedule, error) {
	var sched *v1.Schedule
	err := in.Do(ctx, func(context.Context) error {
		var err error
		sched, err = in.sched.Schedule(callback, when, payload)
		return err
	})
	return sched, err
}

// CancelSchedule removes a schedule; true only if it existed.
func (in *Instance) CancelSchedule(ctx context.Context, id string) (bool, error) {
	var existed bool
	err := in.Do(ctx, func(context.Context) error {
		var err error
		existed, err = in.sched.Cancel(id)
		return err
	})
	return existed, err
}

// Schedules lists the instance's schedules, optionally filtered by kind.
func (in *Instance) Schedules(ctx context.Context, kind string) ([]v1.Schedule, error) {
	var out []v1.Schedule
	err := in.Do(ctx, func(context.Context) error {
		var err error
		if kind != "" {
			out, err = in.sched.ByKind(v1.ScheduleKind(kind))
		} else {
			out, err = in.sched.List()
		}
		return err
	})
	return out, err
}

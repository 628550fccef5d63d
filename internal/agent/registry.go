package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/agent/eventlog"
	"github.com/agenthost/agenthost/internal/agent/loop"
	"github.com/agenthost/agenthost/internal/agent/scheduler"
	"github.com/agenthost/agenthost/internal/agent/stream"
	"github.com/agenthost/agenthost/internal/agent/tools"
	"github.com/agenthost/agenthost/internal/common/config"
	apperrors "github.com/agenthost/agenthost/internal/common/errors"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/events/bus"
	"github.com/agenthost/agenthost/internal/llm"
	"github.com/agenthost/agenthost/internal/mcp"
	"github.com/agenthost/agenthost/internal/storage"
	v1 "github.com/agenthost/agenthost/pkg/api/v1"

	agentchat "github.com/agenthost/agenthost/internal/agent/chat"
)

// Registry resolves (class, name) pairs to their singleton instances,
// creating them lazily. It also routes sub-agent spawn and completion
// traffic between instances.
type Registry struct {
	store    *storage.Store
	bus      bus.EventBus
	provider llm.Provider
	mcp      *mcp.Registry
	classes  map[string]Class
	cfg      config.RuntimeConfig
	logger   *logger.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewRegistry creates the instance registry.
func NewRegistry(
	store *storage.Store,
	eventBus bus.EventBus,
	provider llm.Provider,
	mcpRegistry *mcp.Registry,
	classes map[string]Class,
	cfg config.RuntimeConfig,
	log *logger.Logger,
) *Registry {
	if classes == nil {
		classes = map[string]Class{}
	}
	return &Registry{
		store:     store,
		bus:       eventBus,
		provider:  provider,
		mcp:       mcpRegistry,
		classes:   classes,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "agent-registry")),
		instances: make(map[string]*Instance),
	}
}

// NewThread allocates a fresh instance name. The instance itself is created
// lazily on first reference.
func (r *Registry) NewThread() string {
	return uuid.New().String()
}

// Class returns the descriptor for a class; missing classes get zero-valued
// defaults.
func (r *Registry) Class(class string) Class {
	return r.classes[class]
}

// Get resolves an instance, creating it on first reference.
func (r *Registry) Get(class, name string) *Instance {
	key := class + "/" + name
	r.mu.Lock()
	defer r.mu.Unlock()
	if in, ok := r.instances[key]; ok {
		return in
	}
	in := r.newInstance(class, name)
	r.instances[key] = in
	return in
}

// lookupByThread resolves a "<class>/<name>" thread id.
func (r *Registry) lookupByThread(threadID string) (*Instance, error) {
	class, name, ok := strings.Cut(threadID, "/")
	if !ok || class == "" || name == "" {
		return nil, apperrors.InvalidRequest(fmt.Sprintf("malformed thread id %q", threadID))
	}
	return r.Get(class, name), nil
}

func (r *Registry) newInstance(class, name string) *Instance {
	st := r.store.Instance(class, name)
	log := r.logger.WithFields(
		zap.String("agent_class", class),
		zap.String("agent_name", name),
	)

	in := &Instance{
		class:   class,
		name:    name,
		st:      st,
		chat:    agentchat.NewStore(st),
		streams: stream.NewStore(st),
		events:  eventlog.New(r.cfg.EventRingSize),
		mcp:     r.mcp,
		logger:  log,
	}
	in.sched = scheduler.New(st, in.Do, log)
	in.buildEngine = r.buildEngine

	// Republish lifecycle events on the bus for external consumers.
	threadSubject := "agent." + class + "." + name
	in.events.AddSink(func(ev v1.Event) {
		busEvent := bus.NewEvent(ev.Type, in.ThreadID(), map[string]any{"event": ev})
		_ = r.bus.Publish(context.Background(), threadSubject+"."+ev.Type, busEvent)
	})
	return in
}

// buildEngine assembles a fresh loop engine at instance wake: built-in tools,
// the class's approval gate, and the current MCP tool snapshot.
func (r *Registry) buildEngine(in *Instance) *loop.Engine {
	mws := []loop.Middleware{
		{Name: "builtin", Tools: []tools.Tool{tools.TaskTool()}},
	}
	if r.mcp != nil {
		if remote := r.mcpMiddleware(); len(remote.Tools) > 0 {
			mws = append(mws, remote)
		}
	}
	class := r.classes[in.class]
	if len(class.ApprovalTools) > 0 {
		mws = append(mws, loop.RequireApproval(class.ApprovalTools...))
	}

	return loop.New(loop.Deps{
		Chat:        in.chat,
		Streams:     in.streams,
		Events:      in.events,
		Sched:       in.sched,
		Provider:    r.provider,
		Middlewares: mws,
		Spawner:     r,
		Notifier:    r,
		Checkpoint:  in.checkpoint,
		ThreadID:    in.ThreadID,
		Logger:      in.logger,
		Config: loop.Config{
			ToolsPerTick: r.cfg.ToolsPerTick,
			MaxSteps:     r.cfg.MaxSteps,
		},
	})
}

// mcpMiddleware wraps the MCP registry's remote tools as loop tools.
func (r *Registry) mcpMiddleware() loop.Middleware {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mw := loop.Middleware{Name: "mcp"}
	for _, remote := range r.mcp.Tools(ctx) {
		serverName, toolName := remote.Server, remote.Name
		mw.Tools = append(mw.Tools, tools.Tool{
			Def: llm.ToolDef{
				Name:        toolName,
				Description: remote.Description,
				Schema:      remote.Schema,
			},
			Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				return r.mcp.Call(ctx, serverName, toolName, args)
			},
		})
	}
	return mw
}

// Spawn implements loop.Spawner: it allocates the child thread and starts the
// child's run with the task description as the initial user message.
func (r *Registry) Spawn(ctx context.Context, desc v1.SpawnDescriptor, parent v1.ParentRef) (string, error) {
	if desc.SubagentType == "" {
		return "", apperrors.InvalidRequest("subagent_type is required")
	}
	child := r.Get(desc.SubagentType, r.NewThread())
	class := r.classes[desc.SubagentType]

	opts := InvokeOptions{
		Messages: []v1.Message{{
			ID:    uuid.New().String(),
			Role:  v1.RoleUser,
			Parts: []v1.Part{v1.TextPart(desc.Description)},
		}},
		SystemPrompt: class.SystemPrompt,
		Model:        class.Model,
		Parent:       &parent,
	}
	timeout := r.cfg.SubagentTimeout
	if desc.TimeoutMs > 0 {
		timeout = time.Duration(desc.TimeoutMs) * time.Millisecond
	}
	if timeout > 0 {
		deadline := time.Now().UTC().Add(timeout)
		opts.Deadline = &deadline
	}

	if _, err := child.Invoke(ctx, opts); err != nil {
		return "", err
	}
	return child.ThreadID(), nil
}

// NotifyParent implements loop.ParentNotifier: it routes a completed child's
// report to the parent instance under the parent's write lock.
func (r *Registry) NotifyParent(ctx context.Context, parent v1.ParentRef, childThreadID, report string) error {
	parentInstance, err := r.lookupByThread(parent.ThreadID)
	if err != nil {
		return err
	}
	return parentInstance.ChildResult(ctx, parent.Token, childThreadID, report)
}

// HibernateAll checkpoints and hibernates every live instance; used at
// graceful shutdown.
func (r *Registry) HibernateAll(ctx context.Context) {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, in := range r.instances {
		instances = append(instances, in)
	}
	r.mu.Unlock()

	for _, in := range instances {
		if err := in.Hibernate(ctx); err != nil {
			r.logger.Error("failed to hibernate instance",
				zap.String("instance", in.ThreadID()), zap.Error(err))
		}
	}
}

package loop

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agenthost/agenthost/internal/agent/tools"
	apperrors "github.com/agenthost/agenthost/internal/common/errors"
	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

// toolResult is the outcome of one executed call, collected before the
// serialized append back into the history.
type toolResult struct {
	call   v1.ToolCall
	output json.RawMessage
	spawn  *v1.SpawnDescriptor
	err    error
}

// drainTools pops up to ToolsPerTick pending calls and executes them in
// parallel. Results are appended to the history one at a time after the batch
// finishes, preserving the single-writer discipline. Spawn intents pause the
// run on sub-agent waiters instead of producing a plain result.
func (e *Engine) drainTools(ctx context.Context) error {
	run := e.run
	n := e.deps.Config.ToolsPerTick
	if n > len(run.PendingToolCalls) {
		n = len(run.PendingToolCalls)
	}
	batch := run.PendingToolCalls[:n]
	run.PendingToolCalls = run.PendingToolCalls[n:]

	registry, err := buildRegistry(e.deps.Middlewares)
	if err != nil {
		return e.failRun(ctx, err)
	}

	results := make([]toolResult, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range batch {
		e.emit(v1.EventToolStarted, map[string]any{
			"tool_call_id": call.ID,
			"name":         call.Name,
		})
		g.Go(func() error {
			out, err := registry.Invoke(gctx, call.Name, call.Args)
			res := toolResult{call: call, output: out, err: err}
			if err == nil {
				if desc, ok := tools.ParseSpawn(out); ok {
					res.spawn = desc
				}
			}
			results[i] = res
			return nil
		})
	}
	// Handler failures are captured per result, never group errors.
	_ = g.Wait()

	var spawned bool
	for _, res := range results {
		switch {
		case res.err != nil:
			e.emit(v1.EventToolError, map[string]any{
				"tool_call_id": res.call.ID,
				"name":         res.call.Name,
				"error":        res.err.Error(),
			})
			if err := e.appendToolMessage(res.call, nil, res.err.Error()); err != nil {
				return e.failRun(ctx, err)
			}
		case res.spawn != nil:
			if err := e.spawnChild(ctx, res.call, *res.spawn); err != nil {
				e.emit(v1.EventToolError, map[string]any{
					"tool_call_id": res.call.ID,
					"name":         res.call.Name,
					"error":        err.Error(),
				})
				if err := e.appendToolMessage(res.call, nil, err.Error()); err != nil {
					return e.failRun(ctx, err)
				}
				continue
			}
			spawned = true
		default:
			e.emit(v1.EventToolOutput, map[string]any{
				"tool_call_id": res.call.ID,
				"name":         res.call.Name,
			})
			if err := e.appendToolMessage(res.call, res.output, ""); err != nil {
				return e.failRun(ctx, err)
			}
		}
	}

	if spawned {
		run.Status = v1.RunStatusPaused
		run.Reason = v1.PauseReasonSubagent
		e.emit(v1.EventRunPaused, map[string]any{"reason": v1.PauseReasonSubagent})
		return e.checkpoint(ctx)
	}

	if err := e.scheduleTick(); err != nil {
		return err
	}
	return e.checkpoint(ctx)
}

// appendToolMessage records a role=tool message bound to the originating
// call. Its presence is what marks the pending call acknowledged across
// hibernation.
func (e *Engine) appendToolMessage(call v1.ToolCall, output json.RawMessage, errText string) error {
	part := v1.ToolPart(call.Name, call.ID, v1.PartStateOutputAvailable)
	part.Input = call.Args
	if errText != "" {
		part.State = v1.PartStateError
		part.ErrorText = errText
	} else {
		part.Output = output
	}
	msg := v1.Message{
		ID:    uuid.New().String(),
		Role:  v1.RoleTool,
		Parts: []v1.Part{part},
	}
	return e.deps.Chat.Persist([]v1.Message{msg})
}

// spawnChild allocates a waiter and starts the child instance.
func (e *Engine) spawnChild(ctx context.Context, call v1.ToolCall, desc v1.SpawnDescriptor) error {
	if e.deps.Spawner == nil {
		return apperrors.Internal("sub-agent spawning is not wired", nil)
	}
	token := uuid.New().String()
	parent := v1.ParentRef{ThreadID: e.deps.ThreadID(), Token: token}
	childThreadID, err := e.deps.Spawner.Spawn(ctx, desc, parent)
	if err != nil {
		return err
	}
	e.run.Waiters = append(e.run.Waiters, v1.Waiter{
		Token:         token,
		ChildThreadID: childThreadID,
		ToolCallID:    call.ID,
	})
	e.emit(v1.EventSubagentSpawned, map[string]any{
		"child_thread_id": childThreadID,
		"tool_call_id":    call.ID,
		"subagent_type":   desc.SubagentType,
	})
	e.logger.Info("spawned sub-agent",
		zap.String("child_thread_id", childThreadID),
		zap.String("subagent_type", desc.SubagentType))
	return nil
}

package loop

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agenthost/agenthost/internal/common/errors"
	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

// Approve resumes a HITL-paused run. The pending calls are replaced by
// body.ModifiedToolCalls when supplied; passing an explicit approved=false
// records the rejection without clearing the pending set, so callers drop
// calls by approving an empty modified list.
func (e *Engine) Approve(ctx context.Context, body ApproveBody) error {
	run := e.run
	if run == nil || !run.Active() {
		return apperrors.InvalidApproval("no run")
	}
	if len(run.PendingToolCalls) == 0 {
		return apperrors.InvalidApproval("no pending tool calls")
	}

	approved := body.Approved == nil || *body.Approved
	if !approved {
		e.emit(v1.EventHITLResume, map[string]any{"approved": false})
		return e.checkpoint(ctx)
	}

	if body.ModifiedToolCalls != nil {
		// Approved calls keep their original ids so the appended tool
		// messages still bind to the assistant message's tool parts.
		byName := make(map[string]string, len(run.PendingToolCalls))
		for _, c := range run.PendingToolCalls {
			byName[c.Name] = c.ID
		}
		replaced := make([]v1.ToolCall, 0, len(body.ModifiedToolCalls))
		for _, c := range body.ModifiedToolCalls {
			if c.ID == "" {
				c.ID = byName[c.Name]
			}
			replaced = append(replaced, c)
		}
		run.PendingToolCalls = replaced
	}

	run.Status = v1.RunStatusRunning
	run.Reason = ""
	run.UpdatedAt = time.Now().UTC()
	e.emit(v1.EventHITLResume, map[string]any{
		"approved": true,
		"pending":  callNames(run.PendingToolCalls),
	})
	e.emit(v1.EventRunResumed, nil)

	// With an empty modified list the next tick simply takes another model
	// turn; otherwise it drains the approved calls.
	if err := e.scheduleTick(); err != nil {
		return err
	}
	return e.checkpoint(ctx)
}

// Cancel transitions the current run to canceled. Idempotent; the next
// scheduled tick short-circuits on the terminal status.
func (e *Engine) Cancel(ctx context.Context) error {
	run := e.run
	if run == nil || !run.Active() {
		return nil
	}
	run.Status = v1.RunStatusCanceled
	run.Reason = ""
	run.UpdatedAt = time.Now().UTC()
	if e.task != nil && !e.task.Terminal() {
		e.task.Status = v1.TaskStatusAborted
		e.task.Updated = run.UpdatedAt
	}
	e.emit(v1.EventRunCanceled, map[string]any{"run_id": run.ID})
	if run.StreamID != "" {
		if err := e.deps.Streams.Cancel(run.StreamID); err != nil && apperrors.KindOf(err) != apperrors.KindNotFound {
			return err
		}
	}
	return e.checkpoint(ctx)
}

// ChildResult delivers a completed sub-agent's report. The parent resumes
// only when its last waiter clears.
func (e *Engine) ChildResult(ctx context.Context, token, childThreadID, report string) error {
	run := e.run
	if run == nil || !run.Active() {
		return apperrors.InvalidApproval("no run")
	}

	idx := -1
	for i, w := range run.Waiters {
		if w.Token == token {
			idx = i
			break
		}
	}
	if idx < 0 {
		return apperrors.InvalidApproval("unknown sub-agent token")
	}
	waiter := run.Waiters[idx]

	call := v1.ToolCall{ID: waiter.ToolCallID, Name: "task"}
	if err := e.appendToolMessage(call, mustJSON(map[string]string{"report": report}), ""); err != nil {
		return err
	}
	e.emit(v1.EventSubagentComplete, map[string]any{
		"child_thread_id": waiter.ChildThreadID,
		"tool_call_id":    waiter.ToolCallID,
	})
	run.Waiters = append(run.Waiters[:idx], run.Waiters[idx+1:]...)

	if len(run.Waiters) == 0 {
		run.Status = v1.RunStatusRunning
		run.Reason = ""
		run.UpdatedAt = time.Now().UTC()
		e.emit(v1.EventRunResumed, nil)
		if err := e.scheduleTick(); err != nil {
			return err
		}
	}
	return e.checkpoint(ctx)
}

// completeRun finishes the run successfully, closing its stream and
// reporting to a waiting parent.
func (e *Engine) completeRun(ctx context.Context, report string) error {
	run := e.run
	now := time.Now().UTC()
	run.Status = v1.RunStatusCompleted
	run.Reason = ""
	run.UpdatedAt = now
	if e.task != nil && !e.task.Terminal() {
		e.task.Status = v1.TaskStatusCompleted
		e.task.Progress = 100
		e.task.Result = report
		e.task.Updated = now
	}
	e.emit(v1.EventAgentCompleted, map[string]any{"run_id": run.ID})

	if run.StreamID != "" {
		if err := e.deps.Streams.Complete(run.StreamID); err != nil && apperrors.KindOf(err) != apperrors.KindNotFound {
			return err
		}
	}
	if err := e.checkpoint(ctx); err != nil {
		return err
	}

	if run.Parent != nil && e.deps.Notifier != nil {
		if err := e.deps.Notifier.NotifyParent(ctx, *run.Parent, e.deps.ThreadID(), report); err != nil {
			e.logger.Error("failed to report to parent",
				zap.String("parent_thread_id", run.Parent.ThreadID), zap.Error(err))
		}
	}
	return nil
}

// failRun records the error and transitions the run to error. Never
// reschedules.
func (e *Engine) failRun(ctx context.Context, cause error) error {
	run := e.run
	now := time.Now().UTC()
	run.Status = v1.RunStatusError
	run.Error = cause.Error()
	run.UpdatedAt = now
	if e.task != nil && !e.task.Terminal() {
		e.task.Status = v1.TaskStatusFailed
		e.task.Error = cause.Error()
		e.task.Updated = now
	}
	e.emit(v1.EventAgentError, map[string]any{
		"run_id": run.ID,
		"error":  cause.Error(),
	})
	if run.StreamID != "" {
		if err := e.deps.Streams.Cancel(run.StreamID); err != nil && apperrors.KindOf(err) != apperrors.KindNotFound {
			e.logger.Error("failed to cancel stream", zap.Error(err))
		}
	}
	e.logger.Error("run failed", zap.String("run_id", run.ID), zap.Error(cause))
	return e.checkpoint(ctx)
}

// abortTimedOut expires the task deadline.
func (e *Engine) abortTimedOut(ctx context.Context) error {
	now := time.Now().UTC()
	if e.task != nil && !e.task.Terminal() {
		e.task.Status = v1.TaskStatusAborted
		e.task.Error = "timed out"
		e.task.Updated = now
	}
	run := e.run
	if run.Active() {
		run.Status = v1.RunStatusCanceled
		run.Error = "timed out"
		run.UpdatedAt = now
	}
	e.emit(v1.EventAgentError, map[string]any{
		"run_id": run.ID,
		"error":  "timed out",
	})
	if run.StreamID != "" {
		if err := e.deps.Streams.Cancel(run.StreamID); err != nil && apperrors.KindOf(err) != apperrors.KindNotFound {
			e.logger.Error("failed to cancel stream", zap.Error(err))
		}
	}
	return e.checkpoint(ctx)
}

// expireDeadline is the scheduler callback for task deadlines. A deadline
// firing after the task finished is a no-op.
func (e *Engine) expireDeadline(ctx context.Context) error {
	if e.task == nil || e.task.Terminal() {
		return nil
	}
	if e.task.Deadline == nil || time.Now().Before(*e.task.Deadline) {
		return nil
	}
	return e.abortTimedOut(ctx)
}

func (e *Engine) checkpoint(ctx context.Context) error {
	if e.deps.Checkpoint == nil {
		return nil
	}
	return e.deps.Checkpoint(ctx)
}

func mustJSON(v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}

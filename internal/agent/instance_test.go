package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthost/agenthost/internal/agent/loop"
	"github.com/agenthost/agenthost/internal/agent/scheduler"
	"github.com/agenthost/agenthost/internal/common/config"
	apperrors "github.com/agenthost/agenthost/internal/common/errors"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/db"
	"github.com/agenthost/agenthost/internal/events/bus"
	"github.com/agenthost/agenthost/internal/llm"
	"github.com/agenthost/agenthost/internal/storage"
	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

func newTestRegistry(t *testing.T, provider llm.Provider, classes map[string]Class) *Registry {
	t.Helper()
	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	store, err := storage.New(sqlDB)
	require.NoError(t, err)

	log := logger.Default()
	r := NewRegistry(store, bus.NewMemoryEventBus(log), provider, nil, classes, config.RuntimeConfig{
		ToolsPerTick:    5,
		MaxSteps:        50,
		EventRingSize:   100,
		SubagentTimeout: time.Minute,
	}, log)
	t.Cleanup(func() { r.HibernateAll(context.Background()) })
	return r
}

func userMessage(text string) v1.Message {
	return v1.Message{ID: "u-" + text, Role: v1.RoleUser, Parts: []v1.Part{v1.TextPart(text)}}
}

func waitForRunStatus(t *testing.T, in *Instance, want v1.RunStatus) *v1.Run {
	t.Helper()
	var run *v1.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = in.Run(context.Background())
		return err == nil && run != nil && run.Status == want
	}, 5*time.Second, 10*time.Millisecond, "run never reached status %s", want)
	return run
}

func eventTypes(t *testing.T, in *Instance) map[string]bool {
	t.Helper()
	events, err := in.Events(context.Background())
	require.NoError(t, err)
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		seen[ev.Type] = true
	}
	return seen
}

func TestInvokeCompletesAndStreamsReply(t *testing.T) {
	r := newTestRegistry(t, llm.NewScripted(4), nil)
	in := r.Get("support", "alice")

	run, err := in.Invoke(context.Background(), InvokeOptions{
		Messages: []v1.Message{userMessage("hello")},
		StreamID: "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusRunning, run.Status)

	waitForRunStatus(t, in, v1.RunStatusCompleted)

	msgs, err := in.Messages(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, v1.RoleUser, msgs[0].Role)
	assert.Equal(t, v1.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Acknowledged: hello", msgs[1].Text())

	// The bound stream carries the same text as delta frames and is terminal.
	_, completed, err := in.Streams().Status("s1")
	require.NoError(t, err)
	assert.True(t, completed)

	var streamed string
	err = in.Streams().Replay(context.Background(), "s1", func(data []byte) error {
		var frame struct {
			Type  string `json:"type"`
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return err
		}
		assert.Equal(t, "text-delta", frame.Type)
		streamed += frame.Delta
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Acknowledged: hello", streamed)

	seen := eventTypes(t, in)
	assert.True(t, seen[v1.EventRunStarted])
	assert.True(t, seen[v1.EventModelCompleted])
	assert.True(t, seen[v1.EventAgentCompleted])
	assert.True(t, seen[v1.EventCheckpointSaved])
}

func taskCallResponse(text, description, subagentType string) llm.Response {
	args, _ := json.Marshal(map[string]any{
		"description":   description,
		"subagent_type": subagentType,
	})
	return llm.Response{
		Text:      text,
		ToolCalls: []llm.ToolCallProposal{{Name: "task", Args: args}},
	}
}

func TestApprovalGatePausesAndResumes(t *testing.T) {
	scripted := llm.NewScripted(0)
	scripted.Enqueue(taskCallResponse("Delegating.", "audit the logs", "worker"))

	r := newTestRegistry(t, scripted, map[string]Class{
		"support": {ApprovalTools: []string{"task"}},
	})
	in := r.Get("support", "alice")

	_, err := in.Invoke(context.Background(), InvokeOptions{
		Messages: []v1.Message{userMessage("please delegate")},
	})
	require.NoError(t, err)

	run := waitForRunStatus(t, in, v1.RunStatusPaused)
	assert.Equal(t, v1.PauseReasonHITL, run.Reason)
	require.Len(t, run.PendingToolCalls, 1)
	assert.Equal(t, "call_0", run.PendingToolCalls[0].ID)
	assert.Equal(t, "task", run.PendingToolCalls[0].Name)
	assert.True(t, eventTypes(t, in)[v1.EventHITLInterrupt])

	// Approving an empty modified list drops the gated call; the next tick is
	// a plain model turn that finishes the run.
	err = in.Approve(context.Background(), loop.ApproveBody{ModifiedToolCalls: []v1.ToolCall{}})
	require.NoError(t, err)

	waitForRunStatus(t, in, v1.RunStatusCompleted)
	seen := eventTypes(t, in)
	assert.True(t, seen[v1.EventHITLResume])
	assert.True(t, seen[v1.EventRunResumed])
}

func TestRejectionKeepsRunPaused(t *testing.T) {
	scripted := llm.NewScripted(0)
	scripted.Enqueue(taskCallResponse("Delegating.", "audit the logs", "worker"))

	r := newTestRegistry(t, scripted, map[string]Class{
		"support": {ApprovalTools: []string{"task"}},
	})
	in := r.Get("support", "alice")

	_, err := in.Invoke(context.Background(), InvokeOptions{
		Messages: []v1.Message{userMessage("please delegate")},
	})
	require.NoError(t, err)
	waitForRunStatus(t, in, v1.RunStatusPaused)

	rejected := false
	err = in.Approve(context.Background(), loop.ApproveBody{Approved: &rejected})
	require.NoError(t, err)

	run, err := in.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusPaused, run.Status)
	assert.NotEmpty(t, run.PendingToolCalls)
}

func TestApproveWithoutRun(t *testing.T) {
	r := newTestRegistry(t, llm.NewScripted(0), nil)
	in := r.Get("support", "alice")

	err := in.Approve(context.Background(), loop.ApproveBody{})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalidApproval, apperrors.KindOf(err))
	assert.Equal(t, "no run", apperrors.As(err).Message)
}

func TestSubagentSpawnAndJoin(t *testing.T) {
	scripted := llm.NewScripted(0)
	scripted.Enqueue(taskCallResponse("Delegating.", "do the thing", "worker"))
	scripted.Enqueue(llm.Response{Text: "worker finished the thing"})

	r := newTestRegistry(t, scripted, map[string]Class{
		"support": {},
		"worker":  {SystemPrompt: "You are a worker."},
	})
	parent := r.Get("support", "alice")

	_, err := parent.Invoke(context.Background(), InvokeOptions{
		Messages: []v1.Message{userMessage("hello")},
	})
	require.NoError(t, err)

	// The parent pauses on the waiter, the child runs to completion, and its
	// report resumes the parent through to its own completion.
	waitForRunStatus(t, parent, v1.RunStatusCompleted)

	msgs, err := parent.Messages(context.Background())
	require.NoError(t, err)

	var report string
	for _, m := range msgs {
		if m.Role != v1.RoleTool {
			continue
		}
		part := m.FindToolPart("call_0")
		require.NotNil(t, part)
		var body struct {
			Report string `json:"report"`
		}
		require.NoError(t, json.Unmarshal(part.Output, &body))
		report = body.Report
	}
	assert.Equal(t, "worker finished the thing", report)

	seen := eventTypes(t, parent)
	assert.True(t, seen[v1.EventSubagentSpawned])
	assert.True(t, seen[v1.EventSubagentComplete])
	assert.True(t, seen[v1.EventRunPaused])
	assert.True(t, seen[v1.EventRunResumed])
}

func TestCancelRun(t *testing.T) {
	scripted := llm.NewScripted(0)
	scripted.Enqueue(taskCallResponse("Delegating.", "x", "worker"))

	r := newTestRegistry(t, scripted, map[string]Class{
		"support": {ApprovalTools: []string{"task"}},
	})
	in := r.Get("support", "alice")

	_, err := in.Invoke(context.Background(), InvokeOptions{
		Messages: []v1.Message{userMessage("hello")},
	})
	require.NoError(t, err)
	waitForRunStatus(t, in, v1.RunStatusPaused)

	require.NoError(t, in.CancelRun(context.Background()))
	// Idempotent.
	require.NoError(t, in.CancelRun(context.Background()))

	run, err := in.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusCanceled, run.Status)

	// A canceled run no longer accepts approvals.
	err = in.Approve(context.Background(), loop.ApproveBody{})
	assert.Equal(t, apperrors.KindInvalidApproval, apperrors.KindOf(err))
}

func TestDeadlineAbortsRun(t *testing.T) {
	scripted := llm.NewScripted(0)
	scripted.Enqueue(taskCallResponse("Delegating.", "x", "worker"))

	r := newTestRegistry(t, scripted, map[string]Class{
		"support": {ApprovalTools: []string{"task"}},
	})
	in := r.Get("support", "alice")

	// The approval gate parks the run so the deadline is what ends it.
	deadline := time.Now().UTC().Add(30 * time.Millisecond)
	_, err := in.Invoke(context.Background(), InvokeOptions{
		Messages: []v1.Message{userMessage("hello")},
		Deadline: &deadline,
	})
	require.NoError(t, err)

	waitForRunStatus(t, in, v1.RunStatusCanceled)
	task, err := in.Task(context.Background())
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusAborted, task.Status)
	assert.Equal(t, "timed out", task.Error)
}

func TestStateSurvivesHibernation(t *testing.T) {
	r := newTestRegistry(t, llm.NewScripted(0), nil)
	in := r.Get("support", "alice")

	require.NoError(t, in.SetState(context.Background(), json.RawMessage(`{"counter":7}`)))
	require.NoError(t, in.Hibernate(context.Background()))

	state, err := in.State(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"counter":7}`, string(state))

	// Event seq keeps increasing after the wake.
	events, err := in.Events(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestSetStateRejectsInvalidJSON(t *testing.T) {
	r := newTestRegistry(t, llm.NewScripted(0), nil)
	in := r.Get("support", "alice")

	err := in.SetState(context.Background(), json.RawMessage(`{not json`))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalidRequest, apperrors.KindOf(err))
}

func TestClearHistoryWipesStreams(t *testing.T) {
	r := newTestRegistry(t, llm.NewScripted(0), nil)
	in := r.Get("support", "alice")

	_, err := in.Invoke(context.Background(), InvokeOptions{
		Messages: []v1.Message{userMessage("hello")},
		StreamID: "s1",
	})
	require.NoError(t, err)
	waitForRunStatus(t, in, v1.RunStatusCompleted)

	require.NoError(t, in.ClearHistory(context.Background()))

	msgs, err := in.Messages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, _, err = in.Streams().Status("s1")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestGetReturnsSameInstance(t *testing.T) {
	r := newTestRegistry(t, llm.NewScripted(0), nil)
	a := r.Get("support", "alice")
	b := r.Get("support", "alice")
	assert.Same(t, a, b)
	assert.Equal(t, "support/alice", a.ThreadID())
}

func TestScheduleRoundTrip(t *testing.T) {
	r := newTestRegistry(t, llm.NewScripted(0), nil)
	in := r.Get("support", "alice")
	ctx := context.Background()

	sched, err := in.Schedule(ctx, "ping", scheduler.In(time.Hour), nil)
	require.NoError(t, err)

	listed, err := in.Schedules(ctx, "")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, sched.ID, listed[0].ID)

	existed, err := in.CancelSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = in.CancelSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestInvokeAfterHibernationWakeCompletes(t *testing.T) {
	r := newTestRegistry(t, llm.NewScripted(0), nil)
	in := r.Get("support", "alice")
	ctx := context.Background()

	_, err := in.Invoke(ctx, InvokeOptions{Messages: []v1.Message{userMessage("first")}})
	require.NoError(t, err)
	waitForRunStatus(t, in, v1.RunStatusCompleted)

	require.NoError(t, in.Hibernate(ctx))

	// The wake must rearm the alarm: a run invoked afterwards still ticks to
	// completion instead of sitting in running forever.
	_, err = in.Invoke(ctx, InvokeOptions{Messages: []v1.Message{userMessage("second")}})
	require.NoError(t, err)
	waitForRunStatus(t, in, v1.RunStatusCompleted)

	msgs, err := in.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "Acknowledged: second", msgs[3].Text())
}

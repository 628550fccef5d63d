package v1

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCanceled  RunStatus = "canceled"
	RunStatusError     RunStatus = "error"
)

// Pause reasons recorded on a paused run.
const (
	PauseReasonHITL     = "hitl"
	PauseReasonSubagent = "subagent"
)

// ToolCall is a model-proposed tool invocation. IDs are assigned
// deterministically (call_0..call_n) so they match across pause/resume.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Waiter tracks an outstanding sub-agent spawned from a run. The parent
// stays paused until every waiter has reported back.
type Waiter struct {
	Token         string `json:"token"`
	ChildThreadID string `json:"child_thread_id"`
	ToolCallID    string `json:"tool_call_id"`
}

// Run is the persisted record of a single drive of the model/tool loop.
// At most one run is active per instance.
type Run struct {
	ID               string     `json:"id"`
	Status           RunStatus  `json:"status"`
	Step             int        `json:"step"`
	Reason           string     `json:"reason,omitempty"`
	Error            string     `json:"error,omitempty"`
	NextAlarmAt      *time.Time `json:"next_alarm_at,omitempty"`
	PendingToolCalls []ToolCall `json:"pending_tool_calls,omitempty"`
	Waiters          []Waiter   `json:"waiters,omitempty"`
	SystemPrompt     string     `json:"system_prompt,omitempty"`
	Model            string     `json:"model,omitempty"`
	StreamID         string     `json:"stream_id,omitempty"`
	CallSeq          int        `json:"call_seq"`
	Parent           *ParentRef `json:"parent,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Active reports whether the run still owns the instance's loop.
func (r *Run) Active() bool {
	return r != nil && (r.Status == RunStatusRunning || r.Status == RunStatusPaused)
}

// ParentRef identifies the parent run waiting on a sub-agent.
type ParentRef struct {
	ThreadID string `json:"threadId"`
	Token    string `json:"token"`
}

// SpawnDescriptor is the payload of a sub-agent spawn intent returned by the
// built-in task tool.
type SpawnDescriptor struct {
	Description  string `json:"description"`
	SubagentType string `json:"subagent_type"`
	TimeoutMs    int64  `json:"timeoutMs,omitempty"`
}

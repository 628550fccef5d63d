package v1

import "time"

// Lifecycle event types emitted by the agent loop and retained in the
// per-instance event ring.
const (
	EventRunStarted       = "run.started"
	EventRunTick          = "run.tick"
	EventRunPaused        = "run.paused"
	EventRunResumed       = "run.resumed"
	EventRunCanceled      = "run.canceled"
	EventAgentCompleted   = "agent.completed"
	EventAgentError       = "agent.error"
	EventCheckpointSaved  = "checkpoint.saved"
	EventModelStarted     = "model.started"
	EventModelDelta       = "model.delta"
	EventModelCompleted   = "model.completed"
	EventToolStarted      = "tool.started"
	EventToolOutput       = "tool.output"
	EventToolError        = "tool.error"
	EventHITLInterrupt    = "hitl.interrupt"
	EventHITLResume       = "hitl.resume"
	EventSubagentSpawned  = "subagent.spawned"
	EventSubagentComplete = "subagent.completed"
)

// Event is one entry in an instance's bounded event log. Seq is strictly
// increasing within an instance and survives hibernation.
type Event struct {
	Type     string         `json:"type"`
	Data     map[string]any `json:"data,omitempty"`
	ThreadID string         `json:"threadId,omitempty"`
	TS       time.Time      `json:"ts"`
	Seq      int64          `json:"seq"`
}

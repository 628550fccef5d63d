package api

import (
	"encoding/json"

	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

// InvokeRequest starts or extends a run.
type InvokeRequest struct {
	Messages     []v1.Message  `json:"messages,omitempty"`
	Text         string        `json:"text,omitempty"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	Model        string        `json:"model,omitempty"`
	DeadlineMs   int64         `json:"deadline_ms,omitempty"`
	Parent       *v1.ParentRef `json:"parent,omitempty"`
}

// ApproveRequest resumes a HITL pause.
type ApproveRequest struct {
	Approved          *bool         `json:"approved,omitempty"`
	ModifiedToolCalls []v1.ToolCall `json:"modifiedToolCalls,omitempty"`
}

// ChatRequest begins or attaches an SSE chat turn.
type ChatRequest struct {
	Messages        []v1.Message `json:"messages,omitempty"`
	StreamID        string       `json:"streamId,omitempty"`
	IncludeMessages bool         `json:"includeMessages,omitempty"`
}

// ChildResultRequest delivers a sub-agent report to its parent.
type ChildResultRequest struct {
	Token         string `json:"token"`
	ChildThreadID string `json:"childThreadId"`
	Report        string `json:"report"`
}

// ScheduleRequest registers a callback schedule.
type ScheduleRequest struct {
	Callback string          `json:"callback"`
	Kind     string          `json:"kind"`
	Delay    string          `json:"delay,omitempty"` // delayed/interval: Go duration
	At       string          `json:"at,omitempty"`    // absolute: RFC3339
	Cron     string          `json:"cron,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

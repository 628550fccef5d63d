// Package llm defines the model provider port consumed by the agent loop,
// plus the adapters implementing it. The loop composes a Request from the
// conversation history and middleware-collected tool definitions; adapters
// translate to their provider's wire format.
package llm

import (
	"context"
	"encoding/json"

	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

// ToolDef describes one tool offered to the model. Schema is a JSON Schema
// document for the tool's arguments.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Request is a single model invocation. Messages exclude system-role
// entries; the system prompt travels separately.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []v1.Message
	Tools        []ToolDef
}

// ToolCallProposal is a tool invocation proposed by the model. IDs are
// assigned by the loop (call_0..call_n), not the provider.
type ToolCallProposal struct {
	Name string
	Args json.RawMessage
}

// Response is the model's reply: assistant text and zero or more proposed
// tool calls.
type Response struct {
	Text      string
	ToolCalls []ToolCallProposal
}

// DeltaFunc receives incremental text while a streaming invocation runs.
type DeltaFunc func(delta string) error

// Provider is the port to a language model backend.
type Provider interface {
	// Complete runs one non-streaming invocation.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream runs one invocation, emitting text deltas as they arrive, and
	// returns the final accumulated response.
	Stream(ctx context.Context, req Request, emit DeltaFunc) (*Response, error)
}

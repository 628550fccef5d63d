// Package v1 defines the wire-level types shared between the agent runtime,
// the HTTP/WebSocket edge, and clients.
package v1

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Part states for tool parts.
const (
	PartStateInputAvailable  = "input-available"
	PartStateOutputAvailable = "output-available"
	PartStateError           = "error"
)

// Message is a single entry in an agent's conversation history.
// Messages are upserted by ID; see the chat package for the merge rules
// applied when a tool result arrives for an already-stored assistant message.
type Message struct {
	ID       string         `json:"id"`
	Role     Role           `json:"role"`
	Parts    []Part         `json:"parts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Part is a typed fragment of a message. Type is either "text" or
// "tool-<name>" for tool invocations.
type Part struct {
	Type                 string          `json:"type"`
	Text                 string          `json:"text,omitempty"`
	State                string          `json:"state,omitempty"`
	ToolCallID           string          `json:"toolCallId,omitempty"`
	Input                json.RawMessage `json:"input,omitempty"`
	Output               json.RawMessage `json:"output,omitempty"`
	ErrorText            string          `json:"errorText,omitempty"`
	ProviderMetadata     map[string]any  `json:"providerMetadata,omitempty"`
	CallProviderMetadata map[string]any  `json:"callProviderMetadata,omitempty"`
}

// IsToolPart reports whether the part represents a tool invocation.
func (p *Part) IsToolPart() bool {
	return strings.HasPrefix(p.Type, "tool-")
}

// ToolName returns the tool name encoded in the part type, or "" for
// non-tool parts.
func (p *Part) ToolName() string {
	if !p.IsToolPart() {
		return ""
	}
	return strings.TrimPrefix(p.Type, "tool-")
}

// TextPart builds a plain text part.
func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

// ToolPart builds a tool part in the given state.
func ToolPart(toolName, toolCallID, state string) Part {
	return Part{Type: "tool-" + toolName, ToolCallID: toolCallID, State: state}
}

// FindToolPart returns the first tool part with the given tool call ID,
// or nil if the message has none.
func (m *Message) FindToolPart(toolCallID string) *Part {
	for i := range m.Parts {
		if m.Parts[i].IsToolPart() && m.Parts[i].ToolCallID == toolCallID {
			return &m.Parts[i]
		}
	}
	return nil
}

// Text concatenates the message's text parts.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Package protocol defines the framed JSON messages exchanged over an agent
// WebSocket session, plus the SSE delta shapes used by the HTTP chat edge.
// Every frame carries a "type" tag; unknown types are dropped by the server
// without closing the connection.
package protocol

import (
	"encoding/json"

	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

// Frame type tags.
const (
	TypeIdentity        = "cf_agent_identity"
	TypeState           = "cf_agent_state"
	TypeStateError      = "cf_agent_state_error"
	TypeMCPServers      = "cf_agent_mcp_servers"
	TypeChatMessages    = "cf_agent_chat_messages"
	TypeUseChatRequest  = "cf_agent_use_chat_request"
	TypeUseChatResponse = "cf_agent_use_chat_response"
	TypeToolResult      = "cf_agent_tool_result"
	TypeMessageUpdated  = "cf_agent_message_updated"
	TypeEvent           = "cf_agent_event"
	TypeRPC             = "rpc"
)

// Envelope is the minimal decode of any incoming frame.
type Envelope struct {
	Type string `json:"type"`
}

// Identity is sent server→client exactly once, first, at connect.
type Identity struct {
	Type     string `json:"type"`
	Class    string `json:"class"`
	Name     string `json:"name"`
	ThreadID string `json:"threadId"`
}

// State carries the instance state document. Server→client on every change;
// client→server to request a write.
type State struct {
	Type  string          `json:"type"`
	State json.RawMessage `json:"state"`
}

// StateError rejects a client state write.
type StateError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// MCPServer describes one external tool server in the snapshot frame.
type MCPServer struct {
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	Connected bool     `json:"connected"`
	Tools     []string `json:"tools,omitempty"`
}

// MCPServers is the server→client tool server list, possibly empty.
type MCPServers struct {
	Type    string      `json:"type"`
	Servers []MCPServer `json:"servers"`
}

// ChatMessages replaces or extends the persisted message list.
type ChatMessages struct {
	Type     string       `json:"type"`
	Messages []v1.Message `json:"messages"`
}

// UseChatRequest opens a chat turn over the socket.
type UseChatRequest struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Init json.RawMessage `json:"init"`
}

// ChatInit is the decoded body of UseChatRequest.Init.
type ChatInit struct {
	Messages []v1.Message `json:"messages"`
	StreamID string       `json:"streamId,omitempty"`
}

// UseChatResponse streams the reply to a UseChatRequest. Body carries one
// delta frame per message until Done.
type UseChatResponse struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Body  json.RawMessage `json:"body,omitempty"`
	Done  bool            `json:"done"`
	Error string          `json:"error,omitempty"`
}

// ToolResult supplies a client-executed tool result for an assistant tool
// call awaiting input.
type ToolResult struct {
	Type       string          `json:"type"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName,omitempty"`
	Output     json.RawMessage `json:"output"`
}

// MessageUpdated announces an in-place update of a stored message.
type MessageUpdated struct {
	Type    string     `json:"type"`
	Message v1.Message `json:"message"`
}

// Event broadcasts one lifecycle event to protocol-enabled connections.
type Event struct {
	Type  string   `json:"type"`
	Event v1.Event `json:"event"`
}

// RPCRequest is a generic method call; it works even on connections that
// suppressed the protocol frames.
type RPCRequest struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// RPCResponse answers an RPCRequest.
type RPCResponse struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// SSE delta frame shapes for the HTTP chat edge.
type TextDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

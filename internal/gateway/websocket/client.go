package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/agent"
	apperrors "github.com/agenthost/agenthost/internal/common/errors"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// readonlyMessage is the exact body of a rejected readonly state write.
const readonlyMessage = "Connection is readonly"

// Client represents a single WebSocket session with an agent instance.
type Client struct {
	ID   string
	att  Attachment
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	cancel    context.CancelFunc
	logger    *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, att Attachment, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		att:    att,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// shutdown releases the write side. The send channel is never closed so that
// replay goroutines still holding the client drop their frames instead of
// panicking.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// sendGreeting queues the connect ordering frames: identity, state snapshot,
// mcp_servers. Suppressed entirely on no-protocol connections.
func (c *Client) sendGreeting(ctx context.Context) error {
	if c.att.NoProtocol {
		return nil
	}
	in := c.hub.instance

	c.sendFrame(protocol.Identity{
		Type:     protocol.TypeIdentity,
		Class:    in.Class(),
		Name:     in.Name(),
		ThreadID: in.ThreadID(),
	})

	state, err := in.State(ctx)
	if err != nil {
		return err
	}
	c.sendFrame(protocol.State{Type: protocol.TypeState, State: state})

	servers := make([]protocol.MCPServer, 0)
	for _, s := range in.MCPServers() {
		servers = append(servers, protocol.MCPServer{
			Name:      s.Name,
			URL:       s.URL,
			Connected: s.Connected,
			Tools:     s.Tools,
		})
	}
	c.sendFrame(protocol.MCPServers{Type: protocol.TypeMCPServers, Servers: servers})
	return nil
}

// ReadPump pumps frames from the connection into the instance.
func (c *Client) ReadPump(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer func() {
		cancel()
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}
		c.handleFrame(ctx, message)
	}
}

// handleFrame dispatches one incoming frame. Parse failures and unknown
// types are dropped without closing the connection.
func (c *Client) handleFrame(ctx context.Context, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Debug("dropping unparseable frame", zap.Error(err))
		return
	}

	switch env.Type {
	case protocol.TypeState:
		c.handleStateWrite(ctx, raw)
	case protocol.TypeChatMessages:
		c.handleChatMessages(ctx, raw)
	case protocol.TypeToolResult:
		c.handleToolResult(ctx, raw)
	case protocol.TypeUseChatRequest:
		c.handleUseChat(ctx, raw)
	case protocol.TypeRPC:
		c.handleRPC(ctx, raw)
	default:
		c.logger.Debug("dropping unknown frame type", zap.String("frame_type", env.Type))
	}
}

func (c *Client) handleStateWrite(ctx context.Context, raw []byte) {
	if c.att.Readonly {
		c.sendFrame(protocol.StateError{Type: protocol.TypeStateError, Error: readonlyMessage})
		return
	}
	var frame protocol.State
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	if err := c.hub.instance.SetState(ctx, frame.State); err != nil {
		c.sendFrame(protocol.StateError{Type: protocol.TypeStateError, Error: apperrors.As(err).Message})
	}
}

func (c *Client) handleChatMessages(ctx context.Context, raw []byte) {
	var frame protocol.ChatMessages
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	if err := c.hub.instance.PersistMessages(ctx, frame.Messages); err != nil {
		c.logger.Error("failed to persist chat messages", zap.Error(err))
	}
}

func (c *Client) handleToolResult(ctx context.Context, raw []byte) {
	var frame protocol.ToolResult
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	if _, err := c.hub.instance.ApplyToolResult(ctx, frame.ToolCallID, frame.Output); err != nil {
		c.logger.Warn("tool result rejected",
			zap.String("tool_call_id", frame.ToolCallID), zap.Error(err))
	}
}

// handleUseChat runs a chat turn: it persists the request messages, binds the
// run to a stream, and follows the stream back to this client as
// use_chat_response frames.
func (c *Client) handleUseChat(ctx context.Context, raw []byte) {
	var frame protocol.UseChatRequest
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	var init protocol.ChatInit
	if len(frame.Init) > 0 {
		if err := json.Unmarshal(frame.Init, &init); err != nil {
			return
		}
	}
	streamID := init.StreamID
	if streamID == "" {
		streamID = uuid.New().String()
	}

	if _, err := c.hub.instance.Invoke(ctx, agent.InvokeOptions{
		Messages: init.Messages,
		StreamID: streamID,
	}); err != nil {
		c.sendFrame(protocol.UseChatResponse{
			Type: protocol.TypeUseChatResponse, ID: frame.ID,
			Done: true, Error: apperrors.As(err).Message,
		})
		return
	}

	go func() {
		err := c.hub.instance.Streams().Replay(ctx, streamID, func(data []byte) error {
			c.sendFrame(protocol.UseChatResponse{
				Type: protocol.TypeUseChatResponse,
				ID:   frame.ID,
				Body: json.RawMessage(data),
			})
			return nil
		})
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("chat stream replay failed", zap.Error(err))
		}
		c.sendFrame(protocol.UseChatResponse{
			Type: protocol.TypeUseChatResponse,
			ID:   frame.ID,
			Done: true,
		})
	}()
}

func (c *Client) handleRPC(ctx context.Context, raw []byte) {
	var req protocol.RPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	result, err := c.dispatchRPC(ctx, req.Method, req.Args)
	resp := protocol.RPCResponse{Type: protocol.TypeRPC, ID: req.ID}
	if err != nil {
		resp.Error = apperrors.As(err).Message
	} else {
		resp.Success = true
		resp.Result = result
	}
	c.sendFrame(resp)
}

// dispatchRPC serves the built-in method set. RPC is available even on
// no-protocol connections.
func (c *Client) dispatchRPC(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	in := c.hub.instance
	switch method {
	case "getState":
		return in.State(ctx)
	case "getMessages":
		msgs, err := in.Messages(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(msgs)
	case "getEvents":
		events, err := in.Events(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(events)
	case "getSchedules":
		var body struct {
			Kind string `json:"kind,omitempty"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &body); err != nil {
				return nil, apperrors.InvalidRequest("invalid getSchedules args")
			}
		}
		schedules, err := in.Schedules(ctx, body.Kind)
		if err != nil {
			return nil, err
		}
		return json.Marshal(schedules)
	case "clearHistory":
		if c.att.Readonly {
			return nil, apperrors.Readonly(readonlyMessage)
		}
		if err := in.ClearHistory(ctx); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	default:
		return nil, apperrors.NotFound("unknown RPC method " + method)
	}
}

func (c *Client) sendFrame(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	select {
	case <-c.done:
		// Disconnected; drop the frame.
		return
	default:
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full")
	}
}

// WritePump pumps queued frames to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package websocket is the agent session gateway: it upgrades connections,
// persists their attachments, enforces the connect ordering (identity, state,
// mcp_servers), and fans instance broadcasts out to connected clients.
package websocket

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/agent"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/pkg/protocol"
	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

// Hub tracks the live connections of one agent instance.
type Hub struct {
	instance *agent.Instance
	logger   *logger.Logger

	mu      sync.RWMutex
	clients map[*Client]bool
}

func newHub(in *agent.Instance, log *logger.Logger) *Hub {
	h := &Hub{
		instance: in,
		logger:   log.WithFields(zap.String("component", "ws_hub")),
		clients:  make(map[*Client]bool),
	}

	// Instance hooks fire after the durable write that produced them.
	in.OnStateChange(func(state json.RawMessage) {
		h.broadcastState(state)
	})
	in.OnMessageUpdated(func(msg v1.Message) {
		h.broadcast(protocol.MessageUpdated{Type: protocol.TypeMessageUpdated, Message: msg}, false)
	})
	in.EventRing().AddSink(func(ev v1.Event) {
		h.broadcast(protocol.Event{Type: protocol.TypeEvent, Event: ev}, false)
	})
	return h
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Debug("client registered", zap.String("client_id", c.ID))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.shutdown()
	}
	h.mu.Unlock()

	if err := h.instance.Storage().DeleteAttachment(c.ID); err != nil {
		h.logger.Warn("failed to delete attachment", zap.String("client_id", c.ID), zap.Error(err))
	}
	h.logger.Debug("client unregistered", zap.String("client_id", c.ID))
}

// broadcastState sends the new state to protocol-enabled, non-readonly
// connections only.
func (h *Hub) broadcastState(state json.RawMessage) {
	h.broadcast(protocol.State{Type: protocol.TypeState, State: state}, true)
}

// broadcast fans a frame out to protocol-enabled clients; skipReadonly
// additionally excludes readonly connections.
func (h *Hub) broadcast(frame any, skipReadonly bool) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to marshal broadcast frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.att.NoProtocol {
			continue
		}
		if skipReadonly && c.att.Readonly {
			continue
		}
		c.enqueue(data)
	}
}

// clientCount reports connected clients, for tests and debug endpoints.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Gateway owns one hub per referenced instance.
type Gateway struct {
	registry *agent.Registry
	logger   *logger.Logger

	mu   sync.Mutex
	hubs map[string]*Hub
}

// NewGateway creates the session gateway.
func NewGateway(registry *agent.Registry, log *logger.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		logger:   log,
		hubs:     make(map[string]*Hub),
	}
}

// HubFor returns the hub of an instance, creating it and wiring the
// broadcast hooks on first reference.
func (g *Gateway) HubFor(class, name string) *Hub {
	key := class + "/" + name
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.hubs[key]; ok {
		return h
	}
	h := newHub(g.registry.Get(class, name), g.logger)
	g.hubs[key] = h
	return h
}

package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades agent session connections.
type Handler struct {
	gateway *Gateway
	logger  *logger.Logger
}

// NewHandler creates the WebSocket handler.
func NewHandler(gateway *Gateway, log *logger.Logger) *Handler {
	return &Handler{
		gateway: gateway,
		logger:  log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection serves GET /{class}/{name} upgrades. The attachment is
// derived from the query flags and persisted before any message is
// delivered; a failed persist rejects the socket.
func (h *Handler) HandleConnection(c *gin.Context) {
	class := c.Param("class")
	name := c.Param("name")
	hub := h.gateway.HubFor(class, name)

	att := AttachmentFromQuery(c.Request.URL.Query())
	connID := uuid.New().String()
	if err := SaveAttachment(hub.instance.Storage(), connID, att); err != nil {
		h.logger.Error("failed to persist attachment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to establish session"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		_ = hub.instance.Storage().DeleteAttachment(connID)
		return
	}

	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", connID),
		zap.String("agent_class", class),
		zap.String("agent_name", name),
		zap.Bool("readonly", att.Readonly),
		zap.Bool("no_protocol", att.NoProtocol),
	)

	client := NewClient(connID, att, conn, hub, h.logger)
	hub.register(client)

	go client.WritePump()

	// Connect ordering: identity, state, mcp_servers are queued before the
	// read pump can deliver any client message.
	if err := client.sendGreeting(c.Request.Context()); err != nil {
		h.logger.Error("failed to send greeting", zap.Error(err))
		hub.unregister(client)
		conn.Close()
		return
	}

	client.ReadPump(c.Request.Context())
}

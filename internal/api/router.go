package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agenthost/agenthost/internal/common/httpmw"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/gateway/websocket"
)

// NewRouter builds the gin engine with shared middleware and all agent
// routes mounted.
func NewRouter(h *Handler, ws *websocket.Handler, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "agenthost"))
	router.Use(httpmw.OtelTracing("agenthost"))

	SetupRoutes(router, h, ws)
	return router
}

// SetupRoutes registers the HTTP and WebSocket routes.
func SetupRoutes(router *gin.Engine, h *Handler, ws *websocket.Handler) {
	router.GET("/api/v1/health", h.Health)
	router.POST("/threads", h.CreateThread)

	// GET /{class}/{name} doubles as the WebSocket entry point: requests
	// carrying an Upgrade header are handed to the gateway, plain GETs get
	// the instance summary.
	instance := router.Group("/:class/:name")
	{
		instance.GET("", func(c *gin.Context) {
			if isWebSocketUpgrade(c.Request) {
				ws.HandleConnection(c)
				return
			}
			h.GetRun(c)
		})

		instance.POST("/invoke", h.Invoke)
		instance.POST("/approve", h.Approve)
		instance.POST("/cancel", h.Cancel)
		instance.GET("/run", h.GetRun)

		instance.GET("/state", h.GetState)
		instance.GET("/events", h.GetEvents)

		instance.POST("/chat", h.Chat)
		instance.GET("/stream/:sid", h.StreamReplay)
		instance.GET("/stream/:sid/status", h.StreamStatus)
		instance.POST("/stream/:sid/cancel", h.StreamCancel)

		instance.GET("/messages", h.GetMessages)
		instance.DELETE("/messages", h.ClearMessages)

		instance.POST("/child_result", h.ChildResult)

		instance.GET("/schedules", h.ListSchedules)
		instance.POST("/schedule", h.CreateSchedule)
		instance.DELETE("/schedule/:id", h.DeleteSchedule)
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

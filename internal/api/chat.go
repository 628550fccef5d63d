package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/agent"
	apperrors "github.com/agenthost/agenthost/internal/common/errors"
)

// Chat runs a chat turn and streams the reply as server-sent events. The
// response stream is resumable: its id is echoed in X-Stream-Id and any later
// GET of /stream/{id} replays the same byte prefix.
// POST /{class}/{name}/chat
func (h *Handler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.renderError(c, apperrors.InvalidRequest("invalid request body: "+err.Error()))
		return
	}
	in := h.instance(c)

	streamID := req.StreamID
	if streamID == "" {
		streamID = uuid.New().String()
	}

	// A body with no messages attaches to an existing stream instead of
	// starting a turn.
	attachOnly := len(req.Messages) == 0 && req.StreamID != ""
	if attachOnly {
		if _, _, err := in.Streams().Status(streamID); err != nil {
			h.renderError(c, err)
			return
		}
	} else {
		class := h.registry.Class(in.Class())
		if _, err := in.Invoke(c.Request.Context(), agent.InvokeOptions{
			Messages:     req.Messages,
			SystemPrompt: class.SystemPrompt,
			Model:        class.Model,
			StreamID:     streamID,
		}); err != nil {
			h.renderError(c, err)
			return
		}
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Stream-Id", streamID)
	c.Status(http.StatusOK)
	c.Writer.Flush()

	h.followStream(c, in, streamID)
}

// StreamReplay re-attaches to a stream by id and replays it from position
// zero as server-sent events. Terminal streams answer with
// X-Stream-Complete: true and exactly the persisted log.
// GET /{class}/{name}/stream/{sid}
func (h *Handler) StreamReplay(c *gin.Context) {
	in := h.instance(c)
	streamID := c.Param("sid")

	_, completed, err := in.Streams().Status(streamID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Stream-Id", streamID)
	if completed {
		c.Header("X-Stream-Complete", "true")
	}
	c.Status(http.StatusOK)
	c.Writer.Flush()

	h.followStream(c, in, streamID)
}

// StreamStatus reports the durable position and terminal flag.
// GET /{class}/{name}/stream/{sid}/status
func (h *Handler) StreamStatus(c *gin.Context) {
	position, completed, err := h.instance(c).Streams().Status(c.Param("sid"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"position": position, "completed": completed})
}

// StreamCancel marks a stream terminal; already-persisted chunks stay
// replayable.
// POST /{class}/{name}/stream/{sid}/cancel
func (h *Handler) StreamCancel(c *gin.Context) {
	if err := h.instance(c).Streams().Cancel(c.Param("sid")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// followStream writes every stream chunk as one SSE data frame until the
// stream turns terminal or the client goes away.
func (h *Handler) followStream(c *gin.Context, in *agent.Instance, streamID string) {
	err := in.Streams().Replay(c.Request.Context(), streamID, func(data []byte) error {
		if _, err := c.Writer.WriteString("data: "); err != nil {
			return err
		}
		if _, err := c.Writer.Write(data); err != nil {
			return err
		}
		if _, err := c.Writer.WriteString("\n\n"); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil && c.Request.Context().Err() == nil {
		h.logger.Warn("stream replay ended with error",
			zap.String("stream_id", streamID), zap.Error(err))
	}
}

// Package api is the HTTP edge: it resolves (class, name) to an agent
// instance and exposes run control, chat streaming, schedules, and message
// history over gin.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/agent"
	"github.com/agenthost/agenthost/internal/agent/loop"
	"github.com/agenthost/agenthost/internal/agent/scheduler"
	apperrors "github.com/agenthost/agenthost/internal/common/errors"
	"github.com/agenthost/agenthost/internal/common/logger"
	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

// Handler contains the HTTP handlers for the agent runtime API.
type Handler struct {
	registry *agent.Registry
	logger   *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(registry *agent.Registry, log *logger.Logger) *Handler {
	return &Handler{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "api")),
	}
}

func (h *Handler) instance(c *gin.Context) *agent.Instance {
	return h.registry.Get(c.Param("class"), c.Param("name"))
}

func (h *Handler) renderError(c *gin.Context, err error) {
	appErr := apperrors.As(err)
	c.JSON(appErr.HTTPStatus(), gin.H{"error": appErr.Message})
}

// CreateThread allocates a new instance id.
// POST /threads
func (h *Handler) CreateThread(c *gin.Context) {
	c.JSON(http.StatusCreated, gin.H{"id": h.registry.NewThread()})
}

// Invoke starts or extends a run.
// POST /{class}/{name}/invoke
func (h *Handler) Invoke(c *gin.Context) {
	var req InvokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.renderError(c, apperrors.InvalidRequest("invalid request body: "+err.Error()))
		return
	}
	msgs := req.Messages
	if len(msgs) == 0 && req.Text != "" {
		msgs = []v1.Message{{
			ID:    uuid.New().String(),
			Role:  v1.RoleUser,
			Parts: []v1.Part{v1.TextPart(req.Text)},
		}}
	}
	if len(msgs) == 0 {
		h.renderError(c, apperrors.InvalidRequest("messages or text is required"))
		return
	}

	in := h.instance(c)
	class := h.registry.Class(in.Class())
	opts := agent.InvokeOptions{
		Messages:     msgs,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		Parent:       req.Parent,
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = class.SystemPrompt
	}
	if opts.Model == "" {
		opts.Model = class.Model
	}
	if req.DeadlineMs > 0 {
		deadline := time.Now().UTC().Add(time.Duration(req.DeadlineMs) * time.Millisecond)
		opts.Deadline = &deadline
	}

	run, err := in.Invoke(c.Request.Context(), opts)
	if err != nil {
		h.logger.Error("invoke failed", zap.String("instance", in.ThreadID()), zap.Error(err))
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": run.ID, "status": run.Status})
}

// Approve resumes a HITL-paused run.
// POST /{class}/{name}/approve
func (h *Handler) Approve(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.renderError(c, apperrors.InvalidRequest("invalid request body: "+err.Error()))
		return
	}
	in := h.instance(c)
	err := in.Approve(c.Request.Context(), loop.ApproveBody{
		Approved:          req.Approved,
		ModifiedToolCalls: req.ModifiedToolCalls,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Cancel cancels the current run. Idempotent.
// POST /{class}/{name}/cancel
func (h *Handler) Cancel(c *gin.Context) {
	if err := h.instance(c).CancelRun(c.Request.Context()); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetState reads the current state document.
// GET /{class}/{name}/state
func (h *Handler) GetState(c *gin.Context) {
	state, err := h.instance(c).State(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", state)
}

// GetEvents reads the retained event ring.
// GET /{class}/{name}/events
func (h *Handler) GetEvents(c *gin.Context) {
	events, err := h.instance(c).Events(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// GetRun reports the current run and task records.
// GET /{class}/{name}/run
func (h *Handler) GetRun(c *gin.Context) {
	in := h.instance(c)
	run, err := in.Run(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	task, err := in.Task(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "task": task})
}

// ChildResult delivers a completed sub-agent's report to this instance.
// POST /{class}/{name}/child_result
func (h *Handler) ChildResult(c *gin.Context) {
	var req ChildResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.renderError(c, apperrors.InvalidRequest("invalid request body: "+err.Error()))
		return
	}
	in := h.instance(c)
	if err := in.ChildResult(c.Request.Context(), req.Token, req.ChildThreadID, req.Report); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetMessages returns the persisted history.
// GET /{class}/{name}/messages
func (h *Handler) GetMessages(c *gin.Context) {
	msgs, err := h.instance(c).Messages(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ClearMessages clears messages and all streams.
// DELETE /{class}/{name}/messages
func (h *Handler) ClearMessages(c *gin.Context) {
	if err := h.instance(c).ClearHistory(c.Request.Context()); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- schedules ---

// ListSchedules lists the instance's schedules, optionally by kind.
// GET /{class}/{name}/schedules?kind=cron
func (h *Handler) ListSchedules(c *gin.Context) {
	schedules, err := h.instance(c).Schedules(c.Request.Context(), c.Query("kind"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

// CreateSchedule registers a callback schedule.
// POST /{class}/{name}/schedule
func (h *Handler) CreateSchedule(c *gin.Context) {
	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.renderError(c, apperrors.InvalidRequest("invalid request body: "+err.Error()))
		return
	}
	when, err := scheduleWhen(req)
	if err != nil {
		h.renderError(c, err)
		return
	}
	sched, err := h.instance(c).Schedule(c.Request.Context(), req.Callback, when, req.Payload)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sched)
}

// DeleteSchedule cancels a schedule.
// DELETE /{class}/{name}/schedule/{id}
func (h *Handler) DeleteSchedule(c *gin.Context) {
	existed, err := h.instance(c).CancelSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	if !existed {
		h.renderError(c, apperrors.NotFound("Schedule not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func scheduleWhen(req ScheduleRequest) (scheduler.When, error) {
	switch v1.ScheduleKind(req.Kind) {
	case v1.ScheduleDelayed, v1.ScheduleInterval:
		d, err := time.ParseDuration(req.Delay)
		if err != nil {
			return scheduler.When{}, apperrors.InvalidRequest("invalid delay: " + req.Delay)
		}
		if v1.ScheduleKind(req.Kind) == v1.ScheduleDelayed {
			return scheduler.In(d), nil
		}
		return scheduler.Every(d), nil
	case v1.ScheduleAbsolute:
		at, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			return scheduler.When{}, apperrors.InvalidRequest("invalid at: " + req.At)
		}
		return scheduler.At(at), nil
	case v1.ScheduleCron:
		return scheduler.Cron(req.Cron), nil
	default:
		return scheduler.When{}, apperrors.InvalidRequest("unknown schedule kind: " + req.Kind)
	}
}

// Health reports service liveness.
// GET /api/v1/health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agenthost"})
}

package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/errors"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/gateway"
	"github.com/threadline/threadline/internal/scheduler"
	"github.com/threadline/threadline/internal/session/identity"
)

// Handler contains the admin API handlers.
type Handler struct {
	svc   *gateway.Service
	sched *scheduler.Scheduler
	log   *logger.Logger
}

// NewHandler creates the handler set. sched may be nil when the scheduler is
// disabled.
func NewHandler(svc *gateway.Service, sched *scheduler.Scheduler, log *logger.Logger) *Handler {
	return &Handler{
		svc:   svc,
		sched: sched,
		log:   log.WithFields(zap.String("component", "admin-api")),
	}
}

// Health reports process liveness.
// GET /healthz
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// GetStats returns aggregated counters across all sessions.
// GET /api/v1/stats
func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Manager().GetGlobalStats())
}

// ListSessions returns per-session stats, sorted by key.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	list := h.svc.Manager().ListStats()
	c.JSON(http.StatusOK, SessionListResponse{Sessions: list, Total: len(list)})
}

// GetSessionStats returns one session's counters.
// GET /api/v1/sessions/:key
func (h *Handler) GetSessionStats(c *gin.Context) {
	id, appErr := h.sessionID(c)
	if appErr != nil {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	s, ok := h.svc.Manager().Peek(id)
	if !ok {
		appErr := errors.NotFound("session", c.Param("key"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, s.Stats())
}

// KillSession resets a session and deletes its snapshot.
// POST /api/v1/sessions/:key/kill
func (h *Handler) KillSession(c *gin.Context) {
	id, appErr := h.sessionID(c)
	if appErr != nil {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	count, _, err := h.svc.Manager().KillSession(id)
	if err != nil {
		h.log.Error("Failed to kill session", zap.String("key", c.Param("key")), zap.Error(err))
		appErr := errors.Wrap(err, "failed to kill session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, KillSessionResponse{Key: c.Param("key"), SteeringExtracted: count})
}

// StopSession requests termination of a session's running query.
// POST /api/v1/sessions/:key/stop
func (h *Handler) StopSession(c *gin.Context) {
	id, appErr := h.sessionID(c)
	if appErr != nil {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	s, ok := h.svc.Manager().Peek(id)
	if !ok {
		appErr := errors.NotFound("session", c.Param("key"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, StopSessionResponse{Key: c.Param("key"), Result: string(s.Stop())})
}

// OverrideModel sets a temporary model override on a session. An empty model
// or zero duration clears it.
// POST /api/v1/sessions/:key/model
func (h *Handler) OverrideModel(c *gin.Context) {
	id, appErr := h.sessionID(c)
	if appErr != nil {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req OverrideModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	s, ok := h.svc.Manager().Peek(id)
	if !ok {
		appErr := errors.NotFound("session", c.Param("key"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if req.Model == "" || req.Minutes <= 0 {
		s.SetTemporaryModelOverride("", time.Time{})
		c.JSON(http.StatusOK, OverrideModelResponse{Key: c.Param("key")})
		return
	}

	until := time.Now().Add(time.Duration(req.Minutes) * time.Minute)
	s.SetTemporaryModelOverride(req.Model, until)
	c.JSON(http.StatusOK, OverrideModelResponse{
		Key:   c.Param("key"),
		Model: req.Model,
		Until: until.UTC(),
	})
}

// SchedulerStatus returns the loaded schedules and queue depth.
// GET /api/v1/scheduler/status
func (h *Handler) SchedulerStatus(c *gin.Context) {
	if h.sched == nil {
		c.JSON(http.StatusOK, SchedulerStatusResponse{Enabled: false})
		return
	}

	schedules := h.sched.Schedules()
	resp := SchedulerStatusResponse{
		Enabled:    true,
		QueueDepth: h.sched.QueueDepth(),
		Schedules:  make([]ScheduleStatus, 0, len(schedules)),
	}
	for _, s := range schedules {
		resp.Schedules = append(resp.Schedules, ScheduleStatus{
			Name:    s.Name,
			Cron:    s.Cron,
			Enabled: s.IsEnabled(),
			Notify:  s.ShouldNotify(),
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) sessionID(c *gin.Context) (identity.Identity, *errors.AppError) {
	key := c.Param("key")
	id, err := identity.ParseKey(identity.Key(key))
	if err != nil {
		return identity.Identity{}, errors.ValidationError("key", err.Error())
	}
	return id, nil
}

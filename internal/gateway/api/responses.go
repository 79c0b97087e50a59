package api

import (
	"time"

	"github.com/threadline/threadline/internal/session"
)

// SessionListResponse is the payload for GET /api/v1/sessions.
type SessionListResponse struct {
	Sessions []session.Stats `json:"sessions"`
	Total    int             `json:"total"`
}

// KillSessionResponse is the payload for POST /api/v1/sessions/:key/kill.
type KillSessionResponse struct {
	Key               string `json:"key"`
	SteeringExtracted int    `json:"steering_extracted"`
}

// StopSessionResponse is the payload for POST /api/v1/sessions/:key/stop.
type StopSessionResponse struct {
	Key    string `json:"key"`
	Result string `json:"result"`
}

// OverrideModelRequest is the body for POST /api/v1/sessions/:key/model.
type OverrideModelRequest struct {
	Model   string `json:"model"`
	Minutes int    `json:"minutes"`
}

// OverrideModelResponse is the payload for POST /api/v1/sessions/:key/model.
type OverrideModelResponse struct {
	Key   string    `json:"key"`
	Model string    `json:"model,omitempty"`
	Until time.Time `json:"until,omitempty"`
}

// ScheduleStatus is one schedule in the scheduler status payload.
type ScheduleStatus struct {
	Name    string `json:"name"`
	Cron    string `json:"cron"`
	Enabled bool   `json:"enabled"`
	Notify  bool   `json:"notify"`
}

// SchedulerStatusResponse is the payload for GET /api/v1/scheduler/status.
type SchedulerStatusResponse struct {
	Enabled    bool             `json:"enabled"`
	QueueDepth int              `json:"queue_depth"`
	Schedules  []ScheduleStatus `json:"schedules,omitempty"`
}

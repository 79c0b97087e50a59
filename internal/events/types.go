// Package events provides event subjects and payload types for the Threadline event system.
package events

import "fmt"

// Event types for session lifecycle.
const (
	SessionCreated = "session.created"
	SessionKilled  = "session.killed"
	SessionEvicted = "session.evicted"
	SessionSaved   = "session.saved"
)

// Event types for query status fan-out. These mirror the status-callback
// vocabulary the transport consumes.
const (
	QueryStarted   = "query.started"
	QueryCompleted = "query.completed"
	QueryAborted   = "query.aborted"
	QueryFailed    = "query.failed"
)

// Event types for steering.
const (
	SteeringQueued   = "steering.queued"
	SteeringInjected = "steering.injected"
	SteeringOverflow = "steering.overflow"
	SteeringPending  = "steering.pending"
)

// Event types for context-window accounting.
const (
	ContextWindowUpdated = "context_window.updated"
)

// Event types for scheduler jobs.
const (
	JobStarted   = "job.started"
	JobCompleted = "job.completed"
	JobFailed    = "job.failed"
	JobSkipped   = "job.skipped"
	JobQueued    = "job.queued"
	CronReloaded = "cron.reloaded"
)

// BuildSessionStatusSubject returns the per-session status subject.
// The session key's colons are kept as-is; NATS tokenization uses dots.
func BuildSessionStatusSubject(sessionKey string) string {
	return fmt.Sprintf("session.status.%s", sessionKey)
}

// BuildSessionStatusWildcardSubject returns the wildcard for all session status events.
func BuildSessionStatusWildcardSubject() string {
	return "session.status.*"
}

// BuildContextWindowSubject returns the per-session context window subject.
func BuildContextWindowSubject(sessionKey string) string {
	return fmt.Sprintf("context_window.updated.%s", sessionKey)
}

// BuildContextWindowWildcardSubject returns the wildcard for context window events.
func BuildContextWindowWildcardSubject() string {
	return "context_window.updated.*"
}

// BuildJobSubject returns the per-job scheduler subject.
func BuildJobSubject(jobName string) string {
	return fmt.Sprintf("scheduler.job.%s", jobName)
}

// BuildJobWildcardSubject returns the wildcard for all scheduler job events.
func BuildJobWildcardSubject() string {
	return "scheduler.job.*"
}

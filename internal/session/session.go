// Package session implements the per-conversation session: one provider
// conversation plus its steering buffer, runtime state record, usage
// counters, and snapshot persistence. The manager in this package routes
// inbound traffic to sessions and owns eviction.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/constants"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/events"
	"github.com/threadline/threadline/internal/events/bus"
	"github.com/threadline/threadline/internal/provider"
	"github.com/threadline/threadline/internal/query"
	"github.com/threadline/threadline/internal/session/identity"
	"github.com/threadline/threadline/internal/session/state"
	"github.com/threadline/threadline/internal/session/steering"
	"github.com/threadline/threadline/internal/store"
)

// Common errors
var (
	ErrQueryInProgress = errors.New("a query is already running on this session")
	ErrWorkdirMismatch = errors.New("snapshot working directory does not match session")
	ErrEmptyPrompt     = errors.New("prompt must not be empty")
)

// NoResponseText is returned when the provider produced no textual output.
const NoResponseText = "No response from Claude."

// Context-window warning thresholds, in percent.
const (
	WarnThreshold70 = 70
	WarnThreshold85 = 85
	WarnThreshold95 = 95

	// warnCooldownQueries suppresses re-warning after markRestored.
	warnCooldownQueries = 50
)

// ModelContext selects the prompt framing for a query.
type ModelContext string

const (
	ContextGeneral ModelContext = "general"
	ContextSummary ModelContext = "summary"
	ContextCron    ModelContext = "cron"
)

// StopResult is the outcome of Stop.
type StopResult string

const (
	StopStopped    StopResult = "stopped"
	StopPending    StopResult = "pending"
	StopNotRunning StopResult = "not_running"
)

// Deps bundles the collaborators a Session needs.
type Deps struct {
	Runtime   *query.Runtime
	Snapshots *store.SnapshotStore
	Bus       bus.EventBus
	Logger    *logger.Logger
	Config    config.SessionsConfig
	Provider  config.ProviderConfig
	Safety    *query.SafetyPolicy
}

// Session owns one provider conversation.
type Session struct {
	id   identity.Identity
	deps Deps
	log  *logger.Logger

	mu                sync.Mutex
	st                state.Record
	steering          *steering.Buffer
	providerSessionID string
	workingDir        string
	nextQueryContext  string
	abortQuery        context.CancelFunc
	currentTool       string
	queryStarted      time.Time

	totalInputTokens  int64
	totalOutputTokens int64
	totalQueries      int64
	contextUsed       int64
	contextMax        int64
	sessionStart      time.Time
	lastActivity      time.Time
	lastError         string
	toolDurations     map[string]time.Duration

	warned70, warned85, warned95 bool
	warnCooldown                 int64

	modelOverride      string
	modelOverrideUntil time.Time
	queryFailures      int

	pendingInput *PendingDirectInput
	choice       *ChoiceState
}

// NewSession creates an idle session rooted at workingDir.
func NewSession(id identity.Identity, workingDir string, deps Deps) *Session {
	return &Session{
		id:            id,
		deps:          deps,
		log:           deps.Logger.WithSessionKey(string(id.Key())),
		st:            state.NewRecord(),
		steering:      steering.NewBuffer(0),
		workingDir:    workingDir,
		contextMax:    int64(deps.Config.ContextWindowSize),
		sessionStart:  time.Now(),
		lastActivity:  time.Now(),
		toolDurations: make(map[string]time.Duration),
	}
}

// Identity returns the session identity.
func (s *Session) Identity() identity.Identity { return s.id }

// Key returns the routing key.
func (s *Session) Key() identity.Key { return s.id.Key() }

// WorkingDir returns the canonical working directory.
func (s *Session) WorkingDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workingDir
}

// ProviderSessionID returns the current provider conversation id.
func (s *Session) ProviderSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerSessionID
}

// LastActivity returns when the session last served traffic.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// IsProcessing reports whether a query is in a productive phase. A phase
// stuck without a live abort handle releases itself after 60 s; that only
// happens when a status callback leaked and the query never tore down.
func (s *Session) IsProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !state.QueryProcessing(s.st) {
		return false
	}
	if s.abortQuery == nil && !s.queryStarted.IsZero() &&
		time.Since(s.queryStarted) > constants.ProcessingLockAutoRelease {
		s.log.Warn("Releasing stuck processing lock",
			zap.Duration("age", time.Since(s.queryStarted)))
		s.st = state.FinalizeQuery(s.st)
		s.queryStarted = time.Time{}
		return false
	}
	return true
}

// SetNextQueryContext attaches boot-time recovery context to the next query.
func (s *Session) SetNextQueryContext(ctx string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextQueryContext = ctx
}

// MarkInterrupt records that the next message carried the interrupt prefix.
func (s *Session) MarkInterrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = state.MarkInterruptFlag(s.st)
}

// Interrupt flags an interrupt and stops the running query so the caller's
// message can take over. Idempotent: a second interrupt while one is in
// flight returns false and does nothing.
func (s *Session) Interrupt() bool {
	s.mu.Lock()
	started, next := state.BeginInterrupt(s.st)
	if !started {
		s.mu.Unlock()
		return false
	}
	s.st = state.MarkInterruptFlag(next)
	s.mu.Unlock()

	s.Stop()

	s.mu.Lock()
	s.st = state.EndInterrupt(s.st)
	s.mu.Unlock()
	return true
}

// SendMessageStreaming runs one streaming query. Callers must not invoke it
// concurrently on the same session; a second attempt while one is running
// fails with ErrQueryInProgress.
func (s *Session) SendMessageStreaming(ctx context.Context, prompt string, mc ModelContext, status query.StatusFunc) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}

	s.mu.Lock()
	if state.QueryRunningNow(s.st) {
		s.mu.Unlock()
		return "", ErrQueryInProgress
	}
	s.st = state.StartProcessing(s.st)
	s.lastActivity = time.Now()
	s.queryStarted = time.Now()

	if wasInterrupted, next := state.ConsumeInterruptFlag(s.st); wasInterrupted {
		s.st = next
	}

	if s.modelOverride != "" && time.Now().After(s.modelOverrideUntil) {
		s.log.Info("Temporary model override expired", zap.String("model", s.modelOverride))
		s.modelOverride = ""
		s.queryFailures = 0
	}
	model := s.deps.Provider.Model
	if s.modelOverride != "" {
		model = s.modelOverride
	}

	nextCtx := s.nextQueryContext
	s.nextQueryContext = ""
	resumeID := s.providerSessionID
	s.mu.Unlock()

	// Assembly runs outside the lock so a concurrent Stop can flag the
	// preparing phase.
	assembled := s.assemblePrompt(prompt, nextCtx, resumeID == "")

	s.mu.Lock()
	// A stop that arrived during preparing prevents the query from starting.
	if s.st.StopRequested {
		s.st = state.ClearStopRequested(state.StopProcessing(s.st))
		s.queryStarted = time.Time{}
		s.mu.Unlock()
		s.log.Info("Query cancelled before start")
		return "", nil
	}

	generation := s.st.Generation
	s.st = state.StartQuery(s.st)
	queryCtx, cancel := context.WithCancel(ctx)
	s.abortQuery = cancel
	s.mu.Unlock()
	defer cancel()

	s.publish(events.QueryStarted, map[string]interface{}{
		"session_key":   string(s.id.Key()),
		"model_context": string(mc),
	})

	result, err := s.deps.Runtime.Execute(queryCtx, s.execParams(assembled, resumeID, model, generation, status))

	if err != nil && s.isStaleSessionError(err) && resumeID != "" {
		// The provider lost the conversation; retry once from scratch.
		s.log.Warn("Provider session is stale, retrying fresh", zap.Error(err))
		s.mu.Lock()
		s.providerSessionID = ""
		s.mu.Unlock()
		result, err = s.deps.Runtime.Execute(queryCtx, s.execParams(assembled, "", model, generation, status))
	}

	return s.finishQuery(result, err, generation, status)
}

// assemblePrompt builds the final prompt: restored steering envelope, boot
// recovery context, and the fresh-conversation date header.
func (s *Session) assemblePrompt(prompt, recoveryCtx string, fresh bool) string {
	s.steering.RestoreInjected()
	if buffered := s.steering.Consume(); buffered != "" {
		prompt = fmt.Sprintf("[MESSAGES SENT DURING PREVIOUS EXECUTION]\n%s\n[END PREVIOUS MESSAGES]\n\n%s", buffered, prompt)
	}
	if recoveryCtx != "" {
		prompt = recoveryCtx + "\n\n" + prompt
	}
	if fresh {
		prompt = fmt.Sprintf("Current date and time: %s\n\n%s", time.Now().Format("Monday, 2 January 2006, 15:04 MST"), prompt)
	}
	return prompt
}

func (s *Session) execParams(assembled, resumeID, model string, generation uint64, status query.StatusFunc) query.Params {
	return query.Params{
		Input:      s.queryInput(assembled, resumeID, model),
		PrimaryID:  s.deps.Provider.Primary,
		FallbackID: s.deps.Provider.Fallback,
		Status:     s.wrapStatus(status),
		Generation: generation,
		CurrentGeneration: func() uint64 {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.st.Generation
		},
		ShouldStop: func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.st.StopRequested
		},
		Steering:      s.steering,
		Safety:        s.deps.Safety,
		OnToolDisplay: toolDisplayLabel,
		OnSessionID: func(id string) {
			s.adoptProviderSessionID(id, generation)
		},
		OnSteeringInjected: func(count int) {
			s.publish(events.SteeringInjected, map[string]interface{}{
				"session_key": string(s.id.Key()),
				"count":       count,
			})
		},
		RefreshContext: s.refreshContextFromTranscript,
	}
}

func (s *Session) queryInput(prompt, resumeID, model string) provider.QueryInput {
	p := s.deps.Provider
	return provider.QueryInput{
		Prompt:            prompt,
		Model:             model,
		WorkingDir:        s.workingDir,
		ResumeSessionID:   resumeID,
		SystemPrompt:      p.SystemPrompt,
		ExtraDirs:         p.ExtraDirs,
		MaxThinkingTokens: p.MaxThinkingTokens,
		PermissionMode:    p.PermissionMode,
		SkipPermissions:   p.SkipPermissions,
		PathToExecutable:  p.PathToExecutable,
	}
}

// toolDisplayLabel renders a tool invocation for the status stream, e.g.
// "Bash: ls -la".
func toolDisplayLabel(name string, input map[string]interface{}) string {
	for _, key := range []string{"command", "file_path", "path", "pattern", "url", "description"} {
		if v, ok := input[key].(string); ok && v != "" {
			if len(v) > 80 {
				v = v[:80] + "…"
			}
			return name + ": " + v
		}
	}
	return name
}

// wrapStatus tracks the currently running tool so steering messages can be
// stamped with it.
func (s *Session) wrapStatus(status query.StatusFunc) query.StatusFunc {
	return func(ev query.StatusEvent) {
		if ev.Type == query.StatusTool {
			s.mu.Lock()
			s.currentTool = ev.Text
			s.mu.Unlock()
		}
		if status != nil {
			status(ev)
		}
	}
}

func (s *Session) adoptProviderSessionID(id string, generation uint64) {
	s.mu.Lock()
	if s.st.Generation != generation {
		s.mu.Unlock()
		return
	}
	s.providerSessionID = id
	s.mu.Unlock()

	s.log.Info("Provider session established", zap.String("provider_session_id", id))
	if err := s.SaveSnapshot(); err != nil {
		s.log.Warn("Failed to save session snapshot", zap.Error(err))
	}
	s.publish(events.SessionCreated, map[string]interface{}{
		"session_key":         string(s.id.Key()),
		"provider_session_id": id,
	})
}

func (s *Session) finishQuery(result *query.Result, err error, generation uint64, status query.StatusFunc) (string, error) {
	s.mu.Lock()
	s.currentTool = ""
	if s.st.Generation == generation {
		s.st = state.CompleteQuery(s.st)
	}

	// Counters belong to the generation that started the query: a kill reset
	// them, and a stale result must not repopulate them.
	if result != nil && s.st.Generation == generation {
		s.totalQueries++
		if s.warnCooldown > 0 {
			s.warnCooldown--
		}
		s.accumulateLocked(result)
	}
	if err != nil {
		s.lastError = err.Error()
		s.queryFailures++
	} else {
		s.queryFailures = 0
	}

	steeringLeft := s.steering.Peek()
	steeringCount := s.steering.Len()

	if s.st.Generation == generation {
		s.st = state.ClearStopRequested(state.FinalizeQuery(s.st))
	}
	s.abortQuery = nil
	s.queryStarted = time.Time{}
	s.mu.Unlock()

	if err != nil {
		s.publish(events.QueryFailed, map[string]interface{}{
			"session_key": string(s.id.Key()),
			"error":       err.Error(),
		})
		return "", err
	}

	if err := s.SaveSnapshot(); err != nil {
		s.log.Warn("Failed to save session snapshot", zap.Error(err))
	}

	// A text-only response never hit the post-tool hook, so anything still
	// buffered must be surfaced for the next turn.
	if steeringCount > 0 && status != nil {
		status(query.StatusEvent{Type: query.StatusSteeringPending, Text: steeringLeft})
		s.publish(events.SteeringPending, map[string]interface{}{
			"session_key":    string(s.id.Key()),
			"steering_count": steeringCount,
		})
	}

	if result.Aborted {
		s.publish(events.QueryAborted, map[string]interface{}{
			"session_key": string(s.id.Key()),
			"attempts":    result.Attempts,
		})
	} else {
		s.publish(events.QueryCompleted, map[string]interface{}{
			"session_key": string(s.id.Key()),
			"stale":       result.GenerationStale,
			"attempts":    result.Attempts,
		})
	}
	s.publishContextWindow()

	if result.Text == "" {
		return NoResponseText, nil
	}
	return result.Text, nil
}

func (s *Session) accumulateLocked(result *query.Result) {
	s.totalInputTokens += result.Usage.InputTokens
	s.totalOutputTokens += result.Usage.OutputTokens
	if result.ContextUsed > 0 {
		s.contextUsed = result.ContextUsed
	}
	if result.ContextMax > 0 {
		s.contextMax = result.ContextMax
	}
	for _, tt := range result.ToolTimings {
		s.toolDurations[tt.Name] += tt.Duration
	}
}

func (s *Session) isStaleSessionError(err error) bool {
	msg := err.Error()
	for _, marker := range s.deps.Provider.StaleSessionMarkers {
		if marker != "" && strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Kill resets the session: bumps the generation fence, aborts any in-flight
// query, and returns the extracted steering messages. Idempotent.
func (s *Session) Kill() (int, []steering.Message) {
	s.mu.Lock()
	s.st = state.IncrementGeneration(s.st)
	s.st = state.RequestStopDuringRunning(s.st)
	cancel := s.abortQuery
	s.abortQuery = nil

	msgs := s.steering.Extract()
	s.steering.ClearInjectedTracking()

	generation := s.st.Generation
	s.st = state.NewRecord()
	s.st.Generation = generation

	s.providerSessionID = ""
	s.totalInputTokens = 0
	s.totalOutputTokens = 0
	s.totalQueries = 0
	s.contextUsed = 0
	s.contextMax = int64(s.deps.Config.ContextWindowSize)
	s.sessionStart = time.Now()
	s.lastError = ""
	s.currentTool = ""
	s.nextQueryContext = ""
	s.toolDurations = make(map[string]time.Duration)
	s.warned70, s.warned85, s.warned95 = false, false, false
	s.warnCooldown = 0
	s.modelOverride = ""
	s.queryFailures = 0
	s.queryStarted = time.Time{}
	s.pendingInput = nil
	s.choice = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.log.Info("Session killed",
		zap.Uint64("generation", generation),
		zap.Int("extracted_steering", len(msgs)))
	s.publish(events.SessionKilled, map[string]interface{}{
		"session_key":    string(s.id.Key()),
		"steering_count": len(msgs),
	})
	return len(msgs), msgs
}

// Stop halts a running query, waiting up to the configured window for the
// state machine to come back to idle. During preparing it only flags the
// stop and reports pending.
func (s *Session) Stop() StopResult {
	s.mu.Lock()
	switch s.st.Query {
	case state.QueryIdle:
		s.mu.Unlock()
		return StopNotRunning
	case state.QueryPreparing:
		s.st = state.RequestStopDuringPreparing(s.st)
		s.mu.Unlock()
		return StopPending
	}
	s.st = state.RequestStopDuringRunning(s.st)
	cancel := s.abortQuery
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	deadline := time.Now().Add(constants.StopWait)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		idle := s.st.Query == state.QueryIdle
		s.mu.Unlock()
		if idle {
			return StopStopped
		}
		time.Sleep(50 * time.Millisecond)
	}
	return StopPending
}

// SetTemporaryModelOverride routes queries to another model until the reset
// time passes, after which the default model and failure counters return.
func (s *Session) SetTemporaryModelOverride(model string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelOverride = model
	s.modelOverrideUntil = until
}

// ModelOverride returns the active override model, or "" when none applies.
func (s *Session) ModelOverride() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modelOverride == "" || time.Now().After(s.modelOverrideUntil) {
		return ""
	}
	return s.modelOverride
}

// Steering exposes the buffer for steering and recovery operations.
func (s *Session) Steering() *steering.Buffer { return s.steering }

// EnqueueSteering buffers a message that arrived mid-query, stamped with the
// tool running at the time.
func (s *Session) EnqueueSteering(content string, messageID int64) (evicted bool, err error) {
	s.mu.Lock()
	tool := s.currentTool
	s.lastActivity = time.Now()
	s.mu.Unlock()

	msg, err := steering.NewMessage(content, messageID, tool)
	if err != nil {
		return false, err
	}
	evicted = s.steering.Enqueue(msg)
	s.publish(events.SteeringQueued, map[string]interface{}{
		"session_key": string(s.id.Key()),
		"evicted":     evicted,
	})
	if evicted {
		s.publish(events.SteeringOverflow, map[string]interface{}{
			"session_key": string(s.id.Key()),
		})
	}
	return evicted, nil
}

// Snapshot captures the persistent view of the session.
func (s *Session) Snapshot() store.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.Snapshot{
		SessionID:          s.providerSessionID,
		WorkingDir:         s.workingDir,
		ContextWindowUsage: s.contextUsed,
		ContextWindowSize:  s.contextMax,
		TotalInputTokens:   s.totalInputTokens,
		TotalOutputTokens:  s.totalOutputTokens,
		TotalQueries:       s.totalQueries,
		SessionStartTime:   s.sessionStart,
	}
}

// SaveSnapshot persists the session if a provider conversation exists.
func (s *Session) SaveSnapshot() error {
	snap := s.Snapshot()
	if snap.SessionID == "" {
		return nil
	}
	if err := s.deps.Snapshots.Save(s.id, snap); err != nil {
		return err
	}
	s.publish(events.SessionSaved, map[string]interface{}{
		"session_key": string(s.id.Key()),
	})
	return nil
}

// RestoreFromData reloads counters and the provider conversation id from a
// snapshot. A snapshot for a different working directory is refused.
func (s *Session) RestoreFromData(snap store.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.WorkingDir != "" && snap.WorkingDir != s.workingDir {
		return fmt.Errorf("%w: snapshot %s, session %s", ErrWorkdirMismatch, snap.WorkingDir, s.workingDir)
	}
	s.providerSessionID = snap.SessionID
	s.contextUsed = snap.ContextWindowUsage
	if snap.ContextWindowSize > 0 {
		s.contextMax = snap.ContextWindowSize
	}
	s.totalInputTokens = snap.TotalInputTokens
	s.totalOutputTokens = snap.TotalOutputTokens
	s.totalQueries = snap.TotalQueries
	if !snap.SessionStartTime.IsZero() {
		s.sessionStart = snap.SessionStartTime
	}
	return nil
}

// ContextPercent returns context-window usage in percent, 0 when unknown.
func (s *Session) ContextPercent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextPercentLocked()
}

func (s *Session) contextPercentLocked() int {
	if s.contextMax <= 0 {
		return 0
	}
	return int(s.contextUsed * 100 / s.contextMax)
}

// NeedsWarning70 fires once when usage crosses 70%.
func (s *Session) NeedsWarning70() bool { return s.needsWarning(WarnThreshold70, &s.warned70) }

// NeedsWarning85 fires once when usage crosses 85%.
func (s *Session) NeedsWarning85() bool { return s.needsWarning(WarnThreshold85, &s.warned85) }

// NeedsWarning95 fires once when usage crosses 95%.
func (s *Session) NeedsWarning95() bool { return s.needsWarning(WarnThreshold95, &s.warned95) }

func (s *Session) needsWarning(threshold int, fired *bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *fired || s.warnCooldown > 0 {
		return false
	}
	if s.contextPercentLocked() < threshold {
		return false
	}
	*fired = true
	return true
}

// MarkRestored clears the warning latches and suppresses re-warning for the
// next 50 queries.
func (s *Session) MarkRestored() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warned70, s.warned85, s.warned95 = false, false, false
	s.warnCooldown = warnCooldownQueries
}

// Stats is the per-session counter snapshot.
type Stats struct {
	Key               string        `json:"key"`
	ProviderSessionID string        `json:"provider_session_id,omitempty"`
	TotalQueries      int64         `json:"total_queries"`
	TotalInputTokens  int64         `json:"total_input_tokens"`
	TotalOutputTokens int64         `json:"total_output_tokens"`
	ContextPercent    int           `json:"context_percent"`
	SteeringBuffered  int           `json:"steering_buffered"`
	Processing        bool          `json:"processing"`
	SessionStart      time.Time     `json:"session_start"`
	LastActivity      time.Time     `json:"last_activity"`
	Uptime            time.Duration `json:"-"`
}

// Stats returns the counter snapshot.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Key:               string(s.id.Key()),
		ProviderSessionID: s.providerSessionID,
		TotalQueries:      s.totalQueries,
		TotalInputTokens:  s.totalInputTokens,
		TotalOutputTokens: s.totalOutputTokens,
		ContextPercent:    s.contextPercentLocked(),
		SteeringBuffered:  s.steering.Len(),
		Processing:        state.QueryProcessing(s.st),
		SessionStart:      s.sessionStart,
		LastActivity:      s.lastActivity,
		Uptime:            time.Since(s.sessionStart),
	}
}

// ToolDurations returns a copy of the cumulative tool-duration ledger.
func (s *Session) ToolDurations() map[string]time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Duration, len(s.toolDurations))
	for k, v := range s.toolDurations {
		out[k] = v
	}
	return out
}

func (s *Session) publish(eventType string, data map[string]interface{}) {
	if s.deps.Bus == nil {
		return
	}
	subject := events.BuildSessionStatusSubject(string(s.id.Key()))
	if err := s.deps.Bus.Publish(context.Background(), subject, bus.NewEvent(eventType, "session", data)); err != nil {
		s.log.Debug("Failed to publish session event", zap.Error(err))
	}
}

func (s *Session) publishContextWindow() {
	if s.deps.Bus == nil {
		return
	}
	s.mu.Lock()
	used, max, pct := s.contextUsed, s.contextMax, s.contextPercentLocked()
	s.mu.Unlock()
	subject := events.BuildContextWindowSubject(string(s.id.Key()))
	_ = s.deps.Bus.Publish(context.Background(), subject, bus.NewEvent(events.ContextWindowUpdated, "session", map[string]interface{}{
		"session_key": string(s.id.Key()),
		"used":        used,
		"max":         max,
		"percent":     pct,
	}))
}

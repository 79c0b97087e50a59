// Package query drives one provider streaming call: it wires the tool hooks,
// enforces generation fencing and abort, translates provider events into
// status-callback events, and collects tool and usage telemetry.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/provider"
	"github.com/threadline/threadline/internal/session/steering"
)

// ErrGenerationStale marks a query invalidated by a concurrent kill. It is
// suppressed; the runtime returns partial results.
var ErrGenerationStale = errors.New("query generation is stale")

// Text events are throttled so chat transports are not flooded with deltas.
const (
	textThrottleInterval = 500 * time.Millisecond
	textThrottleMinChars = 20
)

// StatusType is the transport-facing event vocabulary.
type StatusType string

const (
	StatusThinking        StatusType = "thinking"
	StatusTool            StatusType = "tool"
	StatusText            StatusType = "text"
	StatusSegmentEnd      StatusType = "segment_end"
	StatusDone            StatusType = "done"
	StatusSteeringPending StatusType = "steering_pending"
	StatusSystem          StatusType = "system"
)

// StatusEvent is one callback delivery.
type StatusEvent struct {
	Type StatusType
	Text string
}

// StatusFunc receives status events in stream order.
type StatusFunc func(StatusEvent)

// ToolTiming records one closed tool interval.
type ToolTiming struct {
	Name     string
	Duration time.Duration
}

// Params configures one execution.
type Params struct {
	Input      provider.QueryInput
	PrimaryID  string
	FallbackID string

	Status StatusFunc

	// Generation is the fence value captured when the query started;
	// CurrentGeneration reads the live counter.
	Generation        uint64
	CurrentGeneration func() uint64

	ShouldStop func() bool
	Steering   *steering.Buffer
	Safety     *SafetyPolicy

	OnSessionID   func(string)
	OnToolDisplay func(name string, input map[string]interface{}) string

	// OnSteeringInjected reports how many buffered messages the post-tool
	// hook just delivered into the running turn.
	OnSteeringInjected func(count int)

	// RefreshContext is the transcript-file fallback, consulted when the
	// provider did not report context usage.
	RefreshContext func() (used, max int64)
}

// Result is what one execution produced, partial or not.
type Result struct {
	Text        string
	SessionID   string
	ProviderID  string
	Attempts    int
	Usage       provider.Usage
	ContextUsed int64
	ContextMax  int64
	ToolTimings []ToolTiming

	Completed       bool
	Aborted         bool
	GenerationStale bool
}

// Runtime executes queries through the provider orchestrator.
type Runtime struct {
	orchestrator *provider.Orchestrator
	logger       *logger.Logger
}

// NewRuntime creates a Runtime.
func NewRuntime(orch *provider.Orchestrator, log *logger.Logger) *Runtime {
	return &Runtime{
		orchestrator: orch,
		logger:       log.WithFields(zap.String("component", "query-runtime")),
	}
}

// Execute runs one query. Expected aborts (caller stop, generation mismatch)
// are suppressed and reflected in the Result flags; unexpected errors return
// after any open tool interval is closed.
func (r *Runtime) Execute(ctx context.Context, params Params) (*Result, error) {
	ex := &execution{
		runtime: r,
		params:  params,
		result:  &Result{},
	}
	ex.lastTextEmit = time.Now().Add(-textThrottleInterval)

	input := params.Input
	input.Hooks = (*runtimeHooks)(ex)

	orchResult, err := r.orchestrator.ExecuteQuery(ctx, provider.Request{
		PrimaryID:  params.PrimaryID,
		FallbackID: params.FallbackID,
		Input:      input,
		OnEvent:    ex.onEvent,
		OnAttempt:  ex.resetAttempt,
	})

	ex.mu.Lock()
	ex.closeToolIntervalLocked()
	ex.flushSegmentLocked()
	ex.result.ProviderID = orchResult.ProviderID
	ex.result.Attempts = orchResult.Attempts
	result := ex.result
	ex.mu.Unlock()

	if result.ContextUsed == 0 && params.RefreshContext != nil {
		used, max := params.RefreshContext()
		if used > 0 {
			result.ContextUsed = used
		}
		if max > 0 {
			result.ContextMax = max
		}
	}

	switch {
	case err == nil:
	case errors.Is(err, provider.ErrAbortRequested), errors.Is(err, context.Canceled):
		result.Aborted = true
		err = nil
	case errors.Is(err, ErrGenerationStale):
		result.GenerationStale = true
		err = nil
	default:
		r.logger.Error("Query failed",
			zap.String("provider_id", result.ProviderID),
			zap.Int("attempts", result.Attempts),
			zap.Error(err))
		return result, err
	}

	ex.emitStatus(StatusEvent{Type: StatusDone})
	return result, nil
}

// execution is the per-query mutable state.
type execution struct {
	runtime *Runtime
	params  Params

	mu           sync.Mutex
	result       *Result
	segment      strings.Builder
	lastTextEmit time.Time
	openTool     string
	openToolAt   time.Time
}

// resetAttempt clears stream-derived state before a provider attempt, so a
// retry after a mid-stream transient failure does not replay the partial
// stream into the result or the status callbacks.
func (ex *execution) resetAttempt() {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.segment.Reset()
	ex.result.Text = ""
	ex.result.ToolTimings = nil
	ex.openTool = ""
}

func (ex *execution) emitStatus(ev StatusEvent) {
	if ex.params.Status != nil {
		ex.params.Status(ev)
	}
}

func (ex *execution) onEvent(ev provider.Event) error {
	if ex.params.ShouldStop != nil && ex.params.ShouldStop() {
		return provider.ErrAbortRequested
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()

	// Generation fence: once a session exists, a kill bumps the counter and
	// every later event from this query is dropped.
	if ex.result.SessionID != "" && ex.params.CurrentGeneration != nil &&
		ex.params.Generation != ex.params.CurrentGeneration() {
		ex.result.GenerationStale = true
		return ErrGenerationStale
	}

	switch ev.Type {
	case provider.EventSession:
		// First session id wins; later ones are ignored.
		if ex.result.SessionID == "" && ev.SessionID != "" {
			if ex.params.CurrentGeneration != nil && ex.params.Generation != ex.params.CurrentGeneration() {
				ex.result.GenerationStale = true
				return ErrGenerationStale
			}
			ex.result.SessionID = ev.SessionID
			if ex.params.OnSessionID != nil {
				ex.params.OnSessionID(ev.SessionID)
			}
		}

	case provider.EventTool:
		if ev.ToolPhase == provider.ToolEnd {
			ex.closeToolIntervalLocked()
			break
		}
		ex.flushSegmentLocked()
		ex.closeToolIntervalLocked()
		if reason, ok := ev.ToolInput["blocked"].(string); ok {
			ex.emitStatus(StatusEvent{Type: StatusTool, Text: fmt.Sprintf("BLOCKED: %s", reason)})
			break
		}
		ex.openTool = ev.ToolName
		ex.openToolAt = ev.Timestamp
		if ex.openToolAt.IsZero() {
			ex.openToolAt = time.Now()
		}
		ex.emitStatus(StatusEvent{Type: StatusTool, Text: ex.toolDisplay(ev.ToolName, ev.ToolInput)})

	case provider.EventText:
		ex.closeToolIntervalLocked()
		ex.segment.WriteString(ev.Text)
		ex.result.Text += ev.Text
		ex.maybeEmitTextLocked()

	case provider.EventThinking:
		ex.emitStatus(StatusEvent{Type: StatusThinking, Text: ev.Text})

	case provider.EventUsage:
		ex.result.Usage.Merge(ev.Usage)
		if ev.Usage.ContextWindow > 0 {
			ex.result.ContextMax = ev.Usage.ContextWindow
		}

	case provider.EventContext:
		if ev.ContextUsed > 0 {
			ex.result.ContextUsed = ev.ContextUsed
		}
		if ev.ContextMax > 0 {
			ex.result.ContextMax = ev.ContextMax
		}

	case provider.EventDone:
		ex.closeToolIntervalLocked()
		ex.result.Completed = ev.Reason == provider.DoneCompleted
		if ev.Reason == provider.DoneAborted {
			ex.result.Aborted = true
		}
	}

	return nil
}

func (ex *execution) toolDisplay(name string, input map[string]interface{}) string {
	if ex.params.OnToolDisplay != nil {
		if s := ex.params.OnToolDisplay(name, input); s != "" {
			return s
		}
	}
	return name
}

// maybeEmitTextLocked emits a throttled text event: at most one per interval
// and only once the segment has accumulated enough characters.
func (ex *execution) maybeEmitTextLocked() {
	if ex.segment.Len() <= textThrottleMinChars {
		return
	}
	if time.Since(ex.lastTextEmit) < textThrottleInterval {
		return
	}
	ex.lastTextEmit = time.Now()
	ex.emitStatus(StatusEvent{Type: StatusText, Text: ex.segment.String()})
}

// flushSegmentLocked closes a non-empty text segment with a segment_end.
func (ex *execution) flushSegmentLocked() {
	if ex.segment.Len() == 0 {
		return
	}
	ex.emitStatus(StatusEvent{Type: StatusSegmentEnd, Text: ex.segment.String()})
	ex.segment.Reset()
}

func (ex *execution) closeToolIntervalLocked() {
	if ex.openTool == "" {
		return
	}
	ex.result.ToolTimings = append(ex.result.ToolTimings, ToolTiming{
		Name:     ex.openTool,
		Duration: time.Since(ex.openToolAt),
	})
	ex.openTool = ""
}

// runtimeHooks adapts the execution to the provider hook interface.
type runtimeHooks execution

// PreTool aborts when a stop was requested and rejects invocations that fail
// safety validation.
func (h *runtimeHooks) PreTool(toolName string, input map[string]interface{}) provider.HookDecision {
	ex := (*execution)(h)
	if ex.params.ShouldStop != nil && ex.params.ShouldStop() {
		return provider.HookDecision{Abort: true}
	}
	if reason := ex.params.Safety.Validate(toolName, input); reason != "" {
		ex.runtime.logger.Warn("Tool invocation blocked",
			zap.String("tool", toolName),
			zap.String("reason", reason))
		return provider.HookDecision{BlockedReason: reason}
	}
	return provider.HookDecision{}
}

// PostTool drains the steering buffer into an injected system message. The
// drained messages move to the shadow list so a later query can restore them
// if this turn never honors them.
func (h *runtimeHooks) PostTool(toolName string) provider.HookDecision {
	ex := (*execution)(h)
	if ex.params.Steering == nil {
		return provider.HookDecision{}
	}
	formatted := ex.params.Steering.Peek()
	if formatted == "" {
		return provider.HookDecision{}
	}
	n := ex.params.Steering.TrackForInjection()
	if ex.params.OnSteeringInjected != nil {
		ex.params.OnSteeringInjected(n)
	}
	ex.runtime.logger.Info("Injecting steering messages after tool",
		zap.String("tool", toolName),
		zap.Int("chars", len(formatted)))
	return provider.HookDecision{
		SystemMessage: fmt.Sprintf("[USER SENT MESSAGE DURING EXECUTION]\n%s\n[END USER MESSAGE]", formatted),
	}
}

// Package provider defines the unified contract streaming AI providers
// implement, plus the orchestrator that applies retries and fallback across
// them.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrAbortRequested   = errors.New("abort requested")
	ErrToolBlocked      = errors.New("tool invocation blocked")
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrNoProviderOutput = errors.New("provider produced no output")
)

// EventType enumerates the unified event vocabulary.
type EventType string

const (
	EventSession  EventType = "session"
	EventTool     EventType = "tool"
	EventText     EventType = "text"
	EventThinking EventType = "thinking"
	EventUsage    EventType = "usage"
	EventContext  EventType = "context"
	EventDone     EventType = "done"
)

// ToolPhase marks whether a tool event opens or closes an invocation.
type ToolPhase string

const (
	ToolStart ToolPhase = "start"
	ToolEnd   ToolPhase = "end"
)

// DoneReason explains why a stream terminated.
type DoneReason string

const (
	DoneCompleted DoneReason = "completed"
	DoneAborted   DoneReason = "aborted"
	DoneFailed    DoneReason = "failed"
)

// Usage carries cumulative token accounting for one query.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	ContextWindow            int64 `json:"context_window,omitempty"`
}

// Merge folds the latest non-zero fields of other into u.
func (u *Usage) Merge(other Usage) {
	if other.InputTokens > 0 {
		u.InputTokens = other.InputTokens
	}
	if other.OutputTokens > 0 {
		u.OutputTokens = other.OutputTokens
	}
	if other.CacheReadInputTokens > 0 {
		u.CacheReadInputTokens = other.CacheReadInputTokens
	}
	if other.CacheCreationInputTokens > 0 {
		u.CacheCreationInputTokens = other.CacheCreationInputTokens
	}
	if other.ContextWindow > 0 {
		u.ContextWindow = other.ContextWindow
	}
}

// Event is one item of the unified stream. Exactly the fields for its type
// are populated.
type Event struct {
	Type       EventType
	ProviderID string
	QueryID    string
	Timestamp  time.Time

	// session
	SessionID string
	Resumed   bool

	// tool
	ToolPhase ToolPhase
	ToolName  string
	ToolInput map[string]interface{}

	// text / thinking
	Text string

	// usage
	Usage Usage

	// context
	ContextUsed int64
	ContextMax  int64

	// done
	Reason DoneReason
	Err    error
}

// EventFunc receives stream events sequentially. Returning an error stops the
// stream; the provider raises its abort signal.
type EventFunc func(Event) error

// HookDecision is the result of a pre-tool check.
type HookDecision struct {
	Abort         bool
	BlockedReason string
	SystemMessage string // post-tool steering payload, empty when none
}

// ToolHooks is implemented by the session layer and invoked by providers
// around every tool execution.
type ToolHooks interface {
	// PreTool runs before a tool executes. A decision with Abort set stops
	// the provider; a non-empty BlockedReason rejects the single invocation.
	PreTool(toolName string, input map[string]interface{}) HookDecision
	// PostTool runs after a tool finishes and may return a system message
	// the provider appends to the current turn.
	PostTool(toolName string) HookDecision
}

// Permission modes recognized by provider adapters.
const (
	PermissionDefault = "default"
	PermissionBypass  = "bypass"
)

// QueryInput is one fully assembled provider call.
type QueryInput struct {
	Prompt            string
	Model             string
	WorkingDir        string
	ResumeSessionID   string
	SystemPrompt      string
	ExtraDirs         []string
	MaxThinkingTokens int64
	Hooks             ToolHooks

	// PermissionMode selects how the adapter answers tool permission
	// prompts; SkipPermissions forces approval regardless of mode. The
	// pre-tool safety gate applies either way.
	PermissionMode  string
	SkipPermissions bool

	// PathToExecutable overrides the agent binary without replacing the
	// rest of the configured command line.
	PathToExecutable string
}

// Capabilities describes optional provider features.
type Capabilities struct {
	Resume        bool
	Thinking      bool
	ContextReport bool
}

// Provider drives one streaming query against a concrete backend.
type Provider interface {
	ID() string
	Capabilities() Capabilities
	// Execute runs one query, delivering events to onEvent sequentially.
	// Cancelling ctx aborts the stream.
	Execute(ctx context.Context, input QueryInput, onEvent EventFunc) error
}

// NewQueryID returns a unique id stamped onto every event of one query.
func NewQueryID() string {
	return uuid.New().String()
}

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
)

// RetryPolicy controls transient-failure handling for one provider.
type RetryPolicy struct {
	MaxRetries    int           `json:"max_retries"`
	BaseBackoffMs int           `json:"base_backoff_ms"`
	baseBackoff   time.Duration `json:"-"`
}

// DefaultRetryPolicy applies when no per-provider override exists.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseBackoffMs: 500}
}

// BaseBackoff returns the configured backoff as a duration.
func (p RetryPolicy) BaseBackoff() time.Duration {
	if p.baseBackoff > 0 {
		return p.baseBackoff
	}
	if p.BaseBackoffMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(p.BaseBackoffMs) * time.Millisecond
}

// ParsePolicies decodes the process-wide JSON policy map, keyed by provider
// id. An empty string yields an empty map.
func ParsePolicies(raw string) (map[string]RetryPolicy, error) {
	policies := make(map[string]RetryPolicy)
	if strings.TrimSpace(raw) == "" {
		return policies, nil
	}
	if err := json.Unmarshal([]byte(raw), &policies); err != nil {
		return nil, fmt.Errorf("invalid retry policy map: %w", err)
	}
	return policies, nil
}

// Request is one orchestrated query.
type Request struct {
	PrimaryID  string
	FallbackID string
	Input      QueryInput
	OnEvent    EventFunc

	// OnAttempt runs before every provider attempt, retries and fallback
	// included. Consumers reset per-attempt stream state here so a retried
	// stream replaces a partial one instead of appending to it.
	OnAttempt func()
}

// Result reports which provider served the query and how many attempts were
// spent across primary and fallback.
type Result struct {
	ProviderID string
	Attempts   int
}

// Orchestrator hides provider identity behind the unified event contract and
// applies per-provider retry policies with fallback.
type Orchestrator struct {
	logger    *logger.Logger
	mu        sync.RWMutex
	providers map[string]Provider
	policies  map[string]RetryPolicy
}

// NewOrchestrator creates an empty orchestrator.
func NewOrchestrator(log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		logger:    log.WithFields(zap.String("component", "provider-orchestrator")),
		providers: make(map[string]Provider),
		policies:  make(map[string]RetryPolicy),
	}
}

// Register adds a provider. Later registrations with the same id replace
// earlier ones.
func (o *Orchestrator) Register(p Provider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.providers[p.ID()] = p
}

// SetPolicies installs the retry policy map.
func (o *Orchestrator) SetPolicies(policies map[string]RetryPolicy) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.policies = policies
}

// Provider returns a registered provider by id.
func (o *Orchestrator) Provider(id string) (Provider, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.providers[id]
	return p, ok
}

func (o *Orchestrator) policyFor(id string) RetryPolicy {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if p, ok := o.policies[id]; ok {
		return p
	}
	return DefaultRetryPolicy()
}

// ExecuteQuery runs the request against the primary provider, retrying
// transient failures per policy, then falls back if configured. Consumer
// aborts (ctx cancellation or an onEvent error) are never retried.
func (o *Orchestrator) ExecuteQuery(ctx context.Context, req Request) (Result, error) {
	primary, ok := o.Provider(req.PrimaryID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownProvider, req.PrimaryID)
	}

	result := Result{ProviderID: req.PrimaryID}
	err := o.runWithRetries(ctx, primary, req, &result)
	if err == nil || isConsumerAbort(ctx, err) {
		return result, err
	}

	if req.FallbackID == "" {
		return result, err
	}
	fallback, ok := o.Provider(req.FallbackID)
	if !ok {
		o.logger.Warn("Fallback provider not registered",
			zap.String("provider_id", req.FallbackID))
		return result, err
	}

	o.logger.Warn("Primary provider failed, falling back",
		zap.String("primary", req.PrimaryID),
		zap.String("fallback", req.FallbackID),
		zap.Error(err))

	result.ProviderID = req.FallbackID
	if ferr := o.runWithRetries(ctx, fallback, req, &result); ferr != nil {
		return result, fmt.Errorf("fallback %s failed after primary %s: %w",
			req.FallbackID, req.PrimaryID, ferr)
	}
	return result, nil
}

func (o *Orchestrator) runWithRetries(ctx context.Context, p Provider, req Request, result *Result) error {
	policy := o.policyFor(p.ID())

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := policy.BaseBackoff() * (1 << (attempt - 1))
			o.logger.Info("Retrying provider query",
				zap.String("provider_id", p.ID()),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if req.OnAttempt != nil {
			req.OnAttempt()
		}
		result.Attempts++
		lastErr = p.Execute(ctx, req.Input, req.OnEvent)
		if lastErr == nil {
			return nil
		}
		if isConsumerAbort(ctx, lastErr) {
			return lastErr
		}
		if !IsTransient(lastErr) {
			o.logger.Error("Provider query failed permanently",
				zap.String("provider_id", p.ID()),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr))
			return lastErr
		}
		o.logger.Warn("Transient provider failure",
			zap.String("provider_id", p.ID()),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return fmt.Errorf("provider %s exhausted %d retries: %w", p.ID(), policy.MaxRetries, lastErr)
}

func isConsumerAbort(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrAbortRequested)
}

// transientMarkers classify retryable failures by message content. Provider
// SDKs do not expose typed errors for these.
var transientMarkers = []string{
	"rate limit",
	"rate_limit",
	"429",
	"overloaded",
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"502",
	"503",
	"504",
	"internal server error",
	"eof",
}

// IsTransient reports whether an error is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

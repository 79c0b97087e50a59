package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/common/logger"
)

type fakeProvider struct {
	id     string
	errs   []error
	calls  int
	events []Event
}

func (f *fakeProvider) ID() string                 { return f.id }
func (f *fakeProvider) Capabilities() Capabilities { return Capabilities{} }

func (f *fakeProvider) Execute(ctx context.Context, input QueryInput, onEvent EventFunc) error {
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return f.errs[idx]
	}
	for _, ev := range f.events {
		if err := onEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewOrchestrator(log)
}

func fastPolicies(ids ...string) map[string]RetryPolicy {
	policies := make(map[string]RetryPolicy)
	for _, id := range ids {
		policies[id] = RetryPolicy{MaxRetries: 2, BaseBackoffMs: 1}
	}
	return policies
}

func TestExecuteQuerySuccess(t *testing.T) {
	o := newTestOrchestrator(t)
	p := &fakeProvider{id: "acp", events: []Event{{Type: EventText, Text: "hi"}}}
	o.Register(p)

	var got []Event
	res, err := o.ExecuteQuery(context.Background(), Request{
		PrimaryID: "acp",
		OnEvent:   func(ev Event) error { got = append(got, ev); return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, "acp", res.ProviderID)
	assert.Equal(t, 1, res.Attempts)
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Text)
}

func TestExecuteQueryUnknownProvider(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.ExecuteQuery(context.Background(), Request{PrimaryID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	o := newTestOrchestrator(t)
	p := &fakeProvider{id: "acp", errs: []error{
		errors.New("429 rate limit exceeded"),
		errors.New("connection reset by peer"),
		nil,
	}}
	o.Register(p)
	o.SetPolicies(fastPolicies("acp"))

	res, err := o.ExecuteQuery(context.Background(), Request{
		PrimaryID: "acp",
		OnEvent:   func(Event) error { return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, p.calls)
}

func TestPermanentFailureNoRetry(t *testing.T) {
	o := newTestOrchestrator(t)
	p := &fakeProvider{id: "acp", errs: []error{errors.New("invalid api key")}}
	o.Register(p)
	o.SetPolicies(fastPolicies("acp"))

	res, err := o.ExecuteQuery(context.Background(), Request{PrimaryID: "acp"})
	require.Error(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, p.calls)
}

func TestFallbackAfterExhaustedRetries(t *testing.T) {
	o := newTestOrchestrator(t)
	primary := &fakeProvider{id: "acp", errs: []error{
		errors.New("503 service unavailable"),
		errors.New("503 service unavailable"),
		errors.New("503 service unavailable"),
	}}
	fallback := &fakeProvider{id: "backup"}
	o.Register(primary)
	o.Register(fallback)
	o.SetPolicies(fastPolicies("acp", "backup"))

	res, err := o.ExecuteQuery(context.Background(), Request{
		PrimaryID:  "acp",
		FallbackID: "backup",
		OnEvent:    func(Event) error { return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, "backup", res.ProviderID)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 3, primary.calls)
	assert.Equal(t, 1, fallback.calls)
}

func TestConsumerAbortIsNotRetried(t *testing.T) {
	o := newTestOrchestrator(t)
	p := &fakeProvider{id: "acp", errs: []error{ErrAbortRequested}}
	fallback := &fakeProvider{id: "backup"}
	o.Register(p)
	o.Register(fallback)

	_, err := o.ExecuteQuery(context.Background(), Request{
		PrimaryID:  "acp",
		FallbackID: "backup",
	})
	assert.ErrorIs(t, err, ErrAbortRequested)
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, 0, fallback.calls)
}

func TestContextCancellationStopsRetries(t *testing.T) {
	o := newTestOrchestrator(t)
	p := &fakeProvider{id: "acp", errs: []error{
		errors.New("timeout"),
		errors.New("timeout"),
		errors.New("timeout"),
	}}
	o.Register(p)
	o.SetPolicies(map[string]RetryPolicy{"acp": {MaxRetries: 3, BaseBackoffMs: 50}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := o.ExecuteQuery(ctx, Request{PrimaryID: "acp"})
	require.Error(t, err)
	assert.Less(t, p.calls, 4)
}

func TestParsePolicies(t *testing.T) {
	policies, err := ParsePolicies(`{"acp": {"max_retries": 5, "base_backoff_ms": 200}}`)
	require.NoError(t, err)
	assert.Equal(t, 5, policies["acp"].MaxRetries)
	assert.Equal(t, 200*time.Millisecond, policies["acp"].BaseBackoff())

	policies, err = ParsePolicies("")
	require.NoError(t, err)
	assert.Empty(t, policies)

	_, err = ParsePolicies("{not json")
	assert.Error(t, err)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(errors.New("HTTP 429 Too Many Requests")))
	assert.True(t, IsTransient(errors.New("read tcp: connection reset")))
	assert.False(t, IsTransient(errors.New("invalid model id")))
	assert.False(t, IsTransient(nil))
}

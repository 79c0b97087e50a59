package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/provider"
	"github.com/threadline/threadline/internal/query"
	"github.com/threadline/threadline/internal/ratelimit"
	"github.com/threadline/threadline/internal/session"
	"github.com/threadline/threadline/internal/store"
)

// blockingProvider streams a session event, then stalls until release closes.
type blockingProvider struct {
	mu      sync.Mutex
	release chan struct{}
	calls   int
}

func (p *blockingProvider) ID() string { return "fake" }

func (p *blockingProvider) Capabilities() provider.Capabilities { return provider.Capabilities{} }

func (p *blockingProvider) Execute(ctx context.Context, _ provider.QueryInput, onEvent provider.EventFunc) error {
	p.mu.Lock()
	p.calls++
	release := p.release
	p.mu.Unlock()

	if err := onEvent(provider.Event{Type: provider.EventSession, SessionID: "prov-1"}); err != nil {
		return err
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return provider.ErrAbortRequested
		}
	}
	if err := onEvent(provider.Event{Type: provider.EventText, Text: "reply text"}); err != nil {
		return err
	}
	return onEvent(provider.Event{Type: provider.EventDone, Reason: provider.DoneCompleted})
}

func newTestService(t *testing.T, p provider.Provider, limiter *ratelimit.Limiter) *Service {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	orch := provider.NewOrchestrator(log)
	orch.Register(p)

	snaps, err := store.NewSnapshotStore(t.TempDir(), log)
	require.NoError(t, err)

	cfg := config.SessionsConfig{
		Tenant:            "telegram",
		MaxSessions:       100,
		TTLHours:          24,
		ContextWindowSize: 200000,
		DefaultWorkingDir: t.TempDir(),
		WorkdirRoot:       t.TempDir(),
	}
	mgr := session.NewManager(session.Deps{
		Runtime:   query.NewRuntime(orch, log),
		Snapshots: snaps,
		Logger:    log,
		Config:    cfg,
		Provider:  config.ProviderConfig{Primary: "fake"},
	})

	restart := store.NewRestartStore("threadline-test-"+t.Name(), t.TempDir(), log)
	return NewService(cfg, mgr, limiter, nil, restart, log)
}

func TestDeriveSessionKeyDefaultsThread(t *testing.T) {
	g := newTestService(t, &blockingProvider{}, nil)

	id, err := g.DeriveSessionKey("1001", "")
	require.NoError(t, err)
	assert.Equal(t, "telegram:1001:main", string(id.Key()))

	id, err = g.DeriveSessionKey("1001", "42")
	require.NoError(t, err)
	assert.Equal(t, "telegram:1001:42", string(id.Key()))
}

func TestHandleMessageReplies(t *testing.T) {
	g := newTestService(t, &blockingProvider{}, nil)

	res, err := g.HandleMessage(context.Background(), "1001", "", 1, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, res.Outcome)
	assert.Equal(t, "reply text", res.Text)
}

func TestHandleMessageSteersWhileProcessing(t *testing.T) {
	p := &blockingProvider{release: make(chan struct{})}
	g := newTestService(t, p, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = g.HandleMessage(context.Background(), "1001", "", 1, "first", nil)
	}()

	s, err := g.GetSession("1001", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.IsProcessing() }, time.Second, 5*time.Millisecond)

	res, err := g.HandleMessage(context.Background(), "1001", "", 2, "second", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSteered, res.Outcome)
	assert.Equal(t, 1, res.SteeringCount)
	assert.False(t, res.Evicted)

	close(p.release)
	<-done
}

func TestHandleMessageInterruptPrefix(t *testing.T) {
	p := &blockingProvider{release: make(chan struct{})}
	g := newTestService(t, p, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = g.HandleMessage(context.Background(), "1001", "", 1, "first", nil)
	}()

	s, err := g.GetSession("1001", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.IsProcessing() }, time.Second, 5*time.Millisecond)

	res, err := g.HandleMessage(context.Background(), "1001", "", 2, "!change course", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInterrupted, res.Outcome)
	assert.Equal(t, 1, s.Steering().Len(), "the remainder after '!' is buffered")

	close(p.release)
	<-done
}

func TestHandleMessageRateLimited(t *testing.T) {
	g := newTestService(t, &blockingProvider{}, ratelimit.New(1, time.Minute))

	res, err := g.HandleMessage(context.Background(), "1001", "", 1, "one", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeReplied, res.Outcome)

	res, err = g.HandleMessage(context.Background(), "1001", "", 2, "two", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRateLimited, res.Outcome)
	assert.True(t, strings.HasPrefix(res.Text, "⏳ Rate limited."), res.Text)

	// A different chat has its own bucket.
	res, err = g.HandleMessage(context.Background(), "2002", "", 3, "three", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, res.Outcome)
}

// promptRecorder records the assembled prompt of each provider call.
type promptRecorder struct {
	inner   provider.Provider
	prompts []string
}

func (r *promptRecorder) ID() string { return r.inner.ID() }

func (r *promptRecorder) Capabilities() provider.Capabilities { return r.inner.Capabilities() }

func (r *promptRecorder) Execute(ctx context.Context, input provider.QueryInput, onEvent provider.EventFunc) error {
	r.prompts = append(r.prompts, input.Prompt)
	return r.inner.Execute(ctx, input, onEvent)
}

func TestHandleMessageAnswersPendingDirectInput(t *testing.T) {
	rec := &promptRecorder{inner: &blockingProvider{}}
	g := newTestService(t, rec, nil)

	s, err := g.GetSession("1001", "")
	require.NoError(t, err)
	s.SetPendingDirectInput(session.PendingDirectInput{Prompt: "Which branch should I deploy?"})

	res, err := g.HandleMessage(context.Background(), "1001", "", 1, "release-42", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, res.Outcome)

	require.Len(t, rec.prompts, 1)
	assert.Contains(t, rec.prompts[0], "[ANSWER TO: Which branch should I deploy?]")
	assert.Contains(t, rec.prompts[0], "release-42")
	assert.Nil(t, s.TakePendingDirectInput(), "the answer consumes the prompt")
}

func TestHandleMessageResolvesTypedChoice(t *testing.T) {
	rec := &promptRecorder{inner: &blockingProvider{}}
	g := newTestService(t, rec, nil)

	s, err := g.GetSession("1001", "")
	require.NoError(t, err)
	s.SetChoiceState(session.ChoiceState{
		Prompt:    "Pick an environment",
		Options:   []string{"staging", "production"},
		ParseText: true,
	})

	res, err := g.HandleMessage(context.Background(), "1001", "", 1, "2", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, res.Outcome)

	require.Len(t, rec.prompts, 1)
	assert.Contains(t, rec.prompts[0], "[SELECTED: production]")
	assert.Nil(t, s.PendingChoice())
}

func TestKillSessionOffersRecovery(t *testing.T) {
	p := &blockingProvider{release: make(chan struct{})}
	g := newTestService(t, p, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = g.HandleMessage(context.Background(), "1001", "", 1, "first", nil)
	}()

	s, err := g.GetSession("1001", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.IsProcessing() }, time.Second, 5*time.Millisecond)

	_, err = g.HandleMessage(context.Background(), "1001", "", 2, "buffered", nil)
	require.NoError(t, err)

	count, msgs, err := g.KillSession("1001", "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.Len(t, msgs, 1)
	close(p.release)
	<-done

	rec := s.Steering().GetPendingRecovery()
	require.NotNil(t, rec)
	assert.Equal(t, "1001", rec.ChatID)

	restored, err := g.ResolveRecovery("1001", "", true)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)
	assert.Equal(t, 1, s.Steering().Len())
}

func TestResolveRecoveryDecline(t *testing.T) {
	g := newTestService(t, &blockingProvider{}, nil)

	s, err := g.GetSession("1001", "")
	require.NoError(t, err)
	_, err = s.EnqueueSteering("orphan", 1)
	require.NoError(t, err)

	count, msgs, err := g.KillSession("1001", "")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Len(t, msgs, 1)

	restored, err := g.ResolveRecovery("1001", "", false)
	require.NoError(t, err)
	assert.Equal(t, 0, restored)
	assert.Nil(t, s.Steering().GetPendingRecovery())
	assert.Equal(t, 0, s.Steering().Len())
}

func TestDrainAllSteeringPersists(t *testing.T) {
	g := newTestService(t, &blockingProvider{}, nil)

	s, err := g.GetSession("1001", "")
	require.NoError(t, err)
	_, err = s.EnqueueSteering("left behind", 1)
	require.NoError(t, err)

	total := g.DrainAllSteering()
	assert.Equal(t, 1, total)
	assert.Equal(t, 0, s.Steering().Len())

	ps, err := g.Restart().ConsumePendingSteering()
	require.NoError(t, err)
	require.NotNil(t, ps)
	assert.Equal(t, 1, ps.Count)
	assert.Contains(t, ps.Content, "left behind")
	assert.Contains(t, ps.Content, "telegram:1001:main")
}

func TestUserFacingErrorTruncates(t *testing.T) {
	assert.Empty(t, UserFacingError(nil))

	long := errors.New(strings.Repeat("x", 500))
	msg := UserFacingError(long)
	assert.LessOrEqual(t, len(msg), 310)
	assert.True(t, strings.HasSuffix(msg, "…"))
}

func TestUserFacingErrorScrubsPaths(t *testing.T) {
	err := errors.New("open /home/threadline/agent/config.yaml: permission denied")
	msg := UserFacingError(err)
	assert.NotContains(t, msg, "/home/")
	assert.Contains(t, msg, "config.yaml")
	assert.Contains(t, msg, "permission denied")

	err = errors.New("exec /usr/local/bin/claude-code-acp failed")
	assert.Equal(t, "exec claude-code-acp failed", UserFacingError(err))
}

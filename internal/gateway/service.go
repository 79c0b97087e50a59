// Package gateway is the transport-facing surface: it derives session keys
// from inbound chat routing, dispatches messages into sessions, captures
// mid-execution steering, and applies the inbound rate limit.
package gateway

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/query"
	"github.com/threadline/threadline/internal/ratelimit"
	"github.com/threadline/threadline/internal/session"
	"github.com/threadline/threadline/internal/session/identity"
	"github.com/threadline/threadline/internal/session/steering"
	"github.com/threadline/threadline/internal/store"
)

// User-visible signal texts. Transports forward these verbatim.
const (
	RateLimitedTextFmt = "⏳ Rate limited. Please wait %ds."
	QueueFullText      = "⚠️ Message Queue Full"
	StoppedText        = "Stopped."
)

// providerErrorLimit truncates provider errors shown to users.
const providerErrorLimit = 300

// Outcome describes how HandleMessage disposed of an inbound message.
type Outcome string

const (
	// OutcomeReplied means a query ran and Text holds the response.
	OutcomeReplied Outcome = "replied"
	// OutcomeSteered means the message was buffered into a running query.
	OutcomeSteered Outcome = "steered"
	// OutcomeRateLimited means the limiter rejected the message.
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomeInterrupted means a '!' prefix flagged the running query and the
	// remainder was buffered.
	OutcomeInterrupted Outcome = "interrupted"
)

// Result is the disposition of one inbound message.
type Result struct {
	Outcome Outcome
	// Text is the model response (replied) or the user-facing signal text
	// (rate_limited, and steered when the buffer evicted a message).
	Text string
	// SteeringCount is the buffer depth after a steered message.
	SteeringCount int
	// Evicted reports that buffering dropped the oldest message.
	Evicted bool
}

// Service wires the session manager, limiter, and stores behind the calls a
// chat transport makes.
type Service struct {
	cfg     config.SessionsConfig
	log     *logger.Logger
	manager *session.Manager
	limiter *ratelimit.Limiter
	forms   *store.FormStore
	restart *store.RestartStore
}

// NewService creates the transport-facing service. forms and restart may be
// nil in tests.
func NewService(cfg config.SessionsConfig, manager *session.Manager, limiter *ratelimit.Limiter, forms *store.FormStore, restart *store.RestartStore, log *logger.Logger) *Service {
	return &Service{
		cfg:     cfg,
		log:     log.WithFields(zap.String("component", "gateway")),
		manager: manager,
		limiter: limiter,
		forms:   forms,
		restart: restart,
	}
}

// Manager exposes the session manager for the admin API.
func (g *Service) Manager() *session.Manager { return g.manager }

// Forms exposes the pending-form store.
func (g *Service) Forms() *store.FormStore { return g.forms }

// Restart exposes the restart hand-off store.
func (g *Service) Restart() *store.RestartStore { return g.restart }

// DeriveSessionKey maps inbound chat routing to a session identity. An empty
// threadID lands on the main thread.
func (g *Service) DeriveSessionKey(chatID, threadID string) (identity.Identity, error) {
	return identity.ForChat(g.cfg.Tenant, chatID, threadID)
}

// GetSession returns (creating if needed) the session for a chat route.
func (g *Service) GetSession(chatID, threadID string) (*session.Session, error) {
	id, err := g.DeriveSessionKey(chatID, threadID)
	if err != nil {
		return nil, err
	}
	return g.manager.GetSession(id)
}

// KillSession resets a chat route's session. Extracted steering messages are
// offered back for recovery for a short window.
func (g *Service) KillSession(chatID, threadID string) (int, []steering.Message, error) {
	id, err := g.DeriveSessionKey(chatID, threadID)
	if err != nil {
		return 0, nil, err
	}

	count, msgs, err := g.manager.KillSession(id)
	if err != nil {
		return 0, nil, err
	}

	if count > 0 {
		if s, ok := g.manager.Peek(id); ok {
			s.Steering().SetPendingRecovery(steering.PendingRecovery{
				Messages:   msgs,
				PromptedAt: time.Now(),
				State:      steering.RecoveryAwaiting,
				ChatID:     chatID,
			})
		}
	}
	return count, msgs, nil
}

// ResolveRecovery answers a pending post-kill recovery offer. accept re-queues
// the extracted messages; decline drops them. Returns the number restored.
func (g *Service) ResolveRecovery(chatID, threadID string, accept bool) (int, error) {
	id, err := g.DeriveSessionKey(chatID, threadID)
	if err != nil {
		return 0, err
	}
	s, ok := g.manager.Peek(id)
	if !ok {
		return 0, nil
	}

	buf := s.Steering()
	if !accept {
		buf.ClearPendingRecovery()
		return 0, nil
	}

	msgs := buf.ResolvePendingRecovery()
	for _, m := range msgs {
		buf.Enqueue(m)
	}
	return len(msgs), nil
}

// Stop requests termination of a chat route's running query.
func (g *Service) Stop(chatID, threadID string) (session.StopResult, error) {
	id, err := g.DeriveSessionKey(chatID, threadID)
	if err != nil {
		return session.StopNotRunning, err
	}
	s, ok := g.manager.Peek(id)
	if !ok {
		return session.StopNotRunning, nil
	}
	return s.Stop(), nil
}

// HandleMessage routes one inbound chat message:
//
//   - a leading '!' interrupts the running query and buffers the remainder
//     as steering for the next one;
//   - a message arriving while the session is processing becomes steering;
//   - an open direct-input or choice prompt claims the message as its answer;
//   - otherwise it starts a query, subject to the per-chat rate limit.
func (g *Service) HandleMessage(ctx context.Context, chatID, threadID string, messageID int64, text string, status query.StatusFunc) (Result, error) {
	s, err := g.GetSession(chatID, threadID)
	if err != nil {
		return Result{}, err
	}

	interrupt := false
	if strings.HasPrefix(text, "!") {
		interrupt = true
		text = strings.TrimSpace(strings.TrimPrefix(text, "!"))
	}

	if s.IsProcessing() {
		if interrupt {
			s.Interrupt()
		}
		if strings.TrimSpace(text) == "" {
			// A bare "!" carries no steering content.
			return Result{Outcome: OutcomeInterrupted}, nil
		}
		evicted, err := s.EnqueueSteering(text, messageID)
		if err != nil {
			return Result{}, err
		}
		res := Result{
			Outcome:       OutcomeSteered,
			SteeringCount: s.Steering().Len(),
			Evicted:       evicted,
		}
		if interrupt {
			res.Outcome = OutcomeInterrupted
		}
		if evicted {
			res.Text = QueueFullText
		}
		return res, nil
	}

	// An open prompt on the session claims the message before it becomes a
	// fresh query.
	if pi := s.TakePendingDirectInput(); pi != nil {
		text = fmt.Sprintf("[ANSWER TO: %s]\n%s", pi.Prompt, text)
	} else if opt, ok := s.ResolveChoiceText(text); ok {
		text = fmt.Sprintf("[SELECTED: %s]", opt)
	}

	if g.limiter != nil {
		ok, retryAfter := g.limiter.Allow(chatID)
		if !ok {
			secs := int(retryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			return Result{
				Outcome: OutcomeRateLimited,
				Text:    fmt.Sprintf(RateLimitedTextFmt, secs),
			}, nil
		}
	}

	reply, err := s.SendMessageStreaming(ctx, text, session.ContextGeneral, status)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeReplied, Text: reply}, nil
}

// DrainAllSteering pulls every buffered steering message out of every session
// and persists them through the restart store. Called on graceful shutdown.
func (g *Service) DrainAllSteering() int {
	total := 0
	var parts []string
	for _, st := range g.manager.ListStats() {
		id, err := identity.ParseKey(identity.Key(st.Key))
		if err != nil {
			continue
		}
		s, ok := g.manager.Peek(id)
		if !ok {
			continue
		}
		content := s.Steering().Consume()
		if content == "" {
			continue
		}
		total += st.SteeringBuffered
		parts = append(parts, fmt.Sprintf("[%s]\n%s", st.Key, content))
	}

	if total == 0 || g.restart == nil {
		return total
	}
	if err := g.restart.SavePendingSteering(total, strings.Join(parts, "\n\n")); err != nil {
		g.log.Error("Failed to persist pending steering", zap.Error(err))
	}
	return total
}

// absPathPattern matches multi-segment absolute paths in provider output.
var absPathPattern = regexp.MustCompile(`(?:/[\w.@~+-]+){2,}/?`)

// UserFacingError formats a provider failure for the chat surface: bounded
// length, no internal paths.
func UserFacingError(err error) string {
	if err == nil {
		return ""
	}
	msg := absPathPattern.ReplaceAllStringFunc(err.Error(), func(p string) string {
		return filepath.Base(p)
	})
	if len(msg) > providerErrorLimit {
		msg = msg[:providerErrorLimit] + "…"
	}
	return msg
}

package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
)

// MemoryEventBus is the in-process EventBus used when no NATS URL is
// configured. Dispatch is synchronous: a handler runs before Publish
// returns, so subscribers observe events in publish order. The status
// stream to chat transports depends on that ordering.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySub
	groups map[string]*rrGroup
	closed bool
	log    *logger.Logger
}

type memorySub struct {
	bus     *MemoryEventBus
	pattern string
	re      *regexp.Regexp // nil when pattern has no wildcards
	handler EventHandler
	queue   string
	active  atomic.Bool
}

// rrGroup round-robins events across the members of one queue group.
type rrGroup struct {
	mu      sync.Mutex
	members []*memorySub
	next    int
}

// NewMemoryEventBus creates an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		groups: make(map[string]*rrGroup),
		log:    log,
	}
}

// Publish delivers the event to every matching subscriber, and to one member
// of each matching queue group.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}

	var direct []*memorySub
	seenGroups := make(map[string]bool)
	var groups []*rrGroup
	for _, sub := range b.subs {
		if !sub.active.Load() || !sub.matches(subject) {
			continue
		}
		if sub.queue == "" {
			direct = append(direct, sub)
			continue
		}
		key := sub.queue + ":" + sub.pattern
		if !seenGroups[key] {
			seenGroups[key] = true
			if g, ok := b.groups[key]; ok {
				groups = append(groups, g)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range direct {
		if err := sub.handler(ctx, event); err != nil {
			b.log.Error("Event handler failed",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
	for _, g := range groups {
		g.deliver(ctx, subject, event, b.log)
	}
	return nil
}

// Subscribe registers a handler for a subject pattern. NATS-style wildcards
// are supported: '*' matches one token, '>' matches the rest.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.add(subject, "", handler)
}

// QueueSubscribe registers a handler in a queue group; each event goes to
// exactly one member.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	return b.add(subject, queue, handler)
}

func (b *MemoryEventBus) add(subject, queue string, handler EventHandler) (Subscription, error) {
	re, err := compilePattern(subject)
	if err != nil {
		return nil, fmt.Errorf("invalid subject pattern %q: %w", subject, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySub{bus: b, pattern: subject, re: re, handler: handler, queue: queue}
	sub.active.Store(true)
	b.subs = append(b.subs, sub)

	if queue != "" {
		key := queue + ":" + subject
		g, ok := b.groups[key]
		if !ok {
			g = &rrGroup{}
			b.groups[key] = g
		}
		g.mu.Lock()
		g.members = append(g.members, sub)
		g.mu.Unlock()
	}
	return sub, nil
}

// Request publishes the event with a private reply subject injected into its
// data and waits for one response.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	replySubject := "_INBOX." + event.ID
	responses := make(chan *Event, 1)

	sub, err := b.Subscribe(replySubject, func(_ context.Context, e *Event) error {
		select {
		case responses <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	switch data := event.Data.(type) {
	case map[string]interface{}:
		if data == nil {
			data = make(map[string]interface{})
		}
		data["_reply"] = replySubject
		event.Data = data
	case nil:
		event.Data = map[string]interface{}{"_reply": replySubject}
	default:
		event.Data = map[string]interface{}{"data": data, "_reply": replySubject}
	}

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-responses:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request to %s timed out after %v", subject, timeout)
	}
}

// Close deactivates all subscriptions and rejects further operations.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.active.Store(false)
	}
	b.subs = nil
	b.groups = make(map[string]*rrGroup)
}

// IsConnected reports whether the bus accepts operations.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySub) matches(subject string) bool {
	if s.re == nil {
		return subject == s.pattern
	}
	return s.re.MatchString(subject)
}

// Unsubscribe deactivates the subscription and removes it from the bus.
func (s *memorySub) Unsubscribe() error {
	s.active.Store(false)

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	if s.queue != "" {
		if g, ok := s.bus.groups[s.queue+":"+s.pattern]; ok {
			g.mu.Lock()
			for i, m := range g.members {
				if m == s {
					g.members = append(g.members[:i], g.members[i+1:]...)
					break
				}
			}
			g.mu.Unlock()
		}
	}
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySub) IsValid() bool {
	return s.active.Load()
}

func (g *rrGroup) deliver(ctx context.Context, subject string, event *Event, log *logger.Logger) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.members)
	for i := 0; i < n; i++ {
		idx := (g.next + i) % n
		member := g.members[idx]
		if !member.active.Load() {
			continue
		}
		g.next = (idx + 1) % n
		if err := member.handler(ctx, event); err != nil {
			log.Error("Queue handler failed",
				zap.String("subject", subject),
				zap.String("queue", member.queue),
				zap.Error(err))
		}
		return
	}
}

// compilePattern turns a NATS-style pattern into a regexp, or nil when the
// pattern is a literal subject. QuoteMeta escapes '*' but leaves '>' alone.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if !strings.ContainsAny(pattern, "*>") {
		return nil, nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	return regexp.Compile("^" + escaped + "$")
}

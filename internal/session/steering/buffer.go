// Package steering buffers user messages that arrive while a query is in
// flight, so they can be injected into the running provider turn or carried
// into the next one.
package steering

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Common errors
var (
	ErrEmptyContent     = errors.New("steering content must not be empty")
	ErrInvalidMessageID = errors.New("steering message ID must be positive")
)

// DefaultCapacity is the active FIFO bound.
const DefaultCapacity = 100

// PendingRecoveryTTL is how long a pending recovery stays retrievable.
const PendingRecoveryTTL = 60 * time.Second

// Message is a single buffered user message. Immutable once created.
type Message struct {
	Content    string
	MessageID  int64
	Timestamp  time.Time
	DuringTool string // tool name running when the message arrived, if any
}

// NewMessage validates and constructs a Message. Content is trimmed.
func NewMessage(content string, messageID int64, duringTool string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	if messageID <= 0 {
		return Message{}, ErrInvalidMessageID
	}
	return Message{
		Content:    content,
		MessageID:  messageID,
		Timestamp:  time.Now(),
		DuringTool: duringTool,
	}, nil
}

// RecoveryState tracks whether a pending recovery has been acted on.
type RecoveryState string

const (
	RecoveryAwaiting RecoveryState = "awaiting"
	RecoveryResolved RecoveryState = "resolved"
)

// PendingRecovery holds steering messages extracted on kill, offered back to
// the user for a short window.
type PendingRecovery struct {
	Messages   []Message
	PromptedAt time.Time
	State      RecoveryState
	ChatID     string
	MessageID  int64 // prompt message the recovery is bound to, 0 if none
}

// Buffer is the bounded steering FIFO plus the injected-shadow list. All
// operations are synchronous and non-blocking.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	active   []Message
	injected []Message
	recovery *PendingRecovery
}

// NewBuffer creates a Buffer with the given capacity (DefaultCapacity if <= 0).
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity}
}

// Enqueue appends a message to the active FIFO. When full, the head is
// dropped and evicted=true is returned so the caller can surface a
// queue-full signal. Never blocks.
func (b *Buffer) Enqueue(msg Message) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.active) >= b.capacity {
		b.active = b.active[1:]
		evicted = true
	}
	b.active = append(b.active, msg)
	return evicted
}

// Len returns the active FIFO length.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// Consume formats and drains all active entries. Returns "" when empty.
func (b *Buffer) Consume() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := formatMessages(b.active)
	b.active = nil
	return out
}

// Peek returns the same formatting as Consume without draining.
func (b *Buffer) Peek() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return formatMessages(b.active)
}

// TrackForInjection moves the active FIFO into the shadow list and returns
// how many messages moved. Call after the messages were delivered to the
// provider through the post-tool hook.
func (b *Buffer) TrackForInjection() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.active)
	b.injected = append(b.injected, b.active...)
	b.active = nil
	return n
}

// RestoreInjected prepends the shadow list back onto the active FIFO and
// clears the shadow list. Called at the start of a new query so messages the
// previous query never actually honored stay visible.
func (b *Buffer) RestoreInjected() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.injected)
	if n == 0 {
		return 0
	}
	restored := make([]Message, 0, n+len(b.active))
	restored = append(restored, b.injected...)
	restored = append(restored, b.active...)
	if len(restored) > b.capacity {
		restored = restored[len(restored)-b.capacity:]
	}
	b.active = restored
	b.injected = nil
	return n
}

// ClearInjectedTracking discards the shadow list. Only call once the next
// query has re-anchored the messages.
func (b *Buffer) ClearInjectedTracking() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.injected = nil
}

// InjectedCount returns the shadow list length.
func (b *Buffer) InjectedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.injected)
}

// Extract drains and returns all active messages. Used on kill.
func (b *Buffer) Extract() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.active
	b.active = nil
	return out
}

// SetPendingRecovery stores a recovery offer for the extracted messages.
func (b *Buffer) SetPendingRecovery(rec PendingRecovery) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec.PromptedAt.IsZero() {
		rec.PromptedAt = time.Now()
	}
	if rec.State == "" {
		rec.State = RecoveryAwaiting
	}
	b.recovery = &rec
}

// GetPendingRecovery returns the pending recovery, or nil if none exists or
// it has expired.
func (b *Buffer) GetPendingRecovery() *PendingRecovery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recoveryLocked()
}

// ResolvePendingRecovery marks the recovery resolved and returns its
// messages, or nil if none is pending.
func (b *Buffer) ResolvePendingRecovery() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.recoveryLocked()
	if rec == nil || rec.State != RecoveryAwaiting {
		return nil
	}
	rec.State = RecoveryResolved
	return rec.Messages
}

// ClearPendingRecovery drops any pending recovery.
func (b *Buffer) ClearPendingRecovery() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recovery = nil
}

func (b *Buffer) recoveryLocked() *PendingRecovery {
	if b.recovery == nil {
		return nil
	}
	if time.Since(b.recovery.PromptedAt) > PendingRecoveryTTL {
		b.recovery = nil
		return nil
	}
	return b.recovery
}

// formatMessages renders entries as "[HH:MM:SS (during TOOL)] content"
// joined by "\n---\n".
func formatMessages(msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		stamp := m.Timestamp.Format("15:04:05")
		if m.DuringTool != "" {
			parts = append(parts, fmt.Sprintf("[%s (during %s)] %s", stamp, m.DuringTool, m.Content))
		} else {
			parts = append(parts, fmt.Sprintf("[%s] %s", stamp, m.Content))
		}
	}
	return strings.Join(parts, "\n---\n")
}

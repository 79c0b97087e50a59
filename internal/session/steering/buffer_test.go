package steering

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageValidation(t *testing.T) {
	_, err := NewMessage("  ", 1, "")
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = NewMessage("hello", 0, "")
	assert.ErrorIs(t, err, ErrInvalidMessageID)

	msg, err := NewMessage("  hello  ", 5, "Bash")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, int64(5), msg.MessageID)
	assert.Equal(t, "Bash", msg.DuringTool)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestEnqueueHeadDrop(t *testing.T) {
	b := NewBuffer(3)

	for i := 1; i <= 3; i++ {
		msg, err := NewMessage(fmt.Sprintf("m%d", i), int64(i), "")
		require.NoError(t, err)
		assert.False(t, b.Enqueue(msg))
	}
	assert.Equal(t, 3, b.Len())

	msg, err := NewMessage("m4", 4, "")
	require.NoError(t, err)
	assert.True(t, b.Enqueue(msg), "expected head drop at capacity")
	assert.Equal(t, 3, b.Len())

	msgs := b.Extract()
	require.Len(t, msgs, 3)
	assert.Equal(t, "m2", msgs[0].Content)
	assert.Equal(t, "m4", msgs[2].Content)
}

func TestConsumeFormatting(t *testing.T) {
	b := NewBuffer(0)

	ts := time.Date(2026, 8, 26, 15, 4, 5, 0, time.UTC)
	b.Enqueue(Message{Content: "first", MessageID: 1, Timestamp: ts})
	b.Enqueue(Message{Content: "second", MessageID: 2, Timestamp: ts.Add(time.Second), DuringTool: "Bash"})

	got := b.Consume()
	assert.Equal(t, "[15:04:05] first\n---\n[15:04:06 (during Bash)] second", got)

	assert.Equal(t, 0, b.Len())
	assert.Equal(t, "", b.Consume())
}

func TestPeekDoesNotDrain(t *testing.T) {
	b := NewBuffer(0)
	msg, err := NewMessage("keep", 1, "")
	require.NoError(t, err)
	b.Enqueue(msg)

	assert.NotEmpty(t, b.Peek())
	assert.Equal(t, 1, b.Len())
}

func TestInjectionTrackingAndRestore(t *testing.T) {
	b := NewBuffer(0)
	m1, _ := NewMessage("one", 1, "")
	m2, _ := NewMessage("two", 2, "")
	b.Enqueue(m1)
	b.Enqueue(m2)

	moved := b.TrackForInjection()
	assert.Equal(t, 2, moved)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 2, b.InjectedCount())

	// A new message arrives after injection; restore must keep order with
	// the injected ones first.
	m3, _ := NewMessage("three", 3, "")
	b.Enqueue(m3)

	restored := b.RestoreInjected()
	assert.Equal(t, 2, restored)
	assert.Equal(t, 0, b.InjectedCount())

	msgs := b.Extract()
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two", msgs[1].Content)
	assert.Equal(t, "three", msgs[2].Content)
}

func TestClearInjectedTracking(t *testing.T) {
	b := NewBuffer(0)
	m1, _ := NewMessage("one", 1, "")
	b.Enqueue(m1)
	b.TrackForInjection()

	b.ClearInjectedTracking()
	assert.Equal(t, 0, b.InjectedCount())
	assert.Equal(t, 0, b.RestoreInjected())
}

func TestPendingRecoveryLifecycle(t *testing.T) {
	b := NewBuffer(0)
	m1, _ := NewMessage("lost", 1, "")

	b.SetPendingRecovery(PendingRecovery{Messages: []Message{m1}, ChatID: "777"})

	rec := b.GetPendingRecovery()
	require.NotNil(t, rec)
	assert.Equal(t, RecoveryAwaiting, rec.State)
	assert.Equal(t, "777", rec.ChatID)

	msgs := b.ResolvePendingRecovery()
	require.Len(t, msgs, 1)
	assert.Equal(t, "lost", msgs[0].Content)

	// Second resolve is a no-op.
	assert.Nil(t, b.ResolvePendingRecovery())
}

func TestPendingRecoveryExpires(t *testing.T) {
	b := NewBuffer(0)
	m1, _ := NewMessage("stale", 1, "")

	b.SetPendingRecovery(PendingRecovery{
		Messages:   []Message{m1},
		PromptedAt: time.Now().Add(-PendingRecoveryTTL - time.Second),
	})

	assert.Nil(t, b.GetPendingRecovery())
	assert.Nil(t, b.ResolvePendingRecovery())
}

func TestClearPendingRecovery(t *testing.T) {
	b := NewBuffer(0)
	b.SetPendingRecovery(PendingRecovery{})
	b.ClearPendingRecovery()
	assert.Nil(t, b.GetPendingRecovery())
}

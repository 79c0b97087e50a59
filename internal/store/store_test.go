package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/session/identity"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestSnapshotRoundTrip(t *testing.T) {
	s, err := NewSnapshotStore(t.TempDir(), testLogger(t))
	require.NoError(t, err)

	id, err := identity.New("telegram", "12345", "main")
	require.NoError(t, err)

	snap := Snapshot{
		SessionID:          "prov-1",
		WorkingDir:         "/work/project",
		ContextWindowUsage: 5000,
		ContextWindowSize:  200000,
		TotalInputTokens:   100,
		TotalOutputTokens:  50,
		TotalQueries:       3,
	}
	require.NoError(t, s.Save(id, snap))

	loaded, err := s.Load(id)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "prov-1", loaded.SessionID)
	assert.Equal(t, "/work/project", loaded.WorkingDir)
	assert.Equal(t, int64(5000), loaded.ContextWindowUsage)
	assert.Equal(t, int64(3), loaded.TotalQueries)
	assert.False(t, loaded.SavedAt.IsZero())
}

func TestSnapshotLoadMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSnapshotStore(dir, testLogger(t))
	require.NoError(t, err)

	id, err := identity.New("telegram", "1", "main")
	require.NoError(t, err)

	snap, err := s.Load(id)
	require.NoError(t, err)
	assert.Nil(t, snap)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "telegram_1_main.json"), []byte("{broken"), 0o644))
	snap, err = s.Load(id)
	require.NoError(t, err, "corrupt snapshots are dropped, not fatal")
	assert.Nil(t, snap)
}

func TestSnapshotDeleteAndLoadAll(t *testing.T) {
	s, err := NewSnapshotStore(t.TempDir(), testLogger(t))
	require.NoError(t, err)

	a, _ := identity.New("telegram", "1", "main")
	b, _ := identity.New("cron", "scheduler", "backup")
	require.NoError(t, s.Save(a, Snapshot{SessionID: "s-a"}))
	require.NoError(t, s.Save(b, Snapshot{SessionID: "s-b"}))

	all, err := s.LoadAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "s-a", all[a.Key()].SessionID)

	require.NoError(t, s.Delete(a))
	require.NoError(t, s.Delete(a), "delete is idempotent")

	all, err = s.LoadAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFormStoreLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending-forms.json")
	s := NewFormStore(path, testLogger(t))
	require.NoError(t, s.Load())

	form := PendingForm{
		ID:         "f1",
		FormID:     "deploy-choice",
		SessionKey: "telegram:1:main",
		ChatID:     "1",
		Questions:  []string{"Deploy now?"},
	}
	require.NoError(t, s.Add(form))
	require.NoError(t, s.Select("f1", "Deploy now?", "yes"))

	got, ok := s.Get("f1")
	require.True(t, ok)
	assert.Equal(t, "yes", got.Selections["Deploy now?"])

	// A fresh store sees the persisted state.
	s2 := NewFormStore(path, testLogger(t))
	require.NoError(t, s2.Load())
	got, ok = s2.Get("f1")
	require.True(t, ok)
	assert.Equal(t, "deploy-choice", got.FormID)
	assert.Len(t, s2.BySession("telegram:1:main"), 1)

	require.NoError(t, s2.Remove("f1"))
	_, ok = s2.Get("f1")
	assert.False(t, ok)
}

func TestFormStoreExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending-forms.json")
	s := NewFormStore(path, testLogger(t))

	require.NoError(t, s.Add(PendingForm{
		ID:        "old",
		CreatedAt: time.Now().Add(-FormTTL - time.Hour),
	}))

	_, ok := s.Get("old")
	assert.False(t, ok, "expired forms are invisible")

	s2 := NewFormStore(path, testLogger(t))
	require.NoError(t, s2.Load())
	_, ok = s2.Get("old")
	assert.False(t, ok, "expired forms are pruned on load")
}

func TestRestartSteeringCarryOver(t *testing.T) {
	s := NewRestartStore("threadline-test-steering", t.TempDir(), testLogger(t))
	t.Cleanup(func() { _, _ = s.ConsumePendingSteering() })

	got, err := s.ConsumePendingSteering()
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.SavePendingSteering(2, "[12:00:00] a\n---\n[12:00:01] b"))

	got, err = s.ConsumePendingSteering()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Count)
	assert.Contains(t, got.Content, "---")

	got, err = s.ConsumePendingSteering()
	require.NoError(t, err)
	assert.Nil(t, got, "consume deletes the file")
}

func TestRestartNoticeCarryOver(t *testing.T) {
	s := NewRestartStore("threadline-test-notice", t.TempDir(), testLogger(t))
	t.Cleanup(func() { _, _ = s.ConsumeRestartNotice() })

	require.NoError(t, s.SaveRestartNotice("777", 42))

	got, err := s.ConsumeRestartNotice()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "777", got.ChatID)
	assert.Equal(t, int64(42), got.MessageID)
}

func TestRestartContextLatest(t *testing.T) {
	workdir := t.TempDir()
	s := NewRestartStore("threadline-test-ctx", workdir, testLogger(t))

	content, err := s.LatestRestartContext()
	require.NoError(t, err)
	assert.Empty(t, content)

	_, err = s.WriteRestartContext("first shutdown")
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond) // filename granularity is one second
	path, err := s.WriteRestartContext("second shutdown")
	require.NoError(t, err)
	assert.FileExists(t, path)

	content, err = s.LatestRestartContext()
	require.NoError(t, err)
	assert.Equal(t, "second shutdown", content)
}

func TestConsumeLastSaveID(t *testing.T) {
	workdir := t.TempDir()
	s := NewRestartStore("threadline-test-save", workdir, testLogger(t))

	id, err := s.ConsumeLastSaveID()
	require.NoError(t, err)
	assert.Empty(t, id)

	path := filepath.Join(workdir, ".last-save-id")
	require.NoError(t, os.WriteFile(path, []byte("20260826_153000\n"), 0o644))
	id, err = s.ConsumeLastSaveID()
	require.NoError(t, err)
	assert.Equal(t, "20260826_153000", id)
	assert.NoFileExists(t, path)

	require.NoError(t, os.WriteFile(path, []byte("not-a-save-id"), 0o644))
	id, err = s.ConsumeLastSaveID()
	require.NoError(t, err)
	assert.Empty(t, id, "malformed ids are discarded")
	assert.NoFileExists(t, path)
}

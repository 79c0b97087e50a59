package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/session/identity"
	"github.com/threadline/threadline/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	deps := newTestDeps(t, &fakeProvider{})
	deps.Config.WorkdirRoot = t.TempDir()
	return NewManager(deps)
}

func TestGetSessionLazyCreate(t *testing.T) {
	m := newTestManager(t)
	id, err := identity.New("telegram", "1", "main")
	require.NoError(t, err)

	s1, err := m.GetSession(id)
	require.NoError(t, err)
	s2, err := m.GetSession(id)
	require.NoError(t, err)
	assert.Same(t, s1, s2, "same key returns the same session")

	other, _ := identity.New("telegram", "2", "main")
	s3, err := m.GetSession(other)
	require.NoError(t, err)
	assert.NotSame(t, s1, s3)
}

func TestGetSessionRestoresSnapshot(t *testing.T) {
	m := newTestManager(t)
	id, err := identity.New("telegram", "1", "main")
	require.NoError(t, err)

	require.NoError(t, m.deps.Snapshots.Save(id, store.Snapshot{
		SessionID:    "prov-restored",
		WorkingDir:   m.deps.Config.DefaultWorkingDir,
		TotalQueries: 9,
	}))

	s, err := m.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, "prov-restored", s.ProviderSessionID())
	assert.Equal(t, int64(9), s.Stats().TotalQueries)
}

func TestGetSessionRefusesForeignWorkdirSnapshot(t *testing.T) {
	m := newTestManager(t)
	id, err := identity.New("telegram", "1", "main")
	require.NoError(t, err)

	require.NoError(t, m.deps.Snapshots.Save(id, store.Snapshot{
		SessionID:  "prov-foreign",
		WorkingDir: "/somewhere/else",
	}))

	s, err := m.GetSession(id)
	require.NoError(t, err)
	assert.Empty(t, s.ProviderSessionID(), "foreign-workdir snapshot is not adopted")
}

func TestWorkdirAliasCreateAndRepair(t *testing.T) {
	m := newTestManager(t)
	id, err := identity.New("telegram", "1", "main")
	require.NoError(t, err)

	_, err = m.GetSession(id)
	require.NoError(t, err)

	workdir := m.deps.Config.DefaultWorkingDir
	alias := filepath.Join(m.deps.Config.WorkdirRoot, filepath.Base(workdir), id.AliasName())
	target, err := os.Readlink(alias)
	require.NoError(t, err)
	assert.Equal(t, workdir, target)

	// Redirect the alias, then verify a fresh manager repairs it.
	require.NoError(t, os.Remove(alias))
	require.NoError(t, os.Symlink(t.TempDir(), alias))

	m2 := NewManager(m.deps)
	_, err = m2.GetSession(id)
	require.NoError(t, err)
	target, err = os.Readlink(alias)
	require.NoError(t, err)
	assert.Equal(t, workdir, target, "redirected alias is re-linked")
}

func TestKillSessionDeletesSnapshot(t *testing.T) {
	m := newTestManager(t)
	id, err := identity.New("telegram", "1", "main")
	require.NoError(t, err)

	s, err := m.GetSession(id)
	require.NoError(t, err)
	s.mu.Lock()
	s.providerSessionID = "prov-1"
	s.mu.Unlock()
	require.NoError(t, s.SaveSnapshot())

	_, err = s.EnqueueSteering("pending msg", 1)
	require.NoError(t, err)

	count, msgs, err := m.KillSession(id)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Len(t, msgs, 1)

	snap, err := m.deps.Snapshots.Load(id)
	require.NoError(t, err)
	assert.Nil(t, snap, "snapshot is gone after kill")
}

func TestGlobalStatsAggregates(t *testing.T) {
	m := newTestManager(t)

	for _, chat := range []string{"1", "2", "3"} {
		id, err := identity.New("telegram", chat, "main")
		require.NoError(t, err)
		s, err := m.GetSession(id)
		require.NoError(t, err)
		s.mu.Lock()
		s.totalQueries = 2
		s.totalInputTokens = 100
		s.mu.Unlock()
	}

	stats := m.GetGlobalStats()
	assert.Equal(t, 3, stats.Sessions)
	assert.Equal(t, int64(6), stats.TotalQueries)
	assert.Equal(t, int64(300), stats.TotalInputTokens)

	list := m.ListStats()
	require.Len(t, list, 3)
	assert.Equal(t, "telegram:1:main", list[0].Key)
}

func TestCleanupTTL(t *testing.T) {
	m := newTestManager(t)
	id, err := identity.New("telegram", "1", "main")
	require.NoError(t, err)

	s, err := m.GetSession(id)
	require.NoError(t, err)
	s.mu.Lock()
	s.lastActivity = time.Now().Add(-25 * time.Hour)
	s.mu.Unlock()

	m.Cleanup()
	_, ok := m.Peek(id)
	assert.False(t, ok, "session past the TTL is evicted")
}

func TestCleanupLRU(t *testing.T) {
	m := newTestManager(t)
	m.deps.Config.MaxSessions = 2

	var oldest identity.Identity
	for i, chat := range []string{"1", "2", "3"} {
		id, err := identity.New("telegram", chat, "main")
		require.NoError(t, err)
		s, err := m.GetSession(id)
		require.NoError(t, err)
		s.mu.Lock()
		s.lastActivity = time.Now().Add(time.Duration(i-10) * time.Minute)
		s.mu.Unlock()
		if i == 0 {
			oldest = id
		}
	}

	m.Cleanup()
	assert.Equal(t, 2, m.GetGlobalStats().Sessions)
	_, ok := m.Peek(oldest)
	assert.False(t, ok, "least recently used session is evicted first")
}

func TestAnyProcessingFilter(t *testing.T) {
	m := newTestManager(t)

	user, _ := identity.New("telegram", "1", "main")
	cron := identity.SchedulerRoute("backup")

	_, err := m.GetSession(user)
	require.NoError(t, err)
	cs, err := m.GetSession(cron)
	require.NoError(t, err)

	assert.False(t, m.AnyProcessing(nil))

	cs.mu.Lock()
	cs.st.Query = "running"
	cs.mu.Unlock()

	assert.True(t, m.AnyProcessing(nil))
	assert.True(t, m.AnyProcessing(func(id identity.Identity) bool { return id.IsScheduler() }))
	assert.False(t, m.AnyProcessing(func(id identity.Identity) bool { return !id.IsScheduler() }),
		"user sessions are not blocked by cron sessions")
}

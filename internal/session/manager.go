package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/events"
	"github.com/threadline/threadline/internal/events/bus"
	"github.com/threadline/threadline/internal/session/identity"
	"github.com/threadline/threadline/internal/session/steering"
)

// cleanupInterval paces the background TTL/LRU pass.
const cleanupInterval = 5 * time.Minute

// Manager routes inbound requests to sessions, lazily creating and loading
// them, and evicts by TTL and LRU.
type Manager struct {
	deps Deps
	log  *logger.Logger

	mu       sync.RWMutex
	sessions map[identity.Key]*Session

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:     deps,
		log:      deps.Logger.WithFields(zap.String("component", "session-manager")),
		sessions: make(map[identity.Key]*Session),
	}
}

// Start launches the background cleanup loop.
func (m *Manager) Start(ctx context.Context) error {
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.cleanupLoop()
	m.log.Info("Session manager started",
		zap.Int("max_sessions", m.deps.Config.MaxSessions),
		zap.Int("ttl_hours", m.deps.Config.TTLHours))
	return nil
}

// Stop halts the cleanup loop.
func (m *Manager) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
	}
	m.wg.Wait()
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

// GetSession returns the session for id, lazily creating it. On first
// access the on-disk snapshot is loaded and the workdir alias ensured.
func (m *Manager) GetSession(id identity.Identity) (*Session, error) {
	m.mu.RLock()
	if s, ok := m.sessions[id.Key()]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id.Key()]; ok {
		return s, nil
	}

	s := NewSession(id, m.workingDirFor(id), m.deps)
	if snap, err := m.deps.Snapshots.Load(id); err != nil {
		m.log.Warn("Failed to load session snapshot",
			zap.String("session_key", string(id.Key())), zap.Error(err))
	} else if snap != nil {
		if err := s.RestoreFromData(*snap); err != nil {
			m.log.Warn("Refusing stale session snapshot",
				zap.String("session_key", string(id.Key())), zap.Error(err))
		} else {
			m.log.Info("Restored session from snapshot",
				zap.String("session_key", string(id.Key())),
				zap.String("provider_session_id", snap.SessionID))
		}
	}

	if err := m.ensureWorkdirAlias(id, s.WorkingDir()); err != nil {
		m.log.Warn("Failed to maintain workdir alias",
			zap.String("session_key", string(id.Key())), zap.Error(err))
	}

	m.sessions[id.Key()] = s
	return s, nil
}

// Peek returns an existing session without creating one.
func (m *Manager) Peek(id identity.Identity) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id.Key()]
	return s, ok
}

func (m *Manager) workingDirFor(id identity.Identity) string {
	return m.deps.Config.DefaultWorkingDir
}

// ensureWorkdirAlias maintains `<workdirRoot>/<base(workdir)>/<alias>` as a
// symlink to the canonical working directory, repairing a broken or
// redirected link. Keying the alias root on the workdir base name keeps two
// gateway instances on one host from colliding.
func (m *Manager) ensureWorkdirAlias(id identity.Identity, workdir string) error {
	if m.deps.Config.WorkdirRoot == "" || workdir == "" {
		return nil
	}
	aliasDir := filepath.Join(m.deps.Config.WorkdirRoot, filepath.Base(workdir))
	if err := os.MkdirAll(aliasDir, 0o755); err != nil {
		return fmt.Errorf("failed to create alias root: %w", err)
	}
	alias := filepath.Join(aliasDir, id.AliasName())

	if target, err := os.Readlink(alias); err == nil {
		if target == workdir {
			if _, err := os.Stat(alias); err == nil {
				return nil
			}
		}
		// Wrong target or broken link; re-link.
		if err := os.Remove(alias); err != nil {
			return fmt.Errorf("failed to remove stale alias: %w", err)
		}
	} else if !os.IsNotExist(err) {
		// Exists but is not a symlink.
		if _, statErr := os.Lstat(alias); statErr == nil {
			if err := os.Remove(alias); err != nil {
				return fmt.Errorf("failed to remove non-symlink alias: %w", err)
			}
		}
	}

	if err := os.Symlink(workdir, alias); err != nil {
		return fmt.Errorf("failed to create alias: %w", err)
	}
	return nil
}

// KillSession kills the session, deletes its snapshot, and returns the
// extracted steering messages for the recovery prompt.
func (m *Manager) KillSession(id identity.Identity) (int, []steering.Message, error) {
	m.mu.Lock()
	s, ok := m.sessions[id.Key()]
	m.mu.Unlock()
	if !ok {
		// Nothing in memory; still drop any snapshot on disk.
		return 0, nil, m.deps.Snapshots.Delete(id)
	}

	count, msgs := s.Kill()
	if err := m.deps.Snapshots.Delete(id); err != nil {
		return count, msgs, err
	}
	return count, msgs, nil
}

// SaveAllSessions snapshots every live session.
func (m *Manager) SaveAllSessions() int {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	saved := 0
	for _, s := range sessions {
		if err := s.SaveSnapshot(); err != nil {
			m.log.Warn("Failed to snapshot session",
				zap.String("session_key", string(s.Key())), zap.Error(err))
			continue
		}
		saved++
	}
	m.log.Info("Saved all sessions", zap.Int("count", saved))
	return saved
}

// LoadAllSessions materializes a session for every snapshot on disk.
func (m *Manager) LoadAllSessions() (int, error) {
	all, err := m.deps.Snapshots.LoadAll()
	if err != nil {
		return 0, err
	}
	loaded := 0
	for key := range all {
		id, err := identity.ParseKey(key)
		if err != nil {
			continue
		}
		if _, err := m.GetSession(id); err == nil {
			loaded++
		}
	}
	m.log.Info("Loaded sessions from disk", zap.Int("count", loaded))
	return loaded, nil
}

// GlobalStats aggregates per-session counters.
type GlobalStats struct {
	Sessions          int   `json:"sessions"`
	Processing        int   `json:"processing"`
	TotalQueries      int64 `json:"total_queries"`
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
	SteeringBuffered  int   `json:"steering_buffered"`
}

// GetGlobalStats aggregates counters across live sessions.
func (m *Manager) GetGlobalStats() GlobalStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats GlobalStats
	stats.Sessions = len(m.sessions)
	for _, s := range m.sessions {
		st := s.Stats()
		stats.TotalQueries += st.TotalQueries
		stats.TotalInputTokens += st.TotalInputTokens
		stats.TotalOutputTokens += st.TotalOutputTokens
		stats.SteeringBuffered += st.SteeringBuffered
		if st.Processing {
			stats.Processing++
		}
	}
	return stats
}

// ListStats returns per-session stats sorted by key.
func (m *Manager) ListStats() []Stats {
	m.mu.RLock()
	out := make([]Stats, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Stats())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// AnyProcessing reports whether any session matching filter is mid-query.
// A nil filter matches all sessions.
func (m *Manager) AnyProcessing(filter func(identity.Identity) bool) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if filter != nil && !filter(s.Identity()) {
			continue
		}
		if s.IsProcessing() {
			return true
		}
	}
	return false
}

// Cleanup evicts sessions past the TTL, then applies the LRU cap. Evicted
// sessions are snapshotted first; sessions mid-query are skipped.
func (m *Manager) Cleanup() {
	ttl := time.Duration(m.deps.Config.TTLHours) * time.Hour
	now := time.Now()

	m.mu.Lock()
	var evict []*Session
	if ttl > 0 {
		for key, s := range m.sessions {
			if s.IsProcessing() {
				continue
			}
			if now.Sub(s.LastActivity()) > ttl {
				evict = append(evict, s)
				delete(m.sessions, key)
			}
		}
	}

	if max := m.deps.Config.MaxSessions; max > 0 && len(m.sessions) > max {
		ordered := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			ordered = append(ordered, s)
		}
		sort.Slice(ordered, func(i, j int) bool {
			return ordered[i].LastActivity().Before(ordered[j].LastActivity())
		})
		for _, s := range ordered {
			if len(m.sessions) <= max {
				break
			}
			if s.IsProcessing() {
				continue
			}
			evict = append(evict, s)
			delete(m.sessions, s.Key())
		}
	}
	m.mu.Unlock()

	for _, s := range evict {
		if err := s.SaveSnapshot(); err != nil {
			m.log.Warn("Failed to snapshot evicted session",
				zap.String("session_key", string(s.Key())), zap.Error(err))
		}
		m.log.Info("Evicted session",
			zap.String("session_key", string(s.Key())),
			zap.Time("last_activity", s.LastActivity()))
		m.publish(events.SessionEvicted, s)
	}
}

func (m *Manager) publish(eventType string, s *Session) {
	if m.deps.Bus == nil {
		return
	}
	subject := events.BuildSessionStatusSubject(string(s.Key()))
	_ = m.deps.Bus.Publish(context.Background(), subject, bus.NewEvent(eventType, "session-manager", map[string]interface{}{
		"session_key": string(s.Key()),
	}))
}

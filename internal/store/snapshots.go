// Package store persists gateway state as flat files: per-session snapshots,
// pending forms, and the restart hand-off written at shutdown. All writes go
// through atomic renames so a crash never leaves a torn file.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/session/identity"
)

// Snapshot is the persisted per-session record.
type Snapshot struct {
	SessionID          string    `json:"session_id"`
	SavedAt            time.Time `json:"saved_at"`
	WorkingDir         string    `json:"working_dir"`
	ContextWindowUsage int64     `json:"contextWindowUsage,omitempty"`
	ContextWindowSize  int64     `json:"contextWindowSize,omitempty"`
	TotalInputTokens   int64     `json:"totalInputTokens,omitempty"`
	TotalOutputTokens  int64     `json:"totalOutputTokens,omitempty"`
	TotalQueries       int64     `json:"totalQueries,omitempty"`
	SessionStartTime   time.Time `json:"sessionStartTime,omitempty"`
}

// SnapshotStore reads and writes session snapshots under one directory,
// named `tenant_channel_thread.json`.
type SnapshotStore struct {
	dir    string
	logger *logger.Logger
}

// NewSnapshotStore creates the store and its directory.
func NewSnapshotStore(dir string, log *logger.Logger) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions dir: %w", err)
	}
	return &SnapshotStore{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "snapshot-store")),
	}, nil
}

func (s *SnapshotStore) path(id identity.Identity) string {
	return filepath.Join(s.dir, id.FileKey()+".json")
}

// Save writes one snapshot atomically.
func (s *SnapshotStore) Save(id identity.Identity, snap Snapshot) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := renameio.WriteFile(s.path(id), data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot for %s: %w", id, err)
	}
	s.logger.Debug("Saved session snapshot",
		zap.String("session_key", string(id.Key())),
		zap.String("provider_session_id", snap.SessionID))
	return nil
}

// Load reads one snapshot. Returns (nil, nil) when none exists.
func (s *SnapshotStore) Load(id identity.Identity) (*Snapshot, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot for %s: %w", id, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// On-disk state is untrusted; a corrupt snapshot is dropped.
		s.logger.Warn("Dropping corrupt session snapshot",
			zap.String("session_key", string(id.Key())),
			zap.Error(err))
		return nil, nil
	}
	return &snap, nil
}

// Delete removes one snapshot. Missing files are not an error.
func (s *SnapshotStore) Delete(id identity.Identity) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot for %s: %w", id, err)
	}
	return nil
}

// LoadAll reads every parseable snapshot in the directory, keyed by session
// identity. Unparseable filenames and bodies are skipped with a log line.
func (s *SnapshotStore) LoadAll() (map[identity.Key]Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions dir: %w", err)
	}

	out := make(map[identity.Key]Snapshot)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		parts := strings.SplitN(strings.TrimSuffix(name, ".json"), "_", 3)
		if len(parts) != 3 {
			continue
		}
		id, err := identity.New(parts[0], parts[1], parts[2])
		if err != nil {
			s.logger.Warn("Skipping snapshot with invalid name", zap.String("file", name))
			continue
		}
		snap, err := s.Load(id)
		if err != nil || snap == nil {
			continue
		}
		out[id.Key()] = *snap
	}
	return out, nil
}

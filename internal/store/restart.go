package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
)

// lastSaveIDPattern validates the save-id hand-off file.
var lastSaveIDPattern = regexp.MustCompile(`^\d{8}_\d{6}$`)

const restartContextDir = "docs/tasks/save"

// PendingSteering is the steering content drained to disk at shutdown.
type PendingSteering struct {
	Count     int       `json:"count"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// VerificationTask asks the next process to verify a change made right
// before the restart.
type VerificationTask struct {
	Command     string `json:"command"`
	TaskID      string `json:"task_id"`
	Description string `json:"description,omitempty"`
}

// RestartNotice tells the next process which chat message announced the
// restart so it can be edited into a "back online" note, and optionally
// carries a verification task to run on boot.
type RestartNotice struct {
	ChatID       string            `json:"chat_id"`
	MessageID    int64             `json:"message_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Verification *VerificationTask `json:"verification,omitempty"`
}

// RestartStore manages the restart hand-off files: the /tmp carry-over pair
// and the restart-context markdown under the working directory.
type RestartStore struct {
	service string
	workdir string
	logger  *logger.Logger

	mu           sync.Mutex
	verification *VerificationTask
}

// NewRestartStore creates the store. service keys the /tmp filenames so two
// gateway instances on one host do not clobber each other.
func NewRestartStore(service, workdir string, log *logger.Logger) *RestartStore {
	return &RestartStore{
		service: service,
		workdir: workdir,
		logger:  log.WithFields(zap.String("component", "restart-store")),
	}
}

func (s *RestartStore) steeringPath() string {
	return filepath.Join(os.TempDir(), s.service+"-pending-steering.json")
}

func (s *RestartStore) noticePath() string {
	return filepath.Join(os.TempDir(), s.service+"-restart.json")
}

// SavePendingSteering writes the drained steering content.
func (s *RestartStore) SavePendingSteering(count int, content string) error {
	data, err := json.Marshal(PendingSteering{
		Count:     count,
		Content:   content,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal pending steering: %w", err)
	}
	return renameio.WriteFile(s.steeringPath(), data, 0o644)
}

// ConsumePendingSteering reads and deletes the carry-over file. Returns
// (nil, nil) when none exists.
func (s *RestartStore) ConsumePendingSteering() (*PendingSteering, error) {
	data, err := os.ReadFile(s.steeringPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	_ = os.Remove(s.steeringPath())

	var ps PendingSteering
	if err := json.Unmarshal(data, &ps); err != nil {
		s.logger.Warn("Dropping corrupt pending-steering file", zap.Error(err))
		return nil, nil
	}
	return &ps, nil
}

// SetVerificationTask records a task to embed in the next restart notice.
// A nil task clears it.
func (s *RestartStore) SetVerificationTask(task *VerificationTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verification = task
}

// SaveRestartNotice records the announcement message, including any pending
// verification task.
func (s *RestartStore) SaveRestartNotice(chatID string, messageID int64) error {
	s.mu.Lock()
	verification := s.verification
	s.mu.Unlock()

	data, err := json.Marshal(RestartNotice{
		ChatID:       chatID,
		MessageID:    messageID,
		Timestamp:    time.Now(),
		Verification: verification,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal restart notice: %w", err)
	}
	return renameio.WriteFile(s.noticePath(), data, 0o644)
}

// ConsumeRestartNotice reads and deletes the announcement hand-off.
func (s *RestartStore) ConsumeRestartNotice() (*RestartNotice, error) {
	data, err := os.ReadFile(s.noticePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	_ = os.Remove(s.noticePath())

	var rn RestartNotice
	if err := json.Unmarshal(data, &rn); err != nil {
		s.logger.Warn("Dropping corrupt restart-notice file", zap.Error(err))
		return nil, nil
	}
	return &rn, nil
}

// WriteRestartContext writes the graceful-shutdown context markdown and
// returns its path.
func (s *RestartStore) WriteRestartContext(content string) (string, error) {
	dir := filepath.Join(s.workdir, restartContextDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create restart-context dir: %w", err)
	}
	name := fmt.Sprintf("restart-context-%s.md", time.Now().Format("2006-01-02T15-04-05"))
	path := filepath.Join(dir, name)
	if err := renameio.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write restart context: %w", err)
	}
	return path, nil
}

// LatestRestartContext returns the newest restart-context file's content, or
// "" when none exists.
func (s *RestartStore) LatestRestartContext() (string, error) {
	dir := filepath.Join(s.workdir, restartContextDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, "restart-context-") && strings.HasSuffix(name, ".md") {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)

	data, err := os.ReadFile(filepath.Join(dir, names[len(names)-1]))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ConsumeLastSaveID reads, validates, and deletes `<workdir>/.last-save-id`.
// A malformed id is discarded; the file is removed either way.
func (s *RestartStore) ConsumeLastSaveID() (string, error) {
	path := filepath.Join(s.workdir, ".last-save-id")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	_ = os.Remove(path)

	id := strings.TrimSpace(string(data))
	if !lastSaveIDPattern.MatchString(id) {
		s.logger.Warn("Ignoring malformed last-save-id", zap.String("value", id))
		return "", nil
	}
	return id, nil
}

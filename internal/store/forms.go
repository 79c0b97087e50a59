package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
)

// FormTTL is how long a pending choice/form stays answerable.
const FormTTL = 24 * time.Hour

// PendingForm is one unanswered choice/form prompt.
type PendingForm struct {
	ID         string            `json:"id"`
	FormID     string            `json:"formId"`
	SessionKey string            `json:"sessionKey"`
	ChatID     string            `json:"chatId"`
	ThreadID   string            `json:"threadId,omitempty"`
	MessageIDs []int64           `json:"messageIds"`
	Questions  []string          `json:"questions"`
	Selections map[string]string `json:"selections"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Expired reports whether the form has passed its TTL.
func (f PendingForm) Expired(now time.Time) bool {
	return now.Sub(f.CreatedAt) > FormTTL
}

// FormStore keeps pending forms in memory and mirrors them to one JSON file.
type FormStore struct {
	path   string
	logger *logger.Logger

	mu    sync.Mutex
	forms map[string]PendingForm
}

// NewFormStore creates the store; Load must be called before use at boot.
func NewFormStore(path string, log *logger.Logger) *FormStore {
	return &FormStore{
		path:   path,
		logger: log.WithFields(zap.String("component", "form-store")),
		forms:  make(map[string]PendingForm),
	}
}

// Load reads the file, dropping expired and malformed entries. A missing
// file is an empty store.
func (s *FormStore) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read pending forms: %w", err)
	}

	var forms []PendingForm
	if err := json.Unmarshal(data, &forms); err != nil {
		s.logger.Warn("Dropping corrupt pending-forms file", zap.Error(err))
		return nil
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forms = make(map[string]PendingForm, len(forms))
	for _, f := range forms {
		if f.ID == "" || f.Expired(now) {
			continue
		}
		s.forms[f.ID] = f
	}
	s.logger.Info("Loaded pending forms", zap.Int("count", len(s.forms)))
	return nil
}

// Add stores a form and persists.
func (s *FormStore) Add(form PendingForm) error {
	if form.CreatedAt.IsZero() {
		form.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.forms[form.ID] = form
	s.mu.Unlock()
	return s.flush()
}

// Get returns a live (non-expired) form.
func (s *FormStore) Get(id string) (PendingForm, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.forms[id]
	if !ok || f.Expired(time.Now()) {
		return PendingForm{}, false
	}
	return f, true
}

// Select records one answer on a form and persists.
func (s *FormStore) Select(id, question, answer string) error {
	s.mu.Lock()
	f, ok := s.forms[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown form: %s", id)
	}
	if f.Selections == nil {
		f.Selections = make(map[string]string)
	}
	f.Selections[question] = answer
	s.forms[id] = f
	s.mu.Unlock()
	return s.flush()
}

// Remove deletes a form and persists.
func (s *FormStore) Remove(id string) error {
	s.mu.Lock()
	delete(s.forms, id)
	s.mu.Unlock()
	return s.flush()
}

// BySession returns live forms bound to one session key.
func (s *FormStore) BySession(sessionKey string) []PendingForm {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingForm
	for _, f := range s.forms {
		if f.SessionKey == sessionKey && !f.Expired(now) {
			out = append(out, f)
		}
	}
	return out
}

func (s *FormStore) flush() error {
	now := time.Now()
	s.mu.Lock()
	forms := make([]PendingForm, 0, len(s.forms))
	for _, f := range s.forms {
		if !f.Expired(now) {
			forms = append(forms, f)
		}
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(forms, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pending forms: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write pending forms: %w", err)
	}
	return nil
}

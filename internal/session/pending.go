package session

import (
	"strconv"
	"strings"
	"time"
)

// PendingInputTTL bounds how long a direct-input or choice prompt stays
// answerable.
const PendingInputTTL = 5 * time.Minute

// PendingDirectInput asks the user for one free-form text answer, e.g. a
// form field that could not be filled from the original message.
type PendingDirectInput struct {
	Prompt    string
	FormID    string
	Field     string
	CreatedAt time.Time
}

// ChoiceState tracks an open multiple-choice prompt. The answer may arrive
// as a button callback, or as typed text when ParseText is set.
type ChoiceState struct {
	Prompt    string
	Options   []string
	MessageID int64
	ParseText bool
	CreatedAt time.Time
}

// SetPendingDirectInput opens a direct-input prompt, replacing any previous
// one.
func (s *Session) SetPendingDirectInput(p PendingDirectInput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.pendingInput = &p
}

// TakePendingDirectInput returns and clears the open direct-input prompt.
// Returns nil when none is open or it has expired.
func (s *Session) TakePendingDirectInput() *PendingDirectInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pendingInput
	s.pendingInput = nil
	if p == nil || time.Since(p.CreatedAt) > PendingInputTTL {
		return nil
	}
	return p
}

// SetChoiceState opens a choice prompt, replacing any previous one.
func (s *Session) SetChoiceState(c ChoiceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.choice = &c
}

// PendingChoice returns the open choice prompt, or nil when none is open or
// it has expired.
func (s *Session) PendingChoice() *ChoiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.choiceLocked()
}

// ClearChoiceState drops any open choice prompt.
func (s *Session) ClearChoiceState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.choice = nil
}

// ResolveChoiceText matches typed text against the open choice prompt: an
// option text (case-insensitive) or a 1-based index. On a match the prompt
// is closed and the canonical option returned. Non-matching text leaves the
// prompt open.
func (s *Session) ResolveChoiceText(text string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.choiceLocked()
	if c == nil || !c.ParseText {
		return "", false
	}

	text = strings.TrimSpace(text)
	for _, opt := range c.Options {
		if strings.EqualFold(text, opt) {
			s.choice = nil
			return opt, true
		}
	}
	if idx, err := strconv.Atoi(text); err == nil && idx >= 1 && idx <= len(c.Options) {
		s.choice = nil
		return c.Options[idx-1], true
	}
	return "", false
}

func (s *Session) choiceLocked() *ChoiceState {
	if s.choice == nil {
		return nil
	}
	if time.Since(s.choice.CreatedAt) > PendingInputTTL {
		s.choice = nil
		return nil
	}
	return s.choice
}

// Package scheduler runs named cron jobs against scheduler-owned sessions,
// isolated from user traffic, with a bounded pending queue and an hourly
// rate cap. The cron file is hot-reloaded on change.
package scheduler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Common errors
var (
	ErrJobMissingField = errors.New("schedule entry is missing a required field")
	ErrPromptTooLong   = errors.New("schedule prompt exceeds the maximum length")
	ErrBadCronExpr     = errors.New("invalid cron expression")
	ErrConfigPath      = errors.New("cron config path is not allowed")
)

// DefaultMaxPromptLength bounds job prompts.
const DefaultMaxPromptLength = 10000

// Schedule is one named cron job.
type Schedule struct {
	Name    string `yaml:"name"`
	Cron    string `yaml:"cron"`
	Prompt  string `yaml:"prompt"`
	Enabled *bool  `yaml:"enabled,omitempty"`
	Notify  *bool  `yaml:"notify,omitempty"`
}

// IsEnabled defaults to true when unset.
func (s Schedule) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ShouldNotify defaults to false when unset.
func (s Schedule) ShouldNotify() bool {
	return s.Notify != nil && *s.Notify
}

// CronFile is the parsed cron config.
type CronFile struct {
	Schedules []Schedule `yaml:"schedules"`
}

// cronParser accepts standard five-field expressions plus descriptors
// such as @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// LoadCronFile reads and validates the cron config. path must resolve inside
// one of allowedDirs when the list is non-empty.
func LoadCronFile(path string, allowedDirs []string, maxPromptLength int) (*CronFile, error) {
	if maxPromptLength <= 0 {
		maxPromptLength = DefaultMaxPromptLength
	}

	if len(allowedDirs) > 0 && !pathAllowed(path, allowedDirs) {
		return nil, fmt.Errorf("%w: %s", ErrConfigPath, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cron config: %w", err)
	}
	return ParseCronFile(data, maxPromptLength)
}

// ParseCronFile decodes and validates cron config bytes. Type mismatches
// (a non-boolean enabled, say) fail the whole file.
func ParseCronFile(data []byte, maxPromptLength int) (*CronFile, error) {
	var cf CronFile
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("failed to parse cron config: %w", err)
	}

	seen := make(map[string]bool, len(cf.Schedules))
	for i, s := range cf.Schedules {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("%w: schedules[%d].name", ErrJobMissingField, i)
		}
		if strings.TrimSpace(s.Cron) == "" {
			return nil, fmt.Errorf("%w: schedules[%d].cron", ErrJobMissingField, i)
		}
		if strings.TrimSpace(s.Prompt) == "" {
			return nil, fmt.Errorf("%w: schedules[%d].prompt", ErrJobMissingField, i)
		}
		if len(s.Prompt) > maxPromptLength {
			return nil, fmt.Errorf("%w: %q is %d chars (max %d)", ErrPromptTooLong, s.Name, len(s.Prompt), maxPromptLength)
		}
		if _, err := cronParser.Parse(s.Cron); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadCronExpr, s.Cron, err)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate schedule name: %q", s.Name)
		}
		seen[s.Name] = true
	}
	return &cf, nil
}

func pathAllowed(path string, dirs []string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	for _, dir := range dirs {
		d, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if real, err := filepath.EvalSymlinks(d); err == nil {
			d = real
		}
		if abs == d || strings.HasPrefix(abs, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

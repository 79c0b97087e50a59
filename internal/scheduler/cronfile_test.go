package scheduler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCronFileValid(t *testing.T) {
	data := []byte(`
schedules:
  - name: backup
    cron: "0 3 * * *"
    prompt: "Run the nightly backup and report the result."
  - name: digest
    cron: "@hourly"
    prompt: "Summarize new items."
    enabled: false
    notify: true
`)
	cf, err := ParseCronFile(data, 0)
	require.NoError(t, err)
	require.Len(t, cf.Schedules, 2)

	assert.True(t, cf.Schedules[0].IsEnabled(), "enabled defaults to true")
	assert.False(t, cf.Schedules[0].ShouldNotify(), "notify defaults to false")
	assert.False(t, cf.Schedules[1].IsEnabled())
	assert.True(t, cf.Schedules[1].ShouldNotify())
}

func TestParseCronFileMissingFields(t *testing.T) {
	cases := map[string]string{
		"name":   "schedules:\n  - cron: \"* * * * *\"\n    prompt: p\n",
		"cron":   "schedules:\n  - name: j\n    prompt: p\n",
		"prompt": "schedules:\n  - name: j\n    cron: \"* * * * *\"\n",
	}
	for field, yaml := range cases {
		_, err := ParseCronFile([]byte(yaml), 0)
		assert.ErrorIs(t, err, ErrJobMissingField, "missing %s", field)
	}
}

func TestParseCronFileBadExpression(t *testing.T) {
	data := []byte("schedules:\n  - name: j\n    cron: \"not a cron\"\n    prompt: p\n")
	_, err := ParseCronFile(data, 0)
	assert.ErrorIs(t, err, ErrBadCronExpr)
}

func TestParseCronFilePromptTooLong(t *testing.T) {
	data := []byte("schedules:\n  - name: j\n    cron: \"* * * * *\"\n    prompt: " +
		strings.Repeat("x", 50) + "\n")
	_, err := ParseCronFile(data, 20)
	assert.ErrorIs(t, err, ErrPromptTooLong)
}

func TestParseCronFileDuplicateName(t *testing.T) {
	data := []byte(`
schedules:
  - name: j
    cron: "* * * * *"
    prompt: one
  - name: j
    cron: "* * * * *"
    prompt: two
`)
	_, err := ParseCronFile(data, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestParseCronFileTypeMismatchFailsWholeFile(t *testing.T) {
	data := []byte("schedules:\n  - name: j\n    cron: \"* * * * *\"\n    prompt: p\n    enabled: sometimes\n")
	_, err := ParseCronFile(data, 0)
	assert.Error(t, err, "a non-boolean enabled rejects the file")
}

func TestLoadCronFilePathAllowlist(t *testing.T) {
	allowed := t.TempDir()
	path := filepath.Join(allowed, "cron.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schedules: []\n"), 0o644))

	cf, err := LoadCronFile(path, []string{allowed}, 0)
	require.NoError(t, err)
	assert.Empty(t, cf.Schedules)

	outside := filepath.Join(t.TempDir(), "cron.yaml")
	require.NoError(t, os.WriteFile(outside, []byte("schedules: []\n"), 0o644))
	_, err = LoadCronFile(outside, []string{allowed}, 0)
	assert.ErrorIs(t, err, ErrConfigPath)
}

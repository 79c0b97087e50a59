package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		tenant  string
		channel string
		thread  string
		wantErr error
	}{
		{"valid", "telegram", "12345", "main", nil},
		{"empty tenant", "", "12345", "main", ErrEmptyComponent},
		{"empty channel", "telegram", "", "main", ErrEmptyComponent},
		{"empty thread", "telegram", "12345", "", ErrEmptyComponent},
		{"colon in channel", "telegram", "12:34", "main", ErrInvalidComponent},
		{"slash in thread", "telegram", "12345", "a/b", ErrInvalidComponent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.tenant, tt.channel, tt.thread)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestKeyRoundTrip(t *testing.T) {
	id, err := New("telegram", "12345", "99")
	require.NoError(t, err)

	key := id.Key()
	assert.Equal(t, Key("telegram:12345:99"), key)

	parsed, err := ParseKey(key)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	for _, key := range []Key{"", "a:b", "a:b:c:d", "a::c", ":b:c"} {
		_, err := ParseKey(key)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
}

func TestDerivedForms(t *testing.T) {
	id, err := New("telegram", "12345", "main")
	require.NoError(t, err)

	assert.Equal(t, "telegram/12345/main", id.PartitionKey())
	assert.Equal(t, "telegram_12345_main", id.FileKey())
	assert.Equal(t, "telegram__12345__main", id.AliasName())
}

func TestForChatDefaultsThread(t *testing.T) {
	id, err := ForChat("telegram", "777", "")
	require.NoError(t, err)
	assert.Equal(t, MainThread, id.Thread)

	id, err = ForChat("telegram", "777", "42")
	require.NoError(t, err)
	assert.Equal(t, "42", id.Thread)
}

func TestSchedulerRoute(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Daily Report", "daily-report"},
		{"backup!!", "backup"},
		{"  ", "job"},
		{"__", "job"},
		{"Check DNS 2x", "check-dns-2x"},
	}

	for _, tt := range tests {
		id := SchedulerRoute(tt.in)
		assert.Equal(t, SchedulerTenant, id.Tenant)
		assert.Equal(t, SchedulerChannel, id.Channel)
		assert.Equal(t, tt.want, id.Thread, "input %q", tt.in)
		assert.True(t, id.IsScheduler())
	}
}

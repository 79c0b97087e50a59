// Package identity defines the canonical session identity tuple and its
// derived routing and storage keys.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors
var (
	ErrEmptyComponent   = errors.New("identity component must not be empty")
	ErrInvalidComponent = errors.New("identity component must not contain ':' or '/'")
	ErrInvalidKey       = errors.New("invalid session key")
)

// Reserved components for scheduler-owned sessions.
const (
	SchedulerTenant  = "cron"
	SchedulerChannel = "scheduler"
)

// MainThread is the sentinel thread ID for channels without a thread concept.
const MainThread = "main"

// Identity is the canonical (tenant, channel, thread) tuple. It is a value
// type; equality is component-wise.
type Identity struct {
	Tenant  string
	Channel string
	Thread  string
}

// Key is the colon-joined routing form of an Identity.
type Key string

// New constructs an Identity, validating each component.
func New(tenant, channel, thread string) (Identity, error) {
	for _, c := range []string{tenant, channel, thread} {
		if c == "" {
			return Identity{}, ErrEmptyComponent
		}
		if strings.ContainsAny(c, ":/") {
			return Identity{}, fmt.Errorf("%w: %q", ErrInvalidComponent, c)
		}
	}
	return Identity{Tenant: tenant, Channel: channel, Thread: thread}, nil
}

// ForChat derives an Identity for an inbound chat message. An empty threadID
// maps to the "main" sentinel.
func ForChat(tenant, chatID, threadID string) (Identity, error) {
	if threadID == "" {
		threadID = MainThread
	}
	return New(tenant, chatID, threadID)
}

// SchedulerRoute derives the Identity for a scheduler-owned session. The job
// name is sanitized into a thread ID: lowercased, runs of non-alphanumerics
// collapsed to '-', with a "job" fallback when nothing survives.
func SchedulerRoute(jobName string) Identity {
	thread := SanitizeJobName(jobName)
	// Components are known-safe; New cannot fail here.
	id, _ := New(SchedulerTenant, SchedulerChannel, thread)
	return id
}

// SanitizeJobName converts an arbitrary job name into a safe thread ID.
func SanitizeJobName(name string) string {
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "job"
	}
	return out
}

// Key returns the colon-joined routing key: tenant:channel:thread.
func (id Identity) Key() Key {
	return Key(id.Tenant + ":" + id.Channel + ":" + id.Thread)
}

// PartitionKey returns the slash-joined storage partition key, safe to use as
// a filesystem path fragment: tenant/channel/thread.
func (id Identity) PartitionKey() string {
	return id.Tenant + "/" + id.Channel + "/" + id.Thread
}

// FileKey returns the underscore-joined form used for snapshot filenames.
func (id Identity) FileKey() string {
	return id.Tenant + "_" + id.Channel + "_" + id.Thread
}

// AliasName returns the partition key with slashes escaped to double
// underscores, used for workdir alias symlink names.
func (id Identity) AliasName() string {
	return id.Tenant + "__" + id.Channel + "__" + id.Thread
}

// IsScheduler reports whether the identity belongs to the cron scheduler.
func (id Identity) IsScheduler() bool {
	return id.Tenant == SchedulerTenant && id.Channel == SchedulerChannel
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	return string(id.Key())
}

// ParseKey parses a routing key back into an Identity. It fails with
// ErrInvalidKey on any component mismatch.
func ParseKey(key Key) (Identity, error) {
	parts := strings.Split(string(key), ":")
	if len(parts) != 3 {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	id, err := New(parts[0], parts[1], parts[2])
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return id, nil
}

// Package audit records authentication lifecycle events to an append-only
// stream so operators can reconstruct why and when the proxy re-authenticated.
package audit

import (
	"context"
	"sync"
	"time"
)

// EventType identifies an authentication lifecycle event.
type EventType string

const (
	EventSessionRestored      EventType = "session_restored"
	EventLoginStarted         EventType = "login_started"
	EventLoginSucceeded       EventType = "login_succeeded"
	EventLoginFailed          EventType = "login_failed"
	EventRefreshForced        EventType = "refresh_forced"
	EventUpstreamAuthRejected EventType = "upstream_auth_rejected"
)

// Entry is a single audit record.
type Entry struct {
	Type   EventType `json:"type"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Recorder persists audit entries. Implementations must be safe for
// concurrent use. Recording failures must never block authentication.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// NopRecorder discards entries. Used when auditing is disabled.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Entry) error { return nil }

// MemoryRecorder keeps entries in memory. Used in tests.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(_ context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

// Entries returns a copy of everything recorded so far.
func (r *MemoryRecorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

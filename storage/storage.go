package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tradegate/accesscore/security"
)

// Storage errors
var (
	// ErrSessionNotFound is returned when a session does not exist. Expired
	// sessions are reported the same way: an expired record is treated as
	// absent and lazily deleted by the read that found it.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidSession is returned when a session record fails basic
	// validation (empty IDs, expiry not after creation)
	ErrInvalidSession = errors.New("invalid session record")

	// ErrStoreUnavailable is returned when a remote backend cannot be
	// reached. The façade maps it through the configured failure policy.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// SessionRecord is the canonical session schema shared by every backend.
type SessionRecord struct {
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id"`
	UserType  security.UserType `json:"user_type"`
	Email     string            `json:"email"`

	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	DeviceID  string `json:"device_id,omitempty"`

	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the session has passed its expiry. Lazy reads and
// the eager sweep both use this single predicate so they can never disagree.
func (r *SessionRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Validate checks the structural invariants of a record before it is stored.
func (r *SessionRecord) Validate() error {
	if r == nil {
		return ErrInvalidSession
	}
	if r.SessionID == "" || r.UserID == "" {
		return ErrInvalidSession
	}
	if !r.ExpiresAt.After(r.CreatedAt) {
		return ErrInvalidSession
	}
	return nil
}

// Clone returns a deep copy of the record. Stores hand out copies so callers
// can never mutate stored state.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Permissions != nil {
		cp.Permissions = append([]string(nil), r.Permissions...)
	}
	return &cp
}

// Counts summarizes live sessions for metrics.
type Counts struct {
	Total      int
	ByUserType map[security.UserType]int
}

// SessionStore persists session records and a per-user reverse index. The
// index holds session IDs only, never record copies, and every mutation
// updates record and index atomically with respect to each other.
//
// Implementations must make Create's count-then-evict-then-insert sequence
// atomic per user: immediately after any Create, the user holds at most
// maxConcurrent sessions.
type SessionStore interface {
	// Create persists a new session. If the user already holds maxConcurrent
	// or more live sessions, the oldest sessions (ascending LastActivity,
	// ties by CreatedAt) are evicted first so that exactly maxConcurrent
	// remain, the new session included. Evicted records are returned so the
	// caller can emit one security event per eviction. A maxConcurrent <= 0
	// disables eviction.
	Create(ctx context.Context, rec *SessionRecord, maxConcurrent int) (evicted []*SessionRecord, err error)

	// Get returns the session, or ErrSessionNotFound if it is absent or
	// expired. An expired record is deleted by the read that found it.
	Get(ctx context.Context, sessionID string) (*SessionRecord, error)

	// Touch updates LastActivity to now. Expired sessions are deleted and
	// reported as ErrSessionNotFound.
	Touch(ctx context.Context, sessionID string) error

	// Delete removes a session. Returns the removed record, or
	// ErrSessionNotFound if nothing was removed.
	Delete(ctx context.Context, sessionID string) (*SessionRecord, error)

	// UserSessions returns the user's live sessions. Expired records found
	// along the way are deleted.
	UserSessions(ctx context.Context, userID string) ([]*SessionRecord, error)

	// DeleteUserSessions removes all of a user's sessions except
	// excludeSessionID (empty excludes nothing) and returns the removed
	// records.
	DeleteUserSessions(ctx context.Context, userID, excludeSessionID string) ([]*SessionRecord, error)

	// Counts returns live session counts split by user type.
	Counts(ctx context.Context) (Counts, error)

	// SweepExpired eagerly removes sessions past their expiry, keeping the
	// user index consistent, and returns how many were removed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// Package memory provides the in-memory SessionStore implementation. It is
// the default backend: a single-process map pair (records plus per-user
// index) guarded by one RWMutex so the two can never diverge.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tradegate/accesscore/internal/clock"
	"github.com/tradegate/accesscore/security"
	"github.com/tradegate/accesscore/storage"
)

// Store is the in-memory SessionStore.
type Store struct {
	mu sync.RWMutex

	// Primary record map, keyed by session ID.
	sessions map[string]*storage.SessionRecord

	// Per-user reverse index holding session IDs only. Mirror of sessions:
	// every ID here exists in sessions and vice versa. Both maps are only
	// ever mutated together under mu.
	userIndex map[string]map[string]struct{}

	clock  clock.Clock
	logger *slog.Logger

	// Atomic counter for lock-free gauge callbacks.
	sessionCount atomic.Int64

	totalEvicted atomic.Int64
	totalSwept   atomic.Int64
}

// Compile-time interface check
var _ storage.SessionStore = (*Store)(nil)

// New creates an empty in-memory store. A nil clock uses the system clock.
func New(clk clock.Clock, logger *slog.Logger) *Store {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions:  make(map[string]*storage.SessionRecord),
		userIndex: make(map[string]map[string]struct{}),
		clock:     clk,
		logger:    logger,
	}
}

// Create persists a session, evicting the user's least recently active
// sessions first when the concurrent cap would be exceeded. The whole
// count-then-evict-then-insert sequence runs under the store lock, so
// concurrent creates for the same user cannot overshoot the cap.
func (s *Store) Create(ctx context.Context, rec *storage.SessionRecord, maxConcurrent int) ([]*storage.SessionRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	stored := rec.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []*storage.SessionRecord
	live := s.liveUserSessionsLocked(rec.UserID, now)

	if maxConcurrent > 0 && len(live) >= maxConcurrent {
		// Oldest activity first, ties broken by creation time.
		sort.Slice(live, func(i, j int) bool {
			if !live[i].LastActivity.Equal(live[j].LastActivity) {
				return live[i].LastActivity.Before(live[j].LastActivity)
			}
			return live[i].CreatedAt.Before(live[j].CreatedAt)
		})
		excess := len(live) - maxConcurrent + 1
		for _, victim := range live[:excess] {
			s.deleteLocked(victim.SessionID)
			evicted = append(evicted, victim.Clone())
			s.totalEvicted.Add(1)
		}
	}

	s.sessions[stored.SessionID] = stored
	ids, ok := s.userIndex[stored.UserID]
	if !ok {
		ids = make(map[string]struct{})
		s.userIndex[stored.UserID] = ids
	}
	ids[stored.SessionID] = struct{}{}
	s.sessionCount.Add(1)

	s.logger.Debug("Created session",
		"session_id", stored.SessionID,
		"user_type", string(stored.UserType),
		"evicted", len(evicted))
	return evicted, nil
}

// Get returns the session or ErrSessionNotFound. Expired records are deleted
// by the read that found them.
func (s *Store) Get(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	now := s.clock.Now()

	s.mu.RLock()
	rec, ok := s.sessions[sessionID]
	if ok && !rec.Expired(now) {
		cp := rec.Clone()
		s.mu.RUnlock()
		return cp, nil
	}
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrSessionNotFound
	}

	// Expired: re-check under the write lock before deleting, the record may
	// have been replaced since the read lock was dropped.
	s.mu.Lock()
	if rec, ok := s.sessions[sessionID]; ok && rec.Expired(now) {
		s.deleteLocked(sessionID)
	}
	s.mu.Unlock()
	return nil, storage.ErrSessionNotFound
}

// Touch updates LastActivity. Expired sessions are removed and reported as
// not found.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return storage.ErrSessionNotFound
	}
	if rec.Expired(now) {
		s.deleteLocked(sessionID)
		return storage.ErrSessionNotFound
	}
	rec.LastActivity = now
	return nil
}

// Delete removes a session from both the record map and the index.
func (s *Store) Delete(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	s.deleteLocked(sessionID)
	return rec.Clone(), nil
}

// UserSessions returns the user's live sessions, deleting any expired ones
// found along the way.
func (s *Store) UserSessions(ctx context.Context, userID string) ([]*storage.SessionRecord, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.liveUserSessionsLocked(userID, now)
	out := make([]*storage.SessionRecord, 0, len(live))
	for _, rec := range live {
		out = append(out, rec.Clone())
	}
	return out, nil
}

// DeleteUserSessions removes all of a user's sessions except the excluded one.
func (s *Store) DeleteUserSessions(ctx context.Context, userID, excludeSessionID string) ([]*storage.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.userIndex[userID]
	if !ok {
		return nil, nil
	}

	var removed []*storage.SessionRecord
	for id := range ids {
		if id == excludeSessionID {
			continue
		}
		if rec, ok := s.sessions[id]; ok {
			removed = append(removed, rec.Clone())
		}
		s.deleteLocked(id)
	}
	return removed, nil
}

// Counts returns live session counts split by user type.
func (s *Store) Counts(ctx context.Context) (storage.Counts, error) {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := storage.Counts{ByUserType: make(map[security.UserType]int)}
	for _, rec := range s.sessions {
		if rec.Expired(now) {
			continue
		}
		counts.Total++
		counts.ByUserType[rec.UserType]++
	}
	return counts, nil
}

// SweepExpired removes sessions past their expiry. Session IDs are
// snapshotted first and each deletion re-checks expiry under a short-lived
// lock acquisition, so a large sweep never stalls the request path.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		s.mu.Lock()
		if rec, ok := s.sessions[id]; ok && rec.Expired(now) {
			s.deleteLocked(id)
			removed++
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		s.totalSwept.Add(int64(removed))
		s.logger.Debug("Session sweep completed", "removed", removed)
	}
	return removed, nil
}

// SessionCount returns the current record count without taking the lock.
// Used by the observable gauge callbacks.
func (s *Store) SessionCount() int64 {
	return s.sessionCount.Load()
}

// liveUserSessionsLocked returns the user's unexpired sessions, deleting any
// expired ones it encounters. Must be called with the write lock held.
func (s *Store) liveUserSessionsLocked(userID string, now time.Time) []*storage.SessionRecord {
	ids, ok := s.userIndex[userID]
	if !ok {
		return nil
	}

	var live []*storage.SessionRecord
	var expired []string
	for id := range ids {
		rec, ok := s.sessions[id]
		if !ok {
			// Index drift would be a bug in this store; tolerate by dropping
			// the dangling ID rather than corrupting results.
			expired = append(expired, id)
			continue
		}
		if rec.Expired(now) {
			expired = append(expired, id)
			continue
		}
		live = append(live, rec)
	}
	for _, id := range expired {
		s.deleteLocked(id)
	}
	return live
}

// deleteLocked removes a session from both maps. Must be called with the
// write lock held. Idempotent.
func (s *Store) deleteLocked(sessionID string) {
	rec, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
		s.sessionCount.Add(-1)
	}

	userID := ""
	if rec != nil {
		userID = rec.UserID
	} else {
		// Dangling index entry with no record: find and drop it.
		for uid, ids := range s.userIndex {
			if _, present := ids[sessionID]; present {
				userID = uid
				break
			}
		}
	}
	if userID == "" {
		return
	}
	if ids, ok := s.userIndex[userID]; ok {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(s.userIndex, userID)
		}
	}
}

// Package redisstore provides a Redis-backed SessionStore for deployments
// that want sessions to survive a process restart. Record shapes are the
// same as the in-memory backend; keys carry a TTL derived from ExpiresAt so
// Redis reclaims expired sessions on its own, and the background sweep
// reconciles the per-user index sets afterwards.
//
// The concurrent-session cap is still enforced in-process: create-with-evict
// runs under a striped per-user lock, which is sufficient for the
// single-process scope this module targets.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradegate/accesscore/internal/clock"
	"github.com/tradegate/accesscore/security"
	"github.com/tradegate/accesscore/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Redis keys
	DefaultKeyPrefix = "accesscore:"

	// scanBatchSize is the number of keys fetched per SCAN iteration
	scanBatchSize = 100

	// lockStripes is the number of per-user lock stripes
	lockStripes = 64
)

// Config holds configuration for the Redis storage backend.
type Config struct {
	// Client is the Redis client (required)
	Client redis.UniversalClient

	// KeyPrefix is the prefix for all keys (default "accesscore:")
	KeyPrefix string

	// Logger is the optional structured logger (default slog.Default())
	Logger *slog.Logger

	// Clock is the optional time source (default system clock)
	Clock clock.Clock
}

// Store is the Redis-backed SessionStore.
type Store struct {
	client redis.UniversalClient
	prefix string
	clock  clock.Clock
	logger *slog.Logger

	// Striped per-user locks serializing count-then-evict-then-insert.
	userLocks [lockStripes]sync.Mutex
}

// Compile-time interface check
var _ storage.SessionStore = (*Store)(nil)

// New creates a Redis-backed store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redisstore: client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	return &Store{
		client: cfg.Client,
		prefix: cfg.KeyPrefix,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

func (s *Store) sessionKey(sessionID string) string { return s.prefix + "sess:" + sessionID }
func (s *Store) userKey(userID string) string       { return s.prefix + "user:" + userID }

func (s *Store) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &s.userLocks[h.Sum32()%lockStripes]
}

func wrapErr(err error) error {
	return fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
}

// Create persists a session, evicting the user's least recently active
// sessions first when the concurrent cap would be exceeded.
func (s *Store) Create(ctx context.Context, rec *storage.SessionRecord, maxConcurrent int) ([]*storage.SessionRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	ttl := rec.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return nil, storage.ErrInvalidSession
	}

	mu := s.userLock(rec.UserID)
	mu.Lock()
	defer mu.Unlock()

	var evicted []*storage.SessionRecord
	if maxConcurrent > 0 {
		live, err := s.liveUserSessions(ctx, rec.UserID, now)
		if err != nil {
			return nil, err
		}
		if len(live) >= maxConcurrent {
			sort.Slice(live, func(i, j int) bool {
				if !live[i].LastActivity.Equal(live[j].LastActivity) {
					return live[i].LastActivity.Before(live[j].LastActivity)
				}
				return live[i].CreatedAt.Before(live[j].CreatedAt)
			})
			excess := len(live) - maxConcurrent + 1
			for _, victim := range live[:excess] {
				if err := s.remove(ctx, victim.UserID, victim.SessionID); err != nil {
					return nil, err
				}
				evicted = append(evicted, victim)
			}
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(rec.SessionID), data, ttl)
	pipe.SAdd(ctx, s.userKey(rec.UserID), rec.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, wrapErr(err)
	}

	s.logger.Debug("Created session",
		"session_id", rec.SessionID,
		"user_type", string(rec.UserType),
		"evicted", len(evicted))
	return evicted, nil
}

// Get returns the session or ErrSessionNotFound. Records past their expiry
// are deleted, covering the window between wall-clock expiry and Redis TTL
// reclamation.
func (s *Store) Get(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	rec, err := s.fetch(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.clock.Now()) {
		_ = s.remove(ctx, rec.UserID, sessionID)
		return nil, storage.ErrSessionNotFound
	}
	return rec, nil
}

// Touch updates LastActivity, preserving the key's TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	rec, err := s.fetch(ctx, sessionID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if rec.Expired(now) {
		_ = s.remove(ctx, rec.UserID, sessionID)
		return storage.ErrSessionNotFound
	}

	rec.LastActivity = now
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.sessionKey(sessionID), data, redis.KeepTTL).Err(); err != nil {
		return wrapErr(err)
	}
	return nil
}

// Delete removes a session and its index entry.
func (s *Store) Delete(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	rec, err := s.fetch(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.remove(ctx, rec.UserID, sessionID); err != nil {
		return nil, err
	}
	return rec, nil
}

// UserSessions returns the user's live sessions and reconciles the index set
// as a side effect.
func (s *Store) UserSessions(ctx context.Context, userID string) ([]*storage.SessionRecord, error) {
	return s.liveUserSessions(ctx, userID, s.clock.Now())
}

// DeleteUserSessions removes all of a user's sessions except the excluded one.
func (s *Store) DeleteUserSessions(ctx context.Context, userID, excludeSessionID string) ([]*storage.SessionRecord, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	live, err := s.liveUserSessions(ctx, userID, s.clock.Now())
	if err != nil {
		return nil, err
	}

	var removed []*storage.SessionRecord
	for _, rec := range live {
		if rec.SessionID == excludeSessionID {
			continue
		}
		if err := s.remove(ctx, userID, rec.SessionID); err != nil {
			return removed, err
		}
		removed = append(removed, rec)
	}
	return removed, nil
}

// Counts scans the session keyspace and counts live records by user type.
func (s *Store) Counts(ctx context.Context) (storage.Counts, error) {
	counts := storage.Counts{ByUserType: make(map[security.UserType]int)}
	now := s.clock.Now()

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"sess:*", scanBatchSize).Result()
		if err != nil {
			return storage.Counts{}, wrapErr(err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue // expired between scan and get
				}
				return storage.Counts{}, wrapErr(err)
			}
			var rec storage.SessionRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if rec.Expired(now) {
				continue
			}
			counts.Total++
			counts.ByUserType[rec.UserType]++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return counts, nil
}

// SweepExpired reconciles the per-user index sets: Redis TTL already removes
// expired session keys, so the sweep's job is dropping index members whose
// session no longer exists.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"user:*", scanBatchSize).Result()
		if err != nil {
			return removed, wrapErr(err)
		}
		for _, userKey := range keys {
			members, err := s.client.SMembers(ctx, userKey).Result()
			if err != nil {
				return removed, wrapErr(err)
			}
			for _, sessionID := range members {
				exists, err := s.client.Exists(ctx, s.sessionKey(sessionID)).Result()
				if err != nil {
					return removed, wrapErr(err)
				}
				if exists == 0 {
					if err := s.client.SRem(ctx, userKey, sessionID).Err(); err != nil {
						return removed, wrapErr(err)
					}
					removed++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if removed > 0 {
		s.logger.Debug("Session index sweep completed", "reconciled", removed)
	}
	return removed, nil
}

// fetch loads and unmarshals a session without expiry handling.
func (s *Store) fetch(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, wrapErr(err)
	}
	var rec storage.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &rec, nil
}

// remove deletes a session key and its index entry together.
func (s *Store) remove(ctx context.Context, userID, sessionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.sessionKey(sessionID))
	pipe.SRem(ctx, s.userKey(userID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr(err)
	}
	return nil
}

// liveUserSessions returns the user's unexpired sessions, pruning index
// members whose session key has been reclaimed.
func (s *Store) liveUserSessions(ctx context.Context, userID string, now time.Time) ([]*storage.SessionRecord, error) {
	members, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, wrapErr(err)
	}

	var live []*storage.SessionRecord
	for _, sessionID := range members {
		rec, err := s.fetch(ctx, sessionID)
		if err != nil {
			if errors.Is(err, storage.ErrSessionNotFound) {
				if err := s.client.SRem(ctx, s.userKey(userID), sessionID).Err(); err != nil {
					return nil, wrapErr(err)
				}
				continue
			}
			return nil, err
		}
		if rec.Expired(now) {
			if err := s.remove(ctx, userID, sessionID); err != nil {
				return nil, err
			}
			continue
		}
		live = append(live, rec)
	}
	return live, nil
}

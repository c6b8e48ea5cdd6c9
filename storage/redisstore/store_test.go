package redisstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tradegate/accesscore/internal/clock"
	"github.com/tradegate/accesscore/security"
	"github.com/tradegate/accesscore/storage"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *redis.Client, *clock.Fake) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clk := clock.NewFake(time.Unix(1700000000, 0))
	s, err := New(Config{Client: client, Clock: clk})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, mr, client, clk
}

func newRecord(clk clock.Clock, sessionID, userID string, ttl time.Duration) *storage.SessionRecord {
	now := clk.Now()
	return &storage.SessionRecord{
		SessionID:    sessionID,
		UserID:       userID,
		UserType:     security.UserTypeCustomer,
		Email:        userID + "@example.com",
		IPAddress:    "192.0.2.1",
		UserAgent:    "test-agent",
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
	}
}

func TestNew_RequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New accepted a nil client, want error")
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s, _, rdb, clk := newTestStore(t)

	if _, err := s.Create(ctx, newRecord(clk, "sess-1", "user-1", time.Hour), 5); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID != "user-1" || got.UserType != security.UserTypeCustomer {
		t.Errorf("Get = %+v", got)
	}

	// The session key carries a TTL derived from the record expiry.
	if ttl := rdb.TTL(ctx, "accesscore:sess:sess-1").Val(); ttl != time.Hour {
		t.Errorf("key TTL = %v, want %v", ttl, time.Hour)
	}
	if !rdb.SIsMember(ctx, "accesscore:user:user-1", "sess-1").Val() {
		t.Error("index set missing the session ID")
	}
}

func TestStore_GetMissing(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("Get error = %v, want ErrSessionNotFound", err)
	}
}

func TestStore_ClockExpiryBeforeTTL(t *testing.T) {
	ctx := context.Background()
	s, _, rdb, clk := newTestStore(t)

	s.Create(ctx, newRecord(clk, "sess-1", "user-1", time.Hour), 0)

	// The clock advances past the record expiry while the Redis TTL has not
	// fired. The read must still report not-found and clean up both keys.
	clk.Advance(2 * time.Hour)
	if _, err := s.Get(ctx, "sess-1"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("Get error = %v, want ErrSessionNotFound", err)
	}
	if rdb.Exists(ctx, "accesscore:sess:sess-1").Val() != 0 {
		t.Error("expired session key should have been removed")
	}
	if rdb.SIsMember(ctx, "accesscore:user:user-1", "sess-1").Val() {
		t.Error("expired session should have been removed from the index")
	}
}

func TestStore_Touch(t *testing.T) {
	ctx := context.Background()
	s, _, rdb, clk := newTestStore(t)

	s.Create(ctx, newRecord(clk, "sess-1", "user-1", time.Hour), 0)

	clk.Advance(10 * time.Minute)
	if err := s.Touch(ctx, "sess-1"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	got, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.LastActivity.Equal(clk.Now()) {
		t.Errorf("LastActivity = %v, want %v", got.LastActivity, clk.Now())
	}
	// Touch must not reset the key TTL.
	if ttl := rdb.TTL(ctx, "accesscore:sess:sess-1").Val(); ttl != time.Hour {
		t.Errorf("key TTL = %v after Touch, want %v", ttl, time.Hour)
	}
}

func TestStore_EvictionOrder(t *testing.T) {
	ctx := context.Background()
	s, _, _, clk := newTestStore(t)

	for i := 1; i <= 3; i++ {
		if _, err := s.Create(ctx, newRecord(clk, fmt.Sprintf("sess-%d", i), "user-1", 24*time.Hour), 3); err != nil {
			t.Fatalf("Create sess-%d: %v", i, err)
		}
		clk.Advance(time.Minute)
	}
	if err := s.Touch(ctx, "sess-1"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	evicted, err := s.Create(ctx, newRecord(clk, "sess-4", "user-1", 24*time.Hour), 3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(evicted) != 1 || evicted[0].SessionID != "sess-2" {
		ids := make([]string, 0, len(evicted))
		for _, rec := range evicted {
			ids = append(ids, rec.SessionID)
		}
		t.Fatalf("evicted = %v, want [sess-2]", ids)
	}

	live, err := s.UserSessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("UserSessions: %v", err)
	}
	if len(live) != 3 {
		t.Errorf("live sessions = %d, want 3", len(live))
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s, _, rdb, clk := newTestStore(t)

	s.Create(ctx, newRecord(clk, "sess-1", "user-1", time.Hour), 0)

	rec, err := s.Delete(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if rec.SessionID != "sess-1" {
		t.Errorf("Delete returned %q, want sess-1", rec.SessionID)
	}
	if rdb.Exists(ctx, "accesscore:sess:sess-1").Val() != 0 {
		t.Error("session key should be gone")
	}
	if _, err := s.Delete(ctx, "sess-1"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("second Delete = %v, want ErrSessionNotFound", err)
	}
}

func TestStore_DeleteUserSessionsWithExclusion(t *testing.T) {
	ctx := context.Background()
	s, _, _, clk := newTestStore(t)

	for i := 1; i <= 3; i++ {
		s.Create(ctx, newRecord(clk, fmt.Sprintf("sess-%d", i), "user-1", time.Hour), 0)
	}

	removed, err := s.DeleteUserSessions(ctx, "user-1", "sess-2")
	if err != nil {
		t.Fatalf("DeleteUserSessions: %v", err)
	}
	if len(removed) != 2 {
		t.Errorf("removed = %d records, want 2", len(removed))
	}
	if _, err := s.Get(ctx, "sess-2"); err != nil {
		t.Error("excluded session should survive")
	}
}

func TestStore_Counts(t *testing.T) {
	ctx := context.Background()
	s, _, _, clk := newTestStore(t)

	s.Create(ctx, newRecord(clk, "c1", "cust-1", time.Hour), 0)
	staff := newRecord(clk, "s1", "staff-1", time.Hour)
	staff.UserType = security.UserTypeStaff
	s.Create(ctx, staff, 0)

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Total != 2 {
		t.Errorf("Total = %d, want 2", counts.Total)
	}
	if counts.ByUserType[security.UserTypeStaff] != 1 {
		t.Errorf("staff count = %d, want 1", counts.ByUserType[security.UserTypeStaff])
	}
}

func TestStore_SweepReconcilesIndex(t *testing.T) {
	ctx := context.Background()
	s, mr, rdb, clk := newTestStore(t)

	s.Create(ctx, newRecord(clk, "sess-1", "user-1", time.Minute), 0)
	s.Create(ctx, newRecord(clk, "sess-2", "user-1", time.Hour), 0)

	// Redis reclaims the short-lived key; the index member lingers until the
	// sweep drops it.
	mr.FastForward(2 * time.Minute)
	clk.Advance(2 * time.Minute)

	if !rdb.SIsMember(ctx, "accesscore:user:user-1", "sess-1").Val() {
		t.Fatal("index member should linger until the sweep runs")
	}

	removed, err := s.SweepExpired(ctx, clk.Now())
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if rdb.SIsMember(ctx, "accesscore:user:user-1", "sess-1").Val() {
		t.Error("index member should be gone after the sweep")
	}
	if !rdb.SIsMember(ctx, "accesscore:user:user-1", "sess-2").Val() {
		t.Error("live index member should survive the sweep")
	}
}

func TestStore_UserSessionsPrunesReclaimedKeys(t *testing.T) {
	ctx := context.Background()
	s, mr, rdb, clk := newTestStore(t)

	s.Create(ctx, newRecord(clk, "sess-1", "user-1", time.Minute), 0)
	s.Create(ctx, newRecord(clk, "sess-2", "user-1", time.Hour), 0)

	mr.FastForward(2 * time.Minute)
	clk.Advance(2 * time.Minute)

	live, err := s.UserSessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("UserSessions: %v", err)
	}
	if len(live) != 1 || live[0].SessionID != "sess-2" {
		t.Errorf("live = %d sessions, want just sess-2", len(live))
	}
	if rdb.SIsMember(ctx, "accesscore:user:user-1", "sess-1").Val() {
		t.Error("reclaimed session should have been pruned from the index")
	}
}

func TestStore_UnavailableBackend(t *testing.T) {
	ctx := context.Background()
	s, mr, _, clk := newTestStore(t)

	s.Create(ctx, newRecord(clk, "sess-1", "user-1", time.Hour), 0)
	mr.Close()

	if _, err := s.Get(ctx, "sess-1"); !errors.Is(err, storage.ErrStoreUnavailable) {
		t.Errorf("Get error = %v, want ErrStoreUnavailable", err)
	}
}

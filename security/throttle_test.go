package security

import (
	"fmt"
	"testing"
	"time"
)

func TestThrottle_AllowsWithinBurst(t *testing.T) {
	th := NewThrottle(1, 5, 100, nil)

	for i := 0; i < 5; i++ {
		if !th.Allow("203.0.113.7") {
			t.Errorf("request %d: Allow = false within burst, want true", i+1)
		}
	}
	if th.Allow("203.0.113.7") {
		t.Error("Allow = true after burst exhausted, want false")
	}
}

func TestThrottle_IPsAreIndependent(t *testing.T) {
	th := NewThrottle(1, 2, 100, nil)

	th.Allow("203.0.113.7")
	th.Allow("203.0.113.7")
	if th.Allow("203.0.113.7") {
		t.Error("first IP should be exhausted")
	}
	if !th.Allow("203.0.113.8") {
		t.Error("second IP should have a fresh bucket")
	}
}

func TestThrottle_EmptyIPAlwaysAllowed(t *testing.T) {
	th := NewThrottle(1, 1, 100, nil)
	for i := 0; i < 10; i++ {
		if !th.Allow("") {
			t.Fatal("empty IP must always be allowed")
		}
	}
	if th.Stats().CurrentEntries != 0 {
		t.Error("empty IP should not be tracked")
	}
}

func TestThrottle_RefillsOverTime(t *testing.T) {
	th := NewThrottle(100, 1, 100, nil)

	if !th.Allow("203.0.113.7") {
		t.Fatal("first request should pass")
	}
	if th.Allow("203.0.113.7") {
		t.Fatal("second immediate request should fail with burst 1")
	}

	time.Sleep(30 * time.Millisecond)
	if !th.Allow("203.0.113.7") {
		t.Error("bucket should have refilled after waiting")
	}
}

func TestThrottle_LRUEviction(t *testing.T) {
	th := NewThrottle(1, 1, 3, nil)

	for i := 0; i < 5; i++ {
		th.Allow(fmt.Sprintf("203.0.113.%d", i))
	}

	stats := th.Stats()
	if stats.CurrentEntries != 3 {
		t.Errorf("CurrentEntries = %d, want 3", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 2 {
		t.Errorf("TotalEvictions = %d, want 2", stats.TotalEvictions)
	}

	// The oldest entries were evicted, so they come back with fresh buckets.
	if !th.Allow("203.0.113.0") {
		t.Error("evicted IP should return with a fresh bucket")
	}
}

func TestThrottle_CleanupRemovesIdle(t *testing.T) {
	th := NewThrottle(1, 1, 100, nil)

	th.Allow("203.0.113.7")
	th.Allow("203.0.113.8")

	time.Sleep(20 * time.Millisecond)
	th.Allow("203.0.113.8") // refresh one entry

	if removed := th.Cleanup(10 * time.Millisecond); removed != 1 {
		t.Errorf("Cleanup removed = %d, want 1", removed)
	}
	if th.Stats().CurrentEntries != 1 {
		t.Errorf("CurrentEntries = %d after cleanup, want 1", th.Stats().CurrentEntries)
	}
}

package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultThrottlePerSecond is the default sustained request rate per IP
	DefaultThrottlePerSecond = 100

	// DefaultThrottleBurst is the default burst allowance per IP
	DefaultThrottleBurst = 200

	// DefaultThrottleMaxEntries is the maximum number of IPs tracked
	DefaultThrottleMaxEntries = 10000

	// throttleIdleTimeout is how long an IP may sit idle before its limiter
	// is reclaimed by Cleanup
	throttleIdleTimeout = 30 * time.Minute
)

// throttleEntry tracks a token-bucket limiter and its last access time.
type throttleEntry struct {
	ip         string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Throttle is a per-IP token-bucket flood guard that sits in front of the
// fixed-window limiter. It smooths request floods from a single address
// without consuming the caller's fixed-window budget, and uses LRU eviction
// to keep the tracked-IP map bounded.
//
// The defaults are deliberately generous: the fixed-window rules decide
// admission policy, the throttle only rejects abusive bursts.
type Throttle struct {
	entries map[string]*list.Element // IP -> list element
	lruList *list.List               // LRU list of *throttleEntry
	mu      sync.Mutex

	perSecond  int
	burst      int
	maxEntries int
	logger     *slog.Logger

	// Statistics
	totalEvictions int64
	totalCleanups  int64
}

// NewThrottle creates a flood guard. Non-positive arguments fall back to the
// package defaults.
func NewThrottle(perSecond, burst, maxEntries int, logger *slog.Logger) *Throttle {
	if logger == nil {
		logger = slog.Default()
	}
	if perSecond <= 0 {
		perSecond = DefaultThrottlePerSecond
	}
	if burst <= 0 {
		burst = DefaultThrottleBurst
	}
	if maxEntries <= 0 {
		maxEntries = DefaultThrottleMaxEntries
	}

	return &Throttle{
		entries:    make(map[string]*list.Element),
		lruList:    list.New(),
		perSecond:  perSecond,
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger,
	}
}

// Allow reports whether a request from the given IP is within the flood
// budget. An empty IP is always allowed.
func (t *Throttle) Allow(ip string) bool {
	if ip == "" {
		return true
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, exists := t.entries[ip]; exists {
		t.lruList.MoveToFront(elem)
		entry := elem.Value.(*throttleEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if len(t.entries) >= t.maxEntries {
		t.evictLRU()
	}

	entry := &throttleEntry{
		ip:         ip,
		limiter:    rate.NewLimiter(rate.Limit(t.perSecond), t.burst),
		lastAccess: now,
	}
	t.entries[ip] = t.lruList.PushFront(entry)

	return entry.limiter.Allow()
}

// evictLRU removes the least recently used entry. Must be called with the
// mutex held.
func (t *Throttle) evictLRU() {
	elem := t.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*throttleEntry)
	delete(t.entries, entry.ip)
	t.lruList.Remove(elem)
	t.totalEvictions++

	t.logger.Debug("Throttle LRU eviction",
		"total_evictions", t.totalEvictions,
		"current_entries", len(t.entries))
}

// Cleanup removes limiters that have been idle longer than maxIdle. The
// background janitor calls this on its sweep interval.
func (t *Throttle) Cleanup(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		maxIdle = throttleIdleTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := t.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*throttleEntry)
		if now.Sub(entry.lastAccess) > maxIdle {
			delete(t.entries, entry.ip)
			t.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		t.totalCleanups++
		t.logger.Debug("Throttle cleanup completed",
			"removed", removed,
			"remaining", len(t.entries))
	}
	return removed
}

// ThrottleStats holds flood-guard statistics for monitoring.
type ThrottleStats struct {
	CurrentEntries int
	MaxEntries     int
	TotalEvictions int64
	TotalCleanups  int64
}

// Stats returns a snapshot of throttle statistics.
func (t *Throttle) Stats() ThrottleStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ThrottleStats{
		CurrentEntries: len(t.entries),
		MaxEntries:     t.maxEntries,
		TotalEvictions: t.totalEvictions,
		TotalCleanups:  t.totalCleanups,
	}
}

package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/tradegate/accesscore/internal/clock"
)

const (
	// DefaultMaxTrackedKeys is the maximum number of rate-limit keys tracked
	// simultaneously. When the limit is reached, least recently used entries
	// are evicted to prevent unbounded memory growth under distributed attacks.
	DefaultMaxTrackedKeys = 10000
)

// Rule defines the fixed-window budget for one (UserType, Action) pair.
type Rule struct {
	// MaxAttempts is the number of attempts allowed within a single window
	MaxAttempts int

	// Window is the fixed counting window
	Window time.Duration

	// BlockDuration is how long a key is denied after exceeding MaxAttempts.
	// The block outlives the window: a blocked key stays denied until the
	// block expires, regardless of window state.
	BlockDuration time.Duration
}

// RuleKey selects a Rule from the rule table.
type RuleKey struct {
	UserType UserType
	Action   Action
}

// Result is the outcome of a single CheckAndConsume call. Rate-limit denial
// is an expected outcome, not an error: callers surface it as HTTP 429 using
// ResetAt as the Retry-After hint.
type Result struct {
	// Allowed reports whether the attempt may proceed
	Allowed bool

	// Remaining is the number of attempts left in the current window
	Remaining int

	// ResetAt is when the current window ends, or when the block expires if
	// the key is blocked
	ResetAt time.Time

	// Blocked reports whether the key is in the blocked state
	Blocked bool

	// BlockExpiresAt is when the block lifts; zero when not blocked
	BlockExpiresAt time.Time

	// JustBlocked is true only on the single call that transitioned the key
	// into the blocked state. Callers emit exactly one audit event per block
	// transition by acting on this flag.
	JustBlocked bool

	// Attempts is the counter value after this call
	Attempts int
}

// rateEntry is the per-key counter record. Entries move through
// fresh -> counting -> blocked -> fresh as calls arrive and time passes.
type rateEntry struct {
	key            string
	windowStart    time.Time
	count          int
	blocked        bool
	blockExpiresAt time.Time
	lastAccess     time.Time
}

// FixedWindowLimiter enforces per-key fixed-window rate limits with block
// escalation. Keys are (UserType, Action, identifier) triples; the budget for
// each key comes from a per-(UserType, Action) rule table.
//
// Check-and-consume runs entirely under the limiter mutex, so concurrent
// callers on the same key can never push the counter past the threshold.
// Tracked keys are LRU-bounded the same way the flood guard bounds its
// limiter map.
type FixedWindowLimiter struct {
	mu      sync.Mutex
	entries map[string]*list.Element // composite key -> list element
	lruList *list.List               // LRU list of *rateEntry

	rules       map[RuleKey]Rule
	defaultRule Rule
	maxWindow   time.Duration
	maxEntries  int
	clock       clock.Clock
	logger      *slog.Logger

	// Statistics
	activeBlocks   int
	totalAllowed   int64
	totalDenied    int64
	totalBlocks    int64
	totalEvictions int64
}

// NewFixedWindowLimiter creates a limiter with the given rule table. Lookups
// that miss the table fall back to defaultRule. A nil clock uses the system
// clock; maxEntries <= 0 uses DefaultMaxTrackedKeys.
func NewFixedWindowLimiter(rules map[RuleKey]Rule, defaultRule Rule, maxEntries int, clk clock.Clock, logger *slog.Logger) *FixedWindowLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.System()
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxTrackedKeys
	}
	if defaultRule.MaxAttempts <= 0 || defaultRule.Window <= 0 {
		logger.Warn("Invalid default rate-limit rule, using fallback",
			"max_attempts", defaultRule.MaxAttempts,
			"window", defaultRule.Window)
		defaultRule = Rule{MaxAttempts: 10, Window: 15 * time.Minute, BlockDuration: 30 * time.Minute}
	}

	maxWindow := defaultRule.Window
	for _, rule := range rules {
		if rule.Window > maxWindow {
			maxWindow = rule.Window
		}
	}

	return &FixedWindowLimiter{
		entries:     make(map[string]*list.Element),
		lruList:     list.New(),
		rules:       rules,
		defaultRule: defaultRule,
		maxWindow:   maxWindow,
		maxEntries:  maxEntries,
		clock:       clk,
		logger:      logger,
	}
}

// RuleFor returns the rule applied to a (UserType, Action) pair.
func (l *FixedWindowLimiter) RuleFor(userType UserType, action Action) Rule {
	if rule, ok := l.rules[RuleKey{UserType: userType, Action: action}]; ok {
		return rule
	}
	return l.defaultRule
}

// CheckAndConsume records one attempt for the key and reports whether it is
// allowed. The record is created lazily on first use and reset to a fresh
// window once its window or block has elapsed.
func (l *FixedWindowLimiter) CheckAndConsume(identifier string, action Action, userType UserType) Result {
	rule := l.RuleFor(userType, action)
	key := string(userType) + "|" + string(action) + "|" + identifier
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	elem, exists := l.entries[key]
	if !exists {
		if l.maxEntries > 0 && len(l.entries) >= l.maxEntries {
			l.evictLRU()
		}
		e := &rateEntry{key: key, windowStart: now, count: 1, lastAccess: now}
		l.entries[key] = l.lruList.PushFront(e)
		l.totalAllowed++
		return Result{
			Allowed:   true,
			Remaining: rule.MaxAttempts - 1,
			ResetAt:   now.Add(rule.Window),
			Attempts:  1,
		}
	}

	l.lruList.MoveToFront(elem)
	e := elem.Value.(*rateEntry)
	e.lastAccess = now

	if e.blocked {
		if now.Before(e.blockExpiresAt) {
			l.totalDenied++
			return Result{
				Allowed:        false,
				Remaining:      0,
				ResetAt:        e.blockExpiresAt,
				Blocked:        true,
				BlockExpiresAt: e.blockExpiresAt,
				Attempts:       e.count,
			}
		}
		// Block elapsed, start a fresh window with this attempt.
		e.blocked = false
		e.blockExpiresAt = time.Time{}
		l.activeBlocks--
		e.windowStart = now
		e.count = 1
		l.totalAllowed++
		return Result{
			Allowed:   true,
			Remaining: rule.MaxAttempts - 1,
			ResetAt:   now.Add(rule.Window),
			Attempts:  1,
		}
	}

	if now.Sub(e.windowStart) >= rule.Window {
		e.windowStart = now
		e.count = 1
		l.totalAllowed++
		return Result{
			Allowed:   true,
			Remaining: rule.MaxAttempts - 1,
			ResetAt:   now.Add(rule.Window),
			Attempts:  1,
		}
	}

	e.count++
	if e.count > rule.MaxAttempts {
		e.blocked = true
		e.blockExpiresAt = now.Add(rule.BlockDuration)
		l.activeBlocks++
		l.totalBlocks++
		l.totalDenied++
		l.logger.Debug("Rate-limit key blocked",
			"user_type", string(userType),
			"action", string(action),
			"attempts", e.count,
			"block_expires_at", e.blockExpiresAt)
		return Result{
			Allowed:        false,
			Remaining:      0,
			ResetAt:        e.blockExpiresAt,
			Blocked:        true,
			BlockExpiresAt: e.blockExpiresAt,
			JustBlocked:    true,
			Attempts:       e.count,
		}
	}

	l.totalAllowed++
	return Result{
		Allowed:   true,
		Remaining: rule.MaxAttempts - e.count,
		ResetAt:   e.windowStart.Add(rule.Window),
		Attempts:  e.count,
	}
}

// evictLRU removes the least recently used entry. Must be called with the
// mutex held.
func (l *FixedWindowLimiter) evictLRU() {
	elem := l.lruList.Back()
	if elem == nil {
		return
	}
	e := elem.Value.(*rateEntry)
	if e.blocked {
		l.activeBlocks--
	}
	delete(l.entries, e.key)
	l.lruList.Remove(elem)
	l.totalEvictions++

	l.logger.Debug("Rate limiter LRU eviction",
		"total_evictions", l.totalEvictions,
		"current_entries", len(l.entries))
}

// SweepExpired removes entries whose window and block (if any) have both
// expired. Keys are snapshotted first and each deletion re-checks the entry
// under its own short-lived lock acquisition, so the request path is never
// blocked for the duration of a full sweep.
func (l *FixedWindowLimiter) SweepExpired(now time.Time) int {
	l.mu.Lock()
	keys := make([]string, 0, len(l.entries))
	for key := range l.entries {
		keys = append(keys, key)
	}
	l.mu.Unlock()

	removed := 0
	for _, key := range keys {
		l.mu.Lock()
		if elem, ok := l.entries[key]; ok {
			e := elem.Value.(*rateEntry)
			if l.entryExpired(e, now) {
				if e.blocked {
					l.activeBlocks--
				}
				delete(l.entries, key)
				l.lruList.Remove(elem)
				removed++
			}
		}
		l.mu.Unlock()
	}

	if removed > 0 {
		l.logger.Debug("Rate limiter sweep completed", "removed", removed)
	}
	return removed
}

// entryExpired reports whether the entry's window and block have both elapsed.
// The window bound uses the largest configured window so a sweep can never
// reclaim a record that a rule still considers live.
func (l *FixedWindowLimiter) entryExpired(e *rateEntry, now time.Time) bool {
	if e.blocked && now.Before(e.blockExpiresAt) {
		return false
	}
	return now.Sub(e.windowStart) >= l.maxWindow
}

// ActiveBlocks returns the number of keys currently in the blocked state.
func (l *FixedWindowLimiter) ActiveBlocks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeBlocks
}

// LimiterStats holds fixed-window limiter statistics for monitoring.
type LimiterStats struct {
	TrackedKeys    int   // Current number of tracked keys
	ActiveBlocks   int   // Keys currently in the blocked state
	TotalAllowed   int64 // Total attempts allowed
	TotalDenied    int64 // Total attempts denied
	TotalBlocks    int64 // Total block transitions
	TotalEvictions int64 // Total LRU evictions
}

// Stats returns a snapshot of limiter statistics.
func (l *FixedWindowLimiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimiterStats{
		TrackedKeys:    len(l.entries),
		ActiveBlocks:   l.activeBlocks,
		TotalAllowed:   l.totalAllowed,
		TotalDenied:    l.totalDenied,
		TotalBlocks:    l.totalBlocks,
		TotalEvictions: l.totalEvictions,
	}
}

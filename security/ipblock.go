package security

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tradegate/accesscore/internal/clock"
)

// BlockRecord describes one blocked IP address.
type BlockRecord struct {
	IPAddress string
	BlockedAt time.Time
	ExpiresAt time.Time
	Reason    string
	Attempts  int
}

// expired reports whether the block has lapsed. A zero ExpiresAt means the
// block never expires and must be lifted explicitly.
func (r *BlockRecord) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// IPBlockRegistry maps IP addresses to time-boxed block records. Blocks are
// created explicitly or by rate-limit escalation, lapse lazily on read, and
// are reclaimed eagerly by the background sweep. A registry never returns a
// record past its expiry.
type IPBlockRegistry struct {
	mu     sync.Mutex
	blocks map[string]*BlockRecord
	clock  clock.Clock
	logger *slog.Logger

	totalBlocks int64
}

// NewIPBlockRegistry creates an empty registry. A nil clock uses the system
// clock.
func NewIPBlockRegistry(clk clock.Clock, logger *slog.Logger) *IPBlockRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &IPBlockRegistry{
		blocks: make(map[string]*BlockRecord),
		clock:  clk,
		logger: logger,
	}
}

// Block places or refreshes a block on the given IP. A non-positive duration
// creates a block with no expiry. Returns a copy of the stored record.
func (r *IPBlockRegistry) Block(ip, reason string, duration time.Duration, attempts int) BlockRecord {
	now := r.clock.Now()
	rec := &BlockRecord{
		IPAddress: ip,
		BlockedAt: now,
		Reason:    reason,
		Attempts:  attempts,
	}
	if duration > 0 {
		rec.ExpiresAt = now.Add(duration)
	}

	r.mu.Lock()
	r.blocks[ip] = rec
	r.totalBlocks++
	r.mu.Unlock()

	r.logger.Debug("IP blocked",
		"ip", ip,
		"reason", reason,
		"expires_at", rec.ExpiresAt,
		"attempts", attempts)
	return *rec
}

// IsBlocked reports whether the IP is currently blocked. An expired record is
// deleted on the spot and reported as not blocked.
func (r *IPBlockRegistry) IsBlocked(ip string) bool {
	_, blocked := r.Lookup(ip)
	return blocked
}

// Lookup returns a copy of the active block record for the IP, if any.
// Expired records are lazily deleted.
func (r *IPBlockRegistry) Lookup(ip string) (BlockRecord, bool) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.blocks[ip]
	if !ok {
		return BlockRecord{}, false
	}
	if rec.expired(now) {
		delete(r.blocks, ip)
		return BlockRecord{}, false
	}
	return *rec, true
}

// Unblock lifts a block before it expires. Returns true if a record existed.
func (r *IPBlockRegistry) Unblock(ip string) bool {
	r.mu.Lock()
	_, ok := r.blocks[ip]
	delete(r.blocks, ip)
	r.mu.Unlock()

	if ok {
		r.logger.Debug("IP unblocked", "ip", ip)
	}
	return ok
}

// Count returns the number of currently active blocks. Expired records that
// the sweep has not yet reclaimed are not counted.
func (r *IPBlockRegistry) Count() int {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rec := range r.blocks {
		if !rec.expired(now) {
			n++
		}
	}
	return n
}

// SweepExpired removes lapsed block records. Keys are snapshotted first and
// each deletion re-checks expiry under a short-lived lock acquisition.
func (r *IPBlockRegistry) SweepExpired(now time.Time) int {
	r.mu.Lock()
	ips := make([]string, 0, len(r.blocks))
	for ip := range r.blocks {
		ips = append(ips, ip)
	}
	r.mu.Unlock()

	removed := 0
	for _, ip := range ips {
		r.mu.Lock()
		if rec, ok := r.blocks[ip]; ok && rec.expired(now) {
			delete(r.blocks, ip)
			removed++
		}
		r.mu.Unlock()
	}

	if removed > 0 {
		r.logger.Debug("IP block sweep completed", "removed", removed)
	}
	return removed
}

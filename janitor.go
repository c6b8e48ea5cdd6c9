package accesscore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tradegate/accesscore/internal/clock"
	"github.com/tradegate/accesscore/security"
	"github.com/tradegate/accesscore/storage"
)

// Janitor is the background sweep that bounds memory: on each interval it
// removes expired rate-limit records, expired sessions, lapsed IP blocks,
// and idle throttle entries. Each target store takes only short per-entry
// locks during its sweep, so a sweep never stalls the request path.
//
// Expiry decisions use the same clock and the same expiry fields as the lazy
// read path, so the two mechanisms cannot disagree about what is expired.
type Janitor struct {
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	limiter  *security.FixedWindowLimiter
	ipBlocks *security.IPBlockRegistry
	throttle *security.Throttle
	store    storage.SessionStore

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool
	mu       sync.Mutex
}

func newJanitor(
	interval time.Duration,
	clk clock.Clock,
	logger *slog.Logger,
	limiter *security.FixedWindowLimiter,
	ipBlocks *security.IPBlockRegistry,
	throttle *security.Throttle,
	store storage.SessionStore,
) *Janitor {
	return &Janitor{
		interval: interval,
		clock:    clk,
		logger:   logger,
		limiter:  limiter,
		ipBlocks: ipBlocks,
		throttle: throttle,
		store:    store,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. A second Start is a no-op.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return
	}
	j.started = true
	if j.interval <= 0 {
		// Background sweeps disabled; lazy expiry still applies.
		close(j.done)
		return
	}
	go j.run()
}

func (j *Janitor) run() {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			j.Sweep(context.Background())
		}
	}
}

// Stop halts the sweep loop and waits for it to exit. Safe to call multiple
// times.
func (j *Janitor) Stop() {
	j.mu.Lock()
	started := j.started
	j.mu.Unlock()

	j.stopOnce.Do(func() { close(j.stop) })
	if started {
		<-j.done
	}
}

// Sweep runs one pass over all stores and returns the number of records
// removed. Exposed so tests and operators can force a sweep.
func (j *Janitor) Sweep(ctx context.Context) int {
	now := j.clock.Now()
	removed := 0

	removed += j.limiter.SweepExpired(now)
	removed += j.ipBlocks.SweepExpired(now)
	if j.throttle != nil {
		removed += j.throttle.Cleanup(0)
	}

	swept, err := j.store.SweepExpired(ctx, now)
	if err != nil {
		j.logger.Warn("Session sweep failed", "error", err)
	}
	removed += swept

	if removed > 0 {
		j.logger.Debug("Janitor sweep completed", "removed", removed)
	}
	return removed
}

package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tradegate/accesscore/internal/clock"
)

// Event represents a security audit event. User identifiers are hashed
// before they reach the structured log; the raw values are only visible to a
// configured Sink.
type Event struct {
	Type      string
	UserID    string
	UserType  string
	SessionID string
	IPAddress string
	Reason    string
	Count     int
	Details   map[string]any
	Timestamp time.Time
}

// Sink receives audit events asynchronously. Delivery is fire and forget;
// the sink's own guarantees are its business.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// AuditorConfig controls audit logging and sink dispatch.
type AuditorConfig struct {
	// Enabled controls whether events are logged and dispatched at all
	Enabled bool

	// Logger receives the structured audit log lines (default slog.Default())
	Logger *slog.Logger

	// Sink, when set, receives every event on a background goroutine
	Sink Sink

	// BufferSize is the sink dispatch buffer (default 64)
	BufferSize int

	// DropIfFull drops events instead of blocking when the sink buffer is
	// full. Dropped events are counted and reported by Dropped().
	DropIfFull bool
}

// Auditor logs security events with PII protection and optionally forwards
// them to a Sink without blocking the request path.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	clock   clock.Clock

	sink       Sink
	ch         chan Event
	done       chan struct{}
	wg         sync.WaitGroup
	dropIfFull bool
	dropped    atomic.Uint64
	closeOnce  sync.Once
}

// NewAuditor creates an auditor. When cfg.Sink is set a dispatch goroutine is
// started; Close drains and stops it.
func NewAuditor(cfg AuditorConfig, clk clock.Clock) *Auditor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if clk == nil {
		clk = clock.System()
	}

	a := &Auditor{
		logger:  cfg.Logger,
		enabled: cfg.Enabled,
		clock:   clk,
	}

	if cfg.Enabled && cfg.Sink != nil {
		buffer := cfg.BufferSize
		if buffer <= 0 {
			buffer = 64
		}
		a.sink = cfg.Sink
		a.ch = make(chan Event, buffer)
		a.done = make(chan struct{})
		a.dropIfFull = cfg.DropIfFull
		a.wg.Add(1)
		go a.dispatch()
	}

	return a
}

func (a *Auditor) dispatch() {
	defer a.wg.Done()

	for {
		select {
		case event := <-a.ch:
			a.sink.Emit(context.Background(), event)
		case <-a.done:
			// Drain whatever is buffered before shutting down.
			for {
				select {
				case event := <-a.ch:
					a.sink.Emit(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// Close stops the sink dispatcher after draining buffered events. Safe to
// call multiple times and on a nil auditor.
func (a *Auditor) Close() {
	if a == nil || a.sink == nil {
		return
	}
	a.closeOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
	})
}

// Dropped returns the number of events dropped because the sink buffer was
// full.
func (a *Auditor) Dropped() uint64 {
	if a == nil {
		return 0
	}
	return a.dropped.Load()
}

// LogEvent logs a security event with hashed PII and forwards it to the sink.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.clock.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"user_type", event.UserType,
		"session_id", event.SessionID,
		"ip_address", event.IPAddress,
		"reason", event.Reason,
		"count", event.Count,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	if a.sink == nil {
		return
	}
	if a.dropIfFull {
		select {
		case a.ch <- event:
		case <-a.done:
		default:
			a.dropped.Add(1)
		}
		return
	}
	select {
	case a.ch <- event:
	case <-a.done:
	}
}

// LogRateLimitExceeded logs a fixed-window rate-limit block transition.
func (a *Auditor) LogRateLimitExceeded(identifier string, action Action, userType UserType, ip string, attempts int) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		UserID:    identifier,
		UserType:  string(userType),
		IPAddress: ip,
		Count:     attempts,
		Details:   map[string]any{"action": string(action)},
	})
}

// LogSessionEvicted logs a session removed by the concurrent-session cap.
func (a *Auditor) LogSessionEvicted(userID, sessionID string, userType UserType) {
	a.LogEvent(Event{
		Type:      EventSessionEvicted,
		UserID:    userID,
		UserType:  string(userType),
		SessionID: sessionID,
		Reason:    ReasonConcurrentLimitExceeded,
	})
}

// LogSessionInvalidated logs an explicit session invalidation.
func (a *Auditor) LogSessionInvalidated(userID, sessionID, reason string) {
	a.LogEvent(Event{
		Type:      EventSessionInvalidated,
		UserID:    userID,
		SessionID: sessionID,
		Reason:    reason,
	})
}

// LogIPBlocked logs an IP being placed on the block list.
func (a *Auditor) LogIPBlocked(ip, reason string, attempts int) {
	a.LogEvent(Event{
		Type:      EventIPBlocked,
		IPAddress: ip,
		Reason:    reason,
		Count:     attempts,
	})
}

// LogIPUnblocked logs an IP block being lifted before expiry.
func (a *Auditor) LogIPUnblocked(ip string) {
	a.LogEvent(Event{
		Type:      EventIPUnblocked,
		IPAddress: ip,
	})
}

// LogRoleChangeInvalidation logs one summary event per role change cascade.
func (a *Auditor) LogRoleChangeInvalidation(userID string, userType UserType, oldRole, newRole, adminUserID, ip string, invalidated int) {
	a.LogEvent(Event{
		Type:      EventRoleChangeInvalidation,
		UserID:    userID,
		UserType:  string(userType),
		IPAddress: ip,
		Reason:    ReasonRoleChange,
		Count:     invalidated,
		Details: map[string]any{
			"old_role":      oldRole,
			"new_role":      newRole,
			"admin_user_id": hashForLogging(adminUserID),
		},
	})
}

// hashForLogging creates a truncated SHA-256 hash of sensitive data for logging.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}

// ChannelSink buffers audit events in a channel for consumption by an
// external collector. Emit drops nothing; it blocks until the event is
// queued or the context is done.
type ChannelSink struct {
	events chan Event
}

// NewChannelSink creates a channel sink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan Event, buffer)}
}

// Emit queues an event for the consumer.
func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// Events returns the consumer side of the sink.
func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

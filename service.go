package accesscore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tradegate/accesscore/instrumentation"
	"github.com/tradegate/accesscore/internal/clock"
	"github.com/tradegate/accesscore/security"
	"github.com/tradegate/accesscore/storage"
	"github.com/tradegate/accesscore/storage/memory"
)

// SecurityService is the façade composing the rate limiter, session store,
// IP block registry, policy validator, and janitor. It is the only component
// exposed to the authentication handler.
//
// All state is held by the service instance; there is no package-level
// store. Construct one per process (or per test) with New.
type SecurityService struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	limiter   *security.FixedWindowLimiter
	throttle  *security.Throttle
	ipBlocks  *security.IPBlockRegistry
	validator *security.Validator
	store     storage.SessionStore
	auditor   *security.Auditor
	janitor   *Janitor
	metrics   *instrumentation.Metrics

	closed atomic.Bool
}

// New creates a SecurityService from the configuration and starts the
// background janitor. Call Close when done.
func New(cfg Config) (*SecurityService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}

	validator, err := security.NewValidator(cfg.Policies)
	if err != nil {
		return nil, fmt.Errorf("invalid policy table: %w", err)
	}

	store := cfg.Store
	if store == nil {
		store = memory.New(cfg.Clock, cfg.Logger)
	}

	s := &SecurityService{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		limiter: security.NewFixedWindowLimiter(
			cfg.RateLimitRules, cfg.DefaultRateLimitRule, cfg.MaxTrackedKeys, cfg.Clock, cfg.Logger),
		ipBlocks:  security.NewIPBlockRegistry(cfg.Clock, cfg.Logger),
		validator: validator,
		store:     store,
		auditor: security.NewAuditor(security.AuditorConfig{
			Enabled:    cfg.AuditEnabled,
			Logger:     cfg.Logger,
			Sink:       cfg.AuditSink,
			BufferSize: cfg.AuditBufferSize,
			DropIfFull: cfg.AuditDropIfFull,
		}, cfg.Clock),
	}

	if cfg.Throttle.Enabled {
		s.throttle = security.NewThrottle(
			cfg.Throttle.PerSecond, cfg.Throttle.Burst, cfg.Throttle.MaxEntries, cfg.Logger)
	}

	if cfg.Instrumentation != nil {
		s.metrics = cfg.Instrumentation.Metrics()
		err := cfg.Instrumentation.RegisterGaugeCallbacks(
			s.activeSessionGauge,
			func() int64 { return int64(s.ipBlocks.Count()) },
			func() int64 { return int64(s.limiter.Stats().TrackedKeys) },
			func() int64 { return int64(s.limiter.ActiveBlocks()) },
		)
		if err != nil {
			cfg.Logger.Warn("Failed to register gauge callbacks", "error", err)
		}
	}

	s.janitor = newJanitor(
		cfg.CleanupInterval, cfg.Clock, cfg.Logger,
		s.limiter, s.ipBlocks, s.throttle, s.store)
	s.janitor.Start()

	return s, nil
}

// Close stops the janitor and drains the audit sink. The service must not be
// used afterwards.
func (s *SecurityService) Close() {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.janitor.Stop()
	s.auditor.Close()
}

// Janitor returns the background sweeper, mainly so operators and tests can
// force a sweep.
func (s *SecurityService) Janitor() *Janitor {
	return s.janitor
}

// AuditDropped returns the number of audit events dropped by the sink
// dispatcher.
func (s *SecurityService) AuditDropped() uint64 {
	return s.auditor.Dropped()
}

// CheckRateLimit records one attempt against the fixed-window budget for
// (userType, action, identifier) and reports whether the attempt may
// proceed. The identifier is whatever the caller keys abuse on, typically
// the client IP or the login identifier.
//
// Exactly one audit event is emitted per block transition; subsequent denied
// calls are silent. When EscalateToIPBlock is set and the caller IP is
// known, the block transition also places the IP on the block registry.
func (s *SecurityService) CheckRateLimit(ctx context.Context, identifier string, action security.Action, userType security.UserType, ip, userAgent string) RateLimitResult {
	if s.throttle != nil && !s.throttle.Allow(ip) {
		s.metrics.RecordRateLimitCheck(ctx, string(userType), string(action), false)
		return RateLimitResult{Allowed: false, Throttled: true, ResetAt: s.clock.Now().Add(time.Second)}
	}

	res := s.limiter.CheckAndConsume(identifier, action, userType)
	s.metrics.RecordRateLimitCheck(ctx, string(userType), string(action), res.Allowed)

	if res.JustBlocked {
		s.metrics.RecordRateLimitBlock(ctx, string(userType), string(action))
		s.auditor.LogRateLimitExceeded(identifier, action, userType, ip, res.Attempts)
		s.metrics.RecordAuditEvent(ctx, security.EventRateLimitExceeded)

		if s.cfg.EscalateToIPBlock && ip != "" {
			rule := s.limiter.RuleFor(userType, action)
			s.ipBlocks.Block(ip, security.ReasonRateLimitEscalation, rule.BlockDuration, res.Attempts)
			s.metrics.RecordIPBlocked(ctx, security.ReasonRateLimitEscalation)
			s.auditor.LogIPBlocked(ip, security.ReasonRateLimitEscalation, res.Attempts)
		}
	}

	return RateLimitResult{
		Allowed:           res.Allowed,
		RemainingAttempts: res.Remaining,
		ResetAt:           res.ResetAt,
		Blocked:           res.Blocked,
		BlockExpiresAt:    res.BlockExpiresAt,
	}
}

// CreateSession persists a new session for an authenticated user, enforcing
// the per-user-type concurrent session cap by evicting the least recently
// active sessions first. One session_evicted audit event is emitted per
// eviction.
func (s *SecurityService) CreateSession(ctx context.Context, userID string, userType security.UserType, email, ip, userAgent string, claims Claims, deviceID string) (*SessionInfo, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	if !claims.valid() {
		return nil, ErrInvalidClaims
	}
	policy, ok := s.validator.Policy(userType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUserType, userType)
	}

	now := s.clock.Now()
	rec := &storage.SessionRecord{
		SessionID:    uuid.NewString(),
		UserID:       userID,
		UserType:     userType,
		Email:        email,
		IPAddress:    ip,
		UserAgent:    userAgent,
		DeviceID:     deviceID,
		Role:         claims.Role(),
		Permissions:  append([]string(nil), claims.Permissions()...),
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(policy.SessionTimeout),
	}

	start := time.Now()
	evicted, err := s.store.Create(ctx, rec, policy.MaxConcurrentSessions)
	s.recordStorageOp(ctx, "create", err, start)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	info := sessionInfoFromRecord(rec)
	for _, victim := range evicted {
		info.EvictedSessions = append(info.EvictedSessions, victim.SessionID)
		s.auditor.LogSessionEvicted(victim.UserID, victim.SessionID, victim.UserType)
		s.metrics.RecordAuditEvent(ctx, security.EventSessionEvicted)
	}
	s.metrics.RecordSessionsEvicted(ctx, string(userType), len(evicted))
	s.metrics.RecordSessionCreated(ctx, string(userType))

	return info, nil
}

// GetSession returns the session if it exists and has not expired.
func (s *SecurityService) GetSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	start := time.Now()
	rec, err := s.store.Get(ctx, sessionID)
	s.recordStorageOp(ctx, "get", err, start)
	if err != nil {
		return nil, err
	}
	return sessionInfoFromRecord(rec), nil
}

// GetUserSessions returns the user's live sessions.
func (s *SecurityService) GetUserSessions(ctx context.Context, userID string) ([]*SessionInfo, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	recs, err := s.store.UserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	infos := make([]*SessionInfo, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, sessionInfoFromRecord(rec))
	}
	return infos, nil
}

// UpdateSessionActivity marks the session as active now, extending its
// idle-eviction ordering but not its expiry. A backend failure is resolved
// through the configured failure policy: fail-open treats the session as
// still active, fail-closed propagates the error.
func (s *SecurityService) UpdateSessionActivity(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	start := time.Now()
	err := s.store.Touch(ctx, sessionID)
	s.recordStorageOp(ctx, "touch", err, start)
	if err != nil && errors.Is(err, storage.ErrStoreUnavailable) && s.cfg.FailurePolicy == FailOpen {
		s.logger.Warn("Session store unavailable, failing open on activity update",
			"failure_policy", s.cfg.FailurePolicy.String(),
			"error", err)
		return nil
	}
	return err
}

// InvalidateSession removes a session. The reason is carried on the audit
// event (use security.ReasonLogout for ordinary logouts).
func (s *SecurityService) InvalidateSession(ctx context.Context, sessionID, reason string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	start := time.Now()
	rec, err := s.store.Delete(ctx, sessionID)
	s.recordStorageOp(ctx, "delete", err, start)
	if err != nil {
		return err
	}

	s.auditor.LogSessionInvalidated(rec.UserID, rec.SessionID, reason)
	s.metrics.RecordAuditEvent(ctx, security.EventSessionInvalidated)
	s.metrics.RecordSessionsInvalidated(ctx, reason, 1)
	return nil
}

// InvalidateAllUserSessions removes all of a user's sessions except the
// optional excluded one and returns how many were removed.
func (s *SecurityService) InvalidateAllUserSessions(ctx context.Context, userID, reason, excludeSessionID string) (int, error) {
	if userID == "" {
		return 0, ErrEmptyUserID
	}
	start := time.Now()
	removed, err := s.store.DeleteUserSessions(ctx, userID, excludeSessionID)
	s.recordStorageOp(ctx, "delete_user_sessions", err, start)
	if err != nil {
		return len(removed), err
	}

	for _, rec := range removed {
		s.auditor.LogSessionInvalidated(rec.UserID, rec.SessionID, reason)
		s.metrics.RecordAuditEvent(ctx, security.EventSessionInvalidated)
	}
	s.metrics.RecordSessionsInvalidated(ctx, reason, len(removed))
	return len(removed), nil
}

// InvalidateSessionsOnRoleChange cascades a role or permission change: every
// session of the user is invalidated so stale permissions cannot be used,
// and exactly one audit event summarizing the invalidated count is emitted.
func (s *SecurityService) InvalidateSessionsOnRoleChange(ctx context.Context, userID string, userType security.UserType, oldRole, newRole, adminUserID, ip, userAgent string) (int, error) {
	if userID == "" {
		return 0, ErrEmptyUserID
	}
	start := time.Now()
	removed, err := s.store.DeleteUserSessions(ctx, userID, "")
	s.recordStorageOp(ctx, "delete_user_sessions", err, start)
	if err != nil {
		return len(removed), err
	}

	s.auditor.LogRoleChangeInvalidation(userID, userType, oldRole, newRole, adminUserID, ip, len(removed))
	s.metrics.RecordAuditEvent(ctx, security.EventRoleChangeInvalidation)
	s.metrics.RecordSessionsInvalidated(ctx, security.ReasonRoleChange, len(removed))

	s.logger.Debug("Role change cascade completed",
		"user_type", string(userType),
		"old_role", oldRole,
		"new_role", newRole,
		"invalidated", len(removed))
	return len(removed), nil
}

// IsIPBlocked reports whether the IP is currently blocked.
func (s *SecurityService) IsIPBlocked(ip string) bool {
	return s.ipBlocks.IsBlocked(ip)
}

// LookupIPBlock returns the active block record for the IP, if any.
func (s *SecurityService) LookupIPBlock(ip string) (security.BlockRecord, bool) {
	return s.ipBlocks.Lookup(ip)
}

// BlockIP places an explicit block on the IP for the given duration. A
// non-positive duration blocks until UnblockIP.
func (s *SecurityService) BlockIP(ctx context.Context, ip, reason string, duration time.Duration) security.BlockRecord {
	rec := s.ipBlocks.Block(ip, reason, duration, 0)
	s.auditor.LogIPBlocked(ip, reason, 0)
	s.metrics.RecordAuditEvent(ctx, security.EventIPBlocked)
	s.metrics.RecordIPBlocked(ctx, reason)
	return rec
}

// UnblockIP lifts a block before it expires. Returns true if a block existed.
func (s *SecurityService) UnblockIP(ctx context.Context, ip string) bool {
	ok := s.ipBlocks.Unblock(ip)
	if ok {
		s.auditor.LogIPUnblocked(ip)
		s.metrics.RecordAuditEvent(ctx, security.EventIPUnblocked)
	}
	return ok
}

// ValidateSecurityPolicy checks the optional password and IP address against
// the user type's policy. Violations are returned as a list, never as an
// error.
func (s *SecurityService) ValidateSecurityPolicy(ctx context.Context, userType security.UserType, password, ip string) security.ValidationResult {
	res := s.validator.Validate(userType, password, ip)
	if !res.Valid {
		s.metrics.RecordPolicyViolations(ctx, string(userType), len(res.Violations))
	}
	return res
}

// GetSecurityMetrics returns a snapshot of active sessions (split by user
// type), blocked IPs, and rate-limited keys.
func (s *SecurityService) GetSecurityMetrics(ctx context.Context) (SecurityMetrics, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return SecurityMetrics{}, err
	}
	stats := s.limiter.Stats()
	return SecurityMetrics{
		ActiveSessions:           counts.Total,
		ActiveSessionsByUserType: counts.ByUserType,
		BlockedIPs:               s.ipBlocks.Count(),
		RateLimitedKeys:          stats.ActiveBlocks,
		TrackedRateLimitKeys:     stats.TrackedKeys,
	}, nil
}

// activeSessionGauge feeds the observable gauge. The in-memory store exposes
// a lock-free counter; other backends fall back to a synchronous count.
func (s *SecurityService) activeSessionGauge() int64 {
	if ms, ok := s.store.(*memory.Store); ok {
		return ms.SessionCount()
	}
	counts, err := s.store.Counts(context.Background())
	if err != nil {
		return 0
	}
	return int64(counts.Total)
}

func (s *SecurityService) recordStorageOp(ctx context.Context, operation string, err error, start time.Time) {
	result := "success"
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	s.metrics.RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Microseconds())/1000.0)
}

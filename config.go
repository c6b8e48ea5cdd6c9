package accesscore

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tradegate/accesscore/instrumentation"
	"github.com/tradegate/accesscore/internal/clock"
	"github.com/tradegate/accesscore/security"
	"github.com/tradegate/accesscore/storage"
)

// FailurePolicy decides what happens when a storage backend fails on the
// admission path. The choice is deliberate configuration, never an implicit
// default buried in error handling: silently failing closed locks every user
// out, silently failing open defeats the control.
type FailurePolicy int

const (
	// FailClosed denies the operation when the backend fails (default)
	FailClosed FailurePolicy = iota

	// FailOpen allows the operation when the backend fails
	FailOpen
)

// String returns the policy name.
func (p FailurePolicy) String() string {
	switch p {
	case FailOpen:
		return "fail_open"
	default:
		return "fail_closed"
	}
}

// ThrottleConfig tunes the per-IP flood guard in front of the fixed-window
// limiter.
type ThrottleConfig struct {
	// Enabled turns the flood guard on
	Enabled bool

	// PerSecond is the sustained request rate per IP (default 100)
	PerSecond int

	// Burst is the burst allowance per IP (default 200)
	Burst int

	// MaxEntries bounds the tracked-IP map (default 10000)
	MaxEntries int
}

// Config configures a SecurityService. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	// RateLimitRules maps (user type, action) pairs to fixed-window rules.
	// Lookups that miss the table use DefaultRateLimitRule.
	RateLimitRules map[security.RuleKey]security.Rule

	// DefaultRateLimitRule is the fallback rule for unlisted pairs
	DefaultRateLimitRule security.Rule

	// MaxTrackedKeys bounds the rate limiter's key map (default 10000)
	MaxTrackedKeys int

	// Policies is the per-user-type security policy table
	Policies security.PolicyTable

	// Throttle configures the per-IP flood guard
	Throttle ThrottleConfig

	// EscalateToIPBlock blocks the caller's IP for the rule's block duration
	// whenever a rate-limit key transitions into the blocked state
	EscalateToIPBlock bool

	// CleanupInterval is the janitor sweep interval. Zero disables the
	// background sweep (lazy expiry still applies); default 5 minutes.
	CleanupInterval time.Duration

	// FailurePolicy decides admission when the session store fails
	FailurePolicy FailurePolicy

	// AuditEnabled turns audit logging on
	AuditEnabled bool

	// AuditSink optionally receives every audit event asynchronously
	AuditSink security.Sink

	// AuditBufferSize is the sink dispatch buffer (default 64)
	AuditBufferSize int

	// AuditDropIfFull drops events instead of blocking when the sink buffer
	// is full
	AuditDropIfFull bool

	// Logger is the structured logger (default slog.Default())
	Logger *slog.Logger

	// Clock is the time source shared by every component (default system
	// clock). Tests inject a fake.
	Clock clock.Clock

	// Store overrides the session store backend (default in-memory)
	Store storage.SessionStore

	// Instrumentation optionally wires OpenTelemetry metrics and tracing
	Instrumentation *instrumentation.Instrumentation
}

// DefaultConfig returns the standard configuration: default policy table,
// the rate-limit rule table below, audit enabled, fail-closed, five-minute
// sweeps.
func DefaultConfig() Config {
	return Config{
		RateLimitRules:       DefaultRateLimitRules(),
		DefaultRateLimitRule: security.Rule{MaxAttempts: 10, Window: 15 * time.Minute, BlockDuration: 30 * time.Minute},
		Policies:             security.DefaultPolicyTable(),
		Throttle: ThrottleConfig{
			Enabled:    true,
			PerSecond:  security.DefaultThrottlePerSecond,
			Burst:      security.DefaultThrottleBurst,
			MaxEntries: security.DefaultThrottleMaxEntries,
		},
		EscalateToIPBlock: true,
		CleanupInterval:   5 * time.Minute,
		FailurePolicy:     FailClosed,
		AuditEnabled:      true,
	}
}

// DefaultRateLimitRules returns the standard rule table. Staff limits are
// tighter than customer limits for the same action, and authentication
// actions are far stricter than analytics.
func DefaultRateLimitRules() map[security.RuleKey]security.Rule {
	return map[security.RuleKey]security.Rule{
		{UserType: security.UserTypeCustomer, Action: security.ActionLogin}: {
			MaxAttempts: 5, Window: 15 * time.Minute, BlockDuration: 30 * time.Minute,
		},
		{UserType: security.UserTypeStaff, Action: security.ActionLogin}: {
			MaxAttempts: 3, Window: 15 * time.Minute, BlockDuration: time.Hour,
		},
		{UserType: security.UserTypeCustomer, Action: security.ActionRegistration}: {
			MaxAttempts: 3, Window: time.Hour, BlockDuration: time.Hour,
		},
		{UserType: security.UserTypeStaff, Action: security.ActionRegistration}: {
			MaxAttempts: 2, Window: time.Hour, BlockDuration: 2 * time.Hour,
		},
		{UserType: security.UserTypeCustomer, Action: security.ActionPasswordReset}: {
			MaxAttempts: 3, Window: time.Hour, BlockDuration: time.Hour,
		},
		{UserType: security.UserTypeStaff, Action: security.ActionPasswordReset}: {
			MaxAttempts: 3, Window: time.Hour, BlockDuration: 2 * time.Hour,
		},
		{UserType: security.UserTypeCustomer, Action: security.ActionMFA}: {
			MaxAttempts: 5, Window: 5 * time.Minute, BlockDuration: 15 * time.Minute,
		},
		{UserType: security.UserTypeStaff, Action: security.ActionMFA}: {
			MaxAttempts: 5, Window: 5 * time.Minute, BlockDuration: 30 * time.Minute,
		},
		{UserType: security.UserTypeCustomer, Action: security.ActionAnalytics}: {
			MaxAttempts: 100, Window: time.Minute, BlockDuration: 5 * time.Minute,
		},
		{UserType: security.UserTypeStaff, Action: security.ActionAnalytics}: {
			MaxAttempts: 300, Window: time.Minute, BlockDuration: 5 * time.Minute,
		},
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.DefaultRateLimitRule.MaxAttempts <= 0 || c.DefaultRateLimitRule.Window <= 0 {
		return fmt.Errorf("default rate-limit rule must have positive attempts and window")
	}
	for key, rule := range c.RateLimitRules {
		if rule.MaxAttempts <= 0 || rule.Window <= 0 || rule.BlockDuration <= 0 {
			return fmt.Errorf("rate-limit rule for (%s, %s) must have positive attempts, window, and block duration", key.UserType, key.Action)
		}
	}
	if len(c.Policies) == 0 {
		return fmt.Errorf("policy table must not be empty")
	}
	for userType, policy := range c.Policies {
		if policy.MaxConcurrentSessions <= 0 {
			return fmt.Errorf("policy for %q: max concurrent sessions must be positive", userType)
		}
		if policy.SessionTimeout <= 0 {
			return fmt.Errorf("policy for %q: session timeout must be positive", userType)
		}
	}
	if c.CleanupInterval < 0 {
		return fmt.Errorf("cleanup interval must not be negative")
	}
	return nil
}

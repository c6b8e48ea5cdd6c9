package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// EventRateLimitExceeded is logged when a fixed-window rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventThrottled is logged when the per-IP flood guard rejects a request
	// before the fixed-window limiter is consulted
	EventThrottled = "request_throttled"

	// EventSessionCreated is logged when a new session is persisted
	EventSessionCreated = "session_created"

	// EventSessionEvicted is logged when a session is removed to enforce the
	// per-user concurrent session cap
	EventSessionEvicted = "session_evicted"

	// EventSessionInvalidated is logged when a session is explicitly removed
	// (logout, admin action, security response)
	EventSessionInvalidated = "session_invalidated"

	// EventRoleChangeInvalidation is logged once per role change cascade,
	// summarizing how many sessions were invalidated
	EventRoleChangeInvalidation = "role_change_invalidation"

	// EventIPBlocked is logged when an IP address is placed on the block list
	EventIPBlocked = "ip_blocked"

	// EventIPUnblocked is logged when an IP block is lifted before expiry
	EventIPUnblocked = "ip_unblocked"

	// EventPolicyViolation is logged when a password or IP-range policy check fails
	EventPolicyViolation = "policy_violation"
)

// Well-known reason strings carried on audit events and invalidation calls.
const (
	// ReasonConcurrentLimitExceeded marks sessions evicted by the
	// concurrent-session policy enforcer
	ReasonConcurrentLimitExceeded = "concurrent_limit_exceeded"

	// ReasonRateLimitEscalation marks IP blocks created automatically when a
	// rate-limit key transitions into the blocked state
	ReasonRateLimitEscalation = "rate_limit_escalation"

	// ReasonRoleChange marks sessions invalidated by a role or permission change
	ReasonRoleChange = "role_change"

	// ReasonLogout marks sessions invalidated by an explicit logout
	ReasonLogout = "logout"
)

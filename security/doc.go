// Package security provides the access-control primitives that protect
// authentication endpoints: fixed-window rate limiting with block escalation,
// a per-IP flood guard, IP block tracking, per-user-type policy validation,
// and audit logging with PII protection.
//
// # Rate limiting
//
// The FixedWindowLimiter counts attempts per (user type, action, identifier)
// key within a fixed window and escalates to a time-boxed block once the
// budget is exceeded. Check-and-consume is atomic per key, so concurrent
// requests can never push a counter past its threshold. The Throttle is a
// coarser token-bucket guard applied per IP before the fixed-window check.
//
// # Memory management
//
// Both limiters bound their tracked-key maps with LRU eviction so that
// distributed attacks cannot grow memory without bound. Expired entries are
// additionally reclaimed by the module's background janitor.
//
// # Audit logging
//
// The Auditor writes structured audit lines through log/slog with user
// identifiers hashed, and optionally forwards full events to a Sink on a
// background goroutine. Sink delivery is fire and forget.
package security

package accesscore

import (
	"time"

	"github.com/tradegate/accesscore/security"
	"github.com/tradegate/accesscore/storage"
)

// ClaimsKind discriminates the Claims union.
type ClaimsKind string

const (
	// ClaimsKindCustomer marks customer claims
	ClaimsKindCustomer ClaimsKind = "customer"

	// ClaimsKindStaff marks staff claims
	ClaimsKindStaff ClaimsKind = "staff"
)

// CustomerClaims are the identity claims carried by a customer login.
type CustomerClaims struct {
	Tier        string
	Permissions []string
}

// StaffClaims are the identity claims carried by a staff login.
type StaffClaims struct {
	Role        string
	Permissions []string
}

// Claims is a tagged union of the post-credential-check identity claims
// supplied by the authentication handler. Exactly one payload matching Kind
// must be set; consumers switch on Kind exhaustively instead of sniffing
// structure.
type Claims struct {
	Kind     ClaimsKind
	Customer *CustomerClaims
	Staff    *StaffClaims
}

// Role returns the role (staff) or tier (customer) carried by the claims.
func (c Claims) Role() string {
	switch c.Kind {
	case ClaimsKindCustomer:
		if c.Customer != nil {
			return c.Customer.Tier
		}
	case ClaimsKindStaff:
		if c.Staff != nil {
			return c.Staff.Role
		}
	}
	return ""
}

// Permissions returns the permission list carried by the claims.
func (c Claims) Permissions() []string {
	switch c.Kind {
	case ClaimsKindCustomer:
		if c.Customer != nil {
			return c.Customer.Permissions
		}
	case ClaimsKindStaff:
		if c.Staff != nil {
			return c.Staff.Permissions
		}
	}
	return nil
}

// valid reports whether the union is well-formed: a known kind with its
// matching payload set.
func (c Claims) valid() bool {
	switch c.Kind {
	case ClaimsKindCustomer:
		return c.Customer != nil && c.Staff == nil
	case ClaimsKindStaff:
		return c.Staff != nil && c.Customer == nil
	default:
		return false
	}
}

// RateLimitResult is the outcome of a CheckRateLimit call. Denial is an
// expected outcome, never an error: callers surface HTTP 429 with ResetAt.
type RateLimitResult struct {
	Allowed           bool
	RemainingAttempts int
	ResetAt           time.Time
	Blocked           bool
	BlockExpiresAt    time.Time

	// Throttled is true when the per-IP flood guard rejected the request
	// before the fixed-window limiter was consulted
	Throttled bool
}

// SessionInfo is the caller-facing view of a created or fetched session.
type SessionInfo struct {
	SessionID    string
	UserID       string
	UserType     security.UserType
	Email        string
	IPAddress    string
	UserAgent    string
	DeviceID     string
	Role         string
	Permissions  []string
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time

	// EvictedSessions lists sessions removed to make room for this one
	EvictedSessions []string
}

func sessionInfoFromRecord(rec *storage.SessionRecord) *SessionInfo {
	if rec == nil {
		return nil
	}
	return &SessionInfo{
		SessionID:    rec.SessionID,
		UserID:       rec.UserID,
		UserType:     rec.UserType,
		Email:        rec.Email,
		IPAddress:    rec.IPAddress,
		UserAgent:    rec.UserAgent,
		DeviceID:     rec.DeviceID,
		Role:         rec.Role,
		Permissions:  append([]string(nil), rec.Permissions...),
		CreatedAt:    rec.CreatedAt,
		LastActivity: rec.LastActivity,
		ExpiresAt:    rec.ExpiresAt,
	}
}

// SecurityMetrics is a point-in-time snapshot of the core's state.
type SecurityMetrics struct {
	// ActiveSessions is the number of live sessions across all users
	ActiveSessions int

	// ActiveSessionsByUserType splits ActiveSessions per user type
	ActiveSessionsByUserType map[security.UserType]int

	// BlockedIPs is the number of currently blocked IP addresses
	BlockedIPs int

	// RateLimitedKeys is the number of rate-limit keys currently in the
	// blocked state
	RateLimitedKeys int

	// TrackedRateLimitKeys is the total number of rate-limit keys tracked
	TrackedRateLimitKeys int
}

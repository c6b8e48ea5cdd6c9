package security

import (
	"fmt"
	"net/netip"
	"time"
	"unicode"
)

// PasswordPolicy defines the password composition rules for one user type.
type PasswordPolicy struct {
	MinLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireDigit     bool
	RequireSymbol    bool
}

// Policy is the static per-user-type security policy table entry.
type Policy struct {
	// MaxConcurrentSessions caps live sessions per user; the oldest sessions
	// are evicted when a create would exceed it
	MaxConcurrentSessions int

	// SessionTimeout is the idle lifetime of a new session
	SessionTimeout time.Duration

	// RequireMFA reports whether this user type must complete MFA on login
	RequireMFA bool

	// Password is the password composition policy
	Password PasswordPolicy

	// AllowedIPRanges, when non-empty, restricts logins to these CIDR ranges
	AllowedIPRanges []string

	// BlockedIPRanges denies logins from these CIDR ranges
	BlockedIPRanges []string
}

// PolicyTable maps user types to their security policies.
type PolicyTable map[UserType]Policy

// DefaultPolicyTable returns the standard policy table. Staff policies are
// strictly stricter than customer policies: longer passwords with required
// symbols, a lower session cap, and mandatory MFA.
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{
		UserTypeCustomer: {
			MaxConcurrentSessions: 5,
			SessionTimeout:        24 * time.Hour,
			RequireMFA:            false,
			Password: PasswordPolicy{
				MinLength:        8,
				RequireUppercase: true,
				RequireLowercase: true,
				RequireDigit:     true,
			},
		},
		UserTypeStaff: {
			MaxConcurrentSessions: 3,
			SessionTimeout:        8 * time.Hour,
			RequireMFA:            true,
			Password: PasswordPolicy{
				MinLength:        12,
				RequireUppercase: true,
				RequireLowercase: true,
				RequireDigit:     true,
				RequireSymbol:    true,
			},
		},
	}
}

// ValidationResult is the outcome of a policy validation. Violations are an
// expected outcome: they are returned as a list, never as an error.
type ValidationResult struct {
	Valid      bool
	Violations []string
}

// Validator checks passwords and IP addresses against the per-user-type
// policy table. It is pure and stateless; all state lives in the table
// compiled at construction.
type Validator struct {
	policies PolicyTable
	allowed  map[UserType][]netip.Prefix
	blocked  map[UserType][]netip.Prefix
}

// NewValidator compiles the policy table's CIDR ranges. Malformed ranges are
// a configuration bug and fail construction.
func NewValidator(policies PolicyTable) (*Validator, error) {
	if policies == nil {
		policies = DefaultPolicyTable()
	}

	v := &Validator{
		policies: policies,
		allowed:  make(map[UserType][]netip.Prefix),
		blocked:  make(map[UserType][]netip.Prefix),
	}

	for userType, policy := range policies {
		allowed, err := compileRanges(policy.AllowedIPRanges)
		if err != nil {
			return nil, fmt.Errorf("allowed ranges for %q: %w", userType, err)
		}
		blocked, err := compileRanges(policy.BlockedIPRanges)
		if err != nil {
			return nil, fmt.Errorf("blocked ranges for %q: %w", userType, err)
		}
		v.allowed[userType] = allowed
		v.blocked[userType] = blocked
	}

	return v, nil
}

func compileRanges(ranges []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(ranges))
	for _, r := range ranges {
		prefix, err := netip.ParsePrefix(r)
		if err != nil {
			// Accept bare addresses as single-host ranges.
			addr, addrErr := netip.ParseAddr(r)
			if addrErr != nil {
				return nil, fmt.Errorf("invalid CIDR range %q: %w", r, err)
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, nil
}

// Policy returns the policy for a user type and whether it exists.
func (v *Validator) Policy(userType UserType) (Policy, bool) {
	p, ok := v.policies[userType]
	return p, ok
}

// Validate checks the optional password and IP address against the policy for
// the given user type. Empty password or IP skips that group of checks.
func (v *Validator) Validate(userType UserType, password, ipAddress string) ValidationResult {
	policy, ok := v.policies[userType]
	if !ok {
		return ValidationResult{Violations: []string{fmt.Sprintf("unknown user type %q", userType)}}
	}

	var violations []string
	if password != "" {
		violations = append(violations, validatePassword(password, policy.Password)...)
	}
	if ipAddress != "" {
		violations = append(violations, v.validateIP(userType, ipAddress)...)
	}

	return ValidationResult{Valid: len(violations) == 0, Violations: violations}
}

func validatePassword(password string, policy PasswordPolicy) []string {
	var violations []string

	runes := []rune(password)
	if len(runes) < policy.MinLength {
		violations = append(violations, fmt.Sprintf("password must be at least %d characters", policy.MinLength))
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range runes {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}

	if policy.RequireUppercase && !hasUpper {
		violations = append(violations, "password must contain an uppercase letter")
	}
	if policy.RequireLowercase && !hasLower {
		violations = append(violations, "password must contain a lowercase letter")
	}
	if policy.RequireDigit && !hasDigit {
		violations = append(violations, "password must contain a digit")
	}
	if policy.RequireSymbol && !hasSymbol {
		violations = append(violations, "password must contain a symbol")
	}

	return violations
}

func (v *Validator) validateIP(userType UserType, ipAddress string) []string {
	addr, err := netip.ParseAddr(ipAddress)
	if err != nil {
		return []string{fmt.Sprintf("invalid ip address %q", ipAddress)}
	}
	addr = addr.Unmap()

	for _, prefix := range v.blocked[userType] {
		if prefix.Contains(addr) {
			return []string{"ip address is in a blocked range"}
		}
	}

	allowed := v.allowed[userType]
	if len(allowed) == 0 {
		return nil
	}
	for _, prefix := range allowed {
		if prefix.Contains(addr) {
			return nil
		}
	}
	return []string{"ip address is not in an allowed range"}
}

package security

// UserType identifies which policy and rate-limit tables apply to a caller.
// The two types have deliberately asymmetric policies: staff accounts carry
// stricter password rules and tighter login limits than customer accounts.
type UserType string

const (
	// UserTypeCustomer is a marketplace customer account
	UserTypeCustomer UserType = "customer"

	// UserTypeStaff is an internal staff or admin account
	UserTypeStaff UserType = "staff"
)

// Valid reports whether t is a known user type.
func (t UserType) Valid() bool {
	return t == UserTypeCustomer || t == UserTypeStaff
}

// Action identifies the authentication endpoint being protected. Each
// (UserType, Action) pair selects its own rate-limit rule.
type Action string

const (
	// ActionLogin protects credential verification attempts
	ActionLogin Action = "login"

	// ActionRegistration protects account creation
	ActionRegistration Action = "registration"

	// ActionPasswordReset protects password reset requests
	ActionPasswordReset Action = "password_reset"

	// ActionMFA protects MFA code verification
	ActionMFA Action = "mfa"

	// ActionAnalytics protects read-heavy analytics endpoints; its limits are
	// intentionally looser than the authentication actions
	ActionAnalytics Action = "analytics"
)

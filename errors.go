package accesscore

import "errors"

// Expected outcomes (rate-limit denial, policy violations, session eviction)
// are structured results, not errors. The errors below mark caller mistakes
// or backend failures only.
var (
	// ErrEmptyUserID is returned when a user ID argument is empty
	ErrEmptyUserID = errors.New("user id must not be empty")

	// ErrEmptySessionID is returned when a session ID argument is empty
	ErrEmptySessionID = errors.New("session id must not be empty")

	// ErrUnknownUserType is returned when no policy exists for the user type
	ErrUnknownUserType = errors.New("unknown user type")

	// ErrInvalidClaims is returned when the claims union is malformed (kind
	// and payload disagree)
	ErrInvalidClaims = errors.New("invalid claims: kind does not match payload")

	// ErrServiceClosed is returned after Close
	ErrServiceClosed = errors.New("security service closed")
)

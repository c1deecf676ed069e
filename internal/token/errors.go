package token

import "errors"

// Validation failures are internally distinct for logging and tests; the
// gateway collapses all three into one generic authorization error.
var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenRevoked  = errors.New("token revoked")
	ErrTokenExpired  = errors.New("token expired")
)

// ErrNotDeployed is returned when revoking an agent with no active token.
var ErrNotDeployed = errors.New("agent is not deployed")

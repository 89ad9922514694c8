package auth

import "errors"

// Common authentication errors.
var (
	// ErrInvalidToken is returned when a token is structurally malformed
	// or its signature cannot be verified.
	ErrInvalidToken = errors.New("invalid token")

	// ErrUnsupportedAlgorithm is returned in verify mode when the token
	// header names an algorithm other than HS256 or RS256.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrMissingClaim is returned when the configured claims path does not
	// resolve to a user id.
	ErrMissingClaim = errors.New("missing user id claim")
)

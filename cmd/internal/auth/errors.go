package auth

import "errors"

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingIdentity is returned when a request carries no credentials at all.
	ErrMissingIdentity = errors.New("missing identity")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

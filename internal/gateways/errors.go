package gateways

import (
	"errors"
	"fmt"

	"memberpay/internal/models"
)

// ErrConfirmUnsupported is returned by gateways with no synchronous capture
// step; their result arrives only via callback.
var ErrConfirmUnsupported = errors.New("gateway has no synchronous confirm step")

// AuthError means the credential exchange with a provider failed. Retryable.
type AuthError struct {
	Gateway models.Gateway
	Status  int
	Reason  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s auth failed (status %d): %s", e.Gateway, e.Status, e.Reason)
}

// InitiationError means the provider rejected or never received an initiation
// request. Surfaced synchronously; the ledger row is marked FAILED.
type InitiationError struct {
	Gateway models.Gateway
	Reason  string
	Err     error
}

func (e *InitiationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s initiation failed: %s: %v", e.Gateway, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s initiation failed: %s", e.Gateway, e.Reason)
}

func (e *InitiationError) Unwrap() error { return e.Err }

// ParseError means a callback payload was malformed or could not be
// authenticated. The webhook endpoint acknowledges anyway and logs it; a
// ParseError never reaches the provider as a failure.
type ParseError struct {
	Gateway models.Gateway
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s callback rejected: %s", e.Gateway, e.Reason)
}

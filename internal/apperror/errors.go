// Package apperror provides domain-specific error types for the relay.
// These errors carry a machine-readable kind and a user-safe message; the
// dispatcher, auth coordinator, and the ops API all branch on the kind
// rather than on error strings.
//
// NEVER surface raw upstream or database errors to an end user. Always
// wrap them in an apperror type or return a generic internal error.
package apperror

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for callers that need to branch on failure class.
type Kind string

const (
	// KindRateLimited is an upstream flood-wait; RetryAfter is set.
	KindRateLimited Kind = "rate_limited"

	// KindAuthRejected means the upstream no longer accepts the session.
	KindAuthRejected Kind = "auth_rejected"

	// KindCodeInvalid is a wrong login code.
	KindCodeInvalid Kind = "code_invalid"

	// KindCodeExpired is a stale login code.
	KindCodeExpired Kind = "code_expired"

	// KindPasswordInvalid is a wrong 2FA cloud password.
	KindPasswordInvalid Kind = "password_invalid"

	// KindInputInvalid is malformed user input (phone, channel identifier).
	KindInputInvalid Kind = "input_invalid"

	// KindNotConfigured means a precondition like "has sources" is unmet.
	KindNotConfigured Kind = "not_configured"

	// KindNoSession means the user has no valid stored session.
	KindNoSession Kind = "no_session"

	// KindNotFound is a missing row or unresolvable peer.
	KindNotFound Kind = "not_found"

	// KindConflict is a uniqueness or state conflict.
	KindConflict Kind = "conflict"

	// KindPermanent is an upstream failure that retrying cannot fix.
	KindPermanent Kind = "permanent"

	// KindCryptoTampered means an at-rest blob failed authentication.
	KindCryptoTampered Kind = "crypto_tampered"

	// KindInternal is everything unexpected.
	KindInternal Kind = "internal_error"
)

// AppError is the base error type for all domain errors. It carries a
// machine-readable kind, a human-readable message safe to show to the
// owning user, and for rate limits the upstream-mandated pause.
type AppError struct {
	// Kind is the machine-readable error classifier.
	Kind Kind

	// Message is a human-readable description safe for the user.
	Message string

	// RetryAfter is the upstream-mandated pause; only set for KindRateLimited.
	RetryAfter time.Duration

	// Internal holds the underlying error for logging. Never shown to users.
	Internal error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (internal: %v)", e.Kind, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Internal
}

// --- Constructors ---

// NewRateLimited creates a rate-limit error carrying the upstream retry-after.
func NewRateLimited(retryAfter time.Duration) *AppError {
	return &AppError{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("rate limited, retry in %s", retryAfter),
		RetryAfter: retryAfter,
	}
}

// NewAuthRejected creates an error for sessions the upstream no longer accepts.
func NewAuthRejected(err error) *AppError {
	return &AppError{
		Kind:     KindAuthRejected,
		Message:  "session is no longer valid, re-authentication required",
		Internal: err,
	}
}

// NewCodeInvalid creates a wrong-login-code error.
func NewCodeInvalid() *AppError {
	return &AppError{Kind: KindCodeInvalid, Message: "the confirmation code is wrong"}
}

// NewCodeExpired creates a stale-login-code error.
func NewCodeExpired() *AppError {
	return &AppError{Kind: KindCodeExpired, Message: "the confirmation code expired, request a new one"}
}

// NewPasswordInvalid creates a wrong-2FA-password error.
func NewPasswordInvalid() *AppError {
	return &AppError{Kind: KindPasswordInvalid, Message: "the cloud password is wrong"}
}

// NewInputInvalid creates a malformed-input error with a specific reason.
func NewInputInvalid(message string) *AppError {
	return &AppError{Kind: KindInputInvalid, Message: message}
}

// NewNotConfigured creates an unmet-precondition error.
func NewNotConfigured(message string) *AppError {
	return &AppError{Kind: KindNotConfigured, Message: message}
}

// NewNoSession creates a missing-session error.
func NewNoSession() *AppError {
	return &AppError{Kind: KindNoSession, Message: "no session found, log in first"}
}

// NewNotFound creates a missing-entity error.
func NewNotFound(message string) *AppError {
	return &AppError{Kind: KindNotFound, Message: message}
}

// NewConflict creates a state-conflict error.
func NewConflict(message string) *AppError {
	return &AppError{Kind: KindConflict, Message: message}
}

// NewPermanent creates an upstream error that retrying cannot fix.
func NewPermanent(message string, err error) *AppError {
	return &AppError{Kind: KindPermanent, Message: message, Internal: err}
}

// NewCryptoTampered creates an authentication-failure error for at-rest blobs.
func NewCryptoTampered(err error) *AppError {
	return &AppError{
		Kind:     KindCryptoTampered,
		Message:  "stored data failed integrity check",
		Internal: err,
	}
}

// NewInternal creates an error for unexpected failures. The real error is
// stored in Internal for logging but users only see a generic message.
func NewInternal(err error) *AppError {
	return &AppError{
		Kind:     KindInternal,
		Message:  "an unexpected error occurred, please try again later",
		Internal: err,
	}
}

// --- Inspection helpers ---

// IsKind reports whether err is an AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// RetryAfter extracts the rate-limit pause from err, or 0 if err is not a
// rate-limit error.
func RetryAfter(err error) time.Duration {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Kind == KindRateLimited {
		return appErr.RetryAfter
	}
	return 0
}

// SafeMessage returns the user-safe message from an error. For any error
// that is not an AppError, returns a generic message to prevent leaking
// internal details.
func SafeMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "an unexpected error occurred"
}

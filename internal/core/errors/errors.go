// Package errors provides centralized error definitions for the application.
// Errors are organized by domain to avoid duplication and provide consistent naming.
//
// Naming conventions:
//   - Exported errors (Err*): Use for errors that callers need to check with errors.Is
//   - Unexported errors (err*): Use for internal package errors
//   - All sentinel errors should be defined as variables, not inline errors.New calls
//   - Use fmt.Errorf with %w to wrap sentinel errors with context
package errors

import "errors"

// Storage outcome errors. Stores translate driver-specific conditions into these
// so callers branch on a typed result instead of parsing error text.
var (
	// ErrConflict indicates a row already exists (conditional insert) or was changed
	// concurrently (optimistic update). Expected under races and retried internally.
	ErrConflict = errors.New("storage conflict")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStorageUnavailable indicates the store could not serve the request.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Aggregation and dispatch errors.
var (
	// ErrDispatchFailed indicates the queue did not accept a released message.
	ErrDispatchFailed = errors.New("dispatch failed")

	// ErrRetriesExhausted indicates bounded append retries were used up.
	ErrRetriesExhausted = errors.New("append retries exhausted")
)

// Validation and decoding errors.
var (
	// ErrDecode indicates a malformed inbound payload or fragment.
	ErrDecode = errors.New("decode error")

	// ErrUnknownChannel indicates the channel of a request could not be determined.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrUnauthorized indicates a request lacks required credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// Client and connection errors.
var (
	// ErrCircuitBreakerOpen indicates the circuit breaker has tripped and requests are blocked.
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// ErrClientDisabled indicates a client or feature is disabled.
	ErrClientDisabled = errors.New("client disabled")

	// ErrEmptyResponse indicates an empty response was received.
	ErrEmptyResponse = errors.New("empty response")
)

// Rate limiting errors.
var (
	// ErrRateLimited indicates rate limiting was triggered.
	ErrRateLimited = errors.New("rate limited")
)

// Is is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

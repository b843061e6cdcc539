package llm

import (
	"errors"
	"fmt"
)

// BackendErrorKind classifies backend failures.
type BackendErrorKind string

const (
	// ErrUnavailable covers transport failures, timeouts, rate limits and
	// server errors. Retryable; fatal to the caller once the client's
	// bounded retry is exhausted.
	ErrUnavailable BackendErrorKind = "unavailable"

	// ErrMalformedResponse covers responses the client cannot interpret.
	// Not retryable.
	ErrMalformedResponse BackendErrorKind = "malformed_response"
)

// BackendError is the error type for all model backend failures.
type BackendError struct {
	Kind     BackendErrorKind
	Provider string
	Message  string
	Cause    error
}

func (e *BackendError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("backend %s [%s]: %s: %v", e.Kind, e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("backend %s [%s]: %s", e.Kind, e.Provider, e.Message)
}

func (e *BackendError) Unwrap() error { return e.Cause }

// Unavailable creates a retryable BackendError.
func Unavailable(provider, message string, cause error) *BackendError {
	return &BackendError{Kind: ErrUnavailable, Provider: provider, Message: message, Cause: cause}
}

// MalformedResponse creates a non-retryable BackendError.
func MalformedResponse(provider, message string, cause error) *BackendError {
	return &BackendError{Kind: ErrMalformedResponse, Provider: provider, Message: message, Cause: cause}
}

// IsRetryable reports whether the error is safe to retry.
func IsRetryable(err error) bool {
	return Kind(err) == ErrUnavailable
}

// Kind returns the error's backend classification, or the empty kind for
// errors that are not BackendErrors.
func Kind(err error) BackendErrorKind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

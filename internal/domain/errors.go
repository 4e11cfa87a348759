package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrMessageTooLong     = errors.New("message too long")
	ErrFileTooLarge       = errors.New("file too large")
	ErrEmptyMessage       = errors.New("empty message")
	ErrInvalidTarget      = errors.New("invalid target message")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrSubmissionInFlight = errors.New("submission already in flight")
	ErrViewClosed         = errors.New("conversation view closed")
	ErrNoCredential       = errors.New("no credential")
)

// ValidationError is a user-visible, recoverable rejection raised before
// any network call.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// APIError is a non-2xx answer from the REST server.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api %d", e.StatusCode)
	}
	return fmt.Sprintf("api %d: %s", e.StatusCode, e.Detail)
}

// Unwrap maps well-known statuses onto the sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	default:
		return nil
	}
}

// IsValidation reports whether err is a pre-network validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

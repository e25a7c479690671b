package client

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the executor.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents the handling classification of a request failure.
type ErrorClass string

const (
	// ErrorClassTransient covers network failures, 429 and 5xx responses.
	// Retried with bounded exponential backoff.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent covers 403, other 4xx and malformed responses.
	// Never retried; aborts the current step and pipeline run.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassCredential covers 401 responses that survive a forced
	// token refresh. Marks the connection and aborts the run.
	ErrorClassCredential ErrorClass = "credential"
)

// TransientError is a retriable failure: network error, timeout, 429 or 5xx.
type TransientError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration // from a Retry-After header, 0 if absent
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient error (status %d): %s: %v", e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("transient error (status %d): %s", e.StatusCode, e.Message)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError is a non-retriable failure: 403, other 4xx, or a response
// the caller could not interpret.
type PermanentError struct {
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error (status %d): %s", e.StatusCode, e.Message)
}

// CredentialError is a 401 that could not be recovered by a forced refresh,
// or a refresh that itself failed. The connection must be re-authorized
// externally before further runs can proceed.
type CredentialError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential error (status %d): %s: %v", e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("credential error (status %d): %s", e.StatusCode, e.Message)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// Classify reports the handling class of err. Unrecognized errors are
// treated as permanent so they are surfaced rather than retried blindly.
func Classify(err error) ErrorClass {
	var transient *TransientError
	if errors.As(err, &transient) {
		return ErrorClassTransient
	}
	var credential *CredentialError
	if errors.As(err, &credential) {
		return ErrorClassCredential
	}
	return ErrorClassPermanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsCredential reports whether err is an unrecoverable auth failure.
func IsCredential(err error) bool {
	var credential *CredentialError
	return errors.As(err, &credential)
}

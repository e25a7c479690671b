package client

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{
			name:     "transient error",
			err:      &TransientError{StatusCode: 503, Message: "server error"},
			expected: ErrorClassTransient,
		},
		{
			name:     "permanent error",
			err:      &PermanentError{StatusCode: 403, Message: "forbidden"},
			expected: ErrorClassPermanent,
		},
		{
			name:     "credential error",
			err:      &CredentialError{StatusCode: 401, Message: "unauthorized"},
			expected: ErrorClassCredential,
		},
		{
			name:     "wrapped transient error",
			err:      fmt.Errorf("step users: %w", &TransientError{StatusCode: 429, Message: "rate limited"}),
			expected: ErrorClassTransient,
		},
		{
			name:     "exhausted retries keep transient class",
			err:      fmt.Errorf("%w after 3 attempts: %w", ErrRetryExhausted, &TransientError{StatusCode: 500, Message: "server error"}),
			expected: ErrorClassTransient,
		},
		{
			name:     "unknown error is permanent",
			err:      errors.New("malformed response"),
			expected: ErrorClassPermanent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("Classify() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("connection reset")
	err := &TransientError{Message: "http request", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("Expected errors.Is to find the wrapped error")
	}
}

func TestCredentialError_Unwrap(t *testing.T) {
	inner := errors.New("refresh token revoked")
	err := &CredentialError{StatusCode: 401, Message: "forced refresh failed", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("Expected errors.Is to find the wrapped error")
	}
	if !IsCredential(err) {
		t.Error("Expected IsCredential to be true")
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(&TransientError{StatusCode: 500}) {
		t.Error("TransientError should be transient")
	}
	if IsTransient(&PermanentError{StatusCode: 404}) {
		t.Error("PermanentError should not be transient")
	}
	if IsTransient(nil) {
		t.Error("nil should not be transient")
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "transient without cause",
			err:  &TransientError{StatusCode: 429, Message: "rate limited by provider"},
			want: "transient error (status 429): rate limited by provider",
		},
		{
			name: "permanent",
			err:  &PermanentError{StatusCode: 403, Message: "forbidden"},
			want: "permanent error (status 403): forbidden",
		},
		{
			name: "credential without cause",
			err:  &CredentialError{StatusCode: 401, Message: "unauthorized"},
			want: "credential error (status 401): unauthorized",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

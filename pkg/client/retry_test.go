package client

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func retryTestConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func disabledLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func TestRetryWithBackoff_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), disabledLogger(), retryTestConfig(), "users", func() error {
		calls++
		return nil
	})

	if err != nil {
		t.Fatalf("retryWithBackoff() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryWithBackoff_RecoversFromTransient(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), disabledLogger(), retryTestConfig(), "users", func() error {
		calls++
		if calls < 3 {
			return &TransientError{StatusCode: 503, Message: "server error"}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("retryWithBackoff() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryWithBackoff_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	permanent := &PermanentError{StatusCode: 403, Message: "forbidden"}
	err := retryWithBackoff(context.Background(), disabledLogger(), retryTestConfig(), "users", func() error {
		calls++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Fatalf("expected the permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries for permanent errors)", calls)
	}
}

func TestRetryWithBackoff_CredentialStopsImmediately(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), disabledLogger(), retryTestConfig(), "users", func() error {
		calls++
		return &CredentialError{StatusCode: 401, Message: "unauthorized"}
	})

	if !IsCredential(err) {
		t.Fatalf("expected a credential error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries for credential errors)", calls)
	}
}

func TestRetryWithBackoff_Exhaustion(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), disabledLogger(), retryTestConfig(), "users", func() error {
		calls++
		return &TransientError{StatusCode: 500, Message: "server error"}
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("exhausted error should still classify as transient")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryWithBackoff_ContextCancelledDuringBackoff(t *testing.T) {
	config := RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	err := retryWithBackoff(ctx, disabledLogger(), config, "users", func() error {
		calls++
		return &TransientError{StatusCode: 503, Message: "server error"}
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Fatalf("expected ErrContextCancelled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryWithBackoff_RespectsRetryAfter(t *testing.T) {
	calls := 0
	start := time.Now()
	err := retryWithBackoff(context.Background(), disabledLogger(), retryTestConfig(), "events", func() error {
		calls++
		if calls == 1 {
			return &TransientError{StatusCode: 429, Message: "rate limited", RetryAfter: 50 * time.Millisecond}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("retryWithBackoff() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("elapsed = %v, expected to honor Retry-After of 50ms", elapsed)
	}
}

package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_retries_total",
		Help: "Total number of retry attempts by step",
	}, []string{"step"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scanner_retry_backoff_seconds",
		Help:    "Backoff duration for retries by step",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"step"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by step",
	}, []string{"step"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// retryWithBackoff executes fn until it succeeds, fails non-transiently, or
// exhausts the attempt budget. Only TransientError values are retried.
// It respects context cancellation and adds jitter to prevent thundering herd.
func retryWithBackoff(ctx context.Context, logger zerolog.Logger, config RetryConfig, step string, fn func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("step", step).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err

		var transient *TransientError
		if !errors.As(err, &transient) {
			// Permanent and credential errors surface immediately.
			return err
		}

		if attempt >= config.MaxAttempts {
			break
		}

		retriesTotal.WithLabelValues(step).Inc()

		// Add jitter (±20% randomness); a Retry-After hint wins over the
		// computed backoff when it asks for a longer wait.
		wait := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		if transient.RetryAfter > wait {
			wait = transient.RetryAfter
		}
		retryBackoffSeconds.WithLabelValues(step).Observe(wait.Seconds())

		logger.Warn().
			Str("step", step).
			Int("attempt", attempt).
			Int("status", transient.StatusCode).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		select {
		case <-ctx.Done():
			logger.Warn().
				Str("step", step).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(wait):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	retryExhaustedTotal.WithLabelValues(step).Inc()
	logger.Warn().
		Str("step", step).
		Int("max_attempts", config.MaxAttempts).
		Msg("Retry attempts exhausted")

	// Both sentinels stay unwrappable so callers can match ErrRetryExhausted
	// and still classify the underlying failure as transient.
	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, config.MaxAttempts, lastErr)
}

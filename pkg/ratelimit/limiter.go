// Package ratelimit implements weighted-cost admission control for outbound
// provider requests. A single global bucket enforces the provider-wide
// ceiling; optional per-endpoint-class sub-buckets enforce tighter limits
// for expensive endpoint families (e.g. audit reports). Acquire blocks until
// every applicable bucket can cover the requested cost.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for rate limit admission.
var (
	rateLimitAcquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_rate_limit_acquires_total",
		Help: "Total admission requests by endpoint class",
	}, []string{"class"})

	rateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scanner_rate_limit_wait_seconds",
		Help:    "Time spent waiting for rate budget by endpoint class",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	}, []string{"class"})

	rateLimitCostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_rate_limit_cost_total",
		Help: "Total cost units debited by endpoint class",
	}, []string{"class"})
)

// BucketConfig describes one token bucket.
type BucketConfig struct {
	// PerSecond is the continuous replenish rate in cost units per second.
	PerSecond float64 `yaml:"per_second"`

	// Burst is the bucket capacity. A single Acquire may never request
	// more than Burst units; size it to cover the largest batch chunk.
	Burst int `yaml:"burst"`
}

// DefaultBucketConfig returns a bucket sized for the Google admin APIs
// (10 units/s, burst large enough for a full 50-entity batch chunk).
func DefaultBucketConfig() BucketConfig {
	return BucketConfig{
		PerSecond: 10,
		Burst:     60,
	}
}

// Limiter is a weighted token-bucket admission gate. It is explicitly
// constructed and injected so tests can run isolated instances; all state
// is internal and synchronized.
type Limiter struct {
	global *rate.Limiter
	burst  int

	mu      sync.RWMutex
	classes map[string]*rate.Limiter

	logger zerolog.Logger
}

// New creates a limiter with the given global bucket.
func New(cfg BucketConfig, logger zerolog.Logger) (*Limiter, error) {
	if cfg.PerSecond <= 0 {
		return nil, fmt.Errorf("per_second must be > 0 (got %v)", cfg.PerSecond)
	}
	if cfg.Burst < 1 {
		return nil, fmt.Errorf("burst must be >= 1 (got %d)", cfg.Burst)
	}

	return &Limiter{
		global:  rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst),
		burst:   cfg.Burst,
		classes: make(map[string]*rate.Limiter),
		logger:  logger,
	}, nil
}

// RegisterClass adds a sub-bucket for an endpoint class. Acquire calls
// naming this class must pass both the class bucket and the global bucket.
// Registering the same class twice replaces its bucket.
func (l *Limiter) RegisterClass(class string, cfg BucketConfig) error {
	if class == "" {
		return fmt.Errorf("class name is required")
	}
	if cfg.PerSecond <= 0 || cfg.Burst < 1 {
		return fmt.Errorf("invalid bucket config for class %q", class)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.classes[class] = rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst)
	return nil
}

// Acquire blocks until cost units are available in the global bucket and,
// if class names a registered sub-bucket, in that bucket as well. Batched
// calls must pass the sum of their sub-request costs, not one unit.
func (l *Limiter) Acquire(ctx context.Context, class string, cost int) error {
	if cost < 1 {
		cost = 1
	}
	if cost > l.burst {
		return fmt.Errorf("cost %d exceeds global burst %d", cost, l.burst)
	}

	label := class
	if label == "" {
		label = "default"
	}
	rateLimitAcquiresTotal.WithLabelValues(label).Inc()

	start := time.Now()

	// Class bucket first: the tighter limit should absorb the wait so the
	// global budget is not held hostage by one slow endpoint family.
	if sub := l.classBucket(class); sub != nil {
		if cost > sub.Burst() {
			return fmt.Errorf("cost %d exceeds burst %d for class %q", cost, sub.Burst(), class)
		}
		if err := sub.WaitN(ctx, cost); err != nil {
			return fmt.Errorf("rate limit wait (class %s): %w", class, err)
		}
	}

	if err := l.global.WaitN(ctx, cost); err != nil {
		return fmt.Errorf("rate limit wait (global): %w", err)
	}

	waited := time.Since(start)
	rateLimitWaitSeconds.WithLabelValues(label).Observe(waited.Seconds())
	rateLimitCostTotal.WithLabelValues(label).Add(float64(cost))

	if waited > time.Second {
		l.logger.Warn().
			Str("class", label).
			Int("cost", cost).
			Dur("waited", waited).
			Msg("Slow rate limit admission")
	} else {
		l.logger.Debug().
			Str("class", label).
			Int("cost", cost).
			Dur("waited", waited).
			Msg("Rate budget acquired")
	}

	return nil
}

func (l *Limiter) classBucket(class string) *rate.Limiter {
	if class == "" {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.classes[class]
}

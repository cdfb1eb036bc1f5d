// Package retry provides retry logic with exponential backoff and jitter
// for resilient agent RPC calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"agentrpc/pkg/circuit"
	"agentrpc/pkg/rpcerrors"
)

// Config defines configuration for retry behavior.
type Config struct {
	MaxAttempts   int           `json:"max_attempts"`   // Maximum number of attempts (including initial)
	InitialDelay  time.Duration `json:"initial_delay"`  // Base delay before the first retry
	MaxDelay      time.Duration `json:"max_delay"`      // Maximum delay between retries
	BackoffFactor float64       `json:"backoff_factor"` // Multiplier for exponential backoff
	Jitter        bool          `json:"jitter"`         // Scale delays by a uniform factor in [0.5, 1.0]
}

// DefaultConfig provides reasonable defaults for retry behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  1 * time.Second,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier determines if an error should be retried.
type Classifier func(error) bool

// ShouldRetry is the default error classifier.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	// Never retry context cancellation; the caller gave up.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Never retry circuit breaker denials - retrying would defeat fast-fail.
	var circuitErr *circuit.Error
	if errors.As(err, &circuitErr) {
		return false
	}

	// Classified RPC errors carry their own retry decision.
	var rpcErr *rpcerrors.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.IsRetryable()
	}

	// Per-attempt deadline breaches are retryable; the parent context may
	// still be valid.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}

// Policy encapsulates retry configuration and logic.
type Policy struct {
	Config     Config
	Classifier Classifier
}

// NewPolicy creates a new retry policy with the given configuration and
// classifier. A nil classifier falls back to ShouldRetry.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if config.BackoffFactor <= 0 {
		config.BackoffFactor = DefaultConfig.BackoffFactor
	}
	if classifier == nil {
		classifier = ShouldRetry
	}
	return &Policy{
		Config:     config,
		Classifier: classifier,
	}
}

// Delay computes the backoff before the retry following the given zero-based
// failed attempt: min(initial * factor^attempt, max), scaled by a uniform
// jitter factor in [0.5, 1.0) when enabled.
func (p *Policy) Delay(attempt int) time.Duration {
	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt)))
	if delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}
	if p.Config.Jitter && delay > 0 {
		delay = time.Duration(float64(delay) * (0.5 + 0.5*rand.Float64()))
	}
	return delay
}

// ShouldRetry determines if an error should be retried based on the
// configured classifier.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}

// Execute runs op up to MaxAttempts times with backoff between failures.
func (p *Policy) Execute(ctx context.Context, op func(context.Context) error) error {
	return p.ExecuteWithBreaker(ctx, nil, op)
}

// ExecuteWithBreaker runs op through the breaker (when given) up to
// MaxAttempts times. A circuit breaker denial propagates immediately and is
// never retried, even mid-loop: the fast-fail verdict overrides any earlier
// transient failures. Non-retryable errors and the final attempt's error
// propagate unchanged.
func (p *Policy) ExecuteWithBreaker(ctx context.Context, breaker *circuit.Breaker, op func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < p.Config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt - 1)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		var err error
		if breaker != nil {
			err = breaker.Execute(ctx, op)
		} else {
			err = op(ctx)
		}
		if err == nil {
			return nil
		}

		var circuitErr *circuit.Error
		if errors.As(err, &circuitErr) {
			return err
		}

		lastErr = err
		if !p.ShouldRetry(err) {
			return lastErr
		}
	}

	return lastErr
}

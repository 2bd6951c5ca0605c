package limiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        bool          `yaml:"jitter"`
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// RetryableFunc is one attempt
type RetryableFunc func(ctx context.Context) error

// Retrier runs a function until it succeeds, fails permanently, or runs out of attempts
type Retrier struct {
	config    RetryConfig
	retryable func(error) bool
}

// NewRetrier creates a retrier. A nil retryable treats every error as
// retryable except context cancellation.
func NewRetrier(config RetryConfig, retryable func(error) bool) *Retrier {
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return &Retrier{config: config, retryable: retryable}
}

// Execute runs fn with exponential backoff between attempts
func (r *Retrier) Execute(ctx context.Context, fn RetryableFunc) error {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == r.config.MaxRetries {
			break
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || !r.retryable(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delay(attempt)):
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// delay is baseDelay * backoffFactor^attempt, capped at maxDelay
func (r *Retrier) delay(attempt int) time.Duration {
	factor := r.config.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(r.config.BaseDelay) * math.Pow(factor, float64(attempt))

	if r.config.MaxDelay > 0 && delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		// ±25%
		jitter := rand.Float64()*0.5 - 0.25
		delay = delay * (1 + jitter)
	}

	return time.Duration(delay)
}

// StatusError is a non-2xx HTTP answer
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsRetryableStatus reports whether a health request answered with a transient status
func IsRetryableStatus(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		// transport errors, e.g. the service is still starting
		return true
	}
	switch statusErr.StatusCode {
	case 429, 502, 503, 504:
		return true
	}
	return false
}

package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig configures bounded exponential backoff.
//
// Retries are bounded by attempt count, not wall-clock time. The defaults
// give 3 attempts at 200ms/400ms/800ms plus jitter.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the delay after each attempt.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0-1.0) applied to each delay.
	Jitter float64

	// RetryableFunc overrides the default retryability check (IsRetryable).
	RetryableFunc func(error) bool
}

// DefaultRetry is the standard publish retry policy.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry disables retries.
var NoRetry = RetryConfig{
	MaxAttempts: 1,
}

// WithRetry runs fn with bounded retries, sleeping between attempts and
// respecting context cancellation. It returns the last error when all
// attempts fail, or the context error if cancelled.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	retryable := cfg.RetryableFunc
	if retryable == nil {
		retryable = IsRetryable
	}

	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}

		// No sleep after the final attempt.
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(backoff, cfg.Jitter)):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return lastErr
}

// jittered returns base +/- (base * jitter * random).
func jittered(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	offset := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + offset)
}

package agent

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/chainguard-dev/clog"
)

// RetryConfig configures retry behavior for transient agent failures
type RetryConfig struct {
	// MaxRetries is the number of calls after the first. 0 disables retries.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Jitter randomizes each wait by up to this fraction in either direction.
	Jitter float64
}

// DefaultRetryConfig returns the retry settings used when none are configured
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  30 * time.Second,
		Jitter:      0.2,
	}
}

// backOff doubles from BaseBackoff up to MaxBackoff
func (c RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseBackoff
	b.MaxInterval = c.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = c.Jitter
	b.Reset()
	return b
}

// retryTransient calls fn until it succeeds, returns an error isRetryable
// rejects, or MaxRetries retries are spent. The last error is returned as is.
func retryTransient[T any](ctx context.Context, cfg RetryConfig, operation string, isRetryable func(error) bool, fn func() (T, error)) (T, error) {
	attempt := 0
	return backoff.Retry(ctx,
		func() (T, error) {
			attempt++
			res, err := fn()
			if err != nil && !isRetryable(err) {
				return res, backoff.Permanent(err)
			}
			return res, err
		},
		backoff.WithBackOff(cfg.backOff()),
		backoff.WithMaxTries(uint(max(cfg.MaxRetries, 0)+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			clog.FromContext(ctx).With("operation", operation).
				With("attempt", attempt).
				With("max_retries", cfg.MaxRetries).
				With("backoff", wait).
				With("error", err.Error()).
				Warn("Transient agent error, retrying")
		}),
	)
}

package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryOptions contains configuration for retry behavior.
type RetryOptions struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// GetFeedRetryOptions returns retry options for the moderation feed. The
// feed fails open, so retries are kept short to avoid stalling a sweep.
func GetFeedRetryOptions() RetryOptions {
	return RetryOptions{
		MaxElapsedTime:  10 * time.Second,
		InitialInterval: time.Second,
		MaxInterval:     3 * time.Second,
		MaxRetries:      2,
	}
}

// WithRetry executes the given operation with exponential backoff using provided options.
func WithRetry[T any](ctx context.Context, operation func() (T, error), opts RetryOptions) (T, error) {
	var result T

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(opts.MaxElapsedTime),
		backoff.WithInitialInterval(opts.InitialInterval),
		backoff.WithMaxInterval(opts.MaxInterval),
	), opts.MaxRetries)

	backoffOperation := func() error {
		var err error
		result, err = operation()

		return err
	}

	err := backoff.Retry(backoffOperation, backoff.WithContext(b, ctx))

	return result, err
}

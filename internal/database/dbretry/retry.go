package dbretry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

var (
	maxElapsedTime  = 30 * time.Second
	initialInterval = 500 * time.Millisecond
	maxInterval     = 5 * time.Second
	maxRetries      = uint64(5)
)

// IsRetryableError checks if the given error is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Connection errors (class 08), serialization/deadlock (class 40),
	// resource exhaustion (class 53), and operator intervention (class 57)
	// are all transient from the caller's point of view.
	var pgerr *pgdriver.Error
	if errors.As(err, &pgerr) {
		switch pgerr.Field('C') {
		case "08000", "08001", "08003", "08004", "08006", "08007", "08P01",
			"40001", "40P01",
			"53000", "53100", "53200", "53300", "53400",
			"55006", "55P03",
			"57000", "57P01", "57P02", "57P03", "57P04":
			return true
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Driver errors that surface as plain strings.
	errMsg := err.Error()
	if strings.Contains(errMsg, "connection reset by peer") ||
		strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "no connection") ||
		strings.Contains(errMsg, "i/o timeout") ||
		strings.Contains(errMsg, "EOF") {
		return true
	}

	return false
}

// Operation wraps a database operation with retry logic.
func Operation[T any](ctx context.Context, operation func(context.Context) (T, error)) (T, error) {
	var (
		result  T
		lastErr error
	)

	err := backoff.Retry(func() error {
		var err error

		result, err = operation(ctx)
		if err != nil {
			if !IsRetryableError(err) {
				return backoff.Permanent(err)
			}

			lastErr = err

			return err
		}

		return nil
	}, backoff.WithContext(newBackOff(), ctx))
	if err != nil {
		if lastErr != nil {
			return result, fmt.Errorf("database operation failed after retries: %w", lastErr)
		}

		return result, fmt.Errorf("database operation failed: %w", err)
	}

	return result, nil
}

// NoResult wraps a database operation that doesn't return a result.
func NoResult(ctx context.Context, operation func(context.Context) error) error {
	_, err := Operation(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	})

	return err
}

// Transaction wraps a database transaction with retry logic.
func Transaction(ctx context.Context, db *bun.DB, fn func(context.Context, bun.Tx) error) error {
	return NoResult(ctx, func(ctx context.Context) error {
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			return fn(ctx, tx)
		})
	})
}

func newBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(maxElapsedTime),
		backoff.WithInitialInterval(initialInterval),
		backoff.WithMaxInterval(maxInterval),
	), maxRetries)
}

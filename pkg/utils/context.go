package utils

import (
	"context"
	"time"
)

// SleepResult represents the outcome of a context-aware sleep operation.
type SleepResult int

const (
	// SleepCompleted indicates the sleep duration completed normally.
	SleepCompleted SleepResult = iota
	// SleepCancelled indicates the context was cancelled during sleep.
	SleepCancelled
)

// ContextSleep sleeps for the specified duration while respecting context
// cancellation. Returns SleepCompleted if the full duration elapsed,
// SleepCancelled if the context was cancelled first.
func ContextSleep(ctx context.Context, duration time.Duration) SleepResult {
	if duration <= 0 {
		return SleepCompleted
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return SleepCompleted
	case <-ctx.Done():
		return SleepCancelled
	}
}

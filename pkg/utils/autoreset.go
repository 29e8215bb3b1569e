package utils

import (
	"context"
	"sync"
)

// AutoResetEvent is a cooperative signal that releases exactly one waiter
// per Set call. A Set with no waiters leaves the event signaled for the
// next single Wait; repeated Sets never stack beyond one pending signal.
type AutoResetEvent struct {
	mu       sync.Mutex
	signaled bool
	waiters  []chan struct{}
}

// NewAutoResetEvent creates an unsignaled event.
func NewAutoResetEvent() *AutoResetEvent {
	return &AutoResetEvent{}
}

// Set releases one queued waiter if any exist, otherwise marks the event
// signaled so the next Wait completes immediately.
func (e *AutoResetEvent) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.waiters) > 0 {
		ch := e.waiters[0]
		e.waiters = e.waiters[1:]
		close(ch)

		return
	}

	e.signaled = true
}

// Wait blocks until the event is signaled or ctx is cancelled. A cancelled
// wait removes its own queue entry without consuming a signal meant for
// another waiter.
func (e *AutoResetEvent) Wait(ctx context.Context) error {
	e.mu.Lock()

	if e.signaled {
		e.signaled = false
		e.mu.Unlock()

		return nil
	}

	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		e.abandon(ch)
		return ctx.Err()
	}
}

// abandon removes a cancelled waiter. If the waiter's channel was already
// closed, the signal raced with cancellation and is handed back so it is
// not lost.
func (e *AutoResetEvent) abandon(ch chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, w := range e.waiters {
		if w == ch {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}

	// Not in the queue: Set already delivered to this waiter.
	select {
	case <-ch:
		if len(e.waiters) > 0 {
			next := e.waiters[0]
			e.waiters = e.waiters[1:]
			close(next)
		} else {
			e.signaled = true
		}
	default:
	}
}

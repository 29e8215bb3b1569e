// Package scheduler drives units of work on cron-style recurring
// schedules. A failing or panicking run never stops the schedule; the
// next occurrence is always computed from the current time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/pkg/utils"
	"go.uber.org/zap"
)

// State is the runner's position in its lifecycle.
type State int32

const (
	// StateStopped indicates the runner is not armed.
	StateStopped State = iota
	// StateInitializing indicates the one-time Initialize hook is running.
	StateInitializing
	// StateScheduled indicates the runner is waiting for the next occurrence.
	StateScheduled
	// StateRunning indicates the work unit is executing.
	StateRunning
)

// stateNames is a static lookup table; no reflection at runtime.
var stateNames = map[State]string{
	StateStopped:      "Stopped",
	StateInitializing: "Initializing",
	StateScheduled:    "Scheduled",
	StateRunning:      "Running",
}

// String returns the state's name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return stateNames[StateStopped]
}

// Service is a unit of work driven by a Runner.
type Service interface {
	// Name identifies the service in logs and metrics.
	Name() string
	// Initialize runs once before the schedule is armed. Preloads that
	// must complete before the first run belong here.
	Initialize(ctx context.Context) error
	// Run executes one pass. Errors are logged and swallowed by the
	// runner; they never affect the schedule.
	Run(ctx context.Context) error
}

// Runner arms a single service on a cron schedule. One goroutine sleeps
// until the next computed occurrence and loops, so runs of the same
// service never overlap.
type Runner struct {
	service  Service
	schedule cron.Schedule
	clock    utils.Clock
	emitter  metrics.Emitter
	logger   *zap.Logger
	state    atomic.Int32
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewRunner creates a runner for the given cron expression. An invalid
// expression is a configuration error and fails construction.
func NewRunner(
	service Service, expression string, clock utils.Clock, emitter metrics.Emitter, logger *zap.Logger,
) (*Runner, error) {
	schedule, err := cron.ParseStandard(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q for service %s: %w",
			expression, service.Name(), err)
	}

	return &Runner{
		service:  service,
		schedule: schedule,
		clock:    clock,
		emitter:  emitter,
		logger:   logger.Named("scheduler").With(zap.String("service", service.Name())),
		done:     make(chan struct{}),
	}, nil
}

// State returns the runner's current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Start runs the service's Initialize hook, then arms the schedule.
// Initialization failure leaves the runner stopped.
func (r *Runner) Start(ctx context.Context) error {
	r.setState(StateInitializing)

	if err := r.service.Initialize(ctx); err != nil {
		r.setState(StateStopped)
		return fmt.Errorf("failed to initialize service %s: %w", r.service.Name(), err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go r.loop(runCtx)

	r.logger.Info("Service scheduled")

	return nil
}

// Stop disarms the schedule and waits for an in-flight run to finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
			<-r.done
		}

		r.setState(StateStopped)
		r.logger.Info("Service stopped")
	})
}

// RunNow executes one pass outside the schedule. Errors and panics are
// contained exactly as in a scheduled run.
func (r *Runner) RunNow(ctx context.Context) {
	r.runOnce(ctx)
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	for {
		now := r.clock.Now()
		next := r.schedule.Next(now)

		r.setState(StateScheduled)

		if utils.ContextSleep(ctx, next.Sub(now)) == utils.SleepCancelled {
			return
		}

		// Deviation from the expected fire time detects scheduler drift
		// or system overload.
		deviation := r.clock.Now().Sub(next)
		r.emitter.Gauge(ctx, "scheduler.deviation_ms", float64(deviation.Milliseconds()),
			metrics.Dim("service", r.service.Name()))

		r.runOnce(ctx)
	}
}

// runOnce executes the work unit with full containment: errors are
// logged, panics recovered, and the runner always returns to Scheduled.
func (r *Runner) runOnce(ctx context.Context) {
	r.setState(StateRunning)

	start := r.clock.Now()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Service run panicked", zap.Any("panic", rec))
		}

		runtime := r.clock.Now().Sub(start)
		r.emitter.Gauge(ctx, "scheduler.runtime_ms", float64(runtime.Milliseconds()),
			metrics.Dim("service", r.service.Name()))

		r.setState(StateScheduled)
	}()

	if err := r.service.Run(ctx); err != nil {
		r.logger.Error("Service run failed", zap.Error(err))
	}
}

func (r *Runner) setState(state State) {
	r.state.Store(int32(state))
}

// NextOccurrence returns when the service would next fire after the given
// time.
func (r *Runner) NextOccurrence(after time.Time) time.Time {
	return r.schedule.Next(after)
}

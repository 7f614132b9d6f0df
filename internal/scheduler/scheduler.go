// Package scheduler is C4, the durable scheduler: at-least-once timed
// firing of named actions against a handler registry, resilient to
// process restarts via the lease-claim/expire-and-requeue cycle on
// internal/store's scheduled_actions table.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/protectogram/panic-core/internal/otel"
	"github.com/protectogram/panic-core/internal/store"
)

// Handler processes one due action. A returned error triggers the
// retry/backoff decision in Runner.handleResult; a nil error completes
// the action.
type Handler func(ctx context.Context, action store.ScheduledAction) error

// RetryPolicy decides, given the attempt count just made, whether the
// action should be rescheduled and at what delay, or marked permanently
// failed. The default doubles a 5s base, capped at 2 minutes, and gives
// up after 5 attempts — mirroring the teacher's worker retry loop but
// sized for scheduled_actions' generic Attempts counter rather than a
// domain-specific ceiling (each handler's own retry/backoff fields, e.g.
// a guardian's retry-backoff-seconds, govern re-scheduling that handler
// does itself; this ceiling only guards against a handler that keeps
// erroring on infrastructure grounds).
type RetryPolicy func(attempts int) (retry bool, delay time.Duration)

func defaultRetryPolicy(attempts int) (bool, time.Duration) {
	const maxAttempts = 5
	if attempts >= maxAttempts {
		return false, 0
	}
	delay := 5 * time.Second << uint(attempts)
	if delay > 2*time.Minute {
		delay = 2 * time.Minute
	}
	return true, delay
}

// Config holds the dependencies and tunables for a Runner.
type Config struct {
	Store        *store.Store
	Logger       *slog.Logger
	Owner        string // defaults to a generated id, unique per process
	PollInterval time.Duration
	LeaseFor     time.Duration
	BatchSize    int
	RetryPolicy  RetryPolicy
	Metrics      *otel.Metrics
}

// Runner polls for due scheduled_actions rows and dispatches each to the
// handler registered for its ActionType. One Runner instance is meant to
// run per process; horizontal scale-out of the scheduler tier is not
// supported (spec §5: the scheduler tier is a singleton).
type Runner struct {
	store    *store.Store
	logger   *slog.Logger
	owner    string
	interval time.Duration
	leaseFor time.Duration
	batch    int
	retry    RetryPolicy

	mu       sync.RWMutex
	handlers map[string]Handler

	metrics *otel.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	owner := cfg.Owner
	if owner == "" {
		owner = "scheduler-" + uuid.NewString()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	leaseFor := cfg.LeaseFor
	if leaseFor <= 0 {
		leaseFor = 30 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 20
	}
	retry := cfg.RetryPolicy
	if retry == nil {
		retry = defaultRetryPolicy
	}
	return &Runner{
		store:    cfg.Store,
		logger:   logger,
		owner:    owner,
		interval: interval,
		leaseFor: leaseFor,
		batch:    batch,
		retry:    retry,
		metrics:  cfg.Metrics,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to an action type. Call before Start; the
// registry is read without a lock on the hot path.
func (r *Runner) Register(actionType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
}

// Start begins the poll loop in a background goroutine.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("scheduler: runner started", "owner", r.owner, "poll_interval", r.interval)
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("scheduler: runner stopped", "owner", r.owner)
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick is one poll cycle: reclaim any lease abandoned by a crashed
// runner, then claim and dispatch a batch of due actions.
func (r *Runner) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.SchedulerTickDur.Record(ctx, time.Since(start).Seconds())
		}
	}()

	if n, err := r.store.RequeueExpiredLeases(ctx); err != nil {
		r.logger.Error("scheduler: requeue expired leases failed", "error", err)
	} else if n > 0 {
		r.logger.Info("scheduler: requeued expired leases", "count", n)
	}

	actions, err := r.store.ClaimDueActions(ctx, r.owner, r.leaseFor, r.batch)
	if err != nil {
		r.logger.Error("scheduler: claim due actions failed", "error", err)
		return
	}
	for _, action := range actions {
		r.dispatch(ctx, action)
	}
}

func (r *Runner) dispatch(ctx context.Context, action store.ScheduledAction) {
	r.mu.RLock()
	h, ok := r.handlers[action.ActionType]
	r.mu.RUnlock()

	if !ok {
		r.logger.Error("scheduler: no handler registered for action type",
			"action_id", action.ID, "action_type", action.ActionType)
		if err := r.store.FailAction(ctx, action.ID, r.owner, nil); err != nil {
			r.logger.Error("scheduler: failed to mark unhandled action failed", "error", err)
		}
		return
	}

	if r.metrics != nil {
		r.metrics.ScheduledActions.Add(ctx, 1, metric.WithAttributes(otel.AttrActionType.String(action.ActionType)))
	}
	err := h(ctx, action)
	r.handleResult(ctx, action, err)
}

func (r *Runner) handleResult(ctx context.Context, action store.ScheduledAction, err error) {
	if err == nil {
		if cerr := r.store.CompleteAction(ctx, action.ID, r.owner); cerr != nil {
			r.logger.Error("scheduler: complete action failed", "action_id", action.ID, "error", cerr)
		}
		return
	}

	if errors.Is(err, ErrTerminated) {
		// The handler observed the incident is no longer open and
		// self-guarded; this is not a failure, just a stop.
		if cerr := r.store.CompleteAction(ctx, action.ID, r.owner); cerr != nil {
			r.logger.Error("scheduler: complete terminated action failed", "action_id", action.ID, "error", cerr)
		}
		return
	}

	retry, delay := r.retry(action.Attempts + 1)
	if !retry {
		r.logger.Error("scheduler: action exhausted retries, marking permanently failed",
			"action_id", action.ID, "action_type", action.ActionType, "attempts", action.Attempts+1, "error", err)
		if ferr := r.store.FailAction(ctx, action.ID, r.owner, nil); ferr != nil {
			r.logger.Error("scheduler: fail action failed", "action_id", action.ID, "error", ferr)
		}
		return
	}

	next := time.Now().Add(delay)
	r.logger.Warn("scheduler: action failed, rescheduling",
		"action_id", action.ID, "action_type", action.ActionType, "error", err, "next_run_at", next)
	if ferr := r.store.FailAction(ctx, action.ID, r.owner, &next); ferr != nil {
		r.logger.Error("scheduler: reschedule action failed", "action_id", action.ID, "error", ferr)
	}
}

// ErrTerminated is returned by a handler to signal that it found the
// incident no longer open at handler entry and intentionally no-opped
// (spec §4.8's self-guard), distinct from an infrastructure failure.
var ErrTerminated = fmt.Errorf("scheduler: action self-guarded on terminated incident")

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"thirdcoast.systems/lumen/internal/jobs"
)

// settleTimeout bounds queue bookkeeping after a handler returns, even when
// the worker is shutting down.
const settleTimeout = 30 * time.Second

// Alerter is told when a job keeps waiting on a dependency.
type Alerter interface {
	DependencyStuck(ctx context.Context, job *jobs.Job, dependencyAttempts int)
}

// LogAlerter reports stuck dependencies through slog at error level.
type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) DependencyStuck(ctx context.Context, job *jobs.Job, n int) {
	l := a.Logger
	if l == nil {
		l = slog.Default()
	}
	l.ErrorContext(ctx, "job dependency appears stuck", append(job.LogAttrs(), "dependency_attempts", n)...)
}

// Options tunes a Dispatcher.
type Options struct {
	Name                     string
	PollInterval             time.Duration
	HeartbeatInterval        time.Duration
	RetryBackoff             jobs.Backoff
	DependencyBackoff        jobs.Backoff
	DependencyAlertThreshold int
	Alerter                  Alerter
	Logger                   *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "worker"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 120 * time.Second
	}
	if o.RetryBackoff.Initial <= 0 {
		o.RetryBackoff = jobs.DefaultBackoff
	}
	if o.DependencyBackoff.Initial <= 0 {
		o.DependencyBackoff = o.RetryBackoff
	}
	if o.DependencyAlertThreshold <= 0 {
		o.DependencyAlertThreshold = 10
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Alerter == nil {
		o.Alerter = LogAlerter{Logger: o.Logger}
	}
}

// Dispatcher is one worker's claim loop. Handlers are registered before Run
// and the registry is read-only afterwards, so several Run loops may share a
// Dispatcher.
type Dispatcher struct {
	store    jobs.Store
	handlers map[jobs.Type]jobs.Handler
	opts     Options
	log      *slog.Logger
}

// NewDispatcher returns a Dispatcher claiming from store.
func NewDispatcher(store jobs.Store, opts Options) *Dispatcher {
	opts.setDefaults()
	return &Dispatcher{
		store:    store,
		handlers: make(map[jobs.Type]jobs.Handler),
		opts:     opts,
		log:      opts.Logger.With("worker", opts.Name),
	}
}

// Register binds h to jobs of type t.
func (d *Dispatcher) Register(t jobs.Type, h jobs.Handler) {
	d.handlers[t] = h
}

// Registered lists the job types with a handler.
func (d *Dispatcher) Registered() []jobs.Type {
	var out []jobs.Type
	for _, t := range jobs.AllTypes {
		if _, ok := d.handlers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Run claims and processes jobs until ctx ends. An empty queue sleeps for
// PollInterval or until the store signals new work.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wake <-chan struct{}
	if w, ok := d.store.(jobs.Waiter); ok {
		wake = w.WaitForJobs(ctx)
	}

	d.log.Info("dispatcher started", "handlers", d.Registered(), "poll_interval", d.opts.PollInterval)
	for {
		if ctx.Err() != nil {
			d.log.Info("dispatcher stopping")
			return nil
		}

		processed, err := d.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.log.Error("dispatch iteration failed", "error", err)
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		case <-time.After(d.opts.PollInterval):
		}
	}
}

// RunOnce claims at most one job, runs it and records the outcome.
// processed is false when the queue had nothing eligible.
func (d *Dispatcher) RunOnce(ctx context.Context) (processed bool, err error) {
	job, err := d.store.ClaimJob(ctx)
	if errors.Is(err, jobs.ErrNoJob) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}

	log := d.log.With(job.LogAttrs()...)
	log.Info("job claimed", "priority", job.Priority)
	started := time.Now()

	stopHeartbeat := d.startHeartbeat(ctx, job.ID, log)
	res := d.invoke(ctx, job)
	stopHeartbeat()

	log.Info("job finished", "outcome", res.Outcome.String(), "reason", res.Reason, "elapsed", time.Since(started).Round(time.Millisecond))

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if ctx.Err() != nil && res.Outcome == jobs.OutcomeError {
		return true, d.release(settleCtx, job, res, log)
	}
	return true, d.settle(settleCtx, job, res, log)
}

// release puts a job interrupted by worker shutdown back in the queue
// without charging an attempt.
func (d *Dispatcher) release(ctx context.Context, job *jobs.Job, res jobs.Result, log *slog.Logger) error {
	if cancelled, err := d.cancelledMeanwhile(ctx, job); err != nil || cancelled {
		return err
	}
	if err := d.store.DeferJob(ctx, job.ID, job.DependencyAttempts, 0); err != nil {
		return fmt.Errorf("release job %d: %w", job.ID, err)
	}
	log.Info("job interrupted by shutdown, requeued", "error", res.Err)
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, job *jobs.Job) (res jobs.Result) {
	h, ok := d.handlers[job.Type]
	if !ok {
		return jobs.Failf("no handler registered for job type %s", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("job handler panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			res = jobs.Failf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}

func (d *Dispatcher) settle(ctx context.Context, job *jobs.Job, res jobs.Result, log *slog.Logger) error {
	switch res.Outcome {
	case jobs.OutcomeDone, jobs.OutcomeCancelled:
		if err := d.store.CompleteJob(ctx, job.ID); err != nil {
			return fmt.Errorf("complete job %d: %w", job.ID, err)
		}
		return nil

	case jobs.OutcomeDependencyReschedule:
		if cancelled, err := d.cancelledMeanwhile(ctx, job); err != nil || cancelled {
			return err
		}
		n := job.DependencyAttempts + 1
		delay := d.opts.DependencyBackoff.Delay(n)
		if err := d.store.DeferJob(ctx, job.ID, n, delay); err != nil {
			return fmt.Errorf("defer job %d: %w", job.ID, err)
		}
		log.Info("job deferred on dependency", "dependency_attempts", n, "delay", delay)
		if n >= d.opts.DependencyAlertThreshold {
			d.opts.Alerter.DependencyStuck(ctx, job, n)
		}
		return nil

	case jobs.OutcomeError:
		if cancelled, err := d.cancelledMeanwhile(ctx, job); err != nil || cancelled {
			return err
		}
		attempts := job.Attempts + 1
		msg := res.Err.Error()
		if attempts < max(job.MaxAttempts, 1) {
			delay := d.opts.RetryBackoff.Delay(attempts)
			if err := d.store.RetryJob(ctx, job.ID, attempts, delay, msg); err != nil {
				return fmt.Errorf("retry job %d: %w", job.ID, err)
			}
			log.Warn("job failed, retrying", "error", msg, "next_attempts", attempts, "max_attempts", job.MaxAttempts, "delay", delay)
			return nil
		}
		if err := d.store.DeadLetterJob(ctx, job, attempts, msg); err != nil {
			return fmt.Errorf("dead-letter job %d: %w", job.ID, err)
		}
		log.Error("job dead-lettered", "error", msg, "next_attempts", attempts)
		return nil

	default:
		return fmt.Errorf("job %d: unknown outcome %v", job.ID, res.Outcome)
	}
}

// cancelledMeanwhile drops a job whose row was cancelled while it ran.
func (d *Dispatcher) cancelledMeanwhile(ctx context.Context, job *jobs.Job) (bool, error) {
	status, err := d.store.JobStatus(ctx, job.ID)
	if errors.Is(err, jobs.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("job %d status: %w", job.ID, err)
	}
	if status != jobs.StatusCancelled {
		return false, nil
	}
	if err := d.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("complete cancelled job %d: %w", job.ID, err)
	}
	return true, nil
}

// startHeartbeat refreshes the job's heartbeat every HeartbeatInterval until
// the returned stop func is called or the row stops being Running.
func (d *Dispatcher) startHeartbeat(ctx context.Context, id int64, log *slog.Logger) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				running, err := d.store.HeartbeatJob(hbCtx, id)
				if err != nil {
					if hbCtx.Err() == nil {
						log.Warn("heartbeat failed", "error", err)
					}
					continue
				}
				if !running {
					log.Info("heartbeat stopped, job no longer running")
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

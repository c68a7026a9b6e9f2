package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"thirdcoast.systems/lumen/internal/jobs"
)

// Reaper periodically requeues Running jobs whose worker stopped sending
// heartbeats and purges old Cancelled rows. It runs alongside workers or
// as its own process.
type Reaper struct {
	store     jobs.Store
	interval  time.Duration
	threshold time.Duration
	retention time.Duration
	log       *slog.Logger
}

// NewReaper returns a Reaper. threshold is how old a heartbeat may be before
// its job is reclaimed; retention is how long Cancelled rows are kept.
func NewReaper(store jobs.Store, interval, threshold, retention time.Duration, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		store:     store,
		interval:  interval,
		threshold: threshold,
		retention: retention,
		log:       log.With("component", "reaper"),
	}
}

// Sweep runs one reclaim and purge pass.
func (r *Reaper) Sweep(ctx context.Context) (reclaimed, purged int64, err error) {
	reclaimed, err = r.store.ReclaimStaleJobs(ctx, r.threshold)
	if err != nil {
		return 0, 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	if r.retention > 0 {
		purged, err = r.store.PurgeCancelledJobs(ctx, r.retention)
		if err != nil {
			return reclaimed, 0, fmt.Errorf("purge cancelled jobs: %w", err)
		}
	}
	if reclaimed > 0 || purged > 0 {
		r.log.Info("reaper sweep", "reclaimed", reclaimed, "purged", purged, "threshold", r.threshold)
	}
	return reclaimed, purged, nil
}

// Run sweeps immediately, which recovers jobs left Running by a previous
// crash, and then once per interval until ctx ends.
func (r *Reaper) Run(ctx context.Context) error {
	if _, _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
		r.log.Error("startup sweep failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("sweep failed", "error", err)
			}
		}
	}
}

// RunWorkers runs n claim loops on d, plus reaper when non-nil, until ctx
// ends or one of them fails.
func RunWorkers(ctx context.Context, d *Dispatcher, n int, reaper *Reaper) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < max(n, 1); i++ {
		g.Go(func() error { return d.Run(gctx) })
	}
	if reaper != nil {
		g.Go(func() error { return reaper.Run(gctx) })
	}
	return g.Wait()
}

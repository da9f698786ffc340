package orchestrator

import (
	"context"
	"errors"
	"time"

	"callscribe/internal/storage/sqlite"
	"callscribe/pkg/logger"
)

// Runner polls the store for pending jobs and runs them one at a time.
type Runner struct {
	orch     *Orchestrator
	store    *sqlite.Store
	interval time.Duration
	wake     chan struct{}
	logger   *logger.Logger
}

// NewRunner creates the async job runner.
func NewRunner(orch *Orchestrator, store *sqlite.Store, interval time.Duration, log *logger.Logger) *Runner {
	return &Runner{
		orch:     orch,
		store:    store,
		interval: interval,
		wake:     make(chan struct{}, 1),
		logger:   log.Named("runner"),
	}
}

// Wake nudges the runner to check for work immediately instead of waiting
// for the next poll tick.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start runs the polling loop until ctx is canceled. It drains the pending
// queue on each tick, then sleeps.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("Starting job runner",
		logger.Duration("poll_interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.drain(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("Job runner stopped")
			return
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// drain runs pending jobs until the queue is empty or ctx is canceled.
func (r *Runner) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := r.store.NextPending()
		if err != nil {
			r.logger.Error("Failed to poll for pending jobs", logger.Error(err))
			return
		}
		if job == nil {
			return
		}

		if _, err := r.orch.Run(ctx, job.ID); err != nil {
			if errors.Is(err, sqlite.ErrLockBusy) {
				// Another process holds the pipeline; back off to the next tick.
				return
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			// Run already persisted the failure; keep draining.
			r.logger.Warn("Job finished with error",
				logger.String("job_id", job.ID),
				logger.Error(err))
		}
	}
}

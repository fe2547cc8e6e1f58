package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/metrics"
)

// JobDispatcher is the part of Dispatcher the worker needs.
type JobDispatcher interface {
	Dispatch(ctx context.Context, job *domain.BatchJob) error
}

type WorkerOptions struct {
	Store      domain.BatchStore
	Dispatcher JobDispatcher
	// MaxJobs bounds jobs dispatched at once by this process.
	MaxJobs int
	Lease   time.Duration
	// Idle is the pause after an empty or failed claim.
	Idle    time.Duration
	Metrics *metrics.Collector
	Logger  infra.Logger
}

// Worker claims pending or abandoned jobs and dispatches them. A claimed job's
// lease is renewed while its dispatch runs so other workers leave it alone.
type Worker struct {
	store      domain.BatchStore
	dispatcher JobDispatcher
	maxJobs    int
	lease      time.Duration
	idle       time.Duration
	metrics    *metrics.Collector
	logger     infra.Logger
}

func NewWorker(opts WorkerOptions) *Worker {
	w := &Worker{
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		maxJobs:    opts.MaxJobs,
		lease:      opts.Lease,
		idle:       opts.Idle,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
	if w.maxJobs < 1 {
		w.maxJobs = 1
	}
	if w.lease <= 0 {
		w.lease = 5 * time.Minute
	}
	if w.idle <= 0 {
		w.idle = 2 * time.Second
	}
	return w
}

// Run claims jobs until ctx is done, then waits for running dispatches.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Int("max_jobs", w.maxJobs).Dur("lease", w.lease).Msg("worker: started")
	sem := semaphore.NewWeighted(int64(w.maxJobs))
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			w.logger.Info().Msg("worker: stopping")
			return ctx.Err()
		}
		job, err := w.store.ClaimJob(ctx, w.lease)
		if err != nil || job == nil {
			sem.Release(1)
			if err != nil && ctx.Err() == nil {
				w.logger.Error().Err(err).Msg("worker: failed to claim job")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.idle):
			}
			continue
		}
		w.metrics.JobClaimed()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			w.handleJob(ctx, job)
		}()
	}
}

func (w *Worker) handleJob(ctx context.Context, job *domain.BatchJob) {
	log := w.logger.With().Str("job_id", job.ID).Str("plan", string(job.PlanTier)).Logger()
	log.Info().Int("rows", job.TotalRows).Msg("worker: picked job")

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.renewLease(jobCtx, job.ID, log)

	err := w.dispatcher.Dispatch(jobCtx, job)
	switch {
	case err == nil:
		log.Info().Msg("worker: job dispatched")
	case errors.Is(err, context.Canceled):
		log.Warn().Msg("worker: dispatch interrupted, job left for recovery")
	case errors.Is(err, domain.ErrSystemicDispatch):
		log.Error().Err(err).Msg("worker: job failed")
	default:
		log.Error().Err(err).Msg("worker: dispatch error")
	}
}

func (w *Worker) renewLease(ctx context.Context, jobID string, log infra.Logger) {
	ticker := time.NewTicker(w.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.RenewLease(ctx, jobID, w.lease); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("worker: lease renewal failed")
			}
		}
	}
}

package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/ledger"
	"batchgen/internal/metrics"
	"batchgen/internal/providers/generation"
	"batchgen/internal/storage"
)

// OutputFetcher downloads provider outputs published behind a URL.
type OutputFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

type ReconcilerOptions struct {
	Store    domain.BatchStore
	Ledger   ledger.Ledger
	Provider generation.Provider
	Objects  storage.ObjectStore
	Fetcher  OutputFetcher
	// Archiver is optional; completed jobs get no archive without it.
	Archiver *Archiver
	// Timeout is the ceiling between dispatch and a terminal provider state.
	Timeout  time.Duration
	Interval time.Duration
	// BatchSize bounds the rows examined per sweep.
	BatchSize int
	// Parallelism bounds concurrent provider polls within a sweep.
	Parallelism int
	// RetainCredits is kept from each refund as a non-refundable fee.
	RetainCredits int64
	Metrics       *metrics.Collector
	Logger        infra.Logger
	Now           func() time.Time
}

// Reconciler maps provider task outcomes back onto rows, assets, job counters
// and the ledger. Sweeps and push callbacks share one transition path.
type Reconciler struct {
	store         domain.BatchStore
	provider      generation.Provider
	objects       storage.ObjectStore
	fetcher       OutputFetcher
	archiver      *Archiver
	timeout       time.Duration
	interval      time.Duration
	batchSize     int
	parallelism   int
	retainCredits int64
	metrics       *metrics.Collector
	refunds       refunder
	logger        infra.Logger
	now           func() time.Time
}

func NewReconciler(opts ReconcilerOptions) *Reconciler {
	r := &Reconciler{
		store:         opts.Store,
		provider:      opts.Provider,
		objects:       opts.Objects,
		fetcher:       opts.Fetcher,
		archiver:      opts.Archiver,
		timeout:       opts.Timeout,
		interval:      opts.Interval,
		batchSize:     opts.BatchSize,
		parallelism:   opts.Parallelism,
		retainCredits: max(opts.RetainCredits, 0),
		metrics:       opts.Metrics,
		refunds:       refunder{store: opts.Store, ledger: opts.Ledger, metrics: opts.Metrics},
		logger:        opts.Logger,
		now:           opts.Now,
	}
	if r.timeout <= 0 {
		r.timeout = 15 * time.Minute
	}
	if r.interval <= 0 {
		r.interval = 10 * time.Second
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	if r.parallelism <= 0 {
		r.parallelism = 4
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info().Dur("interval", r.interval).Dur("timeout", r.timeout).Msg("reconcile: started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("reconcile: sweep failed")
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconcile: stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep first retries refunds owed by failed rows, then examines up to
// BatchSize generating rows, oldest dispatch first, and returns how many it
// looked at. Per-row failures are logged and left for the next sweep.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	if err := r.refundOwed(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("reconcile: refund pass failed")
	}
	rows, err := r.store.ListGeneratingRows(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("reconcile: list generating rows: %w", err)
	}
	r.metrics.SweepExamined(len(rows))

	var failures atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.parallelism)
	for _, row := range rows {
		g.Go(func() error {
			if err := r.reconcileRow(ctx, row); err != nil {
				failures.Add(1)
				r.logger.Warn().Err(err).
					Str("job_id", row.JobID).
					Int("row_index", row.RowIndex).
					Str("task_id", row.ExternalTaskID).
					Msg("reconcile: row left generating")
			}
			return nil
		})
	}
	_ = g.Wait()
	if n := failures.Load(); n > 0 {
		r.logger.Debug().Int64("failures", n).Int("rows", len(rows)).Msg("reconcile: sweep finished with failures")
	}
	return len(rows), ctx.Err()
}

// refundOwed settles refunds left behind by a failed settlement whose refund
// did not complete, for example after a crash between the two writes.
func (r *Reconciler) refundOwed(ctx context.Context) error {
	rows, err := r.store.ListRefundsDue(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("list refunds due: %w", err)
	}
	for _, row := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := r.refunds.refund(ctx, row, row.ErrorCode); err != nil {
			r.logger.Warn().Err(err).
				Str("job_id", row.JobID).
				Int("row_index", row.RowIndex).
				Msg("reconcile: refund still owed")
			continue
		}
		r.logger.Info().Str("job_id", row.JobID).Int("row_index", row.RowIndex).Msg("reconcile: owed refund recorded")
	}
	return nil
}

func (r *Reconciler) reconcileRow(ctx context.Context, row domain.RowTask) error {
	if r.timedOut(row) {
		return r.fail(ctx, row, domain.CodeProviderTimeout, fmt.Sprintf("no terminal result within %s", r.timeout))
	}
	res, err := r.provider.GetResult(ctx, row.ExternalTaskID)
	if err != nil {
		var perr *generation.Error
		if errors.As(err, &perr) && perr.Status == http.StatusNotFound {
			return r.fail(ctx, row, domain.CodeProviderError, "provider does not know task "+row.ExternalTaskID)
		}
		return fmt.Errorf("poll %s: %w", row.ExternalTaskID, err)
	}
	return r.apply(ctx, row, res)
}

// HandleResult applies a pushed provider result. Results for rows that already
// settled are ignored.
func (r *Reconciler) HandleResult(ctx context.Context, taskID string, res generation.Result) error {
	row, err := r.store.FindRowByTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrUnknownTask, taskID)
		}
		return err
	}
	if row.Status.Terminal() {
		r.logger.Debug().Str("task_id", taskID).Str("status", string(row.Status)).Msg("reconcile: callback for settled row")
		return nil
	}
	if row.Status != domain.RowStatusGenerating {
		return fmt.Errorf("%w: row %d is %s", domain.ErrInvalidTransition, row.RowIndex, row.Status)
	}
	return r.apply(ctx, *row, res)
}

func (r *Reconciler) apply(ctx context.Context, row domain.RowTask, res generation.Result) error {
	switch res.State {
	case generation.TaskProcessing:
		if r.timedOut(row) {
			return r.fail(ctx, row, domain.CodeProviderTimeout, fmt.Sprintf("no terminal result within %s", r.timeout))
		}
		return r.store.UpdateProgress(ctx, row.JobID, row.RowIndex, generation.ClampProgress(res.Progress))
	case generation.TaskCompleted:
		return r.complete(ctx, row, res.Output)
	case generation.TaskFailed:
		msg := res.ErrorMessage
		if res.ErrorCode != "" {
			msg = res.ErrorCode + ": " + msg
		}
		return r.fail(ctx, row, domain.CodeProviderError, msg)
	default:
		return fmt.Errorf("unknown task state %q", res.State)
	}
}

func (r *Reconciler) complete(ctx context.Context, row domain.RowTask, out *generation.Output) error {
	if out == nil || (out.URL == "" && len(out.Data) == 0) {
		return r.fail(ctx, row, domain.CodeProviderError, "provider reported success without output")
	}
	data, contentType := out.Data, out.ContentType
	if len(data) == 0 {
		if r.fetcher == nil {
			return errors.New("no fetcher configured for url output")
		}
		fetched, ct, err := r.fetcher.Fetch(ctx, out.URL)
		if err != nil {
			return r.storageFailure(row, err)
		}
		data = fetched
		if contentType == "" {
			contentType = ct
		}
	}
	key := storage.AssetKey(row.JobID, row.RowIndex, storage.ExtensionFor(contentType, out.URL))
	obj, err := r.objects.Put(ctx, key, data, contentType)
	if err != nil {
		return r.storageFailure(row, err)
	}

	meta := map[string]any{
		"task_id":      row.ExternalTaskID,
		"content_type": contentType,
		"size":         obj.Size,
	}
	if out.URL != "" {
		meta["source_url"] = out.URL
	}
	res, err := r.store.SettleRow(ctx, domain.Settlement{
		JobID:        row.JobID,
		RowIndex:     row.RowIndex,
		Outcome:      domain.RowStatusCompleted,
		StorageRef:   obj.Key,
		PublicRef:    obj.PublicURL,
		CreditsSpent: row.ChargedCredits,
		Metadata:     meta,
	})
	if err != nil {
		return fmt.Errorf("settle completed row: %w", err)
	}
	r.settled(ctx, row, res, domain.RowStatusCompleted, "")
	return nil
}

func (r *Reconciler) storageFailure(row domain.RowTask, err error) error {
	r.logger.Warn().Err(err).
		Str("job_id", row.JobID).
		Int("row_index", row.RowIndex).
		Str("code", domain.CodeStorageError).
		Msg("reconcile: output not stored, retrying next sweep")
	return fmt.Errorf("%s: %w", domain.CodeStorageError, err)
}

// fail settles the row failed before any credit moves, so a completion racing
// on the same row either wins the settlement or finds the row terminal. The
// refund owed is stored with the settlement and paid right after; a refund
// that cannot be paid now is retried by the next sweep.
func (r *Reconciler) fail(ctx context.Context, row domain.RowTask, code, message string) error {
	retained := min(r.retainCredits, row.ChargedCredits)
	refundAmount := row.ChargedCredits - retained
	meta := map[string]any{"task_id": row.ExternalTaskID}
	if retained > 0 {
		meta["retained_credits"] = retained
	}

	res, err := r.store.SettleRow(ctx, domain.Settlement{
		JobID:        row.JobID,
		RowIndex:     row.RowIndex,
		Outcome:      domain.RowStatusFailed,
		ErrorCode:    code,
		ErrorMessage: message,
		CreditsSpent: retained,
		Metadata:     meta,
		RefundDue:    refundAmount > 0,
		RefundAmount: refundAmount,
	})
	if err != nil {
		return fmt.Errorf("settle failed row: %w", err)
	}
	if res.Applied && refundAmount > 0 {
		row.RefundAmount = refundAmount
		receipt, err := r.refunds.refund(ctx, row, code)
		if err != nil {
			r.logger.Warn().Err(err).
				Str("job_id", row.JobID).
				Int("row_index", row.RowIndex).
				Msg("reconcile: refund deferred to next sweep")
		} else if receipt.TransactionID != "" {
			r.logger.Debug().Str("job_id", row.JobID).Int("row_index", row.RowIndex).
				Str("transaction_id", receipt.TransactionID).Msg("reconcile: refunded")
		}
	}
	r.settled(ctx, row, res, domain.RowStatusFailed, code)
	return nil
}

func (r *Reconciler) settled(ctx context.Context, row domain.RowTask, res domain.SettleResult, outcome domain.RowStatus, code string) {
	if !res.Applied {
		return
	}
	r.metrics.RowSettled(string(outcome), code)
	r.logger.Info().
		Str("job_id", row.JobID).
		Int("row_index", row.RowIndex).
		Str("task_id", row.ExternalTaskID).
		Str("outcome", string(outcome)).
		Str("code", code).
		Msg("reconcile: row settled")
	if !res.JobCompleted {
		return
	}
	r.logger.Info().Str("job_id", row.JobID).
		Int("successful_rows", res.Job.SuccessfulRows).
		Int("failed_rows", res.Job.FailedRows).
		Msg("reconcile: job completed")
	if r.archiver != nil {
		if _, err := r.archiver.Archive(ctx, row.JobID); err != nil {
			r.logger.Warn().Err(err).Str("job_id", row.JobID).Msg("reconcile: archive failed")
		}
	}
}

func (r *Reconciler) timedOut(row domain.RowTask) bool {
	started := row.UpdatedAt
	if row.DispatchedAt != nil {
		started = *row.DispatchedAt
	}
	if started.IsZero() {
		return false
	}
	return r.now().Sub(started) > r.timeout
}

package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/ledger"
	"batchgen/internal/metrics"
	"batchgen/internal/plan"
	"batchgen/internal/providers/generation"
	"batchgen/internal/providers/prompt"
)

const chargeSource = "batch_generation"

// Dispatcher drives the dispatchable rows of one job up to generating. A
// worker slot is held only for the charge and the provider start call; the
// reconciler takes over from there.
type Dispatcher struct {
	store    domain.BatchStore
	ledger   ledger.Ledger
	provider generation.Provider
	enhancer prompt.Enhancer
	catalog  *plan.Catalog
	metrics  *metrics.Collector
	refunds  refunder
	logger   infra.Logger
}

type DispatcherOptions struct {
	Store    domain.BatchStore
	Ledger   ledger.Ledger
	Provider generation.Provider
	// Enhancer is optional. Rows keep their raw prompt when it is nil.
	Enhancer prompt.Enhancer
	Catalog  *plan.Catalog
	Metrics  *metrics.Collector
	Logger   infra.Logger
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	catalog := opts.Catalog
	if catalog == nil {
		catalog = plan.Default()
	}
	return &Dispatcher{
		store:    opts.Store,
		ledger:   opts.Ledger,
		provider: opts.Provider,
		enhancer: opts.Enhancer,
		catalog:  catalog,
		metrics:  opts.Metrics,
		refunds:  refunder{store: opts.Store, ledger: opts.Ledger, metrics: opts.Metrics},
		logger:   opts.Logger,
	}
}

// Dispatch runs one job. It returns ErrSystemicDispatch when the job's rows
// could not be loaded and the job was failed. When interrupted, or when a row
// could be neither started nor settled, the job is not marked dispatched and
// becomes claimable again once its lease expires.
func (d *Dispatcher) Dispatch(ctx context.Context, job *domain.BatchJob) error {
	log := d.logger.With().Str("job_id", job.ID).Logger()

	rows, err := d.store.ListRows(ctx, job.ID)
	if err == nil && len(rows) != job.TotalRows {
		err = fmt.Errorf("found %d rows, job has %d", len(rows), job.TotalRows)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error().Err(err).Msg("dispatch: rows unreadable, failing job")
		report := domain.RowError{Code: domain.CodeSourceUnreadable, Message: err.Error()}
		if ferr := d.store.FailJob(ctx, job.ID, report); ferr != nil {
			return fmt.Errorf("dispatch: fail job %s: %w", job.ID, ferr)
		}
		return fmt.Errorf("%w: %v", domain.ErrSystemicDispatch, err)
	}

	var unresolved atomic.Int64
	queue := make([]domain.RowTask, 0, len(rows))
	for _, row := range rows {
		if row.Status == domain.RowStatusEnhancing {
			// Left behind by an interrupted worker.
			if err := d.store.TransitionRow(ctx, job.ID, row.RowIndex, domain.RowStatusEnhancing, domain.RowStatusPending, ""); err != nil {
				log.Warn().Err(err).Int("row_index", row.RowIndex).Msg("dispatch: reset enhancing row")
				unresolved.Add(1)
				continue
			}
			row.Status = domain.RowStatusPending
		}
		if row.Status.Dispatchable() {
			queue = append(queue, row)
		}
	}

	limits := d.catalog.LimitsFor(job.PlanTier)
	workers := min(max(limits.MaxConcurrency, 1), len(queue))
	log.Info().Int("rows", len(queue)).Int("workers", workers).Msg("dispatch: starting")

	if workers > 0 {
		var cancelled atomic.Bool
		var g errgroup.Group
		g.SetLimit(workers)
		for _, row := range queue {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if !d.dispatchRow(ctx, job, row, &cancelled) {
					unresolved.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if err := ctx.Err(); err != nil {
		log.Warn().Err(err).Msg("dispatch: interrupted")
		return err
	}
	if n := unresolved.Load(); n > 0 {
		log.Warn().Int64("rows", n).Msg("dispatch: rows left for re-dispatch")
		return fmt.Errorf("dispatch: %d rows of job %s left unresolved", n, job.ID)
	}
	if err := d.store.MarkDispatched(ctx, job.ID); err != nil {
		return fmt.Errorf("dispatch: mark dispatched %s: %w", job.ID, err)
	}
	log.Info().Msg("dispatch: done")
	return nil
}

// dispatchRow reports whether the row reached generating or a terminal state.
// A false return leaves a dispatchable row behind for the next claim.
func (d *Dispatcher) dispatchRow(ctx context.Context, job *domain.BatchJob, row domain.RowTask, cancelled *atomic.Bool) bool {
	log := d.logger.With().Str("job_id", job.ID).Int("row_index", row.RowIndex).Logger()
	ref := ledger.ChargeReference(job.ID, row.RowIndex)

	if ctx.Err() != nil {
		return false
	}
	if job.Status == domain.JobStatusCancelled || d.jobCancelled(ctx, job.ID, cancelled) {
		// A crash may have left a charge behind for this row.
		return d.settle(ctx, row, domain.CodeCancelled, "job cancelled before dispatch", true, log)
	}

	if row.Status == domain.RowStatusPending && job.Options.Enhance && d.enhancer != nil {
		row = d.enhance(ctx, job, row, log)
		if ctx.Err() != nil {
			return false
		}
	}

	price, err := d.catalog.Price(row.Payload.Mode, row.Payload.Model)
	if err != nil {
		return d.settle(ctx, row, domain.CodeLedgerError, err.Error(), false, log)
	}

	receipt, err := d.ledger.ReserveOrCharge(ctx, ledger.ChargeRequest{
		UserID:    row.OwnerID,
		Amount:    price,
		Reference: ref,
		Source:    chargeSource,
		Metadata:  map[string]any{"job_id": job.ID, "row_index": row.RowIndex, "mode": string(row.Payload.Mode)},
	})
	switch {
	case errors.Is(err, domain.ErrInsufficientCredits):
		log.Info().Int64("price", price).Msg("dispatch: insufficient credits")
		return d.settle(ctx, row, domain.CodeInsufficientCredits, "insufficient credits", false, log)
	case err != nil:
		if ctx.Err() != nil {
			return false
		}
		log.Error().Err(err).Msg("dispatch: charge failed")
		// The charge may have committed before the error surfaced.
		return d.settle(ctx, row, domain.CodeLedgerError, err.Error(), true, log)
	}
	if receipt.Replayed {
		d.metrics.LedgerReplay(string(domain.TxSpend))
	} else {
		d.metrics.CreditsCharged(receipt.Amount)
	}

	done := d.metrics.ProviderStart()
	taskID, err := d.provider.StartTask(ctx, generation.StartRequest{
		IdempotencyKey:    ref,
		Mode:              row.Payload.Mode,
		Model:             row.Payload.Model,
		Prompt:            row.EffectivePrompt(),
		NegativePrompt:    row.Payload.NegativePrompt,
		AspectRatio:       row.Payload.AspectRatio,
		Style:             row.Payload.Style,
		ReferenceImageURL: row.Payload.ReferenceImageURL,
	})
	done(err)
	if err != nil {
		if ctx.Err() != nil {
			// The charge stays; a re-dispatch replays it under the same reference.
			return false
		}
		log.Warn().Err(err).Msg("dispatch: provider start failed")
		return d.settle(ctx, row, domain.CodeProviderError, err.Error(), true, log)
	}

	err = d.store.BeginGeneration(ctx, domain.GenerationStart{
		JobID:          job.ID,
		RowIndex:       row.RowIndex,
		From:           row.Status,
		ExternalTaskID: taskID,
		ChargedCredits: receipt.Amount,
		Asset: domain.Asset{
			ID:             uuid.NewString(),
			OwnerID:        row.OwnerID,
			BatchJobID:     job.ID,
			RowIndex:       row.RowIndex,
			AssetType:      row.Payload.Mode.AssetType(),
			GenerationMode: row.Payload.Mode,
			Prompt:         row.Payload.Prompt,
			EnhancedPrompt: row.EnhancedPrompt,
			Status:         domain.AssetStatusProcessing,
			CreditsSpent:   receipt.Amount,
			Metadata: map[string]any{
				"task_id":          taskID,
				"charge_reference": ref,
				"transaction_id":   receipt.TransactionID,
			},
		},
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		// Another dispatch of this job already moved the row on.
		log.Warn().Err(err).Str("task_id", taskID).Msg("dispatch: row taken over")
		return true
	}
	if err != nil {
		// The provider task cannot be tracked without the row, so the row
		// fails and the charge goes back. If even that write fails the row
		// stays dispatchable and a later claim replays the charge.
		log.Error().Err(err).Str("task_id", taskID).Msg("dispatch: record generation failed")
		return d.settle(ctx, row, domain.CodeProviderError, "task "+taskID+" not recorded: "+err.Error(), true, log)
	}
	d.metrics.RowDispatched()
	log.Debug().Str("task_id", taskID).Msg("dispatch: row generating")
	return true
}

// enhance moves the row through enhancing. Any failure takes the retry edge
// back to pending so the raw prompt is used.
func (d *Dispatcher) enhance(ctx context.Context, job *domain.BatchJob, row domain.RowTask, log infra.Logger) domain.RowTask {
	if err := d.store.TransitionRow(ctx, job.ID, row.RowIndex, domain.RowStatusPending, domain.RowStatusEnhancing, ""); err != nil {
		log.Warn().Err(err).Msg("dispatch: enter enhancing")
		return row
	}
	res, err := d.enhancer.Enhance(ctx, prompt.RequestFromRow(row.Payload, job.Options.Locale))
	if err == nil && (res == nil || res.Prompt == "") {
		err = errors.New("empty enhanced prompt")
	}
	if err == nil {
		err = d.store.TransitionRow(ctx, job.ID, row.RowIndex, domain.RowStatusEnhancing, domain.RowStatusEnhanced, res.Prompt)
		if err == nil {
			row.Status = domain.RowStatusEnhanced
			row.EnhancedPrompt = res.Prompt
			return row
		}
	}
	log.Info().Err(err).Msg("dispatch: enhancement skipped, using raw prompt")
	if terr := d.store.TransitionRow(context.WithoutCancel(ctx), job.ID, row.RowIndex, domain.RowStatusEnhancing, domain.RowStatusPending, ""); terr != nil {
		log.Warn().Err(terr).Msg("dispatch: reset to pending")
	}
	row.Status = domain.RowStatusPending
	return row
}

func (d *Dispatcher) jobCancelled(ctx context.Context, jobID string, seen *atomic.Bool) bool {
	if seen.Load() {
		return true
	}
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	if job.Status == domain.JobStatusCancelled {
		seen.Store(true)
		return true
	}
	return false
}

// settle fails the row. With refund set the settlement records the charge as
// owed and the refund follows; a refund that cannot be written now is left to
// the reconciler's refund pass. It reports whether the row is terminal.
func (d *Dispatcher) settle(ctx context.Context, row domain.RowTask, code, message string, refund bool, log infra.Logger) bool {
	ctx = context.WithoutCancel(ctx)
	res, err := d.store.SettleRow(ctx, domain.Settlement{
		JobID:        row.JobID,
		RowIndex:     row.RowIndex,
		Outcome:      domain.RowStatusFailed,
		ErrorCode:    code,
		ErrorMessage: message,
		RefundDue:    refund,
	})
	if err != nil {
		log.Error().Err(err).Str("code", code).Msg("dispatch: settle failed row")
		return false
	}
	if !res.Applied {
		return true
	}
	d.metrics.RowSettled(string(domain.RowStatusFailed), code)
	if refund {
		if _, err := d.refunds.refund(ctx, row, code); err != nil {
			log.Warn().Err(err).Msg("dispatch: refund deferred")
		}
	}
	return true
}

// Package batch orchestrates batch generation jobs: submission, dispatch of
// row tasks under a per-job concurrency bound, and reconciliation of provider
// task outcomes against the credit ledger.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/plan"
)

// SubmitRequest is an already parsed file. PlanTier may be empty, in which case
// the owner's stored plan applies.
type SubmitRequest struct {
	OwnerID       string
	PlanTier      domain.PlanTier
	SourceFileRef string
	ColumnMapping map[string]string
	Options       domain.JobOptions
	Rows          []domain.ProductRow
	Metadata      map[string]any
}

// Service is the client-facing side of the orchestrator.
type Service struct {
	store   domain.BatchStore
	plans   domain.PlanRepository
	catalog *plan.Catalog
	logger  infra.Logger
	newID   func() string
}

func NewService(store domain.BatchStore, plans domain.PlanRepository, catalog *plan.Catalog, logger infra.Logger) *Service {
	if catalog == nil {
		catalog = plan.Default()
	}
	return &Service{
		store:   store,
		plans:   plans,
		catalog: catalog,
		logger:  logger,
		newID:   func() string { return uuid.NewString() },
	}
}

// Submit validates the rows and persists the job with all its row tasks. On a
// validation problem nothing is written.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*domain.BatchJob, error) {
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		return nil, domain.ErrUnauthorized
	}
	tier := req.PlanTier
	if tier == "" && s.plans != nil {
		stored, err := s.plans.PlanFor(ctx, owner)
		if err != nil {
			return nil, fmt.Errorf("batch: resolve plan: %w", err)
		}
		tier = stored
	}
	tier = domain.ParsePlanTier(string(tier))
	limits := s.catalog.LimitsFor(tier)

	rows, err := ValidateRows(req.Rows, limits, s.catalog)
	if err != nil {
		s.logger.Info().Str("owner_id", owner).Str("plan", string(tier)).Int("rows", len(req.Rows)).Err(err).Msg("batch: submission rejected")
		return nil, err
	}

	job := &domain.BatchJob{
		ID:            s.newID(),
		OwnerID:       owner,
		PlanTier:      tier,
		Status:        domain.JobStatusPending,
		TotalRows:     len(rows),
		SourceFileRef: req.SourceFileRef,
		ColumnMapping: req.ColumnMapping,
		Options:       req.Options,
		Metadata:      req.Metadata,
	}
	tasks := make([]domain.RowTask, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, domain.RowTask{
			JobID:    job.ID,
			OwnerID:  owner,
			RowIndex: row.RowIndex,
			Payload:  row,
			Status:   domain.RowStatusPending,
		})
	}
	if err := s.store.CreateJob(ctx, job, tasks); err != nil {
		return nil, fmt.Errorf("batch: create job: %w", err)
	}
	s.logger.Info().Str("job_id", job.ID).Str("owner_id", owner).Str("plan", string(tier)).Int("rows", job.TotalRows).Msg("batch: job submitted")
	return job, nil
}

// Get returns the job when ownerID owns it. Foreign jobs read as not found.
func (s *Service) Get(ctx context.Context, ownerID, jobID string) (*domain.BatchJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

// Outcomes lists every row of the job with its asset projection.
func (s *Service) Outcomes(ctx context.Context, ownerID, jobID string) ([]domain.RowOutcome, error) {
	if _, err := s.Get(ctx, ownerID, jobID); err != nil {
		return nil, err
	}
	return s.store.ListOutcomes(ctx, jobID)
}

// Cancel stops further dispatch. Rows already generating resolve on their own.
func (s *Service) Cancel(ctx context.Context, ownerID, jobID string) (*domain.BatchJob, error) {
	job, err := s.Get(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: job is %s", domain.ErrJobNotCancellable, job.Status)
	}
	cancelled, err := s.store.CancelJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotCancellable) {
			return nil, err
		}
		return nil, fmt.Errorf("batch: cancel job: %w", err)
	}
	s.logger.Info().Str("job_id", jobID).Msg("batch: job cancelled")
	return cancelled, nil
}

// Package memstore is a process-local BatchStore and PlanRepository. Every
// operation holds one mutex, which gives settlements the same all-or-nothing
// behaviour the Postgres store gets from a transaction.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"batchgen/internal/domain"
)

type rowKey struct {
	jobID string
	index int
}

type Store struct {
	mu     sync.Mutex
	jobs   map[string]*domain.BatchJob
	order  []string
	rows   map[rowKey]*domain.RowTask
	assets map[rowKey]*domain.Asset
	tasks  map[string]rowKey
	plans  map[string]domain.PlanTier
	now    func() time.Time
}

func New() *Store {
	return &Store{
		jobs:   make(map[string]*domain.BatchJob),
		rows:   make(map[rowKey]*domain.RowTask),
		assets: make(map[rowKey]*domain.Asset),
		tasks:  make(map[string]rowKey),
		plans:  make(map[string]domain.PlanTier),
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) CreateJob(_ context.Context, job *domain.BatchJob, rows []domain.RowTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("memstore: job %s exists", job.ID)
	}
	seen := make(map[int]bool, len(rows))
	for _, r := range rows {
		if seen[r.RowIndex] {
			return fmt.Errorf("memstore: duplicate row index %d", r.RowIndex)
		}
		seen[r.RowIndex] = true
	}
	now := s.now()
	job.Status = domain.JobStatusPending
	job.CreatedAt, job.UpdatedAt = now, now
	stored := *job
	s.jobs[job.ID] = &stored
	s.order = append(s.order, job.ID)
	for _, r := range rows {
		r.JobID = job.ID
		r.OwnerID = job.OwnerID
		r.Status = domain.RowStatusPending
		r.CreatedAt, r.UpdatedAt = now, now
		row := r
		s.rows[rowKey{job.ID, r.RowIndex}] = &row
	}
	return nil
}

func (s *Store) GetJob(_ context.Context, jobID string) (*domain.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyJob(job), nil
}

func (s *Store) ClaimJob(_ context.Context, lease time.Duration) (*domain.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, id := range s.order {
		job := s.jobs[id]
		// Cancelled jobs are claimed until dispatch settles their rows.
		claimable := job.Status == domain.JobStatusPending ||
			((job.Status == domain.JobStatusProcessing || job.Status == domain.JobStatusCancelled) &&
				!job.DispatchDone && (job.LeaseUntil == nil || job.LeaseUntil.Before(now)))
		if !claimable {
			continue
		}
		until := now.Add(lease)
		if job.Status == domain.JobStatusPending {
			job.Status = domain.JobStatusProcessing
		}
		job.LeaseUntil = &until
		job.UpdatedAt = now
		return copyJob(job), nil
	}
	return nil, nil
}

func (s *Store) RenewLease(_ context.Context, jobID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.DispatchDone {
		return nil
	}
	until := s.now().Add(lease)
	job.LeaseUntil = &until
	return nil
}

func (s *Store) MarkDispatched(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	job.DispatchDone = true
	job.LeaseUntil = nil
	job.UpdatedAt = s.now()
	return nil
}

func (s *Store) FailJob(_ context.Context, jobID string, report domain.RowError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	now := s.now()
	job.Status = domain.JobStatusFailed
	job.ErrorReport = append(job.ErrorReport, report)
	job.DispatchDone = true
	job.LeaseUntil = nil
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

func (s *Store) CancelJob(_ context.Context, jobID string) (*domain.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return nil, domain.ErrJobNotCancellable
	}
	now := s.now()
	job.Status = domain.JobStatusCancelled
	job.CompletedAt = &now
	job.UpdatedAt = now
	return copyJob(job), nil
}

func (s *Store) SetArchive(_ context.Context, jobID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	job.OutputArchiveRef = ref
	job.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListRows(_ context.Context, jobID string) ([]domain.RowTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RowTask
	for k, r := range s.rows {
		if k.jobID == jobID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return out, nil
}

func (s *Store) TransitionRow(_ context.Context, jobID string, rowIndex int, from, to domain.RowStatus, enhancedPrompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !from.CanTransition(to) || to.Terminal() || to == domain.RowStatusGenerating {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	row, ok := s.rows[rowKey{jobID, rowIndex}]
	if !ok {
		return domain.ErrNotFound
	}
	if row.Status != from {
		return fmt.Errorf("%w: row %d is %s, wanted %s -> %s", domain.ErrInvalidTransition, rowIndex, row.Status, from, to)
	}
	row.Status = to
	if enhancedPrompt != "" {
		row.EnhancedPrompt = enhancedPrompt
	}
	row.UpdatedAt = s.now()
	return nil
}

func (s *Store) BeginGeneration(_ context.Context, start domain.GenerationStart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rowKey{start.JobID, start.RowIndex}
	row, ok := s.rows[key]
	if !ok {
		return domain.ErrNotFound
	}
	if row.Status != start.From || !start.From.CanTransition(domain.RowStatusGenerating) {
		return fmt.Errorf("%w: row %d is %s", domain.ErrInvalidTransition, start.RowIndex, row.Status)
	}
	now := s.now()
	row.Status = domain.RowStatusGenerating
	row.ExternalTaskID = start.ExternalTaskID
	row.ChargedCredits = start.ChargedCredits
	row.ProgressHint = 0
	row.DispatchedAt = &now
	row.UpdatedAt = now
	s.tasks[start.ExternalTaskID] = key

	asset := start.Asset
	asset.Status = domain.AssetStatusProcessing
	asset.BatchJobID, asset.RowIndex = start.JobID, start.RowIndex
	if existing, ok := s.assets[key]; ok {
		asset.ID = existing.ID
		asset.CreatedAt = existing.CreatedAt
		asset.Metadata = mergeMeta(existing.Metadata, asset.Metadata)
	} else {
		asset.CreatedAt = now
		asset.Metadata = mergeMeta(nil, asset.Metadata)
	}
	asset.UpdatedAt = now
	s.assets[key] = &asset
	return nil
}

func (s *Store) UpdateProgress(_ context.Context, jobID string, rowIndex, hint int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[rowKey{jobID, rowIndex}]
	if !ok {
		return domain.ErrNotFound
	}
	if row.Status == domain.RowStatusGenerating && hint > row.ProgressHint {
		row.ProgressHint = hint
		row.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) SettleRow(_ context.Context, st domain.Settlement) (domain.SettleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rowKey{st.JobID, st.RowIndex}
	row, ok := s.rows[key]
	if !ok {
		return domain.SettleResult{}, domain.ErrNotFound
	}
	job, ok := s.jobs[st.JobID]
	if !ok {
		return domain.SettleResult{}, domain.ErrNotFound
	}
	if row.Status.Terminal() {
		return domain.SettleResult{Applied: false, Job: *copyJob(job)}, nil
	}
	if !st.Outcome.Terminal() || !row.Status.CanTransition(st.Outcome) {
		return domain.SettleResult{}, fmt.Errorf("%w: settle %s -> %s", domain.ErrInvalidTransition, row.Status, st.Outcome)
	}
	now := s.now()
	row.Status = st.Outcome
	row.ErrorCode = st.ErrorCode
	row.Error = st.ErrorMessage
	if st.Outcome == domain.RowStatusFailed && st.RefundDue {
		row.RefundDue = true
		row.RefundAmount = st.RefundAmount
	}
	if st.Outcome == domain.RowStatusCompleted {
		row.ProgressHint = 100
	}
	row.UpdatedAt = now

	if asset, ok := s.assets[key]; ok {
		asset.Status = domain.AssetStatus(st.Outcome)
		asset.StorageRef = st.StorageRef
		asset.PublicRef = st.PublicRef
		asset.CreditsSpent = st.CreditsSpent
		asset.ErrorMessage = st.ErrorMessage
		asset.Metadata = mergeMeta(asset.Metadata, st.Metadata)
		asset.UpdatedAt = now
	}

	job.ProcessedRows++
	if st.Outcome == domain.RowStatusCompleted {
		job.SuccessfulRows++
	} else {
		job.FailedRows++
		job.ErrorReport = append(job.ErrorReport, domain.RowError{RowIndex: st.RowIndex, Code: st.ErrorCode, Message: st.ErrorMessage})
	}
	completed := false
	if job.Status == domain.JobStatusProcessing && job.ProcessedRows >= job.TotalRows {
		job.Status = domain.JobStatusCompleted
		job.CompletedAt = &now
		completed = true
	}
	job.UpdatedAt = now
	return domain.SettleResult{Applied: true, Job: *copyJob(job), JobCompleted: completed}, nil
}

func (s *Store) ListGeneratingRows(_ context.Context, limit int) ([]domain.RowTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RowTask
	for _, r := range s.rows {
		if r.Status == domain.RowStatusGenerating {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].DispatchedAt, out[j].DispatchedAt
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		if a.Equal(*b) {
			if out[i].JobID == out[j].JobID {
				return out[i].RowIndex < out[j].RowIndex
			}
			return out[i].JobID < out[j].JobID
		}
		return a.Before(*b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListRefundsDue(_ context.Context, limit int) ([]domain.RowTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RowTask
	for _, r := range s.rows {
		if r.RefundDue {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			if out[i].JobID == out[j].JobID {
				return out[i].RowIndex < out[j].RowIndex
			}
			return out[i].JobID < out[j].JobID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClearRefund(_ context.Context, jobID string, rowIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[rowKey{jobID, rowIndex}]
	if !ok {
		return domain.ErrNotFound
	}
	row.RefundDue = false
	return nil
}

func (s *Store) FindRowByTask(_ context.Context, taskID string) (*domain.RowTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.tasks[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	row := *s.rows[key]
	return &row, nil
}

func (s *Store) ListOutcomes(_ context.Context, jobID string) ([]domain.RowOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RowOutcome
	for k, r := range s.rows {
		if k.jobID != jobID {
			continue
		}
		o := domain.RowOutcome{Row: *r}
		if a, ok := s.assets[k]; ok {
			asset := *a
			asset.Metadata = mergeMeta(nil, a.Metadata)
			o.Asset = &asset
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Row.RowIndex < out[j].Row.RowIndex })
	return out, nil
}

// PlanFor returns the stored tier or free.
func (s *Store) PlanFor(_ context.Context, userID string) (domain.PlanTier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tier, ok := s.plans[userID]; ok {
		return tier, nil
	}
	return domain.PlanFree, nil
}

func (s *Store) SetPlan(_ context.Context, userID string, tier domain.PlanTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[userID] = domain.ParsePlanTier(string(tier))
	return nil
}

func copyJob(job *domain.BatchJob) *domain.BatchJob {
	cp := *job
	cp.ErrorReport = append([]domain.RowError(nil), job.ErrorReport...)
	return &cp
}

func mergeMeta(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

var (
	_ domain.BatchStore     = (*Store)(nil)
	_ domain.PlanRepository = (*Store)(nil)
)

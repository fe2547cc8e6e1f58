package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/sqlinline"
)

// BatchStorePG implements domain.BatchStore on PostgreSQL. Multi-statement
// changes run in one transaction through the executor's InTx.
type BatchStorePG struct {
	sql infra.TxExecutor
}

// NewBatchStore creates a batch store backed by PostgreSQL.
func NewBatchStore(sql infra.TxExecutor) *BatchStorePG {
	return &BatchStorePG{sql: sql}
}

type scanner interface {
	Scan(dest ...any) error
}

// CreateJob inserts the job and every row task atomically.
func (r *BatchStorePG) CreateJob(ctx context.Context, job *domain.BatchJob, rows []domain.RowTask) error {
	mapping, err := marshalJSON(job.ColumnMapping)
	if err != nil {
		return err
	}
	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("repo: encode options: %w", err)
	}
	meta, err := marshalJSON(job.Metadata)
	if err != nil {
		return err
	}
	payloads := make([][]byte, len(rows))
	for i, row := range rows {
		if payloads[i], err = json.Marshal(row.Payload); err != nil {
			return fmt.Errorf("repo: encode row %d: %w", row.RowIndex, err)
		}
	}

	return r.sql.InTx(ctx, func(tx infra.SQLExecutor) error {
		if err := tx.QueryRow(ctx, sqlinline.QInsertBatchJob,
			job.ID,
			job.OwnerID,
			string(job.PlanTier),
			job.TotalRows,
			job.SourceFileRef,
			mapping,
			options,
			meta,
		).Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
			return fmt.Errorf("repo: insert job: %w", err)
		}
		for i, row := range rows {
			if _, err := tx.Exec(ctx, sqlinline.QInsertRowTask, job.ID, row.RowIndex, job.OwnerID, payloads[i]); err != nil {
				if infra.IsUniqueViolation(err) {
					return fmt.Errorf("repo: duplicate row index %d: %w", row.RowIndex, err)
				}
				return fmt.Errorf("repo: insert row %d: %w", row.RowIndex, err)
			}
		}
		job.Status = domain.JobStatusPending
		return nil
	})
}

// GetJob fetches a job by id.
func (r *BatchStorePG) GetJob(ctx context.Context, jobID string) (*domain.BatchJob, error) {
	return getJob(ctx, r.sql, jobID)
}

// ClaimJob leases the oldest pending job, or a processing job whose lease
// expired before dispatch finished. It returns nil when nothing is claimable.
func (r *BatchStorePG) ClaimJob(ctx context.Context, lease time.Duration) (*domain.BatchJob, error) {
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QClaimBatchJob, leaseSeconds(lease)))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("repo: claim job: %w", err)
	}
	return job, nil
}

func (r *BatchStorePG) RenewLease(ctx context.Context, jobID string, lease time.Duration) error {
	_, err := r.sql.Exec(ctx, sqlinline.QRenewJobLease, jobID, leaseSeconds(lease))
	return err
}

func (r *BatchStorePG) MarkDispatched(ctx context.Context, jobID string) error {
	tag, err := r.sql.Exec(ctx, sqlinline.QMarkJobDispatched, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// FailJob marks a non-terminal job failed with one report entry. Terminal
// jobs are left untouched.
func (r *BatchStorePG) FailJob(ctx context.Context, jobID string, report domain.RowError) error {
	raw, err := json.Marshal([]domain.RowError{report})
	if err != nil {
		return fmt.Errorf("repo: encode report: %w", err)
	}
	_, err = r.sql.Exec(ctx, sqlinline.QFailBatchJob, jobID, raw)
	return err
}

func (r *BatchStorePG) CancelJob(ctx context.Context, jobID string) (*domain.BatchJob, error) {
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QCancelBatchJob, jobID))
	if err == nil {
		return job, nil
	}
	if !infra.IsNoRows(err) {
		return nil, fmt.Errorf("repo: cancel job: %w", err)
	}
	if _, err := getJob(ctx, r.sql, jobID); err != nil {
		return nil, err
	}
	return nil, domain.ErrJobNotCancellable
}

func (r *BatchStorePG) SetArchive(ctx context.Context, jobID, ref string) error {
	tag, err := r.sql.Exec(ctx, sqlinline.QSetJobArchive, jobID, ref)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func getJob(ctx context.Context, q infra.SQLExecutor, jobID string) (*domain.BatchJob, error) {
	job, err := scanJob(q.QueryRow(ctx, sqlinline.QSelectBatchJob, jobID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("repo: get job %s: %w", jobID, err)
	}
	return job, nil
}

func scanJob(row scanner) (*domain.BatchJob, error) {
	var job domain.BatchJob
	var plan, status string
	var mapping, options, report, meta []byte
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&plan,
		&status,
		&job.TotalRows,
		&job.ProcessedRows,
		&job.SuccessfulRows,
		&job.FailedRows,
		&job.SourceFileRef,
		&mapping,
		&options,
		&report,
		&job.OutputArchiveRef,
		&meta,
		&job.DispatchDone,
		&job.LeaseUntil,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	); err != nil {
		return nil, err
	}
	job.PlanTier = domain.ParsePlanTier(plan)
	job.Status = domain.JobStatus(status)
	if err := unmarshalJSON(mapping, &job.ColumnMapping); err != nil {
		return nil, fmt.Errorf("repo: decode column mapping: %w", err)
	}
	if err := unmarshalJSON(options, &job.Options); err != nil {
		return nil, fmt.Errorf("repo: decode options: %w", err)
	}
	if err := unmarshalJSON(report, &job.ErrorReport); err != nil {
		return nil, fmt.Errorf("repo: decode error report: %w", err)
	}
	if err := unmarshalJSON(meta, &job.Metadata); err != nil {
		return nil, fmt.Errorf("repo: decode metadata: %w", err)
	}
	return &job, nil
}

func leaseSeconds(lease time.Duration) int {
	secs := int(math.Ceil(lease.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func marshalJSON[T any](v map[string]T) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("repo: encode json: %w", err)
	}
	return raw, nil
}

func unmarshalJSON(raw []byte, dest any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

var _ domain.BatchStore = (*BatchStorePG)(nil)

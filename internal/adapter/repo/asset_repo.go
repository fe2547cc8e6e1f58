package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/sqlinline"
)

func (r *BatchStorePG) ListRows(ctx context.Context, jobID string) ([]domain.RowTask, error) {
	return r.queryRows(ctx, sqlinline.QSelectJobRows, jobID)
}

// TransitionRow moves a row along a non-terminal edge. The update is guarded
// by the expected current status.
func (r *BatchStorePG) TransitionRow(ctx context.Context, jobID string, rowIndex int, from, to domain.RowStatus, enhancedPrompt string) error {
	if !from.CanTransition(to) || to.Terminal() || to == domain.RowStatusGenerating {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QTransitionRow, jobID, rowIndex, string(from), string(to), enhancedPrompt)
	if err != nil {
		return fmt.Errorf("repo: transition row %d: %w", rowIndex, err)
	}
	if tag.RowsAffected() == 0 {
		return rowMismatch(ctx, r.sql, jobID, rowIndex, from, to)
	}
	return nil
}

// BeginGeneration records the provider task on the row and upserts the
// processing asset in the same transaction.
func (r *BatchStorePG) BeginGeneration(ctx context.Context, start domain.GenerationStart) error {
	if !start.From.CanTransition(domain.RowStatusGenerating) {
		return fmt.Errorf("%w: %s -> generating", domain.ErrInvalidTransition, start.From)
	}
	meta, err := marshalJSON(start.Asset.Metadata)
	if err != nil {
		return err
	}
	a := start.Asset
	return r.sql.InTx(ctx, func(tx infra.SQLExecutor) error {
		tag, err := tx.Exec(ctx, sqlinline.QBeginRowGeneration,
			start.JobID, start.RowIndex, string(start.From), start.ExternalTaskID, start.ChargedCredits)
		if err != nil {
			return fmt.Errorf("repo: begin generation row %d: %w", start.RowIndex, err)
		}
		if tag.RowsAffected() == 0 {
			return rowMismatch(ctx, tx, start.JobID, start.RowIndex, start.From, domain.RowStatusGenerating)
		}
		if _, err := tx.Exec(ctx, sqlinline.QUpsertProcessingAsset,
			a.ID,
			a.OwnerID,
			start.JobID,
			start.RowIndex,
			string(a.AssetType),
			string(a.GenerationMode),
			a.Prompt,
			a.EnhancedPrompt,
			a.CreditsSpent,
			meta,
		); err != nil {
			return fmt.Errorf("repo: upsert asset row %d: %w", start.RowIndex, err)
		}
		return nil
	})
}

// UpdateProgress raises the hint of a generating row. Lower hints are ignored.
func (r *BatchStorePG) UpdateProgress(ctx context.Context, jobID string, rowIndex, hint int) error {
	_, err := r.sql.Exec(ctx, sqlinline.QUpdateRowProgress, jobID, rowIndex, hint)
	return err
}

// SettleRow moves a row to its terminal state, settles its asset and folds the
// outcome into the job counters in one transaction. A row that is already
// terminal yields Applied=false and changes nothing.
func (r *BatchStorePG) SettleRow(ctx context.Context, s domain.Settlement) (domain.SettleResult, error) {
	if !s.Outcome.Terminal() {
		return domain.SettleResult{}, fmt.Errorf("%w: settle to %s", domain.ErrInvalidTransition, s.Outcome)
	}
	meta, err := marshalJSON(s.Metadata)
	if err != nil {
		return domain.SettleResult{}, err
	}
	succeeded, failed := 0, 0
	var report []byte
	if s.Outcome == domain.RowStatusCompleted {
		succeeded = 1
	} else {
		failed = 1
		if report, err = json.Marshal([]domain.RowError{{RowIndex: s.RowIndex, Code: s.ErrorCode, Message: s.ErrorMessage}}); err != nil {
			return domain.SettleResult{}, fmt.Errorf("repo: encode report: %w", err)
		}
	}

	var result domain.SettleResult
	err = r.sql.InTx(ctx, func(tx infra.SQLExecutor) error {
		var idx int
		err := tx.QueryRow(ctx, sqlinline.QSettleRow,
			s.JobID, s.RowIndex, string(s.Outcome), s.ErrorCode, s.ErrorMessage, s.RefundDue, s.RefundAmount).Scan(&idx)
		if err != nil {
			if !infra.IsNoRows(err) {
				return fmt.Errorf("repo: settle row %d: %w", s.RowIndex, err)
			}
			current, err := rowStatus(ctx, tx, s.JobID, s.RowIndex)
			if err != nil {
				return err
			}
			if !current.Terminal() {
				return fmt.Errorf("%w: settle %s -> %s", domain.ErrInvalidTransition, current, s.Outcome)
			}
			job, err := getJob(ctx, tx, s.JobID)
			if err != nil {
				return err
			}
			result = domain.SettleResult{Applied: false, Job: *job}
			return nil
		}

		if _, err := tx.Exec(ctx, sqlinline.QSettleAsset,
			s.JobID, s.RowIndex, string(s.Outcome), s.StorageRef, s.PublicRef, s.CreditsSpent, s.ErrorMessage, meta,
		); err != nil {
			return fmt.Errorf("repo: settle asset row %d: %w", s.RowIndex, err)
		}

		job, err := scanJob(tx.QueryRow(ctx, sqlinline.QSettleJobCounters, s.JobID, succeeded, failed, report))
		if err != nil {
			if infra.IsNoRows(err) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("repo: settle job counters: %w", err)
		}
		// A row could only settle while the job still had unprocessed rows, so
		// a completed status here was set by this statement.
		result = domain.SettleResult{Applied: true, Job: *job, JobCompleted: job.Status == domain.JobStatusCompleted}
		return nil
	})
	if err != nil {
		return domain.SettleResult{}, err
	}
	return result, nil
}

func (r *BatchStorePG) ListGeneratingRows(ctx context.Context, limit int) ([]domain.RowTask, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryRows(ctx, sqlinline.QListGeneratingRows, limit)
}

// ListRefundsDue returns failed rows whose refund has not been recorded yet,
// oldest settlement first.
func (r *BatchStorePG) ListRefundsDue(ctx context.Context, limit int) ([]domain.RowTask, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryRows(ctx, sqlinline.QListRefundsDue, limit)
}

func (r *BatchStorePG) ClearRefund(ctx context.Context, jobID string, rowIndex int) error {
	tag, err := r.sql.Exec(ctx, sqlinline.QClearRowRefund, jobID, rowIndex)
	if err != nil {
		return fmt.Errorf("repo: clear refund row %d: %w", rowIndex, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *BatchStorePG) FindRowByTask(ctx context.Context, taskID string) (*domain.RowTask, error) {
	row, err := scanRow(r.sql.QueryRow(ctx, sqlinline.QSelectRowByTask, taskID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("repo: find row by task: %w", err)
	}
	return row, nil
}

// ListOutcomes joins every row of a job with its asset, if any.
func (r *BatchStorePG) ListOutcomes(ctx context.Context, jobID string) ([]domain.RowOutcome, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListJobOutcomes, jobID)
	if err != nil {
		return nil, fmt.Errorf("repo: list outcomes: %w", err)
	}
	defer rows.Close()

	var out []domain.RowOutcome
	for rows.Next() {
		var (
			task                             domain.RowTask
			payload, assetMeta               []byte
			status                           string
			assetID, assetType, mode, prompt *string
			enhanced, storage, public, msg   string
			assetStatus                      *string
			credits                          *int64
			created, updated                 *time.Time
		)
		if err := rows.Scan(
			&task.JobID, &task.OwnerID, &task.RowIndex, &payload, &task.EnhancedPrompt, &task.ExternalTaskID,
			&status, &task.ProgressHint, &task.ChargedCredits, &task.RefundDue, &task.RefundAmount, &task.ErrorCode, &task.Error, &task.DispatchedAt,
			&task.CreatedAt, &task.UpdatedAt,
			&assetID, &assetType, &mode, &prompt, &enhanced, &storage,
			&public, &assetStatus, &credits, &msg, &assetMeta, &created, &updated,
		); err != nil {
			return nil, err
		}
		task.Status = domain.RowStatus(status)
		if err := unmarshalJSON(payload, &task.Payload); err != nil {
			return nil, fmt.Errorf("repo: decode row %d payload: %w", task.RowIndex, err)
		}
		outcome := domain.RowOutcome{Row: task}
		if assetID != nil {
			asset := &domain.Asset{
				ID:             *assetID,
				OwnerID:        task.OwnerID,
				BatchJobID:     task.JobID,
				RowIndex:       task.RowIndex,
				AssetType:      domain.AssetType(deref(assetType)),
				GenerationMode: domain.GenerationMode(deref(mode)),
				Prompt:         deref(prompt),
				EnhancedPrompt: enhanced,
				StorageRef:     storage,
				PublicRef:      public,
				Status:         domain.AssetStatus(deref(assetStatus)),
				ErrorMessage:   msg,
			}
			if credits != nil {
				asset.CreditsSpent = *credits
			}
			if created != nil {
				asset.CreatedAt = *created
			}
			if updated != nil {
				asset.UpdatedAt = *updated
			}
			if err := unmarshalJSON(assetMeta, &asset.Metadata); err != nil {
				return nil, fmt.Errorf("repo: decode asset %s metadata: %w", asset.ID, err)
			}
			outcome.Asset = asset
		}
		out = append(out, outcome)
	}
	return out, rows.Err()
}

func (r *BatchStorePG) queryRows(ctx context.Context, query string, args ...any) ([]domain.RowTask, error) {
	rows, err := r.sql.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repo: list rows: %w", err)
	}
	defer rows.Close()

	var out []domain.RowTask
	for rows.Next() {
		task, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

func scanRow(row scanner) (*domain.RowTask, error) {
	var task domain.RowTask
	var payload []byte
	var status string
	if err := row.Scan(
		&task.JobID,
		&task.OwnerID,
		&task.RowIndex,
		&payload,
		&task.EnhancedPrompt,
		&task.ExternalTaskID,
		&status,
		&task.ProgressHint,
		&task.ChargedCredits,
		&task.RefundDue,
		&task.RefundAmount,
		&task.ErrorCode,
		&task.Error,
		&task.DispatchedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Status = domain.RowStatus(status)
	if err := unmarshalJSON(payload, &task.Payload); err != nil {
		return nil, fmt.Errorf("repo: decode row %d payload: %w", task.RowIndex, err)
	}
	return &task, nil
}

func rowStatus(ctx context.Context, q infra.SQLExecutor, jobID string, rowIndex int) (domain.RowStatus, error) {
	var status string
	if err := q.QueryRow(ctx, sqlinline.QSelectRowStatus, jobID, rowIndex).Scan(&status); err != nil {
		if infra.IsNoRows(err) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("repo: row %d status: %w", rowIndex, err)
	}
	return domain.RowStatus(status), nil
}

func rowMismatch(ctx context.Context, q infra.SQLExecutor, jobID string, rowIndex int, from, to domain.RowStatus) error {
	current, err := rowStatus(ctx, q, jobID, rowIndex)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: row %d is %s, wanted %s -> %s", domain.ErrInvalidTransition, rowIndex, current, from, to)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

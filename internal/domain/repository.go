package domain

import (
	"context"
	"time"
)

// GenerationStart moves a row into generating once the provider accepted it.
// The asset is inserted with status processing in the same unit.
type GenerationStart struct {
	JobID          string
	RowIndex       int
	From           RowStatus
	ExternalTaskID string
	ChargedCredits int64
	Asset          Asset
}

// Settlement moves a row into a terminal state together with its asset, the
// job counters, the error report and, when it is the last row, job completion.
type Settlement struct {
	JobID        string
	RowIndex     int
	Outcome      RowStatus
	ErrorCode    string
	ErrorMessage string
	StorageRef   string
	PublicRef    string
	CreditsSpent int64
	Metadata     map[string]any
	// RefundDue flags a failed row whose charge is still owed back. The flag
	// is stored with the settlement and cleared once the refund is recorded.
	// RefundAmount 0 returns the whole charge.
	RefundDue    bool
	RefundAmount int64
}

// SettleResult reports what a settlement changed. Applied is false when the
// row was already terminal.
type SettleResult struct {
	Applied      bool
	Job          BatchJob
	JobCompleted bool
}

// BatchStore persists jobs, rows and assets. Row mutations are guarded by the
// row's current status so replays and races resolve to no-ops.
type BatchStore interface {
	CreateJob(ctx context.Context, job *BatchJob, rows []RowTask) error
	GetJob(ctx context.Context, jobID string) (*BatchJob, error)
	ClaimJob(ctx context.Context, lease time.Duration) (*BatchJob, error)
	RenewLease(ctx context.Context, jobID string, lease time.Duration) error
	MarkDispatched(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID string, report RowError) error
	CancelJob(ctx context.Context, jobID string) (*BatchJob, error)
	SetArchive(ctx context.Context, jobID, ref string) error

	ListRows(ctx context.Context, jobID string) ([]RowTask, error)
	TransitionRow(ctx context.Context, jobID string, rowIndex int, from, to RowStatus, enhancedPrompt string) error
	BeginGeneration(ctx context.Context, start GenerationStart) error
	UpdateProgress(ctx context.Context, jobID string, rowIndex, hint int) error
	SettleRow(ctx context.Context, s Settlement) (SettleResult, error)
	ListGeneratingRows(ctx context.Context, limit int) ([]RowTask, error)
	ListRefundsDue(ctx context.Context, limit int) ([]RowTask, error)
	ClearRefund(ctx context.Context, jobID string, rowIndex int) error
	FindRowByTask(ctx context.Context, taskID string) (*RowTask, error)
	ListOutcomes(ctx context.Context, jobID string) ([]RowOutcome, error)
}

// PlanRepository reads and writes a user's plan tier.
type PlanRepository interface {
	PlanFor(ctx context.Context, userID string) (PlanTier, error)
	SetPlan(ctx context.Context, userID string, tier PlanTier) error
}

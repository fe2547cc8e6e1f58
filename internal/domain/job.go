package domain

import "time"

// JobStatus enumerates batch job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Row error codes recorded in job error reports and row errors.
const (
	CodeInsufficientCredits = "insufficient_credits"
	CodeProviderError       = "provider_error"
	CodeProviderTimeout     = "provider_timeout"
	CodeLedgerError         = "ledger_error"
	CodeStorageError        = "storage_error"
	CodeCancelled           = "cancelled"
	CodeSourceUnreadable    = "source_unreadable"
)

// RowError is one entry of a job's error report.
type RowError struct {
	RowIndex int    `json:"row_index"`
	Code     string `json:"code"`
	Message  string `json:"message,omitempty"`
}

// JobOptions carries submission-time switches that influence dispatch.
type JobOptions struct {
	Enhance bool   `json:"enhance"`
	Locale  string `json:"locale,omitempty"`
}

// BatchJob is the job-level aggregate for one submitted file.
type BatchJob struct {
	ID               string
	OwnerID          string
	PlanTier         PlanTier
	Status           JobStatus
	TotalRows        int
	ProcessedRows    int
	SuccessfulRows   int
	FailedRows       int
	SourceFileRef    string
	ColumnMapping    map[string]string
	Options          JobOptions
	ErrorReport      []RowError
	OutputArchiveRef string
	Metadata         map[string]any
	DispatchDone     bool
	LeaseUntil       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// Settled reports whether every row has reached a terminal state.
func (j BatchJob) Settled() bool {
	return j.ProcessedRows >= j.TotalRows
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"batchgen/internal/batch"
	"batchgen/internal/domain"
	"batchgen/internal/middleware"
)

const maxSubmitBytes = 8 << 20

type submitJobRequest struct {
	SourceFileRef string              `json:"source_file_ref"`
	ColumnMapping map[string]string   `json:"column_mapping"`
	Options       domain.JobOptions   `json:"options"`
	Rows          []domain.ProductRow `json:"rows"`
	Metadata      map[string]any      `json:"metadata"`
}

type jobResponse struct {
	ID               string            `json:"id"`
	Status           domain.JobStatus  `json:"status"`
	PlanTier         domain.PlanTier   `json:"plan_tier"`
	TotalRows        int               `json:"total_rows"`
	ProcessedRows    int               `json:"processed_rows"`
	SuccessfulRows   int               `json:"successful_rows"`
	FailedRows       int               `json:"failed_rows"`
	SourceFileRef    string            `json:"source_file_ref,omitempty"`
	ErrorReport      []domain.RowError `json:"error_report"`
	OutputArchiveRef string            `json:"output_archive_ref,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

func newJobResponse(job *domain.BatchJob) jobResponse {
	report := job.ErrorReport
	if report == nil {
		report = []domain.RowError{}
	}
	return jobResponse{
		ID:               job.ID,
		Status:           job.Status,
		PlanTier:         job.PlanTier,
		TotalRows:        job.TotalRows,
		ProcessedRows:    job.ProcessedRows,
		SuccessfulRows:   job.SuccessfulRows,
		FailedRows:       job.FailedRows,
		SourceFileRef:    job.SourceFileRef,
		ErrorReport:      report,
		OutputArchiveRef: job.OutputArchiveRef,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
		CompletedAt:      job.CompletedAt,
	}
}

// SubmitJob accepts an already parsed file and queues it for dispatch.
func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req submitJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.error(w, http.StatusRequestEntityTooLarge, "too_large", "payload too large")
			return
		}
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	ctx := r.Context()
	if strings.TrimSpace(req.Options.Locale) == "" {
		req.Options.Locale = middleware.LocaleFromContext(ctx)
	}
	meta := make(map[string]any, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if country := middleware.CountryFromContext(ctx); country != "" {
		meta["country"] = country
	}
	if rid := middleware.RequestIDFromContext(ctx); rid != "" {
		meta["request_id"] = rid
	}
	tier, _ := middleware.PlanFromContext(ctx)

	job, err := a.Jobs.Submit(ctx, batch.SubmitRequest{
		OwnerID:       userID,
		PlanTier:      tier,
		SourceFileRef: req.SourceFileRef,
		ColumnMapping: req.ColumnMapping,
		Options:       req.Options,
		Rows:          req.Rows,
		Metadata:      meta,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	a.json(w, http.StatusAccepted, newJobResponse(job))
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	jobID, ok := a.jobParam(w, r)
	if !ok {
		return
	}
	job, err := a.Jobs.Get(r.Context(), userID, jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, newJobResponse(job))
}

func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	jobID, ok := a.jobParam(w, r)
	if !ok {
		return
	}
	job, err := a.Jobs.Cancel(r.Context(), userID, jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, newJobResponse(job))
}

// jobParam rejects ids that could never match a job, so they read as not found
// without reaching the store.
func (a *App) jobParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(jobID); err != nil {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return "", false
	}
	return jobID, true
}

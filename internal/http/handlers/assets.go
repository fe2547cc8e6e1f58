package handlers

import (
	"net/http"

	"batchgen/internal/domain"
)

type assetView struct {
	ID             string             `json:"id"`
	Type           domain.AssetType   `json:"type"`
	Status         domain.AssetStatus `json:"status"`
	PublicURL      string             `json:"public_url,omitempty"`
	CreditsSpent   int64              `json:"credits_spent"`
	EnhancedPrompt string             `json:"enhanced_prompt,omitempty"`
	ErrorMessage   string             `json:"error_message,omitempty"`
}

type rowOutcomeView struct {
	RowIndex  int              `json:"row_index"`
	Status    domain.RowStatus `json:"status"`
	Progress  int              `json:"progress"`
	Prompt    string           `json:"prompt"`
	Mode      string           `json:"mode"`
	ErrorCode string           `json:"error_code,omitempty"`
	Error     string           `json:"error,omitempty"`
	Asset     *assetView       `json:"asset,omitempty"`
}

// JobAssets lists every row of a job with its asset. Progress is the
// server-side hint; completed rows always report 100.
func (a *App) JobAssets(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	jobID, ok := a.jobParam(w, r)
	if !ok {
		return
	}
	outcomes, err := a.Jobs.Outcomes(r.Context(), userID, jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	items := make([]rowOutcomeView, 0, len(outcomes))
	for _, o := range outcomes {
		view := rowOutcomeView{
			RowIndex:  o.Row.RowIndex,
			Status:    o.Row.Status,
			Progress:  o.Row.ProgressHint,
			Prompt:    o.Row.Payload.Prompt,
			Mode:      string(o.Row.Payload.Mode),
			ErrorCode: o.Row.ErrorCode,
			Error:     o.Row.Error,
		}
		if o.Row.Status == domain.RowStatusCompleted {
			view.Progress = 100
		}
		if o.Asset != nil {
			view.Asset = &assetView{
				ID:             o.Asset.ID,
				Type:           o.Asset.AssetType,
				Status:         o.Asset.Status,
				PublicURL:      o.Asset.PublicRef,
				CreditsSpent:   o.Asset.CreditsSpent,
				EnhancedPrompt: o.Asset.EnhancedPrompt,
				ErrorMessage:   o.Asset.ErrorMessage,
			}
		}
		items = append(items, view)
	}
	a.json(w, http.StatusOK, map[string]any{"job_id": jobID, "items": items})
}

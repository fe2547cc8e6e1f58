package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"batchgen/internal/domain"
	"batchgen/internal/providers/generation"
)

type providerCallbackRequest struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	OutputURL    string `json:"output_url"`
	ContentType  string `json:"content_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// ProviderCallback accepts a pushed task result. It is applied exactly like a
// polled one, so duplicates and late arrivals are no-ops. The endpoint is
// disabled unless CALLBACK_TOKEN is set.
func (a *App) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	token := ""
	if a.Config != nil {
		token = a.Config.CallbackToken
	}
	if token == "" || a.Callbacks == nil {
		a.error(w, http.StatusNotFound, "not_found", "callbacks disabled")
		return
	}
	got := r.Header.Get("X-Callback-Token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
		a.error(w, http.StatusUnauthorized, "unauthorized", "invalid callback token")
		return
	}

	var req providerCallbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	req.TaskID = strings.TrimSpace(req.TaskID)
	state, ok := callbackState(req.Status)
	if req.TaskID == "" || !ok {
		a.error(w, http.StatusBadRequest, "bad_request", "task_id and a known status are required")
		return
	}
	res := generation.Result{
		State:        state,
		Progress:     generation.ClampProgress(req.Progress),
		ErrorCode:    req.ErrorCode,
		ErrorMessage: req.ErrorMessage,
	}
	if state == generation.TaskCompleted {
		if req.OutputURL == "" {
			a.error(w, http.StatusBadRequest, "bad_request", "output_url required for completed tasks")
			return
		}
		res.Output = &generation.Output{URL: req.OutputURL, ContentType: req.ContentType}
	}

	if err := a.Callbacks.HandleResult(r.Context(), req.TaskID, res); err != nil {
		if errors.Is(err, domain.ErrUnknownTask) {
			a.error(w, http.StatusNotFound, "unknown_task", "task not found")
			return
		}
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// callbackState accepts both normalized states and the provider's own
// task_status vocabulary.
func callbackState(raw string) (generation.TaskState, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PROCESSING", "PENDING", "RUNNING":
		return generation.TaskProcessing, true
	case "COMPLETED", "SUCCEEDED":
		return generation.TaskCompleted, true
	case "FAILED", "CANCELED", "CANCELLED", "UNKNOWN":
		return generation.TaskFailed, true
	default:
		return "", false
	}
}

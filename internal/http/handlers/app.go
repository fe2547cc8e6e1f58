package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"batchgen/internal/batch"
	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/ledger"
	"batchgen/internal/metrics"
	"batchgen/internal/middleware"
	"batchgen/internal/providers/generation"
)

// CreditReader is the read side of the ledger exposed to clients.
type CreditReader interface {
	Balance(ctx context.Context, userID string) (ledger.Balance, error)
	Transactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error)
}

// ResultHandler applies a pushed provider result, normally the reconciler.
type ResultHandler interface {
	HandleResult(ctx context.Context, taskID string, res generation.Result) error
}

type App struct {
	Config    *infra.Config
	Logger    infra.Logger
	Jobs      *batch.Service
	Credits   CreditReader
	Callbacks ResultHandler
	Metrics   *metrics.Collector
	Country   middleware.CountryLookup
	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error    string           `json:"error"`
	Message  string           `json:"message"`
	Problems []domain.Problem `json:"problems,omitempty"`
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorResponse{Error: errCode, Message: message})
}

// fail maps domain errors to HTTP responses. Anything unexpected is logged
// and reported as 500 without its detail.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		a.json(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation_failed", Message: "submission rejected", Problems: verr.Problems})
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, domain.ErrJobNotCancellable):
		a.error(w, http.StatusConflict, "not_cancellable", err.Error())
	case errors.Is(err, context.Canceled):
		a.error(w, 499, "cancelled", "request cancelled")
	default:
		a.log(r).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

// log returns the request-scoped logger when RequestID installed one.
func (a *App) log(r *http.Request) *zerolog.Logger {
	if l := zerolog.Ctx(r.Context()); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &a.Logger
}

package handlers

import (
	"net/http"
	"strconv"
	"time"

	"batchgen/internal/domain"
)

type transactionView struct {
	ID           string                 `json:"id"`
	Type         domain.TransactionType `json:"type"`
	Amount       int64                  `json:"amount"`
	BalanceAfter int64                  `json:"balance_after"`
	Source       string                 `json:"source"`
	Reference    string                 `json:"reference"`
	Metadata     map[string]any         `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

func (a *App) CreditBalance(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	bal, err := a.Credits.Balance(r.Context(), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, bal)
}

// CreditTransactions lists the caller's ledger, newest first. ?limit= caps
// the page at 500.
func (a *App) CreditTransactions(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.error(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	txs, err := a.Credits.Transactions(r.Context(), userID, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	items := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		items = append(items, transactionView{
			ID:           tx.ID,
			Type:         tx.Type,
			Amount:       tx.Amount,
			BalanceAfter: tx.BalanceAfter,
			Source:       tx.Source,
			Reference:    tx.ReferenceID,
			Metadata:     tx.Metadata,
			CreatedAt:    tx.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

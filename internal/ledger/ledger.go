// Package ledger keeps per-user credit balances and an append-only transaction
// log. Every mutation is idempotent on (userID, reference): replaying a
// reference returns the original receipt without moving credits again.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"batchgen/internal/domain"
)

// ErrReferenceConflict is returned when a reference is reused for a different
// kind of operation.
var ErrReferenceConflict = errors.New("ledger: reference reused for a different operation")

// ChargeRequest debits Amount credits from UserID under Reference.
type ChargeRequest struct {
	UserID    string
	Amount    int64
	Reference string
	Source    string
	Metadata  map[string]any
}

// RefundRequest returns credits debited by the spend recorded under
// ChargeReference. Amount 0 refunds the full charge; larger amounts are capped
// at it.
type RefundRequest struct {
	UserID          string
	ChargeReference string
	Amount          int64
	Reason          string
}

// Receipt describes the transaction a mutation produced or replayed.
type Receipt struct {
	TransactionID string
	Type          domain.TransactionType
	Amount        int64
	BalanceAfter  int64
	Replayed      bool
}

// Balance is the read-only view of an account. Users without an account have
// a zero balance.
type Balance struct {
	Available   int64 `json:"available"`
	Frozen      int64 `json:"frozen"`
	TotalEarned int64 `json:"total_earned"`
	TotalSpent  int64 `json:"total_spent"`
}

// Ledger is the contract the orchestrator depends on.
type Ledger interface {
	ReserveOrCharge(ctx context.Context, req ChargeRequest) (Receipt, error)
	Refund(ctx context.Context, req RefundRequest) (Receipt, error)
	Balance(ctx context.Context, userID string) (Balance, error)
}

// Admin adds the operator-facing operations.
type Admin interface {
	Ledger
	Earn(ctx context.Context, userID string, amount int64, reference, source string) (Receipt, error)
	Adjust(ctx context.Context, userID string, delta int64, reference, reason string) (Receipt, error)
	Freeze(ctx context.Context, userID string, amount int64, reference string) (Receipt, error)
	Unfreeze(ctx context.Context, userID string, amount int64, reference string) (Receipt, error)
	Transactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error)
}

// ChargeReference is the reference under which one row is charged. It doubles
// as the provider idempotency key.
func ChargeReference(jobID string, rowIndex int) string {
	return fmt.Sprintf("%s:%d", jobID, rowIndex)
}

// RefundReference derives the refund reference from a charge reference.
func RefundReference(chargeReference string) string {
	return chargeReference + ":refund"
}

func validateCharge(req ChargeRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return fmt.Errorf("%w: user id required", domain.ErrInvalidAmount)
	}
	if strings.TrimSpace(req.Reference) == "" {
		return fmt.Errorf("%w: reference required", domain.ErrInvalidAmount)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: charge amount must be positive, got %d", domain.ErrInvalidAmount, req.Amount)
	}
	return nil
}

func validateRefund(req RefundRequest) error {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.ChargeReference) == "" {
		return fmt.Errorf("%w: user id and charge reference required", domain.ErrInvalidAmount)
	}
	if req.Amount < 0 {
		return fmt.Errorf("%w: refund amount must not be negative, got %d", domain.ErrInvalidAmount, req.Amount)
	}
	return nil
}

func validateMutation(userID, reference string, amount int64) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(reference) == "" {
		return fmt.Errorf("%w: user id and reference required", domain.ErrInvalidAmount)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", domain.ErrInvalidAmount, amount)
	}
	return nil
}

// adjustmentParts splits a signed admin delta into the positive amount that
// is recorded and the direction kept in the transaction metadata.
func adjustmentParts(delta int64) (int64, string) {
	if delta < 0 {
		return -delta, "debit"
	}
	return delta, "credit"
}

// refundAmount caps the requested refund at what was charged.
func refundAmount(requested, charged int64) int64 {
	if requested == 0 || requested > charged {
		return charged
	}
	return requested
}

func replay(tx domain.CreditTransaction, want domain.TransactionType) (Receipt, error) {
	if tx.Type != want {
		return Receipt{}, fmt.Errorf("%w: %s already recorded as %s", ErrReferenceConflict, tx.ReferenceID, tx.Type)
	}
	return Receipt{
		TransactionID: tx.ID,
		Type:          tx.Type,
		Amount:        tx.Amount,
		BalanceAfter:  tx.BalanceAfter,
		Replayed:      true,
	}, nil
}

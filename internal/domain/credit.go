package domain

import "time"

// TransactionType enumerates ledger entry kinds. Amounts are always positive.
// The type carries the direction, and admin_adjust keeps it in its metadata.
type TransactionType string

const (
	TxEarn        TransactionType = "earn"
	TxSpend       TransactionType = "spend"
	TxRefund      TransactionType = "refund"
	TxAdminAdjust TransactionType = "admin_adjust"
	TxFreeze      TransactionType = "freeze"
	TxUnfreeze    TransactionType = "unfreeze"
)

// CreditAccount is the per-user balance row.
type CreditAccount struct {
	UserID        string
	Balance       int64
	TotalEarned   int64
	TotalSpent    int64
	FrozenBalance int64
	UpdatedAt     time.Time
}

// Conserved reports whether the account satisfies
// totalEarned - totalSpent = balance + frozen.
func (a CreditAccount) Conserved() bool {
	return a.TotalEarned-a.TotalSpent == a.Balance+a.FrozenBalance
}

// CreditTransaction is one append-only ledger entry.
type CreditTransaction struct {
	ID           string
	UserID       string
	Type         TransactionType
	Amount       int64
	BalanceAfter int64
	Source       string
	ReferenceID  string
	Metadata     map[string]any
	CreatedAt    time.Time
}

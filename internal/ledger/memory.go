package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"batchgen/internal/domain"
)

// Memory is a process-local ledger. A single mutex makes every check and
// mutation atomic.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*domain.CreditAccount
	byRef    map[string]map[string]domain.CreditTransaction
	log      map[string][]domain.CreditTransaction
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*domain.CreditAccount),
		byRef:    make(map[string]map[string]domain.CreditTransaction),
		log:      make(map[string][]domain.CreditTransaction),
		now:      time.Now,
	}
}

func (m *Memory) ReserveOrCharge(_ context.Context, req ChargeRequest) (Receipt, error) {
	if err := validateCharge(req); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx, ok := m.lookup(req.UserID, req.Reference); ok {
		return replay(tx, domain.TxSpend)
	}
	acct := m.account(req.UserID)
	if acct.Balance < req.Amount {
		return Receipt{}, domain.ErrInsufficientCredits
	}
	acct.Balance -= req.Amount
	acct.TotalSpent += req.Amount
	return m.append(acct, domain.TxSpend, req.Amount, req.Source, req.Reference, req.Metadata), nil
}

func (m *Memory) Refund(_ context.Context, req RefundRequest) (Receipt, error) {
	if err := validateRefund(req); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := RefundReference(req.ChargeReference)
	if tx, ok := m.lookup(req.UserID, ref); ok {
		return replay(tx, domain.TxRefund)
	}
	charge, ok := m.lookup(req.UserID, req.ChargeReference)
	if !ok || charge.Type != domain.TxSpend {
		return Receipt{}, fmt.Errorf("%w: %s", domain.ErrChargeNotFound, req.ChargeReference)
	}
	amount := refundAmount(req.Amount, charge.Amount)
	acct := m.account(req.UserID)
	acct.Balance += amount
	acct.TotalSpent -= amount
	meta := map[string]any{"charge_reference": req.ChargeReference}
	if req.Reason != "" {
		meta["reason"] = req.Reason
	}
	return m.append(acct, domain.TxRefund, amount, "refund", ref, meta), nil
}

func (m *Memory) Balance(_ context.Context, userID string) (Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return Balance{}, nil
	}
	return Balance{
		Available:   acct.Balance,
		Frozen:      acct.FrozenBalance,
		TotalEarned: acct.TotalEarned,
		TotalSpent:  acct.TotalSpent,
	}, nil
}

func (m *Memory) Earn(_ context.Context, userID string, amount int64, reference, source string) (Receipt, error) {
	if err := validateMutation(userID, reference, amount); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.lookup(userID, reference); ok {
		return replay(tx, domain.TxEarn)
	}
	acct := m.account(userID)
	acct.Balance += amount
	acct.TotalEarned += amount
	return m.append(acct, domain.TxEarn, amount, source, reference, nil), nil
}

func (m *Memory) Adjust(_ context.Context, userID string, delta int64, reference, reason string) (Receipt, error) {
	if delta == 0 {
		return Receipt{}, fmt.Errorf("%w: adjustment must be non-zero", domain.ErrInvalidAmount)
	}
	if err := validateMutation(userID, reference, 1); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.lookup(userID, reference); ok {
		return replay(tx, domain.TxAdminAdjust)
	}
	acct := m.account(userID)
	if acct.Balance+delta < 0 {
		return Receipt{}, domain.ErrInsufficientCredits
	}
	acct.Balance += delta
	acct.TotalEarned += delta
	amount, direction := adjustmentParts(delta)
	return m.append(acct, domain.TxAdminAdjust, amount, "admin", reference, map[string]any{"reason": reason, "direction": direction}), nil
}

func (m *Memory) Freeze(_ context.Context, userID string, amount int64, reference string) (Receipt, error) {
	if err := validateMutation(userID, reference, amount); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.lookup(userID, reference); ok {
		return replay(tx, domain.TxFreeze)
	}
	acct := m.account(userID)
	if acct.Balance < amount {
		return Receipt{}, domain.ErrInsufficientCredits
	}
	acct.Balance -= amount
	acct.FrozenBalance += amount
	return m.append(acct, domain.TxFreeze, amount, "freeze", reference, nil), nil
}

func (m *Memory) Unfreeze(_ context.Context, userID string, amount int64, reference string) (Receipt, error) {
	if err := validateMutation(userID, reference, amount); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.lookup(userID, reference); ok {
		return replay(tx, domain.TxUnfreeze)
	}
	acct := m.account(userID)
	if acct.FrozenBalance < amount {
		return Receipt{}, fmt.Errorf("%w: frozen balance %d below %d", domain.ErrInvalidAmount, acct.FrozenBalance, amount)
	}
	acct.FrozenBalance -= amount
	acct.Balance += amount
	return m.append(acct, domain.TxUnfreeze, amount, "unfreeze", reference, nil), nil
}

func (m *Memory) Transactions(_ context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.log[userID]
	entries := make([]domain.CreditTransaction, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		entries = append(entries, src[i])
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Account returns a snapshot of the user's account row.
func (m *Memory) Account(userID string) domain.CreditAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[userID]; ok {
		return *acct
	}
	return domain.CreditAccount{UserID: userID}
}

func (m *Memory) lookup(userID, reference string) (domain.CreditTransaction, bool) {
	tx, ok := m.byRef[userID][reference]
	return tx, ok
}

func (m *Memory) account(userID string) *domain.CreditAccount {
	acct, ok := m.accounts[userID]
	if !ok {
		acct = &domain.CreditAccount{UserID: userID}
		m.accounts[userID] = acct
	}
	return acct
}

func (m *Memory) append(acct *domain.CreditAccount, typ domain.TransactionType, amount int64, source, reference string, meta map[string]any) Receipt {
	now := m.now()
	acct.UpdatedAt = now
	tx := domain.CreditTransaction{
		ID:           uuid.NewString(),
		UserID:       acct.UserID,
		Type:         typ,
		Amount:       amount,
		BalanceAfter: acct.Balance,
		Source:       source,
		ReferenceID:  reference,
		Metadata:     meta,
		CreatedAt:    now,
	}
	if m.byRef[acct.UserID] == nil {
		m.byRef[acct.UserID] = make(map[string]domain.CreditTransaction)
	}
	m.byRef[acct.UserID][reference] = tx
	m.log[acct.UserID] = append(m.log[acct.UserID], tx)
	return Receipt{TransactionID: tx.ID, Type: typ, Amount: amount, BalanceAfter: acct.Balance}
}

var _ Admin = (*Memory)(nil)

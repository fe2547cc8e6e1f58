package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/sqlinline"
)

// errReferenceRace marks an insert that lost to a concurrent call carrying the
// same reference. The enclosing transaction rolls back its balance change.
var errReferenceRace = errors.New("ledger: reference inserted concurrently")

// Postgres is the durable ledger. Each mutation is one transaction: a guarded
// balance update followed by an insert that conflicts on
// (user_id, reference_id).
type Postgres struct {
	sql    infra.TxExecutor
	logger infra.Logger
}

func NewPostgres(sql infra.TxExecutor, logger infra.Logger) *Postgres {
	return &Postgres{sql: sql, logger: logger}
}

type mutation struct {
	userID        string
	reference     string
	source        string
	typ           domain.TransactionType
	amount        int64
	delta         int64
	update        string
	ensureAccount bool
	rejected      error
	meta          map[string]any
}

func (p *Postgres) ReserveOrCharge(ctx context.Context, req ChargeRequest) (Receipt, error) {
	if err := validateCharge(req); err != nil {
		return Receipt{}, err
	}
	return p.mutate(ctx, mutation{
		userID:    req.UserID,
		reference: req.Reference,
		source:    req.Source,
		typ:       domain.TxSpend,
		amount:    req.Amount,
		delta:     req.Amount,
		update:    sqlinline.QLedgerDebit,
		rejected:  domain.ErrInsufficientCredits,
		meta:      req.Metadata,
	})
}

func (p *Postgres) Refund(ctx context.Context, req RefundRequest) (Receipt, error) {
	if err := validateRefund(req); err != nil {
		return Receipt{}, err
	}
	ref := RefundReference(req.ChargeReference)
	if existing, ok, err := p.find(ctx, req.UserID, ref); err != nil {
		return Receipt{}, err
	} else if ok {
		return replay(existing, domain.TxRefund)
	}
	charge, ok, err := p.find(ctx, req.UserID, req.ChargeReference)
	if err != nil {
		return Receipt{}, err
	}
	if !ok || charge.Type != domain.TxSpend {
		return Receipt{}, fmt.Errorf("%w: %s", domain.ErrChargeNotFound, req.ChargeReference)
	}
	amount := refundAmount(req.Amount, charge.Amount)
	meta := map[string]any{"charge_reference": req.ChargeReference}
	if req.Reason != "" {
		meta["reason"] = req.Reason
	}
	return p.mutate(ctx, mutation{
		userID:    req.UserID,
		reference: ref,
		source:    "refund",
		typ:       domain.TxRefund,
		amount:    amount,
		delta:     amount,
		update:    sqlinline.QLedgerRefundCredit,
		rejected:  domain.ErrChargeNotFound,
		meta:      meta,
	})
}

func (p *Postgres) Balance(ctx context.Context, userID string) (Balance, error) {
	var b Balance
	var updated time.Time
	err := p.sql.QueryRow(ctx, sqlinline.QLedgerSelectAccount, userID).
		Scan(&b.Available, &b.Frozen, &b.TotalEarned, &b.TotalSpent, &updated)
	if err != nil {
		if infra.IsNoRows(err) {
			return Balance{}, nil
		}
		return Balance{}, fmt.Errorf("ledger: balance: %w", err)
	}
	return b, nil
}

func (p *Postgres) Earn(ctx context.Context, userID string, amount int64, reference, source string) (Receipt, error) {
	if err := validateMutation(userID, reference, amount); err != nil {
		return Receipt{}, err
	}
	return p.mutate(ctx, mutation{
		userID:    userID,
		reference: reference,
		source:    source,
		typ:       domain.TxEarn,
		amount:    amount,
		delta:     amount,
		update:    sqlinline.QLedgerEarn,
		rejected:  domain.ErrInvalidAmount,
	})
}

func (p *Postgres) Adjust(ctx context.Context, userID string, delta int64, reference, reason string) (Receipt, error) {
	if delta == 0 {
		return Receipt{}, fmt.Errorf("%w: adjustment must be non-zero", domain.ErrInvalidAmount)
	}
	if err := validateMutation(userID, reference, 1); err != nil {
		return Receipt{}, err
	}
	amount, direction := adjustmentParts(delta)
	return p.mutate(ctx, mutation{
		userID:        userID,
		reference:     reference,
		source:        "admin",
		typ:           domain.TxAdminAdjust,
		amount:        amount,
		delta:         delta,
		update:        sqlinline.QLedgerAdjust,
		ensureAccount: true,
		rejected:      domain.ErrInsufficientCredits,
		meta:          map[string]any{"reason": reason, "direction": direction},
	})
}

func (p *Postgres) Freeze(ctx context.Context, userID string, amount int64, reference string) (Receipt, error) {
	if err := validateMutation(userID, reference, amount); err != nil {
		return Receipt{}, err
	}
	return p.mutate(ctx, mutation{
		userID:    userID,
		reference: reference,
		source:    "freeze",
		typ:       domain.TxFreeze,
		amount:    amount,
		delta:     amount,
		update:    sqlinline.QLedgerFreeze,
		rejected:  domain.ErrInsufficientCredits,
	})
}

func (p *Postgres) Unfreeze(ctx context.Context, userID string, amount int64, reference string) (Receipt, error) {
	if err := validateMutation(userID, reference, amount); err != nil {
		return Receipt{}, err
	}
	return p.mutate(ctx, mutation{
		userID:    userID,
		reference: reference,
		source:    "unfreeze",
		typ:       domain.TxUnfreeze,
		amount:    amount,
		delta:     amount,
		update:    sqlinline.QLedgerUnfreeze,
		rejected:  domain.ErrInvalidAmount,
	})
}

func (p *Postgres) Transactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := p.sql.Query(ctx, sqlinline.QLedgerListTransactions, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.CreditTransaction
	for rows.Next() {
		var tx domain.CreditTransaction
		var typ string
		var meta []byte
		if err := rows.Scan(&tx.ID, &tx.UserID, &typ, &tx.Amount, &tx.BalanceAfter, &tx.Source, &tx.ReferenceID, &meta, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.Type = domain.TransactionType(typ)
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &tx.Metadata)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (p *Postgres) mutate(ctx context.Context, m mutation) (Receipt, error) {
	if existing, ok, err := p.find(ctx, m.userID, m.reference); err != nil {
		return Receipt{}, err
	} else if ok {
		return replay(existing, m.typ)
	}

	meta, err := marshalMeta(m.meta)
	if err != nil {
		return Receipt{}, err
	}

	var receipt Receipt
	err = p.sql.InTx(ctx, func(tx infra.SQLExecutor) error {
		if m.ensureAccount {
			if _, err := tx.Exec(ctx, sqlinline.QLedgerEnsureAccount, m.userID); err != nil {
				return err
			}
		}
		var balance int64
		if err := tx.QueryRow(ctx, m.update, m.userID, m.delta).Scan(&balance); err != nil {
			if infra.IsNoRows(err) {
				return m.rejected
			}
			return err
		}
		var id string
		var created time.Time
		err := tx.QueryRow(ctx, sqlinline.QLedgerInsertTransaction,
			m.userID, string(m.typ), m.amount, balance, m.source, m.reference, meta,
		).Scan(&id, &created)
		if err != nil {
			if infra.IsNoRows(err) {
				return errReferenceRace
			}
			return err
		}
		receipt = Receipt{TransactionID: id, Type: m.typ, Amount: m.amount, BalanceAfter: balance}
		return nil
	})
	if err == nil {
		return receipt, nil
	}

	// A concurrent call with the same reference may have committed first; its
	// receipt wins over both the race marker and a rejection caused by its debit.
	if errors.Is(err, errReferenceRace) || errors.Is(err, m.rejected) {
		existing, ok, ferr := p.find(ctx, m.userID, m.reference)
		if ferr == nil && ok {
			p.logger.Debug().Str("user_id", m.userID).Str("reference", m.reference).Msg("ledger: concurrent replay")
			return replay(existing, m.typ)
		}
		if errors.Is(err, errReferenceRace) {
			return Receipt{}, fmt.Errorf("ledger: %s: %w", m.reference, err)
		}
	}
	if errors.Is(err, m.rejected) {
		return Receipt{}, err
	}
	return Receipt{}, fmt.Errorf("ledger: %s %s: %w", m.typ, m.reference, err)
}

func (p *Postgres) find(ctx context.Context, userID, reference string) (domain.CreditTransaction, bool, error) {
	tx := domain.CreditTransaction{UserID: userID, ReferenceID: reference}
	var typ string
	err := p.sql.QueryRow(ctx, sqlinline.QLedgerFindTransaction, userID, reference).
		Scan(&tx.ID, &typ, &tx.Amount, &tx.BalanceAfter, &tx.CreatedAt)
	if err != nil {
		if infra.IsNoRows(err) {
			return domain.CreditTransaction{}, false, nil
		}
		return domain.CreditTransaction{}, false, fmt.Errorf("ledger: lookup %s: %w", reference, err)
	}
	tx.Type = domain.TransactionType(typ)
	return tx, true, nil
}

func marshalMeta(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode metadata: %w", err)
	}
	return raw, nil
}

var _ Admin = (*Postgres)(nil)

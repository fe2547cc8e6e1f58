package batch

import (
	"context"
	"errors"
	"fmt"

	"batchgen/internal/domain"
	"batchgen/internal/ledger"
	"batchgen/internal/metrics"
)

// refunder returns the charge of a row that settled failed with a refund
// owed. The row's flag is cleared only after the ledger recorded the refund,
// so an interrupted refund is retried from ListRefundsDue.
type refunder struct {
	store   domain.BatchStore
	ledger  ledger.Ledger
	metrics *metrics.Collector
}

func (f refunder) refund(ctx context.Context, row domain.RowTask, reason string) (ledger.Receipt, error) {
	ctx = context.WithoutCancel(ctx)
	ref := ledger.ChargeReference(row.JobID, row.RowIndex)
	receipt, err := f.ledger.Refund(ctx, ledger.RefundRequest{
		UserID:          row.OwnerID,
		ChargeReference: ref,
		Amount:          row.RefundAmount,
		Reason:          reason,
	})
	switch {
	case errors.Is(err, domain.ErrChargeNotFound):
		// Nothing was charged under this reference.
	case err != nil:
		return ledger.Receipt{}, fmt.Errorf("refund %s: %w", ref, err)
	case receipt.Replayed:
		f.metrics.LedgerReplay(string(domain.TxRefund))
	default:
		f.metrics.CreditsRefunded(receipt.Amount)
	}
	if err := f.store.ClearRefund(ctx, row.JobID, row.RowIndex); err != nil {
		return receipt, fmt.Errorf("clear refund %s: %w", ref, err)
	}
	return receipt, nil
}

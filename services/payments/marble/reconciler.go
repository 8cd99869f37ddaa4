package paymentsmarble

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Asupkay/vibe-platform/services/dispatcher"
	"github.com/Asupkay/vibe-platform/services/payments/ledger"
)

// =============================================================================
// Escrow reconciliation
// =============================================================================

// reconcilePendingEscrows moves escrow_created rows out of pending once their
// creation receipt is available. Rows whose receipt is still missing are left
// for the next run until they are older than staleEscrowAfter, at which point
// the creation is treated as dropped and the row is marked failed.
func (s *Service) reconcilePendingEscrows(ctx context.Context) error {
	rows, err := s.ledger.PendingEscrows(ctx, reconcileBatchSize)
	if err != nil {
		return fmt.Errorf("list pending escrows: %w", err)
	}
	now := s.authorizer.Now()

	var failures int
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if row.TxHash == nil {
			continue
		}

		entry := s.Logger().WithContext(ctx).WithField("event_id", row.ID).WithField("tx_hash", *row.TxHash)
		st, err := s.dispatcher.GetTransactionStatus(ctx, common.HexToHash(*row.TxHash))
		if err != nil {
			failures++
			entry.WithError(err).Warn("escrow status lookup failed")
			continue
		}

		var status, outcome string
		switch st.Status {
		case dispatcher.TxConfirmed:
			status, outcome = ledger.StatusConfirmed, ledger.StatusConfirmed
		case dispatcher.TxFailed:
			status, outcome = ledger.StatusFailed, ledger.StatusFailed
		default:
			if s.staleEscrowAfter <= 0 || now.Sub(row.CreatedAt) < s.staleEscrowAfter {
				continue
			}
			status, outcome = ledger.StatusFailed, "expired"
			entry.WithField("age", now.Sub(row.CreatedAt).String()).Warn("escrow creation never mined; marking failed")
		}

		if err := s.ledger.SetEventStatus(ctx, row.ID, status); err != nil {
			failures++
			entry.WithError(err).Warn("escrow status update failed")
			continue
		}
		s.stats.reconciled.Add(1)
		s.Metrics().RecordReconciled(outcome)
		entry.WithField("status", status).Info("escrow reconciled")
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d pending escrows not reconciled", failures, len(rows))
	}
	return nil
}

// reconcileOnStart runs one pass before the schedule kicks in. Failures are
// logged; the cron worker retries them.
func (s *Service) reconcileOnStart(ctx context.Context) error {
	if err := s.reconcilePendingEscrows(ctx); err != nil {
		s.Logger().WithContext(ctx).WithError(err).Warn("initial escrow reconciliation incomplete")
	}
	return nil
}

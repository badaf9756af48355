package settlement

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	// reconcileGrace keeps the sweep off purchases whose webhook may simply
	// still be in flight.
	reconcileGrace = 5 * time.Minute
	reconcileBatch = 50
)

// ReconcileProviderPayments settles awaiting provider purchases whose webhook
// never arrived by asking the provider for the payment state directly. It
// reuses the webhook settlement path, so idempotency holds if the webhook
// shows up after all. Returns the number of newly applied settlements.
func (e *Engine) ReconcileProviderPayments(ctx context.Context) (int, error) {
	stale, err := e.purchases.ListStaleAwaiting(ctx, reconcileGrace, reconcileBatch)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, pending := range stale {
		status, err := e.purchases.CheckPayment(ctx, pending.ProviderPaymentID)
		if err != nil {
			zap.L().Warn("provider payment check failed",
				zap.String("payment_id", pending.ProviderPaymentID),
				zap.Error(err))
			continue
		}
		if !status.Paid {
			continue
		}

		res, err := e.CreditFromProviderPayment(ctx, ProviderPayment{
			PaymentID: pending.ProviderPaymentID,
			UserID:    pending.UserID,
			PackageID: pending.PackageID,
			AmountRUB: status.AmountRUB,
		})
		if err != nil {
			zap.L().Error("reconciliation settlement failed",
				zap.String("payment_id", pending.ProviderPaymentID),
				zap.Error(err))
			continue
		}
		if !res.Replayed {
			applied++
			zap.L().Info("reconciled missed provider payment",
				zap.String("payment_id", pending.ProviderPaymentID),
				zap.Int64("user_id", pending.UserID))
		}
	}
	return applied, nil
}

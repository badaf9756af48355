package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"veogen-credits/pkg/task"
	"veogen-credits/pkg/taskname"
	"veogen-credits/services/ledger"
	"veogen-credits/services/purchase"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrUnauthorized means the grant actor does not hold the admin flag.
	ErrUnauthorized = errors.New("actor is not an admin")

	// ErrMissingReason means an admin movement carried no reason.
	ErrMissingReason = errors.New("admin operations require a reason")

	// ErrPayerMismatch means the payload claims a different payer than the
	// one the payment actually came from.
	ErrPayerMismatch = errors.New("payment payer does not match payload")

	// ErrAmountMismatch means the paid amount differs from the pending
	// purchase's expected amount.
	ErrAmountMismatch = errors.New("payment amount does not match pending purchase")

	// ErrBadAmount means the requested movement amount is not positive.
	ErrBadAmount = errors.New("amount must be positive")
)

// Engine turns verified payment events into applied ledger transactions.
// All idempotency and balance invariants live in the store; the engine adds
// event validation, retry on transient store failures, and the notification
// emit.
type Engine struct {
	store     *ledger.Store
	purchases *purchase.Service
	enqueuer  task.Enqueuer

	retries   int
	baseDelay time.Duration
}

type EngineParams struct {
	fx.In
	Store     *ledger.Store
	Purchases *purchase.Service
	Enqueuer  task.Enqueuer `optional:"true"`
}

func NewEngine(p EngineParams) *Engine {
	return &Engine{
		store:     p.Store,
		purchases: p.Purchases,
		enqueuer:  p.Enqueuer,
		retries:   3,
		baseDelay: 50 * time.Millisecond,
	}
}

// Settle dispatches one typed event to its settlement path.
func (e *Engine) Settle(ctx context.Context, event Event) (*Result, error) {
	switch ev := event.(type) {
	case StarsPayment:
		return e.CreditFromStarsPayment(ctx, ev)
	case ProviderPayment:
		return e.CreditFromProviderPayment(ctx, ev)
	case AdminGrant:
		return e.GrantAdminCredit(ctx, ev.ActorID, ev.TargetID, ev.Amount, ev.Reason)
	case Debit:
		return e.SpendCredits(ctx, ev.UserID, ev.Amount, ev.Reason)
	default:
		return nil, fmt.Errorf("unknown settlement event %T", event)
	}
}

// SpendCredits debits an internal credit spend. It carries no external ref,
// so every call is a distinct movement.
func (e *Engine) SpendCredits(ctx context.Context, userID, amount int64, reason string) (*Result, error) {
	if amount <= 0 {
		return nil, ErrBadAmount
	}

	return e.settle(ctx, ledger.TransactionParams{
		UserID: userID,
		Kind:   ledger.KindSpend,
		Amount: -amount,
		Reason: reason,
	})
}

// CreditFromStarsPayment settles a confirmed Telegram Stars charge. The
// payload payer and the package price are validated against the pending
// purchase before any ledger touch.
func (e *Engine) CreditFromStarsPayment(ctx context.Context, ev StarsPayment) (*Result, error) {
	if ev.PayloadUserID != ev.UserID {
		zap.L().Warn("stars payment payload claims another payer",
			zap.Int64("payload_user_id", ev.PayloadUserID),
			zap.Int64("actual_user_id", ev.UserID))
		return nil, ErrPayerMismatch
	}

	pkg, ok := purchase.FindPackage(ev.PackageID)
	if !ok {
		return nil, purchase.ErrUnknownPackage
	}
	if ev.StarsAmount != pkg.PriceStars {
		return nil, ErrAmountMismatch
	}

	// replayed charge: resolve to the prior outcome before touching the
	// pending purchase, which is already completed
	adm, err := e.store.Admit(ctx, ledger.ProviderTelegramStars, ev.ChargeID)
	if err != nil {
		return nil, err
	}
	if adm.Decision == ledger.AdmitAlreadySeen {
		return e.replay(ctx, adm.Prior)
	}

	pending, err := e.purchases.FindAwaitingForUser(ctx, ev.UserID, ev.PackageID)
	if err != nil {
		// a concurrent settlement of the same charge may have completed the
		// purchase between the admit check and here
		if errors.Is(err, purchase.ErrPurchaseNotFound) {
			if prior, ferr := e.store.FindApplied(ctx, ledger.ProviderTelegramStars, ev.ChargeID); ferr == nil && prior != nil {
				return e.replay(ctx, prior)
			}
		}
		return nil, err
	}
	if pending.ExpectedAmount != ev.StarsAmount {
		return nil, ErrAmountMismatch
	}

	if _, err := e.store.CreateUserIfAbsent(ctx, ev.UserID, "", ""); err != nil {
		return nil, err
	}

	return e.settle(ctx, ledger.TransactionParams{
		UserID:      ev.UserID,
		Kind:        ledger.KindPurchaseStars,
		Amount:      pending.Credits,
		Provider:    ledger.ProviderTelegramStars,
		ExternalRef: ev.ChargeID,
		Reason:      pkg.Title,
		Metadata: map[string]any{
			"package_id":   ev.PackageID,
			"stars_amount": ev.StarsAmount,
		},
	}, ledger.WithInTx(func(tx *gorm.DB) error {
		return e.purchases.CompleteInTx(tx, pending.ID, ev.ChargeID)
	}))
}

// CreditFromProviderPayment settles a verified card-provider payment.
func (e *Engine) CreditFromProviderPayment(ctx context.Context, ev ProviderPayment) (*Result, error) {
	adm, err := e.store.Admit(ctx, ledger.ProviderYookassa, ev.PaymentID)
	if err != nil {
		return nil, err
	}
	if adm.Decision == ledger.AdmitAlreadySeen {
		return e.replay(ctx, adm.Prior)
	}

	pending, err := e.purchases.FindAwaitingByPaymentID(ctx, ev.PaymentID)
	if err != nil {
		if errors.Is(err, purchase.ErrPurchaseNotFound) {
			if prior, ferr := e.store.FindApplied(ctx, ledger.ProviderYookassa, ev.PaymentID); ferr == nil && prior != nil {
				return e.replay(ctx, prior)
			}
		}
		return nil, err
	}
	if pending.UserID != ev.UserID {
		zap.L().Warn("provider payment metadata claims another payer",
			zap.String("payment_id", ev.PaymentID),
			zap.Int64("claimed_user_id", ev.UserID),
			zap.Int64("pending_user_id", pending.UserID))
		return nil, ErrPayerMismatch
	}
	if pending.ExpectedAmount != ev.AmountRUB {
		return nil, ErrAmountMismatch
	}

	if _, err := e.store.CreateUserIfAbsent(ctx, ev.UserID, "", ""); err != nil {
		return nil, err
	}

	pkg, _ := purchase.FindPackage(pending.PackageID)
	return e.settle(ctx, ledger.TransactionParams{
		UserID:      ev.UserID,
		Kind:        ledger.KindPurchaseProvider,
		Amount:      pending.Credits,
		Provider:    ledger.ProviderYookassa,
		ExternalRef: ev.PaymentID,
		Reason:      pkg.Title,
		Metadata: map[string]any{
			"package_id": pending.PackageID,
			"amount_rub": ev.AmountRUB,
		},
	}, ledger.WithInTx(func(tx *gorm.DB) error {
		return e.purchases.CompleteInTx(tx, pending.ID, ev.PaymentID)
	}))
}

// GrantAdminCredit applies a manual grant (or correction when amount is
// negative) with its audit row in the same atomic unit. Authorization and
// the reason requirement are checked before any ledger touch.
func (e *Engine) GrantAdminCredit(ctx context.Context, actorID, targetID, amount int64, reason string) (*Result, error) {
	if reason == "" {
		return nil, ErrMissingReason
	}
	if amount == 0 {
		return nil, ErrBadAmount
	}

	actor, err := e.store.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin {
		return nil, ErrUnauthorized
	}

	kind := ledger.KindAdminGrant
	action := "grant_credits"
	if amount < 0 {
		kind = ledger.KindAdminCorrection
		action = "correct_credits"
	}

	return e.settle(ctx, ledger.TransactionParams{
		UserID: targetID,
		Kind:   kind,
		Amount: amount,
		Reason: reason,
	}, ledger.WithAdminLog(actorID, action, targetID, map[string]any{
		"amount": amount,
		"reason": reason,
	}))
}

// settle applies the candidate with bounded retry on transient store errors.
// Retries stop at the first domain outcome: once the unit commits or is
// rejected by an invariant, the answer is final.
func (e *Engine) settle(ctx context.Context, p ledger.TransactionParams, opts ...ledger.ApplyOption) (*Result, error) {
	span := trace.SpanFromContext(ctx)
	logFields := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}

	var txn *ledger.Transaction
	var err error

	delay := e.baseDelay
	for attempt := 0; ; attempt++ {
		txn, err = e.store.ApplyTransaction(ctx, p, opts...)
		if err == nil || !isTransient(err) || attempt >= e.retries {
			break
		}

		zap.L().With(logFields...).Warn("transient settlement failure, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			return e.replay(ctx, txn)
		}
		return nil, err
	}

	balance, berr := e.store.GetBalance(ctx, p.UserID)
	if berr != nil {
		zap.L().With(logFields...).Error("failed to read balance after settlement", zap.Error(berr))
	}

	e.notifyBalanceChanged(ctx, BalanceChangedPayload{
		UserID:     p.UserID,
		NewBalance: balance,
		Reason:     p.Reason,
	})

	return &Result{Transaction: txn, NewBalance: balance}, nil
}

// replay shapes a duplicate settlement as the prior outcome: no side effects,
// nil error.
func (e *Engine) replay(ctx context.Context, prior *ledger.Transaction) (*Result, error) {
	res := &Result{Transaction: prior, Replayed: true}
	if prior != nil {
		if balance, err := e.store.GetBalance(ctx, prior.UserID); err == nil {
			res.NewBalance = balance
		}
	}
	return res, nil
}

// notifyBalanceChanged emits the balance-changed task onto the notify queue,
// which this service's own worker does not consume. A committed settlement is
// never unwound by a notification failure.
func (e *Engine) notifyBalanceChanged(ctx context.Context, payload BalanceChangedPayload) {
	if e.enqueuer == nil {
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		zap.L().Error("failed to marshal balance notification", zap.Error(err))
		return
	}

	if _, err := e.enqueuer.Enqueue(ctx, asynq.NewTask(taskname.BalanceChanged, raw), asynq.Queue(taskname.QueueNotify)); err != nil {
		zap.L().Error("failed to enqueue balance notification",
			zap.Int64("user_id", payload.UserID), zap.Error(err))
	}
}

func isTransient(err error) bool {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits),
		errors.Is(err, ledger.ErrDuplicateEvent),
		errors.Is(err, ledger.ErrUserNotFound),
		errors.Is(err, purchase.ErrAlreadyCompleted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

package settlement

import "veogen-credits/services/ledger"

// Event is the closed set of settlement triggers. The engine never sees raw
// provider payloads; the webhook verifier and the bot collaborator hand over
// one of these typed variants.
type Event interface {
	isSettleEvent()
}

// StarsPayment is a confirmed Telegram Stars charge.
type StarsPayment struct {
	// UserID is the verified sender of the payment message.
	UserID int64
	// PayloadUserID is the user id the invoice payload claims; a mismatch is
	// a fraud attempt and never settles.
	PayloadUserID int64
	PackageID     string
	StarsAmount   int64
	// ChargeID is telegram_payment_charge_id, the idempotency reference.
	ChargeID string
}

func (StarsPayment) isSettleEvent() {}

// ProviderPayment is a verified payment.succeeded notification from the card
// provider.
type ProviderPayment struct {
	PaymentID string
	UserID    int64
	PackageID string
	AmountRUB int64
}

func (ProviderPayment) isSettleEvent() {}

// AdminGrant is a manual credit grant or correction.
type AdminGrant struct {
	ActorID  int64
	TargetID int64
	Amount   int64
	Reason   string
}

func (AdminGrant) isSettleEvent() {}

// Debit is an internal credit spend, outside the idempotency scope.
type Debit struct {
	UserID int64
	Amount int64
	Reason string
}

func (Debit) isSettleEvent() {}

// Result is the outcome of a settlement. Replayed means a prior settlement
// for the same (provider, external_ref) already applied and Transaction is
// that prior row; nothing was written.
type Result struct {
	Transaction *ledger.Transaction
	NewBalance  int64
	Replayed    bool
}

// BalanceChangedPayload is the body of the balance-changed notification task.
type BalanceChangedPayload struct {
	UserID     int64  `json:"user_id"`
	NewBalance int64  `json:"new_balance"`
	Reason     string `json:"reason"`
}

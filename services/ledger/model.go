package ledger

import (
	"time"

	"gorm.io/datatypes"
)

// User is a credit account keyed by the Telegram user id.
type User struct {
	TelegramID int64     `gorm:"column:telegram_id;primaryKey;autoIncrement:false"`
	Username   string    `gorm:"column:username"`
	FirstName  string    `gorm:"column:first_name"`
	Credits    int64     `gorm:"column:credits;not null;default:0;check:chk_users_credits,credits >= 0"`
	IsAdmin    bool      `gorm:"column:is_admin;not null;default:false"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (User) TableName() string { return "users" }

type TransactionKind string

const (
	KindPurchaseStars    TransactionKind = "purchase_stars"
	KindPurchaseProvider TransactionKind = "purchase_provider"
	KindSpend            TransactionKind = "spend"
	KindAdminGrant       TransactionKind = "admin_grant"
	KindAdminCorrection  TransactionKind = "admin_correction"
)

type TransactionStatus string

const (
	StatusPending  TransactionStatus = "pending"
	StatusApplied  TransactionStatus = "applied"
	StatusRejected TransactionStatus = "rejected"
)

const (
	ProviderTelegramStars = "telegram_stars"
	ProviderYookassa      = "yookassa"
)

// Transaction is one signed credit movement. Rows are immutable once the
// status leaves pending. ExternalRef is nil for internal movements so the
// composite unique index only binds provider-originated settlements.
type Transaction struct {
	ID          string            `gorm:"column:id;primaryKey"`
	UserID      int64             `gorm:"column:user_id;index"`
	Kind        TransactionKind   `gorm:"column:kind"`
	Amount      int64             `gorm:"column:amount"`
	Provider    string            `gorm:"column:provider;uniqueIndex:idx_transactions_provider_ref"`
	ExternalRef *string           `gorm:"column:external_ref;uniqueIndex:idx_transactions_provider_ref"`
	Status      TransactionStatus `gorm:"column:status;index"`
	Reason      string            `gorm:"column:reason"`
	Metadata    datatypes.JSON    `gorm:"column:metadata"`
	CreatedAt   time.Time         `gorm:"column:created_at"`
}

func (Transaction) TableName() string { return "transactions" }

// AdminLog is the append-only audit trail for manual credit operations.
type AdminLog struct {
	ID           string         `gorm:"column:id;primaryKey"`
	ActorID      int64          `gorm:"column:actor_id;index"`
	Action       string         `gorm:"column:action"`
	TargetUserID int64          `gorm:"column:target_user_id;index"`
	Payload      datatypes.JSON `gorm:"column:payload"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
}

func (AdminLog) TableName() string { return "admin_logs" }

type WebhookOutcome string

const (
	OutcomeAccepted          WebhookOutcome = "accepted"
	OutcomeDuplicate         WebhookOutcome = "duplicate"
	OutcomeRejectedSignature WebhookOutcome = "rejected_signature"
	OutcomeRejectedSource    WebhookOutcome = "rejected_source"
	OutcomeRejectedAmount    WebhookOutcome = "rejected_amount"
)

// WebhookEvent records one delivery attempt, duplicates and rejections
// included.
type WebhookEvent struct {
	ID          string         `gorm:"column:id;primaryKey"`
	Provider    string         `gorm:"column:provider;index"`
	ExternalRef string         `gorm:"column:external_ref;index"`
	SourceAddr  string         `gorm:"column:source_addr"`
	Outcome     WebhookOutcome `gorm:"column:outcome"`
	ReceivedAt  time.Time      `gorm:"column:received_at"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// Models lists every table this package owns, in migration order.
func Models() []any {
	return []any{&User{}, &Transaction{}, &AdminLog{}, &WebhookEvent{}}
}

package purchase

import "time"

type PurchaseStatus string

const (
	StatusAwaitingPayment PurchaseStatus = "awaiting_payment"
	StatusCompleted       PurchaseStatus = "completed"
	StatusExpired         PurchaseStatus = "expired"
)

// PendingPurchase is the record a payment confirmation is verified against:
// the expected amount, the payer, and the package bought. ExpectedAmount is
// in the provider's unit (stars, or whole rubles for the card provider).
type PendingPurchase struct {
	ID                string         `gorm:"column:id;primaryKey"`
	UserID            int64          `gorm:"column:user_id;index"`
	PackageID         string         `gorm:"column:package_id"`
	Credits           int64          `gorm:"column:credits"`
	ExpectedAmount    int64          `gorm:"column:expected_amount"`
	Provider          string         `gorm:"column:provider"`
	ProviderPaymentID string         `gorm:"column:provider_payment_id;index"`
	Status            PurchaseStatus `gorm:"column:status;index"`
	CreatedAt         time.Time      `gorm:"column:created_at"`
	UpdatedAt         time.Time      `gorm:"column:updated_at"`
}

func (PendingPurchase) TableName() string { return "pending_purchases" }

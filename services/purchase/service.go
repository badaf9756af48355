package purchase

import (
	"context"
	"errors"
	"time"

	"veogen-credits/pkg/config"
	"veogen-credits/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrUnknownPackage   = errors.New("unknown credit package")
	ErrPurchaseNotFound = errors.New("pending purchase not found")
	ErrAlreadyCompleted = errors.New("purchase already completed")
)

// Service tracks pending purchases from initiation to settlement.
type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	client *ProviderClient
	cfg    *config.Config
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Client *ProviderClient
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{db: p.DB, node: p.Node, client: p.Client, cfg: p.Config}
}

// StarsInvoice is what the bot collaborator needs to send a Stars invoice.
type StarsInvoice struct {
	Payload     string `json:"payload"`
	Title       string `json:"title"`
	AmountStars int64  `json:"amount_stars"`
	PurchaseID  string `json:"purchase_id"`
}

// BeginStarsPurchase records the pending purchase and returns the invoice
// payload the bot sends to Telegram.
func (s *Service) BeginStarsPurchase(ctx context.Context, userID int64, packageID string) (*StarsInvoice, error) {
	pkg, ok := FindPackage(packageID)
	if !ok {
		return nil, ErrUnknownPackage
	}

	pending := &PendingPurchase{
		ID:             s.node.Generate().String(),
		UserID:         userID,
		PackageID:      pkg.ID,
		Credits:        pkg.TotalCredits(),
		ExpectedAmount: pkg.PriceStars,
		Provider:       ledger.ProviderTelegramStars,
		Status:         StatusAwaitingPayment,
	}
	if err := s.db.WithContext(ctx).Create(pending).Error; err != nil {
		return nil, err
	}

	zap.L().Info("stars purchase initiated",
		zap.Int64("user_id", userID),
		zap.String("package_id", pkg.ID),
		zap.String("purchase_id", pending.ID))

	return &StarsInvoice{
		Payload:     pkg.InvoicePayload(userID),
		Title:       pkg.Title,
		AmountStars: pkg.PriceStars,
		PurchaseID:  pending.ID,
	}, nil
}

// ProviderCheckout is the redirect handle for a card purchase.
type ProviderCheckout struct {
	PurchaseID      string `json:"purchase_id"`
	PaymentID       string `json:"payment_id"`
	ConfirmationURL string `json:"confirmation_url"`
}

// BeginProviderPurchase creates the payment with the card provider and
// records the pending purchase the webhook will be checked against.
func (s *Service) BeginProviderPurchase(ctx context.Context, userID int64, packageID string) (*ProviderCheckout, error) {
	pkg, ok := FindPackage(packageID)
	if !ok {
		return nil, ErrUnknownPackage
	}

	created, err := s.client.CreatePayment(ctx, pkg.PriceRUB, pkg.Title, userID, pkg.ID)
	if err != nil {
		return nil, err
	}

	pending := &PendingPurchase{
		ID:                s.node.Generate().String(),
		UserID:            userID,
		PackageID:         pkg.ID,
		Credits:           pkg.TotalCredits(),
		ExpectedAmount:    pkg.PriceRUB,
		Provider:          ledger.ProviderYookassa,
		ProviderPaymentID: created.PaymentID,
		Status:            StatusAwaitingPayment,
	}
	if err := s.db.WithContext(ctx).Create(pending).Error; err != nil {
		return nil, err
	}

	zap.L().Info("provider purchase initiated",
		zap.Int64("user_id", userID),
		zap.String("package_id", pkg.ID),
		zap.String("payment_id", created.PaymentID))

	return &ProviderCheckout{
		PurchaseID:      pending.ID,
		PaymentID:       created.PaymentID,
		ConfirmationURL: created.ConfirmationURL,
	}, nil
}

// FindAwaitingByPaymentID resolves a provider payment id to the pending
// purchase the webhook must match.
func (s *Service) FindAwaitingByPaymentID(ctx context.Context, paymentID string) (*PendingPurchase, error) {
	var pending PendingPurchase
	err := s.db.WithContext(ctx).
		Where("provider_payment_id = ? AND status = ?", paymentID, StatusAwaitingPayment).
		First(&pending).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPurchaseNotFound
		}
		return nil, err
	}
	return &pending, nil
}

// FindAwaitingForUser resolves the most recent awaiting purchase for a user
// and package, the Stars flow's cross-check target.
func (s *Service) FindAwaitingForUser(ctx context.Context, userID int64, packageID string) (*PendingPurchase, error) {
	var pending PendingPurchase
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND package_id = ? AND status = ?", userID, packageID, StatusAwaitingPayment).
		Order("created_at DESC").
		First(&pending).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPurchaseNotFound
		}
		return nil, err
	}
	return &pending, nil
}

// CheckPayment asks the provider for the current state of a payment.
func (s *Service) CheckPayment(ctx context.Context, paymentID string) (*PaymentStatus, error) {
	return s.client.GetPayment(ctx, paymentID)
}

// ListStaleAwaiting returns provider purchases still awaiting payment after
// the grace period. These are the candidates the reconciliation sweep checks
// against the provider directly, covering webhooks that never arrived.
func (s *Service) ListStaleAwaiting(ctx context.Context, olderThan time.Duration, limit int) ([]PendingPurchase, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	cutoff := time.Now().Add(-olderThan)

	var out []PendingPurchase
	err := s.db.WithContext(ctx).
		Where("provider = ? AND status = ? AND provider_payment_id <> '' AND created_at < ?",
			ledger.ProviderYookassa, StatusAwaitingPayment, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteInTx flips a pending purchase to completed inside the settlement
// unit. The guarded update makes a second completion fail instead of
// double-counting.
func (s *Service) CompleteInTx(tx *gorm.DB, purchaseID, providerPaymentID string) error {
	updates := map[string]any{
		"status":     StatusCompleted,
		"updated_at": time.Now(),
	}
	if providerPaymentID != "" {
		updates["provider_payment_id"] = providerPaymentID
	}

	res := tx.Model(&PendingPurchase{}).
		Where("id = ? AND status = ?", purchaseID, StatusAwaitingPayment).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyCompleted
	}
	return nil
}

// ExpireStale marks awaiting purchases older than the configured TTL.
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	ttl := s.cfg.Payments.PurchaseTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	cutoff := time.Now().Add(-ttl)

	res := s.db.WithContext(ctx).Model(&PendingPurchase{}).
		Where("status = ? AND created_at < ?", StatusAwaitingPayment, cutoff).
		Updates(map[string]any{
			"status":     StatusExpired,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		zap.L().Info("expired stale purchases", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

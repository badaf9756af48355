package admin

import (
	"context"

	"veogen-credits/services/ledger"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Service answers the operator-facing audit and statistics queries.
type Service struct {
	db    *gorm.DB
	store *ledger.Store
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Store *ledger.Store
}

func NewService(p ServiceParams) *Service {
	return &Service{db: p.DB, store: p.Store}
}

// Stats is the operator dashboard snapshot.
type Stats struct {
	TotalUsers          int64 `json:"total_users"`
	TotalCreditsInBank  int64 `json:"total_credits_in_bank"`
	AppliedTransactions int64 `json:"applied_transactions"`
	AdminCount          int64 `json:"admin_count"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats

	if err := s.db.WithContext(ctx).Model(&ledger.User{}).Count(&stats.TotalUsers).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&ledger.User{}).
		Select("COALESCE(SUM(credits), 0)").
		Scan(&stats.TotalCreditsInBank).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&ledger.Transaction{}).
		Where("status = ?", ledger.StatusApplied).
		Count(&stats.AppliedTransactions).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&ledger.User{}).
		Where("is_admin = ?", true).
		Count(&stats.AdminCount).Error; err != nil {
		return nil, err
	}

	return &stats, nil
}

func (s *Service) AuditLogs(ctx context.Context, f ledger.AdminLogFilter) ([]ledger.AdminLog, error) {
	return s.store.ListAdminLogs(ctx, f)
}

func (s *Service) Transactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	return s.store.ListTransactions(ctx, f)
}

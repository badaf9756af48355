package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Store owns every write to the credit ledger. The only balance mutation in
// the whole system is ApplyTransaction's storage transaction.
type Store struct {
	db   *gorm.DB
	node *snowflake.Node
}

type StoreParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewStore(p StoreParams) *Store {
	return &Store{db: p.DB, node: p.Node}
}

// TransactionParams describes a candidate credit movement. ExternalRef empty
// means an internal movement outside the idempotency scope.
type TransactionParams struct {
	UserID      int64
	Kind        TransactionKind
	Amount      int64
	Provider    string
	ExternalRef string
	Reason      string
	Metadata    map[string]any
}

type applyConfig struct {
	adminLog *AdminLog
	inTx     func(tx *gorm.DB) error
}

type ApplyOption func(*applyConfig)

// WithAdminLog appends an audit row in the same atomic unit as the
// transaction; both commit or neither exists.
func WithAdminLog(actorID int64, action string, targetUserID int64, payload map[string]any) ApplyOption {
	return func(c *applyConfig) {
		raw, _ := json.Marshal(payload)
		c.adminLog = &AdminLog{
			ActorID:      actorID,
			Action:       action,
			TargetUserID: targetUserID,
			Payload:      datatypes.JSON(raw),
		}
	}
}

// WithInTx runs fn inside the settlement unit, after the balance update.
// Callers use it to complete the pending purchase atomically with the credit.
func WithInTx(fn func(tx *gorm.DB) error) ApplyOption {
	return func(c *applyConfig) { c.inTx = fn }
}

// GetBalance reads the current balance. Reads on the same connection observe
// every prior committed settlement.
func (s *Store) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "telegram_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return user.Credits, nil
}

// GetUser fetches the account row.
func (s *Store) GetUser(ctx context.Context, userID int64) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "telegram_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// CreateUserIfAbsent inserts the account on first contact with zero credits.
// Safe to call concurrently; the primary key decides the winner.
func (s *Store) CreateUserIfAbsent(ctx context.Context, userID int64, username, firstName string) (*User, error) {
	user := User{
		TelegramID: userID,
		Username:   username,
		FirstName:  firstName,
	}

	err := s.db.WithContext(ctx).
		Where(&User{TelegramID: userID}).
		Attrs(user).
		FirstOrCreate(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.GetUser(ctx, userID)
		}
		return nil, err
	}
	return &user, nil
}

// ApplyTransaction settles one candidate movement atomically:
//
//  1. insert the transaction row; a concurrent settlement of the same
//     (provider, external_ref) loses on the unique index and resolves to the
//     winner's outcome as ErrDuplicateEvent;
//  2. guarded balance update, refusing to take the account below zero;
//  3. optional audit row and purchase completion in the same unit.
//
// The pre-check in Admit is a fast path only; this index hit is the
// authoritative duplicate guarantee across processes.
func (s *Store) ApplyTransaction(ctx context.Context, p TransactionParams, opts ...ApplyOption) (*Transaction, error) {
	span := trace.SpanFromContext(ctx)
	logFields := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.Int64("user_id", p.UserID),
		zap.String("kind", string(p.Kind)),
	}

	var cfg applyConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	txn := &Transaction{
		ID:       s.node.Generate().String(),
		UserID:   p.UserID,
		Kind:     p.Kind,
		Amount:   p.Amount,
		Provider: p.Provider,
		Status:   StatusApplied,
	}
	if p.ExternalRef != "" {
		ref := p.ExternalRef
		txn.ExternalRef = &ref
	}
	if p.Reason != "" {
		txn.Reason = p.Reason
	}
	if len(p.Metadata) > 0 {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, err
		}
		txn.Metadata = datatypes.JSON(raw)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(txn).Error; err != nil {
			return err
		}

		res := tx.Model(&User{}).
			Where("telegram_id = ? AND credits + ? >= 0", p.UserID, p.Amount).
			Updates(map[string]any{
				"credits":    gorm.Expr("credits + ?", p.Amount),
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&User{}).Where("telegram_id = ?", p.UserID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrUserNotFound
			}
			return ErrInsufficientCredits
		}

		if cfg.adminLog != nil {
			cfg.adminLog.ID = s.node.Generate().String()
			if err := tx.Create(cfg.adminLog).Error; err != nil {
				return err
			}
		}

		if cfg.inTx != nil {
			return cfg.inTx(tx)
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.resolveDuplicate(ctx, p, err, logFields)
		}
		return nil, err
	}

	zap.L().With(logFields...).Info("transaction applied",
		zap.String("transaction_id", txn.ID),
		zap.Int64("amount", p.Amount))
	return txn, nil
}

// resolveDuplicate maps a unique-index hit to the prior applied movement.
// Only externally referenced movements can lose this race as duplicates; a
// key collision on an internal movement has no prior to replay and surfaces
// as the raw storage error.
func (s *Store) resolveDuplicate(ctx context.Context, p TransactionParams, cause error, logFields []zap.Field) (*Transaction, error) {
	if p.ExternalRef == "" {
		return nil, cause
	}

	zap.L().With(logFields...).Warn("settlement lost duplicate race",
		zap.String("external_ref", p.ExternalRef))

	prior, err := s.FindApplied(ctx, p.Provider, p.ExternalRef)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, cause
	}
	return prior, ErrDuplicateEvent
}

// FindApplied returns the applied transaction for the pair, or nil when none
// exists.
func (s *Store) FindApplied(ctx context.Context, provider, externalRef string) (*Transaction, error) {
	if externalRef == "" {
		return nil, nil
	}

	var txn Transaction
	err := s.db.WithContext(ctx).
		Where("provider = ? AND external_ref = ? AND status = ?", provider, externalRef, StatusApplied).
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

// RecordWebhookEvent appends a delivery-attempt row. It runs outside the
// settlement unit so rejected deliveries are still recorded.
func (s *Store) RecordWebhookEvent(ctx context.Context, provider, externalRef, sourceAddr string, outcome WebhookOutcome) error {
	event := &WebhookEvent{
		ID:          s.node.Generate().String(),
		Provider:    provider,
		ExternalRef: externalRef,
		SourceAddr:  sourceAddr,
		Outcome:     outcome,
		ReceivedAt:  time.Now(),
	}
	return s.db.WithContext(ctx).Create(event).Error
}

type TransactionFilter struct {
	UserID int64
	Kind   TransactionKind
	Limit  int
	Offset int
}

func (s *Store) ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, error) {
	q := s.db.WithContext(ctx).Model(&Transaction{}).Order("created_at DESC")
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}

	var txns []Transaction
	if err := q.Limit(f.Limit).Offset(f.Offset).Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

type AdminLogFilter struct {
	ActorID      int64
	TargetUserID int64
	Limit        int
	Offset       int
}

func (s *Store) ListAdminLogs(ctx context.Context, f AdminLogFilter) ([]AdminLog, error) {
	q := s.db.WithContext(ctx).Model(&AdminLog{}).Order("created_at DESC")
	if f.ActorID != 0 {
		q = q.Where("actor_id = ?", f.ActorID)
	}
	if f.TargetUserID != 0 {
		q = q.Where("target_user_id = ?", f.TargetUserID)
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}

	var logs []AdminLog
	if err := q.Limit(f.Limit).Offset(f.Offset).Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// ListWebhookEvents returns the delivery audit trail for one external ref.
func (s *Store) ListWebhookEvents(ctx context.Context, provider, externalRef string) ([]WebhookEvent, error) {
	var events []WebhookEvent
	err := s.db.WithContext(ctx).
		Where("provider = ? AND external_ref = ?", provider, externalRef).
		Order("received_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// SeedAdmin creates the configured admin account with its starting balance on
// first start. Re-running is a no-op.
func (s *Store) SeedAdmin(ctx context.Context, userID, credits int64) error {
	if userID == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing User
		err := tx.First(&existing, "telegram_id = ?", userID).Error
		if err == nil {
			if existing.IsAdmin {
				return nil
			}
			return tx.Model(&User{}).
				Where("telegram_id = ?", userID).
				Update("is_admin", true).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		user := User{TelegramID: userID, Credits: credits, IsAdmin: true}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}

		if credits > 0 {
			seed := &Transaction{
				ID:     s.node.Generate().String(),
				UserID: userID,
				Kind:   KindAdminGrant,
				Amount: credits,
				Status: StatusApplied,
				Reason: "initial admin balance",
			}
			return tx.Create(seed).Error
		}
		return nil
	})
}

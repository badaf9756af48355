package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"veogen-credits/pkg/config"
	"veogen-credits/pkg/taskname"
	"veogen-credits/services/ledger"
	"veogen-credits/services/purchase"
	"veogen-credits/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type capturedTask struct {
	task  *asynq.Task
	queue string
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []capturedTask
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	queue := taskname.QueueDefault
	for _, opt := range opts {
		if opt.Type() == asynq.QueueOpt {
			if q, ok := opt.Value().(string); ok {
				queue = q
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, capturedTask{task: t, queue: queue})
	return &asynq.TaskInfo{}, nil
}

func (f *fakeEnqueuer) byType(name string) []*asynq.Task {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*asynq.Task
	for _, c := range f.tasks {
		if c.task.Type() == name {
			out = append(out, c.task)
		}
	}
	return out
}

func (f *fakeEnqueuer) queuesFor(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, c := range f.tasks {
		if c.task.Type() == name {
			out = append(out, c.queue)
		}
	}
	return out
}

type testEnv struct {
	engine    *Engine
	store     *ledger.Store
	purchases *purchase.Service
	enqueuer  *fakeEnqueuer
	db        *gorm.DB
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	models := append(ledger.Models(), &purchase.PendingPurchase{})
	db := testutil.NewTestDB(t, models...)

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Payments.PurchaseTTL = time.Hour

	store := ledger.NewStore(ledger.StoreParams{DB: db, Node: node})
	purchases := purchase.NewService(purchase.ServiceParams{DB: db, Node: node, Config: cfg})
	enqueuer := &fakeEnqueuer{}

	engine := NewEngine(EngineParams{Store: store, Purchases: purchases, Enqueuer: enqueuer})
	engine.baseDelay = time.Millisecond

	return &testEnv{engine: engine, store: store, purchases: purchases, enqueuer: enqueuer, db: db}
}

func (env *testEnv) grant(t *testing.T, userID, amount int64) {
	t.Helper()
	ctx := context.Background()

	_, err := env.store.CreateUserIfAbsent(ctx, userID, "", "")
	require.NoError(t, err)
	_, err = env.store.ApplyTransaction(ctx, ledger.TransactionParams{
		UserID: userID, Kind: ledger.KindAdminGrant, Amount: amount, Reason: "test seed",
	})
	require.NoError(t, err)
}

func TestSpendCredits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, 42, 50)

	res, err := env.engine.SpendCredits(ctx, 42, 10, "video generation")
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.Equal(t, int64(40), res.NewBalance)
	require.Equal(t, ledger.KindSpend, res.Transaction.Kind)
	require.Equal(t, int64(-10), res.Transaction.Amount)

	notifications := env.enqueuer.byType(taskname.BalanceChanged)
	require.Len(t, notifications, 1)

	var payload BalanceChangedPayload
	require.NoError(t, json.Unmarshal(notifications[0].Payload(), &payload))
	require.Equal(t, int64(42), payload.UserID)
	require.Equal(t, int64(40), payload.NewBalance)
}

func TestBalanceNotificationUsesNotifyQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, 42, 50)

	_, err := env.engine.SpendCredits(ctx, 42, 10, "video generation")
	require.NoError(t, err)

	// the settlement worker never consumes notify; the bot collaborator does
	require.Equal(t, []string{taskname.QueueNotify}, env.enqueuer.queuesFor(taskname.BalanceChanged))
}

func TestSpendCreditsInsufficient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, 42, 5)

	_, err := env.engine.SpendCredits(ctx, 42, 10, "video generation")
	require.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	balance, err := env.store.GetBalance(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, int64(5), balance)

	require.Empty(t, env.enqueuer.byType(taskname.BalanceChanged))
}

func TestSpendCreditsBadAmount(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.SpendCredits(context.Background(), 42, 0, "x")
	require.ErrorIs(t, err, ErrBadAmount)

	_, err = env.engine.SpendCredits(context.Background(), 42, -10, "x")
	require.ErrorIs(t, err, ErrBadAmount)
}

func TestCreditFromStarsPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.purchases.BeginStarsPurchase(ctx, 42, "package_5")
	require.NoError(t, err)

	res, err := env.engine.CreditFromStarsPayment(ctx, StarsPayment{
		UserID: 42, PayloadUserID: 42, PackageID: "package_5",
		StarsAmount: 399, ChargeID: "charge-1",
	})
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.Equal(t, int64(50), res.NewBalance)
	require.Equal(t, ledger.KindPurchaseStars, res.Transaction.Kind)

	// the pending purchase completed in the same unit
	_, err = env.purchases.FindAwaitingForUser(ctx, 42, "package_5")
	require.ErrorIs(t, err, purchase.ErrPurchaseNotFound)

	require.Len(t, env.enqueuer.byType(taskname.BalanceChanged), 1)
}

func TestCreditFromStarsPaymentPayerMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.purchases.BeginStarsPurchase(ctx, 42, "package_5")
	require.NoError(t, err)

	_, err = env.engine.CreditFromStarsPayment(ctx, StarsPayment{
		UserID: 43, PayloadUserID: 42, PackageID: "package_5",
		StarsAmount: 399, ChargeID: "charge-1",
	})
	require.ErrorIs(t, err, ErrPayerMismatch)

	// nothing settled for either account
	_, err = env.store.GetBalance(ctx, 43)
	require.ErrorIs(t, err, ledger.ErrUserNotFound)
}

func TestCreditFromStarsPaymentAmountMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.purchases.BeginStarsPurchase(ctx, 42, "package_5")
	require.NoError(t, err)

	_, err = env.engine.CreditFromStarsPayment(ctx, StarsPayment{
		UserID: 42, PayloadUserID: 42, PackageID: "package_5",
		StarsAmount: 398, ChargeID: "charge-1",
	})
	require.ErrorIs(t, err, ErrAmountMismatch)
}

func TestCreditFromStarsPaymentUnknownPackage(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.CreditFromStarsPayment(context.Background(), StarsPayment{
		UserID: 42, PayloadUserID: 42, PackageID: "package_9000",
		StarsAmount: 399, ChargeID: "charge-1",
	})
	require.ErrorIs(t, err, purchase.ErrUnknownPackage)
}

func TestCreditFromStarsPaymentReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.purchases.BeginStarsPurchase(ctx, 42, "package_5")
	require.NoError(t, err)

	event := StarsPayment{
		UserID: 42, PayloadUserID: 42, PackageID: "package_5",
		StarsAmount: 399, ChargeID: "charge-1",
	}

	first, err := env.engine.CreditFromStarsPayment(ctx, event)
	require.NoError(t, err)

	second, err := env.engine.CreditFromStarsPayment(ctx, event)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Transaction.ID, second.Transaction.ID)
	require.Equal(t, int64(50), second.NewBalance)

	// replays never notify
	require.Len(t, env.enqueuer.byType(taskname.BalanceChanged), 1)
}

func TestCreditFromStarsPaymentConcurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.purchases.BeginStarsPurchase(ctx, 42, "package_5")
	require.NoError(t, err)

	event := StarsPayment{
		UserID: 42, PayloadUserID: 42, PackageID: "package_5",
		StarsAmount: 399, ChargeID: "charge-racy",
	}

	const workers = 6

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied, replayed := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			res, err := env.engine.CreditFromStarsPayment(ctx, event)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if res.Replayed {
				replayed++
			} else {
				applied++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, applied)
	require.Equal(t, workers-1, replayed)

	balance, err := env.store.GetBalance(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, int64(50), balance)
}

func TestCreditFromProviderPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	db := env.db
	pending := &purchase.PendingPurchase{
		ID: "p-1", UserID: 42, PackageID: "package_50", Credits: 550,
		ExpectedAmount: 3499, Provider: ledger.ProviderYookassa,
		ProviderPaymentID: "pay-123", Status: purchase.StatusAwaitingPayment,
	}
	require.NoError(t, db.Create(pending).Error)

	res, err := env.engine.CreditFromProviderPayment(ctx, ProviderPayment{
		PaymentID: "pay-123", UserID: 42, PackageID: "package_50", AmountRUB: 3499,
	})
	require.NoError(t, err)
	require.Equal(t, int64(550), res.NewBalance)
	require.Equal(t, ledger.KindPurchaseProvider, res.Transaction.Kind)
	require.NotNil(t, res.Transaction.ExternalRef)
	require.Equal(t, "pay-123", *res.Transaction.ExternalRef)
}

func TestCreditFromProviderPaymentAmountMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	db := env.db
	require.NoError(t, db.Create(&purchase.PendingPurchase{
		ID: "p-1", UserID: 42, PackageID: "package_50", Credits: 550,
		ExpectedAmount: 3499, Provider: ledger.ProviderYookassa,
		ProviderPaymentID: "pay-123", Status: purchase.StatusAwaitingPayment,
	}).Error)

	_, err := env.engine.CreditFromProviderPayment(ctx, ProviderPayment{
		PaymentID: "pay-123", UserID: 42, PackageID: "package_50", AmountRUB: 349,
	})
	require.ErrorIs(t, err, ErrAmountMismatch)

	_, err = env.engine.CreditFromProviderPayment(ctx, ProviderPayment{
		PaymentID: "pay-123", UserID: 99, PackageID: "package_50", AmountRUB: 3499,
	})
	require.ErrorIs(t, err, ErrPayerMismatch)
}

func TestCreditFromProviderPaymentUnknownPayment(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.CreditFromProviderPayment(context.Background(), ProviderPayment{
		PaymentID: "pay-unknown", UserID: 42, AmountRUB: 3499,
	})
	require.ErrorIs(t, err, purchase.ErrPurchaseNotFound)
}

func TestGrantAdminCredit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.SeedAdmin(ctx, 7, 0))
	env.grant(t, 42, 0)

	res, err := env.engine.GrantAdminCredit(ctx, 7, 42, 35, "compensation")
	require.NoError(t, err)
	require.Equal(t, int64(35), res.NewBalance)
	require.Equal(t, ledger.KindAdminGrant, res.Transaction.Kind)

	logs, err := env.store.ListAdminLogs(ctx, ledger.AdminLogFilter{ActorID: 7})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "grant_credits", logs[0].Action)
	require.Equal(t, int64(42), logs[0].TargetUserID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(logs[0].Payload, &payload))
	require.Equal(t, "compensation", payload["reason"])
	require.EqualValues(t, 35, payload["amount"])

	require.Len(t, env.enqueuer.byType(taskname.BalanceChanged), 1)
}

func TestGrantAdminCreditCorrection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.SeedAdmin(ctx, 7, 0))
	env.grant(t, 42, 50)

	res, err := env.engine.GrantAdminCredit(ctx, 7, 42, -20, "refund reversal")
	require.NoError(t, err)
	require.Equal(t, int64(30), res.NewBalance)
	require.Equal(t, ledger.KindAdminCorrection, res.Transaction.Kind)

	logs, err := env.store.ListAdminLogs(ctx, ledger.AdminLogFilter{ActorID: 7})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "correct_credits", logs[0].Action)
}

func TestGrantAdminCreditUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.grant(t, 8, 0) // not an admin
	env.grant(t, 42, 5)

	_, err := env.engine.GrantAdminCredit(ctx, 8, 42, 35, "compensation")
	require.ErrorIs(t, err, ErrUnauthorized)

	// rejected before any ledger touch
	balance, err := env.store.GetBalance(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, int64(5), balance)

	logs, err := env.store.ListAdminLogs(ctx, ledger.AdminLogFilter{ActorID: 8})
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestGrantAdminCreditMissingReason(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.SeedAdmin(ctx, 7, 0))

	_, err := env.engine.GrantAdminCredit(ctx, 7, 42, 35, "")
	require.ErrorIs(t, err, ErrMissingReason)

	_, err = env.engine.GrantAdminCredit(ctx, 7, 42, 0, "zero")
	require.ErrorIs(t, err, ErrBadAmount)
}

func TestSettleDispatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, 42, 50)

	res, err := env.engine.Settle(ctx, Debit{UserID: 42, Amount: 10, Reason: "video generation"})
	require.NoError(t, err)
	require.Equal(t, int64(40), res.NewBalance)
}

func TestIsTransient(t *testing.T) {
	require.False(t, isTransient(ledger.ErrInsufficientCredits))
	require.False(t, isTransient(ledger.ErrDuplicateEvent))
	require.False(t, isTransient(ledger.ErrUserNotFound))
	require.False(t, isTransient(purchase.ErrAlreadyCompleted))
	require.False(t, isTransient(context.Canceled))
	require.True(t, isTransient(errors.New("connection reset by peer")))
}

func newReconcileEnv(t *testing.T, providerURL string) *testEnv {
	t.Helper()

	models := append(ledger.Models(), &purchase.PendingPurchase{})
	db := testutil.NewTestDB(t, models...)

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Payments.PurchaseTTL = time.Hour
	cfg.Payments.Provider.BaseURL = providerURL
	cfg.Payments.Provider.ShopID = "shop-1"
	cfg.Payments.Provider.SecretKey = "sk-test"

	store := ledger.NewStore(ledger.StoreParams{DB: db, Node: node})
	client := purchase.NewProviderClient(cfg)
	purchases := purchase.NewService(purchase.ServiceParams{DB: db, Node: node, Client: client, Config: cfg})
	enqueuer := &fakeEnqueuer{}

	engine := NewEngine(EngineParams{Store: store, Purchases: purchases, Enqueuer: enqueuer})
	engine.baseDelay = time.Millisecond

	return &testEnv{engine: engine, store: store, purchases: purchases, enqueuer: enqueuer, db: db}
}

func TestReconcileProviderPayments(t *testing.T) {
	statuses := map[string]string{
		"pay-77": "succeeded",
		"pay-88": "pending",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/payments/")
		status, ok := statuses[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     id,
			"status": status,
			"amount": map[string]string{"value": "3499.00", "currency": "RUB"},
		})
	}))
	defer srv.Close()

	env := newReconcileEnv(t, srv.URL)
	ctx := context.Background()

	stale := time.Now().Add(-time.Hour)
	require.NoError(t, env.db.Create(&purchase.PendingPurchase{
		ID: "p-1", UserID: 42, PackageID: "package_50", Credits: 550,
		ExpectedAmount: 3499, Provider: ledger.ProviderYookassa,
		ProviderPaymentID: "pay-77", Status: purchase.StatusAwaitingPayment,
		CreatedAt: stale,
	}).Error)
	// still unpaid at the provider
	require.NoError(t, env.db.Create(&purchase.PendingPurchase{
		ID: "p-2", UserID: 43, PackageID: "package_50", Credits: 550,
		ExpectedAmount: 3499, Provider: ledger.ProviderYookassa,
		ProviderPaymentID: "pay-88", Status: purchase.StatusAwaitingPayment,
		CreatedAt: stale,
	}).Error)
	// recent enough that the webhook may still arrive
	require.NoError(t, env.db.Create(&purchase.PendingPurchase{
		ID: "p-3", UserID: 44, PackageID: "package_50", Credits: 550,
		ExpectedAmount: 3499, Provider: ledger.ProviderYookassa,
		ProviderPaymentID: "pay-fresh", Status: purchase.StatusAwaitingPayment,
	}).Error)

	applied, err := env.engine.ReconcileProviderPayments(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	balance, err := env.store.GetBalance(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, int64(550), balance)

	// the unpaid purchase stays awaiting
	_, err = env.purchases.FindAwaitingByPaymentID(ctx, "pay-88")
	require.NoError(t, err)

	// the fresh purchase was never asked about
	_, err = env.purchases.FindAwaitingByPaymentID(ctx, "pay-fresh")
	require.NoError(t, err)

	// a second sweep settles nothing new
	applied, err = env.engine.ReconcileProviderPayments(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, applied)

	require.Len(t, env.enqueuer.byType(taskname.BalanceChanged), 1)
}

func TestReconcileSurvivesProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	env := newReconcileEnv(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, env.db.Create(&purchase.PendingPurchase{
		ID: "p-1", UserID: 42, PackageID: "package_50", Credits: 550,
		ExpectedAmount: 3499, Provider: ledger.ProviderYookassa,
		ProviderPaymentID: "pay-77", Status: purchase.StatusAwaitingPayment,
		CreatedAt: time.Now().Add(-time.Hour),
	}).Error)

	applied, err := env.engine.ReconcileProviderPayments(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, applied)

	// left awaiting for the next sweep
	_, err = env.purchases.FindAwaitingByPaymentID(ctx, "pay-77")
	require.NoError(t, err)
}

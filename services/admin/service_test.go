package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"veogen-credits/pkg/config"
	"veogen-credits/pkg/ratelimit"
	"veogen-credits/services/ledger"
	"veogen-credits/services/purchase"
	"veogen-credits/services/settlement"
	"veogen-credits/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type adminEnv struct {
	router  *gin.Engine
	store   *ledger.Store
	service *Service
}

func newAdminEnv(t *testing.T, spendCapacity int) *adminEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	models := append(ledger.Models(), &purchase.PendingPurchase{})
	db := testutil.NewTestDB(t, models...)

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Payments.PurchaseTTL = time.Hour

	store := ledger.NewStore(ledger.StoreParams{DB: db, Node: node})
	purchases := purchase.NewService(purchase.ServiceParams{DB: db, Node: node, Config: cfg})
	engine := settlement.NewEngine(settlement.EngineParams{Store: store, Purchases: purchases})
	service := NewService(ServiceParams{DB: db, Store: store})
	handler := NewHandler(HandlerParams{Service: service, Engine: engine, Store: store, Purchases: purchases})

	limiter := ratelimit.New(spendCapacity, time.Minute, ratelimit.SystemClock)

	router := gin.New()
	registerRoutes(routeParams{Router: router, Handler: handler, Limiter: limiter})

	require.NoError(t, store.SeedAdmin(context.Background(), 7, 100))

	return &adminEnv{router: router, store: store, service: service}
}

func (env *adminEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func TestGrantCredits(t *testing.T) {
	env := newAdminEnv(t, 100)
	ctx := context.Background()

	_, err := env.store.CreateUserIfAbsent(ctx, 42, "", "")
	require.NoError(t, err)

	w := env.do(http.MethodPost, "/v1/admin/credits/grant", gin.H{
		"actor_id": 7, "user_id": 42, "amount": 35, "reason": "compensation",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		TransactionID string `json:"transaction_id"`
		NewBalance    int64  `json:"new_balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TransactionID)
	require.Equal(t, int64(35), resp.NewBalance)

	logs, err := env.store.ListAdminLogs(ctx, ledger.AdminLogFilter{ActorID: 7})
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestGrantCreditsUnauthorizedActor(t *testing.T) {
	env := newAdminEnv(t, 100)
	ctx := context.Background()

	_, err := env.store.CreateUserIfAbsent(ctx, 8, "", "")
	require.NoError(t, err)
	_, err = env.store.CreateUserIfAbsent(ctx, 42, "", "")
	require.NoError(t, err)

	w := env.do(http.MethodPost, "/v1/admin/credits/grant", gin.H{
		"actor_id": 8, "user_id": 42, "amount": 35, "reason": "compensation",
	})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestGrantCreditsMissingReason(t *testing.T) {
	env := newAdminEnv(t, 100)

	w := env.do(http.MethodPost, "/v1/admin/credits/grant", gin.H{
		"actor_id": 7, "user_id": 42, "amount": 35,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGrantCreditsUnknownTarget(t *testing.T) {
	env := newAdminEnv(t, 100)

	w := env.do(http.MethodPost, "/v1/admin/credits/grant", gin.H{
		"actor_id": 7, "user_id": 404, "amount": 35, "reason": "compensation",
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSpendCredits(t *testing.T) {
	env := newAdminEnv(t, 100)

	w := env.do(http.MethodPost, "/v1/users/7/spend", gin.H{
		"amount": 10, "reason": "video generation",
	})
	require.Equal(t, http.StatusOK, w.Code)

	balance, err := env.store.GetBalance(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, int64(90), balance)
}

func TestSpendCreditsInsufficient(t *testing.T) {
	env := newAdminEnv(t, 100)

	w := env.do(http.MethodPost, "/v1/users/7/spend", gin.H{
		"amount": 1000, "reason": "video generation",
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	balance, err := env.store.GetBalance(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)
}

func TestSpendCreditsRateLimited(t *testing.T) {
	env := newAdminEnv(t, 1)

	first := env.do(http.MethodPost, "/v1/users/7/spend", gin.H{"amount": 10, "reason": "x"})
	require.Equal(t, http.StatusOK, first.Code)

	second := env.do(http.MethodPost, "/v1/users/7/spend", gin.H{"amount": 10, "reason": "x"})
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestGetBalance(t *testing.T) {
	env := newAdminEnv(t, 100)

	w := env.do(http.MethodGet, "/v1/users/7/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		UserID  int64 `json:"user_id"`
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, int64(100), resp.Balance)

	missing := env.do(http.MethodGet, "/v1/users/404/balance", nil)
	require.Equal(t, http.StatusNotFound, missing.Code)
}

func TestAuditLogsEndpoint(t *testing.T) {
	env := newAdminEnv(t, 100)
	ctx := context.Background()

	_, err := env.store.CreateUserIfAbsent(ctx, 42, "", "")
	require.NoError(t, err)

	grant := env.do(http.MethodPost, "/v1/admin/credits/grant", gin.H{
		"actor_id": 7, "user_id": 42, "amount": 35, "reason": "compensation",
	})
	require.Equal(t, http.StatusOK, grant.Code)

	w := env.do(http.MethodGet, "/v1/admin/audit-logs?actor_id=7", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		AuditLogs []ledger.AdminLog `json:"audit_logs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.AuditLogs, 1)
	require.Equal(t, "grant_credits", resp.AuditLogs[0].Action)
}

func TestTransactionsEndpoint(t *testing.T) {
	env := newAdminEnv(t, 100)

	spend := env.do(http.MethodPost, "/v1/users/7/spend", gin.H{"amount": 10, "reason": "x"})
	require.Equal(t, http.StatusOK, spend.Code)

	w := env.do(http.MethodGet, fmt.Sprintf("/v1/admin/transactions?user_id=%d&kind=%s", 7, ledger.KindSpend), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Transactions []ledger.Transaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Transactions, 1)
	require.Equal(t, int64(-10), resp.Transactions[0].Amount)
}

func TestStats(t *testing.T) {
	env := newAdminEnv(t, 100)
	ctx := context.Background()

	_, err := env.store.CreateUserIfAbsent(ctx, 42, "", "")
	require.NoError(t, err)

	stats, err := env.service.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.TotalUsers)
	require.Equal(t, int64(100), stats.TotalCreditsInBank)
	require.Equal(t, int64(1), stats.AppliedTransactions) // the admin seed
	require.Equal(t, int64(1), stats.AdminCount)

	w := env.do(http.MethodGet, "/v1/admin/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestListPackages(t *testing.T) {
	env := newAdminEnv(t, 100)

	w := env.do(http.MethodGet, "/v1/packages", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Packages []purchase.Package `json:"packages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Packages, 4)
}

func TestBeginStarsPurchaseEndpoint(t *testing.T) {
	env := newAdminEnv(t, 100)

	w := env.do(http.MethodPost, "/v1/purchases/stars", gin.H{
		"user_id": 42, "package_id": "package_5",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var invoice purchase.StarsInvoice
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &invoice))
	require.Equal(t, "credits_package_5_42", invoice.Payload)
	require.Equal(t, int64(399), invoice.AmountStars)

	unknown := env.do(http.MethodPost, "/v1/purchases/stars", gin.H{
		"user_id": 42, "package_id": "package_9000",
	})
	require.Equal(t, http.StatusBadRequest, unknown.Code)
}

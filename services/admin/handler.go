package admin

import (
	"errors"
	"net/http"
	"strconv"

	"veogen-credits/pkg/errutil"
	"veogen-credits/services/ledger"
	"veogen-credits/services/purchase"
	"veogen-credits/services/settlement"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

// Handler is the internal HTTP API consumed by the bot collaborator and
// operator tooling. Actor authorization for grants lives in the engine, not
// here.
type Handler struct {
	service   *Service
	engine    *settlement.Engine
	store     *ledger.Store
	purchases *purchase.Service
}

type HandlerParams struct {
	fx.In
	Service   *Service
	Engine    *settlement.Engine
	Store     *ledger.Store
	Purchases *purchase.Service
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{service: p.Service, engine: p.Engine, store: p.Store, purchases: p.Purchases}
}

type grantRequest struct {
	ActorID int64  `json:"actor_id" binding:"required"`
	UserID  int64  `json:"user_id" binding:"required"`
	Amount  int64  `json:"amount" binding:"required"`
	Reason  string `json:"reason"`
}

func (h *Handler) GrantCredits(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid grant request", err))
		return
	}

	res, err := h.engine.GrantAdminCredit(c.Request.Context(), req.ActorID, req.UserID, req.Amount, req.Reason)
	if err != nil {
		c.Error(settleError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction_id": res.Transaction.ID,
		"new_balance":    res.NewBalance,
	})
}

type spendRequest struct {
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason"`
}

func (h *Handler) SpendCredits(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.Error(errutil.BadRequest("invalid user id", err))
		return
	}

	var req spendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid spend request", err))
		return
	}

	res, err := h.engine.SpendCredits(c.Request.Context(), userID, req.Amount, req.Reason)
	if err != nil {
		c.Error(settleError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction_id": res.Transaction.ID,
		"new_balance":    res.NewBalance,
	})
}

func (h *Handler) GetBalance(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.Error(errutil.BadRequest("invalid user id", err))
		return
	}

	balance, err := h.store.GetBalance(c.Request.Context(), userID)
	if err != nil {
		c.Error(settleError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance})
}

func (h *Handler) AuditLogs(c *gin.Context) {
	f := ledger.AdminLogFilter{
		ActorID:      queryInt64(c, "actor_id"),
		TargetUserID: queryInt64(c, "target_user_id"),
		Limit:        int(queryInt64(c, "limit")),
		Offset:       int(queryInt64(c, "offset")),
	}

	logs, err := h.service.AuditLogs(c.Request.Context(), f)
	if err != nil {
		c.Error(errutil.Internal("failed to list audit logs", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit_logs": logs})
}

func (h *Handler) Transactions(c *gin.Context) {
	f := ledger.TransactionFilter{
		UserID: queryInt64(c, "user_id"),
		Kind:   ledger.TransactionKind(c.Query("kind")),
		Limit:  int(queryInt64(c, "limit")),
		Offset: int(queryInt64(c, "offset")),
	}

	txns, err := h.service.Transactions(c.Request.Context(), f)
	if err != nil {
		c.Error(errutil.Internal("failed to list transactions", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		c.Error(errutil.Internal("failed to compute stats", err))
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) ListPackages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"packages": purchase.Catalog()})
}

type beginPurchaseRequest struct {
	UserID    int64  `json:"user_id" binding:"required"`
	PackageID string `json:"package_id" binding:"required"`
}

func (h *Handler) BeginStarsPurchase(c *gin.Context) {
	var req beginPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid purchase request", err))
		return
	}

	invoice, err := h.purchases.BeginStarsPurchase(c.Request.Context(), req.UserID, req.PackageID)
	if err != nil {
		c.Error(settleError(err))
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func (h *Handler) BeginProviderPurchase(c *gin.Context) {
	var req beginPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid purchase request", err))
		return
	}

	checkout, err := h.purchases.BeginProviderPurchase(c.Request.Context(), req.UserID, req.PackageID)
	if err != nil {
		c.Error(settleError(err))
		return
	}
	c.JSON(http.StatusOK, checkout)
}

func queryInt64(c *gin.Context, key string) int64 {
	v, _ := strconv.ParseInt(c.Query(key), 10, 64)
	return v
}

// settleError maps domain sentinels onto the HTTP error taxonomy.
func settleError(err error) error {
	switch {
	case errors.Is(err, settlement.ErrUnauthorized):
		return errutil.Forbidden("actor is not an admin", err)
	case errors.Is(err, settlement.ErrMissingReason),
		errors.Is(err, settlement.ErrBadAmount):
		return errutil.BadRequest(err.Error(), nil)
	case errors.Is(err, ledger.ErrUserNotFound),
		errors.Is(err, purchase.ErrPurchaseNotFound):
		return errutil.NotFound(err.Error(), nil)
	case errors.Is(err, purchase.ErrUnknownPackage):
		return errutil.BadRequest(err.Error(), nil)
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return errutil.UnprocessableEntity("insufficient credits", err)
	case errors.Is(err, settlement.ErrAmountMismatch),
		errors.Is(err, settlement.ErrPayerMismatch):
		return errutil.UnprocessableEntity(err.Error(), nil)
	default:
		return errutil.Internal("settlement failed", err)
	}
}

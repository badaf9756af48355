package webhook

import (
	"errors"
	"io"
	"net/http"
	"net/netip"

	"veogen-credits/services/ledger"
	"veogen-credits/services/purchase"
	"veogen-credits/services/settlement"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// SignatureHeader carries the provider's hex HMAC over the raw body.
const SignatureHeader = "X-Payment-Signature"

const maxBodyBytes = 1 << 20

// Handler terminates provider webhook deliveries: verify, settle, audit.
type Handler struct {
	verifier *Verifier
	engine   *settlement.Engine
	store    *ledger.Store
}

type HandlerParams struct {
	fx.In
	Verifier *Verifier
	Engine   *settlement.Engine
	Store    *ledger.Store
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{verifier: p.Verifier, engine: p.Engine, store: p.Store}
}

// HandlePayment processes POST /webhook/payments. Processed and duplicate
// deliveries answer 200 so the provider stops retrying; rejections answer
// with their real status so misconfigured senders surface quickly.
func (h *Handler) HandlePayment(c *gin.Context) {
	ctx := c.Request.Context()

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.String(http.StatusBadRequest, "unreadable body")
		return
	}

	sourceIP := c.ClientIP()
	ref := ExternalRef(raw)

	record := func(outcome ledger.WebhookOutcome) {
		if err := h.store.RecordWebhookEvent(ctx, ledger.ProviderYookassa, ref, sourceIP, outcome); err != nil {
			zap.L().Error("failed to record webhook event", zap.Error(err))
		}
	}

	addr, err := netip.ParseAddr(sourceIP)
	if err != nil {
		zap.L().Warn("webhook with unparseable source address", zap.String("source", sourceIP))
		record(ledger.OutcomeRejectedSource)
		c.String(http.StatusForbidden, "forbidden")
		return
	}
	if err := h.verifier.VerifySource(addr); err != nil {
		zap.L().Warn("webhook from untrusted source",
			zap.String("source", sourceIP), zap.String("external_ref", ref))
		record(ledger.OutcomeRejectedSource)
		c.String(http.StatusForbidden, "forbidden")
		return
	}

	if err := h.verifier.VerifySignature(raw, c.GetHeader(SignatureHeader)); err != nil {
		zap.L().Warn("webhook signature rejected", zap.String("external_ref", ref))
		record(ledger.OutcomeRejectedSignature)
		c.String(http.StatusUnauthorized, "unauthorized")
		return
	}

	payment, err := h.verifier.Parse(raw)
	if err != nil {
		if errors.Is(err, ErrIgnoredEvent) {
			zap.L().Info("ignoring webhook event", zap.Error(err))
			c.String(http.StatusOK, "OK")
			return
		}
		c.String(http.StatusBadRequest, "bad payload")
		return
	}

	res, err := h.engine.CreditFromProviderPayment(ctx, *payment)
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrAmountMismatch),
			errors.Is(err, settlement.ErrPayerMismatch),
			errors.Is(err, purchase.ErrPurchaseNotFound):
			zap.L().Warn("webhook failed purchase cross-check",
				zap.String("payment_id", payment.PaymentID), zap.Error(err))
			record(ledger.OutcomeRejectedAmount)
			c.String(http.StatusUnprocessableEntity, "unprocessable")
		default:
			zap.L().Error("webhook settlement failed",
				zap.String("payment_id", payment.PaymentID), zap.Error(err))
			c.String(http.StatusInternalServerError, "internal error")
		}
		return
	}

	if res.Replayed {
		record(ledger.OutcomeDuplicate)
	} else {
		record(ledger.OutcomeAccepted)
	}
	c.String(http.StatusOK, "OK")
}

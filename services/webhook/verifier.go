package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strconv"

	"veogen-credits/pkg/config"
	"veogen-credits/services/purchase"
	"veogen-credits/services/settlement"
)

var (
	// ErrBadSignature means the recomputed HMAC does not match the header,
	// or the header is absent.
	ErrBadSignature = errors.New("webhook signature mismatch")

	// ErrUntrustedSource means the delivery came from outside the provider's
	// published ranges. There is no loopback exemption.
	ErrUntrustedSource = errors.New("webhook source not in provider ranges")

	// ErrMalformedPayload means the body is not a parseable payment event.
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrIgnoredEvent means a well-formed event of a type that never settles.
	ErrIgnoredEvent = errors.New("ignored webhook event type")
)

const eventPaymentSucceeded = "payment.succeeded"

// Verifier decides whether a webhook delivery is authentic. All three checks
// (signature, source, amount cross-check downstream) are mandatory; the
// engine never sees a payload that failed any of them.
type Verifier struct {
	secret  []byte
	allowed []netip.Prefix
}

func NewVerifier(cfg *config.Config) (*Verifier, error) {
	v := &Verifier{}

	if s := cfg.Payments.Provider.WebhookSecret; s != "" {
		v.secret = []byte(s)
	}

	for _, raw := range cfg.Payments.Provider.AllowedCIDRs {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid provider CIDR %q: %w", raw, err)
		}
		v.allowed = append(v.allowed, prefix)
	}

	return v, nil
}

// VerifySignature recomputes HMAC-SHA256 over the exact raw bytes and
// compares in constant time. An unconfigured secret fails closed.
func (v *Verifier) VerifySignature(raw []byte, signature string) error {
	if len(v.secret) == 0 || signature == "" {
		return ErrBadSignature
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(raw)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrBadSignature
	}
	return nil
}

// VerifySource checks the delivery's source address against the provider
// ranges.
func (v *Verifier) VerifySource(addr netip.Addr) error {
	addr = addr.Unmap()
	for _, prefix := range v.allowed {
		if prefix.Contains(addr) {
			return nil
		}
	}
	return ErrUntrustedSource
}

type webhookBody struct {
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Amount struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"amount"`
		Metadata map[string]string `json:"metadata"`
	} `json:"object"`
}

// Parse turns the raw body into the typed settlement event. Only
// payment.succeeded settles; other well-formed events are ignored.
func (v *Verifier) Parse(raw []byte) (*settlement.ProviderPayment, error) {
	var body webhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, ErrMalformedPayload
	}
	if body.Event == "" || body.Object.ID == "" {
		return nil, ErrMalformedPayload
	}
	if body.Event != eventPaymentSucceeded {
		return nil, fmt.Errorf("%w: %s", ErrIgnoredEvent, body.Event)
	}

	userRaw, ok := body.Object.Metadata["user_id"]
	if !ok {
		return nil, ErrMalformedPayload
	}
	userID, err := strconv.ParseInt(userRaw, 10, 64)
	if err != nil {
		return nil, ErrMalformedPayload
	}

	amount, err := purchase.ParseAmount(body.Object.Amount.Value)
	if err != nil {
		return nil, ErrMalformedPayload
	}

	return &settlement.ProviderPayment{
		PaymentID: body.Object.ID,
		UserID:    userID,
		PackageID: body.Object.Metadata["package_id"],
		AmountRUB: amount,
	}, nil
}

// ExternalRef extracts the payment id for audit rows even when the event
// fails verification. Best effort; empty when the body is not JSON.
func ExternalRef(raw []byte) string {
	var body webhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.Object.ID
}

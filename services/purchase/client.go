package purchase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"veogen-credits/pkg/config"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProviderClient talks to the card payment provider's REST API.
type ProviderClient struct {
	baseURL   string
	shopID    string
	secretKey string
	returnURL string
	http      *http.Client
}

func NewProviderClient(cfg *config.Config) *ProviderClient {
	return &ProviderClient{
		baseURL:   cfg.Payments.Provider.BaseURL,
		shopID:    cfg.Payments.Provider.ShopID,
		secretKey: cfg.Payments.Provider.SecretKey,
		returnURL: cfg.Payments.Provider.ReturnURL,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

type providerAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type providerConfirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type createPaymentRequest struct {
	Amount            providerAmount       `json:"amount"`
	Confirmation      providerConfirmation `json:"confirmation"`
	Capture           bool                 `json:"capture"`
	Description       string               `json:"description"`
	Metadata          map[string]string    `json:"metadata"`
	PaymentMethodData struct {
		Type string `json:"type"`
	} `json:"payment_method_data"`
}

type paymentResponse struct {
	ID           string               `json:"id"`
	Status       string               `json:"status"`
	Amount       providerAmount       `json:"amount"`
	Confirmation providerConfirmation `json:"confirmation"`
	Metadata     map[string]string    `json:"metadata"`
}

// CreatedPayment is the provider's handle on a newly created payment.
type CreatedPayment struct {
	PaymentID       string
	ConfirmationURL string
}

// CreatePayment registers a redirect payment with the provider. The uuid
// Idempotence-Key makes the call safe to retry.
func (c *ProviderClient) CreatePayment(ctx context.Context, amountRUB int64, description string, userID int64, packageID string) (*CreatedPayment, error) {
	body := createPaymentRequest{
		Amount:       providerAmount{Value: fmt.Sprintf("%d.00", amountRUB), Currency: "RUB"},
		Confirmation: providerConfirmation{Type: "redirect", ReturnURL: c.returnURL},
		Capture:      true,
		Description:  description,
		Metadata: map[string]string{
			"user_id":    strconv.FormatInt(userID, 10),
			"package_id": packageID,
			"source":     "telegram_bot",
		},
	}
	body.PaymentMethodData.Type = "bank_card"

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.shopID, c.secretKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		zap.L().Error("provider payment create failed",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", msg))
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var out paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.ID == "" || out.Confirmation.ConfirmationURL == "" {
		return nil, fmt.Errorf("provider response missing payment id or confirmation url")
	}

	return &CreatedPayment{
		PaymentID:       out.ID,
		ConfirmationURL: out.Confirmation.ConfirmationURL,
	}, nil
}

// PaymentStatus is the provider's view of an existing payment.
type PaymentStatus struct {
	PaymentID string
	Status    string
	Paid      bool
	AmountRUB int64
	Metadata  map[string]string
}

// GetPayment fetches the current state of a payment. The reconciliation
// sweep uses it to settle purchases whose webhook never arrived.
func (c *ProviderClient) GetPayment(ctx context.Context, paymentID string) (*PaymentStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/payments/"+paymentID, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.shopID, c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, msg)
	}

	var out paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	amount, err := ParseAmount(out.Amount.Value)
	if err != nil {
		return nil, err
	}

	return &PaymentStatus{
		PaymentID: out.ID,
		Status:    out.Status,
		Paid:      out.Status == "succeeded",
		AmountRUB: amount,
		Metadata:  out.Metadata,
	}, nil
}

// ParseAmount converts the provider's decimal string ("399.00") into whole
// rubles. Fractional kopeks are rejected; the catalog never prices in them.
func ParseAmount(value string) (int64, error) {
	whole := value
	if i := strings.IndexByte(value, '.'); i >= 0 {
		frac := value[i+1:]
		for _, r := range frac {
			if r != '0' {
				return 0, fmt.Errorf("unexpected fractional amount %q", value)
			}
		}
		whole = value[:i]
	}
	return strconv.ParseInt(whole, 10, 64)
}

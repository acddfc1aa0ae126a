package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fernwood/billingcore/pkg/config"
	"github.com/fernwood/billingcore/pkg/types"
)

// CreemAdapter verifies creem webhooks with an HMAC-SHA256 of the raw body
// against the creem-signature header.
type CreemAdapter struct {
	cfg   config.CreemConfig
	httpc *http.Client
}

func NewCreemAdapter(cfg config.CreemConfig, httpc *http.Client) *CreemAdapter {
	return &CreemAdapter{cfg: cfg, httpc: httpc}
}

func (a *CreemAdapter) Name() types.PaymentProvider { return types.PaymentProviderCreem }

type creemWebhookPayload struct {
	ID        string `json:"id"`
	EventType string `json:"eventType"`
	CreatedAt int64  `json:"created_at"`
	Object    struct {
		ID    string `json:"id"`
		Order struct {
			ID string `json:"id"`
		} `json:"order"`
		Product struct {
			ID string `json:"id"`
		} `json:"product"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Customer struct {
			ID string `json:"id"`
		} `json:"customer"`
		Metadata map[string]string `json:"metadata"`
	} `json:"object"`
}

func (a *CreemAdapter) HandleWebhook(ctx context.Context, req *WebhookRequest) (*WebhookResult, error) {
	sig := req.Header.Get("creem-signature")
	if sig == "" || !verifyHMACHex(req.Body, a.cfg.WebhookSecret, sig) {
		return &WebhookResult{Verified: false}, nil
	}

	var payload creemWebhookPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return &WebhookResult{Verified: false}, nil
	}

	var eventType types.WebhookEventType
	switch payload.EventType {
	case "checkout.completed":
		eventType = types.WebhookEventTypePaymentSucceeded
	case "checkout.failed":
		eventType = types.WebhookEventTypePaymentFailed
	case "refund.created":
		eventType = types.WebhookEventTypeRefund
	default:
		// Authentic but irrelevant event types are acknowledged without effect.
		return &WebhookResult{Verified: true}, nil
	}

	orderID := payload.Object.Order.ID
	if orderID == "" {
		orderID = payload.Object.ID
	}
	occurredAt := time.Now()
	if payload.CreatedAt > 0 {
		occurredAt = time.UnixMilli(payload.CreatedAt)
	}

	return &WebhookResult{
		Verified: true,
		Event: &Event{
			Provider:       types.PaymentProviderCreem,
			EventID:        payload.ID,
			OrderID:        orderID,
			Type:           eventType,
			ProviderItemID: payload.Object.Product.ID,
			Amount:         payload.Object.Amount,
			Currency:       payload.Object.Currency,
			PayerID:        payload.Object.Customer.ID,
			UserID:         payload.Object.Metadata["user_id"],
			OccurredAt:     occurredAt,
		},
	}, nil
}

type creemOrderResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (a *CreemAdapter) QueryOrder(ctx context.Context, orderID string) (*OrderStatus, error) {
	url := fmt.Sprintf("%s/v1/orders/%s", a.cfg.APIBase, orderID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)

	resp, err := a.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrOrderNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var body creemOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	state := OrderStateUnknown
	switch body.Status {
	case "pending":
		state = OrderStatePending
	case "paid", "completed":
		state = OrderStatePaid
	case "refunded":
		state = OrderStateRefunded
	case "failed", "canceled":
		state = OrderStateFailed
	}
	return &OrderStatus{OrderID: body.ID, State: state, Amount: body.Amount, Currency: body.Currency}, nil
}

func verifyHMACHex(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

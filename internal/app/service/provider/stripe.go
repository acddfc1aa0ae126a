package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fernwood/billingcore/pkg/config"
	"github.com/fernwood/billingcore/pkg/types"
)

// stripeSignatureTolerance rejects replayed webhooks with stale timestamps.
const stripeSignatureTolerance = 5 * time.Minute

// StripeAdapter verifies the Stripe-Signature header: HMAC-SHA256 over
// "<t>.<raw body>" with the endpoint secret.
type StripeAdapter struct {
	cfg   config.StripeConfig
	httpc *http.Client
	now   func() time.Time
}

func NewStripeAdapter(cfg config.StripeConfig, httpc *http.Client) *StripeAdapter {
	return &StripeAdapter{cfg: cfg, httpc: httpc, now: time.Now}
}

func (a *StripeAdapter) Name() types.PaymentProvider { return types.PaymentProviderStripe }

type stripeWebhookPayload struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID          string            `json:"id"`
			AmountTotal int64             `json:"amount_total"`
			Currency    string            `json:"currency"`
			Customer    string            `json:"customer"`
			Metadata    map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func (a *StripeAdapter) HandleWebhook(ctx context.Context, req *WebhookRequest) (*WebhookResult, error) {
	header := req.Header.Get("Stripe-Signature")
	if header == "" {
		return &WebhookResult{Verified: false}, nil
	}

	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	if ts == "" || len(sigs) == 0 {
		return &WebhookResult{Verified: false}, nil
	}
	if sec, err := strconv.ParseInt(ts, 10, 64); err != nil {
		return &WebhookResult{Verified: false}, nil
	} else if d := a.now().Sub(time.Unix(sec, 0)); d > stripeSignatureTolerance || d < -stripeSignatureTolerance {
		return &WebhookResult{Verified: false}, nil
	}

	signed := append([]byte(ts+"."), req.Body...)
	verified := false
	for _, sig := range sigs {
		if verifyHMACHex(signed, a.cfg.WebhookSecret, sig) {
			verified = true
			break
		}
	}
	if !verified {
		return &WebhookResult{Verified: false}, nil
	}

	var payload stripeWebhookPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return &WebhookResult{Verified: false}, nil
	}

	var eventType types.WebhookEventType
	switch payload.Type {
	case "checkout.session.completed":
		eventType = types.WebhookEventTypePaymentSucceeded
	case "checkout.session.async_payment_failed", "payment_intent.payment_failed":
		eventType = types.WebhookEventTypePaymentFailed
	case "charge.refunded":
		eventType = types.WebhookEventTypeRefund
	default:
		return &WebhookResult{Verified: true}, nil
	}

	obj := payload.Data.Object
	occurredAt := a.now()
	if payload.Created > 0 {
		occurredAt = time.Unix(payload.Created, 0)
	}

	return &WebhookResult{
		Verified: true,
		Event: &Event{
			Provider:       types.PaymentProviderStripe,
			EventID:        payload.ID,
			OrderID:        obj.ID,
			Type:           eventType,
			ProviderItemID: obj.Metadata["item_id"],
			Amount:         obj.AmountTotal,
			Currency:       strings.ToUpper(obj.Currency),
			PayerID:        obj.Customer,
			UserID:         obj.Metadata["user_id"],
			OccurredAt:     occurredAt,
		},
	}, nil
}

type stripeSessionResponse struct {
	ID            string `json:"id"`
	PaymentStatus string `json:"payment_status"`
	Status        string `json:"status"`
	AmountTotal   int64  `json:"amount_total"`
	Currency      string `json:"currency"`
}

func (a *StripeAdapter) QueryOrder(ctx context.Context, orderID string) (*OrderStatus, error) {
	url := fmt.Sprintf("%s/v1/checkout/sessions/%s", a.cfg.APIBase, orderID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

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

	var body stripeSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	state := OrderStateUnknown
	switch {
	case body.PaymentStatus == "paid":
		state = OrderStatePaid
	case body.PaymentStatus == "unpaid" && body.Status == "open":
		state = OrderStatePending
	case body.Status == "expired":
		state = OrderStateFailed
	}
	return &OrderStatus{OrderID: body.ID, State: state, Amount: body.AmountTotal, Currency: strings.ToUpper(body.Currency)}, nil
}

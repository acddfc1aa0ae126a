package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fernwood/billingcore/pkg/types"
)

var (
	// ErrUnsupportedProvider means no adapter is registered for the name.
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrProviderUnavailable is a transient transport-level failure, safe to retry.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrOrderNotFound means the provider has no record of the order.
	ErrOrderNotFound = errors.New("order not found")
)

type OrderState string

const (
	OrderStatePending  OrderState = "pending"
	OrderStatePaid     OrderState = "paid"
	OrderStateRefunded OrderState = "refunded"
	OrderStateFailed   OrderState = "failed"
	OrderStateUnknown  OrderState = "unknown"
)

// OrderStatus is the provider's current settlement state of an order.
type OrderStatus struct {
	OrderID  string     `json:"order_id"`
	State    OrderState `json:"state"`
	Amount   int64      `json:"amount"`
	Currency string     `json:"currency"`
}

// WebhookRequest carries an inbound notification exactly as received.
// Body is the verbatim byte sequence; several providers sign it as-is and
// re-serializing breaks verification.
type WebhookRequest struct {
	Body   []byte
	Header http.Header
}

// Event is a verified, provider-neutral notification.
type Event struct {
	Provider       types.PaymentProvider  `json:"provider"`
	EventID        string                 `json:"event_id"`
	OrderID        string                 `json:"order_id"`
	Type           types.WebhookEventType `json:"type"`
	ProviderItemID string                 `json:"provider_item_id"`
	// Amount is in the currency's minor unit (cents).
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	PayerID  string `json:"payer_id"`
	// UserID is the internal user carried through provider passback fields.
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// WebhookResult is the outcome of webhook verification. Verified=false is a
// normal negative result for adversarial or malformed input, never an error.
type WebhookResult struct {
	Verified bool
	Event    *Event
}

// Adapter is the uniform contract one external payment processor satisfies.
type Adapter interface {
	Name() types.PaymentProvider
	// QueryOrder polls the provider for the current settlement state of a
	// previously created order. Read-only, safe to call repeatedly.
	QueryOrder(ctx context.Context, orderID string) (*OrderStatus, error)
	// HandleWebhook verifies an inbound notification and normalizes it.
	// Only transport-level faults return an error.
	HandleWebhook(ctx context.Context, req *WebhookRequest) (*WebhookResult, error)
}

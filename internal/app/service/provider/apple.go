package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awa/go-iap/appstore/api"

	"github.com/fernwood/billingcore/internal/platform/applejws"
	"github.com/fernwood/billingcore/pkg/config"
	"github.com/fernwood/billingcore/pkg/tool"
	"github.com/fernwood/billingcore/pkg/types"
)

// AppleAdapter handles App Store Server Notifications V2. Webhook bodies are
// JWS payloads verified through applejws; order queries go through the App
// Store Server API client.
type AppleAdapter struct {
	cfg    config.AppleIAPConfig
	client *api.StoreClient
}

func NewAppleAdapter(cfg config.AppleIAPConfig) (*AppleAdapter, error) {
	if cfg.BundleID == "" || cfg.KeyID == "" || cfg.KeyContent == "" {
		return nil, errors.New("apple iap credentials not configured")
	}
	client := api.NewStoreClient(&api.StoreConfig{
		KeyContent: []byte(cfg.KeyContent),
		KeyID:      cfg.KeyID,
		BundleID:   cfg.BundleID,
		Issuer:     cfg.Issuer,
		Sandbox:    !cfg.IsProd,
	})
	return &AppleAdapter{cfg: cfg, client: client}, nil
}

func (a *AppleAdapter) Name() types.PaymentProvider { return types.PaymentProviderApple }

type appleWebhookBody struct {
	SignedPayload string `json:"signedPayload"`
}

func (a *AppleAdapter) HandleWebhook(ctx context.Context, req *WebhookRequest) (*WebhookResult, error) {
	var body appleWebhookBody
	if err := json.Unmarshal(req.Body, &body); err != nil || body.SignedPayload == "" {
		return &WebhookResult{Verified: false}, nil
	}

	notification, err := applejws.Parse(body.SignedPayload)
	if err != nil {
		return &WebhookResult{Verified: false}, nil
	}
	if notification.IsTestNotification {
		return &WebhookResult{Verified: true}, nil
	}

	var eventType types.WebhookEventType
	switch notification.Payload.NotificationType {
	case "ONE_TIME_CHARGE", "SUBSCRIBED", "DID_RENEW":
		eventType = types.WebhookEventTypePaymentSucceeded
	case "REFUND":
		eventType = types.WebhookEventTypeRefund
	case "DID_FAIL_TO_RENEW", "GRACE_PERIOD_EXPIRED":
		eventType = types.WebhookEventTypePaymentFailed
	default:
		return &WebhookResult{Verified: true}, nil
	}

	txn := notification.TransactionInfo
	var userID string
	if txn.AppAccountToken != "" {
		if v, err := tool.AccountTokenToUserID(txn.AppAccountToken); err == nil {
			userID = v
		}
	}

	occurredAt := time.Now()
	if txn.PurchaseDate > 0 {
		occurredAt = time.UnixMilli(txn.PurchaseDate)
	}
	if eventType == types.WebhookEventTypeRefund && txn.RevocationDate > 0 {
		occurredAt = time.UnixMilli(txn.RevocationDate)
	}

	return &WebhookResult{
		Verified: true,
		Event: &Event{
			Provider:       types.PaymentProviderApple,
			EventID:        notification.Payload.NotificationUUID,
			OrderID:        txn.TransactionID,
			Type:           eventType,
			ProviderItemID: txn.ProductID,
			// Apple reports price in milliunits of the currency.
			Amount:     txn.Price / 10,
			Currency:   txn.Currency,
			PayerID:    txn.OriginalTransactionID,
			UserID:     userID,
			OccurredAt: occurredAt,
		},
	}, nil
}

func (a *AppleAdapter) QueryOrder(ctx context.Context, orderID string) (*OrderStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	resp, err := a.client.GetTransactionInfo(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if resp == nil || resp.SignedTransactionInfo == "" {
		return nil, ErrOrderNotFound
	}

	txn, err := applejws.ParseTransaction(resp.SignedTransactionInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	state := OrderStatePaid
	if txn.RevocationDate > 0 {
		state = OrderStateRefunded
	}
	return &OrderStatus{OrderID: txn.TransactionID, State: state, Amount: txn.Price / 10, Currency: txn.Currency}, nil
}

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fernwood/billingcore/internal/app/service/ledger"
	notificationlog "github.com/fernwood/billingcore/internal/app/service/notification_log"
	"github.com/fernwood/billingcore/internal/app/service/provider"
	"github.com/fernwood/billingcore/internal/app/service/subscription"
	"github.com/fernwood/billingcore/internal/models"
	"github.com/fernwood/billingcore/pkg/config"
	"github.com/fernwood/billingcore/pkg/logctx"
	"github.com/fernwood/billingcore/pkg/tool"
	"github.com/fernwood/billingcore/pkg/types"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrEventUnusable means a verified event cannot be applied: it names no user,
// or its provider item id maps to nothing in the catalog. The provider should
// not redeliver these.
var ErrEventUnusable = errors.New("event unusable")

// Service is the webhook ingestion pipeline: audit log, adapter verification,
// then an idempotent single-transaction apply of the event's business effect.
type Service struct {
	cfg       *config.Config
	db        *gorm.DB
	log       *zap.SugaredLogger
	registry  *provider.Registry
	ledgerSvc *ledger.Service
	subSvc    *subscription.Service
	notifSvc  *notificationlog.Service
	now       func() time.Time
}

func NewService(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger, registry *provider.Registry, ledgerSvc *ledger.Service, subSvc *subscription.Service, notifSvc *notificationlog.Service) *Service {
	return &Service{
		cfg:       cfg,
		db:        db,
		log:       log,
		registry:  registry,
		ledgerSvc: ledgerSvc,
		subSvc:    subSvc,
		notifSvc:  notifSvc,
		now:       time.Now,
	}
}

// IngestResult reports what a delivery did. Duplicate deliveries verify
// successfully but apply nothing.
type IngestResult struct {
	Verified  bool            `json:"verified"`
	Duplicate bool            `json:"duplicate"`
	Applied   bool            `json:"applied"`
	Event     *provider.Event `json:"event,omitempty"`
}

// Ingest runs one inbound notification through the pipeline. Verification
// failure is a normal negative result (Verified=false, nil error); errors are
// reserved for faults the provider should retry.
func (s *Service) Ingest(ctx context.Context, providerID types.PaymentProvider, req *provider.WebhookRequest) (res *IngestResult, resErr error) {
	adapter, err := s.registry.Get(providerID)
	if err != nil {
		return nil, err
	}

	traceID, _ := ctx.Value("traceID").(string)
	s.notifSvc.Save(ctx, &models.WebhookNotificationLog{
		ProviderID:       string(providerID),
		TraceID:          traceID,
		NotificationTime: s.now(),
		Data:             datatypes.JSON(req.Body),
		Status:           models.WebhookNotificationLogStatusReceived,
	})

	defer func() {
		entry := &models.WebhookNotificationLog{
			ProviderID:       string(providerID),
			TraceID:          traceID,
			NotificationTime: s.now(),
			Data:             datatypes.JSON(req.Body),
			Status:           models.WebhookNotificationLogStatusHandled,
		}
		resMap := map[string]any{"result": res}
		if resErr != nil {
			resMap["error"] = resErr.Error()
			entry.Status = models.WebhookNotificationLogStatusHandleFailed
		} else if res != nil && !res.Verified {
			entry.Status = models.WebhookNotificationLogStatusHandleFailed
		}
		if res != nil && res.Event != nil {
			entry.OrderID = res.Event.OrderID
			if res.Event.UserID != "" {
				entry.UserID = lo.ToPtr(res.Event.UserID)
			}
		}
		resBytes, _ := json.Marshal(resMap)
		entry.Result = lo.ToPtr(datatypes.JSON(resBytes))
		s.notifSvc.Save(ctx, entry)
	}()

	result, err := adapter.HandleWebhook(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("webhook handling failed: %w", err)
	}
	if !result.Verified {
		logctx.FromCtx(ctx, s.log).Warnw("webhook_rejected", "provider", providerID)
		return &IngestResult{Verified: false}, nil
	}
	if result.Event == nil {
		// Authentic notification with no billing effect (test pings, unmapped
		// event types, non-final trade states). Ack so the provider stops
		// redelivering.
		return &IngestResult{Verified: true}, nil
	}

	res, resErr = s.Apply(ctx, result.Event)
	return res, resErr
}

// Apply records the event receipt and its business effect in one database
// transaction. A duplicate receipt inserts nothing and skips the effect, so
// at-least-once delivery collapses to exactly-once application.
func (s *Service) Apply(ctx context.Context, event *provider.Event) (*IngestResult, error) {
	if event == nil || event.OrderID == "" {
		return nil, fmt.Errorf("%w: missing order id", ErrEventUnusable)
	}

	res := &IngestResult{Verified: true, Event: event}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		receipt, err := s.insertReceipt(ctx, tx, event)
		if err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				res.Duplicate = true
				logctx.FromCtx(ctx, s.log).Infow("webhook_duplicate",
					"provider", event.Provider, "order_id", event.OrderID, "event_type", event.Type)
				return nil
			}
			return err
		}
		applied, err := s.applyEffect(ctx, tx, event, receipt)
		if err != nil {
			return err
		}
		res.Applied = applied
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Applied {
		logctx.FromCtx(ctx, s.log).Infow("webhook_applied",
			"provider", event.Provider, "order_id", event.OrderID,
			"event_type", event.Type, "user_id", event.UserID)
	}
	return res, nil
}

func (s *Service) insertReceipt(ctx context.Context, tx *gorm.DB, event *provider.Event) (*models.WebhookEvent, error) {
	extraBytes, _ := json.Marshal(event)
	extra := datatypes.JSONMap{}
	_ = json.Unmarshal(extraBytes, (*map[string]interface{})(&extra))

	receipt := &models.WebhookEvent{
		ID:          tool.GenerateUUIDV7(),
		ProviderID:  event.Provider,
		OrderID:     event.OrderID,
		EventType:   event.Type,
		EventID:     event.EventID,
		Amount:      event.Amount,
		Currency:    event.Currency,
		PayerID:     event.PayerID,
		Extra:       extra,
		OccurredAt:  event.OccurredAt,
		ProcessedAt: s.now(),
	}
	if event.UserID != "" {
		receipt.UserID = lo.ToPtr(event.UserID)
	}
	if item := s.cfg.GetPaymentItemByProviderItemID(event.Provider, event.ProviderItemID); item != nil {
		receipt.PaymentItemID = item.ID
	}
	// ON CONFLICT DO NOTHING keeps duplicate detection independent of the
	// dialect's error translation: a conflicting tuple inserts zero rows
	// instead of aborting the transaction.
	result := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_id"}, {Name: "order_id"}, {Name: "event_type"}},
		DoNothing: true,
	}).Create(receipt)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, gorm.ErrDuplicatedKey
	}
	return receipt, nil
}

func (s *Service) applyEffect(ctx context.Context, tx *gorm.DB, event *provider.Event, receipt *models.WebhookEvent) (bool, error) {
	switch event.Type {
	case types.WebhookEventTypePaymentFailed:
		// Receipt only; a failed payment changes nothing.
		return false, nil
	case types.WebhookEventTypePaymentSucceeded:
		return true, s.applyPayment(ctx, tx, event, receipt)
	case types.WebhookEventTypeRefund:
		return true, s.applyRefund(ctx, tx, event, receipt)
	default:
		return false, fmt.Errorf("%w: unknown event type %q", ErrEventUnusable, event.Type)
	}
}

func (s *Service) applyPayment(ctx context.Context, tx *gorm.DB, event *provider.Event, receipt *models.WebhookEvent) error {
	if event.UserID == "" {
		return fmt.Errorf("%w: payment names no user", ErrEventUnusable)
	}
	item := s.cfg.GetPaymentItemByProviderItemID(event.Provider, event.ProviderItemID)
	if item == nil {
		return fmt.Errorf("%w: unknown provider item %q for %s", ErrEventUnusable, event.ProviderItemID, event.Provider)
	}

	extra := datatypes.JSONMap{
		"order_id":        event.OrderID,
		"provider":        string(event.Provider),
		"payment_item_id": item.ID,
	}

	if item.IsCreditPack() {
		_, err := s.ledgerSvc.GrantTx(ctx, tx, event.UserID, item.CreditAmount, types.CreditChangeReasonPurchase, extra)
		return err
	}

	var periodEnd *time.Time
	subExtra := datatypes.JSONMap{
		"order_id":        event.OrderID,
		"provider":        string(event.Provider),
		"payment_item_id": item.ID,
	}
	if item.IsLifetime() {
		subExtra[models.ExtraKeyIsLifetime] = true
	} else {
		if item.DurationHour == nil {
			return fmt.Errorf("%w: subscription item %q has no duration", ErrEventUnusable, item.ID)
		}
		end := s.now().Add(time.Duration(*item.DurationHour) * time.Hour)
		periodEnd = &end
	}
	return s.subSvc.ActivateTx(ctx, tx, event.UserID, periodEnd, subExtra, types.SubscriptionChangeReasonPurchase)
}

// applyRefund reverses the order's original effect. Refunds may arrive with
// less context than the payment did, so the user and item fall back to the
// original payment receipt.
func (s *Service) applyRefund(ctx context.Context, tx *gorm.DB, event *provider.Event, receipt *models.WebhookEvent) error {
	userID := event.UserID
	item := s.cfg.GetPaymentItemByProviderItemID(event.Provider, event.ProviderItemID)
	if userID == "" || item == nil {
		var paid models.WebhookEvent
		err := tx.WithContext(ctx).
			Where("provider_id = ? AND order_id = ? AND event_type = ?",
				event.Provider, event.OrderID, types.WebhookEventTypePaymentSucceeded).
			First(&paid).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: refund for unknown order %q", ErrEventUnusable, event.OrderID)
			}
			return err
		}
		if userID == "" && paid.UserID != nil {
			userID = *paid.UserID
		}
		if item == nil {
			item = s.cfg.GetPaymentItemByID(paid.PaymentItemID)
		}
	}
	if userID == "" || item == nil {
		return fmt.Errorf("%w: refund cannot be attributed", ErrEventUnusable)
	}
	if receipt.UserID == nil {
		receipt.UserID = lo.ToPtr(userID)
		receipt.PaymentItemID = item.ID
		if err := tx.WithContext(ctx).Save(receipt).Error; err != nil {
			return err
		}
	}

	extra := datatypes.JSONMap{
		"order_id":        event.OrderID,
		"provider":        string(event.Provider),
		"payment_item_id": item.ID,
	}
	if item.IsCreditPack() {
		// Claw the grant back even if the balance goes negative; the ledger
		// stays truthful and admission control handles the rest.
		_, err := s.ledgerSvc.AdjustTx(ctx, tx, userID, -item.CreditAmount, types.CreditChangeReasonRefund, extra)
		return err
	}
	return s.subSvc.CancelTx(ctx, tx, userID, types.SubscriptionChangeReasonRefund)
}

// ListEventsRequest filters the applied-event receipts.
type ListEventsRequest struct {
	UserID    string                 `json:"user_id"`
	Provider  types.PaymentProvider  `json:"provider"`
	EventType types.WebhookEventType `json:"event_type"`
	Page      int                    `json:"page"`
	Limit     int                    `json:"limit"`
}

type ListEventsResponse struct {
	Items []*models.WebhookEvent `json:"items"`
	Total int64                  `json:"total"`
}

// ListEvents is a pure query over the receipt table.
func (s *Service) ListEvents(ctx context.Context, req *ListEventsRequest) (*ListEventsResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if req.Page <= 0 {
		req.Page = 1
	}

	q := s.db.WithContext(ctx).Model(&models.WebhookEvent{})
	if req.UserID != "" {
		q = q.Where("user_id = ?", req.UserID)
	}
	if req.Provider != "" {
		q = q.Where("provider_id = ?", req.Provider)
	}
	if req.EventType != "" {
		q = q.Where("event_type = ?", req.EventType)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count webhook events: %w", err)
	}

	var rows []*models.WebhookEvent
	err := q.Order("created_at DESC, id DESC").
		Offset((req.Page - 1) * req.Limit).
		Limit(req.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	return &ListEventsResponse{Items: rows, Total: total}, nil
}

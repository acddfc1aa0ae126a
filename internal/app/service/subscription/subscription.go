package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fernwood/billingcore/internal/models"
	"github.com/fernwood/billingcore/pkg/config"
	"github.com/fernwood/billingcore/pkg/logctx"
	"github.com/fernwood/billingcore/pkg/tool"
	"github.com/fernwood/billingcore/pkg/types"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service owns the subscription lifecycle. A user has at most one
// subscription row; it is never deleted, only transitioned.
type Service struct {
	cfg *config.Config
	db  *gorm.DB
	log *zap.SugaredLogger
	now func() time.Time
}

func NewService(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{cfg: cfg, db: db, log: log, now: time.Now}
}

// Activate creates or replaces the user's subscription as active with the
// given period end. A nil periodEnd together with the is_lifetime extra flag
// produces a lifetime subscription.
func (s *Service) Activate(ctx context.Context, userID string, periodEnd *time.Time, extra datatypes.JSONMap, reason types.SubscriptionChangeReason) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.ActivateTx(ctx, tx, userID, periodEnd, extra, reason)
	})
}

// ActivateTx is Activate composed into a caller-owned transaction.
func (s *Service) ActivateTx(ctx context.Context, tx *gorm.DB, userID string, periodEnd *time.Time, extra datatypes.JSONMap, reason types.SubscriptionChangeReason) error {
	if userID == "" {
		return fmt.Errorf("user id is empty")
	}
	if extra == nil {
		extra = datatypes.JSONMap{}
	}
	m := &models.Subscription{
		UserID:    userID,
		Status:    types.SubscriptionStatusActive,
		PeriodEnd: periodEnd,
		Extra:     extra,
	}
	if !m.IsLifetime() && periodEnd == nil {
		return fmt.Errorf("period end is required for non-lifetime subscription")
	}
	return s.upsert(ctx, tx, m, reason)
}

// Cancel sets the subscription to canceled immediately, regardless of the
// period end. Canceling a user without a subscription is a no-op.
func (s *Service) Cancel(ctx context.Context, userID string, reason types.SubscriptionChangeReason) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.CancelTx(ctx, tx, userID, reason)
	})
}

// CancelTx is Cancel composed into a caller-owned transaction.
func (s *Service) CancelTx(ctx context.Context, tx *gorm.DB, userID string, reason types.SubscriptionChangeReason) error {
	var sub models.Subscription
	if err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("failed to get subscription: %w", err)
	}
	if sub.Status == types.SubscriptionStatusCanceled {
		return nil
	}
	sub.Status = types.SubscriptionStatusCanceled
	return s.upsert(ctx, tx, &sub, reason)
}

// Evaluate returns the user's active subscription, or nil when none grants
// access. Expiry is lazy: an overdue non-lifetime subscription is transitioned
// to canceled as a side effect of this read. Swapping this for a sweep-based
// design only requires changing this function.
func (s *Service) Evaluate(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if sub.Status != types.SubscriptionStatusActive {
		return nil, nil
	}
	if sub.IsLifetime() {
		return &sub, nil
	}
	if sub.PeriodEnd != nil && sub.PeriodEnd.After(s.now()) {
		return &sub, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.CancelTx(ctx, tx, userID, types.SubscriptionChangeReasonExpire)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to expire subscription: %w", err)
	}
	return nil, nil
}

// GiftSubscription grants an internal subscription item (admin gift).
func (s *Service) GiftSubscription(ctx context.Context, userID, paymentItemID, operatorID string) error {
	if userID == "" || paymentItemID == "" {
		return fmt.Errorf("invalid params: userID and paymentItemID required")
	}
	item := s.cfg.GetPaymentItemByID(paymentItemID)
	if item == nil {
		return fmt.Errorf("payment item not found: %s", paymentItemID)
	}
	if !item.IsSubscription() {
		return fmt.Errorf("payment item is not a subscription: %s", paymentItemID)
	}

	extra := datatypes.JSONMap{
		"payment_item_id": item.ID,
		"operator_id":     operatorID,
	}
	var periodEnd *time.Time
	if item.IsLifetime() {
		extra[models.ExtraKeyIsLifetime] = true
	} else {
		if item.DurationHour == nil {
			return fmt.Errorf("duration is nil for subscription item: %s", paymentItemID)
		}
		end := s.now().Add(time.Duration(*item.DurationHour) * time.Hour)
		periodEnd = &end
	}
	return s.Activate(ctx, userID, periodEnd, extra, types.SubscriptionChangeReasonGift)
}

func (s *Service) upsert(ctx context.Context, tx *gorm.DB, m *models.Subscription, reason types.SubscriptionChangeReason) error {
	var original models.Subscription
	if err := tx.WithContext(ctx).Where("user_id = ?", m.UserID).First(&original).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to get original subscription: %w", err)
		}
	}

	if original.ID != "" {
		m.ID = original.ID
		m.CreatedAt = original.CreatedAt
	} else if m.ID == "" {
		m.ID = tool.GenerateUUIDV7()
	}

	before := func() *models.Subscription {
		if original.ID == "" {
			return nil
		}
		cp := original
		return &cp
	}()

	if err := tx.WithContext(ctx).Save(m).Error; err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	// The change log commits or rolls back with the transition itself; a
	// caller-owned transaction that aborts must not leave a log entry behind.
	entry := &models.SubscriptionLog{
		ID:     tool.GenerateUUIDV7(),
		UserID: m.UserID,
		Reason: reason,
		Before: datatypes.NewJSONType(before),
		After:  datatypes.NewJSONType(m),
		Extra:  datatypes.JSONMap{},
	}
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to save subscription log: %w", err)
	}

	logctx.FromCtx(ctx, s.log).Infow("subscription_transition",
		"user_id", m.UserID, "status", m.Status, "reason", reason)
	return nil
}

package subscription

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fernwood/billingcore/internal/models"
	"github.com/fernwood/billingcore/pkg/config"
	"github.com/fernwood/billingcore/pkg/types"

	"github.com/glebarez/sqlite"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, cfg *config.Config) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Subscription{}, &models.SubscriptionLog{}))
	if cfg == nil {
		cfg = &config.Config{}
	}
	return NewService(cfg, db, zap.NewNop().Sugar()), db
}

func TestActivateAndEvaluate(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	end := time.Now().Add(24 * time.Hour)

	require.NoError(t, svc.Activate(ctx, "u1", &end, nil, types.SubscriptionChangeReasonPurchase))

	sub, err := svc.Evaluate(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, types.SubscriptionStatusActive, sub.Status)
	assert.WithinDuration(t, end, *sub.PeriodEnd, time.Second)
}

func TestChangeLogFollowsTransaction(t *testing.T) {
	svc, db := newTestService(t, nil)
	ctx := context.Background()
	end := time.Now().Add(24 * time.Hour)

	// A committed transition leaves exactly one log row.
	require.NoError(t, svc.Activate(ctx, "u1", &end, nil, types.SubscriptionChangeReasonPurchase))
	var count int64
	require.NoError(t, db.Model(&models.SubscriptionLog{}).Where("user_id = ?", "u1").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// A rolled-back caller-owned transaction leaves none.
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := svc.ActivateTx(ctx, tx, "u2", &end, nil, types.SubscriptionChangeReasonPurchase); err != nil {
			return err
		}
		return fmt.Errorf("force rollback")
	})
	require.Error(t, err)
	require.NoError(t, db.Model(&models.SubscriptionLog{}).Where("user_id = ?", "u2").Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestActivateRequiresPeriodEnd(t *testing.T) {
	svc, _ := newTestService(t, nil)
	err := svc.Activate(context.Background(), "u1", nil, nil, types.SubscriptionChangeReasonPurchase)
	require.Error(t, err)
}

func TestActivateReplacesExistingRow(t *testing.T) {
	svc, db := newTestService(t, nil)
	ctx := context.Background()

	end1 := time.Now().Add(24 * time.Hour)
	require.NoError(t, svc.Activate(ctx, "u1", &end1, nil, types.SubscriptionChangeReasonPurchase))
	end2 := time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, svc.Activate(ctx, "u1", &end2, nil, types.SubscriptionChangeReasonPurchase))

	var count int64
	require.NoError(t, db.Model(&models.Subscription{}).Where("user_id = ?", "u1").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	sub, err := svc.Evaluate(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.WithinDuration(t, end2, *sub.PeriodEnd, time.Second)
}

func TestLazyExpiry(t *testing.T) {
	svc, db := newTestService(t, nil)
	ctx := context.Background()

	end := time.Now().Add(time.Hour)
	require.NoError(t, svc.Activate(ctx, "u1", &end, nil, types.SubscriptionChangeReasonPurchase))

	// Move the clock past the period end; the next read expires the row.
	svc.now = func() time.Time { return end.Add(time.Minute) }

	sub, err := svc.Evaluate(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, sub)

	var stored models.Subscription
	require.NoError(t, db.Where("user_id = ?", "u1").First(&stored).Error)
	assert.Equal(t, types.SubscriptionStatusCanceled, stored.Status)
}

func TestLifetimeNeverExpires(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	extra := datatypes.JSONMap{models.ExtraKeyIsLifetime: true}
	require.NoError(t, svc.Activate(ctx, "u1", nil, extra, types.SubscriptionChangeReasonPurchase))

	svc.now = func() time.Time { return time.Now().Add(100 * 365 * 24 * time.Hour) }

	sub, err := svc.Evaluate(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.True(t, sub.IsLifetime())
}

func TestCancel(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	end := time.Now().Add(24 * time.Hour)
	require.NoError(t, svc.Activate(ctx, "u1", &end, nil, types.SubscriptionChangeReasonPurchase))
	require.NoError(t, svc.Cancel(ctx, "u1", types.SubscriptionChangeReasonCancel))

	sub, err := svc.Evaluate(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, sub)

	// Canceling again, or canceling a user without a row, is a no-op.
	require.NoError(t, svc.Cancel(ctx, "u1", types.SubscriptionChangeReasonCancel))
	require.NoError(t, svc.Cancel(ctx, "ghost", types.SubscriptionChangeReasonCancel))
}

func TestGiftSubscription(t *testing.T) {
	cfg := &config.Config{PaymentItems: []*types.PaymentItem{
		{ID: "sub_month", ProviderID: types.PaymentProviderInner, Type: types.PaymentItemTypeSubscription, DurationHour: lo.ToPtr(int64(720))},
		{ID: "sub_life", ProviderID: types.PaymentProviderInner, Type: types.PaymentItemTypeLifetimeSubscription},
		{ID: "pack_small", ProviderID: types.PaymentProviderInner, Type: types.PaymentItemTypeCreditPack, CreditAmount: 100},
	}}
	svc, _ := newTestService(t, cfg)
	ctx := context.Background()

	require.NoError(t, svc.GiftSubscription(ctx, "u1", "sub_month", "admin-1"))
	sub, err := svc.Evaluate(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	require.NotNil(t, sub.PeriodEnd)
	assert.WithinDuration(t, time.Now().Add(720*time.Hour), *sub.PeriodEnd, time.Minute)

	require.NoError(t, svc.GiftSubscription(ctx, "u2", "sub_life", "admin-1"))
	sub2, err := svc.Evaluate(ctx, "u2")
	require.NoError(t, err)
	require.NotNil(t, sub2)
	assert.True(t, sub2.IsLifetime())

	assert.Error(t, svc.GiftSubscription(ctx, "u3", "pack_small", "admin-1"))
	assert.Error(t, svc.GiftSubscription(ctx, "u3", "missing", "admin-1"))
}

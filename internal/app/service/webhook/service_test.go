package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/fernwood/billingcore/internal/app/service/ledger"
	notificationlog "github.com/fernwood/billingcore/internal/app/service/notification_log"
	"github.com/fernwood/billingcore/internal/app/service/provider"
	"github.com/fernwood/billingcore/internal/app/service/subscription"
	"github.com/fernwood/billingcore/internal/models"
	"github.com/fernwood/billingcore/pkg/config"
	"github.com/fernwood/billingcore/pkg/types"

	"github.com/glebarez/sqlite"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	svc    *Service
	ledger *ledger.Service
	sub    *subscription.Service
	db     *gorm.DB
	cfg    *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.CreditTransaction{}, &models.CreditBalance{},
		&models.Subscription{}, &models.SubscriptionLog{},
		&models.WebhookEvent{}, &models.WebhookNotificationLog{},
	))

	cfg := &config.Config{
		PaymentItems: []*types.PaymentItem{
			{ID: "pack_500", ProviderID: types.PaymentProviderCreem, ProviderItemID: "prod_pack", Type: types.PaymentItemTypeCreditPack, CreditAmount: 500},
			{ID: "sub_month", ProviderID: types.PaymentProviderCreem, ProviderItemID: "prod_sub", Type: types.PaymentItemTypeSubscription, DurationHour: lo.ToPtr(int64(720))},
			{ID: "sub_life", ProviderID: types.PaymentProviderCreem, ProviderItemID: "prod_life", Type: types.PaymentItemTypeLifetimeSubscription},
		},
		Providers: config.ProvidersConfig{
			Creem: config.CreemConfig{WebhookSecret: "whsec_test"},
		},
	}
	log := zap.NewNop().Sugar()
	ledgerSvc := ledger.NewService(db, log)
	subSvc := subscription.NewService(cfg, db, log)
	registry := provider.NewRegistry(cfg, log)
	notifSvc := notificationlog.New(db, log)
	return &testEnv{
		svc:    NewService(cfg, db, log, registry, ledgerSvc, subSvc, notifSvc),
		ledger: ledgerSvc,
		sub:    subSvc,
		db:     db,
		cfg:    cfg,
	}
}

func paymentEvent(orderID, providerItemID string) *provider.Event {
	return &provider.Event{
		Provider:       types.PaymentProviderCreem,
		EventID:        "evt_" + orderID,
		OrderID:        orderID,
		Type:           types.WebhookEventTypePaymentSucceeded,
		ProviderItemID: providerItemID,
		Amount:         999,
		Currency:       "USD",
		PayerID:        "cust_1",
		UserID:         "u1",
		OccurredAt:     time.Now(),
	}
}

func TestApplyCreditPackPurchase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Apply(ctx, paymentEvent("ord_1", "prod_pack"))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.Duplicate)

	balance, err := env.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	var receipt models.WebhookEvent
	require.NoError(t, env.db.Where("order_id = ?", "ord_1").First(&receipt).Error)
	assert.Equal(t, "pack_500", receipt.PaymentItemID)
	assert.Equal(t, lo.ToPtr("u1"), receipt.UserID)
}

func TestApplyIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Provider retries: five deliveries of one event grant once.
	for i := 0; i < 5; i++ {
		res, err := env.svc.Apply(ctx, paymentEvent("ord_1", "prod_pack"))
		require.NoError(t, err)
		if i == 0 {
			assert.True(t, res.Applied)
		} else {
			assert.True(t, res.Duplicate)
			assert.False(t, res.Applied)
		}
	}

	balance, err := env.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	var count int64
	require.NoError(t, env.db.Model(&models.WebhookEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestApplySubscriptionPurchase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Apply(ctx, paymentEvent("ord_1", "prod_sub"))
	require.NoError(t, err)

	sub, err := env.sub.Evaluate(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	require.NotNil(t, sub.PeriodEnd)
	assert.WithinDuration(t, time.Now().Add(720*time.Hour), *sub.PeriodEnd, time.Minute)
}

func TestApplyLifetimePurchaseAbsorbs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Apply(ctx, paymentEvent("ord_1", "prod_sub"))
	require.NoError(t, err)
	_, err = env.svc.Apply(ctx, paymentEvent("ord_2", "prod_life"))
	require.NoError(t, err)

	sub, err := env.sub.Evaluate(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.True(t, sub.IsLifetime())
	assert.Nil(t, sub.PeriodEnd)
}

func TestApplyRefundReversesCreditPack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Apply(ctx, paymentEvent("ord_1", "prod_pack"))
	require.NoError(t, err)

	refund := paymentEvent("ord_1", "prod_pack")
	refund.Type = types.WebhookEventTypeRefund
	_, err = env.svc.Apply(ctx, refund)
	require.NoError(t, err)

	balance, err := env.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestApplyRefundFallsBackToPaymentReceipt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Apply(ctx, paymentEvent("ord_1", "prod_pack"))
	require.NoError(t, err)

	// Some providers send refunds without user or item context.
	refund := paymentEvent("ord_1", "")
	refund.Type = types.WebhookEventTypeRefund
	refund.UserID = ""
	res, err := env.svc.Apply(ctx, refund)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	balance, err := env.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestApplyRefundCancelsSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Apply(ctx, paymentEvent("ord_1", "prod_sub"))
	require.NoError(t, err)

	refund := paymentEvent("ord_1", "prod_sub")
	refund.Type = types.WebhookEventTypeRefund
	_, err = env.svc.Apply(ctx, refund)
	require.NoError(t, err)

	sub, err := env.sub.Evaluate(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestApplyPaymentFailedIsReceiptOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	failed := paymentEvent("ord_1", "prod_pack")
	failed.Type = types.WebhookEventTypePaymentFailed
	res, err := env.svc.Apply(ctx, failed)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	balance, err := env.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	// A later success for the same order is a different receipt tuple.
	res, err = env.svc.Apply(ctx, paymentEvent("ord_1", "prod_pack"))
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

func TestApplyUnusableEventRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Apply(ctx, paymentEvent("ord_1", "prod_unknown"))
	assert.ErrorIs(t, err, ErrEventUnusable)

	// The receipt insert rolls back with the effect, so a corrected redelivery
	// can still apply.
	var count int64
	require.NoError(t, env.db.Model(&models.WebhookEvent{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func creemSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestIngestVerifiedCreemWebhook(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	body := []byte(`{
		"id": "evt_1",
		"eventType": "checkout.completed",
		"object": {
			"id": "ch_1",
			"order": {"id": "ord_1"},
			"product": {"id": "prod_pack"},
			"amount": 999,
			"currency": "USD",
			"customer": {"id": "cust_1"},
			"metadata": {"user_id": "u1"}
		}
	}`)
	header := http.Header{}
	header.Set("creem-signature", creemSignature(body, "whsec_test"))

	res, err := env.svc.Ingest(ctx, types.PaymentProviderCreem, &provider.WebhookRequest{Body: body, Header: header})
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.True(t, res.Applied)

	balance, err := env.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestIngestVerifiedNoOpAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// An authentic delivery of an event type with no billing effect must ack
	// success, or the provider redelivers it forever.
	body := []byte(`{"id": "evt_1", "eventType": "subscription.trialing", "object": {}}`)
	header := http.Header{}
	header.Set("creem-signature", creemSignature(body, "whsec_test"))

	res, err := env.svc.Ingest(ctx, types.PaymentProviderCreem, &provider.WebhookRequest{Body: body, Header: header})
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.False(t, res.Applied)
	assert.False(t, res.Duplicate)

	var count int64
	require.NoError(t, env.db.Model(&models.WebhookEvent{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestApplyDuplicateDetectionWithoutErrorTranslation(t *testing.T) {
	// The receipt insert must detect duplicates on any dialect, with or
	// without gorm's error translation.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.CreditTransaction{}, &models.CreditBalance{},
		&models.Subscription{}, &models.SubscriptionLog{},
		&models.WebhookEvent{}, &models.WebhookNotificationLog{},
	))

	cfg := &config.Config{
		PaymentItems: []*types.PaymentItem{
			{ID: "pack_500", ProviderID: types.PaymentProviderCreem, ProviderItemID: "prod_pack", Type: types.PaymentItemTypeCreditPack, CreditAmount: 500},
		},
	}
	log := zap.NewNop().Sugar()
	ledgerSvc := ledger.NewService(db, log)
	subSvc := subscription.NewService(cfg, db, log)
	svc := NewService(cfg, db, log, provider.NewRegistry(cfg, log), ledgerSvc, subSvc, notificationlog.New(db, log))

	ctx := context.Background()
	res, err := svc.Apply(ctx, paymentEvent("ord_1", "prod_pack"))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	res, err = svc.Apply(ctx, paymentEvent("ord_1", "prod_pack"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.False(t, res.Applied)

	balance, err := ledgerSvc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	body := []byte(`{"eventType": "checkout.completed"}`)
	header := http.Header{}
	header.Set("creem-signature", "deadbeef")

	res, err := env.svc.Ingest(ctx, types.PaymentProviderCreem, &provider.WebhookRequest{Body: body, Header: header})
	require.NoError(t, err)
	assert.False(t, res.Verified)

	var count int64
	require.NoError(t, env.db.Model(&models.WebhookEvent{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestIngestUnsupportedProvider(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Ingest(context.Background(), "paypal", &provider.WebhookRequest{Header: http.Header{}})
	assert.ErrorIs(t, err, provider.ErrUnsupportedProvider)
}

func TestListEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Apply(ctx, paymentEvent("ord_1", "prod_pack"))
	require.NoError(t, err)
	refund := paymentEvent("ord_1", "prod_pack")
	refund.Type = types.WebhookEventTypeRefund
	_, err = env.svc.Apply(ctx, refund)
	require.NoError(t, err)

	res, err := env.svc.ListEvents(ctx, &ListEventsRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Total)

	res, err = env.svc.ListEvents(ctx, &ListEventsRequest{EventType: types.WebhookEventTypeRefund})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Total)
}

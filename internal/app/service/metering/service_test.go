package metering

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fernwood/billingcore/internal/app/service/ledger"
	"github.com/fernwood/billingcore/internal/app/service/subscription"
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
		&models.GenerationCallLog{},
	))

	cfg := &config.Config{Metering: config.MeteringConfig{StuckCallTimeoutMinute: 30}}
	log := zap.NewNop().Sugar()
	ledgerSvc := ledger.NewService(db, log)
	subSvc := subscription.NewService(cfg, db, log)
	return &testEnv{
		svc:    NewService(cfg, db, log, ledgerSvc, subSvc),
		ledger: ledgerSvc,
		sub:    subSvc,
		db:     db,
		cfg:    cfg,
	}
}

func TestAdmitInsufficientCredits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Admit(ctx, &AdmitRequest{UserID: "u1", Feature: "image_gen", EstimatedCost: 10})
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	// Failed admission leaves no row behind.
	var count int64
	require.NoError(t, env.db.Model(&models.GenerationCallLog{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestAdmitWithBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.Grant(ctx, "u1", 100, types.CreditChangeReasonPurchase, nil)
	require.NoError(t, err)

	row, err := env.svc.Admit(ctx, &AdmitRequest{UserID: "u1", Feature: "image_gen", EstimatedCost: 100})
	require.NoError(t, err)
	assert.Equal(t, types.GenerationCallStatusPending, row.Status)
	assert.Equal(t, int64(100), row.EstimatedCost)

	// Admission reserves nothing; the balance moves at completion.
	balance, err := env.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestAdmitSubscriptionBypassesBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	end := time.Now().Add(24 * time.Hour)
	require.NoError(t, env.sub.Activate(ctx, "u1", &end, nil, types.SubscriptionChangeReasonPurchase))

	row, err := env.svc.Admit(ctx, &AdmitRequest{UserID: "u1", Feature: "image_gen", EstimatedCost: 1000})
	require.NoError(t, err)
	assert.Equal(t, types.GenerationCallStatusPending, row.Status)
}

func TestAdmitZeroCost(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Admit(context.Background(), &AdmitRequest{UserID: "u1", Feature: "preview", EstimatedCost: 0})
	require.NoError(t, err)
}

func TestCompleteDebitsActualCost(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.Grant(ctx, "u1", 100, types.CreditChangeReasonPurchase, nil)
	require.NoError(t, err)

	row, err := env.svc.Admit(ctx, &AdmitRequest{UserID: "u1", Feature: "image_gen", EstimatedCost: 100})
	require.NoError(t, err)
	require.NoError(t, env.svc.Start(ctx, row.ID, "openai", "dall-e-3", "task-1"))
	require.NoError(t, env.svc.Complete(ctx, &CompleteRequest{
		CallID:          row.ID,
		ActualCost:      lo.ToPtr(int64(90)),
		ResponsePayload: datatypes.JSON(`{"url":"https://cdn.example/img.png"}`),
	}))

	balance, err := env.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	stored, err := env.svc.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, types.GenerationCallStatusCompleted, stored.Status)
	assert.Equal(t, lo.ToPtr(true), stored.Success)
	assert.Equal(t, lo.ToPtr(int64(90)), stored.ActualCost)
	require.NotNil(t, stored.CreditTransactionID)

	// The linked ledger row carries the call id back.
	var txn models.CreditTransaction
	require.NoError(t, env.db.Where("id = ?", *stored.CreditTransactionID).First(&txn).Error)
	assert.Equal(t, int64(-90), txn.Amount)
	assert.Equal(t, types.CreditChangeReasonGeneration, txn.Reason)
	assert.Equal(t, row.ID, txn.Extra["generation_call_id"])
}

func TestCompleteDefaultsToEstimate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.Grant(ctx, "u1", 50, types.CreditChangeReasonPurchase, nil)
	require.NoError(t, err)

	row, err := env.svc.Admit(ctx, &AdmitRequest{UserID: "u1", Feature: "image_gen", EstimatedCost: 20})
	require.NoError(t, err)
	require.NoError(t, env.svc.Start(ctx, row.ID, "openai", "dall-e-3", "task-1"))
	require.NoError(t, env.svc.Complete(ctx, &CompleteRequest{CallID: row.ID}))

	balance, err := env.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)
}

func TestTransitionsAreGuarded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	row, err := env.svc.Admit(ctx, &AdmitRequest{UserID: "u1", Feature: "image_gen", EstimatedCost: 0})
	require.NoError(t, err)

	// completing a pending call skips processing
	err = env.svc.Complete(ctx, &CompleteRequest{CallID: row.ID})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, env.svc.Start(ctx, row.ID, "openai", "dall-e-3", "task-1"))
	err = env.svc.Start(ctx, row.ID, "openai", "dall-e-3", "task-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, env.svc.Complete(ctx, &CompleteRequest{CallID: row.ID}))

	// Terminal rows are immutable.
	assert.ErrorIs(t, env.svc.Fail(ctx, row.ID, "late failure"), ErrInvalidTransition)
	assert.ErrorIs(t, env.svc.Complete(ctx, &CompleteRequest{CallID: row.ID}), ErrInvalidTransition)

	assert.ErrorIs(t, env.svc.Start(ctx, "missing", "", "", ""), ErrCallNotFound)
}

func TestFailIsFreeByDefault(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.Grant(ctx, "u1", 100, types.CreditChangeReasonPurchase, nil)
	require.NoError(t, err)

	row, err := env.svc.Admit(ctx, &AdmitRequest{UserID: "u1", Feature: "image_gen", EstimatedCost: 60})
	require.NoError(t, err)
	require.NoError(t, env.svc.Fail(ctx, row.ID, "upstream error"))

	balance, err := env.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	stored, err := env.svc.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, types.GenerationCallStatusFailed, stored.Status)
	assert.Equal(t, lo.ToPtr(false), stored.Success)
	assert.Equal(t, "upstream error", stored.FailureReason)
	assert.Equal(t, lo.ToPtr(int64(0)), stored.ActualCost)
	assert.Nil(t, stored.CreditTransactionID)
}

func TestFailedChargeRatio(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Metering.FailedChargeRatio = 0.5
	ctx := context.Background()

	_, err := env.ledger.Grant(ctx, "u1", 100, types.CreditChangeReasonPurchase, nil)
	require.NoError(t, err)

	row, err := env.svc.Admit(ctx, &AdmitRequest{UserID: "u1", Feature: "image_gen", EstimatedCost: 9})
	require.NoError(t, err)
	require.NoError(t, env.svc.Fail(ctx, row.ID, "upstream error"))

	// ceil(9 * 0.5) = 5
	balance, err := env.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(95), balance)

	stored, err := env.svc.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, lo.ToPtr(int64(5)), stored.ActualCost)
	assert.NotNil(t, stored.CreditTransactionID)
}

func TestListCalls(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.svc.Admit(ctx, &AdmitRequest{UserID: "u1", Feature: "image_gen", EstimatedCost: 0})
		require.NoError(t, err)
	}
	_, err := env.svc.Admit(ctx, &AdmitRequest{UserID: "u2", Feature: "video_gen", EstimatedCost: 0})
	require.NoError(t, err)

	res, err := env.svc.ListCalls(ctx, &ListCallsRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Total)

	res, err = env.svc.ListCalls(ctx, &ListCallsRequest{Feature: "video_gen"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Total)

	res, err = env.svc.ListCalls(ctx, &ListCallsRequest{Status: types.GenerationCallStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Total)
}

func TestSweeperFailsStuckCalls(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stuck, err := env.svc.Admit(ctx, &AdmitRequest{UserID: "u1", Feature: "image_gen", EstimatedCost: 0})
	require.NoError(t, err)
	fresh, err := env.svc.Admit(ctx, &AdmitRequest{UserID: "u1", Feature: "image_gen", EstimatedCost: 0})
	require.NoError(t, err)

	// Age the first row past the timeout.
	old := time.Now().Add(-time.Hour)
	require.NoError(t, env.db.Model(&models.GenerationCallLog{}).
		Where("id = ?", stuck.ID).UpdateColumn("updated_at", old).Error)

	w := NewSweeper(env.cfg, env.db, zap.NewNop().Sugar(), env.svc)
	n, err := w.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := env.svc.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, types.GenerationCallStatusFailed, stored.Status)
	assert.Equal(t, "timeout", stored.FailureReason)

	stored, err = env.svc.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.GenerationCallStatusPending, stored.Status)
}

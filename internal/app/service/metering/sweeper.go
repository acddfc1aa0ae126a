package metering

import (
	"context"
	"time"

	"github.com/fernwood/billingcore/internal/models"
	"github.com/fernwood/billingcore/pkg/config"
	"github.com/fernwood/billingcore/pkg/types"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sweeper reconciles orphaned call log rows: anything stuck in pending or
// processing past the configured timeout is failed with a timeout reason.
// The call state machine itself never self-expires.
type Sweeper struct {
	cfg *config.Config
	db  *gorm.DB
	log *zap.SugaredLogger
	svc *Service
	now func() time.Time
}

func NewSweeper(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger, svc *Service) *Sweeper {
	return &Sweeper{cfg: cfg, db: db, log: log, svc: svc, now: time.Now}
}

// SweepOnce fails every stuck row and returns how many were reconciled.
func (w *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	timeout := time.Duration(w.cfg.Metering.StuckCallTimeoutMinute) * time.Minute
	cutoff := w.now().Add(-timeout)

	var stuck []*models.GenerationCallLog
	err := w.db.WithContext(ctx).
		Where("status IN ?", []types.GenerationCallStatus{
			types.GenerationCallStatusPending,
			types.GenerationCallStatusProcessing,
		}).
		Where("updated_at < ?", cutoff).
		Find(&stuck).Error
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, row := range stuck {
		if err := w.svc.Fail(ctx, row.ID, "timeout"); err != nil {
			w.log.Errorw("sweep_fail_error", "call_id", row.ID, "err", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		w.log.Infow("swept_stuck_generation_calls", "count", swept)
	}
	return swept, nil
}

func registerSweeper(lc fx.Lifecycle, w *Sweeper) {
	spec := w.cfg.Metering.SweepCron
	if spec == "" {
		return
	}
	c := cron.New()
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_, err := c.AddFunc(spec, func() {
				if _, err := w.SweepOnce(context.Background()); err != nil {
					w.log.Errorw("sweep_error", "err", err)
				}
			})
			if err != nil {
				return err
			}
			c.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			<-c.Stop().Done()
			return nil
		},
	})
}

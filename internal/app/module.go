package app

import (
	"time"

	"github.com/fernwood/billingcore/internal/app/api/server"
	"github.com/fernwood/billingcore/internal/app/service/ledger"
	"github.com/fernwood/billingcore/internal/app/service/metering"
	notificationlog "github.com/fernwood/billingcore/internal/app/service/notification_log"
	"github.com/fernwood/billingcore/internal/app/service/provider"
	"github.com/fernwood/billingcore/internal/app/service/statistics"
	"github.com/fernwood/billingcore/internal/app/service/subscription"
	"github.com/fernwood/billingcore/internal/app/service/webhook"
	"github.com/fernwood/billingcore/internal/platform/db"
	"github.com/fernwood/billingcore/pkg/config"
	"github.com/fernwood/billingcore/pkg/logger"

	"go.uber.org/fx"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	server.Module,
	provider.Module,
	ledger.Module,
	subscription.Module,
	metering.Module,
	webhook.Module,
	notificationlog.Module,
	statistics.Module,
)

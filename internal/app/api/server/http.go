package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fernwood/billingcore/docs"
	"github.com/fernwood/billingcore/internal/app/api/handlers"
	mw "github.com/fernwood/billingcore/internal/app/api/middleware"
	"github.com/fernwood/billingcore/internal/app/service/ledger"
	"github.com/fernwood/billingcore/internal/app/service/metering"
	"github.com/fernwood/billingcore/internal/app/service/provider"
	"github.com/fernwood/billingcore/internal/app/service/statistics"
	subsvc "github.com/fernwood/billingcore/internal/app/service/subscription"
	"github.com/fernwood/billingcore/internal/app/service/webhook"
	cfgpkg "github.com/fernwood/billingcore/pkg/config"
	metrics "github.com/fernwood/billingcore/pkg/metrics"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// Add request tracing middleware only; request logger & access log are attached per group in registerRoutes
	r.Use(mw.TraceMiddleware())
	return r
}

type routeDeps struct {
	fx.In

	Log      *zap.SugaredLogger
	Cfg      *cfgpkg.Config
	Registry *provider.Registry
	Webhook  *webhook.Service
	Ledger   *ledger.Service
	Sub      *subsvc.Service
	Metering *metering.Service
	Sweeper  *metering.Sweeper
	Stats    *statistics.Service
}

func registerRoutes(r *gin.Engine, d routeDeps) {
	// Prometheus metrics
	if d.Cfg != nil && d.Cfg.MetricsAddr != "" {
		p := metrics.NewPrometheus(metrics.NewPrometheusOptions{
			ReqCntURLLabelMappingFn: func(c *gin.Context) string {
				if fp := c.FullPath(); fp != "" {
					return fp
				}
				return c.Request.URL.Path
			},
			Logger: d.Log,
		})
		p.SetListenAddress(d.Cfg.MetricsAddr)
		p.Use(r)

		d.Log.Infow("metrics started", "addr", d.Cfg.MetricsAddr)
	}

	// Public group: request logger + access log
	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(d.Log), mw.AccessLogMiddleware())
	handlers.RegisterHealthRoutes(pub)
	// Swagger UI
	docs.SwaggerInfo.BasePath = "/"
	pub.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Webhooks authenticate by signature, not session.
	webhooks := r.Group("/api/v1/webhook")
	webhooks.Use(mw.RequestLoggerMiddleware(d.Log), mw.AccessLogMiddleware())
	handlers.RegisterWebhookRoutes(webhooks, d.Webhook, d.Log)

	// Session-scoped APIs
	apiV1 := r.Group("/api/v1")
	apiV1.Use(mw.RequestLoggerMiddleware(d.Log), mw.AccessLogMiddleware(), mw.AuthMiddleware(d.Cfg))
	handlers.RegisterOrderRoutes(apiV1.Group("/order"), d.Registry)
	handlers.RegisterCreditRoutes(apiV1.Group("/credit"), d.Ledger)
	handlers.RegisterSubscriptionRoutes(apiV1.Group("/subscription"), d.Sub)
	handlers.RegisterGenerationRoutes(apiV1.Group("/generation"), d.Metering)

	// Admin APIs
	admin := apiV1.Group("/admin")
	admin.Use(mw.RequireAdmin())
	handlers.RegisterAdminRoutes(admin, d.Sub, d.Ledger, d.Metering, d.Sweeper, d.Webhook, d.Stats)
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting HTTP server", "addr", addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil {
					log.Errorf("server error: %v", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping HTTP server")
			shutdownCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(newEngine),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
)

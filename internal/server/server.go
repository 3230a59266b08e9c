package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tokenmeter/internal/allowance"
	"github.com/smallbiznis/tokenmeter/internal/auth"
	authdomain "github.com/smallbiznis/tokenmeter/internal/auth/domain"
	"github.com/smallbiznis/tokenmeter/internal/billingprovisioning"
	"github.com/smallbiznis/tokenmeter/internal/cache"
	"github.com/smallbiznis/tokenmeter/internal/charge"
	chargedomain "github.com/smallbiznis/tokenmeter/internal/charge/domain"
	"github.com/smallbiznis/tokenmeter/internal/clock"
	"github.com/smallbiznis/tokenmeter/internal/config"
	"github.com/smallbiznis/tokenmeter/internal/observability"
	obsmiddleware "github.com/smallbiznis/tokenmeter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tokenmeter/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tokenmeter/internal/observability/tracing"
	"github.com/smallbiznis/tokenmeter/internal/payment"
	paymentdomain "github.com/smallbiznis/tokenmeter/internal/payment/domain"
	"github.com/smallbiznis/tokenmeter/internal/ratelimit"
	"github.com/smallbiznis/tokenmeter/internal/usage"
	usagedomain "github.com/smallbiznis/tokenmeter/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	auth.Module,
	cache.Module,
	usage.Module,
	charge.Module,
	payment.Module,
	billingprovisioning.Module,
	allowance.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
		QuietRoutes:     []string{"/health", "/metrics"},
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	billing      *config.BillingConfigHolder
	clock        clock.Clock
	log          *zap.Logger
	usagesvc     usagedomain.Service
	chargeSvc    chargedomain.Service
	paymentSvc   paymentdomain.Service
	allowanceSvc allowance.Service
	verifier     authdomain.TokenVerifier
	usageKeys    authdomain.APIKeyAuthenticator
	obsMetrics   *obsmetrics.Metrics
	usageLimiter *ratelimit.UsageIngestLimiter
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Billing      *config.BillingConfigHolder
	Clock        clock.Clock
	Log          *zap.Logger
	Usagesvc     usagedomain.Service
	ChargeSvc    chargedomain.Service
	PaymentSvc   paymentdomain.Service
	AllowanceSvc allowance.Service
	Verifier     authdomain.TokenVerifier
	UsageKeys    authdomain.APIKeyAuthenticator
	ObsMetrics   *obsmetrics.Metrics           `optional:"true"`
	UsageLimiter *ratelimit.UsageIngestLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		billing:      p.Billing,
		clock:        p.Clock,
		log:          p.Log.Named("http"),
		usagesvc:     p.Usagesvc,
		chargeSvc:    p.ChargeSvc,
		paymentSvc:   p.PaymentSvc,
		allowanceSvc: p.AllowanceSvc,
		verifier:     p.Verifier,
		usageKeys:    p.UsageKeys,
		obsMetrics:   p.ObsMetrics,
		usageLimiter: p.UsageLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerDashboardRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")

	api.POST("/usage", s.UsageAPIKeyRequired(), s.UsageIngestRateLimit(), s.ReportUsage)
	api.POST("/webhooks/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerDashboardRoutes() {
	billing := s.engine.Group("/api/v1/billing", s.DashboardAuthRequired())

	billing.GET("/summary/:client_id", s.GetBillingSummary)
	billing.GET("/charges/:client_id", s.ListTierCharges)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/api/v1/admin", s.DashboardAuthRequired())

	admin.POST("/accounts/:client_id/anchor-day", s.SetAnchorDay)
	admin.POST("/accounts/:client_id/recompute-allowance", s.RecomputeAllowance)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/marketpay/internal/audit"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	"github.com/smallbiznis/marketpay/internal/booking"
	"github.com/smallbiznis/marketpay/internal/cancellation"
	cancellationdomain "github.com/smallbiznis/marketpay/internal/cancellation/domain"
	"github.com/smallbiznis/marketpay/internal/commission"
	commissiondomain "github.com/smallbiznis/marketpay/internal/commission/domain"
	"github.com/smallbiznis/marketpay/internal/config"
	"github.com/smallbiznis/marketpay/internal/events"
	"github.com/smallbiznis/marketpay/internal/observability"
	obsmiddleware "github.com/smallbiznis/marketpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/marketpay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/marketpay/internal/observability/tracing"
	"github.com/smallbiznis/marketpay/internal/payment"
	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
	"github.com/smallbiznis/marketpay/internal/payment/webhook"
	"github.com/smallbiznis/marketpay/internal/ratelimit"
	"github.com/smallbiznis/marketpay/internal/risk"
	"github.com/smallbiznis/marketpay/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	audit.Module,
	events.Module,
	booking.Module,
	commission.Module,
	risk.Module,
	ratelimit.Module,
	payment.Module,
	cancellation.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

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
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	auditSvc      auditdomain.Service
	paymentSvc    paymentdomain.Service
	commissionSvc commissiondomain.Service
	cancellations cancellationdomain.Engine
	reconciler    *webhook.Reconciler
	guard         *ratelimit.PaymentGuard
	scheduler     *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	AuditSvc      auditdomain.Service
	PaymentSvc    paymentdomain.Service
	CommissionSvc commissiondomain.Service
	Cancellations cancellationdomain.Engine
	Reconciler    *webhook.Reconciler
	Guard         *ratelimit.PaymentGuard `optional:"true"`
	Scheduler     *scheduler.Scheduler    `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		auditSvc:      p.AuditSvc,
		paymentSvc:    p.PaymentSvc,
		commissionSvc: p.CommissionSvc,
		cancellations: p.Cancellations,
		reconciler:    p.Reconciler,
		guard:         p.Guard,
		scheduler:     p.Scheduler,
	}

	svc.registerHealthRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerHealthRoutes() {
	s.engine.GET("/health", s.Health)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(ActorContext())

	// -------- Payments --------
	api.POST("/payments", s.CreatePayment)
	api.GET("/payments/:id", s.GetPayment)
	api.POST("/payments/:id/refund", s.RefundPayment)
	api.GET("/payments/:id/audit", s.ListPaymentAuditLogs)

	// -------- Bookings --------
	api.POST("/bookings/:id/cancel", s.CancelBooking)

	// -------- Commissions --------
	api.GET("/commissions/quote", s.QuoteCommission)

	// -------- Gateway Webhooks --------
	api.POST("/webhooks/:provider", s.WebhookRateLimit(), s.HandlePaymentWebhook)
}

func (s *Server) Health(c *gin.Context) {
	health := s.scheduler.Health()
	status := "ok"
	if !health.Healthy {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"gateway": health,
	})
}

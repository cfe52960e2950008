package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/manuscript/internal/actor"
	auditdomain "github.com/smallbiznis/manuscript/internal/audit/domain"
	"github.com/smallbiznis/manuscript/internal/authorization"
	"github.com/smallbiznis/manuscript/internal/config"
	"github.com/smallbiznis/manuscript/internal/idempotency"
	idempotencydomain "github.com/smallbiznis/manuscript/internal/idempotency/domain"
	"github.com/smallbiznis/manuscript/internal/observability"
	obsmiddleware "github.com/smallbiznis/manuscript/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/manuscript/internal/observability/metrics"
	obstracing "github.com/smallbiznis/manuscript/internal/observability/tracing"
	orderdomain "github.com/smallbiznis/manuscript/internal/order/domain"
	"github.com/smallbiznis/manuscript/internal/ratelimit"
	walletdomain "github.com/smallbiznis/manuscript/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module serves the HTTP API. Domain services (orders, wallet, audit,
// events, generation queue) are provided by the enclosing app.
var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	idempotency.Module,
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

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
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
			log.Named("http.server").Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	authzSvc    authorization.Service
	auditSvc    auditdomain.Service
	orderSvc    orderdomain.Service
	walletSvc   walletdomain.Service
	idempotency idempotencydomain.Guard
	limiter     *ratelimit.AgencyLimiter
	obsMetrics  *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	AuthzSvc    authorization.Service
	AuditSvc    auditdomain.Service
	OrderSvc    orderdomain.Service
	WalletSvc   walletdomain.Service
	Idempotency idempotencydomain.Guard  `optional:"true"`
	Limiter     *ratelimit.AgencyLimiter `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("http.server"),
		authzSvc:    p.AuthzSvc,
		auditSvc:    p.AuditSvc,
		orderSvc:    p.OrderSvc,
		walletSvc:   p.WalletSvc,
		idempotency: p.Idempotency,
		limiter:     p.Limiter,
		obsMetrics:  p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(ActorRequired())
	api.Use(RequireRole(actor.RoleAgency))

	// -------- Orders --------
	api.POST("/orders", s.AgencyRateLimit(), s.authorize(authorization.ObjectOrder, authorization.ActionOrderCreate), s.CreateOrder)
	api.GET("/orders", s.authorize(authorization.ObjectOrder, authorization.ActionOrderView), s.ListOrders)
	api.GET("/orders/:id", s.authorize(authorization.ObjectOrder, authorization.ActionOrderView), s.GetOrder)
	api.PATCH("/orders/:id", s.AgencyRateLimit(), s.authorize(authorization.ObjectOrder, authorization.ActionOrderUpdate), s.UpdateDraft)
	api.POST("/orders/:id/submit", s.AgencyRateLimit(), s.authorize(authorization.ObjectOrder, authorization.ActionOrderSubmit), s.SubmitOrder)
	api.POST("/orders/:id/review", s.AgencyRateLimit(), s.authorize(authorization.ObjectOrder, authorization.ActionOrderReviewAgency), s.AgencyReviewOrder)
	api.POST("/orders/:id/cancel", s.AgencyRateLimit(), s.authorize(authorization.ObjectOrder, authorization.ActionOrderCancelRequest), s.RequestCancel)
	api.POST("/orders/:id/cancel/resolve", s.AgencyRateLimit(), s.authorize(authorization.ObjectOrder, authorization.ActionOrderCancelResolve), s.ResolveCancel)

	// -------- Wallet --------
	api.GET("/wallet", s.authorize(authorization.ObjectWallet, authorization.ActionWalletView), s.GetMyWallet)
	api.GET("/wallet/transactions", s.authorize(authorization.ObjectWallet, authorization.ActionWalletView), s.ListMyTransactions)
	api.POST("/wallet/topups", s.AgencyRateLimit(), s.authorize(authorization.ObjectTopup, authorization.ActionTopupRequest), s.RequestTopup)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(ActorRequired())
	admin.Use(RequireRole(actor.RoleAdmin))

	// -------- Orders --------
	admin.GET("/orders", s.authorize(authorization.ObjectOrder, authorization.ActionOrderView), s.ListOrders)
	admin.GET("/orders/:id", s.authorize(authorization.ObjectOrder, authorization.ActionOrderView), s.GetOrder)
	admin.POST("/orders/:id/intake", s.authorize(authorization.ObjectOrder, authorization.ActionOrderIntake), s.IntakeOrder)
	admin.POST("/orders/:id/generate", s.authorize(authorization.ObjectOrder, authorization.ActionOrderGenerate), s.GenerateOrder)
	admin.POST("/orders/:id/review", s.authorize(authorization.ObjectOrder, authorization.ActionOrderReviewAdmin), s.AdminReviewOrder)
	admin.POST("/orders/:id/cancel", s.authorize(authorization.ObjectOrder, authorization.ActionOrderCancelRequest), s.RequestCancel)
	admin.POST("/orders/:id/cancel/resolve", s.authorize(authorization.ObjectOrder, authorization.ActionOrderCancelResolve), s.ResolveCancel)
	admin.POST("/orders/:id/force-fail", s.authorize(authorization.ObjectOrder, authorization.ActionOrderForceFail), s.ForceFailOrder)
	admin.DELETE("/orders/:id", s.authorize(authorization.ObjectOrder, authorization.ActionOrderDelete), s.DeleteOrder)

	// -------- Topups --------
	admin.GET("/topups", s.authorize(authorization.ObjectTopup, authorization.ActionTopupView), s.ListTopups)
	admin.POST("/topups/:id/approve", s.authorize(authorization.ObjectTopup, authorization.ActionTopupApprove), s.ApproveTopup)
	admin.POST("/topups/:id/reject", s.authorize(authorization.ObjectTopup, authorization.ActionTopupReject), s.RejectTopup)

	// -------- Wallets --------
	admin.POST("/wallets/:userId", s.authorize(authorization.ObjectWallet, authorization.ActionWalletOpen), s.OpenWallet)
	admin.GET("/wallets/:userId", s.authorize(authorization.ObjectWallet, authorization.ActionWalletView), s.GetWallet)

	admin.GET("/audit-logs", s.authorize(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accountdomain "github.com/promptship/promptship/internal/account/domain"
	auditdomain "github.com/promptship/promptship/internal/audit/domain"
	billingdomain "github.com/promptship/promptship/internal/billing/domain"
	"github.com/promptship/promptship/internal/config"
	deploymentdomain "github.com/promptship/promptship/internal/deployment/domain"
	deploymentservice "github.com/promptship/promptship/internal/deployment/service"
	domainregdomain "github.com/promptship/promptship/internal/domainreg/domain"
	"github.com/promptship/promptship/internal/observability"
	obsmiddleware "github.com/promptship/promptship/internal/observability/logger"
	obsmetrics "github.com/promptship/promptship/internal/observability/metrics"
	obstracing "github.com/promptship/promptship/internal/observability/tracing"
	"github.com/promptship/promptship/internal/ratelimit"
	usagedomain "github.com/promptship/promptship/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, metrics *obsmetrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(metrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))

	return r
}

func registerGin(obsCfg observability.Config, metrics *obsmetrics.Metrics) *gin.Engine {
	return NewEngine(obsCfg, metrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: s.Engine(),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
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
	engine *gin.Engine
	cfg    config.Config
	genID  *snowflake.Node

	accountSvc    accountdomain.Service
	deploymentSvc deploymentdomain.Service
	runner        *deploymentservice.Runner
	usageSvc      usagedomain.Service
	billingSvc    billingdomain.Service
	domainSvc     domainregdomain.Service
	auditSvc      auditdomain.Service
	submitLimiter *ratelimit.SubmitLimiter
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	GenID         *snowflake.Node
	AccountSvc    accountdomain.Service
	DeploymentSvc deploymentdomain.Service
	Runner        *deploymentservice.Runner
	UsageSvc      usagedomain.Service
	BillingSvc    billingdomain.Service
	DomainSvc     domainregdomain.Service
	AuditSvc      auditdomain.Service
	SubmitLimiter *ratelimit.SubmitLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		genID:         p.GenID,
		accountSvc:    p.AccountSvc,
		deploymentSvc: p.DeploymentSvc,
		runner:        p.Runner,
		usageSvc:      p.UsageSvc,
		billingSvc:    p.BillingSvc,
		domainSvc:     p.DomainSvc,
		auditSvc:      p.AuditSvc,
		submitLimiter: p.SubmitLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerOpsRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Accounts --------
	api.POST("/users", s.CreateUser)
	api.GET("/users/:id", s.UserRequired(), s.GetUser)
	api.PUT("/users/:id/plan", s.UserRequired(), s.UpdateUserPlan)
	api.DELETE("/users/:id", s.UserRequired(), s.DeactivateUser)

	// -------- Deployments --------
	api.POST("/deployments", s.UserRequired(), s.SubmitRateLimit(), s.SubmitDeployment)
	api.GET("/deployments", s.UserRequired(), s.ListDeployments)
	api.GET("/deployments/:id", s.UserRequired(), s.GetDeployment)

	// -------- Usage --------
	api.POST("/usage", s.UserRequired(), s.RecordUsage)
	api.GET("/usage", s.UserRequired(), s.ListUsage)

	// -------- Billing --------
	api.GET("/billing", s.UserRequired(), s.ListBillingRecords)
	api.GET("/billing/:id", s.UserRequired(), s.GetBillingRecord)
	api.POST("/billing/:id/pay", s.UserRequired(), s.PayBillingRecord)

	// -------- Domains --------
	api.POST("/domains", s.UserRequired(), s.ClaimDomain)
	api.GET("/domains", s.UserRequired(), s.ListDomains)
	api.GET("/domains/:name", s.UserRequired(), s.GetDomain)
	api.DELETE("/domains/:name", s.UserRequired(), s.ReleaseDomain)

	// -------- Audit --------
	api.GET("/audit", s.UserRequired(), s.ListAuditLogs)
}

// registerOpsRoutes exposes operator verbs normally driven by the sweeper
// or provisioning workers. They run with system attribution.
func (s *Server) registerOpsRoutes() {
	ops := s.engine.Group("/ops")

	ops.POST("/deployments/:id/advance", s.AdvanceDeployment)
	ops.POST("/billing/close", s.CloseBillingPeriod)
	ops.POST("/domains/:name/provision", s.ProvisionDomain)
}

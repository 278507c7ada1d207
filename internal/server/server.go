// Package server exposes the entitlement core over HTTP for the host SaaS.
// Tenant identity arrives via gateway headers; the job endpoints are guarded
// by a shared token.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accessdomain "github.com/plurahq/quotient/internal/access/domain"
	"github.com/plurahq/quotient/internal/authorization"
	"github.com/plurahq/quotient/internal/clock"
	"github.com/plurahq/quotient/internal/config"
	creditdomain "github.com/plurahq/quotient/internal/credit/domain"
	entitlementdomain "github.com/plurahq/quotient/internal/entitlement/domain"
	overridedomain "github.com/plurahq/quotient/internal/override/domain"
	"github.com/plurahq/quotient/internal/scheduler"
	settingsdomain "github.com/plurahq/quotient/internal/settings/domain"
	usagedomain "github.com/plurahq/quotient/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
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
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	clock          clock.Clock
	entitlementSvc entitlementdomain.Service
	usageSvc       usagedomain.Service
	creditSvc      creditdomain.Service
	accessSvc      accessdomain.Service
	overrideSvc    overridedomain.Service
	settingsSvc    settingsdomain.Service
	authzSvc       authorization.Service
	scheduler      *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	Clock          clock.Clock
	EntitlementSvc entitlementdomain.Service
	UsageSvc       usagedomain.Service
	CreditSvc      creditdomain.Service
	AccessSvc      accessdomain.Service
	OverrideSvc    overridedomain.Service
	SettingsSvc    settingsdomain.Service
	AuthzSvc       authorization.Service
	Scheduler      *scheduler.Scheduler
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		clock:          p.Clock,
		entitlementSvc: p.EntitlementSvc,
		usageSvc:       p.UsageSvc,
		creditSvc:      p.CreditSvc,
		accessSvc:      p.AccessSvc,
		overrideSvc:    p.OverrideSvc,
		settingsSvc:    p.SettingsSvc,
		authzSvc:       p.AuthzSvc,
		scheduler:      p.Scheduler,
	}

	s.registerAPIRoutes()
	s.registerJobRoutes()

	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", TenantContext())

	v1.GET("/entitlements/current", s.requireAccess([]string{authorization.ActionEntitlementView}, true), s.GetCurrentEntitlements)

	v1.POST("/access/check", s.CheckAccess)

	v1.POST("/usage/consume", s.ConsumeUsage)
	v1.POST("/usage/preview", s.requireAccess([]string{authorization.ActionUsagePreview}, false), s.PreviewUsage)
	v1.GET("/usage/current", s.requireAccess([]string{authorization.ActionUsageView}, false), s.GetPeriodUsage)

	v1.GET("/credits/balance", s.requireAccess([]string{authorization.ActionCreditView}, false), s.GetCreditBalances)
	v1.GET("/credits/entries", s.requireAccess([]string{authorization.ActionCreditView}, false), s.ListCreditEntries)
	v1.POST("/credits/grant", s.authorizeUserAction(authorization.ObjectCredit, authorization.ActionCreditGrant), s.GrantCredits)
	v1.POST("/credits/adjust", s.authorizeUserAction(authorization.ObjectCredit, authorization.ActionCreditAdjust), s.AdjustCredits)

	v1.POST("/overrides", s.authorizeUserAction(authorization.ObjectOverride, authorization.ActionOverrideManage), s.CreateOverride)
	v1.POST("/overrides/:id/end", s.authorizeUserAction(authorization.ObjectOverride, authorization.ActionOverrideManage), s.EndOverride)

	v1.GET("/settings/credits", s.requireAccess(nil, false), s.GetCreditSettings)
	v1.PUT("/settings/credits", s.authorizeUserAction(authorization.ObjectCredit, authorization.ActionCreditAdjust), s.UpdateCreditSettings)
}

func (s *Server) registerJobRoutes() {
	jobs := s.engine.Group("/internal/jobs", s.JobTokenRequired())

	jobs.POST("/expire-credits", s.RunExpireCredits)
	jobs.POST("/recurring-grants", s.RunRecurringGrants)
}

// requireAccess runs the decision gate for the route: session, membership,
// the listed permission keys and, when asked, an active subscription. Denials
// answer with the decision body so callers see the reason and remediation.
func (s *Server) requireAccess(permissionKeys []string, requireSubscription bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, ok := requestScope(c)
		if !ok {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		decision, err := s.accessSvc.Check(c.Request.Context(), accessdomain.CheckRequest{
			Scope:                     scope,
			UserID:                    requestUserID(c),
			PermissionKeys:            permissionKeys,
			RequireActiveSubscription: requireSubscription,
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !decision.Allowed {
			c.AbortWithStatusJSON(decisionStatus(decision), decision)
			return
		}
		c.Next()
	}
}

func decisionStatus(decision accessdomain.Decision) int {
	if decision.Reason == accessdomain.ReasonNoSession {
		return http.StatusUnauthorized
	}
	return http.StatusForbidden
}

// authorizeUserAction gates mutating endpoints on the caller's role within
// the agency.
func (s *Server) authorizeUserAction(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, ok := requestScope(c)
		if !ok {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		userID := requestUserID(c)
		if userID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), "user:"+userID, scope.AgencyID, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

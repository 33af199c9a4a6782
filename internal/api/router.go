package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/leozw/partner-guardian/internal/api/handlers"
	"github.com/leozw/partner-guardian/internal/api/middleware"
	"github.com/leozw/partner-guardian/internal/auth"
	"github.com/leozw/partner-guardian/internal/config"
	"github.com/leozw/partner-guardian/internal/core"
)

type Server struct {
	Config   *config.Config
	Router   *gin.Engine
	handler  *handlers.Handler
	tokens   *auth.TokenManager
	origins  *middleware.Origins
	registry *prometheus.Registry
	limiter  *middleware.IPRateLimiter
}

func NewServer(cfg *config.Config, h *handlers.Handler, tokens *auth.TokenManager, origins *middleware.Origins, registry *prometheus.Registry, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Middleware
	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(origins))

	server := &Server{
		Config:   cfg,
		Router:   router,
		handler:  h,
		tokens:   tokens,
		origins:  origins,
		registry: registry,
		limiter:  middleware.NewIPRateLimiter(rate.Limit(cfg.Auth.LoginRate), cfg.Auth.LoginBurst),
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	h := s.handler

	// Health check
	s.Router.GET("/health", h.Health)
	s.Router.GET("/ready", h.Ready)
	s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	// Auth routes
	authGroup := s.Router.Group("/api/v1/auth")
	authGroup.POST("/login", middleware.RateLimit(s.limiter), h.Login)

	// API routes (protected)
	api := s.Router.Group("/api/v1")
	api.Use(middleware.AuthRequired(s.tokens))
	admin := middleware.RequireRole(core.RoleAdmin)

	{
		api.GET("/auth/me", h.Me)
		api.POST("/auth/change-password", h.ChangePassword)
	}

	// Dashboard routes
	{
		api.GET("/dashboard/overview", h.DashboardOverview)
		api.GET("/dashboard/partners", h.DashboardPartners)
		api.POST("/dashboard/refresh", h.RefreshDashboard)
	}

	// Alert routes
	{
		api.GET("/alerts/summary", h.AlertSummary)
		api.GET("/alerts", h.ListAlerts)
		api.PUT("/alerts/:id/dismiss", admin, h.DismissAlert)
	}

	// Partner routes
	{
		api.GET("/partners", h.ListPartners)
		api.POST("/partners", admin, h.CreatePartner)
		api.GET("/partners/:id", h.GetPartner)
		api.PUT("/partners/:id", admin, h.UpdatePartner)
		api.DELETE("/partners/:id", admin, h.DeletePartner)
		api.POST("/partners/:id/concurrency", admin, h.UpdateConcurrency)
		api.GET("/partners/:id/concurrency/suggestion", h.SuggestConcurrency)
		api.POST("/partners/:id/test", admin, h.TestConnection)
		api.POST("/partners/:id/force-sync", admin, h.ForceSync)
		api.GET("/partners/:id/metrics", h.PartnerMetrics)
		api.GET("/partners/:id/logs", h.PartnerLogs)
		api.DELETE("/partners/:id/logs", admin, h.ClearPartnerLogs)
		api.GET("/partners/:id/history", h.ConcurrencyHistory)
		api.POST("/partners/:id/pause-non-priority", admin, h.PauseNonPriority)
		api.GET("/partners/:id/period-stats", h.PartnerPeriodStats)
	}

	// Concurrency and cross-partner routes
	{
		api.PUT("/concurrency/bulk", admin, h.BulkUpdateConcurrency)
		api.GET("/all-partners/period-stats", h.AllPartnersPeriodStats)
	}

	// Settings routes
	{
		api.GET("/settings", h.ListSettings)
		api.GET("/settings/:key", h.GetSetting)
		api.PUT("/settings", admin, h.UpdateSettings)
	}
}

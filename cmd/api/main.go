package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/partner-guardian/internal/alerts"
	"github.com/leozw/partner-guardian/internal/api"
	"github.com/leozw/partner-guardian/internal/api/handlers"
	"github.com/leozw/partner-guardian/internal/api/middleware"
	"github.com/leozw/partner-guardian/internal/auth"
	"github.com/leozw/partner-guardian/internal/checks"
	"github.com/leozw/partner-guardian/internal/concurrency"
	"github.com/leozw/partner-guardian/internal/config"
	"github.com/leozw/partner-guardian/internal/core"
	"github.com/leozw/partner-guardian/internal/db"
	"github.com/leozw/partner-guardian/internal/metrics"
	"github.com/leozw/partner-guardian/internal/scheduler"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Setup logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("JWT_SECRET must be set")
	}

	// Database
	database, err := db.NewConnection(cfg.Database.URL, db.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	if cfg.Database.MigrateOnStart {
		if err := db.Migrate(database); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
	}

	repo := db.NewRepository(database)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bootstrapAdmin(ctx, repo, cfg.Auth, logger); err != nil {
		logger.Fatal("Failed to create admin user", zap.Error(err))
	}

	metricsCollector := metrics.NewCollector(cfg.Mimir)
	source := checks.NewTunnelSource(checks.Options{
		ConnectTimeout: cfg.Collector.ConnectionTimeout,
		QueryTimeout:   cfg.Collector.QueryTimeout,
	}, logger.Named("tunnel"))

	var notifier alerts.Notifier
	if cfg.Email.SendGridAPIKey != "" {
		notifier = alerts.NewSendGridNotifier(cfg.Email.SendGridAPIKey, cfg.Email.FromName, cfg.Email.FromAddress)
	}
	alertService := alerts.NewService(repo, notifier, metricsCollector, logger.Named("alerts"), cfg.Email.Throttle)
	concurrencyService := concurrency.NewService(repo, source, metricsCollector, logger.Named("concurrency"))

	// On-demand collection only; the worker runs the periodic cycle.
	collector := scheduler.NewScheduler(repo, source, alertService, metricsCollector, logger.Named("collector"), cfg.Collector)

	origins := middleware.NewOrigins(cfg.Server.AllowedOrigins)
	if settings, err := repo.LoadSettings(ctx); err != nil {
		logger.Warn("Failed to load settings for CORS", zap.Error(err))
	} else {
		origins.Update(settings.StringList(core.SettingPublicAPIAllowedDomains))
	}

	tokens := auth.NewTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
	handler := handlers.NewHandler(handlers.Deps{
		Store:       repo,
		Collector:   collector,
		Tester:      source,
		Concurrency: concurrencyService,
		Periods:     source,
		Tokens:      tokens,
		Origins:     origins,
		Metrics:     metricsCollector,
		Logger:      logger.Named("api"),
	}).WithBackground(ctx)

	// API Server
	server := api.NewServer(cfg, handler, tokens, origins, metricsCollector.Registry(), logger.Named("http"))

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("API server started", zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// bootstrapAdmin creates the first ADMIN user when the user table is empty.
func bootstrapAdmin(ctx context.Context, repo *db.Repository, cfg config.AuthConfig, logger *zap.Logger) error {
	count, err := repo.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if cfg.AdminPassword == "" {
		logger.Warn("No users exist and ADMIN_PASSWORD is not set; skipping admin bootstrap")
		return nil
	}

	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}
	now := time.Now()
	user := &core.User{
		ID:           uuid.New().String(),
		Username:     cfg.AdminUsername,
		Email:        cfg.AdminEmail,
		Role:         core.RoleAdmin,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := repo.CreateUser(ctx, user); err != nil {
		return err
	}

	logger.Info("Created admin user", zap.String("username", user.Username))
	return nil
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/leozw/partner-guardian/internal/alerts"
	"github.com/leozw/partner-guardian/internal/checks"
	"github.com/leozw/partner-guardian/internal/config"
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

	// Database connection
	database, err := db.NewConnection(cfg.Database.URL, db.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	// Initialize repositories
	repo := db.NewRepository(database)

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector(cfg.Mimir)

	// Partner metrics source
	source := checks.NewTunnelSource(checks.Options{
		ConnectTimeout: cfg.Collector.ConnectionTimeout,
		QueryTimeout:   cfg.Collector.QueryTimeout,
	}, logger.Named("tunnel"))

	// Alert lifecycle and notifications
	var notifier alerts.Notifier
	if cfg.Email.SendGridAPIKey != "" {
		notifier = alerts.NewSendGridNotifier(cfg.Email.SendGridAPIKey, cfg.Email.FromName, cfg.Email.FromAddress)
	} else {
		logger.Info("SENDGRID_API_KEY not set, alert emails disabled")
	}
	alertService := alerts.NewService(repo, notifier, metricsCollector, logger.Named("alerts"), cfg.Email.Throttle)

	// Initialize scheduler
	sched := scheduler.NewScheduler(repo, source, alertService, metricsCollector, logger, cfg.Collector)

	// Start scheduler
	ctx, cancel := context.WithCancel(context.Background())
	go sched.Start(ctx)

	// Start metrics exporter
	go metricsCollector.StartRemoteWrite(ctx, logger.Named("remote_write"))

	logger.Info("Worker started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()
	logger.Info("Worker exited")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geo-sightings/internal/application/notification"
	"github.com/geo-sightings/internal/application/retention"
	"github.com/geo-sightings/internal/application/sighting"
	"github.com/geo-sightings/internal/application/subscription"
	"github.com/geo-sightings/internal/config"
	"github.com/geo-sightings/internal/domain"
	"github.com/geo-sightings/internal/infrastructure/dynamo"
	jwtinfra "github.com/geo-sightings/internal/infrastructure/jwt"
	s3infra "github.com/geo-sightings/internal/infrastructure/s3"
	"github.com/geo-sightings/internal/infrastructure/sns"
	"github.com/geo-sightings/internal/metrics"
	"github.com/geo-sightings/internal/pkg/clock"
	transporthttp "github.com/geo-sightings/internal/transport/http"
	appmiddleware "github.com/geo-sightings/internal/transport/http/middleware"
	"github.com/geo-sightings/internal/worker"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment")
	}

	cfg := config.Load()
	setupLogging(cfg)
	metrics.Register()

	if cfg.APISecretKey == "" {
		if cfg.IsProduction() {
			log.Fatal("API_SECRET_KEY must be set in production")
		}
		slog.Warn("API_SECRET_KEY not set, client routes are open")
	}

	clk := clock.Real{}

	// Bootstrap DynamoDB tables (creates them if they don't exist).
	dynamoClient := dynamo.NewClient(cfg)
	dynamo.Bootstrap(context.Background(), dynamoClient, cfg.DynamoTables)

	eventRepo := dynamo.NewEventRepo(dynamoClient, cfg.DynamoTables.Events, clk)
	subRepo := dynamo.NewSubscriptionRepo(dynamoClient, cfg.DynamoTables.Subscriptions)
	ledgerRepo := dynamo.NewLedgerRepo(dynamoClient, cfg.DynamoTables.Notifications)

	// JWT provider is optional. Operator routes are not mounted without it.
	var jwtProvider *jwtinfra.Provider
	if p, err := jwtinfra.NewProvider(cfg); err == nil {
		jwtProvider = p
	} else {
		slog.Warn("JWT provider not available, admin routes disabled", "err", err)
	}

	snsClient, err := sns.NewClient(cfg)
	if err != nil {
		log.Fatalf("sns client: %v", err)
	}
	if cfg.SNSPlatformApplicationARN == "" {
		slog.Warn("SNS_PLATFORM_APPLICATION_ARN not set, pushes will fail and be retried")
	}

	notifier := notification.NewService(notification.ServiceDeps{
		Subscriptions: subRepo,
		Events:        eventRepo,
		Ledger:        notification.NewLedger(ledgerRepo, clk),
		Transport:     sns.NewTransport(snsClient, cfg.SNSPlatformApplicationARN),
		Clock:         clk,
		RadiusMiles:   cfg.Notify.RadiusMiles,
		Lookback:      cfg.Notify.Lookback,
		RecordTTL:     cfg.Retention.NotificationTTL,
	})

	sweeper := retention.NewSweeper(clk, cfg.Retention.BatchSize, auditLog(cfg),
		retention.Target{Name: "events", Tier: retention.TierServer, Store: eventRepo, Field: domain.FieldExpiresAt},
		retention.Target{Name: "notifications", Tier: retention.TierServer, Store: ledgerRepo, Field: domain.FieldExpiresAt},
		retention.Target{Name: "subscriptions", Tier: retention.TierServer, Store: subRepo, Field: domain.FieldUpdatedAt, Age: cfg.Retention.SubscriptionMaxAge},
	)

	var counter appmiddleware.Counter
	switch cfg.RateLimiting.Backend {
	case "dynamo":
		counter = appmiddleware.NewSharedCounter(dynamo.NewCounterRepo(dynamoClient, cfg.DynamoTables.RateLimits), clk)
	default:
		counter = appmiddleware.NewRateLimiter(clk)
	}

	deps := &transporthttp.Deps{
		Sightings: sighting.NewService(sighting.ServiceDeps{
			Events:             eventRepo,
			Notifier:           notifier,
			Clock:              clk,
			EventTTL:           cfg.Retention.EventTTL,
			TimestampTolerance: cfg.TimestampTolerance,
		}),
		Subscriptions: subscription.NewService(subRepo, clk),
		Notifier:      notifier,
		Sweeper:       sweeper,
		JWTProvider:   jwtProvider,
		RateCounter:   counter,
	}

	router := transporthttp.NewRouter(cfg, deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	jobsCtx, stopJobs := context.WithCancel(context.Background())
	jobs := worker.NewScheduler(
		worker.Job{Name: "retention", Every: cfg.Retention.Interval, Run: func(ctx context.Context) error {
			if res := sweeper.Sweep(ctx, retention.TierServer); res.Partial != nil {
				return res.Partial
			}
			return nil
		}},
		worker.Job{Name: "notify-sweep", Every: cfg.Notify.SweepInterval, Run: func(ctx context.Context) error {
			_, err := notifier.SweepRecent(ctx)
			return err
		}},
	)
	jobs.Start(jobsCtx)

	go func() {
		slog.Info("server starting", "port", cfg.AppPort, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	stopJobs()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	jobs.Wait()
	slog.Info("server stopped")
}

func setupLogging(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.IsProduction() {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

// auditLog returns the S3 sweep audit trail, or nil when no bucket is configured.
func auditLog(cfg *config.Config) retention.AuditLog {
	if cfg.AuditBucket == "" {
		return nil
	}
	return s3infra.NewAuditLog(s3infra.NewClient(cfg), cfg.AuditBucket)
}

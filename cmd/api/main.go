package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/matthew-callmother/estimator/internal/api"
	"github.com/matthew-callmother/estimator/internal/api/router"
	appconfig "github.com/matthew-callmother/estimator/internal/config"
	"github.com/matthew-callmother/estimator/internal/engine"
	"github.com/matthew-callmother/estimator/internal/observability/metrics"
	"github.com/matthew-callmother/estimator/internal/permits"
	"github.com/matthew-callmother/estimator/internal/schema"
	"github.com/matthew-callmother/estimator/internal/store"
	"github.com/matthew-callmother/estimator/internal/submit"
	"github.com/matthew-callmother/estimator/pkg/logging"
)

func main() {
	// .env is optional; real deployments set environment variables directly.
	_ = godotenv.Load()

	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting estimator API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	if cfg.EstimatorConfigURL == "" || cfg.WebhookURL == "" {
		logger.Error("ESTIMATOR_CONFIG_URL and WEBHOOK_URL are required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	estimatorCfg, err := schema.NewLoader(cfg.EstimatorConfigURL, schema.WithLogger(logger)).Fetch(ctx)
	cancel()
	if err != nil {
		logger.Error("failed to load estimator config", "error", err)
		os.Exit(1)
	}
	em := metrics.NewEstimatorMetrics(nil)

	sessions := buildSessionStore(cfg, logger)

	datasetClient := permits.NewDatasetClient(cfg.PermitDatasetURL, permits.WithLogger(logger))
	coordinator := permits.NewCoordinator(datasetClient,
		permits.WithMetrics(em),
		permits.WithCoordinatorLogger(logger),
	)

	webhook := submit.NewWebhook(cfg.WebhookURL, submit.WithLogger(logger))
	archive := buildArchive(cfg, logger)

	eng := engine.New(estimatorCfg, sessions, coordinator, webhook, archive,
		engine.WithMetrics(em),
		engine.WithLogger(logger),
		engine.WithCooldown(cfg.SubmitCooldown),
	)

	r := router.New(&router.Config{
		Logger:             logger,
		Sessions:           api.NewSessionHandler(eng, estimatorCfg, logger),
		MetricsHandler:     promhttp.Handler(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func buildSessionStore(cfg *appconfig.Config, logger *logging.Logger) store.SessionStore {
	if cfg.RedisAddr == "" {
		logger.Info("REDIS_ADDR not set, using in-memory sessions")
		return store.NewMemoryStore()
	}

	options := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}

	logger.Info("using redis sessions", "addr", cfg.RedisAddr, "ttl", cfg.SessionTTL)
	return store.NewRedisStore(client, cfg.SessionTTL)
}

func buildArchive(cfg *appconfig.Config, logger *logging.Logger) submit.Archive {
	if cfg.DatabaseURL == "" {
		logger.Info("DATABASE_URL not set, using in-memory lead archive")
		return submit.NewMemoryArchive()
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	if err := db.Ping(); err != nil {
		logger.Error("database unreachable", "error", err)
		os.Exit(1)
	}

	logger.Info("using postgres lead archive")
	return submit.NewPostgresArchive(db)
}

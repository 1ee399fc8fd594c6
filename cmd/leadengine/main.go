/*
Command leadengine is the search engine's entry point: wires config,
logging, Postgres storage, an optional Redis client, provider adapters,
the credit-metered pipeline driver, and the HTTP API together, then serves
with graceful shutdown.

Grounded on the teacher's main.go — config → logger → Redis → provider
registry → router → http.Server, background pollers started before
ListenAndServe and stopped before Shutdown, OS signal handling for
SIGINT/SIGTERM — generalized from the gateway's LLM provider registration
to this domain's bulk/exact adapters and cache janitor.
*/
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leadengine/searchengine/internal/alerting"
	"github.com/leadengine/searchengine/internal/cache"
	"github.com/leadengine/searchengine/internal/config"
	"github.com/leadengine/searchengine/internal/httpapi"
	"github.com/leadengine/searchengine/internal/ledger"
	"github.com/leadengine/searchengine/internal/logging"
	"github.com/leadengine/searchengine/internal/obsmetrics"
	"github.com/leadengine/searchengine/internal/pipeline"
	"github.com/leadengine/searchengine/internal/providers"
	"github.com/leadengine/searchengine/internal/store/postgres"
	"github.com/leadengine/searchengine/internal/tasks"
	"github.com/leadengine/searchengine/internal/verify"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("leadengine starting")

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	st, err := postgres.New(context.Background(), cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection failed")
	}
	defer st.Close()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("invalid redis url — rate limiting falls back to in-memory")
		} else {
			redisClient = redis.NewClient(opts)
			if err := redisClient.Ping(context.Background()).Err(); err != nil {
				log.Warn().Err(err).Msg("redis ping failed — rate limiting falls back to in-memory")
				redisClient = nil
			} else {
				log.Info().Msg("redis connected")
			}
		}
	}

	pool := providers.NewConnectionPool(providers.DefaultPoolConfig())
	registry := providers.NewRegistry()
	registry.Register(providers.NewBulkAdapter(
		providers.DefaultBulkConfig(cfg.BulkSearchBaseURL, cfg.ProviderSearchToken), pool, st, log))
	registry.Register(providers.NewExactAdapter(
		providers.DefaultExactConfig(cfg.ScrapeBaseURL, cfg.ScraperProxyToken, cfg.EnrichBaseURL, cfg.ProviderEnrichToken), pool, st, log))

	ledgerSvc := ledger.New(st, log)
	cacheSvc := cache.New(st, log)
	tasksSvc := tasks.New(st, log)
	verifier := verify.New(verify.DefaultConfig(cfg.VerifyBaseURL, cfg.VerifyToken), &http.Client{Timeout: 30 * time.Second}, log)
	alerter := alerting.New(alerting.Config{WebhookURL: cfg.SlackWebhookURL, Channel: cfg.SlackChannel, Enabled: cfg.SlackWebhookURL != ""}, log)

	fees := pipeline.Fees{BaseFeeCredits: int64(cfg.BaseFeeCredits), PerRecordFeeCredits: int64(cfg.PerRecordFeeCredits)}
	exec := pipeline.ExecutorTuning{
		BatchSize:          cfg.BatchSize,
		BatchDelayMs:       cfg.BatchDelayMs,
		RetryBaseDelayMs:   cfg.RetryBaseDelayMs,
		DeferredPreWaitMs:  cfg.RetryDelayMs,
		DeferredBatchSize:  cfg.DeferredBatchSize,
		DeferredBatchDelay: cfg.DeferredBatchDelay,
	}
	metrics := obsmetrics.New()

	driver := pipeline.New(st, ledgerSvc, cacheSvc, registry, verifier, tasksSvc, alerter, fees, exec, log, metrics)

	janitor := cache.NewJanitor(cacheSvc, log, 30*time.Minute)
	janitor.Start()

	router := httpapi.NewRouter(httpapi.Deps{
		Store:     st,
		Ledger:    ledgerSvc,
		Cache:     cacheSvc,
		Providers: registry,
		Tasks:     tasksSvc,
		Driver:    driver,
		Metrics:   metrics,
		Config:    cfg,
		Redis:     redisClient,
		Logger:    log,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DefaultTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("leadengine listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	janitor.Stop()
	if redisClient != nil {
		_ = redisClient.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("leadengine stopped gracefully")
	}
}

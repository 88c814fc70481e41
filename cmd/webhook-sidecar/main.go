package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/zoff-tech/go-webhooks/pkg/broker"
	"github.com/zoff-tech/go-webhooks/pkg/config"
	"github.com/zoff-tech/go-webhooks/pkg/logging"
	"github.com/zoff-tech/go-webhooks/pkg/metrics"
	"github.com/zoff-tech/go-webhooks/pkg/processor"
	"github.com/zoff-tech/go-webhooks/pkg/server"
	"github.com/zoff-tech/go-webhooks/pkg/store"
	"github.com/zoff-tech/go-webhooks/pkg/telemetry"
	"github.com/zoff-tech/go-webhooks/pkg/webhook"
	"github.com/zoff-tech/go-webhooks/schema"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/webhook-sidecar")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger := logging.New("webhook-sidecar", cfg.LogLevel, glog.WithLoggerType(cfg.LogFormat))

	// Tracing is optional; without an endpoint spans go to the no-op provider
	if cfg.Observability.TracingEndpoint != "" {
		shutdownTelemetry, err := telemetry.Init(ctx, cfg.Observability)
		if err != nil {
			logger.Fatal("Failed to initialize telemetry", "error", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				logger.Error("Error shutting down tracer provider", "error", err)
			}
		}()
	}
	if cfg.Observability.MetricsEnabled {
		metrics.RegisterDefault()
	}

	repo, err := store.NewRepository(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to initialize repository", "type", cfg.Database.Type, "error", err)
	}

	system := webhook.New(webhook.Options{
		Store:       repo,
		BatchWindow: cfg.BatchWindow,
		Concurrency: cfg.Delivery.Concurrency,
		Delivery: webhook.DeliveryConfig{
			Timeout:          cfg.Delivery.Timeout,
			BaseDelay:        cfg.Retry.BaseDelay,
			MaxDelay:         cfg.Retry.MaxDelay,
			MaxAttempts:      cfg.Retry.MaxAttempts,
			MaxResponseBytes: cfg.Delivery.MaxResponseBytes,
			RateLimit:        cfg.Delivery.RateLimit,
			RateBurst:        cfg.Delivery.RateBurst,
		},
		Logger: logger,
	})

	var wg sync.WaitGroup

	var consumer broker.MutationConsumer
	if cfg.Broker.Type != "" {
		consumer, err = broker.NewConsumer(ctx, cfg.Broker, logger)
		if err != nil {
			logger.Fatal("Failed to initialize broker", "type", cfg.Broker.Type, "error", err)
		}
		source := cfg.Broker.Type
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := consumer.Consume(ctx, func(ctx context.Context, msg schema.MutationMessage) error {
				system.Interceptor.Accept(ctx, source, msg)
				return nil
			})
			if err != nil {
				logger.Error("Mutation consumer stopped", "error", err)
				stop()
			}
		}()
	}

	var srv *server.Server
	if cfg.Server.Addr != "" {
		srv = server.New(cfg.Server, system.Interceptor, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil {
				logger.Error("HTTP server stopped", "error", err)
				stop()
			}
		}()
	}

	if cfg.Retry.Enabled {
		retries := processor.NewRetryProcessor(repo, system.Deliverer, cfg.Retry, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			retries.ProcessEvents(ctx)
		}()
	}

	logger.Info("webhook sidecar started",
		"database", cfg.Database.Type, "broker", cfg.Broker.Type, "server", cfg.Server.Addr, "retry", cfg.Retry.Enabled)
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg.Server))
	defer cancel()

	// Stop intake first so the final flush sees every accepted mutation
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down HTTP server", "error", err)
		}
	}
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Error("Failed to close broker", "error", err)
		}
	}
	wg.Wait()

	if err := system.Close(shutdownCtx); err != nil {
		logger.Error("Pending webhooks not flushed before shutdown", "error", err)
	}
	if err := repo.Close(); err != nil {
		logger.Error("Failed to close repository", "error", err)
	}
}

func shutdownTimeout(cfg config.ServerSettings) time.Duration {
	if cfg.ShutdownTimeout > 0 {
		return cfg.ShutdownTimeout
	}
	return 10 * time.Second
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/maxcherey/insight-etl/internal/collector"
	"github.com/maxcherey/insight-etl/internal/config"
	"github.com/maxcherey/insight-etl/internal/database"
	"github.com/maxcherey/insight-etl/internal/lock"
	"github.com/maxcherey/insight-etl/internal/logging"
	"github.com/maxcherey/insight-etl/internal/ops"
	"github.com/maxcherey/insight-etl/internal/upstream"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading it, using environment variables")
	}

	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("collection failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Configuration problems are fatal before any run record exists.
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Cancellation stops new upstream requests at the next record
	// boundary; the sink is flushed and the run finalized as failed.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("connecting to sink")
	db, err := database.Connect(ctx, logger, cfg.Sink)
	if err != nil {
		return err
	}
	defer db.Close()

	adapter, err := upstream.New(logger, cfg.Upstream)
	if err != nil {
		return err
	}

	// The scheduler must not start overlapping runs against one data
	// source; the redis lease enforces that when configured.
	if cfg.Redis.Enabled() {
		runLock, err := lock.New(ctx, cfg.Redis, cfg.Upstream.DataSource)
		if err != nil {
			return err
		}
		defer runLock.Close()
		if err := runLock.Acquire(ctx); err != nil {
			return err
		}
		defer runLock.Release(context.WithoutCancel(ctx))
	}

	orchestrator := collector.New(logger, cfg.Collector, adapter, db, db)

	if cfg.Ops.Addr != "" {
		server := ops.NewServer(logger, cfg.Ops.Addr, cfg.Upstream.DataSource, orchestrator)
		server.Start()
		defer server.Shutdown(context.WithoutCancel(ctx))
	}

	return orchestrator.Run(ctx)
}

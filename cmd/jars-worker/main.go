package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"sixjars/internal/amqp"
	"sixjars/internal/backend"
	"sixjars/internal/config"
	"sixjars/internal/services"
	"sixjars/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting jars-worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	store, err := backend.New(backend.Config{
		Type:         backend.Type(cfg.DataBackend),
		SQLiteDBPath: cfg.SQLiteDBPath,
	})
	if err != nil {
		logger.Error("Failed to initialize data backend", "error", err, "backend", cfg.DataBackend)
		os.Exit(1)
	}
	if store.Cleanup != nil {
		defer store.Cleanup()
	}

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRequestQueue, cfg.AMQPEventQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	service := services.NewJarService(store.Repo, store.Incomes, amqpClient)
	batchWorker := worker.NewBatchWorker(service, store.Incomes)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return amqpClient.Consume(ctx, batchWorker.HandleBatchRequest, batchWorker.HandleIncomeChanged)
	})

	// Periodic invariant repair, a backstop against crashes between a
	// batch's mutation and its rebalance.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.RepairInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := batchWorker.RepairSweep(ctx, store.Repo); err != nil {
					logger.Error("Repair sweep failed", "error", err)
				}
			}
		}
	})

	logger.Info("jars-worker running",
		"backend", cfg.DataBackend,
		"request_queue", cfg.AMQPRequestQueue,
		"event_queue", cfg.AMQPEventQueue,
		"repair_interval", cfg.RepairInterval)

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("jars-worker stopped gracefully")
}

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"sixjars/internal/backend"
	"sixjars/internal/config"
	"sixjars/internal/services"
)

// jars-repair is the manual reconciliation tool: it recomputes every
// user's percent sum and rescales any set whose invariant is broken.
func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

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

	// No event publication from the repair tool.
	service := services.NewJarService(store.Repo, store.Incomes, nil)

	ctx := context.Background()
	users, err := store.Repo.ListUsers(ctx)
	if err != nil {
		logger.Error("Failed to list users", "error", err)
		os.Exit(1)
	}

	repaired, failed := 0, 0
	for _, userID := range users {
		report, err := service.Repair(ctx, userID)
		if err != nil {
			logger.Error("Repair failed", "user_id", userID, "error", err)
			failed++
			continue
		}
		if report.Repaired {
			logger.Warn("Repaired allocation invariant", "user_id", userID, "sum_before", report.Sum)
			repaired++
		} else {
			logger.Info("Allocation invariant holds", "user_id", userID, "sum", report.Sum)
		}

		// Re-derive every amount from the current income while we are here,
		// in case an income change was recorded but never swept.
		if err := service.ApplyIncomeChange(ctx, userID); err != nil {
			logger.Error("Income sweep failed", "user_id", userID, "error", err)
			failed++
		}
	}

	logger.Info("Repair run completed",
		"users", len(users),
		"repaired", repaired,
		"failed", failed)
	if failed > 0 {
		os.Exit(1)
	}
}

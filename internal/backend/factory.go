package backend

import (
	"fmt"
	"log/slog"

	"sixjars/internal/memory"
	"sixjars/internal/storage"
)

// New creates the configured data backend. The memory backend is meant
// for local runs and tests; sqlite is the durable default.
func New(config Config) (*Result, error) {
	if !config.Type.IsValid() {
		return nil, fmt.Errorf("invalid backend type: %s", config.Type)
	}

	switch config.Type {
	case SQLiteBackend:
		repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite repository: %w", err)
		}
		slog.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)
		return &Result{
			Repo:    repo,
			Incomes: repo,
			Cleanup: repo.Close,
		}, nil

	case MemoryBackend:
		store := memory.New()
		slog.Info("Initialized memory backend")
		return &Result{
			Repo:    store,
			Incomes: store,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

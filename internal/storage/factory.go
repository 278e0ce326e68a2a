// Package storage selects the persistence backend for the configured
// deployment profile: PostgreSQL for standard deployments, SQLite for the
// single-node lite profile, and the in-memory backend for development.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vitaliisemenov/content-quality/internal/config"
	"github.com/vitaliisemenov/content-quality/internal/core"
	"github.com/vitaliisemenov/content-quality/internal/storage/memory"
	"github.com/vitaliisemenov/content-quality/internal/storage/postgres"
	"github.com/vitaliisemenov/content-quality/internal/storage/sqlite"
)

// New builds and connects the storage backend named by the configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (core.Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var store core.Storage
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		store = postgres.New(postgres.Config{
			DSN:             cfg.Database.DSN(),
			MaxConnections:  cfg.Database.MaxConnections,
			MinConnections:  cfg.Database.MinConnections,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
			ConnectTimeout:  cfg.Database.ConnectTimeout,
			Logger:          logger,
		})
	case config.BackendSQLite:
		store = sqlite.New(cfg.Storage.SQLitePath, logger)
	case config.BackendMemory:
		logger.Warn("in-memory storage selected; data will not persist")
		store = memory.New(logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	if err := store.Connect(ctx); err != nil {
		return nil, fmt.Errorf("storage connect (%s): %w", cfg.Storage.Backend, err)
	}
	logger.Info("storage backend ready", "backend", cfg.Storage.Backend)
	return store, nil
}

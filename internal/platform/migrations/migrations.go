// Package migrations manages the database schema with goose. The SQL files
// are embedded so a single binary can migrate any environment; the triggers
// they install are the canonical enforcement of the write-once rules.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var embedded embed.FS

// Config holds migration settings.
type Config struct {
	Driver  string        // "pgx" or "sqlite"
	Dialect string        // "postgres" or "sqlite3"
	DSN     string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Manager applies and inspects schema migrations.
type Manager struct {
	cfg    Config
	db     *sql.DB
	logger *slog.Logger
}

// NewManager opens a database handle for migration operations.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database for migrations: %w", err)
	}
	return &Manager{cfg: cfg, db: db, logger: cfg.Logger}, nil
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	goose.SetBaseFS(embedded)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(m.cfg.Dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, m.db, "sql"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, m.db)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	m.logger.Info("migrations applied", "version", version)
	return nil
}

// Down rolls back the most recent migration.
func (m *Manager) Down(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	goose.SetBaseFS(embedded)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(m.cfg.Dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.DownContext(ctx, m.db, "sql"); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// Version returns the current schema version.
func (m *Manager) Version(ctx context.Context) (int64, error) {
	goose.SetBaseFS(embedded)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(m.cfg.Dialect); err != nil {
		return 0, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return goose.GetDBVersionContext(ctx, m.db)
}

// Status logs the migration status table.
func (m *Manager) Status(ctx context.Context) error {
	goose.SetBaseFS(embedded)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(m.cfg.Dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return goose.StatusContext(ctx, m.db, "sql")
}

// Close releases the migration connection.
func (m *Manager) Close() error {
	return m.db.Close()
}

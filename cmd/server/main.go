// Package main is the entry point of the content quality engine service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/vitaliisemenov/content-quality/internal/api"
	"github.com/vitaliisemenov/content-quality/internal/config"
	"github.com/vitaliisemenov/content-quality/internal/core"
	"github.com/vitaliisemenov/content-quality/internal/evaluation"
	"github.com/vitaliisemenov/content-quality/internal/platform/lock"
	"github.com/vitaliisemenov/content-quality/internal/platform/migrations"
	"github.com/vitaliisemenov/content-quality/internal/review"
	"github.com/vitaliisemenov/content-quality/internal/rewrite"
	"github.com/vitaliisemenov/content-quality/internal/scoring"
	"github.com/vitaliisemenov/content-quality/internal/scoring/aeo"
	"github.com/vitaliisemenov/content-quality/internal/scoring/ailikeness"
	"github.com/vitaliisemenov/content-quality/internal/storage"
	"github.com/vitaliisemenov/content-quality/internal/workers"
	"github.com/vitaliisemenov/content-quality/pkg/logger"
)

const (
	serviceName    = "content-quality-engine"
	serviceVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(log)
	log.Info("starting", "service", serviceName, "version", serviceVersion)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// Postgres schema is managed by goose; the sqlite backend applies its
	// own schema on connect.
	if cfg.Storage.Backend == config.BackendPostgres {
		manager, err := migrations.NewManager(migrations.Config{
			Driver:  "pgx",
			Dialect: "postgres",
			DSN:     cfg.Database.DSN(),
			Logger:  log,
		})
		if err != nil {
			return err
		}
		if err := manager.Up(ctx); err != nil {
			_ = manager.Close()
			return err
		}
		_ = manager.Close()
	}

	store, err := storage.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(context.Background()) }()

	systemActor, err := ensureSystemActor(ctx, store)
	if err != nil {
		return err
	}

	registry := scoring.NewRegistry()
	if err := registry.Register(ailikeness.ScorerID, ailikeness.NewDetector); err != nil {
		return err
	}
	if err := registry.Register(aeo.ScorerID, aeo.NewScorer); err != nil {
		return err
	}

	runner := workers.NewRunner(workers.Config{
		Workers:   cfg.Workers.Workers,
		QueueSize: cfg.Workers.QueueSize,
		Logger:    log,
	})
	if err := runner.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := runner.Stop(cfg.Server.GracefulShutdownTimeout); err != nil {
			log.Warn("worker shutdown incomplete", "error", err)
		}
	}()

	pipeline, err := evaluation.New(store, registry, runner, evaluation.Config{
		EnabledDetectors: cfg.Evaluation.EnabledDetectors,
		ScorerTimeout:    cfg.Evaluation.ScorerTimeout,
		ScorerRetries:    cfg.Evaluation.ScorerRetries,
		CacheSize:        cfg.Evaluation.CacheSize,
	}, log)
	if err != nil {
		return err
	}

	var locks *lock.Manager
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = client.Close() }()
		locks = lock.NewManager(client, lock.DefaultConfig(), log)
	}

	rewriter := rewrite.NewHTTPClient(rewrite.ClientConfig{
		BaseURL:             cfg.Rewriter.BaseURL,
		APIKey:              cfg.Rewriter.APIKey,
		Model:               cfg.Rewriter.Model,
		Timeout:             cfg.Rewriter.Timeout,
		MaxRetries:          cfg.Rewriter.MaxRetries,
		RetryDelay:          cfg.Rewriter.RetryDelay,
		BreakerMaxFailures:  cfg.Rewriter.BreakerMaxFailures,
		BreakerResetTimeout: cfg.Rewriter.BreakerResetTimeout,
	}, log)

	orchestrator := rewrite.New(store, pipeline, rewriter, runner, locks, rewrite.Config{
		MaxCyclesPerBlog: cfg.Rewrite.MaxCycles,
		RewriterTimeout:  cfg.Rewriter.Timeout,
		SystemActorID:    systemActor.ID,
	}, log)

	reviewSvc := review.NewService(store, review.Config{
		MinReviewDuration:     cfg.Review.MinReviewDuration,
		FastApprovalThreshold: cfg.Review.FastApprovalThreshold,
		MaxReviewCycles:       cfg.Review.MaxReviewCycles,
	}, nil, log)

	// Periodic sweep for reviews stuck past the auto-archive age.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if archived, err := reviewSvc.ArchiveStale(ctx); err != nil {
					log.Error("stale review sweep failed", "error", err)
				} else if archived > 0 {
					log.Info("stale reviews archived", "count", archived)
				}
			}
		}
	}()

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	handlers := api.NewServer(store, pipeline, orchestrator, reviewSvc, rewriter, metricsPath, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handlers.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// ensureSystemActor finds or creates the service principal that owns
// automated writes. System actors are never human.
func ensureSystemActor(ctx context.Context, store core.Storage) (*core.Actor, error) {
	const email = "system@content-quality.internal"
	actor, err := store.GetActorByEmail(ctx, email)
	if err == nil {
		return actor, nil
	}
	if !core.IsKind(err, core.KindNotFound) {
		return nil, err
	}
	return store.CreateActor(ctx, email, core.RoleSystem, false)
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/atelierai/backend/internal/auth"
	"github.com/atelierai/backend/internal/catalog"
	"github.com/atelierai/backend/internal/config"
	"github.com/atelierai/backend/internal/generation"
	"github.com/atelierai/backend/internal/ledger"
	"github.com/atelierai/backend/internal/migrations"
	"github.com/atelierai/backend/internal/orchestrator"
	"github.com/atelierai/backend/internal/provider"
	"github.com/atelierai/backend/internal/settings"
	"github.com/atelierai/backend/internal/workspace"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("cannot reach PostgreSQL", "error", err)
		os.Exit(1)
	}

	if err := runMigrations(pool); err != nil {
		slog.Error("schema migrations failed", "error", err)
		os.Exit(1)
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations applied")

	var cache *redis.Client
	if cfg.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := cache.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, settings cache disabled", "error", err)
			cache = nil
		}
	}

	// Settings and ledger.
	settingsSvc := settings.NewService(settings.NewRepository(pool), cache, logger)
	ledgerSvc := ledger.NewService(ledger.NewPostgresStore(pool), logger)

	// Catalog with provider adapters resolved per model record.
	catalogSvc, err := catalog.NewService(ctx, catalog.NewRepository(pool))
	if err != nil {
		slog.Error("load model catalog", "error", err)
		os.Exit(1)
	}
	registry := provider.NewRegistry()
	registry.RegisterSync(provider.NewImageHTTPAdapter("imagegen", cfg.ImageProviderURL, cfg.ImageProviderKey))
	registry.RegisterAsync(provider.NewVideoHTTPAdapter("videogen", cfg.VideoProviderURL, cfg.VideoProviderKey))
	registry.RegisterStream(provider.NewChatStreamAdapter("chatgen", cfg.ChatProviderURL, cfg.ChatProviderKey))

	// Workspaces and auth.
	workspaceSvc := workspace.NewService(workspace.NewRepository(pool))
	authSvc := auth.NewService(auth.NewRepository(pool), settingsSvc, cfg.JWTSecret)

	// Orchestrator: the poll-job insert func is set after the River client
	// exists (breaks the init cycle between service and worker).
	var insertMu sync.Mutex
	var insertFn orchestrator.InsertPollVideoTxFunc
	insertPoll := func(ctx context.Context, tx pgx.Tx, args orchestrator.PollVideoArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}
	orchSvc := orchestrator.NewService(
		orchestrator.NewRepository(pool), ledgerSvc, catalogSvc, settingsSvc,
		registry, workspaceSvc, insertPoll, cfg.AsyncMaxWait, logger)

	workers := river.NewWorkers()
	river.AddWorker(workers, orchestrator.NewPollVideoWorker(orchSvc, cfg.PollInterval))
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("create River client", "error", err)
		os.Exit(1)
	}
	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args orchestrator.PollVideoArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	authHandler := auth.NewHandler(authSvc, logger)
	genHandler := generation.NewHandler(orchSvc, catalogSvc, ledgerSvc, workspaceSvc, logger)
	wsHandler := workspace.NewHandler(workspaceSvc, ledgerSvc, logger)
	settingsHandler := settings.NewHandler(settingsSvc, logger)

	handler := newRouter(authHandler, authSvc, genHandler, wsHandler, settingsHandler, cfg.CORSOrigins)

	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	addr := "0.0.0.0:" + cfg.Port
	slog.Info("starting HTTP server", "addr", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}

// runMigrations applies the embedded schema migrations through goose over a
// stdlib connection borrowed from the pool.
func runMigrations(pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return goose.Up(db, ".")
}

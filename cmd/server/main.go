package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agixt/backend/internal/agents"
	"github.com/agixt/backend/internal/api"
	"github.com/agixt/backend/internal/auth"
	"github.com/agixt/backend/internal/billing"
	"github.com/agixt/backend/internal/cache"
	"github.com/agixt/backend/internal/chains"
	"github.com/agixt/backend/internal/config"
	"github.com/agixt/backend/internal/crypto"
	"github.com/agixt/backend/internal/database"
	"github.com/agixt/backend/internal/invite"
	"github.com/agixt/backend/internal/oauth"
	"github.com/agixt/backend/internal/prompt"
	"github.com/agixt/backend/internal/provider"
	"github.com/agixt/backend/internal/scopes"
	"github.com/agixt/backend/internal/tasks"
	"github.com/agixt/backend/internal/tenancy"
)

func main() {
	_ = godotenv.Load()

	cfg := config.FromEnv()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			slog.Error("config file failed", "error", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx := context.Background()

	// Persistence: Postgres when configured, in-memory otherwise.
	var store database.Store
	if cfg.DatabaseURL != "" {
		pg, err := database.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres connection failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
		logger.Info("using postgres store")
	} else {
		store = database.NewMemoryStore()
		logger.Warn("DATABASE_URL unset, using in-memory store")
	}

	// Shared cache: Redis when configured, in-process otherwise.
	var sharedCache cache.Cache
	if cfg.RedisAddr != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Error("redis connection failed", "error", err)
			os.Exit(1)
		}
		defer redisCache.Close()
		sharedCache = redisCache
		logger.Info("using redis cache", "addr", cfg.RedisAddr)
	} else {
		sharedCache = cache.NewMemoryCache()
		logger.Warn("REDIS_ADDR unset, using in-process cache")
	}

	forge := crypto.NewForge(cfg.APIKey, cfg.Location())
	tree := tenancy.NewTree(store)
	engine := scopes.NewEngine(store, tree, sharedCache, logger)

	// External capabilities; real implementations are wired by deployments,
	// the mocks keep a bare process functional.
	notifier := &provider.MockNotifier{}
	payment := provider.NewMockPayment()
	model := provider.NewMockProvider()
	registry := provider.NewMockRegistry()
	memory := &provider.MockMemory{}

	billingMetrics := billing.NewMetrics()
	gate := billing.NewGate(cfg, store, tree, payment, billingMetrics, logger)

	authMetrics := auth.NewMetrics()
	pats := auth.NewPATManager(cfg, store, tree, engine, authMetrics, logger)
	session := auth.NewSession(cfg, store, sharedCache, forge, tree, engine, gate, pats, payment, authMetrics, logger)
	magic := auth.NewMagicLink(cfg, store, forge, notifier, authMetrics, logger)
	registrar := auth.NewRegistrar(cfg, store, logger)

	broker := oauth.NewBroker(store, logger)
	invites := invite.NewManager(cfg, store, tree, engine, gate, notifier, logger)
	router := agents.NewRouter(cfg, store, tree, logger)
	runner := prompt.NewRunner(store, gate, model, registry, memory, logger)
	// Deployments register concrete readers (file, website, github, ...)
	// against this registry.
	runner.SetReaders(provider.NewReaderRegistry())
	executor := chains.NewExecutor(store, runner, registry, logger)

	if err := registrar.SeedDefaultUser(ctx); err != nil {
		logger.Error("default user seed failed", "error", err)
		os.Exit(1)
	}

	// Background housekeeping.
	supervisor := tasks.NewSupervisor(cfg.Location(), logger)
	session.SetSpawner(supervisor.Spawn)
	mustSchedule(logger, supervisor, "@hourly", "oauth-refresh-sweep", broker.SweepExpiring)
	mustSchedule(logger, supervisor, "0 2 * * *", "oauth-stale-purge", broker.PurgeStale)
	mustSchedule(logger, supervisor, "@hourly", "blacklist-purge", func(ctx context.Context) {
		if n, err := store.PurgeExpiredBlacklist(ctx, time.Now()); err != nil {
			logger.Warn("blacklist purge failed", "error", err)
		} else if n > 0 {
			logger.Info("expired blacklist rows purged", "count", n)
		}
	})
	supervisor.Start(4)
	defer supervisor.Stop()

	server := api.NewServer(cfg, store, sharedCache, session, magic, registrar, pats, invites, router, runner, executor, gate, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(":" + cfg.Port) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}
}

func mustSchedule(logger *slog.Logger, s *tasks.Supervisor, spec, name string, fn func(context.Context)) {
	if err := s.Schedule(spec, name, fn); err != nil {
		logger.Error("schedule failed", "task", name, "error", err)
		os.Exit(1)
	}
}

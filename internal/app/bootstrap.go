// Package app wires configuration, storage and handlers into a runnable
// HTTP handler. Both the long-running server and the serverless entry point
// build through here.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"authcore/internal/account"
	"authcore/internal/account/postgres"
	"authcore/internal/auth"
	"authcore/internal/cache"
	"authcore/internal/cache/badger"
	"authcore/internal/cache/memory"
	"authcore/internal/cache/valkey"
	"authcore/internal/config"
	"authcore/internal/db"
	"authcore/internal/mailer"
	"authcore/internal/maintenance"
	"authcore/internal/observability"
	"authcore/internal/ratelimit"
	"authcore/internal/reset"
	"authcore/internal/token"

	"github.com/jackc/pgx/v5/pgxpool"
)

const mailDrainTimeout = 5 * time.Second

type Options struct {
	ConfigPath string
	// SkipMigrations overrides database.run_migrations.
	SkipMigrations bool
}

type Runtime struct {
	Handler  http.Handler
	Accounts *account.Store
	Config   config.Config
	Logger   *observability.Logger
	Close    func() error
}

type pinger interface {
	Ping(ctx context.Context) error
}

func Build(ctx context.Context, options Options) (*Runtime, error) {
	cfg, err := config.Load(options.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(cfg.Log)

	if err := observability.InitSentry(cfg.Sentry, cfg.Env); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		observability.FlushSentry()
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll()
		return nil, err
	}

	metrics := observability.NewMetrics()

	backend, err := OpenCache(cfg.Cache, logger)
	if err != nil {
		return fail(fmt.Errorf("open cache: %w", err))
	}
	closers = append(closers, backend.Close)

	repo, pool, err := openAccounts(ctx, cfg, options, logger)
	if err != nil {
		return fail(err)
	}
	if pool != nil {
		closers = append(closers, func() error { pool.Close(); return nil })
	}

	tokens, err := token.NewService(cfg.Token, backend, repo, logger.Named("token"))
	if err != nil {
		return fail(fmt.Errorf("init token service: %w", err))
	}

	store, err := account.NewStore(repo, account.NewArgon2idPolicy(account.DefaultArgon2Params), tokens)
	if err != nil {
		return fail(fmt.Errorf("init credential store: %w", err))
	}

	if err := store.Bootstrap(ctx, cfg.Admin.Email, cfg.Admin.Password); err != nil {
		return fail(fmt.Errorf("bootstrap admin: %w", err))
	}

	sender, err := mailer.NewSender(cfg.Mail, logger.Named("mail"))
	if err != nil {
		return fail(fmt.Errorf("init mail sender: %w", err))
	}
	queue := mailer.NewQueue(sender, cfg.Mail, logger.Named("mail"))
	closers = append(closers, func() error {
		drainCtx, cancel := context.WithTimeout(context.Background(), mailDrainTimeout)
		defer cancel()
		return queue.Close(drainCtx)
	})

	resets := reset.NewManager(reset.Config{
		TicketTTL: cfg.Reset.TicketTTL,
		LinkURL:   cfg.Mail.ResetURL,
	}, store, backend, queue, logger.Named("reset"), metrics)

	limiter := auth.NewRateLimiter(
		ratelimit.NewLimiter(backend, cfg.RateLimit.Rules(), nil),
		cfg.HTTP.TrustProxy,
		logger.Named("ratelimit"),
		metrics,
	)

	authHandler := auth.NewHandler(store, tokens, resets, logger.Named("auth"), metrics)
	cleanupHandler := maintenance.NewCleanupHandler(backend, logger.Named("maintenance"), cfg.Maintenance.CronSecret)

	mux := http.NewServeMux()
	authHandler.Routes(mux, limiter)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(map[string]pinger{"accounts": store, "cache": backend}))
	mux.Handle("GET /metrics", metrics.Handler())

	handler := observability.RecoverMiddleware(logger,
		observability.RequestLoggingMiddleware(logger, metrics, cfg.HTTP.TrustProxy, mux))

	return &Runtime{
		Handler:  handler,
		Accounts: store,
		Config:   cfg,
		Logger:   logger,
		Close:    closeAll,
	}, nil
}

// OpenCache returns the backend selected by cfg.Driver.
func OpenCache(cfg config.CacheConfig, logger *observability.Logger) (cache.Backend, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Warn("cache_in_process", map[string]any{"driver": config.DriverMemory})
		return memory.New(cfg.JanitorInterval), nil
	case config.DriverValkey:
		store, err := valkey.New(cfg.Valkey)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverBadger:
		store, err := badger.Open(cfg.Badger, logger.Named("cache").HC())
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}

func openAccounts(ctx context.Context, cfg config.Config, options Options, logger *observability.Logger) (account.Repository, *pgxpool.Pool, error) {
	if !cfg.UsesDatabase() {
		logger.Warn("accounts_in_memory", map[string]any{"reason": "database.url is empty"})
		return account.NewMemoryRepository(), nil, nil
	}

	pool, err := db.Open(ctx, cfg.Database.PoolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.Database.RunMigrations && !options.SkipMigrations {
		applied, err := db.RunMigrations(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations_applied", map[string]any{"versions": applied})
		}
	}

	return postgres.NewRepository(pool), pool, nil
}

// Migrate applies pending migrations and returns their versions.
func Migrate(ctx context.Context, cfg config.Config) ([]string, error) {
	if !cfg.UsesDatabase() {
		return nil, errors.New("database.url is not set")
	}

	pool, err := db.Open(ctx, cfg.Database.PoolConfig)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	return db.RunMigrations(ctx, pool)
}

func healthHandler(deps map[string]pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(deps))
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				checks[name] = "down"
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		body := map[string]any{"status": "ok", "checks": checks, "time": time.Now().UTC().Format(time.RFC3339)}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bank-link/src/api"
	"bank-link/src/config"
	"bank-link/src/db"
	sqldb "bank-link/src/db/sql"
	"bank-link/src/metrics"
	"bank-link/src/models"
	"bank-link/src/plaid"
	"bank-link/src/queue"
	"bank-link/src/services"
	"bank-link/src/util"
	"bank-link/src/vault"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to database
	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConnIdleTime: 5 * time.Minute})
	if err != nil {
		return err
	}
	defer pool.Close()
	store := sqldb.NewStore(pool)

	plaidAPI, err := plaid.NewPlaidClient(cfg.PlaidClientID, cfg.PlaidSecret, cfg.PlaidEnv, cfg.PlaidTimeout)
	if err != nil {
		return err
	}
	provider := plaid.NewClient(plaidAPI, plaid.LinkConfig{
		ClientName:   cfg.PlaidClientName,
		CountryCodes: cfg.PlaidCountryCodes,
		WebhookURL:   cfg.PlaidWebhookURL,
	})

	tokenVault, err := vault.New(cfg.VaultKey)
	if err != nil {
		return err
	}
	if !tokenVault.Configured() {
		logger.Warn("VAULT_KEY not set, linking items will fail")
	}

	verifier, err := util.NewWebhookVerifier(provider)
	if err != nil {
		return err
	}
	defer verifier.Close()

	accountCache, err := db.NewAccountCache(cfg.AccountCacheTTL)
	if err != nil {
		return err
	}
	defer accountCache.Close()

	var locker db.Locker = db.NewMemoryLocker()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		locker = db.NewRedisLocker(client, "bank-link:sync-lock:", cfg.SyncLockTTL, logger)
		logger.Info("Using distributed sync lock")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	engine := services.NewSyncEngine(store, provider, tokenVault, locker, accountCache, m, logger, services.SyncOptions{
		MaxPages:    cfg.SyncMaxPages,
		Parallelism: cfg.SyncWorkers,
	})
	runJob := func(ctx context.Context, job models.SyncJob) error {
		_, err := engine.SyncItem(ctx, job.ItemID, services.SyncCoalesce)
		return err
	}

	var syncQueue services.SyncQueue
	if cfg.RabbitMQURL != "" {
		rq, err := queue.NewRabbitMQ(cfg.RabbitMQURL, cfg.SyncQueue, cfg.SyncWorkers, cfg.SyncTimeout, m, logger)
		if err != nil {
			return err
		}
		defer rq.Close()
		if err := rq.Start(ctx, runJob); err != nil {
			return err
		}
		syncQueue = rq
	} else {
		local := queue.NewLocal(runJob, cfg.SyncWorkers, 1000, cfg.SyncTimeout, m, logger)
		local.Start(ctx)
		defer local.Stop()
		syncQueue = local
	}

	router := api.NewRouter(api.Deps{
		DB:        pool,
		Links:     services.NewLinkService(store, provider, tokenVault, logger),
		Items:     services.NewItemRegistry(store, provider, tokenVault, accountCache, syncQueue, logger),
		Syncer:    engine,
		Webhooks:  services.NewWebhookDispatcher(verifier, store, syncQueue, m, logger),
		Sandbox:   services.NewSandboxService(store, tokenVault, provider, logger),
		Gatherer:  registry,
		Logger:    logger,
		JWTSecret: cfg.JWTSecret,
		Origins:   cfg.CORSAllowedOrigins,
		IsSandbox: cfg.IsSandbox(),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server running", "port", cfg.Port, "plaid_env", cfg.PlaidEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

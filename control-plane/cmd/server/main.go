// Command server runs the dialer control plane.
//
// # Usage
//
//	server -config /etc/dialer/server.yaml
//	server -database postgres://localhost/dialer -listen :8080
//
// # Configuration
//
// The server can be configured via:
// - A YAML file (-config)
// - Environment variables (DIALER_*)
// - Command-line flags
//
// Without a database URL the server keeps everything in memory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pilot-net/dialer/control-plane/internal/alerting"
	"github.com/pilot-net/dialer/control-plane/internal/api"
	"github.com/pilot-net/dialer/control-plane/internal/cache"
	"github.com/pilot-net/dialer/control-plane/internal/config"
	"github.com/pilot-net/dialer/control-plane/internal/metrics"
	"github.com/pilot-net/dialer/control-plane/internal/notify"
	"github.com/pilot-net/dialer/control-plane/internal/secrets"
	"github.com/pilot-net/dialer/control-plane/internal/service"
	"github.com/pilot-net/dialer/control-plane/internal/store"
	"github.com/pilot-net/dialer/control-plane/internal/worker"
	"github.com/pilot-net/dialer/db/migrate"
)

const version = "0.1.0"

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		listen     = flag.String("listen", "", "HTTP listen address (overrides config)")
		dbURL      = flag.String("database", "", "Database URL (postgres://...; empty uses memory)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		showVer    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println("dialer-server v" + version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath, *listen, *dbURL)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path, listen, dbURL string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if listen != "" {
		cfg.ListenAddr = listen
	}
	if dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Agent token
	source, err := secrets.NewSource(cfg.Secrets, cfg.AgentToken, logger)
	if err != nil {
		return fmt.Errorf("configuring secrets: %w", err)
	}
	token, err := source.AgentToken(ctx)
	if err != nil {
		return fmt.Errorf("resolving agent token from %s: %w", source.Name(), err)
	}
	logger.Info("agent token resolved", "source", source.Name())

	// Store
	repo, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Optional Redis: distributed key locks and alert config caching
	var locker alerting.Locker = alerting.NewLocalLocker()
	var configs alerting.ConfigSource = repo
	var redisPinger metrics.Pinger
	if cfg.RedisURL != "" {
		redisCache, err := cache.New(cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		defer redisCache.Close()

		locker = alerting.NewRedisLocker(redisCache.Client(), logger)
		if cfg.AlertConfigCacheTTL > 0 {
			configs = cache.NewConfigCache(redisCache, repo, cfg.AlertConfigCacheTTL)
		}
		redisPinger = redisCache
		logger.Info("connected to redis", "alert_config_cache_ttl", cfg.AlertConfigCacheTTL)
	}

	// Optional Kafka alert events
	var notifier alerting.Notifier = notify.Nop{}
	if cfg.Kafka.Enabled() {
		publisher := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer publisher.Close()
		notifier = publisher
		logger.Info("publishing alert events", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	evaluator := alerting.NewEvaluator(repo, configs,
		alerting.WithLocker(locker),
		alerting.WithNotifier(notifier),
		alerting.WithLogger(logger),
	)
	svc := service.NewService(repo, evaluator, logger)
	collector := metrics.NewCollector(repo, redisPinger)

	// Background workers
	sweeper := worker.NewNodeSweeper(repo, worker.NodeSweeperConfig{
		Interval:     cfg.SweepInterval,
		OfflineAfter: cfg.OfflineAfter(),
	}, logger)
	retention := worker.NewRetentionWorker(repo, worker.RetentionConfig{
		Interval:  cfg.RetentionInterval,
		Retention: cfg.ResultRetention,
	}, logger)
	sweeper.Start(ctx)
	retention.Start(ctx)

	apiServer := api.NewServer(svc, collector, api.Auth{
		AgentToken: token,
		Tenants:    cfg.Tenants,
	}, logger)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      apiServer,
		ReadTimeout:  config.DefaultHTTPTimeout,
		WriteTimeout: config.DefaultHTTPTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.ListenAddr, "store", repo.Backend())
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// openStore connects to Postgres and applies migrations, or falls back to
// the in-memory store when no database URL is configured.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Repository, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database_url configured, using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := store.NewStoreFromURL(connectCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := db.Ping(connectCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("connected to database")

	if err := migrate.Run(ctx, db.Pool(), logger); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, db.Close, nil
}

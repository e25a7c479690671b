// scannerd is the OAuth grant scanner daemon. The sync command runs one
// connection's pipeline and exits (invoked by an external scheduler);
// serve exposes health and metrics.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Mubeen213/saas-risk-scanner-backend/internal/config"
	"github.com/Mubeen213/saas-risk-scanner-backend/internal/credentials"
	"github.com/Mubeen213/saas-risk-scanner-backend/internal/googleworkspace"
	"github.com/Mubeen213/saas-risk-scanner-backend/internal/locker"
	"github.com/Mubeen213/saas-risk-scanner-backend/internal/store/pg"
	"github.com/Mubeen213/saas-risk-scanner-backend/internal/syncer"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/client"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/logging"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/provider"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/ratelimit"
)

const userAgent = "saas-risk-scanner/0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:          "scannerd",
	Short:        "OAuth grant sync engine for SaaS risk scanning",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles the wired components shared by the commands.
type app struct {
	cfg          config.Config
	logger       zerolog.Logger
	store        *pg.Store
	orchestrator *syncer.Orchestrator
	closers      []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp wires config, storage, locking, the executor, the provider
// registry and the orchestrator.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.Setup(cfg.Log)
	a := &app{cfg: cfg, logger: logger}

	// Bursts must cover a full batch chunk: a composite call is charged
	// its whole sub-request count in one acquisition.
	rateCfg := cfg.RateLimit
	if rateCfg.Burst < cfg.Sync.BatchChunkSize {
		rateCfg.Burst = cfg.Sync.BatchChunkSize
	}
	limiter, err := ratelimit.New(rateCfg, logger)
	if err != nil {
		return nil, err
	}
	directoryBurst := 20
	if directoryBurst < cfg.Sync.BatchChunkSize {
		directoryBurst = cfg.Sync.BatchChunkSize
	}
	if err := limiter.RegisterClass(googleworkspace.ClassDirectory,
		ratelimit.BucketConfig{PerSecond: 10, Burst: directoryBurst}); err != nil {
		return nil, err
	}
	// The Reports API quota is far below the Directory API's; only the
	// unbatched event stream draws from it.
	if err := limiter.RegisterClass(googleworkspace.ClassReports,
		ratelimit.BucketConfig{PerSecond: 2, Burst: 5}); err != nil {
		return nil, err
	}

	executor, err := client.New(client.DefaultConfig(userAgent), limiter, logger)
	if err != nil {
		return nil, err
	}

	pgStore, err := pg.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a.store = pgStore
	a.closers = append(a.closers, pgStore.Close)
	if err := pgStore.Migrate(ctx); err != nil {
		a.Close()
		return nil, err
	}

	registry := provider.NewRegistry()
	google, err := googleworkspace.New(googleworkspace.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		CustomerID:   cfg.Google.CustomerID,
	}, executor, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := registry.Register(google); err != nil {
		a.Close()
		return nil, err
	}

	key, err := cfg.EncryptionKey()
	if err != nil {
		a.Close()
		return nil, err
	}
	cipher, err := credentials.NewCipher(key)
	if err != nil {
		a.Close()
		return nil, err
	}
	manager, err := credentials.NewManager(pgStore, cipher, registry,
		credentials.Config{RefreshWindow: cfg.Sync.RefreshWindow}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	locks, err := buildLocker(ctx, a, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	orchestrator, err := syncer.New(pgStore, registry, executor, manager, locks,
		cfg.Sync.NoiseFilter, syncer.Config{
			LockTTL:            cfg.Sync.LockTTL,
			StreamSafetyBuffer: cfg.Sync.StreamSafetyBuffer,
			PageCap:            cfg.Sync.PageCap,
			BatchChunkSize:     cfg.Sync.BatchChunkSize,
			BatchParallelism:   cfg.Sync.BatchParallelism,
		}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.orchestrator = orchestrator

	return a, nil
}

// buildLocker connects Redis when configured, falling back to the
// in-process locker for single-instance deployments.
func buildLocker(ctx context.Context, a *app, cfg config.Config, logger zerolog.Logger) (locker.Locker, error) {
	if cfg.Redis.Addr == "" {
		logger.Warn().Msg("Redis not configured, using in-process locks")
		return locker.NewLocal(), nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.closers = append(a.closers, redisClient.Close)

	return locker.NewRedis(redisClient, logger)
}

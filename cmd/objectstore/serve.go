package main

import (
	"context"
	"encoding/hex"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/objectstore/internal/config"
	"github.com/devrev/objectstore/internal/database"
	"github.com/devrev/objectstore/internal/errors"
	"github.com/devrev/objectstore/internal/health"
	"github.com/devrev/objectstore/internal/index"
	"github.com/devrev/objectstore/internal/ledger"
	"github.com/devrev/objectstore/internal/metrics"
	"github.com/devrev/objectstore/internal/server"
	"github.com/devrev/objectstore/internal/service"
	"github.com/devrev/objectstore/internal/store"
	"github.com/devrev/objectstore/internal/tracing"
	"github.com/devrev/objectstore/internal/util/workerpool"
	"github.com/devrev/objectstore/internal/validation"
)

func newServeCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the object store HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.ConfigPath)
			if err != nil {
				return errors.Fatal("failed to load configuration", err)
			}

			logger, err := initLogger(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return errors.Fatal("failed to initialize logger", err)
			}
			defer logger.Sync()

			return serve(cfg, logger)
		},
	}
}

// components owns everything serve has to close on the way out
type components struct {
	pgPool *pgxpool.Pool
	ledger *ledger.Ledger
	index  *index.Index
	store  *store.TieredStore
}

func (c *components) close(ctx context.Context, logger *zap.Logger) {
	if c.store != nil {
		if err := c.store.Close(ctx); err != nil {
			logger.Error("failed to close content store", zap.Error(err))
		}
	}
	if c.index != nil {
		if err := c.index.Close(); err != nil {
			logger.Error("failed to close object index", zap.Error(err))
		}
	}
	if c.ledger != nil {
		if err := c.ledger.Close(); err != nil {
			logger.Error("failed to close quota ledger", zap.Error(err))
		}
	}
	if c.pgPool != nil {
		c.pgPool.Close()
	}
}

func (c *components) postgres(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	if c.pgPool != nil {
		return c.pgPool, nil
	}
	pool, err := database.NewPostgresPool(ctx, cfg.Database, logger)
	if err != nil {
		return nil, errors.Fatal("failed to connect to postgres", err)
	}
	c.pgPool = pool
	return pool, nil
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting object store",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("ledger_backend", cfg.Ledger.Backend),
		zap.String("index_backend", cfg.Index.Backend),
		zap.String("cold_backend", cfg.Store.Cold.Backend),
	)

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, logger)
	if err != nil {
		return errors.Fatal("failed to initialize tracing", err)
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	c := &components{}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		c.close(closeCtx, logger)
		if err := shutdownTracing(closeCtx); err != nil {
			logger.Error("failed to shutdown tracing", zap.Error(err))
		}
		logger.Info("object store shutdown complete")
	}()

	if c.ledger, err = buildLedger(ctx, cfg, c, m, logger); err != nil {
		return err
	}
	if c.index, err = buildIndex(ctx, cfg, c, m, logger); err != nil {
		return err
	}

	if cfg.Ledger.ReconcileOnStart {
		usage, err := c.index.TenantUsage(ctx)
		if err != nil {
			return errors.Fatal("failed to compute tenant usage", err)
		}
		if err := c.ledger.Reconcile(ctx, usage); err != nil {
			return errors.Fatal("failed to reconcile quota ledger", err)
		}
	}

	if c.store, err = buildStore(cfg, m, logger); err != nil {
		return err
	}

	validator := validation.NewValidatorWithLimits(validation.MaxKeySize, validation.MaxTenantIDSize,
		cfg.Server.MaxObjectSizeBytes, cfg.Server.MaxListLimit)
	svc := service.NewObjectService(c.index, c.ledger, c.store, validator, m, logger)

	probes := []health.Probe{
		{Name: "index", Critical: true, Check: c.index.Ping},
		{Name: "ledger", Critical: true, Check: c.ledger.Ping},
	}
	for _, p := range c.store.Probes() {
		probes = append(probes, health.Probe{Name: p.Name, Critical: p.Critical, Check: p.Check})
	}
	monitor := health.NewMonitor(probes, cfg.Health.ProbeTimeout, cfg.Health.Interval, m, logger)

	httpServer := server.NewServer(cfg, svc, monitor, m, logger)
	httpServer.SetupRoutes()

	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, nil, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	if metricsServer != nil {
		g.Go(metricsServer.Start)
	}
	g.Go(func() error {
		monitor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")
		m.SetHealthStatus(0)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown HTTP server", zap.Error(err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown metrics server", zap.Error(err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return err
	}
	return nil
}

func buildLedger(ctx context.Context, cfg *config.Config, c *components, m *metrics.Metrics, logger *zap.Logger) (*ledger.Ledger, error) {
	var backend ledger.Backend
	switch cfg.Ledger.Backend {
	case config.BackendRedis:
		rb, err := ledger.NewRedisBackend(cfg.Redis, logger)
		if err != nil {
			return nil, errors.Fatal("failed to connect ledger to redis", err)
		}
		backend = rb
	case config.BackendPostgres:
		pool, err := c.postgres(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		pb, err := ledger.NewPostgresBackend(ctx, pool, logger)
		if err != nil {
			return nil, errors.Fatal("failed to initialize postgres ledger", err)
		}
		backend = pb
	default:
		backend = ledger.NewMemoryBackend()
	}

	limits := ledger.Limits{
		Default:   cfg.Ledger.DefaultLimitBytes,
		Overrides: cfg.Ledger.TenantLimits(),
	}
	logger.Info("quota ledger initialized",
		zap.String("backend", cfg.Ledger.Backend),
		zap.Int64("default_limit_bytes", limits.Default),
		zap.Int("tenant_overrides", len(limits.Overrides)))
	return ledger.NewLedger(backend, limits, m, logger), nil
}

func buildIndex(ctx context.Context, cfg *config.Config, c *components, m *metrics.Metrics, logger *zap.Logger) (*index.Index, error) {
	var metadata index.MetadataStore
	switch cfg.Index.Backend {
	case config.BackendPostgres:
		pool, err := c.postgres(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		ps, err := index.NewPostgresStore(ctx, pool, logger)
		if err != nil {
			return nil, errors.Fatal("failed to initialize postgres index", err)
		}
		metadata = ps
	default:
		metadata = index.NewMemoryStore()
	}

	logger.Info("object index initialized", zap.String("backend", cfg.Index.Backend))
	return index.NewIndex(metadata, m, logger), nil
}

func buildStore(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*store.TieredStore, error) {
	sc := cfg.Store

	var cold store.ColdBackend
	switch sc.Cold.Backend {
	case config.BackendS3:
		s3, err := store.NewS3Backend(sc.Cold.S3, logger)
		if err != nil {
			return nil, errors.Fatal("failed to initialize s3 cold tier", err)
		}
		cold = s3
	default:
		local, err := store.NewLocalBackend(sc.Cold.Dir, logger)
		if err != nil {
			return nil, errors.Fatal("failed to initialize cold tier", err)
		}
		cold = local
	}

	if sc.Cold.EncryptionKey != "" {
		key, err := hex.DecodeString(sc.Cold.EncryptionKey)
		if err != nil {
			cold.Close()
			return nil, errors.Fatal("invalid cold tier encryption key", err)
		}
		encrypted, err := store.NewEncryptedBackend(cold, key)
		if err != nil {
			cold.Close()
			return nil, errors.Fatal("failed to initialize cold tier encryption", err)
		}
		cold = encrypted
	}

	// Disabled tiers stay untyped nil interfaces
	var hot, warm store.CacheTier
	if sc.Hot.Enabled {
		h, err := store.NewHotTier(sc.Hot.CapacityBytes, m, logger)
		if err != nil {
			cold.Close()
			return nil, errors.Fatal("failed to initialize hot tier", err)
		}
		hot = h
	}
	if sc.Warm.Enabled {
		w, err := store.NewWarmTier(store.WarmTierConfig{
			Dir:                         sc.Warm.Dir,
			CapacityBytes:               sc.Warm.CapacityBytes,
			CompressThresholdBytes:      sc.Warm.CompressThresholdBytes,
			DiskWarningThreshold:        sc.Warm.DiskWarningThreshold,
			DiskCircuitBreakerThreshold: sc.Warm.DiskCircuitBreakerThreshold,
		}, m, logger)
		if err != nil {
			cold.Close()
			return nil, errors.Fatal("failed to initialize warm tier", err)
		}
		warm = w
	}

	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "promotion",
		MaxWorkers: sc.Promotion.Workers,
		QueueSize:  sc.Promotion.QueueSize,
		Logger:     logger,
	})

	logger.Info("content store initialized",
		zap.Bool("hot_enabled", sc.Hot.Enabled),
		zap.Bool("warm_enabled", sc.Warm.Enabled),
		zap.String("cold_backend", sc.Cold.Backend),
		zap.Bool("encrypted", sc.Cold.EncryptionKey != ""),
		zap.Duration("cold_timeout", sc.Cold.Timeout))

	return store.NewTieredStore(store.Config{
		PopulateOnWrite: sc.PopulateOnWrite,
		HotTimeout:      sc.Hot.Timeout,
		WarmTimeout:     sc.Warm.Timeout,
		ColdTimeout:     sc.Cold.Timeout,
	}, hot, warm, cold, pool, m, logger), nil
}

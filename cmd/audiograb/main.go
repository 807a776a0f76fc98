package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bnema/audiograb/config"
	"github.com/bnema/audiograb/internal/adapter/artifact"
	redisguard "github.com/bnema/audiograb/internal/adapter/guard/redis"
	HTTPAdapter "github.com/bnema/audiograb/internal/adapter/http"
	"github.com/bnema/audiograb/internal/adapter/provider/httpapi"
	"github.com/bnema/audiograb/internal/adapter/provider/local"
	sqlitestore "github.com/bnema/audiograb/internal/adapter/storage/sqlite"
	"github.com/bnema/audiograb/internal/domain"
	"github.com/bnema/audiograb/internal/infrastructure/cache"
	"github.com/bnema/audiograb/internal/infrastructure/logger"
	"github.com/bnema/audiograb/internal/infrastructure/metrics"
	"github.com/bnema/audiograb/internal/port"
	"github.com/bnema/audiograb/internal/service"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a config file (yaml, toml or json)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("audiograb stopped", zap.Error(err))
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	metrics.Init()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store, err := sqlitestore.Open(ctx, cfg.Storage.Database, cfg.Storage.PoolSize, sqlitestore.WithLogger(log))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	artifacts, err := artifact.NewStore(cfg.Storage.DownloadsDir, nil)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	guard, closeGuard, err := buildGuard(cfg, store)
	if err != nil {
		return err
	}
	defer closeGuard()

	routes := buildRoutes(cfg, artifacts.Dir(), log)
	names := make([]string, 0, len(routes))
	for _, r := range routes {
		names = append(names, r.Name())
	}
	log.Info("provider routes", zap.Strings("routes", names))

	client := service.NewFallbackClient(routes, artifacts, service.FallbackConfig{
		MaxRetries:     cfg.Providers.MaxRetries,
		BaseDelay:      cfg.Providers.BaseDelay,
		MaxDelay:       cfg.Providers.MaxDelay,
		AttemptTimeout: cfg.Providers.AttemptTimeout,
		Logger:         log,
	})

	metaCache := cache.New[domain.Metadata](cache.Config{
		Name:          "metadata",
		Capacity:      cfg.Cache.Capacity,
		TTL:           cfg.Cache.MetadataTTL,
		EvictFraction: cfg.Cache.EvictFraction,
		SweepInterval: cfg.Cache.SweepInterval,
		Logger:        log,
	}, nil)
	artCache := cache.New[domain.Artifact](cache.Config{
		Name:          "artifact",
		Capacity:      cfg.Cache.Capacity,
		TTL:           cfg.Cache.ArtifactTTL,
		EvictFraction: cfg.Cache.EvictFraction,
		SweepInterval: cfg.Cache.SweepInterval,
		Logger:        log,
	}, func(_ string, a domain.Artifact) bool {
		checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ok, _ := artifacts.Exists(checkCtx, a.Ref)
		return ok
	})

	events := service.NewEventBus()
	scheduler := service.NewScheduler(store, guard, artifacts, events, service.SchedulerConfig{
		Interval:     cfg.Jobs.SweepInterval,
		PurgeAfter:   cfg.Jobs.PurgeAfter,
		RequeueAfter: cfg.Jobs.RequeueAfter,
		Logger:       log,
	})
	workers := service.NewWorkerPool(store, guard, client, events, scheduler, metaCache, artCache, service.WorkerConfig{
		Workers:        cfg.Jobs.Workers,
		QueueSize:      cfg.Jobs.QueueSize,
		Lease:          cfg.Jobs.Lease,
		BusyRetryDelay: cfg.Jobs.BusyRetryDelay,
		MaxBusyRetries: cfg.Jobs.MaxBusyRetries,
		MetadataTTL:    cfg.Cache.MetadataTTL,
		ArtifactTTL:    cfg.Cache.ArtifactTTL,
		Logger:         log,
	})
	scheduler.OnRelease(workers.ForgetArtifact)
	scheduler.RequeueTo(workers)

	svc := service.NewConversionService(service.ConversionDeps{
		Store:     store,
		Blocks:    store,
		Artifacts: artifacts,
		Queue:     workers,
		Scheduler: scheduler,
		Workers:   workers,
		Pool:      store,
		Caches:    []service.CacheStatter{metaCache, artCache},
	}, service.ConversionConfig{
		Validity:       cfg.Jobs.Validity,
		DefaultQuality: cfg.Jobs.DefaultQuality,
		Logger:         log,
	})

	server := HTTPAdapter.NewServer(svc, events, HTTPAdapter.Config{
		AdminTokenHash:  cfg.Server.AdminTokenHash,
		SubmitPerMinute: cfg.Server.SubmitPerMinute,
		SubmitBurst:     cfg.Server.SubmitBurst,
		BehindProxy:     cfg.Server.BehindProxy,
		KeepAlive:       cfg.Server.SSEKeepAlive,
		Logger:          log,
	})
	if cfg.Server.AdminTokenHash == "" {
		log.Info("admin routes disabled, no token hash configured")
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer workerCancel()

	metaCache.Start(workerCtx)
	artCache.Start(workerCtx)
	if err := workers.Start(workerCtx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	submits, failures := server.Limiters()
	g.Go(func() error {
		submits.Run(gctx)
		return nil
	})
	g.Go(func() error {
		failures.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		// Stop accepting new requests
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown error", zap.Error(err))
		}

		// Stop workers; interrupted jobs are failed on the next start
		workerCancel()
		workers.Wait()
		return nil
	})

	return g.Wait()
}

func buildGuard(cfg *config.Config, store *sqlitestore.Store) (port.ConcurrencyGuard, func(), error) {
	if cfg.Guard.Backend != config.GuardRedis {
		return sqlitestore.NewGuard(store), func() {}, nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Guard.RedisAddr,
		Password: cfg.Guard.RedisPassword,
		DB:       cfg.Guard.RedisDB,
	})
	guard := redisguard.NewGuard(client, cfg.Guard.RedisPrefix)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := guard.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis guard: %w", err)
	}
	return guard, func() { _ = client.Close() }, nil
}

// buildRoutes expands the configured provider order into one route per
// credential.
func buildRoutes(cfg *config.Config, downloadsDir string, log *zap.Logger) []service.Route {
	var routes []service.Route
	for _, name := range cfg.Providers.Order {
		switch name {
		case config.ProviderAPI:
			creds := cfg.APICredentials()
			if len(creds) == 0 {
				continue
			}
			api := cfg.Providers.API
			apiCfg := httpapi.Config{
				Name:              config.ProviderAPI,
				Qualities:         api.Qualities,
				RequestsPerSecond: api.RequestsPerSecond,
				Burst:             api.Burst,
				Logger:            log,
			}
			if api.Download {
				apiCfg.DownloadDir = downloadsDir
			}
			provider := httpapi.New(apiCfg, &http.Client{Timeout: api.Timeout})
			for _, cred := range creds {
				routes = append(routes, service.Route{Provider: provider, Credential: cred})
			}
		case config.ProviderLocal:
			creds := cfg.LocalCredentials()
			if len(creds) == 0 {
				continue
			}
			lc := cfg.Providers.Local
			provider := local.NewExtractor(local.Config{
				Name:      config.ProviderLocal,
				YtDLP:     lc.YtDLP,
				FFmpeg:    lc.FFmpeg,
				FFprobe:   lc.FFprobe,
				OutputDir: downloadsDir,
			}, local.ExecRunner{})
			for _, cred := range creds {
				routes = append(routes, service.Route{Provider: provider, Credential: cred})
			}
		}
	}
	return routes
}

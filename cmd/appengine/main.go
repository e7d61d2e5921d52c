// Package main is the entry point for the app engine service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/api"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/checksum"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/config"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/ingest"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/k8s"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/provision"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/storage"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/tracing"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("starting app engine",
		slog.String("port", cfg.Port),
		slog.String("runstore", cfg.RunStoreType),
		slog.String("registry", cfg.RegistryType),
		slog.String("storage", cfg.StorageType),
		slog.String("scheduler", cfg.SchedulerType),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("app engine stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tp, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "mentatlab-appengine",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	runs, err := newRunStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer runs.Close()

	tasks, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer tasks.Close()

	backend, err := storage.New(ctx, &storage.Config{
		Type:            cfg.StorageType,
		Endpoint:        cfg.StorageEndpoint,
		Bucket:          cfg.StorageBucket,
		Region:          cfg.StorageRegion,
		AccessKeyID:     cfg.StorageAccessKey,
		SecretAccessKey: cfg.StorageSecretKey,
		UseSSL:          cfg.StorageUseSSL,
		PathPrefix:      cfg.StoragePrefix,
	})
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if err := backend.CreateNamespace(ctx, cfg.DataNamespace); err != nil {
		return fmt.Errorf("prepare data namespace: %w", err)
	}

	sched, k8sClient, err := newScheduler(cfg, logger)
	if err != nil {
		return err
	}

	sums := checksum.NewTracker(runs, logger)
	engine := provision.NewService(provision.Deps{
		Tasks:     tasks,
		Runs:      runs,
		Storage:   backend,
		Checksums: sums,
		Scheduler: sched,
		Resolver:  provision.NewStorageResolver(backend, cfg.DataNamespace),
	}, &provision.Config{LockTimeout: cfg.LockTTL}, logger)
	pipeline := ingest.New(ingest.Deps{
		Tasks:     tasks,
		Runs:      runs,
		Storage:   backend,
		Checksums: sums,
	}, &ingest.Config{
		MaxArchiveBytes:   cfg.MaxArchiveBytes,
		MaxExtractedBytes: cfg.MaxExtractedBytes,
		LockTimeout:       cfg.LockTTL,
		SpoolDir:          cfg.SpoolDir,
	}, logger)
	engine.SetFinisher(pipeline)

	if k8sClient != nil {
		watcher := scheduler.NewJobWatcher(k8sClient, engine, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("job watcher stopped", "error", err)
			}
		}()
	}

	opts := &api.Options{Tracing: cfg.TracingEnabled}
	if cfg.RateLimitRPS > 0 {
		limiter := auth.NewPerIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		go limiter.Run(ctx)
		opts.RateLimit = limiter.Handler
	}
	if cfg.OIDCEnabled {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:   cfg.OIDCIssuer,
			ClientID: cfg.OIDCClientID,
		})
		if err != nil {
			return fmt.Errorf("init oidc: %w", err)
		}
		mw := auth.NewMiddleware(provider, &auth.MiddlewareConfig{
			Enabled: true,
			// Jobs authenticate output submissions with the run secret.
			PublicRoutes: []string{"/api/v1/task-runs/*/*/outputs.zip"},
		}, logger)
		opts.Auth = mw.Handler
		logger.Info("oidc authentication enabled", slog.String("issuer", cfg.OIDCIssuer))
	}

	handlers := api.NewHandlers(tasks, runs, engine, pipeline, cfg, logger)
	if k8sClient != nil {
		handlers.AddReadinessCheck("kubernetes", k8sClient.HealthCheck)
	}
	server := api.NewServer(handlers, opts)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func newRunStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (runstore.RunStore, error) {
	switch cfg.RunStoreType {
	case "redis":
		redisCfg := runstore.DefaultRedisConfig()
		redisCfg.URL = cfg.RedisURL
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB
		redisCfg.TTL = cfg.RunStoreTTL
		redisCfg.LockTTL = cfg.LockTTL
		store, err := runstore.NewRedisStore(redisCfg)
		if err != nil {
			return nil, fmt.Errorf("connect redis runstore: %w", err)
		}
		logger.Info("using Redis runstore", slog.String("url", cfg.RedisURL))
		return store, nil
	case "postgres":
		pgCfg := runstore.DefaultPostgresConfig()
		pgCfg.URL = cfg.DatabaseURL
		pgCfg.PingTimeout = cfg.DatabasePingTimeout
		pgCfg.MaxOpenConns = cfg.DatabaseMaxOpenConns
		pgCfg.MaxIdleConns = cfg.DatabaseMaxIdleConns
		store, err := runstore.NewPostgresStore(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres runstore: %w", err)
		}
		logger.Info("using Postgres runstore")
		return store, nil
	default:
		logger.Info("using in-memory runstore")
		return runstore.NewMemoryStore(&runstore.Config{
			TTL:       cfg.RunStoreTTL,
			LockTTL:   cfg.LockTTL,
			LockRetry: 25 * time.Millisecond,
		}), nil
	}
}

func newRegistry(cfg *config.Config, logger *slog.Logger) (registry.TaskRegistry, error) {
	if cfg.RegistryType != "redis" {
		logger.Info("using in-memory task registry")
		return registry.NewMemoryRegistry(), nil
	}
	reg, err := registry.NewRedisRegistry(&registry.RedisConfig{
		URL:      cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis registry: %w", err)
	}
	logger.Info("using Redis task registry")
	return reg, nil
}

// newScheduler returns the scheduler and, for Kubernetes, the client the
// job watcher needs.
func newScheduler(cfg *config.Config, logger *slog.Logger) (scheduler.Scheduler, *k8s.Client, error) {
	if cfg.SchedulerType != "k8s" {
		logger.Info("using log scheduler; runs are not executed")
		return scheduler.NewLogScheduler(logger), nil, nil
	}

	clientCfg := k8s.DefaultConfig()
	clientCfg.InCluster = cfg.K8sInCluster
	clientCfg.Namespace = cfg.K8sNamespace
	if cfg.K8sKubeconfig != "" {
		clientCfg.Kubeconfig = cfg.K8sKubeconfig
	}
	client, err := k8s.NewClient(clientCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init k8s client: %w", err)
	}

	jobCfg := k8s.DefaultJobConfig()
	jobCfg.Namespace = cfg.K8sNamespace
	if cfg.K8sServiceAccount != "" {
		jobCfg.ServiceAccountName = cfg.K8sServiceAccount
	}
	if cfg.K8sHelperImage != "" {
		jobCfg.HelperImage = cfg.K8sHelperImage
	}
	jobCfg.DataClaim = cfg.K8sDataClaim

	logger.Info("using k8s scheduler",
		slog.String("namespace", cfg.K8sNamespace),
		slog.String("callback_url", cfg.BaseURL),
	)
	return scheduler.NewK8sScheduler(client, &scheduler.K8sConfig{
		BaseURL:   cfg.BaseURL,
		JobConfig: jobCfg,
	}, logger), client, nil
}

// Package main is the entry point for the acadflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/acadflow/internal/approval"
	"github.com/pitabwire/acadflow/internal/capability"
	"github.com/pitabwire/acadflow/internal/catalog"
	"github.com/pitabwire/acadflow/internal/config"
	"github.com/pitabwire/acadflow/internal/deadline"
	"github.com/pitabwire/acadflow/internal/idempotency"
	"github.com/pitabwire/acadflow/internal/mapping"
	"github.com/pitabwire/acadflow/internal/migrate"
	"github.com/pitabwire/acadflow/internal/notify"
	"github.com/pitabwire/acadflow/internal/observability"
	"github.com/pitabwire/acadflow/internal/transport"
	"github.com/pitabwire/acadflow/internal/workflow"
	"github.com/pitabwire/acadflow/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

// stores bundles the persistence backends chosen by store.driver.
type stores struct {
	activities workflow.ActivityStore
	deadlines  deadline.Store
	mappings   mapping.Store
	approvals  approval.Store
	health     observability.HealthChecker
	close      func()
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	secret := os.Getenv(cfg.Identity.SecretEnv)
	if secret == "" {
		logger.Error("identity secret not set", zap.String("env", cfg.Identity.SecretEnv))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "acadflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.InitMetrics(promRegistry)

	// Step catalogs.
	files, err := loadCatalog(cfg.Catalog, logger)
	if err != nil {
		metrics.RecordCatalogReload("failure")
		logger.Error("catalog load failed", zap.Error(err))
		return 1
	}
	registry := catalog.NewRegistry(files)
	metrics.RecordCatalogReload("success")
	recordCatalogSize(metrics, registry)

	capEvaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		logger.Error("capability policy load failed", zap.Error(err))
		return 1
	}
	capResolver := capability.NewResolver(capEvaluator, cfg.Capability.CacheTTL)

	st, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer st.close()

	cache, err := buildCaches(ctx, cfg.Cache, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("cache initialization failed", zap.Error(err))
		return 1
	}
	defer cache.close()

	publisher, eventHealth, eventsClose, err := buildPublisher(cfg.Events, logger)
	if err != nil {
		logger.Error("event publisher initialization failed", zap.Error(err))
		return 1
	}
	defer eventsClose()

	deadlineOpts := []deadline.Option{deadline.WithMetrics(metrics), deadline.WithLogger(logger)}
	if cache.status != nil {
		deadlineOpts = append(deadlineOpts, deadline.WithCache(cache.status, cfg.Cache.TTL))
	}
	deadlines := deadline.NewService(st.deadlines, deadlineOpts...)

	engine := workflow.NewEngine(registry, st.activities,
		workflow.WithDeadlines(mapping.NewResolver(st.mappings, deadlines), deadlines),
		workflow.WithCapabilities(capResolver),
		workflow.WithPublisher(publisher),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
	)

	approvalOpts := []approval.Option{
		approval.WithFallbackTTL(cfg.Approval.DefaultTTL),
		approval.WithTokenBytes(cfg.Approval.TokenBytes),
		approval.WithCapabilities(capResolver),
		approval.WithPublisher(publisher),
		approval.WithMetrics(metrics),
		approval.WithLogger(logger),
	}
	for kind, ttl := range cfg.Approval.TTLs {
		approvalOpts = append(approvalOpts, approval.WithTTL(model.TokenKind(kind), ttl))
	}
	approvals := approval.NewService(st.approvals, approvalOpts...)

	readinessChecks := observability.ReadinessChecks{
		CatalogLoaded: registry.Loaded,
		Database:      st.health,
		StatusCache:   cache.health,
		EventBus:      eventHealth,
	}

	var metricsHandler http.Handler
	if cfg.Observability.Metrics.Enabled {
		metricsHandler = observability.Handler(promRegistry)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, []byte(secret)),
		CapabilityResolver: capResolver,
		Engine:             engine,
		Catalog:            registry,
		Deadlines:          deadlines,
		Mappings:           st.mappings,
		Approvals:          approvals,
		Idempotency:        cache.idempotency,
		HealthHandler:      observability.HandleHealth(),
		ReadyHandler:       observability.HandleReady(readinessChecks),
		MetricsHandler:     metricsHandler,
	})

	handler := metrics.MetricsMiddleware(observability.TracingMiddleware(router))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go watchCatalogReload(bgCtx, cfg.Catalog, registry, metrics, logger)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("cache", cfg.Cache.Driver),
		zap.String("events", cfg.Events.Driver),
		zap.String("catalog_checksum", registry.Checksum()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// loadCatalog reads the builtin catalog and the configured directories and
// validates them together.
func loadCatalog(cfg config.CatalogConfig, logger *zap.Logger) ([]catalog.File, error) {
	loader := catalog.NewLoader()

	var files []catalog.File
	if cfg.UseBuiltin {
		builtin, err := loader.LoadBuiltin()
		if err != nil {
			return nil, err
		}
		files = append(files, builtin...)
	}
	if len(cfg.Directories) > 0 {
		extra, err := loader.LoadAll(cfg.Directories)
		if err != nil {
			return nil, err
		}
		files = append(files, extra...)
	}

	if verrs := catalog.NewValidator().Validate(files); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("catalog validation error",
				zap.String("path", ve.Path),
				zap.String("code", ve.Code),
				zap.String("error", ve.Message),
			)
		}
		return nil, fmt.Errorf("catalog validation failed with %d errors", len(verrs))
	}
	return files, nil
}

func recordCatalogSize(metrics *observability.Metrics, registry *catalog.Registry) {
	for _, wt := range model.WorkflowTypes {
		metrics.SetCatalogStepsLoaded(string(wt), len(registry.ListSteps(wt)))
	}
}

// watchCatalogReload re-reads the catalog on SIGHUP. A catalog that fails
// validation is rejected and the previous one stays active.
func watchCatalogReload(ctx context.Context, cfg config.CatalogConfig, registry *catalog.Registry, metrics *observability.Metrics, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			files, err := loadCatalog(cfg, logger)
			if err != nil {
				metrics.RecordCatalogReload("failure")
				logger.Error("catalog reload rejected", zap.Error(err))
				continue
			}
			registry.Replace(files)
			metrics.RecordCatalogReload("success")
			recordCatalogSize(metrics, registry)
			logger.Info("catalog reloaded", zap.String("checksum", registry.Checksum()))
		}
	}
}

func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (stores, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory stores")
		return stores{
			activities: workflow.NewMemoryActivityStore(),
			deadlines:  deadline.NewMemoryStore(),
			mappings:   mapping.NewMemoryStore(),
			approvals:  approval.NewMemoryStore(),
			close:      func() {},
		}, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return stores{}, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return stores{}, fmt.Errorf("store: parse DSN: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = cfg.MaxConns
		}
		poolCfg.MinConns = cfg.MinConns
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return stores{}, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return stores{}, fmt.Errorf("store: ping: %w", err)
		}

		if cfg.AutoMigrate {
			schemaVersion, err := migrate.Migrate(ctx, pool)
			if err != nil {
				pool.Close()
				return stores{}, fmt.Errorf("store: migrate: %w", err)
			}
			logger.Info("schema migrated", zap.Int("version", schemaVersion))
		}

		return stores{
			activities: workflow.NewPgActivityStore(pool),
			deadlines:  deadline.NewPgStore(pool),
			mappings:   mapping.NewPgStore(pool),
			approvals:  approval.NewPgStore(pool),
			health:     observability.CheckFunc(pool.Ping),
			close:      pool.Close,
		}, nil
	default:
		return stores{}, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// caches holds the Redis or in-process backends for deadline status results
// and idempotency keys. Both share one Redis client when redis is selected.
type caches struct {
	status      deadline.StatusCache
	idempotency idempotency.Store
	health      observability.HealthChecker
	close       func()
}

func buildCaches(ctx context.Context, cfg config.StatusCacheConfig, idem config.IdempotencyConfig, logger *zap.Logger) (caches, error) {
	c := caches{close: func() {}}
	switch cfg.Driver {
	case "none":
		if idem.Enabled {
			c.idempotency = idempotency.NewMemoryStore()
		}
	case "memory", "":
		c.status = deadline.NewMemoryStatusCache()
		if idem.Enabled {
			c.idempotency = idempotency.NewMemoryStore()
		}
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return caches{}, fmt.Errorf("cache: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return caches{}, fmt.Errorf("cache: ping %s: %w", addr, err)
		}
		logger.Info("using redis cache", zap.String("addr", addr), zap.Int("db", cfg.DB))
		c.status = deadline.NewRedisStatusCache(client)
		if idem.Enabled {
			c.idempotency = idempotency.NewRedisStore(client)
		}
		c.health = observability.CheckFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
		c.close = func() { client.Close() }
	default:
		return caches{}, fmt.Errorf("unsupported cache driver: %q", cfg.Driver)
	}
	return c, nil
}

func buildPublisher(cfg config.EventsConfig, logger *zap.Logger) (notify.Publisher, observability.HealthChecker, func(), error) {
	noop := func() {}
	switch cfg.Driver {
	case "none":
		return notify.Noop{}, nil, noop, nil
	case "log", "":
		return notify.NewLogPublisher(logger), nil, noop, nil
	case "nats":
		url := os.Getenv(cfg.URLEnv)
		if url == "" {
			return nil, nil, noop, fmt.Errorf("events: %s environment variable not set", cfg.URLEnv)
		}
		pub, closeFn, err := notify.Connect(url, cfg.SubjectPrefix, logger)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("events: connect: %w", err)
		}
		return pub, pub, closeFn, nil
	default:
		return nil, nil, noop, fmt.Errorf("unsupported events driver: %q", cfg.Driver)
	}
}

// Package main is the entry point for the rental portal server.
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
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/rentalportal/internal/config"
	"github.com/pitabwire/rentalportal/internal/definition"
	"github.com/pitabwire/rentalportal/internal/flow"
	"github.com/pitabwire/rentalportal/internal/lifecycle"
	"github.com/pitabwire/rentalportal/internal/observability"
	"github.com/pitabwire/rentalportal/internal/otp"
	"github.com/pitabwire/rentalportal/internal/transport"
	"github.com/pitabwire/rentalportal/model"
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

func run() int {
	configPath := flag.String("config", "", "path to configuration file (optional)")
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
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "rental-portal", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(reg)

	// Definitions.
	loader := definition.NewLoader()
	defs, err := loadDefinitions(loader, cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	registry := definition.NewRegistry(defs)
	metrics.SetFlowsLoaded(float64(registry.FlowCount()))

	// Entity lifecycle.
	repo, entityHealth, closeRepo, err := buildEntityStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("entity store initialization failed", zap.Error(err))
		return 1
	}
	defer closeRepo()

	machine, err := lifecycle.NewMachine(lifecycle.Tables(lifecycle.Options{
		ReopenWindow: cfg.Lifecycle.GrievanceReopenWindow,
	}))
	if err != nil {
		logger.Error("lifecycle tables invalid", zap.Error(err))
		return 1
	}
	entities := lifecycle.NewService(machine, repo, nil, logger.Named("lifecycle"), metrics)

	// OTP.
	otpStore, otpHealth, closeOTP, err := buildOTPStore(ctx, cfg.OTP, logger)
	if err != nil {
		logger.Error("otp store initialization failed", zap.Error(err))
		return 1
	}
	defer closeOTP()

	dispatcher := otp.NewBreakerDispatcher(otp.LogDispatcher{Logger: logger.Named("otp")}, otp.BreakerOptions{
		FailureThreshold: cfg.OTP.Breaker.FailureThreshold,
		SuccessThreshold: cfg.OTP.Breaker.SuccessThreshold,
		OpenTimeout:      cfg.OTP.Breaker.OpenTimeout,
		Logger:           logger.Named("otp"),
	})
	notifier := otp.NewNotifier(otpStore, dispatcher, otp.Options{
		CodeLength:  cfg.OTP.CodeLength,
		TTL:         cfg.OTP.TTL,
		MaxAttempts: cfg.OTP.MaxAttempts,
	}, otp.WithLogger(logger.Named("otp")), otp.WithMetrics(metrics))

	// Flows.
	manager := flow.NewManager(registry, entities, notifier,
		flow.WithIdleTimeout(cfg.Flows.SessionIdleTimeout),
		flow.WithLogger(logger.Named("flow")),
		flow.WithMetrics(metrics),
	)

	router := transport.NewRouter(transport.Dependencies{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Gatherer: reg,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return registry.FlowCount() > 0 },
			EntityStore:       entityHealth,
			OTPStore:          otpHealth,
		},
		Entities: entities,
		Flows:    manager,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("domains", len(registry.AllDomains())),
		zap.Int("flows", registry.FlowCount()),
		zap.String("entity_store", cfg.Store.Driver),
		zap.String("otp_store", cfg.OTP.Driver),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return manager.Run(gctx, cfg.Flows.SweepInterval)
	})

	if cfg.Definitions.HotReload {
		g.Go(func() error {
			watchReloads(gctx, loader, registry, cfg.Definitions.Directories, metrics, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return 1
	}

	logger.Info("shutdown complete")
	return 0
}

// loadDefinitions loads and validates the built-in and configured
// definitions. Every validation error is reported in the returned error.
func loadDefinitions(loader *definition.Loader, dirs []string) ([]model.DomainDefinition, error) {
	defs, err := loader.LoadAll(dirs)
	if err != nil {
		return nil, err
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i, ve := range verrs {
			errs[i] = ve
		}
		return nil, fmt.Errorf("%d definition errors: %w", len(verrs), errors.Join(errs...))
	}
	return defs, nil
}

// watchReloads swaps the registry contents on SIGHUP. A failed reload keeps
// the previous definitions.
func watchReloads(
	ctx context.Context,
	loader *definition.Loader,
	registry *definition.Registry,
	dirs []string,
	metrics *observability.Metrics,
	logger *zap.Logger,
) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			defs, err := loadDefinitions(loader, dirs)
			if err != nil {
				metrics.RecordDefinitionReload("error")
				logger.Error("definition reload failed", zap.Error(err))
				continue
			}
			registry.Replace(defs)
			metrics.RecordDefinitionReload("success")
			metrics.SetFlowsLoaded(float64(registry.FlowCount()))
			logger.Info("definitions reloaded",
				zap.Int("flows", registry.FlowCount()),
				zap.String("checksum", registry.Checksum()),
			)
		}
	}
}

// buildEntityStore creates the entity repository selected by cfg.Driver.
func buildEntityStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (lifecycle.EntityRepository, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory entity store")
		return lifecycle.NewMemoryEntityStore(), nil, func() {}, nil
	case config.DriverPostgres:
		dsn := cfg.DSN()
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("entity store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("entity store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = cfg.MaxConns
		poolCfg.MinConns = cfg.MinConns
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("entity store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("entity store: ping: %w", err)
		}

		store := lifecycle.NewPgEntityStore(pool)
		if cfg.Migrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, nil, err
			}
		}
		return store, store, pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported entity store driver: %q", cfg.Driver)
	}
}

// buildOTPStore creates the OTP ticket store selected by cfg.Driver.
func buildOTPStore(ctx context.Context, cfg config.OTPConfig, logger *zap.Logger) (otp.Store, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory otp store")
		return otp.NewMemoryStore(), nil, func() {}, nil
	case config.DriverRedis:
		addr := cfg.Addr()
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("otp store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		store := otp.NewRedisStore(client)
		if err := store.HealthCheck(ctx); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("otp store: ping: %w", err)
		}
		return store, store, func() { _ = client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported otp store driver: %q", cfg.Driver)
	}
}

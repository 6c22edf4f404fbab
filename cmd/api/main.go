// Package main is the entry point for the klingbot API server.
//
// The server runs the video generation backend behind the chat bot:
//
// - HTTP: chat turns, the provider callback, health, readiness, metrics
// - gRPC: the operator admin service
// - Background: one poller goroutine per submitted generation
//
// Configuration comes from the environment, a .env file and an optional
// YAML file (see internal/config).
//
// Lifecycle:
// 1. Load configuration and build the logger
// 2. Connect the configured storage backends
// 3. Resume tracking generations left pending by the previous process
// 4. Serve HTTP and gRPC until SIGINT/SIGTERM
// 5. Drain servers, stop pollers, flush notifications and journals
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/reflection"

	"github.com/kelpejol/klingbot/internal/adminrpc"
	"github.com/kelpejol/klingbot/internal/balancesync"
	"github.com/kelpejol/klingbot/internal/config"
	"github.com/kelpejol/klingbot/internal/delivery"
	"github.com/kelpejol/klingbot/internal/generation"
	"github.com/kelpejol/klingbot/internal/kling"
	"github.com/kelpejol/klingbot/internal/ledger"
	"github.com/kelpejol/klingbot/internal/logging"
	"github.com/kelpejol/klingbot/internal/metrics"
	"github.com/kelpejol/klingbot/internal/profile"
	"github.com/kelpejol/klingbot/internal/reconciler"
	"github.com/kelpejol/klingbot/internal/rest"
	"github.com/kelpejol/klingbot/internal/service"
	"github.com/kelpejol/klingbot/internal/wizard"
)

// resumeLimit caps how many pending generations are re-tracked at startup.
const resumeLimit = 1000

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.Environment, "klingbot-api")
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("grpc_port", cfg.GRPCPort).
		Str("http_port", cfg.HTTPPort).
		Str("ledger", cfg.LedgerBackend).
		Str("generations", cfg.GenerationBackend).
		Str("sessions", cfg.SessionBackend).
		Msg("starting klingbot api server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("shutdown complete")
}

// backends holds the storage connections and everything built on them.
type backends struct {
	db      *sql.DB
	pool    *pgxpool.Pool
	redis   *redis.Client
	ledger  ledger.Ledger
	syncer  *balancesync.Syncer
	store   generation.Store
	excs    generation.ExceptionStore
	session wizard.SessionStore
	profile profile.Store
	checks  map[string]rest.Check
	closers []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	klingClient, err := kling.NewClient(kling.Options{
		APIKey:         cfg.KlingAPIKey,
		BaseURL:        cfg.KlingBaseURL,
		Limiter:        rate.NewLimiter(rate.Limit(cfg.KlingRateLimit), cfg.KlingBurst),
		RequestTimeout: cfg.KlingTimeout,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("kling client: %w", err)
	}

	var notifier reconciler.Notifier
	if cfg.TelegramBotToken != "" {
		tg, err := delivery.NewTelegram(cfg.TelegramAPIBase, cfg.TelegramBotToken, nil)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		notifier = delivery.NewDeliverer(tg, delivery.Options{
			ProfileLink: cfg.ProfileLink,
			Metrics:     m,
			Logger:      logger,
		})
	} else {
		logger.Warn().Msg("BOT_TOKEN not set, users will not be notified of results")
	}

	rec := reconciler.New(b.store, b.ledger, b.excs, notifier, m, reconciler.DefaultConfig(), logger)
	poller := reconciler.NewPoller(klingClient, rec, reconciler.PollerConfig{
		MaxAttempts: cfg.PollMaxAttempts,
		Interval:    cfg.PollInterval,
	}, m, logger)

	resumeCtx, resumeCancel := context.WithTimeout(ctx, 30*time.Second)
	resumed, err := poller.Resume(resumeCtx, b.store, resumeLimit)
	resumeCancel()
	if err != nil {
		logger.Error().Err(err).Msg("failed to resume pending generations")
	} else {
		logger.Info().Int("count", resumed).Msg("resumed pending generations")
	}

	svc := service.New(service.Config{
		CallbackBaseURL: cfg.WebhookBaseURL,
		StartingBalance: cfg.StartingBalance,
	}, service.Deps{
		Wizard:      wizard.NewMachine(b.session, b.ledger, logger),
		Ledger:      b.ledger,
		Generations: b.store,
		Profiles:    b.profile,
		Gateway:     klingClient,
		Reconciler:  rec,
		Tracker:     poller,
		Metrics:     m,
		Logger:      logger,
	})

	handler := rest.NewHandler(rest.Deps{
		Turns:       svc,
		Callbacks:   rec,
		Ledger:      b.ledger,
		Generations: b.store,
		Metrics:     m,
		Checks:      b.checks,
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcServer := adminrpc.NewServer(cfg.AdminToken, logger)
	adminDeps := adminrpc.Deps{
		Ledger:      b.ledger,
		Generations: b.store,
		Exceptions:  b.excs,
		Reconciler:  rec,
		Logger:      logger,
	}
	if b.syncer != nil {
		adminDeps.Syncer = b.syncer
	}
	adminrpc.Register(grpcServer, adminrpc.NewService(adminDeps))
	if cfg.Environment == "development" {
		reflection.Register(grpcServer)
		logger.Info().Msg("grpc reflection enabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		listener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("grpc listener: %w", err)
		}
		logger.Info().Str("port", cfg.GRPCPort).Msg("grpc server listening")
		return grpcServer.Serve(listener)
	})
	g.Go(func() error {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received, starting graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		grpcServer.GracefulStop()
		logger.Info().Msg("grpc server stopped")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http server shutdown failed")
		}
		logger.Info().Msg("http server stopped")
		return nil
	})
	serveErr := g.Wait()

	// Abandoned trackers leave their records pending; the next start
	// resumes them.
	poller.Stop()
	poller.Wait()
	rec.Wait()
	logger.Info().Msg("pollers and notifications drained")

	return serveErr
}

func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{checks: map[string]rest.Check{}}
	fail := func(err error) (*backends, error) {
		b.close()
		return nil, err
	}

	if cfg.NeedsPostgres() {
		db, err := ledger.OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return fail(err)
		}
		b.db = db
		b.closers = append(b.closers, func() { db.Close() })
		b.checks["postgres"] = db.PingContext
		logger.Info().Msg("connected to postgres")
	}

	if cfg.NeedsRedis() {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			PoolSize:     100,
			MinIdleConns: 10,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			rdb.Close()
			return fail(fmt.Errorf("failed to connect to redis: %w", err))
		}
		b.redis = rdb
		b.closers = append(b.closers, func() { rdb.Close() })
		b.checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	}

	switch cfg.LedgerBackend {
	case config.BackendMemory:
		b.ledger = ledger.NewMemoryLedger()
	case config.BackendPostgres:
		b.ledger = ledger.NewPostgresLedger(b.db, logger)
	case config.BackendRedis:
		b.syncer = balancesync.NewSyncer(b.redis, b.db, logger)
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		n, err := b.syncer.InitializeRedis(initCtx)
		cancel()
		if err != nil {
			return fail(fmt.Errorf("failed to initialize redis from postgresql: %w", err))
		}
		logger.Info().Int("users", n).Msg("redis initialized from postgresql")
		b.syncer.StartPeriodicSync(cfg.SyncInterval)
		b.closers = append(b.closers, b.syncer.Stop)

		rl := ledger.NewRedisLedger(b.redis, b.db, logger)
		b.ledger = rl
		// Registered after the clients, so it runs first and drains the
		// journal while they are still open.
		b.closers = append(b.closers, func() { rl.Close() })
	}

	switch cfg.GenerationBackend {
	case config.BackendMemory:
		s := generation.NewMemoryStore()
		b.store, b.excs = s, s
	case config.BackendPostgres:
		pool, err := generation.NewPool(ctx, cfg.PostgresURL)
		if err != nil {
			return fail(err)
		}
		b.pool = pool
		b.closers = append(b.closers, pool.Close)
		s := generation.NewPostgresStore(pool)
		b.store, b.excs = s, s
	case config.BackendSupabase:
		s, err := generation.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey)
		if err != nil {
			return fail(err)
		}
		b.store, b.excs = s, s
	}

	switch cfg.SessionBackend {
	case config.BackendMemory:
		b.session = wizard.NewMemoryStore()
	case config.BackendRedis:
		b.session = wizard.NewRedisStore(b.redis, cfg.SessionTTL)
	}

	switch {
	case b.db != nil:
		b.profile = profile.NewPostgresStore(b.db)
	case b.redis != nil:
		b.profile = profile.NewRedisStore(b.redis)
	default:
		b.profile = profile.NewMemoryStore()
	}
	return b, nil
}

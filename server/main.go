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

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"trellocore/internal/access"
	"trellocore/internal/cache"
	"trellocore/internal/config"
	"trellocore/internal/logger"
	"trellocore/internal/outbox"
	"trellocore/internal/queue"
	"trellocore/internal/storage"
	"trellocore/internal/storage/sqlstore"
	"trellocore/internal/telemetry"
	"trellocore/internal/uow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	shutdownTelemetry, err := telemetry.Setup(context.Background(), telemetry.Config{
		ServiceName:    cfg.AppName,
		ServiceVersion: cfg.AppVersion,
		Endpoint:       cfg.OTELExporterOTLPEndpoint,
		MetricInterval: cfg.OTELMetricInterval,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			log.Warn("flush telemetry failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	store, err := sqlstore.Open(openCtx, sqlstore.Config{
		DSN:         cfg.DatabaseURL,
		PoolSize:    cfg.DatabasePoolSize,
		MaxOverflow: cfg.DatabaseMaxOverflow,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(openCtx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RunsRelay() {
		q, err := newEnqueuer(openCtx, cfg, rdb)
		if err != nil {
			return err
		}
		relay, err := outbox.NewRelay(store, q, relayConfig(cfg), log, outbox.WithAlert(func(_ context.Context, rec storage.OutboxRecord, err error) {
			log.Error("outbox event needs operator attention", "event_id", rec.ID, "aggregate", rec.Ref.String(), "attempts", rec.Attempts, "error", err)
		}))
		if err != nil {
			return err
		}
		g.Go(func() error { return relay.Run(gctx) })
	}

	if cfg.RunsAPI() {
		srv, err := newServer(cfg, store, rdb, log)
		if err != nil {
			return err
		}
		g.Go(func() error {
			log.Info("listening", "addr", cfg.Addr, "mode", cfg.Mode)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info("shutting down")
			shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shCtx)
		})
	}

	return g.Wait()
}

func newServer(cfg config.Config, store *sqlstore.Store, rdb *redis.Client, log *logger.Logger) (*http.Server, error) {
	verifier, err := access.NewVerifier(cfg.JWTSecretKey, cfg.JWTAlgorithm, cfg.JWTAccessTokenExpire)
	if err != nil {
		return nil, err
	}
	var backend cache.Backend
	if rdb != nil {
		backend = cache.NewRedisBackend(rdb)
	}
	coord := cache.New(backend, cfg.RedisCacheTTL, log)
	exec := uow.NewExecutor(store, coord, uow.Config{MaxAttempts: cfg.UOWMaxAttempts}, log)
	reader := uow.NewReader(store, coord, nil, log)

	a := newAPI(serviceInfo{Name: cfg.AppName, Version: cfg.AppVersion, Environment: cfg.Environment}, exec, reader, verifier, log)
	a.checks["database"] = store.Ping
	if rdb != nil {
		a.checks["cache"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	admin, err := outbox.NewAdmin(store, cfg.OutboxRetention, log)
	if err != nil {
		return nil, err
	}
	a.outbox = admin

	mux := http.NewServeMux()
	a.routes(mux)
	return &http.Server{Addr: cfg.Addr, Handler: withCORS(cfg.CORSOrigins, withLogging(log, mux)),
		ReadTimeout: 15 * time.Second, ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout: 30 * time.Second, IdleTimeout: 120 * time.Second}, nil
}

func newEnqueuer(ctx context.Context, cfg config.Config, rdb *redis.Client) (queue.Enqueuer, error) {
	if cfg.Broker == "azure" {
		q, err := queue.NewAzureQueue(cfg.AzureStorageConnectionString, cfg.BrokerQueue)
		if err != nil {
			return nil, err
		}
		if err := q.EnsureQueue(ctx); err != nil {
			return nil, err
		}
		return q, nil
	}
	if rdb == nil {
		return nil, errors.New("redis broker needs REDIS_URL")
	}
	return queue.NewRedisQueue(rdb, cfg.BrokerQueue), nil
}

func relayConfig(cfg config.Config) outbox.Config {
	rc := outbox.DefaultConfig()
	rc.BatchSize = cfg.RelayBatchSize
	rc.Interval = cfg.RelayInterval
	rc.Lease = cfg.RelayLease
	rc.MaxRetries = cfg.RelayMaxRetries
	rc.BackoffInitial = cfg.RelayBackoffInitial
	rc.BackoffMax = cfg.RelayBackoffMax
	rc.Retention = cfg.OutboxRetention
	return rc
}

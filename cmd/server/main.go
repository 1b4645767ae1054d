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

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/geo"
	httpapi "github.com/example/carpool/internal/http"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/payments"
	"github.com/example/carpool/internal/requests"
	"github.com/example/carpool/internal/routing"
	"github.com/example/carpool/internal/scheduler"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/trips"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "carpool-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var checks []func(context.Context) error

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if p, ok := store.(*storage.PostgresStore); ok {
		checks = append(checks, p.Ping)
	}

	var rc *redis.Client
	var devices dispatch.Directory = dispatch.NewMemoryDirectory()
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		devices = dispatch.NewRedisDirectory(rc, cfg.DeviceKey)
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		logger.Info("using redis trip index", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}
	index := tripIndex(store, rc, cfg.RedisGeoKey)
	if index == nil {
		logger.Warn("REDIS_ADDR not set with a postgres store, searching without an origin index")
	}

	route, err := routingClient(cfg)
	if err != nil {
		return err
	}

	reg := &trips.Registry{Store: store, Index: index, Routing: route, Logger: logger}
	reqs := &requests.Service{
		Store:               store,
		Trips:               reg,
		Logger:              logger,
		AllowMultipleActive: cfg.AllowMultipleActiveRequests,
	}

	var provider payments.Provider = payments.ManualProvider{}
	if cfg.StripeAPIKey != "" {
		provider = payments.NewStripeProvider(cfg.StripeAPIKey)
	}
	pay := &payments.Service{
		Store:     store,
		Provider:  provider,
		Currency:  cfg.PaymentCurrency,
		OnSettled: reqs.SettlePayment,
		Logger:    logger,
	}

	wsreg := dispatch.NewWSRegistry()

	var handlers []events.Handler
	if len(cfg.KafkaBrokers) > 0 {
		// cmd/consumer owns push, webhook and payment delivery; live sockets stay here
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		handlers = append(handlers, kp, dispatch.EventHandler(wsreg))
		logger.Info("publishing ride events to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		chain := dispatch.Chain{wsreg}
		if cfg.FCMEndpoint != "" {
			chain = append(chain, dispatch.NewFCMNotifier(cfg.FCMEndpoint, cfg.FCMKey, devices))
		}
		if cfg.NotifyWebhookURL != "" {
			chain = append(chain, dispatch.NewWebhookNotifier(cfg.NotifyWebhookURL))
		}
		chain = append(chain, &dispatch.LogNotifier{Logger: logger})
		handlers = append(handlers, dispatch.EventHandler(chain), payments.EventHandler(pay))
	}
	queue := events.NewQueue(cfg.OutboxBuffer, cfg.OutboxWorkers, logger, handlers...)
	reqs.Events = queue
	go queue.Run(ctx)

	materializer := &scheduler.Materializer{Schedules: store, Trips: reg, Logger: logger}
	go materializer.Run(ctx, cfg.SchedulerInterval)

	api := httpapi.NewServer(httpapi.Deps{
		Trips:               reg,
		Matcher:             &matcher.Service{Routing: route, Logger: logger},
		Requests:            reqs,
		Payments:            pay,
		Schedules:           materializer,
		WSReg:               wsreg,
		Devices:             devices,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
		SettlementToken:     cfg.SettlementToken,
		MatchRadiusM:        cfg.MatchRadiusM,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range checks {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("carpool api listening", "addr", cfg.HTTPAddr)
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
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.RunMigrations {
		script, err := os.ReadFile(cfg.MigrationPath)
		if err != nil {
			_ = ps.Close()
			return nil, nil, fmt.Errorf("read migration: %w", err)
		}
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := ps.Migrate(migrateCtx, string(script)); err != nil {
			_ = ps.Close()
			return nil, nil, fmt.Errorf("apply migration: %w", err)
		}
		logger.Info("migration applied", "path", cfg.MigrationPath)
	}
	return ps, func() { _ = ps.Close() }, nil
}

// tripIndex picks an origin index that sees every trip in store. A
// process-local index only works with the process-local store; trips in
// Postgres may come from earlier runs or other replicas.
func tripIndex(store storage.Store, rc *redis.Client, key string) geo.Index {
	if rc != nil {
		return geo.NewRedisIndex(rc, key)
	}
	if _, ok := store.(*storage.MemoryStore); ok {
		return geo.NewMemoryIndex()
	}
	return nil
}

// routingClient prefers a self-hosted OSRM, then Google. Nil means
// great-circle distances only.
func routingClient(cfg config.ServerConfig) (routing.Client, error) {
	var c routing.Client
	switch {
	case cfg.OSRMURL != "":
		c = routing.NewOSRMClient(cfg.OSRMURL)
	case cfg.GoogleMapsAPIKey != "":
		g, err := routing.NewGoogleClient(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, fmt.Errorf("google maps client: %w", err)
		}
		c = g
	default:
		return nil, nil
	}
	return routing.WithCache(c, routing.NewCache(cfg.RoutingCacheTTL)), nil
}

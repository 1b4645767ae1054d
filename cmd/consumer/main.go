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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/payments"
	"github.com/example/carpool/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total ride event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	handlerSuccesses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_handler_successes_total",
		Help: "Total ride events handled successfully",
	})
	handlerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_handler_errors_total",
		Help: "Total ride events that exhausted their retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, handlerSuccesses, handlerErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "carpool-consumer")

	store, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var devices dispatch.Directory = dispatch.NewMemoryDirectory()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		devices = dispatch.NewRedisDirectory(rc, cfg.DeviceKey)
	}

	chain := dispatch.Chain{}
	if cfg.FCMEndpoint != "" {
		chain = append(chain, dispatch.NewFCMNotifier(cfg.FCMEndpoint, cfg.FCMKey, devices))
	}
	if cfg.NotifyWebhookURL != "" {
		chain = append(chain, dispatch.NewWebhookNotifier(cfg.NotifyWebhookURL))
	}
	chain = append(chain, &dispatch.LogNotifier{Logger: logger})

	var provider payments.Provider = payments.ManualProvider{}
	if cfg.StripeAPIKey != "" {
		provider = payments.NewStripeProvider(cfg.StripeAPIKey)
	}
	pay := &payments.Service{Store: store, Provider: provider, Currency: cfg.PaymentCurrency, Logger: logger}

	handlers := []events.Handler{dispatch.EventHandler(chain), payments.EventHandler(pay)}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, "postgres not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		e, err := events.Decode(m.Value)
		if err != nil || e.Kind == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		failed := false
		for _, h := range handlers {
			if err := handleWithRetry(ctx, h, e, cfg.HandlerAttempts, cfg.HandlerBackoff); err != nil {
				failed = true
				logger.Error("ride event handler failed", "kind", e.Kind, "event_id", e.ID, "trip_id", e.TripID, "error", err)
			}
		}
		if failed {
			handlerErrors.Inc()
			continue
		}
		handlerSuccesses.Inc()
	}
}

// handleWithRetry runs h until it succeeds, doubling delay between attempts.
func handleWithRetry(ctx context.Context, h events.Handler, e events.Event, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = h.Handle(ctx, e); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	DeviceKey     string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN         string
	RunMigrations bool
	MigrationPath string

	OSRMURL          string
	GoogleMapsAPIKey string
	RoutingCacheTTL  time.Duration
	MatchRadiusM     float64

	StripeAPIKey        string
	StripeWebhookSecret string
	SettlementToken     string
	PaymentCurrency     string

	NotifyWebhookURL string
	FCMEndpoint      string
	FCMKey           string

	AllowMultipleActiveRequests bool

	OutboxBuffer      int
	OutboxWorkers     int
	SchedulerInterval time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:                    ":8080",
		ReadTimeout:                 5 * time.Second,
		WriteTimeout:                10 * time.Second,
		IdleTimeout:                 120 * time.Second,
		ShutdownTimeout:             15 * time.Second,
		RedisGeoKey:                 "trip_origins",
		DeviceKey:                   "device_tokens",
		KafkaTopic:                  "carpool-ride-events",
		MigrationPath:               "migrations/001_create_carpool.sql",
		RoutingCacheTTL:             10 * time.Minute,
		MatchRadiusM:                10000,
		PaymentCurrency:             "inr",
		AllowMultipleActiveRequests: true,
		OutboxBuffer:                1024,
		OutboxWorkers:               4,
		SchedulerInterval:           24 * time.Hour,
		LogLevel:                    "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.DeviceKey, "REDIS_DEVICE_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationPath, "MIGRATION_PATH")

	cfg.OSRMURL = strings.TrimSpace(os.Getenv("OSRM_URL"))
	cfg.GoogleMapsAPIKey = strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY"))
	setDurationFromEnv(&cfg.RoutingCacheTTL, "ROUTING_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.MatchRadiusM, "MATCH_RADIUS_M", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	cfg.SettlementToken = os.Getenv("SETTLEMENT_TOKEN")
	if v := os.Getenv("PAYMENT_CURRENCY"); v != "" {
		cfg.PaymentCurrency = strings.ToLower(strings.TrimSpace(v))
	}

	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	cfg.FCMEndpoint = strings.TrimSpace(os.Getenv("FCM_ENDPOINT"))
	cfg.FCMKey = os.Getenv("FCM_KEY")

	setBoolFromEnv(&cfg.AllowMultipleActiveRequests, "ALLOW_MULTIPLE_ACTIVE_REQUESTS", &errs)

	setIntFromEnv(&cfg.OutboxBuffer, "OUTBOX_BUFFER", &errs)
	setIntFromEnv(&cfg.OutboxWorkers, "OUTBOX_WORKERS", &errs)
	setDurationFromEnv(&cfg.SchedulerInterval, "SCHEDULER_INTERVAL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.MatchRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_M must be > 0"))
	}
	if cfg.OutboxBuffer <= 0 || cfg.OutboxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("OUTBOX_BUFFER and OUTBOX_WORKERS must be > 0"))
	}
	if cfg.SchedulerInterval < time.Minute {
		errs = append(errs, fmt.Errorf("SCHEDULER_INTERVAL must be at least 1m"))
	}
	if cfg.RunMigrations && cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("MIGRATE=true requires PG_DSN"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives cmd/consumer, which runs the notification and
// payment handlers off the Kafka ride-event topic.
type ConsumerConfig struct {
	MetricsAddr string

	RedisAddr     string
	RedisPassword string
	DeviceKey     string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN string

	StripeAPIKey    string
	PaymentCurrency string

	NotifyWebhookURL string
	FCMEndpoint      string
	FCMKey           string

	HandlerAttempts int
	HandlerBackoff  time.Duration

	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:     ":2112",
		DeviceKey:       "device_tokens",
		KafkaBrokers:    []string{"localhost:9092"},
		KafkaTopic:      "carpool-ride-events",
		KafkaGroup:      "carpool-event-consumer",
		PaymentCurrency: "inr",
		HandlerAttempts: 3,
		HandlerBackoff:  200 * time.Millisecond,
		LogLevel:        "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.DeviceKey, "REDIS_DEVICE_KEY")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	if v := os.Getenv("PAYMENT_CURRENCY"); v != "" {
		cfg.PaymentCurrency = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	cfg.FCMEndpoint = strings.TrimSpace(os.Getenv("FCM_ENDPOINT"))
	cfg.FCMKey = os.Getenv("FCM_KEY")

	setIntFromEnv(&cfg.HandlerAttempts, "HANDLER_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.HandlerBackoff, "HANDLER_BACKOFF", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.HandlerAttempts <= 0 {
		errs = append(errs, fmt.Errorf("HANDLER_ATTEMPTS must be > 0"))
	}
	// payments written by the consumer must be visible to the API's webhook
	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

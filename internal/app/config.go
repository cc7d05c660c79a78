package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// StorageDriverMemory хранит сессии, outbox и ключи идемпотентности в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres хранит их в PostgreSQL.
	StorageDriverPostgres = "postgres"
)

const (
	envHTTPAddr                    = "STOREFRONT_HTTP_ADDR"
	envMetricsAddr                 = "STOREFRONT_METRICS_ADDR"
	envGRPCHealthAddr              = "STOREFRONT_GRPC_HEALTH_ADDR"
	envAPIBaseURL                  = "STOREFRONT_API_BASE_URL"
	envAPITimeout                  = "STOREFRONT_API_TIMEOUT"
	envStorageDriver               = "STOREFRONT_STORAGE_DRIVER"
	envPostgresDSN                 = "STOREFRONT_POSTGRES_DSN"
	envPostgresAutoMigrate         = "STOREFRONT_POSTGRES_AUTO_MIGRATE"
	envRedisAddr                   = "STOREFRONT_REDIS_ADDR"
	envCatalogTTL                  = "STOREFRONT_CATALOG_TTL"
	envKafkaBrokers                = "KAFKA_BROKERS"
	envEventsTopic                 = "STOREFRONT_EVENTS_TOPIC"
	envCatalogEventsTopic          = "STOREFRONT_CATALOG_EVENTS_TOPIC"
	envConsumerGroup               = "STOREFRONT_CONSUMER_GROUP"
	envOutboxPollInterval          = "STOREFRONT_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize             = "STOREFRONT_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts           = "STOREFRONT_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay            = "STOREFRONT_OUTBOX_RETRY_DELAY"
	envOutboxMaxPending            = "STOREFRONT_OUTBOX_MAX_PENDING"
	envIdempotencyTTL              = "STOREFRONT_IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "STOREFRONT_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "STOREFRONT_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	envSessionIdleTTL              = "STOREFRONT_SESSION_IDLE_TTL"
	envSessionSweepInterval        = "STOREFRONT_SESSION_SWEEP_INTERVAL"
	envLogLevel                    = "STOREFRONT_LOG_LEVEL"
)

// Config описывает настройки запуска storefront.
type Config struct {
	HTTPAddr       string
	MetricsAddr    string
	GRPCHealthAddr string

	APIBaseURL string
	APITimeout time.Duration

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	RedisAddr  string
	CatalogTTL time.Duration

	KafkaBrokers       []string
	EventsTopic        string
	CatalogEventsTopic string
	ConsumerGroup      string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	// OutboxMaxPending — порог backlog, после которого /healthz сообщает degraded.
	OutboxMaxPending int

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	// SessionIdleTTL — простой, после которого корзина выгружается из памяти.
	SessionIdleTTL       time.Duration
	SessionSweepInterval time.Duration

	LogLevel string
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",

		APIBaseURL: "http://localhost:3001",
		APITimeout: 10 * time.Second,

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		CatalogTTL: time.Minute,

		EventsTopic:        "storefront.checkout.events",
		CatalogEventsTopic: "storefront.catalog.events",
		ConsumerGroup:      "storefront-catalog",

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,
		OutboxMaxPending:   1000,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		SessionIdleTTL:       30 * time.Minute,
		SessionSweepInterval: time.Minute,

		LogLevel: "info",
	}
}

type envLookup func(key string) (string, bool)

// LoadConfig читает конфигурацию из окружения, предварительно подгружая
// .env (или файлы из envFiles), если они есть. Вторым значением возвращаются
// предупреждения о некорректных значениях, заменённых значениями по умолчанию.
func LoadConfig(envFiles ...string) (Config, []string, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil, fmt.Errorf("load env file: %w", err)
	}
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	return cfg, warnings, nil
}

func readConfigFromEnv(lookup envLookup) (Config, []string) {
	cfg := DefaultConfig()
	var warnings []string

	warn := func(key, raw string, err error) {
		warnings = append(warnings, fmt.Sprintf("invalid %s=%q: %v, using default", key, raw, err))
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	positiveInt := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			value, err := parseInt(v, func(n int) bool { return n > 0 }, "must be > 0")
			if err != nil {
				warn(key, v, err)
				return
			}
			*dst = value
		}
	}
	duration := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		if v, ok := lookup(key); ok {
			value, err := parseDuration(v, valid, rule)
			if err != nil {
				warn(key, v, err)
				return
			}
			*dst = value
		}
	}
	positive := func(d time.Duration) bool { return d > 0 }
	nonNegative := func(d time.Duration) bool { return d >= 0 }

	str(envHTTPAddr, &cfg.HTTPAddr)
	str(envMetricsAddr, &cfg.MetricsAddr)
	str(envGRPCHealthAddr, &cfg.GRPCHealthAddr)
	str(envAPIBaseURL, &cfg.APIBaseURL)
	duration(envAPITimeout, &cfg.APITimeout, positive, "must be > 0")

	if v, ok := lookup(envStorageDriver); ok && strings.TrimSpace(v) != "" {
		cfg.StorageDriver = strings.ToLower(strings.TrimSpace(v))
	}
	str(envPostgresDSN, &cfg.PostgresDSN)
	if v, ok := lookup(envPostgresAutoMigrate); ok {
		value, err := parseBool(v)
		if err != nil {
			warn(envPostgresAutoMigrate, v, err)
		} else {
			cfg.PostgresAutoMigrate = value
		}
	}

	str(envRedisAddr, &cfg.RedisAddr)
	duration(envCatalogTTL, &cfg.CatalogTTL, positive, "must be > 0")

	if v, ok := lookup(envKafkaBrokers); ok {
		cfg.KafkaBrokers = splitList(v)
	}
	str(envEventsTopic, &cfg.EventsTopic)
	str(envCatalogEventsTopic, &cfg.CatalogEventsTopic)
	str(envConsumerGroup, &cfg.ConsumerGroup)

	duration(envOutboxPollInterval, &cfg.OutboxPollInterval, positive, "must be > 0")
	positiveInt(envOutboxBatchSize, &cfg.OutboxBatchSize)
	positiveInt(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts)
	duration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegative, "must be >= 0")
	if v, ok := lookup(envOutboxMaxPending); ok {
		value, err := parseInt(v, func(n int) bool { return n >= 0 }, "must be >= 0")
		if err != nil {
			warn(envOutboxMaxPending, v, err)
		} else {
			cfg.OutboxMaxPending = value
		}
	}

	duration(envIdempotencyTTL, &cfg.IdempotencyTTL, positive, "must be > 0")
	duration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positive, "must be > 0")
	positiveInt(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize)

	duration(envSessionIdleTTL, &cfg.SessionIdleTTL, positive, "must be > 0")
	duration(envSessionSweepInterval, &cfg.SessionSweepInterval, positive, "must be > 0")

	str(envLogLevel, &cfg.LogLevel)

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("not a boolean")
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !valid(value) {
		return 0, errors.New(rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !valid(value) {
		return 0, errors.New(rule)
	}
	return value, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

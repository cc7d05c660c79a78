package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/commerce"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
	"github.com/vladislavdragonenkov/storefront/internal/storage/redis"
)

// runtimeDependencies — хранилища, выбранные драйвером из конфигурации.
type runtimeDependencies struct {
	cartStates      domain.CartStateRepository
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository
	// store равен nil для memory-драйвера.
	store *postgres.Store
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if driver == "" {
		driver = StorageDriverMemory
	}

	switch driver {
	case StorageDriverMemory:
		logger.Info("using in-memory storage")
		return &runtimeDependencies{
			cartStates:      memory.NewCartStateRepository(),
			outboxRepo:      memory.NewOutboxRepository(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
		}, nil
	case StorageDriverPostgres:
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return nil, errors.New("postgres storage driver requires " + envPostgresDSN)
		}

		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}

		logger.Info("using postgres storage")
		return &runtimeDependencies{
			cartStates:      postgres.NewCartStateRepository(store),
			outboxRepo:      postgres.NewOutboxRepository(store),
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			store:           store,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q (use %s|%s)", cfg.StorageDriver, StorageDriverMemory, StorageDriverPostgres)
	}
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil || d.store == nil {
		return
	}
	if err := d.store.Close(); err != nil {
		logger.WithError(err).Warn("failed to close postgres store")
	}
}

// catalogWiring — каталог с опциональным redis-кешем.
type catalogWiring struct {
	catalog domain.Catalog
	cache   *redis.CatalogCache
	client  *goredis.Client
}

// initCatalog оборачивает клиент backend в redis-кеш, если задан адрес redis.
// Недоступный redis не мешает запуску: каталог читается напрямую.
func initCatalog(ctx context.Context, cfg Config, client *commerce.Client, logger *log.Entry) catalogWiring {
	wiring := catalogWiring{catalog: client}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return wiring
	}

	redisClient, err := redis.NewClient(ctx, cfg.RedisAddr)
	if err != nil {
		logger.WithError(err).WithField("addr", cfg.RedisAddr).Warn("redis is unavailable, catalog cache disabled")
		return wiring
	}

	cache := redis.NewCatalogCache(redisClient, cfg.CatalogTTL)
	wiring.cache = cache
	wiring.client = redisClient
	wiring.catalog = commerce.NewCachedCatalog(client, cache, logger.WithField("layer", "catalog-cache"))
	logger.WithFields(log.Fields{"addr": cfg.RedisAddr, "ttl": cfg.CatalogTTL}).Info("catalog cache enabled")
	return wiring
}

func (w catalogWiring) close(logger *log.Entry) {
	if w.client == nil {
		return
	}
	if err := w.client.Close(); err != nil {
		logger.WithError(err).Warn("failed to close redis client")
	}
}

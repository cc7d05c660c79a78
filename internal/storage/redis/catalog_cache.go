package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultTTL = 5 * time.Minute
	keyPrefix  = "storefront:catalog:"

	productsKey  = keyPrefix + "products"
	discountsKey = keyPrefix + "discounts"
)

// CatalogCache хранит справочники товаров и скидок в Redis в виде JSON.
type CatalogCache struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// NewCatalogCache создаёт кеш каталога; ttl <= 0 заменяется значением по умолчанию.
func NewCatalogCache(client goredis.UniversalClient, ttl time.Duration) *CatalogCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &CatalogCache{client: client, ttl: ttl}
}

// NewClient создаёт клиента Redis и проверяет подключение.
func NewClient(ctx context.Context, addr string) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (c *CatalogCache) GetProducts(ctx context.Context) ([]domain.Product, error) {
	var products []domain.Product
	if err := c.get(ctx, productsKey, &products); err != nil {
		return nil, err
	}
	return products, nil
}

func (c *CatalogCache) SetProducts(ctx context.Context, products []domain.Product) error {
	return c.set(ctx, productsKey, products)
}

func (c *CatalogCache) GetDiscounts(ctx context.Context) ([]domain.Discount, error) {
	var discounts []domain.Discount
	if err := c.get(ctx, discountsKey, &discounts); err != nil {
		return nil, err
	}
	return discounts, nil
}

func (c *CatalogCache) SetDiscounts(ctx context.Context, discounts []domain.Discount) error {
	return c.set(ctx, discountsKey, discounts)
}

// Invalidate удаляет оба справочника.
func (c *CatalogCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, productsKey, discountsKey).Err(); err != nil {
		return fmt.Errorf("redis delete catalog: %w", err)
	}
	return nil
}

// Ping проверяет доступность Redis; используется health checker-ом.
func (c *CatalogCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *CatalogCache) get(ctx context.Context, key string, v any) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode cached %s: %w", key, err)
	}
	return nil
}

func (c *CatalogCache) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

var _ domain.CatalogCache = (*CatalogCache)(nil)

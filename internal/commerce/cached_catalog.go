package commerce

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// CachedCatalog отдаёт справочники из кеша и ходит в backend только на промахе.
// Ошибки кеша не блокируют чтение: запрос уходит в backend.
type CachedCatalog struct {
	next   domain.Catalog
	cache  domain.CatalogCache
	logger *log.Entry
}

// NewCachedCatalog оборачивает каталог кешем. При cache == nil возвращает next как есть.
func NewCachedCatalog(next domain.Catalog, cache domain.CatalogCache, logger *log.Entry) domain.Catalog {
	if cache == nil {
		return next
	}
	if logger == nil {
		logger = log.WithField("component", "catalog-cache")
	}
	return &CachedCatalog{next: next, cache: cache, logger: logger}
}

// ListProducts возвращает товары из кеша или backend.
func (c *CachedCatalog) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products, err := c.cache.GetProducts(ctx)
	if err == nil {
		return products, nil
	}
	if !errors.Is(err, domain.ErrCacheMiss) {
		c.logger.WithError(err).Warn("catalog cache read failed")
	}

	products, err = c.next.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.cache.SetProducts(ctx, products); err != nil {
		c.logger.WithError(err).Warn("catalog cache write failed")
	}
	return products, nil
}

// ListDiscounts возвращает скидки из кеша или backend.
func (c *CachedCatalog) ListDiscounts(ctx context.Context) ([]domain.Discount, error) {
	discounts, err := c.cache.GetDiscounts(ctx)
	if err == nil {
		return discounts, nil
	}
	if !errors.Is(err, domain.ErrCacheMiss) {
		c.logger.WithError(err).Warn("catalog cache read failed")
	}

	discounts, err = c.next.ListDiscounts(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.cache.SetDiscounts(ctx, discounts); err != nil {
		c.logger.WithError(err).Warn("catalog cache write failed")
	}
	return discounts, nil
}

var _ domain.Catalog = (*CachedCatalog)(nil)
var _ domain.CommerceAPI = (*Client)(nil)

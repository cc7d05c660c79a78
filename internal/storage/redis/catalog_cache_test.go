package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func setupCache(t *testing.T, ttl time.Duration) (*CatalogCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCatalogCache(client, ttl), mr
}

func TestCatalogCache_ProductsRoundTrip(t *testing.T) {
	cache, mr := setupCache(t, time.Minute)
	ctx := context.Background()

	_, err := cache.GetProducts(ctx)
	require.ErrorIs(t, err, domain.ErrCacheMiss)

	products := []domain.Product{{ID: "p1", Name: "Beanie", Price: decimal.RequireFromString("12.99"), Stock: 5}}
	require.NoError(t, cache.SetProducts(ctx, products))
	assert.True(t, mr.Exists(productsKey))
	assert.Equal(t, time.Minute, mr.TTL(productsKey))

	got, err := cache.GetProducts(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Beanie", got[0].Name)
	assert.True(t, got[0].Price.Equal(decimal.RequireFromString("12.99")))
}

func TestCatalogCache_DiscountsKeepKind(t *testing.T) {
	cache, _ := setupCache(t, 0)
	ctx := context.Background()

	discounts := []domain.Discount{
		{Code: "BOGO", Kind: domain.DiscountKindBogo},
		{Code: "LEGACY20", Kind: domain.DiscountKindLegacyPercentage, Amount: decimal.NewFromInt(20)},
	}
	require.NoError(t, cache.SetDiscounts(ctx, discounts))

	got, err := cache.GetDiscounts(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.DiscountKindBogo, got[0].Kind)
	assert.Equal(t, domain.DiscountKindLegacyPercentage, got[1].Kind)
	assert.True(t, got[1].Amount.Equal(decimal.NewFromInt(20)))
}

func TestCatalogCache_ExpiryAndInvalidate(t *testing.T) {
	cache, mr := setupCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.SetProducts(ctx, []domain.Product{{ID: "p1"}}))
	mr.FastForward(2 * time.Minute)
	_, err := cache.GetProducts(ctx)
	require.ErrorIs(t, err, domain.ErrCacheMiss)

	require.NoError(t, cache.SetDiscounts(ctx, []domain.Discount{{Code: "X"}}))
	require.NoError(t, cache.Invalidate(ctx))
	_, err = cache.GetDiscounts(ctx)
	require.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestCatalogCache_CorruptedValue(t *testing.T) {
	cache, mr := setupCache(t, time.Minute)
	require.NoError(t, mr.Set(productsKey, "{not json"))

	_, err := cache.GetProducts(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrCacheMiss)
}

func TestCatalogCache_Unavailable(t *testing.T) {
	cache, mr := setupCache(t, time.Minute)
	mr.Close()

	require.Error(t, cache.Ping(context.Background()))
	_, err := cache.GetProducts(context.Background())
	require.Error(t, err)
}

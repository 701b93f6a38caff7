package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osucapital/market-engine/internal/model"
)

// mapCache is an in-process Cache.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) *redis.StringCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (c *mapCache) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value.([]byte)
	return redis.NewStatusResult("OK", nil)
}

func (c *mapCache) Del(_ context.Context, keys ...string) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := c.data[k]; ok {
			delete(c.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (c *mapCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

func TestCachedStore_ReadThrough(t *testing.T) {
	primary := NewMemoryStore()
	cache := newMapCache()
	s := NewCachedStore(primary, cache, time.Minute)
	ctx := context.Background()

	seedStock(t, primary, 7, "100")
	assert.False(t, cache.has(stockKey(7)))

	st, err := s.GetStock(ctx, 7)
	require.NoError(t, err)
	assert.True(t, st.SharePrice.Decimal.Equal(d("100")))
	assert.True(t, cache.has(stockKey(7)))

	// Served from the cache from now on.
	cached, err := s.GetStock(ctx, 7)
	require.NoError(t, err)
	assert.True(t, cached.SharePrice.Decimal.Equal(d("100")))
	assert.True(t, cached.LastKnownPrice.Equal(d("100")))
	assert.Equal(t, "player", cached.DisplayName)

	_, err = s.GetStock(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedStore_StaleWriteEvicts(t *testing.T) {
	primary := NewMemoryStore()
	cache := newMapCache()
	s := NewCachedStore(primary, cache, time.Minute)
	ctx := context.Background()

	first, err := s.ApplyRefresh(ctx, model.RefreshWrite{
		Stock: model.Stock{StockID: 7, SharePrice: price("100"), LastUpdated: t0, IsSellable: true},
	})
	require.NoError(t, err)
	require.True(t, cache.has(stockKey(7)))

	// Another instance refreshes the row behind the cache.
	_, err = primary.ApplyRefresh(ctx, model.RefreshWrite{
		Stock:               model.Stock{StockID: 7, SharePrice: price("120"), LastUpdated: t0.Add(time.Second), IsSellable: true},
		ExpectedLastUpdated: first.LastUpdated,
	})
	require.NoError(t, err)

	_, err = s.ApplyRefresh(ctx, model.RefreshWrite{
		Stock:               model.Stock{StockID: 7, SharePrice: price("130"), LastUpdated: t0.Add(2 * time.Second)},
		ExpectedLastUpdated: first.LastUpdated,
	})
	require.ErrorIs(t, err, ErrStaleWrite)
	assert.False(t, cache.has(stockKey(7)))

	st, err := s.GetStock(ctx, 7)
	require.NoError(t, err)
	assert.True(t, st.SharePrice.Decimal.Equal(d("120")), st.SharePrice.Decimal.String())
}

func TestCachedStore_StaleBanEvicts(t *testing.T) {
	primary := NewMemoryStore()
	cache := newMapCache()
	s := NewCachedStore(primary, cache, time.Minute)
	ctx := context.Background()

	first := seedStock(t, primary, 7, "100")
	_, err := s.GetStock(ctx, 7)
	require.NoError(t, err)

	_, err = s.MarkBanned(ctx, model.BanWrite{
		StockID:             7,
		LastUpdated:         first.LastUpdated.Add(time.Second),
		ExpectedLastUpdated: first.LastUpdated.Add(-time.Hour),
	})
	require.ErrorIs(t, err, ErrStaleWrite)
	assert.False(t, cache.has(stockKey(7)))
}

func TestCachedStore_SettlementDropsUser(t *testing.T) {
	primary := NewMemoryStore()
	cache := newMapCache()
	s := NewCachedStore(primary, cache, time.Minute)
	ctx := context.Background()

	seedStock(t, primary, 7, "100")
	_, err := s.EnsureUser(ctx, 1, d("1000"))
	require.NoError(t, err)
	require.True(t, cache.has(userKey(1)))

	_, err = s.SettleBuy(ctx, model.BuyOrder{
		UserID: 1, StockID: 7, Shares: d("2"), Price: d("100"), Tax: d("0.6"), Timestamp: t0,
	})
	require.NoError(t, err)
	assert.False(t, cache.has(userKey(1)))

	u, err := s.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.True(t, u.CoinsHeld.Equal(d("799.4")), u.CoinsHeld.String())
}

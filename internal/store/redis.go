package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/osucapital/market-engine/internal/lots"
	"github.com/osucapital/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh the cache; a rejected
// stock write evicts the entry, as the row it was based on is outdated.
// Reads check Redis first then fall back to the primary.
//
// Only stock rows and user balances are cached. Settlement always runs
// against the primary, so a stale cache entry can never settle a trade.
type CachedStore struct {
	primary Store
	rdb     Cache
	ttl     time.Duration
}

// Cache is the subset of the Redis client the store uses. *redis.Client
// implements it.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb Cache, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// stockEntry is the msgpack form of a cached stock. Decimals travel as
// strings.
type stockEntry struct {
	Stock          model.Stock `msgpack:"stock"`
	SharePrice     *string     `msgpack:"share_price"`
	LastKnownPrice string      `msgpack:"last_known_price"`
}

type userEntry struct {
	UserID    int64  `msgpack:"user_id"`
	CoinsHeld string `msgpack:"coins_held"`
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) ApplyRefresh(ctx context.Context, w model.RefreshWrite) (*model.Stock, error) {
	st, err := s.primary.ApplyRefresh(ctx, w)
	if err != nil {
		s.rdb.Del(ctx, stockKey(w.Stock.StockID))
		return nil, err
	}
	s.cacheStock(ctx, st)
	return st, nil
}

func (s *CachedStore) MarkBanned(ctx context.Context, w model.BanWrite) (*model.Stock, error) {
	st, err := s.primary.MarkBanned(ctx, w)
	if err != nil {
		s.rdb.Del(ctx, stockKey(w.StockID))
		return nil, err
	}
	s.cacheStock(ctx, st)
	return st, nil
}

func (s *CachedStore) SetPreventTrades(ctx context.Context, id int64, prevent bool) (*model.Stock, error) {
	st, err := s.primary.SetPreventTrades(ctx, id, prevent)
	if err != nil {
		s.rdb.Del(ctx, stockKey(id))
		return nil, err
	}
	s.cacheStock(ctx, st)
	return st, nil
}

func (s *CachedStore) EnsureUser(ctx context.Context, userID int64, startingCoins decimal.Decimal) (*model.User, error) {
	u, err := s.primary.EnsureUser(ctx, userID, startingCoins)
	if err != nil {
		return nil, err
	}
	s.cacheUser(ctx, u)
	return u, nil
}

func (s *CachedStore) SettleBuy(ctx context.Context, o model.BuyOrder) (*model.Settlement, error) {
	res, err := s.primary.SettleBuy(ctx, o)
	s.rdb.Del(ctx, userKey(o.UserID))
	return res, err
}

func (s *CachedStore) SettleSell(ctx context.Context, o model.SellOrder, calc lots.Calculator) (*model.Settlement, error) {
	res, err := s.primary.SettleSell(ctx, o, calc)
	s.rdb.Del(ctx, userKey(o.UserID))
	return res, err
}

func (s *CachedStore) SettleLiquidation(ctx context.Context, o model.LiquidationOrder, calc lots.Calculator) (*model.Settlement, error) {
	res, err := s.primary.SettleLiquidation(ctx, o, calc)
	s.rdb.Del(ctx, userKey(o.UserID))
	return res, err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetStock(ctx context.Context, id int64) (*model.Stock, error) {
	data, err := s.rdb.Get(ctx, stockKey(id)).Bytes()
	if err == nil {
		var e stockEntry
		if msgpack.Unmarshal(data, &e) == nil {
			if st, err := e.toStock(); err == nil {
				return st, nil
			}
		}
	}

	// Cache miss: read from primary.
	st, err := s.primary.GetStock(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheStock(ctx, st)
	return st, nil
}

func (s *CachedStore) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(userID)).Bytes()
	if err == nil {
		var e userEntry
		if msgpack.Unmarshal(data, &e) == nil {
			if coins, err := decimal.NewFromString(e.CoinsHeld); err == nil {
				return &model.User{UserID: e.UserID, CoinsHeld: coins}, nil
			}
		}
	}

	u, err := s.primary.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.cacheUser(ctx, u)
	return u, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListStocks(ctx context.Context) ([]model.Stock, error) {
	return s.primary.ListStocks(ctx)
}

func (s *CachedStore) ListStaleStocks(ctx context.Context, olderThan time.Time, limit int) ([]int64, error) {
	return s.primary.ListStaleStocks(ctx, olderThan, limit)
}

func (s *CachedStore) InsertRebalanceCheck(ctx context.Context, c *model.RebalanceCheck) error {
	return s.primary.InsertRebalanceCheck(ctx, c)
}

func (s *CachedStore) GetOpenLots(ctx context.Context, userID, stockID int64) ([]model.Trade, error) {
	return s.primary.GetOpenLots(ctx, userID, stockID)
}

func (s *CachedStore) GetTradesByStock(ctx context.Context, stockID int64, limit int) ([]model.Trade, error) {
	return s.primary.GetTradesByStock(ctx, stockID, limit)
}

func (s *CachedStore) GetTradesByUser(ctx context.Context, userID int64, limit int) ([]model.Trade, error) {
	return s.primary.GetTradesByUser(ctx, userID, limit)
}

func (s *CachedStore) GetHoldings(ctx context.Context, userID int64) ([]model.Holding, error) {
	return s.primary.GetHoldings(ctx, userID)
}

func (s *CachedStore) InsertPricePoint(ctx context.Context, p model.PricePoint) error {
	return s.primary.InsertPricePoint(ctx, p)
}

func (s *CachedStore) SnapshotPrices(ctx context.Context, at time.Time) (int64, error) {
	return s.primary.SnapshotPrices(ctx, at)
}

func (s *CachedStore) GetPriceHistory(ctx context.Context, stockID int64, since time.Time) ([]model.PricePoint, error) {
	return s.primary.GetPriceHistory(ctx, stockID, since)
}

// --- Cache helpers ---

func (s *CachedStore) cacheStock(ctx context.Context, st *model.Stock) {
	e := stockEntry{Stock: *st, LastKnownPrice: st.LastKnownPrice.String()}
	if st.SharePrice.Valid {
		p := st.SharePrice.Decimal.String()
		e.SharePrice = &p
	}
	if data, err := msgpack.Marshal(&e); err == nil {
		s.rdb.Set(ctx, stockKey(st.StockID), data, s.ttl)
	}
}

func (s *CachedStore) cacheUser(ctx context.Context, u *model.User) {
	e := userEntry{UserID: u.UserID, CoinsHeld: u.CoinsHeld.String()}
	if data, err := msgpack.Marshal(&e); err == nil {
		s.rdb.Set(ctx, userKey(u.UserID), data, s.ttl)
	}
}

func (e *stockEntry) toStock() (*model.Stock, error) {
	st := e.Stock
	var err error
	if st.SharePrice, err = parseNullDecimal(e.SharePrice); err != nil {
		return nil, err
	}
	if st.LastKnownPrice, err = decimal.NewFromString(e.LastKnownPrice); err != nil {
		return nil, err
	}
	return &st, nil
}

func stockKey(id int64) string    { return fmt.Sprintf("stock:%d", id) }
func userKey(userID int64) string { return fmt.Sprintf("user:%d", userID) }

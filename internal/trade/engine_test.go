package trade_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osucapital/market-engine/internal/model"
	"github.com/osucapital/market-engine/internal/refresh"
	"github.com/osucapital/market-engine/internal/stats"
	"github.com/osucapital/market-engine/internal/stats/statstest"
	"github.com/osucapital/market-engine/internal/store"
	"github.com/osucapital/market-engine/internal/trade"
)

var t0 = time.Date(2026, 8, 3, 15, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// storedStocks serves stocks straight from the store, never refreshing.
type storedStocks struct {
	st  store.Store
	err error
}

func (s *storedStocks) Stock(ctx context.Context, id int64, _ time.Duration) (*model.Stock, error) {
	if s.err != nil {
		return nil, s.err
	}
	st, err := s.st.GetStock(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, refresh.ErrUnknownStock
	}
	return st, err
}

type testEnv struct {
	store  *store.MemoryStore
	source *storedStocks
	engine *trade.Engine
}

func newTestEnv(t *testing.T, mutate ...func(*trade.Config)) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	src := &storedStocks{st: ms}
	cfg := trade.DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	clock := t0
	eng := trade.NewEngine(ms, src, cfg, trade.WithEngineClock(func() time.Time { return clock }))
	return &testEnv{store: ms, source: src, engine: eng}
}

// seedStock lists a buyable, sellable stock at price p.
func (e *testEnv) seedStock(t *testing.T, id int64, p string) *model.Stock {
	t.Helper()
	st, err := e.store.ApplyRefresh(context.Background(), model.RefreshWrite{
		Stock: model.Stock{
			StockID:     id,
			SharePrice:  decimal.NewNullDecimal(d(p)),
			LastUpdated: t0.Add(-time.Second),
			IsBuyable:   true,
			IsSellable:  true,
			DisplayName: "whitecat",
			Rank:        12,
		},
	})
	require.NoError(t, err)
	return st
}

func (e *testEnv) register(t *testing.T, userID int64) {
	t.Helper()
	_, err := e.engine.RegisterUser(context.Background(), userID)
	require.NoError(t, err)
}

func (e *testEnv) ban(t *testing.T, st *model.Stock) {
	t.Helper()
	_, err := e.store.MarkBanned(context.Background(), model.BanWrite{
		StockID:             st.StockID,
		LastUpdated:         st.LastUpdated.Add(time.Second),
		ExpectedLastUpdated: st.LastUpdated,
	})
	require.NoError(t, err)
}

func order(typ model.TradeType, shares, seen string) trade.Order {
	return trade.Order{UserID: 1, StockID: 42, Type: typ, Shares: d(shares), SeenPrice: d(seen)}
}

func TestExecuteTrade_Buy(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 42, "100")
	env.register(t, 1)

	rec, err := env.engine.ExecuteTrade(context.Background(), order(model.Buy, "10", "100"))
	require.NoError(t, err)

	// gross 1000, tax 3.00, first buy of the day earns the 10 coin bonus
	assert.True(t, rec.Trade.Coins.Equal(d("1000")), rec.Trade.Coins.String())
	assert.True(t, rec.Tax.Equal(d("3")), rec.Tax.String())
	assert.True(t, rec.TradingBonus.Equal(d("10")))
	assert.True(t, rec.Trade.CoinsWithTaxes.Equal(d("993")))
	assert.True(t, rec.CoinsHeld.Equal(d("9007")), rec.CoinsHeld.String())
	assert.True(t, rec.HoldingShares.Equal(d("10")))
	assert.Equal(t, "whitecat", rec.DisplayName)
	assert.NotEmpty(t, rec.Trade.IdempotencyKey)
}

func TestExecuteTrade_BonusOncePerDay(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 42, "100")
	env.register(t, 1)
	ctx := context.Background()

	_, err := env.engine.ExecuteTrade(ctx, order(model.Buy, "10", "100"))
	require.NoError(t, err)
	rec, err := env.engine.ExecuteTrade(ctx, order(model.Buy, "1", "100"))
	require.NoError(t, err)

	assert.True(t, rec.TradingBonus.IsZero())
	assert.True(t, rec.Tax.Equal(d("0.3")), rec.Tax.String())
	assert.True(t, rec.CoinsHeld.Equal(d("8906.7")), rec.CoinsHeld.String())
}

func TestBuyTax_Minimum(t *testing.T) {
	env := newTestEnv(t)
	assert.True(t, env.engine.BuyTax(d("1")).Equal(d("0.01")))
	assert.True(t, env.engine.BuyTax(d("3.33")).Equal(d("0.01")))
	assert.True(t, env.engine.BuyTax(d("1234.56")).Equal(d("3.7")))
}

func TestExecuteTrade_MinimumTaxApplied(t *testing.T) {
	env := newTestEnv(t, func(c *trade.Config) { c.TradingBonus = decimal.Zero })
	env.seedStock(t, 42, "100")
	env.register(t, 1)

	rec, err := env.engine.ExecuteTrade(context.Background(), order(model.Buy, "0.01", "100"))
	require.NoError(t, err)
	assert.True(t, rec.Tax.Equal(d("0.01")))
	assert.True(t, rec.Trade.CoinsWithTaxes.Equal(d("1.01")))
}

func TestExecuteTrade_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, env *testEnv)
		order  trade.Order
		want   error
		status int
	}{
		{
			name:   "invalid type",
			order:  order("hold", "1", "100"),
			want:   trade.ErrInvalidTradeType,
			status: http.StatusBadRequest,
		},
		{
			name:   "zero shares",
			order:  order(model.Buy, "0", "100"),
			want:   trade.ErrInvalidShares,
			status: http.StatusBadRequest,
		},
		{
			name:   "fractional cents",
			order:  order(model.Buy, "0.001", "100"),
			want:   trade.ErrInvalidShares,
			status: http.StatusBadRequest,
		},
		{
			name:   "negative shares",
			order:  order(model.Sell, "-1", "100"),
			want:   trade.ErrInvalidShares,
			status: http.StatusBadRequest,
		},
		{
			name:   "missing seen price",
			order:  order(model.Buy, "1", "0"),
			want:   trade.ErrSeenPriceRequired,
			status: http.StatusBadRequest,
		},
		{
			name:   "price moved",
			order:  order(model.Buy, "1", "99.99"),
			want:   trade.ErrPriceChanged,
			status: http.StatusBadRequest,
		},
		{
			name:   "self trade",
			order:  trade.Order{UserID: 42, StockID: 42, Type: model.Buy, Shares: d("1"), SeenPrice: d("100")},
			want:   trade.ErrSelfTrade,
			status: http.StatusForbidden,
		},
		{
			name:   "unknown stock",
			order:  trade.Order{UserID: 1, StockID: 404, Type: model.Buy, Shares: d("1"), SeenPrice: d("100")},
			want:   trade.ErrUnknownStock,
			status: http.StatusNotFound,
		},
		{
			name:   "unregistered user",
			order:  trade.Order{UserID: 9, StockID: 42, Type: model.Buy, Shares: d("1"), SeenPrice: d("100")},
			want:   trade.ErrUnknownUser,
			status: http.StatusNotFound,
		},
		{
			name: "locked",
			setup: func(t *testing.T, env *testEnv) {
				_, err := env.engine.SetPreventTrades(context.Background(), 42, true)
				require.NoError(t, err)
			},
			order:  order(model.Buy, "1", "100"),
			want:   trade.ErrStockLocked,
			status: http.StatusConflict,
		},
		{
			name:   "insufficient coins",
			order:  order(model.Buy, "200", "100"),
			want:   trade.ErrInsufficientFunds,
			status: http.StatusConflict,
		},
		{
			name:   "oversell",
			order:  order(model.Sell, "1", "100"),
			want:   trade.ErrInsufficientShares,
			status: http.StatusConflict,
		},
		{
			name: "provider down",
			setup: func(_ *testing.T, env *testEnv) {
				env.source.err = statstest.ErrUnavailable
			},
			order:  order(model.Buy, "1", "100"),
			want:   trade.ErrPriceUnavailable,
			status: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.seedStock(t, 42, "100")
			env.register(t, 1)
			if tt.setup != nil {
				tt.setup(t, env)
			}

			rec, err := env.engine.ExecuteTrade(context.Background(), tt.order)
			assert.Nil(t, rec)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.status, trade.StatusFor(err))

			u, err := env.store.GetUser(context.Background(), 1)
			require.NoError(t, err)
			assert.True(t, u.CoinsHeld.Equal(d("10000")), "balance must be untouched")
		})
	}
}

func TestExecuteTrade_TradingClosed(t *testing.T) {
	env := newTestEnv(t, func(c *trade.Config) { c.TradingClosed = true })
	env.seedStock(t, 42, "100")
	env.register(t, 1)

	_, err := env.engine.ExecuteTrade(context.Background(), order(model.Buy, "1", "100"))
	assert.ErrorIs(t, err, trade.ErrTradingClosed)
	assert.Equal(t, http.StatusForbidden, trade.StatusFor(err))
}

func TestExecuteTrade_NotBuyable(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, 1)
	_, err := env.store.ApplyRefresh(context.Background(), model.RefreshWrite{
		Stock: model.Stock{
			StockID:     42,
			SharePrice:  decimal.NewNullDecimal(d("100")),
			LastUpdated: t0,
			IsSellable:  true,
		},
	})
	require.NoError(t, err)

	_, err = env.engine.ExecuteTrade(context.Background(), order(model.Buy, "1", "100"))
	assert.ErrorIs(t, err, trade.ErrNotBuyable)
}

func TestExecuteTrade_DuplicateKey(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 42, "100")
	env.register(t, 1)
	ctx := context.Background()

	o := order(model.Buy, "1", "100")
	o.IdempotencyKey = "order-7f3a"
	_, err := env.engine.ExecuteTrade(ctx, o)
	require.NoError(t, err)

	_, err = env.engine.ExecuteTrade(ctx, o)
	assert.ErrorIs(t, err, trade.ErrDuplicateTrade)
}

func TestExecuteTrade_RoundTrip(t *testing.T) {
	env := newTestEnv(t, func(c *trade.Config) { c.TradingBonus = decimal.Zero })
	env.seedStock(t, 42, "100")
	env.register(t, 1)
	ctx := context.Background()

	_, err := env.engine.ExecuteTrade(ctx, order(model.Buy, "10", "100"))
	require.NoError(t, err)
	rec, err := env.engine.ExecuteTrade(ctx, order(model.Sell, "10", "100"))
	require.NoError(t, err)

	assert.True(t, rec.Trade.Profit.IsZero(), rec.Trade.Profit.String())
	assert.True(t, rec.HoldingShares.IsZero())
	// Only the buy tax is lost.
	assert.True(t, rec.CoinsHeld.Equal(d("9997")), rec.CoinsHeld.String())
}

func TestExecuteTrade_SellFIFO(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 42, "100")
	env.register(t, 1)
	ctx := context.Background()

	_, err := env.engine.ExecuteTrade(ctx, order(model.Buy, "5", "100"))
	require.NoError(t, err)

	rose := env.seedRefresh(t, 42, "150")
	require.True(t, rose.SharePrice.Decimal.Equal(d("150")))
	_, err = env.engine.ExecuteTrade(ctx, order(model.Buy, "5", "150"))
	require.NoError(t, err)

	rec, err := env.engine.ExecuteTrade(ctx, order(model.Sell, "6", "150"))
	require.NoError(t, err)
	// 5 from the 100 lot, 1 from the 150 lot
	assert.True(t, rec.Trade.Profit.Equal(d("250")), rec.Trade.Profit.String())
	require.Len(t, rec.Consumed, 2)
	assert.True(t, rec.HoldingShares.Equal(d("4")))
}

// seedRefresh reprices an existing stock without dilution.
func (e *testEnv) seedRefresh(t *testing.T, id int64, p string) *model.Stock {
	t.Helper()
	ctx := context.Background()
	prev, err := e.store.GetStock(ctx, id)
	require.NoError(t, err)
	next := *prev
	next.SharePrice = decimal.NewNullDecimal(d(p))
	next.LastUpdated = prev.LastUpdated.Add(time.Second)
	st, err := e.store.ApplyRefresh(ctx, model.RefreshWrite{Stock: next, ExpectedLastUpdated: prev.LastUpdated})
	require.NoError(t, err)
	return st
}

func TestExecuteTrade_ConcurrentOversell(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 42, "100")
	env.register(t, 1)
	ctx := context.Background()

	_, err := env.engine.ExecuteTrade(ctx, order(model.Buy, "10", "100"))
	require.NoError(t, err)

	var ok, short atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.ExecuteTrade(ctx, order(model.Sell, "4", "100"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, trade.ErrInsufficientShares):
				short.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), ok.Load())
	assert.Equal(t, int32(4), short.Load())

	holdings, err := env.store.GetHoldings(ctx, 1)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.True(t, holdings[0].Shares.Equal(d("2")))
}

func TestSellAllDelisted(t *testing.T) {
	env := newTestEnv(t)
	st := env.seedStock(t, 42, "100")
	env.register(t, 1)
	ctx := context.Background()

	_, err := env.engine.ExecuteTrade(ctx, order(model.Buy, "10", "100"))
	require.NoError(t, err)

	_, err = env.engine.SellAllDelisted(ctx, 1, 42, "")
	assert.ErrorIs(t, err, trade.ErrStockListed)

	env.ban(t, st)

	_, err = env.engine.ExecuteTrade(ctx, order(model.Sell, "10", "100"))
	assert.ErrorIs(t, err, trade.ErrNotSellable)

	rec, err := env.engine.SellAllDelisted(ctx, 1, 42, "")
	require.NoError(t, err)
	assert.True(t, rec.Trade.SharePrice.Equal(d("50")))
	assert.True(t, rec.Trade.NumShares.Equal(d("10")))
	assert.True(t, rec.Trade.Profit.Equal(d("-500")), rec.Trade.Profit.String())
	assert.True(t, rec.CoinsHeld.Equal(d("9507")), rec.CoinsHeld.String())
	assert.True(t, rec.HoldingShares.IsZero())

	_, err = env.engine.SellAllDelisted(ctx, 1, 42, "")
	assert.ErrorIs(t, err, trade.ErrInsufficientShares)
}

func TestExecuteTrade_BannedStock(t *testing.T) {
	env := newTestEnv(t)
	st := env.seedStock(t, 42, "100")
	env.register(t, 1)
	ctx := context.Background()

	_, err := env.engine.ExecuteTrade(ctx, order(model.Buy, "10", "100"))
	require.NoError(t, err)
	env.ban(t, st)

	tests := []struct {
		name string
		typ  model.TradeType
		want error
	}{
		{"sell", model.Sell, trade.ErrNotSellable},
		{"buy", model.Buy, trade.ErrNotBuyable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.ExecuteTrade(ctx, order(tt.typ, "1", "100"))
			require.ErrorIs(t, err, tt.want)
			assert.NotErrorIs(t, err, trade.ErrPriceUnavailable)
			assert.Equal(t, http.StatusConflict, trade.StatusFor(err))
		})
	}
}

func TestSellAllDelisted_SelfTrade(t *testing.T) {
	env := newTestEnv(t)
	st := env.seedStock(t, 42, "100")
	env.register(t, 42)
	env.ban(t, st)

	_, err := env.engine.SellAllDelisted(context.Background(), 42, 42, "")
	assert.ErrorIs(t, err, trade.ErrSelfTrade)
	assert.Equal(t, http.StatusForbidden, trade.StatusFor(err))
}

func TestMaintenance(t *testing.T) {
	env := newTestEnv(t, func(c *trade.Config) { c.Maintenance = true })
	st := env.seedStock(t, 42, "100")
	env.register(t, 1)
	ctx := context.Background()

	assert.True(t, env.engine.Maintenance())
	_, err := env.engine.ExecuteTrade(ctx, order(model.Buy, "1", "100"))
	assert.ErrorIs(t, err, trade.ErrMaintenance)
	assert.Equal(t, http.StatusServiceUnavailable, trade.StatusFor(err))

	env.ban(t, st)
	_, err = env.engine.SellAllDelisted(ctx, 1, 42, "")
	assert.ErrorIs(t, err, trade.ErrMaintenance)
}

func TestLiquidationPrice(t *testing.T) {
	env := newTestEnv(t)
	assert.True(t, env.engine.LiquidationPrice(d("250.45")).Equal(d("125.22")))
	assert.True(t, env.engine.LiquidationPrice(d("0.01")).IsZero())
}

func TestPreviewSell(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 42, "100")
	env.register(t, 1)
	ctx := context.Background()

	_, err := env.engine.ExecuteTrade(ctx, order(model.Buy, "10", "100"))
	require.NoError(t, err)

	alloc, err := env.engine.PreviewSell(ctx, 1, 42, d("12"), d("120"))
	require.NoError(t, err)
	assert.True(t, alloc.Allocated.Equal(d("10")))
	assert.True(t, alloc.Shortfall.Equal(d("2")))
	assert.True(t, alloc.Profit.Equal(d("200")), alloc.Profit.String())

	alloc, err = env.engine.PreviewSell(ctx, 1, 42, d("4"), decimal.Zero)
	require.NoError(t, err)
	assert.True(t, alloc.Proceeds.Equal(d("400")))

	// Previews settle nothing.
	holdings, err := env.store.GetHoldings(ctx, 1)
	require.NoError(t, err)
	assert.True(t, holdings[0].Shares.Equal(d("10")))
}

func TestPortfolio(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 42, "100")
	banned := env.seedStock(t, 43, "80")
	env.register(t, 1)
	ctx := context.Background()

	_, err := env.engine.ExecuteTrade(ctx, order(model.Buy, "10", "100"))
	require.NoError(t, err)
	_, err = env.engine.ExecuteTrade(ctx, trade.Order{UserID: 1, StockID: 43, Type: model.Buy, Shares: d("5"), SeenPrice: d("80")})
	require.NoError(t, err)
	env.ban(t, banned)

	p, err := env.engine.Portfolio(ctx, 1)
	require.NoError(t, err)
	require.Len(t, p.Positions, 2)

	byID := map[int64]model.PortfolioPosition{}
	for _, pos := range p.Positions {
		byID[pos.StockID] = pos
	}
	assert.True(t, byID[42].CurrentValue.Equal(d("1000")))
	assert.True(t, byID[43].CurrentValue.IsZero())
	assert.True(t, byID[43].IsBanned)
	assert.True(t, p.TotalValue.Equal(p.CoinsHeld.Add(d("1000"))))

	_, err = env.engine.Portfolio(ctx, 77)
	assert.ErrorIs(t, err, trade.ErrUnknownUser)
}

// TestEngine_WithRefreshService runs a trade against lazily created stock
// prices from the stats provider.
func TestEngine_WithRefreshService(t *testing.T) {
	ms := store.NewMemoryStore()
	provider := statstest.New()
	provider.SetPlayer(stats.Player{
		ID:          42,
		Username:    "mrekk",
		CountryCode: "AU",
		Rank:        500,
		SkillRating: 8000,
		RankHistory: []int64{600, 590, 580, 570, 560, 550, 540, 530, 520, 510},
		PlaycountHistory: []model.MonthlyPlaycount{
			{StartDate: t0.AddDate(0, -2, 0), Count: 500},
			{StartDate: t0.AddDate(0, -1, 0), Count: 500},
			{StartDate: t0, Count: 500},
		},
		JoinDate: t0.AddDate(-6, 0, 0),
	})
	provider.SetScores(42, []model.Score{{ID: 1, Value: 900, Date: t0}})

	now := func() time.Time { return t0 }
	svc := refresh.NewService(ms, provider, refresh.DefaultConfig(), refresh.WithClock(now))
	eng := trade.NewEngine(ms, svc, trade.DefaultConfig(), trade.WithEngineClock(now))
	ctx := context.Background()

	_, err := eng.RegisterUser(ctx, 1)
	require.NoError(t, err)

	st, err := eng.Stock(ctx, 42)
	require.NoError(t, err)
	require.True(t, st.SharePrice.Valid)
	assert.Equal(t, "mrekk", st.DisplayName)

	_, err = eng.ExecuteTrade(ctx, trade.Order{
		UserID: 1, StockID: 42, Type: model.Buy, Shares: d("1"), SeenPrice: st.SharePrice.Decimal.Add(d("1")),
	})
	assert.ErrorIs(t, err, trade.ErrPriceChanged)

	rec, err := eng.ExecuteTrade(ctx, trade.Order{
		UserID: 1, StockID: 42, Type: model.Buy, Shares: d("1"), SeenPrice: st.SharePrice.Decimal,
	})
	require.NoError(t, err)
	assert.True(t, rec.Trade.SharePrice.Equal(st.SharePrice.Decimal))

	details, _ := provider.Calls()
	assert.Equal(t, 1, details, "fresh stock must not be refetched")

	_, err = eng.Stock(ctx, 404)
	assert.ErrorIs(t, err, trade.ErrUnknownStock)
}

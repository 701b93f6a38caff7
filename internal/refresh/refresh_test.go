package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osucapital/market-engine/internal/model"
	"github.com/osucapital/market-engine/internal/stats"
	"github.com/osucapital/market-engine/internal/stats/statstest"
	"github.com/osucapital/market-engine/internal/store"
)

var t0 = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu      sync.Mutex
	updates []model.Stock
}

func (r *recorder) StockUpdated(st model.Stock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, st)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func monthly(now time.Time, perMonth int64) []model.MonthlyPlaycount {
	var out []model.MonthlyPlaycount
	for i := 4; i >= 0; i-- {
		out = append(out, model.MonthlyPlaycount{StartDate: now.AddDate(0, -i, 0), Count: perMonth})
	}
	return out
}

func player(id int64, rating float64) stats.Player {
	return stats.Player{
		ID:               id,
		Username:         "cookiezi",
		CountryCode:      "KR",
		Rank:             500,
		SkillRating:      rating,
		RankHistory:      []int64{600, 590, 580, 570, 560, 550, 540, 530, 520, 510},
		PlaycountHistory: monthly(t0, 500),
		JoinDate:         t0.AddDate(-5, 0, 0),
	}
}

func scores(values ...float64) []model.Score {
	out := make([]model.Score, len(values))
	for i, v := range values {
		out[i] = model.Score{ID: int64(i + 1), Value: v, Date: t0.AddDate(0, 0, -i)}
	}
	return out
}

type fixture struct {
	store    *store.MemoryStore
	provider *statstest.Provider
	clock    *fakeClock
	notes    *recorder
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemoryStore(),
		provider: statstest.New(),
		clock:    &fakeClock{t: t0},
		notes:    &recorder{},
	}
	cfg := DefaultConfig()
	cfg.ChunkSize = 2
	cfg.ChunkPause = 0
	f.svc = NewService(f.store, f.provider, cfg,
		WithClock(f.clock.Now),
		WithNotifier(f.notes),
	)
	return f
}

func TestStock_LazyCreation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.SetPlayer(player(42, 8000))
	f.provider.SetScores(42, scores(700, 650, 600))

	st, err := f.svc.Stock(ctx, 42, f.svc.Config().ViewWindow)
	require.NoError(t, err)
	require.True(t, st.SharePrice.Valid)
	assert.True(t, st.IsBuyable)
	assert.True(t, st.IsSellable)
	assert.Equal(t, "cookiezi", st.DisplayName)
	assert.Len(t, st.BestPlays, 3)

	details, scoreCalls := f.provider.Calls()
	assert.Equal(t, 1, details)
	assert.Equal(t, 1, scoreCalls)

	checks := f.store.RebalanceChecks(42)
	require.Len(t, checks, 1)
	assert.False(t, checks[0].DidRebalance)
	assert.Empty(t, checks[0].OldScores)

	history, err := f.store.GetPriceHistory(ctx, 42, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Price.Equal(st.SharePrice.Decimal))
	assert.Equal(t, 1, f.notes.count())
}

func TestStock_FreshIsServedFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.SetPlayer(player(42, 8000))

	_, err := f.svc.Stock(ctx, 42, time.Minute)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	_, err = f.svc.Stock(ctx, 42, time.Minute)
	require.NoError(t, err)

	details, _ := f.provider.Calls()
	assert.Equal(t, 1, details)
}

func TestStock_StaleIsRefreshed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.SetPlayer(player(42, 8000))

	first, err := f.svc.Stock(ctx, 42, 3*time.Second)
	require.NoError(t, err)

	f.clock.Advance(4 * time.Second)
	second, err := f.svc.Stock(ctx, 42, 3*time.Second)
	require.NoError(t, err)

	details, _ := f.provider.Calls()
	assert.Equal(t, 2, details)
	assert.True(t, second.LastUpdated.After(first.LastUpdated))
}

func TestStock_LockedIsNeverRefreshed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.SetPlayer(player(42, 8000))

	_, err := f.svc.Stock(ctx, 42, time.Second)
	require.NoError(t, err)
	_, err = f.store.SetPreventTrades(ctx, 42, true)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	st, err := f.svc.Stock(ctx, 42, time.Second)
	require.NoError(t, err)
	assert.True(t, st.PreventTrades)

	details, _ := f.provider.Calls()
	assert.Equal(t, 1, details)
}

func TestStock_UnknownPlayer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Stock(ctx, 404, time.Minute)
	assert.ErrorIs(t, err, ErrUnknownStock)

	_, err = f.store.GetStock(ctx, 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRefresh_Ban(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.SetPlayer(player(42, 8000))

	created, err := f.svc.Refresh(ctx, 42)
	require.NoError(t, err)
	price := created.Stock.SharePrice.Decimal

	f.provider.Ban(42)
	f.clock.Advance(time.Minute)
	res, err := f.svc.Refresh(ctx, 42)
	require.NoError(t, err)

	assert.True(t, res.Banned)
	assert.True(t, res.Stock.IsBanned)
	assert.False(t, res.Stock.SharePrice.Valid)
	assert.False(t, res.Stock.IsBuyable)
	assert.False(t, res.Stock.IsSellable)
	assert.True(t, res.Stock.LastKnownPrice.Equal(price))
	assert.Equal(t, 2, f.notes.count())
}

func TestRefresh_ProviderFailureLeavesRowUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.SetPlayer(player(42, 8000))

	created, err := f.svc.Refresh(ctx, 42)
	require.NoError(t, err)

	f.provider.Fail(42, statstest.ErrUnavailable)
	f.clock.Advance(time.Hour)
	_, err = f.svc.Stock(ctx, 42, time.Minute)
	assert.ErrorIs(t, err, statstest.ErrUnavailable)

	st, err := f.store.GetStock(ctx, 42)
	require.NoError(t, err)
	assert.True(t, st.LastUpdated.Equal(created.Stock.LastUpdated))
}

func TestRefresh_StablePriceSkipsRecheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.SetPlayer(player(42, 8000))

	_, err := f.svc.Refresh(ctx, 42)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.svc.Refresh(ctx, 42)
	require.NoError(t, err)

	_, scoreCalls := f.provider.Calls()
	assert.Equal(t, 1, scoreCalls)
	assert.Len(t, f.store.RebalanceChecks(42), 1)
}

func TestRefresh_PriceDropTriggersRecheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.SetPlayer(player(42, 8000))

	_, err := f.svc.Refresh(ctx, 42)
	require.NoError(t, err)

	f.provider.SetPlayer(player(42, 5000))
	f.clock.Advance(time.Minute)
	res, err := f.svc.Refresh(ctx, 42)
	require.NoError(t, err)
	assert.False(t, res.Rebalanced)

	_, scoreCalls := f.provider.Calls()
	assert.Equal(t, 2, scoreCalls)
}

func TestRefresh_RebalanceDilutesLots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.SetPlayer(player(42, 8000))
	f.provider.SetScores(42, scores(700, 650, 600, 550))

	created, err := f.svc.Refresh(ctx, 42)
	require.NoError(t, err)
	oldPrice := created.Stock.SharePrice.Decimal

	_, err = f.store.EnsureUser(ctx, 1, decimal.NewFromInt(100000))
	require.NoError(t, err)
	_, err = f.store.SettleBuy(ctx, model.BuyOrder{
		UserID: 1, StockID: 42, Shares: decimal.NewFromInt(10), Price: oldPrice,
		Tax: decimal.RequireFromString("0.01"), Timestamp: t0,
	})
	require.NoError(t, err)

	// Three recomputed scores plus a higher rating.
	f.provider.SetPlayer(player(42, 12000))
	f.provider.SetScores(42, scores(720, 670, 620, 550))
	f.clock.Advance(time.Hour)

	res, err := f.svc.Refresh(ctx, 42)
	require.NoError(t, err)
	require.True(t, res.Rebalanced)
	newPrice := res.Stock.SharePrice.Decimal
	require.True(t, newPrice.GreaterThan(oldPrice))

	checks := f.store.RebalanceChecks(42)
	require.Len(t, checks, 2)
	assert.True(t, checks[1].DidRebalance)
	assert.Len(t, checks[1].Changes, 3)

	want := decimal.NewFromInt(10).Mul(oldPrice).DivRound(newPrice, 16).Truncate(2)
	open, err := f.store.GetOpenLots(ctx, 1, 42)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].SharesLeft.Equal(want), "got %s want %s", open[0].SharesLeft, want)
}

func TestRefresh_UnscoredPlayer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := player(42, 8000)
	p.Rank = 0
	f.provider.SetPlayer(p)

	res, err := f.svc.Refresh(ctx, 42)
	require.NoError(t, err)
	assert.False(t, res.Stock.SharePrice.Valid)
	assert.False(t, res.Stock.IsBuyable)
	assert.True(t, res.Stock.IsSellable, "missing data is not a ban")
	assert.False(t, res.Stock.IsBanned)

	history, err := f.store.GetPriceHistory(ctx, 42, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStock_ConcurrentCallers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.SetPlayer(player(42, 8000))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := f.svc.Stock(ctx, 42, time.Minute)
			if err == nil && !st.SharePrice.Valid {
				err = errors.New("missing price")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	stocks, err := f.store.ListStocks(ctx)
	require.NoError(t, err)
	assert.Len(t, stocks, 1)
}

func TestRefreshBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for id := int64(1); id <= 5; id++ {
		f.provider.SetPlayer(player(id, 8000))
		_, err := f.svc.Refresh(ctx, id)
		require.NoError(t, err)
	}
	f.provider.Ban(2)
	f.provider.Fail(3, statstest.ErrUnavailable)

	rep, err := f.svc.RefreshBatch(ctx, []int64{1, 2, 3, 4, 5, 404})
	require.NoError(t, err)
	assert.Equal(t, BatchReport{Refreshed: 3, Banned: 1, Failed: 2}, rep)
}

func TestRefreshBatch_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.RefreshBatch(ctx, []int64{1, 2, 3})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRefreshStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.SetPlayer(player(1, 8000))
	f.provider.SetPlayer(player(2, 8000))

	_, err := f.svc.Refresh(ctx, 1)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.svc.Refresh(ctx, 2)
	require.NoError(t, err)

	rep, err := f.svc.RefreshStale(ctx, 30*time.Minute, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Refreshed)

	details, _ := f.provider.Calls()
	assert.Equal(t, 3, details)
}

func TestRecordHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.SetPlayer(player(1, 8000))
	_, err := f.svc.Refresh(ctx, 1)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	n, err := f.svc.RecordHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	history, err := f.store.GetPriceHistory(ctx, 1, time.Time{})
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, Config{}.Validate())

	c := DefaultConfig()
	c.TradeWindow = 5 * time.Minute
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.ViewWindow = time.Hour
	assert.Error(t, c.Validate())
}

package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/osucapital/market-engine/internal/lots"
	"github.com/osucapital/market-engine/internal/model"
)

type holdingKey struct {
	userID  int64
	stockID int64
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Every write, settlement included, runs under one mutex, which makes each
// settlement trivially atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	stocks   map[int64]*model.Stock
	users    map[int64]*model.User
	trades   []model.Trade // trades[i].ID == i+1
	holdings map[holdingKey]decimal.Decimal
	checks   []model.RebalanceCheck
	history  []model.PricePoint
	keys     map[string]struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stocks:   make(map[int64]*model.Stock),
		users:    make(map[int64]*model.User),
		holdings: make(map[holdingKey]decimal.Decimal),
		keys:     make(map[string]struct{}),
	}
}

// --- Stocks ---

func (s *MemoryStore) GetStock(_ context.Context, id int64) (*model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stocks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneStock(st), nil
}

func (s *MemoryStore) ListStocks(_ context.Context) ([]model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stocks := make([]model.Stock, 0, len(s.stocks))
	for _, st := range s.stocks {
		stocks = append(stocks, *cloneStock(st))
	}
	sort.Slice(stocks, func(i, j int) bool {
		ri, rj := stocks[i].Rank, stocks[j].Rank
		if (ri == 0) != (rj == 0) {
			return rj == 0
		}
		if ri != rj {
			return ri < rj
		}
		return stocks[i].StockID < stocks[j].StockID
	})
	return stocks, nil
}

func (s *MemoryStore) ListStaleStocks(_ context.Context, olderThan time.Time, limit int) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []*model.Stock
	for _, st := range s.stocks {
		if !st.PreventTrades && st.LastUpdated.Before(olderThan) {
			stale = append(stale, st)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		if stale[i].LastUpdated.Equal(stale[j].LastUpdated) {
			return stale[i].StockID < stale[j].StockID
		}
		return stale[i].LastUpdated.Before(stale[j].LastUpdated)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}

	ids := make([]int64, len(stale))
	for i, st := range stale {
		ids[i] = st.StockID
	}
	return ids, nil
}

func (s *MemoryStore) ApplyRefresh(_ context.Context, w model.RefreshWrite) (*model.Stock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := w.Stock.StockID
	prev, exists := s.stocks[id]
	if err := checkExpected(prev, exists, w.ExpectedLastUpdated); err != nil {
		return nil, err
	}

	st := cloneStock(&w.Stock)
	var prevUpdated time.Time
	if exists {
		prevUpdated = prev.LastUpdated
		st.PreventTrades = prev.PreventTrades
		st.LastKnownPrice = prev.LastKnownPrice
	}
	if st.SharePrice.Valid {
		st.LastKnownPrice = st.SharePrice.Decimal
	}
	st.LastUpdated = nextLastUpdated(prevUpdated, st.LastUpdated)

	if w.Dilute && exists {
		if _, ok := DilutionFactor(prev.SharePrice, st.SharePrice); ok {
			s.dilute(id, prev.SharePrice.Decimal, st.SharePrice.Decimal)
		}
	}

	s.stocks[id] = st
	return cloneStock(st), nil
}

func (s *MemoryStore) MarkBanned(_ context.Context, w model.BanWrite) (*model.Stock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.stocks[w.StockID]
	if !exists {
		return nil, ErrNotFound
	}
	if err := checkExpected(prev, exists, w.ExpectedLastUpdated); err != nil {
		return nil, err
	}

	st := cloneStock(prev)
	st.SharePrice = decimal.NullDecimal{}
	st.IsBuyable = false
	st.IsSellable = false
	st.IsBanned = true
	st.LastUpdated = nextLastUpdated(prev.LastUpdated, w.LastUpdated)

	s.stocks[w.StockID] = st
	return cloneStock(st), nil
}

func (s *MemoryStore) SetPreventTrades(_ context.Context, id int64, prevent bool) (*model.Stock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stocks[id]
	if !ok {
		return nil, ErrNotFound
	}
	st.PreventTrades = prevent
	return cloneStock(st), nil
}

func (s *MemoryStore) InsertRebalanceCheck(_ context.Context, c *model.RebalanceCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checks = append(s.checks, *c)
	return nil
}

// RebalanceChecks returns every recorded check for a stock.
func (s *MemoryStore) RebalanceChecks(stockID int64) []model.RebalanceCheck {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.RebalanceCheck
	for _, c := range s.checks {
		if c.StockID == stockID {
			out = append(out, c)
		}
	}
	return out
}

// dilute scales every open buy lot of the stock and recomputes the
// materialized holdings. Caller holds the write lock.
func (s *MemoryStore) dilute(stockID int64, oldPrice, newPrice decimal.Decimal) {
	totals := make(map[holdingKey]decimal.Decimal)
	for i := range s.trades {
		t := &s.trades[i]
		if t.StockID != stockID || t.Type != model.Buy || !t.SharesLeft.IsPositive() {
			continue
		}
		t.SharesLeft = dilutedShares(t.SharesLeft, oldPrice, newPrice)
		k := holdingKey{t.UserID, stockID}
		totals[k] = totals[k].Add(t.SharesLeft)
	}
	for k := range s.holdings {
		if k.stockID == stockID {
			s.holdings[k] = totals[k]
		}
	}
}

// --- Users ---

func (s *MemoryStore) EnsureUser(_ context.Context, userID int64, startingCoins decimal.Decimal) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		u = &model.User{UserID: userID, CoinsHeld: startingCoins}
		s.users[userID] = u
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) GetUser(_ context.Context, userID int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	copy := *u
	return &copy, nil
}

// --- Ledger ---

func (s *MemoryStore) GetOpenLots(_ context.Context, userID, stockID int64) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.openLots(userID, stockID), nil
}

func (s *MemoryStore) openLots(userID, stockID int64) []model.Trade {
	var out []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID && t.StockID == stockID && t.Type == model.Buy && t.SharesLeft.IsPositive() {
			out = append(out, t)
		}
	}
	sortOldestFirst(out)
	return out
}

func (s *MemoryStore) GetTradesByStock(_ context.Context, stockID int64, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.recentTrades(func(t model.Trade) bool { return t.StockID == stockID }, limit), nil
}

func (s *MemoryStore) GetTradesByUser(_ context.Context, userID int64, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.recentTrades(func(t model.Trade) bool { return t.UserID == userID }, limit), nil
}

func (s *MemoryStore) recentTrades(match func(model.Trade) bool, limit int) []model.Trade {
	var out []model.Trade
	for _, t := range s.trades {
		if match(t) {
			out = append(out, t)
		}
	}
	sortOldestFirst(out)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) GetHoldings(_ context.Context, userID int64) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Holding
	for k, shares := range s.holdings {
		if k.userID == userID && shares.IsPositive() {
			out = append(out, model.Holding{UserID: userID, StockID: k.stockID, Shares: shares})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StockID < out[j].StockID })
	return out, nil
}

// --- Price history ---

func (s *MemoryStore) InsertPricePoint(_ context.Context, p model.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, p)
	return nil
}

func (s *MemoryStore) SnapshotPrices(_ context.Context, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, st := range s.stocks {
		if !st.SharePrice.Valid {
			continue
		}
		s.history = append(s.history, model.PricePoint{
			StockID:    st.StockID,
			Price:      st.SharePrice.Decimal,
			RecordedAt: at,
		})
		n++
	}
	return n, nil
}

func (s *MemoryStore) GetPriceHistory(_ context.Context, stockID int64, since time.Time) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PricePoint
	for _, p := range s.history {
		if p.StockID == stockID && !p.RecordedAt.Before(since) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

// --- Settlement ---

func (s *MemoryStore) SettleBuy(_ context.Context, o model.BuyOrder) (*model.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkTradable(o.StockID, o.Price); err != nil {
		return nil, err
	}
	if err := s.checkKey(o.IdempotencyKey); err != nil {
		return nil, err
	}
	u, ok := s.users[o.UserID]
	if !ok {
		return nil, ErrUserNotFound
	}

	bonus := decimal.Zero
	if o.TradingBonus.IsPositive() && !s.boughtSince(o.UserID, o.BonusWindowStart) {
		bonus = o.TradingBonus
	}
	gross := o.Shares.Mul(o.Price)
	debit := buyDebit(gross, o.Tax, bonus)
	if debit.GreaterThan(u.CoinsHeld) {
		return nil, ErrInsufficientFunds
	}

	u.CoinsHeld = u.CoinsHeld.Sub(debit)
	t := s.appendTrade(model.Trade{
		UserID:         o.UserID,
		StockID:        o.StockID,
		Type:           model.Buy,
		NumShares:      o.Shares,
		SharePrice:     o.Price,
		Coins:          gross,
		CoinsWithTaxes: debit,
		Profit:         decimal.Zero,
		SharesLeft:     o.Shares,
		Timestamp:      o.Timestamp,
		IdempotencyKey: o.IdempotencyKey,
	})
	k := holdingKey{o.UserID, o.StockID}
	s.holdings[k] = s.holdings[k].Add(o.Shares)

	return &model.Settlement{
		Trade:         t,
		Tax:           o.Tax,
		TradingBonus:  bonus,
		CoinsHeld:     u.CoinsHeld,
		HoldingShares: s.holdings[k],
	}, nil
}

func (s *MemoryStore) SettleSell(_ context.Context, o model.SellOrder, calc lots.Calculator) (*model.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkTradable(o.StockID, o.Price); err != nil {
		return nil, err
	}
	if err := s.checkKey(o.IdempotencyKey); err != nil {
		return nil, err
	}
	u, ok := s.users[o.UserID]
	if !ok {
		return nil, ErrUserNotFound
	}

	open := s.openLots(o.UserID, o.StockID)
	if o.Shares.GreaterThan(lots.OpenShares(open)) {
		return nil, ErrInsufficientShares
	}
	return s.sellLots(u, o.StockID, open, o.Shares, o.Price, o.MaxCoins, o.IdempotencyKey, o.Timestamp, calc), nil
}

func (s *MemoryStore) SettleLiquidation(_ context.Context, o model.LiquidationOrder, calc lots.Calculator) (*model.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stocks[o.StockID]
	if !ok {
		return nil, ErrNotFound
	}
	if st.PreventTrades {
		return nil, ErrStockLocked
	}
	if st.SharePrice.Valid {
		return nil, ErrStockListed
	}
	if err := s.checkKey(o.IdempotencyKey); err != nil {
		return nil, err
	}
	u, ok := s.users[o.UserID]
	if !ok {
		return nil, ErrUserNotFound
	}

	open := s.openLots(o.UserID, o.StockID)
	shares := lots.OpenShares(open)
	if !shares.IsPositive() {
		return nil, ErrInsufficientShares
	}
	return s.sellLots(u, o.StockID, open, shares, o.PricePerShare, o.MaxCoins, o.IdempotencyKey, o.Timestamp, calc), nil
}

// sellLots applies a validated sell. Caller holds the write lock.
func (s *MemoryStore) sellLots(u *model.User, stockID int64, open []model.Trade, shares, price, maxCoins decimal.Decimal,
	key string, at time.Time, calc lots.Calculator) *model.Settlement {
	alloc := calc.Allocate(open, shares, price)
	for _, c := range alloc.Consumed {
		s.trades[c.TradeID-1].SharesLeft = c.SharesLeft
	}

	credit := alloc.Proceeds.Sub(alloc.Tax)
	u.CoinsHeld = capCoins(u.CoinsHeld.Add(credit), maxCoins)

	t := s.appendTrade(model.Trade{
		UserID:         u.UserID,
		StockID:        stockID,
		Type:           model.Sell,
		NumShares:      alloc.Allocated,
		SharePrice:     price,
		Coins:          alloc.Proceeds,
		CoinsWithTaxes: credit,
		Profit:         alloc.Profit,
		SharesLeft:     decimal.Zero,
		Timestamp:      at,
		IdempotencyKey: key,
	})
	k := holdingKey{u.UserID, stockID}
	s.holdings[k] = s.holdings[k].Sub(alloc.Allocated)

	return &model.Settlement{
		Trade:         t,
		Consumed:      alloc.Consumed,
		Tax:           alloc.Tax,
		TradingBonus:  decimal.Zero,
		CoinsHeld:     u.CoinsHeld,
		HoldingShares: s.holdings[k],
	}
}

func (s *MemoryStore) checkTradable(stockID int64, price decimal.Decimal) error {
	st, ok := s.stocks[stockID]
	if !ok {
		return ErrNotFound
	}
	if st.PreventTrades {
		return ErrStockLocked
	}
	if !st.SharePrice.Valid || !st.SharePrice.Decimal.Equal(price) {
		return ErrPriceChanged
	}
	return nil
}

func (s *MemoryStore) checkKey(key string) error {
	if key == "" {
		return nil
	}
	if _, dup := s.keys[key]; dup {
		return ErrDuplicateTrade
	}
	return nil
}

func (s *MemoryStore) boughtSince(userID int64, since time.Time) bool {
	for _, t := range s.trades {
		if t.UserID == userID && t.Type == model.Buy && !t.Timestamp.Before(since) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) appendTrade(t model.Trade) model.Trade {
	t.ID = int64(len(s.trades) + 1)
	s.trades = append(s.trades, t)
	if t.IdempotencyKey != "" {
		s.keys[t.IdempotencyKey] = struct{}{}
	}
	return t
}

// --- Helpers ---

func checkExpected(prev *model.Stock, exists bool, expected time.Time) error {
	if !exists {
		if !expected.IsZero() {
			return ErrNotFound
		}
		return nil
	}
	if !prev.LastUpdated.Equal(expected) {
		return ErrStaleWrite
	}
	return nil
}

func sortOldestFirst(trades []model.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		if trades[i].Timestamp.Equal(trades[j].Timestamp) {
			return trades[i].ID < trades[j].ID
		}
		return trades[i].Timestamp.Before(trades[j].Timestamp)
	})
}

func cloneStock(st *model.Stock) *model.Stock {
	c := *st
	c.RankHistory = slices.Clone(st.RankHistory)
	c.PlaycountHistory = slices.Clone(st.PlaycountHistory)
	c.BestPlays = slices.Clone(st.BestPlays)
	return &c
}

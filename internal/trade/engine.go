// Package trade settles buys and sells of player stocks and serves the HTTP
// API around them.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/osucapital/market-engine/internal/lots"
	"github.com/osucapital/market-engine/internal/metrics"
	"github.com/osucapital/market-engine/internal/model"
	"github.com/osucapital/market-engine/internal/refresh"
	"github.com/osucapital/market-engine/internal/store"
)

// Config is the trading configuration snapshot taken at construction.
type Config struct {
	TradingClosed bool
	Maintenance   bool // rejects all public API traffic with 503

	TaxRate       decimal.Decimal // buy tax as a fraction of gross
	MinTax        decimal.Decimal
	TradingBonus  decimal.Decimal // first buy of each UTC day
	DelistPenalty decimal.Decimal // fraction of LastKnownPrice lost on liquidation
	MaxCoins      decimal.Decimal
	StartingCoins decimal.Decimal

	TradeWindow       time.Duration
	ViewWindow        time.Duration
	RecentTradesLimit int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TaxRate:           decimal.RequireFromString("0.003"),
		MinTax:            decimal.RequireFromString("0.01"),
		TradingBonus:      decimal.NewFromInt(10),
		DelistPenalty:     decimal.RequireFromString("0.5"),
		MaxCoins:          decimal.NewFromInt(999_999_999),
		StartingCoins:     decimal.NewFromInt(10_000),
		TradeWindow:       3 * time.Second,
		ViewWindow:        2 * time.Minute,
		RecentTradesLimit: 20,
	}
}

// StockSource returns a stock no older than window, refreshing it if
// needed. *refresh.Service implements it.
type StockSource interface {
	Stock(ctx context.Context, id int64, window time.Duration) (*model.Stock, error)
}

// Order is a buy or sell request. SeenPrice is the price the user was shown;
// the trade is rejected if it no longer matches.
type Order struct {
	UserID         int64           `json:"user_id"`
	StockID        int64           `json:"stock_id"`
	Type           model.TradeType `json:"type"`
	Shares         decimal.Decimal `json:"shares"`
	SeenPrice      decimal.Decimal `json:"seen_price"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Receipt is the outcome of a settled trade.
type Receipt struct {
	model.Settlement
	DisplayName string `json:"display_name"`
}

// Engine executes trades. Atomicity comes from the store's settlement
// procedures; the engine only validates and prices.
type Engine struct {
	store  store.Store
	stocks StockSource
	calc   lots.Calculator
	cfg    Config
	hub    *WSHub // optional
	logger *slog.Logger
	now    func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithHub broadcasts executed trades to WebSocket clients.
func WithHub(h *WSHub) EngineOption {
	return func(e *Engine) { e.hub = h }
}

// WithCalculator sets the lot calculator (and with it the tax strategy).
func WithCalculator(c lots.Calculator) EngineOption {
	return func(e *Engine) { e.calc = c }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineClock overrides time.Now.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a trade engine.
func NewEngine(st store.Store, stocks StockSource, cfg Config, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  st,
		stocks: stocks,
		calc:   lots.NewCalculator(lots.NoTax{}),
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.calc.Now == nil {
		e.calc.Now = e.now
	}
	return e
}

// BuyTax is max(MinTax, trunc2(gross × TaxRate)).
func (e *Engine) BuyTax(gross decimal.Decimal) decimal.Decimal {
	return decimal.Max(e.cfg.MinTax, gross.Mul(e.cfg.TaxRate).Truncate(2))
}

// ExecuteTrade validates, prices, and settles an order.
func (e *Engine) ExecuteTrade(ctx context.Context, o Order) (*Receipt, error) {
	start := time.Now()

	rec, err := e.executeTrade(ctx, o)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(reason(err)).Inc()
		if StatusFor(err) >= 500 && !errors.Is(err, ErrMaintenance) {
			e.logger.Error("trade failed", "user_id", o.UserID, "stock_id", o.StockID, "err", err)
		}
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(o.Type)).Inc()
	metrics.TradeLatency.WithLabelValues(string(o.Type)).Observe(time.Since(start).Seconds())
	e.recorded(rec)
	return rec, nil
}

func (e *Engine) executeTrade(ctx context.Context, o Order) (*Receipt, error) {
	if err := e.validate(o); err != nil {
		return nil, err
	}

	st, err := e.tradableStock(ctx, o.StockID)
	if err != nil {
		return nil, err
	}
	// Banned stocks have no price, so eligibility is checked first.
	if o.Type == model.Buy && !st.IsBuyable {
		return nil, ErrNotBuyable
	}
	if o.Type == model.Sell && !st.IsSellable {
		return nil, ErrNotSellable
	}
	if !st.SharePrice.Valid {
		return nil, ErrPriceUnavailable
	}
	price := st.SharePrice.Decimal
	if !price.Equal(o.SeenPrice) {
		return nil, ErrPriceChanged
	}

	key := o.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	now := e.now().UTC()

	var res *model.Settlement
	switch o.Type {
	case model.Buy:
		gross := o.Shares.Mul(price)
		res, err = e.store.SettleBuy(ctx, model.BuyOrder{
			UserID:           o.UserID,
			StockID:          o.StockID,
			Shares:           o.Shares,
			Price:            price,
			Tax:              e.BuyTax(gross),
			TradingBonus:     e.cfg.TradingBonus,
			BonusWindowStart: startOfDay(now),
			IdempotencyKey:   key,
			Timestamp:        now,
		})
	case model.Sell:
		res, err = e.store.SettleSell(ctx, model.SellOrder{
			UserID:         o.UserID,
			StockID:        o.StockID,
			Shares:         o.Shares,
			Price:          price,
			MaxCoins:       e.cfg.MaxCoins,
			IdempotencyKey: key,
			Timestamp:      now,
		}, e.calc)
	}
	if err != nil {
		return nil, fmt.Errorf("settle %s: %w", o.Type, translate(err))
	}
	return &Receipt{Settlement: *res, DisplayName: st.DisplayName}, nil
}

// SellAllDelisted liquidates the user's whole position in a banned or
// unscoreable stock at LastKnownPrice less the delisting penalty.
func (e *Engine) SellAllDelisted(ctx context.Context, userID, stockID int64, idempotencyKey string) (*Receipt, error) {
	rec, err := e.sellAllDelisted(ctx, userID, stockID, idempotencyKey)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(reason(err)).Inc()
		return nil, err
	}
	metrics.TradesTotal.WithLabelValues("liquidation").Inc()
	e.recorded(rec)
	return rec, nil
}

func (e *Engine) sellAllDelisted(ctx context.Context, userID, stockID int64, key string) (*Receipt, error) {
	if err := e.gate(); err != nil {
		return nil, err
	}
	if userID == stockID {
		return nil, ErrSelfTrade
	}
	st, err := e.tradableStock(ctx, stockID)
	if err != nil {
		return nil, err
	}
	if st.SharePrice.Valid {
		return nil, ErrStockListed
	}

	if key == "" {
		key = uuid.NewString()
	}
	res, err := e.store.SettleLiquidation(ctx, model.LiquidationOrder{
		UserID:         userID,
		StockID:        stockID,
		PricePerShare:  e.LiquidationPrice(st.LastKnownPrice),
		MaxCoins:       e.cfg.MaxCoins,
		IdempotencyKey: key,
		Timestamp:      e.now().UTC(),
	}, e.calc)
	if err != nil {
		return nil, fmt.Errorf("liquidate: %w", translate(err))
	}
	return &Receipt{Settlement: *res, DisplayName: st.DisplayName}, nil
}

// LiquidationPrice is trunc2(lastKnown × (1 − DelistPenalty)).
func (e *Engine) LiquidationPrice(lastKnown decimal.Decimal) decimal.Decimal {
	return lastKnown.Mul(decimal.NewFromInt(1).Sub(e.cfg.DelistPenalty)).Truncate(2)
}

// tradableStock fetches the stock under the trade window and rejects locked
// stocks.
func (e *Engine) tradableStock(ctx context.Context, id int64) (*model.Stock, error) {
	st, err := e.stocks.Stock(ctx, id, e.cfg.TradeWindow)
	if errors.Is(err, refresh.ErrUnknownStock) {
		return nil, ErrUnknownStock
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
	}
	if st.PreventTrades {
		return nil, ErrStockLocked
	}
	return st, nil
}

func (e *Engine) validate(o Order) error {
	if !o.Type.Valid() {
		return ErrInvalidTradeType
	}
	if !o.Shares.IsPositive() || !o.Shares.Equal(o.Shares.Truncate(2)) {
		return ErrInvalidShares
	}
	if !o.SeenPrice.IsPositive() {
		return ErrSeenPriceRequired
	}
	if err := e.gate(); err != nil {
		return err
	}
	if o.UserID == o.StockID {
		return ErrSelfTrade
	}
	return nil
}

// gate applies the market-wide switches.
func (e *Engine) gate() error {
	if e.cfg.Maintenance {
		return ErrMaintenance
	}
	if e.cfg.TradingClosed {
		return ErrTradingClosed
	}
	return nil
}

// Maintenance reports whether the market is down for maintenance.
func (e *Engine) Maintenance() bool {
	return e.cfg.Maintenance
}

func (e *Engine) recorded(rec *Receipt) {
	t := rec.Trade
	metrics.ShareVolume.WithLabelValues(strconv.FormatInt(t.StockID, 10), string(t.Type)).Add(t.NumShares.InexactFloat64())

	e.logger.Info("trade executed",
		"trade_id", t.ID,
		"user_id", t.UserID,
		"stock_id", t.StockID,
		"type", t.Type,
		"shares", t.NumShares.String(),
		"price", t.SharePrice.String(),
		"coins", t.CoinsWithTaxes.String(),
		"profit", t.Profit.String(),
	)

	if e.hub != nil {
		e.hub.Broadcast(WSMessage{
			Type:      "trade_executed",
			StockID:   t.StockID,
			Price:     t.SharePrice.String(),
			TradeType: string(t.Type),
			Shares:    t.NumShares.String(),
		})
	}
}

// --- Queries ---

// Stock returns a stock no older than the view window, creating it on first
// reference.
func (e *Engine) Stock(ctx context.Context, id int64) (*model.Stock, error) {
	st, err := e.stocks.Stock(ctx, id, e.cfg.ViewWindow)
	if errors.Is(err, refresh.ErrUnknownStock) {
		return nil, ErrUnknownStock
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
	}
	return st, nil
}

// ListStocks returns every known stock as stored, best rank first.
func (e *Engine) ListStocks(ctx context.Context) ([]model.Stock, error) {
	return e.store.ListStocks(ctx)
}

// RecentTrades returns the latest trades in a stock.
func (e *Engine) RecentTrades(ctx context.Context, stockID int64) ([]model.Trade, error) {
	return e.store.GetTradesByStock(ctx, stockID, e.cfg.RecentTradesLimit)
}

// PriceHistory returns a stock's recorded prices since the given time.
func (e *Engine) PriceHistory(ctx context.Context, stockID int64, since time.Time) ([]model.PricePoint, error) {
	return e.store.GetPriceHistory(ctx, stockID, since)
}

// PreviewSell computes what selling shares at price would yield without
// settling anything. A zero price means the current view-window price.
func (e *Engine) PreviewSell(ctx context.Context, userID, stockID int64, shares, price decimal.Decimal) (lots.Allocation, error) {
	if !shares.IsPositive() {
		return lots.Allocation{}, ErrInvalidShares
	}
	if !price.IsPositive() {
		st, err := e.Stock(ctx, stockID)
		if err != nil {
			return lots.Allocation{}, err
		}
		if !st.SharePrice.Valid {
			return lots.Allocation{}, ErrPriceUnavailable
		}
		price = st.SharePrice.Decimal
	}

	open, err := e.store.GetOpenLots(ctx, userID, stockID)
	if err != nil {
		return lots.Allocation{}, err
	}
	return e.calc.Allocate(open, shares, price), nil
}

// Portfolio values the user's holdings at stored prices. Delisted holdings
// are worth nothing until liquidated.
func (e *Engine) Portfolio(ctx context.Context, userID int64) (*model.Portfolio, error) {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	holdings, err := e.store.GetHoldings(ctx, userID)
	if err != nil {
		return nil, err
	}

	p := &model.Portfolio{
		UserID:     userID,
		CoinsHeld:  u.CoinsHeld,
		Positions:  []model.PortfolioPosition{},
		TotalValue: u.CoinsHeld,
	}
	for _, h := range holdings {
		st, err := e.store.GetStock(ctx, h.StockID)
		if err != nil {
			return nil, fmt.Errorf("load stock %d: %w", h.StockID, err)
		}
		pos := model.PortfolioPosition{
			StockID:      h.StockID,
			DisplayName:  st.DisplayName,
			Shares:       h.Shares,
			SharePrice:   st.SharePrice,
			CurrentValue: decimal.Zero,
			IsBanned:     st.IsBanned,
		}
		if st.SharePrice.Valid {
			pos.CurrentValue = h.Shares.Mul(st.SharePrice.Decimal).Truncate(2)
		}
		p.Positions = append(p.Positions, pos)
		p.TotalValue = p.TotalValue.Add(pos.CurrentValue)
	}
	return p, nil
}

// --- Administration ---

// RegisterUser creates the user with the starting balance if missing.
func (e *Engine) RegisterUser(ctx context.Context, userID int64) (*model.User, error) {
	return e.store.EnsureUser(ctx, userID, e.cfg.StartingCoins)
}

// SetPreventTrades toggles the manual trading lock on a stock.
func (e *Engine) SetPreventTrades(ctx context.Context, stockID int64, prevent bool) (*model.Stock, error) {
	st, err := e.store.SetPreventTrades(ctx, stockID, prevent)
	if err != nil {
		return nil, translate(err)
	}
	e.logger.Info("trading lock changed", "stock_id", stockID, "prevent_trades", prevent)
	if e.hub != nil {
		e.hub.StockUpdated(*st)
	}
	return st, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/osucapital/market-engine/internal/lots"
	"github.com/osucapital/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a stock does not exist.
	ErrNotFound = errors.New("store: stock not found")

	// ErrUserNotFound is returned when a user does not exist.
	ErrUserNotFound = errors.New("store: user not found")

	// ErrStaleWrite is returned when a refresh write lost the race against a
	// newer write to the same stock.
	ErrStaleWrite = errors.New("store: stock was updated concurrently")

	// ErrUnexpectedRowCount is returned when a write touched a different
	// number of rows than it must have. The operation is rolled back.
	ErrUnexpectedRowCount = errors.New("store: unexpected row count")

	// ErrPriceChanged is returned by settlement when the stored price no
	// longer matches the order's price.
	ErrPriceChanged = errors.New("store: share price changed")

	// ErrStockLocked is returned by settlement when trading in the stock has
	// been manually disabled.
	ErrStockLocked = errors.New("store: trading locked for stock")

	// ErrStockListed is returned by liquidation when the stock still has a
	// live price.
	ErrStockListed = errors.New("store: stock is still listed")

	// ErrInsufficientFunds is returned when a buy costs more than the
	// user's balance.
	ErrInsufficientFunds = errors.New("store: insufficient coins")

	// ErrInsufficientShares is returned when a sell exceeds the open shares.
	ErrInsufficientShares = errors.New("store: insufficient shares")

	// ErrDuplicateTrade is returned when the idempotency key was already used.
	ErrDuplicateTrade = errors.New("store: duplicate idempotency key")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Stocks ---

	// GetStock retrieves a stock by its ID. Returns ErrNotFound.
	GetStock(ctx context.Context, id int64) (*model.Stock, error)

	// ListStocks returns all stocks, best rank first.
	ListStocks(ctx context.Context) ([]model.Stock, error)

	// ListStaleStocks returns up to limit ids of unlocked stocks last
	// refreshed before olderThan, least recently refreshed first.
	ListStaleStocks(ctx context.Context, olderThan time.Time, limit int) ([]int64, error)

	// ApplyRefresh upserts a refreshed snapshot and, when w.Dilute is set,
	// dilutes every open buy lot of the stock in the same atomic operation.
	// The write only succeeds if the stored LastUpdated still equals
	// w.ExpectedLastUpdated (zero meaning "no row yet"); otherwise it returns
	// ErrStaleWrite. PreventTrades is never changed by a refresh.
	ApplyRefresh(ctx context.Context, w model.RefreshWrite) (*model.Stock, error)

	// MarkBanned delists an existing stock. Same compare-and-set rule as
	// ApplyRefresh; returns ErrNotFound if the stock does not exist.
	MarkBanned(ctx context.Context, w model.BanWrite) (*model.Stock, error)

	// SetPreventTrades toggles the manual trading lock.
	SetPreventTrades(ctx context.Context, id int64, prevent bool) (*model.Stock, error)

	// InsertRebalanceCheck appends a diagnostic rebalance record.
	InsertRebalanceCheck(ctx context.Context, c *model.RebalanceCheck) error

	// --- Users ---

	// EnsureUser creates the user with startingCoins if missing and returns
	// the stored row.
	EnsureUser(ctx context.Context, userID int64, startingCoins decimal.Decimal) (*model.User, error)

	// GetUser retrieves a user. Returns ErrUserNotFound.
	GetUser(ctx context.Context, userID int64) (*model.User, error)

	// --- Ledger ---

	// GetOpenLots returns the user's buy lots in the stock that still have
	// shares left, oldest first.
	GetOpenLots(ctx context.Context, userID, stockID int64) ([]model.Trade, error)

	// GetTradesByStock returns the most recent trades in a stock, newest first.
	GetTradesByStock(ctx context.Context, stockID int64, limit int) ([]model.Trade, error)

	// GetTradesByUser returns the most recent trades of a user, newest first.
	GetTradesByUser(ctx context.Context, userID int64, limit int) ([]model.Trade, error)

	// GetHoldings returns the user's non-empty holdings.
	GetHoldings(ctx context.Context, userID int64) ([]model.Holding, error)

	// --- Price history ---

	// InsertPricePoint appends one price-history entry.
	InsertPricePoint(ctx context.Context, p model.PricePoint) error

	// SnapshotPrices records the current price of every listed stock at
	// the given time and returns how many points were written.
	SnapshotPrices(ctx context.Context, at time.Time) (int64, error)

	// GetPriceHistory returns a stock's price history since the given time,
	// oldest first.
	GetPriceHistory(ctx context.Context, stockID int64, since time.Time) ([]model.PricePoint, error)

	// --- Settlement ---
	//
	// Each settlement procedure is one atomic unit: the price re-check,
	// balance mutation, lot creation and lot consumption either all happen
	// or none do.

	// SettleBuy debits the user and opens a buy lot.
	SettleBuy(ctx context.Context, o model.BuyOrder) (*model.Settlement, error)

	// SettleSell consumes open lots FIFO through calc and credits the user.
	SettleSell(ctx context.Context, o model.SellOrder, calc lots.Calculator) (*model.Settlement, error)

	// SettleLiquidation sells every open share of a delisted stock at
	// o.PricePerShare.
	SettleLiquidation(ctx context.Context, o model.LiquidationOrder, calc lots.Calculator) (*model.Settlement, error)
}

// DilutionFactor returns the factor open lots are scaled by when a stock is
// rebalanced from oldPrice to newPrice, and whether dilution applies. Only
// an increase between two live prices dilutes.
//
// Lots are scaled with dilutedShares, which divides last so that exact
// ratios stay exact.
func DilutionFactor(oldPrice, newPrice decimal.NullDecimal) (decimal.Decimal, bool) {
	if !oldPrice.Valid || !newPrice.Valid {
		return decimal.Zero, false
	}
	if !oldPrice.Decimal.IsPositive() || !newPrice.Decimal.GreaterThan(oldPrice.Decimal) {
		return decimal.Zero, false
	}
	return oldPrice.Decimal.DivRound(newPrice.Decimal, 16), true
}

// dilutedShares is shares × oldPrice / newPrice truncated to 2 dp.
func dilutedShares(shares, oldPrice, newPrice decimal.Decimal) decimal.Decimal {
	return shares.Mul(oldPrice).DivRound(newPrice, 16).Truncate(2)
}

// nextLastUpdated keeps LastUpdated strictly increasing at the microsecond
// precision PostgreSQL stores.
func nextLastUpdated(prev, proposed time.Time) time.Time {
	proposed = proposed.UTC().Truncate(time.Microsecond)
	if !prev.IsZero() && !proposed.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return proposed
}

// buyDebit is gross + tax − bonus, never negative.
func buyDebit(gross, tax, bonus decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, gross.Add(tax).Sub(bonus))
}

// capCoins clamps a balance to maxCoins when a cap is configured.
func capCoins(balance, maxCoins decimal.Decimal) decimal.Decimal {
	if maxCoins.IsPositive() && balance.GreaterThan(maxCoins) {
		return maxCoins
	}
	return balance
}

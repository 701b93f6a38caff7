package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RefreshWrite is the full snapshot the refresh orchestrator persists for a
// found player. ExpectedLastUpdated is the LastUpdated value observed before
// the provider was called (zero when the stock did not exist); the store
// rejects the write if the row has moved on since.
type RefreshWrite struct {
	Stock               Stock
	ExpectedLastUpdated time.Time
	Dilute              bool
}

// BanWrite marks an existing stock as banned/unscoreable.
type BanWrite struct {
	StockID             int64
	LastUpdated         time.Time
	ExpectedLastUpdated time.Time
}

// BuyOrder is a validated buy ready for atomic settlement. TradingBonus is
// granted only if the user has no buy lot at or after BonusWindowStart.
type BuyOrder struct {
	UserID           int64
	StockID          int64
	Shares           decimal.Decimal
	Price            decimal.Decimal
	Tax              decimal.Decimal
	TradingBonus     decimal.Decimal
	BonusWindowStart time.Time
	IdempotencyKey   string
	Timestamp        time.Time
}

// SellOrder is a validated sell ready for atomic settlement.
type SellOrder struct {
	UserID         int64
	StockID        int64
	Shares         decimal.Decimal
	Price          decimal.Decimal
	MaxCoins       decimal.Decimal
	IdempotencyKey string
	Timestamp      time.Time
}

// LiquidationOrder sells every open share of a delisted stock at a fixed
// per-share value, bypassing the live price.
type LiquidationOrder struct {
	UserID         int64
	StockID        int64
	PricePerShare  decimal.Decimal
	MaxCoins       decimal.Decimal
	IdempotencyKey string
	Timestamp      time.Time
}

// Settlement is the outcome of an atomic settlement procedure.
type Settlement struct {
	Trade         Trade            `json:"trade"`
	Consumed      []LotConsumption `json:"consumed,omitempty"`
	Tax           decimal.Decimal  `json:"tax"`
	TradingBonus  decimal.Decimal  `json:"trading_bonus"`
	CoinsHeld     decimal.Decimal  `json:"coins_held"`
	HoldingShares decimal.Decimal  `json:"holding_shares"`
}

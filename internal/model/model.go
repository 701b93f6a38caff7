// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeType is the side of a trade execution.
type TradeType string

const (
	Buy  TradeType = "buy"
	Sell TradeType = "sell"
)

// Valid reports whether t is a known trade type.
func (t TradeType) Valid() bool {
	return t == Buy || t == Sell
}

// MonthlyPlaycount is one month of play activity as reported by the provider.
type MonthlyPlaycount struct {
	StartDate time.Time `json:"start_date" msgpack:"start_date"`
	Count     int64     `json:"count" msgpack:"count"`
}

// Score is one entry of a player's top-scores snapshot. Value is the
// performance value the game awarded the score.
type Score struct {
	ID    int64     `json:"id" msgpack:"id"`
	Value float64   `json:"value" msgpack:"value"`
	Date  time.Time `json:"date" msgpack:"date"`
}

// Stock represents one tradable player. StockID is the player's id on the
// stats provider and never changes.
//
// SharePrice is null iff the player is currently unscoreable (banned, or no
// rank/skill rating). LastKnownPrice keeps the most recent non-null price so
// positions in a delisted stock can still be liquidated.
type Stock struct {
	StockID        int64               `json:"stock_id" msgpack:"stock_id"`
	SharePrice     decimal.NullDecimal `json:"share_price" msgpack:"-"`
	LastKnownPrice decimal.Decimal     `json:"last_known_price" msgpack:"-"`
	LastUpdated    time.Time           `json:"last_updated" msgpack:"last_updated"`
	PreventTrades  bool                `json:"prevent_trades" msgpack:"prevent_trades"`
	IsBuyable      bool                `json:"is_buyable" msgpack:"is_buyable"`
	IsSellable     bool                `json:"is_sellable" msgpack:"is_sellable"`
	IsBanned       bool                `json:"is_banned" msgpack:"is_banned"`

	DisplayName string `json:"display_name" msgpack:"display_name"`
	PictureURL  string `json:"picture_url" msgpack:"picture_url"`
	BannerURL   string `json:"banner_url" msgpack:"banner_url"`
	CountryCode string `json:"country_code" msgpack:"country_code"`

	Rank             int64              `json:"rank" msgpack:"rank"`                 // 0 = absent
	SkillRating      float64            `json:"skill_rating" msgpack:"skill_rating"` // 0 = absent
	RankHistory      []int64            `json:"rank_history" msgpack:"rank_history"` // oldest → newest
	PlaycountHistory []MonthlyPlaycount `json:"playcount_history" msgpack:"playcount_history"`
	JoinDate         time.Time          `json:"join_date" msgpack:"join_date"`
	BestPlays        []Score            `json:"-" msgpack:"best_plays"`
}

// Stale reports whether the stock was last refreshed more than window ago.
func (s *Stock) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(s.LastUpdated) > window
}

// Trade is an immutable record of one buy or sell execution. For buy lots,
// SharesLeft is decremented as later sells consume the lot; it is the only
// field that ever changes after creation.
type Trade struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	StockID        int64           `json:"stock_id"`
	Type           TradeType       `json:"type"`
	NumShares      decimal.Decimal `json:"num_shares"`
	SharePrice     decimal.Decimal `json:"share_price"`
	Coins          decimal.Decimal `json:"coins"`            // shares × price
	CoinsWithTaxes decimal.Decimal `json:"coins_with_taxes"` // net after tax/bonus
	Profit         decimal.Decimal `json:"profit"`           // sell only
	SharesLeft     decimal.Decimal `json:"shares_left"`      // buy only
	Timestamp      time.Time       `json:"timestamp"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// LotConsumption is the portion of one buy lot consumed by a sell.
type LotConsumption struct {
	TradeID    int64           `json:"trade_id"`
	Shares     decimal.Decimal `json:"shares"`
	SharesLeft decimal.Decimal `json:"shares_left"` // remaining after consumption
}

// Holding is the materialized (user, stock) position. The lot ledger is the
// source of truth; Shares equals the sum of SharesLeft over open buy lots.
type Holding struct {
	UserID  int64           `json:"user_id"`
	StockID int64           `json:"stock_id"`
	Shares  decimal.Decimal `json:"shares"`
}

// User carries the per-user coin balance.
type User struct {
	UserID    int64           `json:"user_id"`
	CoinsHeld decimal.Decimal `json:"coins_held"`
}

// ScoreChange is a top score whose value changed between two snapshots.
type ScoreChange struct {
	ID       int64     `json:"id"`
	OldValue float64   `json:"old_value"`
	NewValue float64   `json:"new_value"`
	Date     time.Time `json:"date"`
}

// RebalanceCheck is the diagnostic record persisted every time a refresh
// re-checks a player's top scores.
type RebalanceCheck struct {
	ID           string        `json:"id"`
	StockID      int64         `json:"stock_id"`
	OldScores    []Score       `json:"old_scores"`
	NewScores    []Score       `json:"new_scores"`
	Changes      []ScoreChange `json:"changes"`
	DidRebalance bool          `json:"did_rebalance"`
	CheckedAt    time.Time     `json:"checked_at"`
}

// PricePoint is one entry of a stock's price history.
type PricePoint struct {
	StockID    int64           `json:"stock_id"`
	Price      decimal.Decimal `json:"price"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Portfolio is a user's balance plus holdings valued at current prices.
type Portfolio struct {
	UserID     int64               `json:"user_id"`
	CoinsHeld  decimal.Decimal     `json:"coins_held"`
	Positions  []PortfolioPosition `json:"positions"`
	TotalValue decimal.Decimal     `json:"total_value"` // coins + Σ position value
}

// PortfolioPosition is one holding with its mark-to-market value.
type PortfolioPosition struct {
	StockID      int64               `json:"stock_id"`
	DisplayName  string              `json:"display_name"`
	Shares       decimal.Decimal     `json:"shares"`
	SharePrice   decimal.NullDecimal `json:"share_price"`
	CurrentValue decimal.Decimal     `json:"current_value"`
	IsBanned     bool                `json:"is_banned"`
}

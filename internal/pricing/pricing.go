// Package pricing converts a player's live performance into a share price.
//
// The price is the sum of three equally budgeted components:
//   - Skill: skill rating relative to a fixed reference ceiling
//   - Improvement: weighted recent rank-improvement rate, squashed with erf
//   - Rarity: how uncommon the player's rank is on a log scale
//
// The sum is divided by a fixed scale, floored to a minimum price and
// truncated (never rounded) to two decimal places. Everything here is pure
// and deterministic; transcendental math runs in float64 and the result is
// converted to decimal once at the end.
package pricing

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"
)

// TotalBudget is split in equal thirds between the three components.
const TotalBudget = 10000.0

var (
	// ErrInvalidLimit is returned when a reference limit is not positive.
	ErrInvalidLimit = errors.New("pricing: reference limits must be positive")

	// ErrInvalidRetrospective is returned when the improvement window is empty.
	ErrInvalidRetrospective = errors.New("pricing: retrospective window must be at least 1")

	// MinSharePrice is the floor applied to every computed price.
	MinSharePrice = decimal.NewFromInt(1)

	// MaxImprovementBonus caps the diagnostic improvement bonus.
	MaxImprovementBonus = decimal.NewFromInt(200)

	// PriceScale is the number of decimal places prices are truncated to.
	PriceScale int32 = 2
)

// Params holds the pricing constants. The zero value is not usable; start
// from DefaultParams or NewParams.
type Params struct {
	SkillBase       float64
	ImprovementBase float64
	RarityBase      float64

	// SkillLimit is the skill rating that earns the full skill component.
	SkillLimit float64

	// RankLimit is the rank at which the rarity component reaches zero.
	RankLimit float64

	// Retrospective is how many recent rank changes feed the improvement rate.
	Retrospective int

	// FullWeightEntries is how many of the most recent changes carry weight 1.
	// Older entries decay as 1/(index-3).
	FullWeightEntries int

	// Divisor scales the component sum down to a share price.
	Divisor float64
}

// DefaultParams returns the production pricing constants.
func DefaultParams() Params {
	return Params{
		SkillBase:         TotalBudget / 3,
		ImprovementBase:   TotalBudget / 3,
		RarityBase:        TotalBudget / 3,
		SkillLimit:        30000,
		RankLimit:         100000,
		Retrospective:     10,
		FullWeightEntries: 5,
		Divisor:           10,
	}
}

// NewParams returns DefaultParams with custom reference limits.
func NewParams(skillLimit, rankLimit float64, retrospective int) (Params, error) {
	if skillLimit <= 0 || rankLimit <= 1 {
		return Params{}, ErrInvalidLimit
	}
	if retrospective < 1 {
		return Params{}, ErrInvalidRetrospective
	}
	p := DefaultParams()
	p.SkillLimit = skillLimit
	p.RankLimit = rankLimit
	p.Retrospective = retrospective
	return p, nil
}

// Breakdown is the un-scaled contribution of each component.
type Breakdown struct {
	Skill           float64 `json:"skill"`
	Improvement     float64 `json:"improvement"`
	Rarity          float64 `json:"rarity"`
	ImprovementRate float64 `json:"improvement_rate"`
}

// Total is the component sum before scaling and flooring.
func (b Breakdown) Total() float64 {
	return b.Skill + b.Improvement + b.Rarity
}

// Scoreable reports whether a share price can be computed from the inputs.
// A nil rank history means the provider never reported one; an empty,
// non-nil history is valid and yields no improvement component.
func Scoreable(rank int64, skillRating float64, rankHistory []int64) bool {
	if rank <= 0 {
		return false
	}
	if math.IsNaN(skillRating) || skillRating <= 0 {
		return false
	}
	return rankHistory != nil
}

// SharePrice computes the share price with DefaultParams.
func SharePrice(rank int64, skillRating float64, rankHistory []int64) decimal.NullDecimal {
	return DefaultParams().SharePrice(rank, skillRating, rankHistory)
}

// SharePrice returns the share price for the given inputs, or a null decimal
// when the player is unscoreable. rankHistory is oldest → newest.
func (p Params) SharePrice(rank int64, skillRating float64, rankHistory []int64) decimal.NullDecimal {
	if !Scoreable(rank, skillRating, rankHistory) {
		return decimal.NullDecimal{}
	}

	total := p.Breakdown(rank, skillRating, rankHistory).Total() / p.Divisor
	price := decimal.NewFromFloat(total)
	if price.LessThan(MinSharePrice) {
		price = MinSharePrice
	}
	return decimal.NewNullDecimal(price.Truncate(PriceScale))
}

// Breakdown computes each component. Callers must check Scoreable first.
func (p Params) Breakdown(rank int64, skillRating float64, rankHistory []int64) Breakdown {
	rate := p.ImprovementRate(rankHistory)
	return Breakdown{
		Skill:           p.SkillBase * skillRating / p.SkillLimit,
		Improvement:     p.ImprovementBase * normalizedErf(rate),
		Rarity:          math.Max(0, p.RarityBase*(1-math.Log(float64(rank))/math.Log(p.RankLimit))),
		ImprovementRate: rate,
	}
}

// ImprovementRate is the weighted mean of relative rank changes over the most
// recent Retrospective entries. Positive means the rank number went down
// (the player improved).
func (p Params) ImprovementRate(rankHistory []int64) float64 {
	recent := reversed(rankHistory)
	n := min(p.Retrospective, len(recent)-1)
	if n <= 0 {
		return 0
	}

	values := make([]float64, 0, n)
	weights := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		// A zero rank is a day without a rank; pairs touching it carry no
		// change.
		if recent[i] == 0 || recent[i+1] == 0 {
			continue
		}
		older := float64(recent[i+1])
		change := older - float64(recent[i])
		values = append(values, change/older)
		weights = append(weights, p.changeWeight(i))
	}
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, weights)
}

// changeWeight is 1 for the most recent entries, then decays from 1/2.
func (p Params) changeWeight(index int) float64 {
	if index < p.FullWeightEntries {
		return 1
	}
	return 1 / float64(index-3)
}

// normalizedErf maps any rate onto [0, 1], reaching 1 at rate = 1.
func normalizedErf(x float64) float64 {
	v := math.Erf(x) / math.Erf(1)
	return math.Max(0, math.Min(v, 1))
}

func reversed(xs []int64) []int64 {
	out := make([]int64, len(xs))
	for i, x := range xs {
		out[len(xs)-1-i] = x
	}
	return out
}

// ImprovementBonus is the legacy rank-price delta between the first and last
// of the three most recent history entries, capped at MaxImprovementBonus.
// It is shown to users but does not feed the share price.
func ImprovementBonus(rankHistory []int64) decimal.Decimal {
	if len(rankHistory) == 0 {
		return decimal.Zero
	}
	recent := rankHistory[max(0, len(rankHistory)-3):]
	diff := legacyRankPrice(recent[len(recent)-1]).Sub(legacyRankPrice(recent[0]))
	if diff.GreaterThan(MaxImprovementBonus) {
		diff = MaxImprovementBonus
	}
	return diff.Truncate(PriceScale)
}

func legacyRankPrice(rank int64) decimal.Decimal {
	v := (float64(rank) + 100 + 180000) / (float64(rank) + 36)
	if v < 9.5 {
		return decimal.NewFromFloat(9.5)
	}
	return decimal.NewFromFloat(v).Round(2)
}

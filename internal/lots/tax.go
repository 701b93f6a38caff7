package lots

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// TaxStrategy computes the tax owed on the profit of one consumed slice of a
// lot that has been held for the given duration.
type TaxStrategy interface {
	Tax(profit decimal.Decimal, held time.Duration) decimal.Decimal
}

// NoTax charges nothing. It is the production default.
type NoTax struct{}

func (NoTax) Tax(decimal.Decimal, time.Duration) decimal.Decimal { return decimal.Zero }

// HoldingPeriodTax taxes profit at MaxRate for a lot sold immediately,
// decaying logarithmically to zero once the lot has been held DecayDays-1
// days. Losses are never taxed.
type HoldingPeriodTax struct {
	MaxRate   float64
	DecayDays float64
}

// DefaultHoldingPeriodTax returns the 10% rate decaying over a week.
func DefaultHoldingPeriodTax() HoldingPeriodTax {
	return HoldingPeriodTax{MaxRate: 0.1, DecayDays: 8}
}

// Rate is the tax rate applied after holding for held.
func (h HoldingPeriodTax) Rate(held time.Duration) float64 {
	days := math.Max(0, held.Hours()/24) + 1
	decay := 1 - math.Log(days)/math.Log(h.DecayDays)
	return h.MaxRate * math.Min(1, math.Max(0, decay))
}

func (h HoldingPeriodTax) Tax(profit decimal.Decimal, held time.Duration) decimal.Decimal {
	if !profit.IsPositive() {
		return decimal.Zero
	}
	return profit.Mul(decimal.NewFromFloat(h.Rate(held)))
}

// Strategy names accepted by StrategyByName.
const (
	StrategyNone          = "none"
	StrategyHoldingPeriod = "holding_period"
)

// StrategyByName maps a configuration value to a TaxStrategy.
func StrategyByName(name string) (TaxStrategy, error) {
	switch name {
	case "", StrategyNone:
		return NoTax{}, nil
	case StrategyHoldingPeriod:
		return DefaultHoldingPeriodTax(), nil
	default:
		return nil, fmt.Errorf("lots: unknown tax strategy %q", name)
	}
}

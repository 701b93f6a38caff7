// Package lots implements FIFO cost-basis accounting for sells: which buy
// lots a sell consumes, the realized profit, and the holding-period tax.
package lots

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/osucapital/market-engine/internal/model"
)

// Allocation is the result of matching a sell quantity against open lots.
type Allocation struct {
	Consumed        []model.LotConsumption `json:"consumed"`
	Allocated       decimal.Decimal        `json:"allocated"`
	Shortfall       decimal.Decimal        `json:"shortfall"`
	Proceeds        decimal.Decimal        `json:"proceeds"`
	CostBasis       decimal.Decimal        `json:"cost_basis"`
	ProfitBeforeTax decimal.Decimal        `json:"profit_before_tax"`
	Tax             decimal.Decimal        `json:"tax"`
	Profit          decimal.Decimal        `json:"profit"`
}

// Calculator allocates sells over buy lots. The zero value uses NoTax and
// the wall clock.
type Calculator struct {
	Tax TaxStrategy
	Now func() time.Time
}

// NewCalculator returns a Calculator using the given tax strategy.
func NewCalculator(tax TaxStrategy) Calculator {
	return Calculator{Tax: tax, Now: time.Now}
}

// Allocate consumes lots oldest first until shares are allocated. Lots that
// are not buys or have nothing left are skipped. The input slice is not
// modified. If the lots cannot cover shares, the remainder is reported as
// Shortfall and is neither charged nor credited.
func (c Calculator) Allocate(lots []model.Trade, shares, price decimal.Decimal) Allocation {
	tax := c.Tax
	if tax == nil {
		tax = NoTax{}
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	at := now()

	open := make([]model.Trade, 0, len(lots))
	for _, l := range lots {
		if l.Type == model.Buy && l.SharesLeft.IsPositive() {
			open = append(open, l)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		if open[i].Timestamp.Equal(open[j].Timestamp) {
			return open[i].ID < open[j].ID
		}
		return open[i].Timestamp.Before(open[j].Timestamp)
	})

	a := Allocation{
		Allocated:       decimal.Zero,
		CostBasis:       decimal.Zero,
		ProfitBeforeTax: decimal.Zero,
	}
	totalTax := decimal.Zero
	remaining := shares
	for _, l := range open {
		if !remaining.IsPositive() {
			break
		}
		used := decimal.Min(remaining, l.SharesLeft)
		sliceProfit := price.Sub(l.SharePrice).Mul(used)

		a.Consumed = append(a.Consumed, model.LotConsumption{
			TradeID:    l.ID,
			Shares:     used,
			SharesLeft: l.SharesLeft.Sub(used),
		})
		a.Allocated = a.Allocated.Add(used)
		a.CostBasis = a.CostBasis.Add(l.SharePrice.Mul(used))
		a.ProfitBeforeTax = a.ProfitBeforeTax.Add(sliceProfit)
		totalTax = totalTax.Add(tax.Tax(sliceProfit, at.Sub(l.Timestamp)))
		remaining = remaining.Sub(used)
	}

	a.Shortfall = decimal.Max(decimal.Zero, remaining)
	a.Proceeds = price.Mul(a.Allocated)
	a.Tax = totalTax.Truncate(2)
	a.Profit = a.Proceeds.Sub(a.CostBasis).Sub(totalTax).Truncate(2)
	return a
}

// OpenShares sums SharesLeft over open buy lots.
func OpenShares(lots []model.Trade) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lots {
		if l.Type == model.Buy && l.SharesLeft.IsPositive() {
			total = total.Add(l.SharesLeft)
		}
	}
	return total
}

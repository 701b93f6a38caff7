package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osucapital/market-engine/internal/model"
)

var evalNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func activeMonths(now time.Time, perMonth int64, months int) []model.MonthlyPlaycount {
	out := make([]model.MonthlyPlaycount, 0, months)
	for i := months - 1; i >= 0; i-- {
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -i, 0)
		out = append(out, model.MonthlyPlaycount{StartDate: start, Count: perMonth})
	}
	return out
}

func eligiblePlayer() EligibilityInput {
	return EligibilityInput{
		Rank:             5000,
		SkillRating:      7000,
		RankHistory:      []int64{5200, 5100, 5000},
		PlaycountHistory: activeMonths(evalNow, 400, 5),
		JoinDate:         evalNow.AddDate(-2, 0, 0),
	}
}

func TestEvaluate_AllMet(t *testing.T) {
	e := DefaultRules().Evaluate(eligiblePlayer(), evalNow)
	assert.True(t, e.Buyable)
	assert.True(t, e.Sellable)
	assert.Empty(t, e.ReasonsNotMet)
	require.Len(t, e.Requirements, 6)
	for _, r := range e.Requirements {
		assert.True(t, r.Met, r.Name)
	}
}

func TestEvaluate_EachRequirement(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*EligibilityInput)
		reason   string
		sellable bool
	}{
		{
			name:     "banned",
			mutate:   func(in *EligibilityInput) { in.Banned = true },
			reason:   "not be banned",
			sellable: false,
		},
		{
			name:     "rank too low",
			mutate:   func(in *EligibilityInput) { in.Rank = 100001 },
			reason:   "be above rank 100,000",
			sellable: true,
		},
		{
			name:     "rank absent",
			mutate:   func(in *EligibilityInput) { in.Rank = 0 },
			reason:   "be above rank 100,000",
			sellable: true,
		},
		{
			name:     "skill rating too low",
			mutate:   func(in *EligibilityInput) { in.SkillRating = 3999.9 },
			reason:   "have above 4,000pp",
			sellable: true,
		},
		{
			name:     "inactive",
			mutate:   func(in *EligibilityInput) { in.PlaycountHistory = activeMonths(evalNow, 100, 5) },
			reason:   "have 1,000 playcount in the last 6 months",
			sellable: true,
		},
		{
			name:     "new account",
			mutate:   func(in *EligibilityInput) { in.JoinDate = evalNow.AddDate(0, -2, 0) },
			reason:   "be over 3 months old",
			sellable: true,
		},
		{
			name:     "recently unbanned",
			mutate:   func(in *EligibilityInput) { in.RankHistory = []int64{5000, 12000, 11000} },
			reason:   "not be recently unbanned",
			sellable: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := eligiblePlayer()
			tc.mutate(&in)
			e := DefaultRules().Evaluate(in, evalNow)
			assert.False(t, e.Buyable)
			assert.Equal(t, tc.sellable, e.Sellable)
			assert.Equal(t, []string{tc.reason}, e.ReasonsNotMet)
		})
	}
}

func TestEvaluate_PlaycountBoundary(t *testing.T) {
	in := eligiblePlayer()

	// Exactly 1,000 is not enough.
	in.PlaycountHistory = activeMonths(evalNow, 200, 5)
	assert.False(t, DefaultRules().Evaluate(in, evalNow).Buyable)

	in.PlaycountHistory = append(in.PlaycountHistory, model.MonthlyPlaycount{
		StartDate: evalNow.AddDate(0, -1, 0), Count: 1,
	})
	assert.True(t, DefaultRules().Evaluate(in, evalNow).Buyable)
}

func TestEvaluate_OldPlaycountIgnored(t *testing.T) {
	in := eligiblePlayer()
	in.PlaycountHistory = []model.MonthlyPlaycount{
		{StartDate: evalNow.AddDate(-1, 0, 0), Count: 50000},
		{StartDate: evalNow.AddDate(0, -1, 0), Count: 10},
	}
	e := DefaultRules().Evaluate(in, evalNow)
	assert.False(t, e.Buyable)
	assert.Contains(t, e.ReasonsNotMet, "have 1,000 playcount in the last 6 months")
}

func TestEvaluate_MultipleFailures(t *testing.T) {
	e := DefaultRules().Evaluate(EligibilityInput{Banned: true}, evalNow)
	assert.False(t, e.Buyable)
	assert.False(t, e.Sellable)
	assert.Equal(t, []string{
		"not be banned",
		"be above rank 100,000",
		"have above 4,000pp",
		"have 1,000 playcount in the last 6 months",
		"be over 3 months old",
	}, e.ReasonsNotMet)
}

func TestSignificantRankDrop(t *testing.T) {
	r := DefaultRules()

	tests := []struct {
		name    string
		history []int64
		want    bool
	}{
		{"empty", nil, false},
		{"single", []int64{500}, false},
		{"steady", []int64{500, 480, 470}, false},
		{"doubling from above floor", []int64{400, 801}, true},
		{"exactly double", []int64{400, 800}, false},
		{"top players ignored", []int64{300, 5000}, false},
		{"outside window", []int64{1000, 50000, 49000, 48000, 47000, 46000, 45000, 44000, 43000, 42000, 41000}, false},
		{"inside window", []int64{48000, 47000, 46000, 45000, 44000, 1000, 50000, 49000, 48500, 48000}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.SignificantRankDrop(tc.history))
		})
	}
}

func TestWithCommas(t *testing.T) {
	assert.Equal(t, "0", withCommas(0))
	assert.Equal(t, "999", withCommas(999))
	assert.Equal(t, "1,000", withCommas(1000))
	assert.Equal(t, "100,000", withCommas(100000))
	assert.Equal(t, "1,234,567", withCommas(1234567))
	assert.Equal(t, "-4,000", withCommas(-4000))
}

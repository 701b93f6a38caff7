package pricing

import (
	"fmt"
	"time"

	"github.com/osucapital/market-engine/internal/model"
)

// Requirement names, in the order they are evaluated.
const (
	RequirementNotBanned      = "not_banned"
	RequirementRank           = "rank"
	RequirementSkillRating    = "skill_rating"
	RequirementRecentActivity = "recent_playcount"
	RequirementAccountAge     = "account_age"
	RequirementNoRankDrop     = "no_recent_unban"
)

// Rules are the buy-eligibility thresholds.
type Rules struct {
	MaxRank               int64
	MinSkillRating        float64
	MinRecentPlaycount    int64 // recent play count must be strictly greater
	PlaycountWindowMonths int
	MinAccountAgeMonths   int
	RankDropWindow        int
	RankDropFloor         int64
	RankDropFactor        int64
}

// DefaultRules returns the production eligibility thresholds.
func DefaultRules() Rules {
	return Rules{
		MaxRank:               100000,
		MinSkillRating:        4000,
		MinRecentPlaycount:    1000,
		PlaycountWindowMonths: 6,
		MinAccountAgeMonths:   3,
		RankDropWindow:        10,
		RankDropFloor:         300,
		RankDropFactor:        2,
	}
}

// EligibilityInput is the player data eligibility is judged on. Banned comes
// from the provider result; it is never inferred from missing fields.
type EligibilityInput struct {
	Banned           bool
	Rank             int64
	SkillRating      float64
	RankHistory      []int64
	PlaycountHistory []model.MonthlyPlaycount
	JoinDate         time.Time
}

// RequirementResult is one evaluated requirement.
type RequirementResult struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
	Met    bool   `json:"met"`
}

// Eligibility is the outcome of Rules.Evaluate.
type Eligibility struct {
	Requirements  []RequirementResult `json:"requirements"`
	ReasonsNotMet []string            `json:"reasons_not_met"`
	Buyable       bool                `json:"buyable"`
	Sellable      bool                `json:"sellable"`
}

// Evaluate checks every requirement. A stock is buyable only if all are met
// and sellable as soon as the player is not banned.
func (r Rules) Evaluate(in EligibilityInput, now time.Time) Eligibility {
	checks := []RequirementResult{
		{
			Name:   RequirementNotBanned,
			Reason: "not be banned",
			Met:    !in.Banned,
		},
		{
			Name:   RequirementRank,
			Reason: fmt.Sprintf("be above rank %s", withCommas(r.MaxRank)),
			Met:    in.Rank > 0 && in.Rank <= r.MaxRank,
		},
		{
			Name:   RequirementSkillRating,
			Reason: fmt.Sprintf("have above %spp", withCommas(int64(r.MinSkillRating))),
			Met:    in.SkillRating >= r.MinSkillRating,
		},
		{
			Name: RequirementRecentActivity,
			Reason: fmt.Sprintf("have %s playcount in the last %d months",
				withCommas(r.MinRecentPlaycount), r.PlaycountWindowMonths),
			Met: r.recentPlaycount(in.PlaycountHistory, now) > r.MinRecentPlaycount,
		},
		{
			Name:   RequirementAccountAge,
			Reason: fmt.Sprintf("be over %d months old", r.MinAccountAgeMonths),
			Met:    !in.JoinDate.IsZero() && in.JoinDate.Before(now.AddDate(0, -r.MinAccountAgeMonths, 0)),
		},
		{
			Name:   RequirementNoRankDrop,
			Reason: "not be recently unbanned",
			Met:    !r.SignificantRankDrop(in.RankHistory),
		},
	}

	out := Eligibility{Requirements: checks, Buyable: true}
	for _, c := range checks {
		if !c.Met {
			out.Buyable = false
			out.ReasonsNotMet = append(out.ReasonsNotMet, c.Reason)
		}
	}
	out.Sellable = checks[0].Met
	return out
}

func (r Rules) recentPlaycount(history []model.MonthlyPlaycount, now time.Time) int64 {
	since := now.AddDate(0, -r.PlaycountWindowMonths, 0)
	var total int64
	for _, m := range history {
		if !m.StartDate.Before(since) {
			total += m.Count
		}
	}
	return total
}

// SignificantRankDrop reports whether, within the last RankDropWindow
// entries, a rank above RankDropFloor was followed by one more than
// RankDropFactor times larger. That pattern is what a restricted account
// looks like right after it is reinstated.
func (r Rules) SignificantRankDrop(rankHistory []int64) bool {
	if len(rankHistory) < 2 {
		return false
	}
	recent := rankHistory[max(0, len(rankHistory)-r.RankDropWindow):]
	for i := 0; i < len(recent)-1; i++ {
		cur, next := recent[i], recent[i+1]
		if cur > r.RankDropFloor && next > cur*r.RankDropFactor {
			return true
		}
	}
	return false
}

func withCommas(n int64) string {
	s := fmt.Sprintf("%d", n)
	if n < 0 {
		return "-" + withCommas(-n)
	}
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}

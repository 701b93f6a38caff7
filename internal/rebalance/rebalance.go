// Package rebalance detects retroactive scoring corrections by comparing two
// top-scores snapshots of the same player.
package rebalance

import "github.com/osucapital/market-engine/internal/model"

// Threshold is the number of changed scores tolerated before a snapshot
// difference counts as a rebalance. A player replacing one or two scores is
// normal play; more than that means the scores were recomputed.
const Threshold = 2

// Result is the outcome of Detect. When DidRebalance is true, Changes holds
// only the scores scanned before the detector stopped and is not the full
// list of differences.
type Result struct {
	DidRebalance bool                `json:"did_rebalance"`
	Changes      []model.ScoreChange `json:"changes"`
}

// Detect compares the new snapshot against the old one, score by score in
// new-snapshot order. Scores present in only one snapshot are ignored.
func Detect(old, new []model.Score) Result {
	byID := make(map[int64]model.Score, len(old))
	for _, s := range old {
		byID[s.ID] = s
	}

	var res Result
	for _, s := range new {
		prev, ok := byID[s.ID]
		if !ok || prev.Value == s.Value {
			continue
		}
		res.Changes = append(res.Changes, model.ScoreChange{
			ID:       s.ID,
			OldValue: prev.Value,
			NewValue: s.Value,
			Date:     s.Date,
		})
		if len(res.Changes) > Threshold {
			res.DidRebalance = true
			return res
		}
	}
	return res
}

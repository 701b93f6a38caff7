// Package stats defines the contract between the market engine and the
// upstream player-statistics provider.
package stats

import (
	"context"
	"time"

	"github.com/osucapital/market-engine/internal/model"
)

// TopScoresLimit is the size of the best-plays snapshot kept per stock.
const TopScoresLimit = 100

// Provider looks up live player data.
type Provider interface {
	// PlayerDetails returns PlayerFound or PlayerNotFound. A non-nil error
	// means the provider could not answer; it never means "not found".
	PlayerDetails(ctx context.Context, playerID int64) (Lookup, error)

	// TopScores returns the player's best scores, highest first.
	TopScores(ctx context.Context, playerID int64, limit int) ([]model.Score, error)
}

// Lookup is the result of PlayerDetails: either PlayerFound or
// PlayerNotFound.
type Lookup interface {
	lookup()
}

// Player is the provider's view of a player. Rank and SkillRating are zero
// when the provider reports them as absent.
type Player struct {
	ID               int64
	Username         string
	PictureURL       string
	BannerURL        string
	CountryCode      string
	Rank             int64
	SkillRating      float64
	RankHistory      []int64 // oldest → newest
	PlaycountHistory []model.MonthlyPlaycount
	JoinDate         time.Time
}

// PlayerFound carries the data of an active player.
type PlayerFound struct {
	Player Player
}

// PlayerNotFound means the provider does not know the player, which is how
// restricted (banned) accounts are reported.
type PlayerNotFound struct {
	ID int64
}

func (PlayerFound) lookup()    {}
func (PlayerNotFound) lookup() {}

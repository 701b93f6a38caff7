package osu

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/osucapital/market-engine/internal/model"
	"github.com/osucapital/market-engine/internal/stats"
)

var _ stats.Provider = (*Client)(nil)

// GetUser fetches the raw user payload.
func (c *Client) GetUser(ctx context.Context, userID int64) (*UserResponse, error) {
	var resp UserResponse
	path := fmt.Sprintf("/users/%d/%s", userID, Mode)
	if err := c.get(ctx, "users", path, url.Values{"key": {"id"}}, &resp); err != nil {
		return nil, fmt.Errorf("get user %d: %w", userID, err)
	}
	return &resp, nil
}

// PlayerDetails implements stats.Provider. Restricted accounts are answered
// with 404, which maps to stats.PlayerNotFound.
func (c *Client) PlayerDetails(ctx context.Context, playerID int64) (stats.Lookup, error) {
	resp, err := c.GetUser(ctx, playerID)
	if err != nil {
		if IsNotFound(err) {
			return stats.PlayerNotFound{ID: playerID}, nil
		}
		return nil, err
	}
	return stats.PlayerFound{Player: resp.toPlayer()}, nil
}

// TopScores implements stats.Provider.
func (c *Client) TopScores(ctx context.Context, playerID int64, limit int) ([]model.Score, error) {
	var resp []ScoreResponse
	path := fmt.Sprintf("/users/%d/scores/best", playerID)
	query := url.Values{
		"mode":  {Mode},
		"limit": {strconv.Itoa(limit)},
	}
	if err := c.get(ctx, "scores_best", path, query, &resp); err != nil {
		return nil, fmt.Errorf("get top scores %d: %w", playerID, err)
	}

	scores := make([]model.Score, 0, len(resp))
	for _, s := range resp {
		scores = append(scores, s.toScore())
	}
	return scores, nil
}

func (u *UserResponse) toPlayer() stats.Player {
	p := stats.Player{
		ID:          u.ID,
		Username:    u.Username,
		PictureURL:  u.AvatarURL,
		BannerURL:   u.CoverURL,
		CountryCode: u.CountryCode,
		JoinDate:    u.JoinDate,
	}
	if u.Cover != nil && u.Cover.URL != "" {
		p.BannerURL = u.Cover.URL
	}
	if u.Statistics != nil {
		if u.Statistics.GlobalRank != nil {
			p.Rank = *u.Statistics.GlobalRank
		}
		if u.Statistics.PP != nil {
			p.SkillRating = *u.Statistics.PP
		}
	}
	history := u.RankHistory
	if history == nil {
		history = u.RankHistoryLegacy
	}
	if history != nil {
		p.RankHistory = append([]int64{}, history.Data...)
	}
	for _, m := range u.MonthlyPlaycounts {
		start, err := time.Parse(time.DateOnly, m.StartDate)
		if err != nil {
			continue
		}
		p.PlaycountHistory = append(p.PlaycountHistory, model.MonthlyPlaycount{StartDate: start, Count: m.Count})
	}
	return p
}

func (s ScoreResponse) toScore() model.Score {
	out := model.Score{ID: s.ID, Date: s.EndedAt}
	if out.Date.IsZero() {
		out.Date = s.CreatedAt
	}
	if s.PP != nil {
		out.Value = *s.PP
	}
	return out
}

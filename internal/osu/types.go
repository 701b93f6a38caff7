package osu

import "time"

// UserResponse from GET /users/{user}/{mode}. Fields the engine does not use
// are omitted.
type UserResponse struct {
	ID                int64              `json:"id"`
	Username          string             `json:"username"`
	AvatarURL         string             `json:"avatar_url"`
	CountryCode       string             `json:"country_code"`
	JoinDate          time.Time          `json:"join_date"`
	Cover             *UserCover         `json:"cover"`
	CoverURL          string             `json:"cover_url"`
	Statistics        *UserStatistics    `json:"statistics"`
	RankHistory       *RankHistory       `json:"rank_history"`
	RankHistoryLegacy *RankHistory       `json:"rankHistory"`
	MonthlyPlaycounts []MonthlyPlaycount `json:"monthly_playcounts"`
}

// UserCover is the profile banner.
type UserCover struct {
	URL string `json:"url"`
}

// UserStatistics is the per-ruleset statistics block. GlobalRank is null for
// inactive players.
type UserStatistics struct {
	GlobalRank *int64   `json:"global_rank"`
	PP         *float64 `json:"pp"`
}

// RankHistory holds the daily global rank for the last 90 days, oldest
// first.
type RankHistory struct {
	Mode string  `json:"mode"`
	Data []int64 `json:"data"`
}

// MonthlyPlaycount is one month of play count. StartDate is a bare date.
type MonthlyPlaycount struct {
	StartDate string `json:"start_date"`
	Count     int64  `json:"count"`
}

// ScoreResponse is one entry of GET /users/{user}/scores/best.
type ScoreResponse struct {
	ID        int64     `json:"id"`
	PP        *float64  `json:"pp"`
	EndedAt   time.Time `json:"ended_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Package statstest provides an in-memory stats.Provider for tests.
package statstest

import (
	"context"
	"errors"
	"sync"

	"github.com/osucapital/market-engine/internal/model"
	"github.com/osucapital/market-engine/internal/stats"
)

// ErrUnavailable is returned by a Provider set to fail.
var ErrUnavailable = errors.New("statstest: provider unavailable")

// Provider is a scripted stats.Provider. Unknown players are reported as
// not found.
type Provider struct {
	mu      sync.Mutex
	players map[int64]stats.Player
	scores  map[int64][]model.Score
	failing map[int64]error

	DetailCalls int
	ScoreCalls  int
}

// New returns an empty Provider.
func New() *Provider {
	return &Provider{
		players: make(map[int64]stats.Player),
		scores:  make(map[int64][]model.Score),
		failing: make(map[int64]error),
	}
}

// SetPlayer registers or replaces a player.
func (p *Provider) SetPlayer(pl stats.Player) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.players[pl.ID] = pl
}

// Ban makes the player unknown to the provider.
func (p *Provider) Ban(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.players, id)
}

// SetScores replaces the player's top scores.
func (p *Provider) SetScores(id int64, scores []model.Score) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scores[id] = append([]model.Score(nil), scores...)
}

// Fail makes every call for id return err. A nil err clears the failure.
func (p *Provider) Fail(id int64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failing, id)
		return
	}
	p.failing[id] = err
}

// Calls returns the number of PlayerDetails and TopScores calls so far.
func (p *Provider) Calls() (details, scores int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DetailCalls, p.ScoreCalls
}

func (p *Provider) PlayerDetails(ctx context.Context, id int64) (stats.Lookup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DetailCalls++
	if err, ok := p.failing[id]; ok {
		return nil, err
	}
	pl, ok := p.players[id]
	if !ok {
		return stats.PlayerNotFound{ID: id}, nil
	}
	return stats.PlayerFound{Player: pl}, nil
}

func (p *Provider) TopScores(ctx context.Context, id int64, limit int) ([]model.Score, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ScoreCalls++
	if err, ok := p.failing[id]; ok {
		return nil, err
	}
	s := p.scores[id]
	if len(s) > limit {
		s = s[:limit]
	}
	return append([]model.Score(nil), s...), nil
}

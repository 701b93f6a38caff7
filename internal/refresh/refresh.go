// Package refresh keeps stock rows in sync with the stats provider. A stock
// is only recomputed when the caller's staleness window has elapsed, and
// every write is a compare-and-set on the row's LastUpdated so concurrent
// refreshes of the same stock never interleave.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/osucapital/market-engine/internal/metrics"
	"github.com/osucapital/market-engine/internal/model"
	"github.com/osucapital/market-engine/internal/pricing"
	"github.com/osucapital/market-engine/internal/rebalance"
	"github.com/osucapital/market-engine/internal/stats"
	"github.com/osucapital/market-engine/internal/store"
)

// ErrUnknownStock is returned when the provider does not know a player that
// has never been listed.
var ErrUnknownStock = errors.New("refresh: player does not exist")

// Notifier is told about every persisted stock change.
type Notifier interface {
	StockUpdated(st model.Stock)
}

type nopNotifier struct{}

func (nopNotifier) StockUpdated(model.Stock) {}

// Result describes one refresh.
type Result struct {
	Stock       *model.Stock        `json:"stock"`
	Eligibility pricing.Eligibility `json:"eligibility"`
	Created     bool                `json:"created"`
	Banned      bool                `json:"banned"`
	Rebalanced  bool                `json:"rebalanced"`
	// Superseded is set when a newer write won the race; Stock is then the
	// newer row.
	Superseded bool `json:"superseded"`
}

// Service is the stock refresh orchestrator.
type Service struct {
	store    store.Store
	provider stats.Provider
	notifier Notifier
	cfg      Config
	params   pricing.Params
	rules    pricing.Rules
	logger   *slog.Logger
	now      func() time.Time

	group singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets the change notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPricing overrides the pricing constants and eligibility rules.
func WithPricing(p pricing.Params, r pricing.Rules) Option {
	return func(s *Service) {
		s.params = p
		s.rules = r
	}
}

// NewService creates a refresh orchestrator.
func NewService(st store.Store, provider stats.Provider, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:    st,
		provider: provider,
		notifier: nopNotifier{},
		cfg:      cfg.withDefaults(),
		params:   pricing.DefaultParams(),
		rules:    pricing.DefaultRules(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Stock returns the stock, refreshing it first when it is missing or older
// than window. Locked stocks are returned as stored. Concurrent calls for
// the same stock share one refresh; the returned row must not be mutated.
func (s *Service) Stock(ctx context.Context, id int64, window time.Duration) (*model.Stock, error) {
	st, err := s.store.GetStock(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load stock %d: %w", id, err)
	case st.PreventTrades:
		return st, nil
	case !st.Stale(s.now(), window):
		return st, nil
	}

	res, err := s.shared(ctx, id)
	if err != nil {
		return nil, err
	}
	return res.Stock, nil
}

func (s *Service) shared(ctx context.Context, id int64) (*Result, error) {
	v, err, _ := s.group.Do(strconv.FormatInt(id, 10), func() (any, error) {
		return s.Refresh(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// Refresh unconditionally recomputes a stock from the provider and persists
// it.
func (s *Service) Refresh(ctx context.Context, id int64) (*Result, error) {
	prev, err := s.store.GetStock(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		prev = nil
	} else if err != nil {
		metrics.RefreshesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("refresh stock %d: %w", id, err)
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()

	lookup, err := s.provider.PlayerDetails(pctx, id)
	if err != nil {
		metrics.RefreshesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("refresh stock %d: %w", id, err)
	}

	var res *Result
	switch l := lookup.(type) {
	case stats.PlayerNotFound:
		res, err = s.applyBan(ctx, id, prev)
	case stats.PlayerFound:
		p := l.Player
		p.ID = id
		res, err = s.applyFound(ctx, pctx, p, prev)
	default:
		err = fmt.Errorf("unexpected lookup %T", lookup)
	}
	if err != nil {
		metrics.RefreshesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("refresh stock %d: %w", id, err)
	}
	return res, nil
}

func (s *Service) applyBan(ctx context.Context, id int64, prev *model.Stock) (*Result, error) {
	if prev == nil {
		return nil, ErrUnknownStock
	}

	st, err := s.store.MarkBanned(ctx, model.BanWrite{
		StockID:             id,
		LastUpdated:         s.now(),
		ExpectedLastUpdated: prev.LastUpdated,
	})
	if errors.Is(err, store.ErrStaleWrite) {
		return s.superseded(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	metrics.RefreshesTotal.WithLabelValues("banned").Inc()
	if !prev.IsBanned {
		s.logger.Info("stock banned", "stock_id", id, "last_known_price", st.LastKnownPrice.String())
	}
	s.notifier.StockUpdated(*st)

	return &Result{
		Stock:       st,
		Eligibility: s.rules.Evaluate(pricing.EligibilityInput{Banned: true}, s.now()),
		Banned:      true,
	}, nil
}

// applyFound prices a found player and writes the snapshot. pctx bounds the
// provider calls; ctx the store calls.
func (s *Service) applyFound(ctx, pctx context.Context, p stats.Player, prev *model.Stock) (*Result, error) {
	now := s.now()
	elig := s.rules.Evaluate(pricing.EligibilityInput{
		Rank:             p.Rank,
		SkillRating:      p.SkillRating,
		RankHistory:      p.RankHistory,
		PlaycountHistory: p.PlaycountHistory,
		JoinDate:         p.JoinDate,
	}, now)
	price := s.params.SharePrice(p.Rank, p.SkillRating, p.RankHistory)

	st := model.Stock{
		StockID:          p.ID,
		SharePrice:       price,
		LastUpdated:      now,
		IsBuyable:        elig.Buyable,
		IsSellable:       elig.Sellable,
		DisplayName:      p.Username,
		PictureURL:       p.PictureURL,
		BannerURL:        p.BannerURL,
		CountryCode:      p.CountryCode,
		Rank:             p.Rank,
		SkillRating:      p.SkillRating,
		RankHistory:      p.RankHistory,
		PlaycountHistory: p.PlaycountHistory,
		JoinDate:         p.JoinDate,
	}
	var expected time.Time
	if prev != nil {
		expected = prev.LastUpdated
		st.BestPlays = prev.BestPlays
	}

	res := &Result{Eligibility: elig, Created: prev == nil}

	if s.needsRecheck(prev, price) {
		scores, err := s.provider.TopScores(pctx, p.ID, stats.TopScoresLimit)
		if err != nil {
			return nil, fmt.Errorf("top scores: %w", err)
		}
		if scores == nil {
			scores = []model.Score{}
		}

		var old []model.Score
		if prev != nil {
			old = prev.BestPlays
		}
		det := rebalance.Detect(old, scores)
		check := &model.RebalanceCheck{
			ID:           uuid.NewString(),
			StockID:      p.ID,
			OldScores:    old,
			NewScores:    scores,
			Changes:      det.Changes,
			DidRebalance: det.DidRebalance,
			CheckedAt:    now,
		}
		if err := s.store.InsertRebalanceCheck(ctx, check); err != nil {
			return nil, fmt.Errorf("record rebalance check: %w", err)
		}
		metrics.RebalanceChecks.WithLabelValues(strconv.FormatBool(det.DidRebalance)).Inc()

		st.BestPlays = scores
		res.Rebalanced = det.DidRebalance
		if det.DidRebalance {
			s.logger.Info("rebalance detected", "stock_id", p.ID, "changes", len(det.Changes))
		}
	}

	saved, err := s.store.ApplyRefresh(ctx, model.RefreshWrite{
		Stock:               st,
		ExpectedLastUpdated: expected,
		Dilute:              res.Rebalanced,
	})
	if errors.Is(err, store.ErrStaleWrite) {
		return s.superseded(ctx, p.ID)
	}
	if err != nil {
		return nil, err
	}
	res.Stock = saved

	if res.Created && saved.SharePrice.Valid {
		if err := s.store.InsertPricePoint(ctx, model.PricePoint{
			StockID:    saved.StockID,
			Price:      saved.SharePrice.Decimal,
			RecordedAt: saved.LastUpdated,
		}); err != nil {
			return nil, fmt.Errorf("record initial price: %w", err)
		}
	}

	outcome := "priced"
	if !saved.SharePrice.Valid {
		outcome = "unscored"
	}
	metrics.RefreshesTotal.WithLabelValues(outcome).Inc()
	s.notifier.StockUpdated(*saved)

	s.logger.Debug("stock refreshed",
		"stock_id", saved.StockID,
		"price", priceString(saved.SharePrice.Valid, saved.SharePrice.Decimal.String()),
		"buyable", saved.IsBuyable,
		"created", res.Created,
	)
	return res, nil
}

// needsRecheck reports whether the top scores must be refetched: there is
// no snapshot yet, the price appeared or vanished, or it moved past the
// configured up/down thresholds.
func (s *Service) needsRecheck(prev *model.Stock, price decimal.NullDecimal) bool {
	if prev == nil || prev.BestPlays == nil {
		return true
	}
	if prev.SharePrice.Valid != price.Valid {
		return true
	}
	if !price.Valid || !prev.SharePrice.Decimal.IsPositive() {
		return false
	}

	change, _ := price.Decimal.Sub(prev.SharePrice.Decimal).Div(prev.SharePrice.Decimal).Float64()
	return change >= s.cfg.RecheckRiseRatio || change <= -s.cfg.RecheckDropRatio
}

func (s *Service) superseded(ctx context.Context, id int64) (*Result, error) {
	metrics.RefreshesTotal.WithLabelValues("stale_write").Inc()
	st, err := s.store.GetStock(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("refresh superseded by newer write", "stock_id", id)
	return &Result{Stock: st, Banned: st.IsBanned, Superseded: true}, nil
}

func priceString(valid bool, s string) string {
	if !valid {
		return "null"
	}
	return s
}

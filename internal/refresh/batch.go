package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/osucapital/market-engine/internal/metrics"
)

// BatchReport summarizes a batch refresh.
type BatchReport struct {
	Refreshed int `json:"refreshed"`
	Banned    int `json:"banned"`
	Failed    int `json:"failed"`
}

// RefreshBatch refreshes ids in chunks with bounded concurrency, pausing
// between groups of chunks to stay under the provider's rate limit. A failed
// stock is logged and counted; only context cancellation stops the batch.
func (s *Service) RefreshBatch(ctx context.Context, ids []int64) (BatchReport, error) {
	var (
		mu  sync.Mutex
		rep BatchReport
	)

	for i, chunk := range chunks(ids, s.cfg.ChunkSize) {
		if i > 0 && i%s.cfg.ChunksPerPause == 0 && s.cfg.ChunkPause > 0 {
			select {
			case <-ctx.Done():
				return rep, ctx.Err()
			case <-time.After(s.cfg.ChunkPause):
			}
		}

		var g errgroup.Group
		g.SetLimit(s.cfg.Concurrency)
		for _, id := range chunk {
			id := id
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				res, err := s.shared(ctx, id)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					rep.Failed++
					if !errors.Is(err, context.Canceled) {
						s.logger.Warn("batch refresh failed", "stock_id", id, "err", err)
					}
				case res.Banned:
					rep.Banned++
				default:
					rep.Refreshed++
				}
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return rep, err
		}
	}

	s.logger.Info("batch refresh finished",
		"stocks", len(ids),
		"refreshed", rep.Refreshed,
		"banned", rep.Banned,
		"failed", rep.Failed,
	)
	return rep, nil
}

// RefreshStale refreshes up to limit unlocked stocks older than window,
// least recently refreshed first. A zero window means the configured batch
// window.
func (s *Service) RefreshStale(ctx context.Context, window time.Duration, limit int) (BatchReport, error) {
	if window <= 0 {
		window = s.cfg.BatchWindow
	}
	ids, err := s.store.ListStaleStocks(ctx, s.now().Add(-window), limit)
	if err != nil {
		return BatchReport{}, fmt.Errorf("list stale stocks: %w", err)
	}

	rep, err := s.RefreshBatch(ctx, ids)
	if err != nil {
		return rep, err
	}
	s.updateListedGauge(ctx)
	return rep, nil
}

// RecordHistory snapshots the current price of every listed stock.
func (s *Service) RecordHistory(ctx context.Context) (int64, error) {
	n, err := s.store.SnapshotPrices(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	s.logger.Info("price history recorded", "stocks", n)
	return n, nil
}

func (s *Service) updateListedGauge(ctx context.Context) {
	stocks, err := s.store.ListStocks(ctx)
	if err != nil {
		s.logger.Warn("count listed stocks", "err", err)
		return
	}
	listed := 0
	for _, st := range stocks {
		if st.SharePrice.Valid {
			listed++
		}
	}
	metrics.ListedStocks.Set(float64(listed))
}

func chunks(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

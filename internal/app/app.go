// Package app assembles the storage, provider, and refresh graph shared by
// the server and refresher binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/osucapital/market-engine/internal/config"
	"github.com/osucapital/market-engine/internal/osu"
	"github.com/osucapital/market-engine/internal/refresh"
	"github.com/osucapital/market-engine/internal/store"
)

// Deps is the assembled runtime graph. Close releases its connections.
type Deps struct {
	Store    store.Store
	Provider *osu.Client
	Refresh  *refresh.Service

	cleanup []func()
}

// Open connects storage and builds the refresh service. A nil notifier
// disables refresh broadcasts.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, notifier refresh.Notifier) (*Deps, error) {
	d := &Deps{}

	st, err := d.openStore(ctx, cfg, logger)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Store = st

	d.Provider = osu.NewClient(cfg.Osu.BaseURL, cfg.OsuOptions(logger)...)
	if cfg.Osu.ClientID == "" {
		logger.Warn("osu client credentials not set, requests are unauthenticated")
	}

	opts := []refresh.Option{refresh.WithLogger(logger)}
	if notifier != nil {
		opts = append(opts, refresh.WithNotifier(notifier))
	}
	d.Refresh = refresh.NewService(st, d.Provider, cfg.RefreshConfig(), opts...)
	return d, nil
}

func (d *Deps) openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Database.URL == "" {
		logger.Warn("database url not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil
	}

	pool, err := store.Connect(ctx, cfg.Database.URL, cfg.Database.MinConns, cfg.Database.MaxConns)
	if err != nil {
		return nil, err
	}
	d.cleanup = append(d.cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	if cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		logger.Info("database schema applied")
	}
	logger.Info("connected to PostgreSQL")

	if cfg.Redis.URL == "" {
		return pg, nil
	}

	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	d.cleanup = append(d.cleanup, func() { rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("Redis cache enabled", "ttl", cfg.Redis.TTL)
	return store.NewCachedStore(pg, rdb, cfg.Redis.TTL), nil
}

// Close releases connections in reverse order of acquisition.
func (d *Deps) Close() {
	for i := len(d.cleanup) - 1; i >= 0; i-- {
		d.cleanup[i]()
	}
	d.cleanup = nil
}

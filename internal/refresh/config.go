package refresh

import (
	"errors"
	"time"
)

// Config holds the staleness windows and batch tuning.
type Config struct {
	// TradeWindow is the maximum age of a price a trade may settle against.
	TradeWindow time.Duration
	// ViewWindow is the maximum age of a price shown to a viewer.
	ViewWindow time.Duration
	// BatchWindow is the age after which the scheduled batch refreshes a
	// stock.
	BatchWindow time.Duration

	// ProviderTimeout bounds each refresh's provider calls.
	ProviderTimeout time.Duration

	ChunkSize      int
	Concurrency    int
	ChunksPerPause int
	ChunkPause     time.Duration

	// RecheckRiseRatio and RecheckDropRatio are the relative price moves
	// that trigger a top-scores recheck.
	RecheckRiseRatio float64
	RecheckDropRatio float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TradeWindow:      3 * time.Second,
		ViewWindow:       2 * time.Minute,
		BatchWindow:      30 * time.Minute,
		ProviderTimeout:  10 * time.Second,
		ChunkSize:        50,
		Concurrency:      8,
		ChunksPerPause:   2,
		ChunkPause:       time.Second,
		RecheckRiseRatio: 0.05,
		RecheckDropRatio: 0.02,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TradeWindow <= 0 {
		c.TradeWindow = d.TradeWindow
	}
	if c.ViewWindow <= 0 {
		c.ViewWindow = d.ViewWindow
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = d.BatchWindow
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = d.ProviderTimeout
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.ChunksPerPause <= 0 {
		c.ChunksPerPause = d.ChunksPerPause
	}
	if c.ChunkPause < 0 {
		c.ChunkPause = 0
	}
	if c.RecheckRiseRatio <= 0 {
		c.RecheckRiseRatio = d.RecheckRiseRatio
	}
	if c.RecheckDropRatio <= 0 {
		c.RecheckDropRatio = d.RecheckDropRatio
	}
	return c
}

// Validate checks that the windows are ordered trade ≤ view ≤ batch.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.TradeWindow > c.ViewWindow {
		return errors.New("refresh: trade window must not exceed view window")
	}
	if c.ViewWindow > c.BatchWindow {
		return errors.New("refresh: view window must not exceed batch window")
	}
	return nil
}

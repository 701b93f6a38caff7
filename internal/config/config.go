package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/osucapital/market-engine/internal/lots"
	"github.com/osucapital/market-engine/internal/osu"
	"github.com/osucapital/market-engine/internal/refresh"
	"github.com/osucapital/market-engine/internal/trade"
)

// Config is the root configuration shared by the server and the refresher.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Osu       OsuConfig       `yaml:"osu"`
	Refresh   RefreshConfig   `yaml:"refresh"`
	Trading   TradingConfig   `yaml:"trading"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	InternalToken   string        `yaml:"internal_token"` // empty disables /internal
	CORSOrigins     []string      `yaml:"cors_origins"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MinConns int32  `yaml:"min_conns"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

// RedisConfig holds the optional read-through cache. An empty URL disables it.
type RedisConfig struct {
	URL string        `yaml:"url"`
	TTL time.Duration `yaml:"ttl"`
}

// OsuConfig holds osu! API settings.
type OsuConfig struct {
	BaseURL      string        `yaml:"base_url"`
	TokenURL     string        `yaml:"token_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// RefreshConfig holds staleness windows and batch tuning.
type RefreshConfig struct {
	TradeWindow      time.Duration `yaml:"trade_window"`
	ViewWindow       time.Duration `yaml:"view_window"`
	BatchWindow      time.Duration `yaml:"batch_window"`
	ProviderTimeout  time.Duration `yaml:"provider_timeout"`
	ChunkSize        int           `yaml:"chunk_size"`
	Concurrency      int           `yaml:"concurrency"`
	ChunksPerPause   int           `yaml:"chunks_per_pause"`
	ChunkPause       time.Duration `yaml:"chunk_pause"`
	RecheckRiseRatio float64       `yaml:"recheck_rise_ratio"`
	RecheckDropRatio float64       `yaml:"recheck_drop_ratio"`
}

// TradingConfig holds the trading rules. Money values are decimal strings.
type TradingConfig struct {
	Closed            bool   `yaml:"closed"`
	Maintenance       bool   `yaml:"maintenance"`
	TaxRate           string `yaml:"tax_rate"`
	MinTax            string `yaml:"min_tax"`
	TradingBonus      string `yaml:"trading_bonus"`
	DelistPenalty     string `yaml:"delist_penalty"`
	MaxCoins          string `yaml:"max_coins"`
	StartingCoins     string `yaml:"starting_coins"`
	RecentTradesLimit int    `yaml:"recent_trades_limit"`
	HoldingTax        string `yaml:"holding_tax"` // "none" or "holding_period"
}

// SchedulerConfig holds cron specs for the background jobs. Specs take a
// leading seconds field.
type SchedulerConfig struct {
	StaleRefresh string `yaml:"stale_refresh"`
	StaleLimit   int    `yaml:"stale_limit"`
	History      string `yaml:"history"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}

	if c.Database.MinConns == 0 {
		c.Database.MinConns = 2
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}

	if c.Redis.TTL == 0 {
		c.Redis.TTL = 30 * time.Second
	}

	if c.Osu.BaseURL == "" {
		c.Osu.BaseURL = osu.DefaultBaseURL
	}
	if c.Osu.TokenURL == "" {
		c.Osu.TokenURL = osu.DefaultTokenURL
	}
	if c.Osu.Timeout == 0 {
		c.Osu.Timeout = 10 * time.Second
	}
	if c.Osu.MaxRetries == 0 {
		c.Osu.MaxRetries = 2
	}
	if c.Osu.RetryBackoff == 0 {
		c.Osu.RetryBackoff = 500 * time.Millisecond
	}

	r := refresh.DefaultConfig()
	if c.Refresh.TradeWindow == 0 {
		c.Refresh.TradeWindow = r.TradeWindow
	}
	if c.Refresh.ViewWindow == 0 {
		c.Refresh.ViewWindow = r.ViewWindow
	}
	if c.Refresh.BatchWindow == 0 {
		c.Refresh.BatchWindow = r.BatchWindow
	}
	if c.Refresh.ProviderTimeout == 0 {
		c.Refresh.ProviderTimeout = r.ProviderTimeout
	}
	if c.Refresh.ChunkSize == 0 {
		c.Refresh.ChunkSize = r.ChunkSize
	}
	if c.Refresh.Concurrency == 0 {
		c.Refresh.Concurrency = r.Concurrency
	}
	if c.Refresh.ChunksPerPause == 0 {
		c.Refresh.ChunksPerPause = r.ChunksPerPause
	}
	if c.Refresh.ChunkPause == 0 {
		c.Refresh.ChunkPause = r.ChunkPause
	}
	if c.Refresh.RecheckRiseRatio == 0 {
		c.Refresh.RecheckRiseRatio = r.RecheckRiseRatio
	}
	if c.Refresh.RecheckDropRatio == 0 {
		c.Refresh.RecheckDropRatio = r.RecheckDropRatio
	}

	t := trade.DefaultConfig()
	defaultDecimal(&c.Trading.TaxRate, t.TaxRate)
	defaultDecimal(&c.Trading.MinTax, t.MinTax)
	defaultDecimal(&c.Trading.TradingBonus, t.TradingBonus)
	defaultDecimal(&c.Trading.DelistPenalty, t.DelistPenalty)
	defaultDecimal(&c.Trading.MaxCoins, t.MaxCoins)
	defaultDecimal(&c.Trading.StartingCoins, t.StartingCoins)
	if c.Trading.RecentTradesLimit == 0 {
		c.Trading.RecentTradesLimit = t.RecentTradesLimit
	}
	if c.Trading.HoldingTax == "" {
		c.Trading.HoldingTax = lots.StrategyNone
	}

	if c.Scheduler.StaleRefresh == "" {
		c.Scheduler.StaleRefresh = "0 */5 * * * *"
	}
	if c.Scheduler.StaleLimit == 0 {
		c.Scheduler.StaleLimit = 500
	}
	if c.Scheduler.History == "" {
		c.Scheduler.History = "0 0 0 * * *"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func defaultDecimal(s *string, d decimal.Decimal) {
	if *s == "" {
		*s = d.String()
	}
}

// applyEnv overrides file values with well-known environment variables.
func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.InternalToken, "INTERNAL_TOKEN")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Osu.ClientID, "OSU_CLIENT_ID")
	setString(&c.Osu.ClientSecret, "OSU_CLIENT_SECRET")
	setString(&c.Log.Level, "LOG_LEVEL")
	setBool(&c.Trading.Closed, "TRADING_CLOSED")
	setBool(&c.Trading.Maintenance, "MAINTENANCE")
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || strings.EqualFold(v, "true")
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks cross-field constraints. Call after defaults are applied.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.MinConns < 0 || c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, errors.New("database: max_conns must be >= min_conns >= 0"))
	}
	if err := c.RefreshConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Refresh.ChunkSize < 1 {
		errs = append(errs, errors.New("refresh: chunk_size must be at least 1"))
	}

	tc, err := c.TradeConfig()
	if err != nil {
		errs = append(errs, err)
	} else {
		if !tc.TaxRate.IsPositive() || tc.TaxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			errs = append(errs, errors.New("trading: tax_rate must be in (0, 1)"))
		}
		if tc.MinTax.IsNegative() {
			errs = append(errs, errors.New("trading: min_tax must not be negative"))
		}
		if tc.DelistPenalty.IsNegative() || tc.DelistPenalty.GreaterThan(decimal.NewFromInt(1)) {
			errs = append(errs, errors.New("trading: delist_penalty must be in [0, 1]"))
		}
		if !tc.StartingCoins.IsPositive() {
			errs = append(errs, errors.New("trading: starting_coins must be positive"))
		}
	}
	if _, err := lots.StrategyByName(c.Trading.HoldingTax); err != nil {
		errs = append(errs, err)
	}

	if (c.Osu.ClientID == "") != (c.Osu.ClientSecret == "") {
		errs = append(errs, errors.New("osu: client_id and client_secret must be set together"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// RefreshConfig converts to the refresh service configuration.
func (c *Config) RefreshConfig() refresh.Config {
	r := c.Refresh
	return refresh.Config{
		TradeWindow:      r.TradeWindow,
		ViewWindow:       r.ViewWindow,
		BatchWindow:      r.BatchWindow,
		ProviderTimeout:  r.ProviderTimeout,
		ChunkSize:        r.ChunkSize,
		Concurrency:      r.Concurrency,
		ChunksPerPause:   r.ChunksPerPause,
		ChunkPause:       r.ChunkPause,
		RecheckRiseRatio: r.RecheckRiseRatio,
		RecheckDropRatio: r.RecheckDropRatio,
	}
}

// TradeConfig converts to the trade engine configuration. The staleness
// windows come from the refresh section.
func (c *Config) TradeConfig() (trade.Config, error) {
	t := c.Trading
	out := trade.Config{
		TradingClosed:     t.Closed,
		Maintenance:       t.Maintenance,
		TradeWindow:       c.Refresh.TradeWindow,
		ViewWindow:        c.Refresh.ViewWindow,
		RecentTradesLimit: t.RecentTradesLimit,
	}
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"tax_rate", t.TaxRate, &out.TaxRate},
		{"min_tax", t.MinTax, &out.MinTax},
		{"trading_bonus", t.TradingBonus, &out.TradingBonus},
		{"delist_penalty", t.DelistPenalty, &out.DelistPenalty},
		{"max_coins", t.MaxCoins, &out.MaxCoins},
		{"starting_coins", t.StartingCoins, &out.StartingCoins},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return trade.Config{}, fmt.Errorf("trading: %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return out, nil
}

// TaxStrategy returns the configured holding-period tax.
func (c *Config) TaxStrategy() (lots.TaxStrategy, error) {
	return lots.StrategyByName(c.Trading.HoldingTax)
}

// OsuOptions returns client options for the osu! API. Credentials are
// applied last so the token transport wraps the configured client.
func (c *Config) OsuOptions(logger *slog.Logger) []osu.ClientOption {
	opts := []osu.ClientOption{
		osu.WithTimeout(c.Osu.Timeout),
		osu.WithRetries(c.Osu.MaxRetries, c.Osu.RetryBackoff),
	}
	if logger != nil {
		opts = append(opts, osu.WithLogger(logger))
	}
	if c.Osu.ClientID != "" {
		opts = append(opts, osu.WithClientCredentials(c.Osu.ClientID, c.Osu.ClientSecret, c.Osu.TokenURL))
	}
	return opts
}

// Logger builds the JSON logger at the configured level.
func (c *Config) Logger() *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log: unknown level %q", s)
	}
	return level, nil
}

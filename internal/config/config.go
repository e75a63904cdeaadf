// Package config defines the top-level configuration for the hedge bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hedgeworks/hedgebot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by HEDGEBOT_* environment
// variables.
type Config struct {
	Trader     TraderConfig     `toml:"trader"`
	Venue      VenueConfig      `toml:"venue"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Risk       RiskConfig       `toml:"risk"`
	Safety     SafetyConfig     `toml:"safety"`
	Strategies []StrategyConfig `toml:"strategy"`
	Notify     NotifyConfig     `toml:"notify"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Archive    ArchiveConfig    `toml:"archive"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// TraderConfig identifies the trading account.
type TraderConfig struct {
	UserID       string `toml:"user_id"`
	QuoteAsset   string `toml:"quote_asset"`
	WalletKeyRef string `toml:"wallet_key_ref"`
}

// VenueConfig holds venue endpoints and execution parameters.
type VenueConfig struct {
	RPCURL         string   `toml:"rpc_url"`
	WSURL          string   `toml:"ws_url"`
	Instruments    []string `toml:"instruments"`
	SlippageBps    int      `toml:"slippage_bps"`
	ConfirmTimeout duration `toml:"confirm_timeout"`
	RequestsPerSec float64  `toml:"requests_per_sec"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for archival.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// RiskConfig holds the tunable parameters for risk validation.
type RiskConfig struct {
	MaxPositions             int     `toml:"max_positions"`
	MaxPositionSize          float64 `toml:"max_position_size"`
	MinTradeAmount           float64 `toml:"min_trade_amount"`
	MaxTradeAmount           float64 `toml:"max_trade_amount"`
	MinHedgeRatio            float64 `toml:"min_hedge_ratio"`
	MaxHedgeRatio            float64 `toml:"max_hedge_ratio"`
	StopLossPct              float64 `toml:"stop_loss_pct"`
	TakeProfitPct            float64 `toml:"take_profit_pct"`
	MaxDrawdownPct           float64 `toml:"max_drawdown_pct"`
	MaxInstrumentExposurePct float64 `toml:"max_instrument_exposure_pct"`
	DailyLossLimitPct        float64 `toml:"daily_loss_limit_pct"`
	DefaultHedgeRatio        float64 `toml:"default_hedge_ratio"`
}

// SafetyConfig gates the automation loop. DryRun and the kill switch are
// additionally mutable at runtime with effect on the next cycle.
type SafetyConfig struct {
	CycleInterval           duration `toml:"cycle_interval"`
	MaxPositionsPerHour     int      `toml:"max_positions_per_hour"`
	ManualApprovalThreshold float64  `toml:"manual_approval_threshold"`
	DryRun                  bool     `toml:"dry_run"`
}

// StrategyConfig is the TOML shape of a strategy variant.
type StrategyConfig struct {
	Type               string  `toml:"type"`
	Enabled            bool    `toml:"enabled"`
	Instrument         string  `toml:"instrument"`
	Amount             float64 `toml:"amount"`
	HedgeRatio         float64 `toml:"hedge_ratio"`
	BreakoutThreshold  float64 `toml:"breakout_threshold"`
	RebalanceThreshold float64 `toml:"rebalance_threshold"`
	StopLossPct        float64 `toml:"stop_loss_pct"`
	TakeProfitPct      float64 `toml:"take_profit_pct"`
}

// Domain converts the TOML shape into the closed domain variant.
func (s StrategyConfig) Domain() domain.StrategyConfig {
	return domain.StrategyConfig{
		Type:    domain.StrategyType(s.Type),
		Enabled: s.Enabled,
		Parameters: domain.StrategyParams{
			Instrument:         s.Instrument,
			Amount:             s.Amount,
			HedgeRatio:         s.HedgeRatio,
			BreakoutThreshold:  s.BreakoutThreshold,
			RebalanceThreshold: s.RebalanceThreshold,
			StopLossPct:        s.StopLossPct,
			TakeProfitPct:      s.TakeProfitPct,
		},
	}
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig holds the Prometheus endpoint parameters.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// ArchiveConfig controls archival of closed positions to object storage.
type ArchiveConfig struct {
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "30s", "5m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Trader: TraderConfig{
			QuoteAsset: "USDC",
		},
		Venue: VenueConfig{
			SlippageBps:    50,
			ConfirmTimeout: duration{30 * time.Second},
			RequestsPerSec: 8,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "hedgebot",
			User:          "hedgebot",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "hedgebot-archive",
			ForcePathStyle: true,
		},
		Risk: RiskConfig{
			MaxPositions:             10,
			MaxPositionSize:          10_000,
			MinTradeAmount:           1,
			MaxTradeAmount:           5_000,
			MinHedgeRatio:            0.5,
			MaxHedgeRatio:            2.0,
			StopLossPct:              0.10,
			TakeProfitPct:            0.20,
			MaxDrawdownPct:           0.25,
			MaxInstrumentExposurePct: 0.30,
			DailyLossLimitPct:        0.10,
			DefaultHedgeRatio:        1.0,
		},
		Safety: SafetyConfig{
			CycleInterval:           duration{30 * time.Second},
			MaxPositionsPerHour:     6,
			ManualApprovalThreshold: 1_000,
			DryRun:                  false,
		},
		Notify: NotifyConfig{
			Events: []string{"hedge_opened", "hedge_closed", "unhedged_exposure", "kill_switch", "error"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Mode:     "live",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":    true,
	"paper":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Trader.UserID == "" {
		errs = append(errs, "trader: user_id must not be empty")
	}
	if c.Trader.QuoteAsset == "" {
		errs = append(errs, "trader: quote_asset must not be empty")
	}

	if strings.ToLower(c.Mode) == "live" {
		if c.Venue.RPCURL == "" {
			errs = append(errs, "venue: rpc_url is required for live mode")
		}
		if c.Venue.WSURL == "" {
			errs = append(errs, "venue: ws_url is required for live mode")
		}
	}
	if c.Venue.SlippageBps < 0 {
		errs = append(errs, "venue: slippage_bps must not be negative")
	}
	if c.Venue.RequestsPerSec <= 0 {
		errs = append(errs, "venue: requests_per_sec must be > 0")
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	if c.Risk.MaxPositions < 1 {
		errs = append(errs, "risk: max_positions must be >= 1")
	}
	if c.Risk.MaxPositionSize <= 0 {
		errs = append(errs, "risk: max_position_size must be > 0")
	}
	if c.Risk.MinTradeAmount <= 0 || c.Risk.MaxTradeAmount < c.Risk.MinTradeAmount {
		errs = append(errs, "risk: trade amount bounds must satisfy 0 < min <= max")
	}
	if c.Risk.MinHedgeRatio <= 0 || c.Risk.MaxHedgeRatio < c.Risk.MinHedgeRatio {
		errs = append(errs, "risk: hedge ratio bounds must satisfy 0 < min <= max")
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct >= 1 {
		errs = append(errs, "risk: stop_loss_pct must be in (0, 1)")
	}
	if c.Risk.DefaultHedgeRatio < c.Risk.MinHedgeRatio || c.Risk.DefaultHedgeRatio > c.Risk.MaxHedgeRatio {
		errs = append(errs, "risk: default_hedge_ratio must lie within the hedge ratio bounds")
	}

	if c.Safety.CycleInterval.Duration <= 0 {
		errs = append(errs, "safety: cycle_interval must be > 0")
	}
	if c.Safety.MaxPositionsPerHour < 1 {
		errs = append(errs, "safety: max_positions_per_hour must be >= 1")
	}
	if c.Safety.ManualApprovalThreshold <= 0 {
		errs = append(errs, "safety: manual_approval_threshold must be > 0")
	}

	for i, s := range c.Strategies {
		if !s.Domain().Valid() {
			errs = append(errs, fmt.Sprintf("strategy[%d]: unknown type %q", i, s.Type))
		}
		if s.Instrument == "" {
			errs = append(errs, fmt.Sprintf("strategy[%d]: instrument must not be empty", i))
		}
		if s.Amount <= 0 {
			errs = append(errs, fmt.Sprintf("strategy[%d]: amount must be > 0", i))
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			errs = append(errs, fmt.Sprintf("metrics: port must be 1-65535, got %d", c.Metrics.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

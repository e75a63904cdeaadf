package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies HEDGEBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known HEDGEBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Trader ──
	setStr(&cfg.Trader.UserID, "HEDGEBOT_TRADER_USER_ID")
	setStr(&cfg.Trader.QuoteAsset, "HEDGEBOT_TRADER_QUOTE_ASSET")
	setStr(&cfg.Trader.WalletKeyRef, "HEDGEBOT_TRADER_WALLET_KEY_REF")

	// ── Venue ──
	setStr(&cfg.Venue.RPCURL, "HEDGEBOT_VENUE_RPC_URL")
	setStr(&cfg.Venue.WSURL, "HEDGEBOT_VENUE_WS_URL")
	setStringSlice(&cfg.Venue.Instruments, "HEDGEBOT_VENUE_INSTRUMENTS")
	setInt(&cfg.Venue.SlippageBps, "HEDGEBOT_VENUE_SLIPPAGE_BPS")
	setDuration(&cfg.Venue.ConfirmTimeout, "HEDGEBOT_VENUE_CONFIRM_TIMEOUT")
	setFloat64(&cfg.Venue.RequestsPerSec, "HEDGEBOT_VENUE_REQUESTS_PER_SEC")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "HEDGEBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "HEDGEBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "HEDGEBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "HEDGEBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "HEDGEBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "HEDGEBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "HEDGEBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "HEDGEBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "HEDGEBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "HEDGEBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "HEDGEBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "HEDGEBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "HEDGEBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "HEDGEBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "HEDGEBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "HEDGEBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "HEDGEBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "HEDGEBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "HEDGEBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "HEDGEBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "HEDGEBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "HEDGEBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "HEDGEBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "HEDGEBOT_S3_FORCE_PATH_STYLE")

	// ── Risk ──
	setInt(&cfg.Risk.MaxPositions, "HEDGEBOT_RISK_MAX_POSITIONS")
	setFloat64(&cfg.Risk.MaxPositionSize, "HEDGEBOT_RISK_MAX_POSITION_SIZE")
	setFloat64(&cfg.Risk.MinTradeAmount, "HEDGEBOT_RISK_MIN_TRADE_AMOUNT")
	setFloat64(&cfg.Risk.MaxTradeAmount, "HEDGEBOT_RISK_MAX_TRADE_AMOUNT")
	setFloat64(&cfg.Risk.MinHedgeRatio, "HEDGEBOT_RISK_MIN_HEDGE_RATIO")
	setFloat64(&cfg.Risk.MaxHedgeRatio, "HEDGEBOT_RISK_MAX_HEDGE_RATIO")
	setFloat64(&cfg.Risk.StopLossPct, "HEDGEBOT_RISK_STOP_LOSS_PCT")
	setFloat64(&cfg.Risk.TakeProfitPct, "HEDGEBOT_RISK_TAKE_PROFIT_PCT")
	setFloat64(&cfg.Risk.MaxDrawdownPct, "HEDGEBOT_RISK_MAX_DRAWDOWN_PCT")
	setFloat64(&cfg.Risk.MaxInstrumentExposurePct, "HEDGEBOT_RISK_MAX_INSTRUMENT_EXPOSURE_PCT")
	setFloat64(&cfg.Risk.DailyLossLimitPct, "HEDGEBOT_RISK_DAILY_LOSS_LIMIT_PCT")
	setFloat64(&cfg.Risk.DefaultHedgeRatio, "HEDGEBOT_RISK_DEFAULT_HEDGE_RATIO")

	// ── Safety ──
	setDuration(&cfg.Safety.CycleInterval, "HEDGEBOT_SAFETY_CYCLE_INTERVAL")
	setInt(&cfg.Safety.MaxPositionsPerHour, "HEDGEBOT_SAFETY_MAX_POSITIONS_PER_HOUR")
	setFloat64(&cfg.Safety.ManualApprovalThreshold, "HEDGEBOT_SAFETY_MANUAL_APPROVAL_THRESHOLD")
	setBool(&cfg.Safety.DryRun, "HEDGEBOT_SAFETY_DRY_RUN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "HEDGEBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "HEDGEBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "HEDGEBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "HEDGEBOT_NOTIFY_EVENTS")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "HEDGEBOT_METRICS_ENABLED")
	setInt(&cfg.Metrics.Port, "HEDGEBOT_METRICS_PORT")

	// ── Archive ──
	setInt(&cfg.Archive.RetentionDays, "HEDGEBOT_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "HEDGEBOT_ARCHIVE_INTERVAL")

	// ── Top-level ──
	setStr(&cfg.Mode, "HEDGEBOT_MODE")
	setStr(&cfg.LogLevel, "HEDGEBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

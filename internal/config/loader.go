package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// envPrefix namespaces every environment override.
const envPrefix = "POSENGINE_"

// Load merges the TOML file at path over Defaults, loads .env when present
// and applies POSENGINE_* overrides. A missing file is not an error when path
// is empty. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose variable is set and non-empty.
func applyEnvOverrides(cfg *Config) {
	// ── Redis ──
	setStringSlice(&cfg.Redis.Addrs, "REDIS_ADDRS")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.MarketTTL, "REDIS_MARKET_TTL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.Prefix, "S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// ── Gateway ──
	setStr(&cfg.Gateway.BaseURL, "GATEWAY_BASE_URL")
	setStr(&cfg.Gateway.APIKey, "GATEWAY_API_KEY")
	setStr(&cfg.Gateway.APISecret, "GATEWAY_API_SECRET")
	setDuration(&cfg.Gateway.Timeout, "GATEWAY_TIMEOUT")
	setInt(&cfg.Gateway.RetryCount, "GATEWAY_RETRY_COUNT")
	setStr(&cfg.Gateway.MarginMode, "GATEWAY_MARGIN_MODE")

	// ── Lock ──
	setDuration(&cfg.Lock.HardTimeout, "LOCK_HARD_TIMEOUT")
	setDuration(&cfg.Lock.PollInterval, "LOCK_POLL_INTERVAL")
	setDuration(&cfg.Lock.DefaultEstimate, "LOCK_DEFAULT_ESTIMATE")
	setDuration(&cfg.Lock.PositionStaleAfter, "LOCK_POSITION_STALE_AFTER")

	// ── Admission ──
	setStringSlice(&cfg.Admission.GlobalWhitelist, "ADMISSION_GLOBAL_WHITELIST")
	setStringSlice(&cfg.Admission.GlobalBlacklist, "ADMISSION_GLOBAL_BLACKLIST")
	setInt(&cfg.Admission.GlobalMaxConcurrent, "ADMISSION_GLOBAL_MAX_CONCURRENT")
	setInt(&cfg.Admission.CountRetryAttempts, "ADMISSION_COUNT_RETRY_ATTEMPTS")

	// ── Reconcile ──
	setInt(&cfg.Reconcile.MissingOrderMaxAttempts, "RECONCILE_MISSING_ORDER_MAX_ATTEMPTS")
	setDuration(&cfg.Reconcile.MissingOrderMaxAge, "RECONCILE_MISSING_ORDER_MAX_AGE")

	// ── Archive ──
	setInt(&cfg.Archive.RetentionDays, "ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "ARCHIVE_CRON")
	setInt(&cfg.Archive.BatchSize, "ARCHIVE_BATCH_SIZE")
	setDuration(&cfg.Archive.SweepInterval, "ARCHIVE_SWEEP_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")
	setDuration(&cfg.Notify.DedupWindow, "NOTIFY_DEDUP_WINDOW")

	// ── Worker ──
	setStr(&cfg.Worker.ProcessName, "WORKER_PROCESS_NAME")
	setStr(&cfg.Worker.Group, "WORKER_GROUP")
	setInt(&cfg.Worker.BatchSize, "WORKER_BATCH_SIZE")
	setDuration(&cfg.Worker.LockEstimate, "WORKER_LOCK_ESTIMATE")
	setInt(&cfg.Worker.DedupCapacity, "WORKER_DEDUP_CAPACITY")

	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// Typed helpers. Each mutates dst only when POSENGINE_<key> is set, non-empty
// and parses.

func lookup(key string) string { return os.Getenv(envPrefix + key) }

func setStr(dst *string, key string) {
	if v := lookup(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := lookup(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := lookup(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := lookup(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}

// Package config defines the position engine configuration and its
// validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields are populated from a TOML file and
// then optionally overridden by POSENGINE_* environment variables.
type Config struct {
	Redis     RedisConfig     `toml:"redis"`
	Postgres  PostgresConfig  `toml:"postgres"`
	S3        S3Config        `toml:"s3"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Lock      LockConfig      `toml:"lock"`
	Admission AdmissionConfig `toml:"admission"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Worker    WorkerConfig    `toml:"worker"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// RedisConfig holds the lock store and bus connection. Addrs lists the
// primary first; the client fails over between them.
type RedisConfig struct {
	Addrs      []string `toml:"addrs"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	// MarketTTL bounds cached market metadata.
	MarketTTL duration `toml:"market_ttl"`
}

// PostgresConfig holds the position store connection.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// S3Config holds the archive bucket.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// GatewayConfig holds the exchange gateway endpoint and credentials.
type GatewayConfig struct {
	BaseURL    string   `toml:"base_url"`
	APIKey     string   `toml:"api_key"`
	APISecret  string   `toml:"api_secret"`
	Timeout    duration `toml:"timeout"`
	RetryCount int      `toml:"retry_count"`
	MarginMode string   `toml:"margin_mode"`
}

// LockConfig tunes the distributed lock and the position document lock.
type LockConfig struct {
	HardTimeout     duration `toml:"hard_timeout"`
	PollInterval    duration `toml:"poll_interval"`
	DefaultEstimate duration `toml:"default_estimate"`
	// PositionStaleAfter reclaims a position document lock older than this.
	PositionStaleAfter duration `toml:"position_stale_after"`
}

// AdmissionConfig holds global admission rules.
type AdmissionConfig struct {
	GlobalWhitelist      []string `toml:"global_whitelist"`
	GlobalBlacklist      []string `toml:"global_blacklist"`
	GlobalMaxConcurrent  int      `toml:"global_max_concurrent"`
	CountRetryAttempts   int      `toml:"count_retry_attempts"`
	CountRetryBackoffMin duration `toml:"count_retry_backoff_min"`
	CountRetryBackoffMax duration `toml:"count_retry_backoff_max"`
}

// ReconcileConfig bounds cancel retries against orders the exchange lost.
type ReconcileConfig struct {
	MissingOrderMaxAttempts int      `toml:"missing_order_max_attempts"`
	MissingOrderMaxAge      duration `toml:"missing_order_max_age"`
}

// ArchiveConfig schedules archival of closed positions.
type ArchiveConfig struct {
	RetentionDays int      `toml:"retention_days"`
	Cron          string   `toml:"cron"`
	BatchSize     int      `toml:"batch_size"`
	SweepInterval duration `toml:"sweep_interval"`
}

// ServerConfig holds the ops HTTP server.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is requests per minute per client IP; zero disables it.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channels.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	DedupWindow       duration `toml:"dedup_window"`
}

// WorkerConfig holds the stream consumer settings.
type WorkerConfig struct {
	ProcessName      string   `toml:"process_name"`
	Group            string   `toml:"group"`
	DraftStream      string   `toml:"draft_stream"`
	OrderEventStream string   `toml:"order_event_stream"`
	EventChannel     string   `toml:"event_channel"`
	BatchSize        int      `toml:"batch_size"`
	BlockFor         duration `toml:"block_for"`
	LockEstimate     duration `toml:"lock_estimate"`
	DedupCapacity    int      `toml:"dedup_capacity"`
	DedupTTL         duration `toml:"dedup_ttl"`
}

// duration wraps time.Duration for TOML strings like "5m" or "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the production defaults.
func Defaults() Config {
	return Config{
		Redis: RedisConfig{
			Addrs:      []string{"localhost:6379", "localhost:6380"},
			PoolSize:   20,
			MaxRetries: 3,
			MarketTTL:  duration{5 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "positions",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			MaxConnLifetime: duration{30 * time.Minute},
			RunMigrations:   true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "position-archive",
			ForcePathStyle: true,
		},
		Gateway: GatewayConfig{
			BaseURL:    "http://localhost:8081",
			Timeout:    duration{15 * time.Second},
			RetryCount: 2,
			MarginMode: "isolated",
		},
		Lock: LockConfig{
			HardTimeout:        duration{120 * time.Second},
			PollInterval:       duration{time.Second},
			DefaultEstimate:    duration{60 * time.Second},
			PositionStaleAfter: duration{90 * time.Second},
		},
		Admission: AdmissionConfig{
			CountRetryAttempts:   3,
			CountRetryBackoffMin: duration{time.Second},
			CountRetryBackoffMax: duration{10 * time.Second},
		},
		Reconcile: ReconcileConfig{
			MissingOrderMaxAttempts: 5,
			MissingOrderMaxAge:      duration{time.Hour},
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Cron:          "0 3 * * *",
			BatchSize:     500,
			SweepInterval: duration{5 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:   true,
			Port:      8000,
			RateLimit: 120,
		},
		Notify: NotifyConfig{
			Events: []string{
				"credentials_invalid",
				"position_liquidated",
				"liquidation_mismatch",
				"unknown_order_status",
				"cancel_failed",
			},
			DedupWindow: duration{10 * time.Minute},
		},
		Worker: WorkerConfig{
			ProcessName:      "positiond",
			Group:            "positiond",
			DraftStream:      "position-drafts",
			OrderEventStream: "order-events",
			EventChannel:     "positions",
			BatchSize:        16,
			BlockFor:         duration{2 * time.Second},
			LockEstimate:     duration{30 * time.Second},
			DedupCapacity:    10_000,
			DedupTTL:         duration{10 * time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"worker":      true,
	"maintenance": true,
	"full":        true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: worker, maintenance, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Redis
	if len(c.Redis.Addrs) == 0 {
		add("redis: addrs must list at least one endpoint")
	}
	for i, a := range c.Redis.Addrs {
		if strings.TrimSpace(a) == "" {
			add("redis: addrs[%d] is empty", i)
		}
	}
	if c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		add("postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Gateway
	if c.Gateway.BaseURL == "" {
		add("gateway: base_url must not be empty")
	}
	if (c.Gateway.APIKey == "") != (c.Gateway.APISecret == "") {
		add("gateway: api_key and api_secret must be set together")
	}

	// Lock
	if c.Lock.HardTimeout.Duration <= 0 {
		add("lock: hard_timeout must be > 0")
	}
	if c.Lock.PollInterval.Duration <= 0 || c.Lock.PollInterval.Duration > c.Lock.HardTimeout.Duration {
		add("lock: poll_interval must be > 0 and <= hard_timeout")
	}
	if c.Lock.PositionStaleAfter.Duration <= 0 {
		add("lock: position_stale_after must be > 0")
	}

	// Admission
	if c.Admission.CountRetryBackoffMax.Duration < c.Admission.CountRetryBackoffMin.Duration {
		add("admission: count_retry_backoff_max must be >= count_retry_backoff_min")
	}
	if c.Admission.GlobalMaxConcurrent < 0 {
		add("admission: global_max_concurrent must be >= 0")
	}

	// Archive
	if c.NeedsMaintenance() {
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be >= 1")
		}
		if _, err := validCron(c.Archive.Cron); err != nil {
			add("archive: cron: %v", err)
		}
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
	}

	// Worker
	if c.NeedsWorker() {
		if c.Worker.ProcessName == "" || strings.Contains(c.Worker.ProcessName, "|") {
			add("worker: process_name must be set and must not contain '|'")
		}
		if c.Worker.DraftStream == "" || c.Worker.OrderEventStream == "" {
			add("worker: draft_stream and order_event_stream must be set")
		}
		if c.Worker.BatchSize < 1 {
			add("worker: batch_size must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		add("server: rate_limit must be >= 0, got %d", c.Server.RateLimit)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// NeedsWorker reports whether the mode consumes the draft and order event streams.
func (c *Config) NeedsWorker() bool {
	m := strings.ToLower(c.Mode)
	return m == "worker" || m == "full"
}

// NeedsMaintenance reports whether the mode runs archival and liquidation sweeps.
func (c *Config) NeedsMaintenance() bool {
	m := strings.ToLower(c.Mode)
	return m == "maintenance" || m == "full"
}

// validCron checks the field count only; the scheduler reports value errors.
func validCron(expr string) (int, error) {
	n := len(strings.Fields(expr))
	if n != 5 {
		return n, fmt.Errorf("want 5 fields, got %d", n)
	}
	return n, nil
}

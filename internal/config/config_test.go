package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 120*time.Second, cfg.Lock.HardTimeout.Duration)
	assert.Equal(t, time.Second, cfg.Lock.PollInterval.Duration)
	assert.Equal(t, 3, cfg.Admission.CountRetryAttempts)
	assert.Equal(t, 5, cfg.Reconcile.MissingOrderMaxAttempts)
	assert.Equal(t, "position-drafts", cfg.Worker.DraftStream)
	assert.Equal(t, "order-events", cfg.Worker.OrderEventStream)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "positiond.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "worker"

[redis]
addrs = ["redis-a:6379", "redis-b:6379"]

[lock]
hard_timeout = "45s"

[admission]
global_blacklist = ["LUNAUSDT"]
`), 0o600))

	t.Chdir(dir)
	t.Setenv("POSENGINE_LOCK_POLL_INTERVAL", "250ms")
	t.Setenv("POSENGINE_ADMISSION_GLOBAL_WHITELIST", "BTCUSDT, ETHUSDT,")
	t.Setenv("POSENGINE_SERVER_PORT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "worker", cfg.Mode)
	assert.Equal(t, []string{"redis-a:6379", "redis-b:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, 45*time.Second, cfg.Lock.HardTimeout.Duration)
	assert.Equal(t, 250*time.Millisecond, cfg.Lock.PollInterval.Duration)
	assert.Equal(t, []string{"LUNAUSDT"}, cfg.Admission.GlobalBlacklist)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Admission.GlobalWhitelist)
	assert.Equal(t, 8000, cfg.Server.Port, "unparseable overrides are ignored")
	require.NoError(t, cfg.Validate())
}

func TestLoad_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = "), 0o600))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: decode")
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Redis.Addrs = nil
	cfg.Gateway.APIKey = "key-only"
	cfg.Lock.PollInterval.Duration = 5 * time.Minute
	cfg.Archive.Cron = "0 3 * *"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		"redis: addrs must list at least one endpoint",
		"gateway: api_key and api_secret must be set together",
		"lock: poll_interval",
	} {
		assert.Contains(t, err.Error(), want)
	}
	assert.NotContains(t, err.Error(), "archive: cron", "archive is only checked when maintenance runs")
}

func TestValidate_ProcessNameSeparator(t *testing.T) {
	cfg := Defaults()
	cfg.Worker.ProcessName = "worker|1"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process_name")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.APIKey = "k"
	cfg.Gateway.APISecret = "s"
	cfg.Postgres.DSN = "postgres://u:p@db/positions"
	cfg.Server.APIKey = ""

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Gateway.APIKey)
	assert.Equal(t, "***", out.Gateway.APISecret)
	assert.Equal(t, "***", out.Postgres.DSN)
	assert.Empty(t, out.Server.APIKey)
	assert.Equal(t, "k", cfg.Gateway.APIKey)

	out.Redis.Addrs[0] = "changed"
	assert.Equal(t, "localhost:6379", cfg.Redis.Addrs[0])
}

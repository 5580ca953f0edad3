package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/posync/backend/internal/errors"
	"github.com/kimhsiao/posync/backend/internal/logging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "posync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validYAML = `
data_dir: /var/lib/posync
tenant_id: shop-42
remote:
  base_url: https://pos.example.com
  api_key: k-123
  timeout: 20s
sync:
  interval: 45s
log:
  level: debug
`

func TestLoad_fileAndDefaults(t *testing.T) {
	cfg, err := NewLoader(writeConfig(t, validYAML)).Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/posync", cfg.DataDir)
	assert.Equal(t, "shop-42", cfg.TenantID)
	assert.Equal(t, "https://pos.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, "/api/v1/transactions", cfg.Remote.Path)
	assert.Equal(t, 20*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 45*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 5*time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.Sync.BackoffMax)
	assert.Equal(t, 10*time.Second, cfg.Connectivity.ProbeInterval)
	assert.Equal(t, 3*time.Second, cfg.Connectivity.ProbeTimeout)
	assert.Equal(t, "127.0.0.1:8765", cfg.Desktop.ListenAddr)
	assert.Equal(t, logging.LevelDebug, cfg.LoggingOptions().Level)
}

func TestLoad_envOverridesFile(t *testing.T) {
	t.Setenv("POSYNC_REMOTE_BASE_URL", "https://override.example.com")
	t.Setenv("POSYNC_SYNC_INTERVAL", "1m")

	cfg, err := NewLoader(writeConfig(t, validYAML)).Load()
	require.NoError(t, err)
	assert.Equal(t, "https://override.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
}

func TestLoad_overrideWins(t *testing.T) {
	t.Setenv("POSYNC_DATA_DIR", "/from/env")

	loader := NewLoader(writeConfig(t, validYAML))
	loader.Override("data_dir", "/from/app")
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "/from/app", cfg.DataDir)
}

func TestLoad_missingBaseURL(t *testing.T) {
	path := writeConfig(t, "tenant_id: shop-1\n")

	_, err := NewLoader(path).Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfig))
	assert.Contains(t, err.Error(), "remote.base_url")
}

func TestLoad_unreadableFile(t *testing.T) {
	path := writeConfig(t, "remote: [unclosed")

	_, err := NewLoader(path).Load()
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

func TestValidate_rejectsNonPositiveIntervals(t *testing.T) {
	cfg := &Config{
		DataDir: "/tmp/posync",
		Remote:  RemoteConfig{BaseURL: "https://pos.example.com", Timeout: time.Second},
		Sync:    SyncConfig{Interval: 0, BackoffBase: time.Second, BackoffMax: time.Millisecond},
		Connectivity: ConnectivityConfig{
			ProbeInterval: -time.Second,
			ProbeTimeout:  time.Second,
		},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.interval")
	assert.Contains(t, err.Error(), "sync.backoff_max")
	assert.Contains(t, err.Error(), "connectivity.probe_interval")
}

func TestProbeTarget(t *testing.T) {
	cfg := &Config{Remote: RemoteConfig{BaseURL: "https://pos.example.com"}}
	assert.Equal(t, "https://pos.example.com", cfg.ProbeTarget())

	cfg.Connectivity.ProbeURL = "https://pos.example.com/healthz"
	assert.Equal(t, "https://pos.example.com/healthz", cfg.ProbeTarget())
}

func TestWatch_reloadsOnWrite(t *testing.T) {
	path := writeConfig(t, validYAML)
	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	reloaded := make(chan *Config, 4)
	loader.Watch(func(cfg *Config) { reloaded <- cfg })

	updated := strings.Replace(validYAML, "level: debug", "level: warn", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "warn", cfg.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestWatch_noFileIsNoop(t *testing.T) {
	loader := NewLoader("")
	loader.Watch(func(*Config) { t.Error("unexpected reload") })
}

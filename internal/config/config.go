// Package config loads posync configuration from defaults, an optional
// config file and POSYNC_* environment variables.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/kimhsiao/posync/backend/internal/errors"
	"github.com/kimhsiao/posync/backend/internal/logging"
)

// EnvPrefix is the prefix of environment overrides, e.g. POSYNC_REMOTE_BASE_URL.
const EnvPrefix = "POSYNC"

// FileName is the config file name searched for without extension.
const FileName = "posync"

// Config is the complete runtime configuration.
type Config struct {
	DataDir      string             `mapstructure:"data_dir"`
	TenantID     string             `mapstructure:"tenant_id"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Log          LogConfig          `mapstructure:"log"`
	Desktop      DesktopConfig      `mapstructure:"desktop"`
}

// RemoteConfig describes the transaction-creation endpoint.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Path    string        `mapstructure:"path"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig controls the scheduler and retry backoff.
type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// ConnectivityConfig controls the reachability prober.
// An empty ProbeURL probes the remote base URL.
type ConnectivityConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DesktopConfig controls the desktop shell's local API.
type DesktopConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "posync")
	}
	return ".posync"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("tenant_id", "")

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.path", "/api/v1/transactions")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.timeout", 15*time.Second)

	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.backoff_base", 5*time.Second)
	v.SetDefault("sync.backoff_max", 5*time.Minute)

	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", 10*time.Second)
	v.SetDefault("connectivity.probe_timeout", 3*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("desktop.listen_addr", "127.0.0.1:8765")
}

// Loader reads configuration with viper and can watch the file for changes.
type Loader struct {
	v    *viper.Viper
	once sync.Once
}

// NewLoader creates a Loader. When configFile is empty, posync.{yaml,json,toml}
// is searched for in the default data directory and the working directory.
func NewLoader(configFile string) *Loader {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(DefaultDataDir())
		v.AddConfigPath(".")
	}
	return &Loader{v: v}
}

// Load reads the config file, if any, and returns the validated configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !stderrors.As(err, &notFound) {
			return nil, errors.Wrap(errors.ErrConfig, "failed to read config file", err)
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "failed to decode config", err)
	}
	return &cfg, nil
}

// Override sets key above every other source, e.g. a data directory chosen
// by the host app.
func (l *Loader) Override(key string, value interface{}) {
	l.v.Set(key, value)
}

// ConfigFileUsed returns the path of the config file that was read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Watch calls onChange with the reloaded configuration whenever the config
// file is written. Invalid reloads are logged and skipped. Watch is a no-op
// when no config file was read.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.once.Do(func() {
		l.v.OnConfigChange(func(event fsnotify.Event) {
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				return
			}
			cfg, err := l.decode()
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				logging.Warn("Ignoring invalid config reload", map[string]interface{}{
					"file":  event.Name,
					"error": err.Error(),
				})
				return
			}
			logging.Info("Config reloaded", map[string]interface{}{"file": event.Name})
			onChange(cfg)
		})
		l.v.WatchConfig()
	})
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.DataDir) == "" {
		problems = append(problems, "data_dir is empty")
	}
	if strings.TrimSpace(c.Remote.BaseURL) == "" {
		problems = append(problems, "remote.base_url is empty")
	}
	if c.Remote.Timeout <= 0 {
		problems = append(problems, "remote.timeout must be positive")
	}
	if c.Sync.Interval <= 0 {
		problems = append(problems, "sync.interval must be positive")
	}
	if c.Sync.BackoffBase <= 0 {
		problems = append(problems, "sync.backoff_base must be positive")
	}
	if c.Sync.BackoffMax < c.Sync.BackoffBase {
		problems = append(problems, "sync.backoff_max must not be below sync.backoff_base")
	}
	if c.Connectivity.ProbeInterval <= 0 {
		problems = append(problems, "connectivity.probe_interval must be positive")
	}
	if c.Connectivity.ProbeTimeout <= 0 {
		problems = append(problems, "connectivity.probe_timeout must be positive")
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrConfig, fmt.Sprintf("invalid config: %s", strings.Join(problems, "; ")))
	}
	return nil
}

// ProbeTarget returns the URL the connectivity prober checks.
func (c *Config) ProbeTarget() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return c.Remote.BaseURL
}

// LoggingOptions converts the log section for logging.Setup.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      logging.ParseLevel(c.Log.Level),
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

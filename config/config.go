package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "relaychat"
	// EnvPrefix prefixes environment overrides, e.g. RELAYCHAT_RELAY_URL.
	EnvPrefix = "RELAYCHAT"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "RELAYCHAT_DATA_DIR"

	PendingFail = "fail"
	PendingKeep = "keep"

	LogFormatText = "text"
	LogFormatJSON = "json"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	walletDirName  = "wallets"
)

var defaultReconnectBackoff = []string{"0s", "5s", "15s", "60s"}

// Config contains persistent client settings.
type Config struct {
	ClientID            string          `mapstructure:"client_id"`
	RelayURL            string          `mapstructure:"relay_url"`
	DiscoverRelay       bool            `mapstructure:"discover_relay"`
	WalletDir           string          `mapstructure:"wallet_dir"`
	TickInterval        time.Duration   `mapstructure:"tick_interval"`
	DeferredFetchDelay  time.Duration   `mapstructure:"deferred_fetch_delay"`
	WalletTTL           time.Duration   `mapstructure:"wallet_ttl"`
	PendingOnDisconnect string          `mapstructure:"pending_on_disconnect"`
	LogLevel            string          `mapstructure:"log_level"`
	LogFormat           string          `mapstructure:"log_format"`
	ReconnectBackoff    []time.Duration `mapstructure:"reconnect_backoff"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If RELAYCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, walletDirName),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads config.json and applies RELAYCHAT_ environment overrides.
func Load(path string) (*Config, error) {
	return load(path, true)
}

// Save writes cfg to path as JSON.
func Save(path string, cfg *Config) error {
	v := viper.New()
	v.SetConfigType("json")
	v.Set("client_id", cfg.ClientID)
	v.Set("relay_url", cfg.RelayURL)
	v.Set("discover_relay", cfg.DiscoverRelay)
	v.Set("wallet_dir", cfg.WalletDir)
	v.Set("tick_interval", cfg.TickInterval.String())
	v.Set("deferred_fetch_delay", cfg.DeferredFetchDelay.String())
	v.Set("wallet_ttl", cfg.WalletTTL.String())
	v.Set("pending_on_disconnect", cfg.PendingOnDisconnect)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("reconnect_backoff", durationStrings(cfg.ReconnectBackoff))

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("restrict config permissions: %w", err)
	}
	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the
// effective configuration and its path. Environment overrides apply to the
// returned value but are never persisted.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	_, statErr := os.Stat(cfgPath)
	switch {
	case errors.Is(statErr, fs.ErrNotExist):
		stored := defaultConfig(dataDir)
		if err := Save(cfgPath, stored); err != nil {
			return nil, "", err
		}
	case statErr != nil:
		return nil, "", fmt.Errorf("stat config: %w", statErr)
	default:
		stored, err := load(cfgPath, false)
		if err != nil {
			return nil, "", err
		}
		if normalizeDefaults(stored, dataDir) {
			if err := Save(cfgPath, stored); err != nil {
				return nil, "", err
			}
		}
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		return nil, "", err
	}
	normalizeDefaults(cfg, dataDir)
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	if c.RelayURL != "" {
		parsed, err := url.Parse(c.RelayURL)
		if err != nil {
			return fmt.Errorf("relay_url: %w", err)
		}
		if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
			return fmt.Errorf("relay_url %q: scheme must be ws or wss", c.RelayURL)
		}
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", c.TickInterval)
	}
	if c.DeferredFetchDelay <= 0 {
		return fmt.Errorf("deferred_fetch_delay must be positive, got %s", c.DeferredFetchDelay)
	}
	if c.WalletTTL <= 0 {
		return fmt.Errorf("wallet_ttl must be positive, got %s", c.WalletTTL)
	}
	switch c.PendingOnDisconnect {
	case PendingFail, PendingKeep:
	default:
		return fmt.Errorf("pending_on_disconnect %q: want %q or %q", c.PendingOnDisconnect, PendingFail, PendingKeep)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("log_format %q: want %q or %q", c.LogFormat, LogFormatText, LogFormatJSON)
	}
	for _, backoff := range c.ReconnectBackoff {
		if backoff < 0 {
			return fmt.Errorf("reconnect_backoff contains negative delay %s", backoff)
		}
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func load(path string, withEnv bool) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if withEnv {
		v.SetEnvPrefix(EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("client_id", "")
	v.SetDefault("relay_url", "")
	v.SetDefault("discover_relay", false)
	v.SetDefault("wallet_dir", "")
	v.SetDefault("tick_interval", "1s")
	v.SetDefault("deferred_fetch_delay", "2s")
	v.SetDefault("wallet_ttl", "15m")
	v.SetDefault("pending_on_disconnect", PendingFail)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", LogFormatText)
	v.SetDefault("reconnect_backoff", defaultReconnectBackoff)
}

func defaultConfig(dataDir string) *Config {
	cfg := &Config{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
		updated = true
	}
	if cfg.WalletDir == "" {
		cfg.WalletDir = filepath.Join(dataDir, walletDirName)
		updated = true
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
		updated = true
	}
	if cfg.DeferredFetchDelay == 0 {
		cfg.DeferredFetchDelay = 2 * time.Second
		updated = true
	}
	if cfg.WalletTTL == 0 {
		cfg.WalletTTL = 15 * time.Minute
		updated = true
	}
	if cfg.PendingOnDisconnect == "" {
		cfg.PendingOnDisconnect = PendingFail
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
		updated = true
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = LogFormatText
		updated = true
	}
	if len(cfg.ReconnectBackoff) == 0 {
		for _, raw := range defaultReconnectBackoff {
			delay, _ := time.ParseDuration(raw)
			cfg.ReconnectBackoff = append(cfg.ReconnectBackoff, delay)
		}
		updated = true
	}

	return updated
}

func durationStrings(durations []time.Duration) []string {
	out := make([]string, 0, len(durations))
	for _, d := range durations {
		out = append(out, d.String())
	}
	return out
}

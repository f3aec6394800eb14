package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.tradesync/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Realtime ConfigRealtime `toml:"realtime"`
	API      ConfigAPI      `toml:"api"`
	Cache    ConfigCache    `toml:"cache"`
	Log      ConfigLog      `toml:"log"`
}

// ConfigDefault holds the user context.
type ConfigDefault struct {
	UserID      string `toml:"user_id"`
	UserName    string `toml:"user_name"`
	Environment string `toml:"environment"`
}

// ConfigRealtime holds connection settings.
type ConfigRealtime struct {
	URL                  string   `toml:"url"`
	ReconnectInterval    Duration `toml:"reconnect_interval"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	ConnectTimeout       Duration `toml:"connect_timeout"`
	Backoff              string   `toml:"backoff"`
}

// ConfigAPI holds REST settings.
type ConfigAPI struct {
	BaseURL string   `toml:"base_url"`
	Token   string   `toml:"token"`
	Timeout Duration `toml:"timeout"`
}

// ConfigCache holds snapshot persistence settings.
type ConfigCache struct {
	SnapshotPath string `toml:"snapshot_path"`
	RedisAddr    string `toml:"redis_addr"`
}

// ConfigLog holds logger settings.
type ConfigLog struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration stored as a string such as "3s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// ============================================================================
// Config helpers
// ============================================================================

// configDirOverride is set by tests.
var configDirOverride string

// configDir returns the path to ~/.tradesync, creating it if needed.
func configDir() (string, error) {
	dir := configDirOverride
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".tradesync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file. The --config flag
// takes precedence.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return readConfig(path)
}

func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "realtime.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. realtime.url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "user_id":
			cfg.Default.UserID = value
		case "user_name":
			cfg.Default.UserName = value
		case "environment":
			cfg.Default.Environment = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "realtime":
		switch field {
		case "url":
			cfg.Realtime.URL = value
		case "reconnect_interval":
			return cfg.Realtime.ReconnectInterval.UnmarshalText([]byte(value))
		case "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("max_reconnect_attempts must be an integer: %w", err)
			}
			cfg.Realtime.MaxReconnectAttempts = n
		case "heartbeat_interval":
			return cfg.Realtime.HeartbeatInterval.UnmarshalText([]byte(value))
		case "connect_timeout":
			return cfg.Realtime.ConnectTimeout.UnmarshalText([]byte(value))
		case "backoff":
			if value != "fixed" && value != "exponential" {
				return fmt.Errorf("backoff must be fixed or exponential, got %q", value)
			}
			cfg.Realtime.Backoff = value
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "api":
		switch field {
		case "base_url":
			cfg.API.BaseURL = value
		case "token":
			cfg.API.Token = value
		case "timeout":
			return cfg.API.Timeout.UnmarshalText([]byte(value))
		default:
			return fmt.Errorf("unknown field %q in section [api]", field)
		}
	case "cache":
		switch field {
		case "snapshot_path":
			cfg.Cache.SnapshotPath = value
		case "redis_addr":
			cfg.Cache.RedisAddr = value
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, realtime, api, cache, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "tradesync",
	Short: "Trade information realtime sync CLI",
	Long: "Command-line interface for the tradesync client.\n" +
		"Watch realtime events, inspect the dashboard cache and run a local mock server.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.tradesync/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

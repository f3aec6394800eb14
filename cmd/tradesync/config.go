package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/tradesync"
)

var flagShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&flagShowRaw, "raw", false, "print the TOML file unchanged")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage tradesync configuration",
	Long:  "View or modify the tradesync CLI configuration stored in ~/.tradesync/config.toml.",
}

// configRow is one effective setting. Unset fields carry the value the
// client falls back to.
type configRow struct {
	Key      string
	Value    string
	Fallback bool
}

type configSection struct {
	Name string
	Rows []configRow
}

func setting(key, value, fallback string) configRow {
	if value == "" {
		return configRow{Key: key, Value: fallback, Fallback: true}
	}
	return configRow{Key: key, Value: value}
}

func durationSetting(key string, d Duration, fallback time.Duration) configRow {
	if d == 0 {
		return configRow{Key: key, Value: fallback.String(), Fallback: true}
	}
	return configRow{Key: key, Value: time.Duration(d).String()}
}

// effectiveConfig resolves cfg into the values the CLI actually runs with.
func effectiveConfig(cfg *Config) []configSection {
	attempts := configRow{Key: "max_reconnect_attempts", Value: "5", Fallback: true}
	if n := cfg.Realtime.MaxReconnectAttempts; n != 0 {
		attempts = configRow{Key: "max_reconnect_attempts", Value: strconv.Itoa(n)}
		if n < 0 {
			attempts.Value += " (reconnect disabled)"
		}
	}
	token := configRow{Key: "token", Value: "(not set)", Fallback: true}
	if cfg.API.Token != "" {
		token = configRow{Key: "token", Value: maskKey(cfg.API.Token)}
	}

	return []configSection{
		{Name: "default", Rows: []configRow{
			setting("user_id", cfg.Default.UserID, "(not set)"),
			setting("user_name", cfg.Default.UserName, "(not set)"),
			setting("environment", cfg.Default.Environment, "development"),
		}},
		{Name: "realtime", Rows: []configRow{
			setting("url", cfg.Realtime.URL, tradesync.DefaultURL),
			durationSetting("reconnect_interval", cfg.Realtime.ReconnectInterval, 3*time.Second),
			attempts,
			durationSetting("heartbeat_interval", cfg.Realtime.HeartbeatInterval, 30*time.Second),
			durationSetting("connect_timeout", cfg.Realtime.ConnectTimeout, 10*time.Second),
			setting("backoff", cfg.Realtime.Backoff, string(tradesync.BackoffFixed)),
		}},
		{Name: "api", Rows: []configRow{
			setting("base_url", cfg.API.BaseURL, "http://localhost:8080"),
			token,
			durationSetting("timeout", cfg.API.Timeout, tradesync.DefaultAPITimeout),
		}},
		{Name: "cache", Rows: []configRow{
			setting("snapshot_path", cfg.Cache.SnapshotPath, "~/.tradesync/snapshots.db"),
			setting("redis_addr", cfg.Cache.RedisAddr, "(sqlite only)"),
		}},
		{Name: "log", Rows: []configRow{
			setting("level", cfg.Log.Level, "info"),
		}},
	}
}

func printConfig(w io.Writer, path string, sections []configSection) {
	fmt.Fprintf(w, "Config file: %s\n", path)
	for _, s := range sections {
		fmt.Fprintf(w, "\n[%s]\n", s.Name)
		for _, r := range s.Rows {
			suffix := ""
			if r.Fallback {
				suffix = "  (default)"
			}
			fmt.Fprintf(w, "  %-24s %s%s\n", r.Key, r.Value, suffix)
		}
	}
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print every configuration section with the values in effect. Unset fields show the default they fall back to.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintln(out, "No configuration file found. Run 'tradesync init <user-id>' to create one.")
			return nil
		}
		if flagShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Fprint(out, string(data))
			return nil
		}
		cfg, err := readConfig(path)
		if err != nil {
			return err
		}
		printConfig(out, path, effectiveConfig(cfg))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: tradesync config set realtime.url ws://localhost:8080/ws",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/tradesync"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("url", tradesync.DefaultURL, "realtime WebSocket URL")
	initCmd.Flags().String("api", "http://localhost:8080", "REST API base URL")
}

var initCmd = &cobra.Command{
	Use:   "init <user-id>",
	Short: "Store the user and endpoints in ~/.tradesync/config.toml",
	Long:  "Initialize the tradesync CLI by storing the user id and server endpoints in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.UserID = args[0]
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "development"
		}
		if u, _ := cmd.Flags().GetString("url"); u != "" && (cfg.Realtime.URL == "" || cmd.Flags().Changed("url")) {
			cfg.Realtime.URL = u
		}
		if a, _ := cmd.Flags().GetString("api"); a != "" && (cfg.API.BaseURL == "" || cmd.Flags().Changed("api")) {
			cfg.API.BaseURL = a
		}
		if cfg.Log.Level == "" {
			cfg.Log.Level = "info"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", path)
		return nil
	},
}

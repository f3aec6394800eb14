package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/tradesync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and offline snapshot availability",
	Long:  "Display the current configuration, the data types available offline from persisted snapshots and whether the API answers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		// Print config summary.
		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  User:        %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		fmt.Fprintf(out, "  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Fprintf(out, "  Realtime:    %s\n", valueOrDefault(cfg.Realtime.URL, tradesync.DefaultURL))
		fmt.Fprintf(out, "  API:         %s\n", valueOrDefault(cfg.API.BaseURL, "http://localhost:8080"))
		if cfg.API.Token != "" {
			fmt.Fprintf(out, "  Token:       %s\n", maskKey(cfg.API.Token))
		} else {
			fmt.Fprintln(out, "  Token:       (not set)")
		}
		fmt.Fprintf(out, "  Backoff:     %s\n", valueOrDefault(cfg.Realtime.Backoff, string(tradesync.BackoffFixed)))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Offline data:")
		store, closeStore, err := openSnapshots(ctx, cfg)
		if err != nil {
			fmt.Fprintf(out, "  Error opening snapshot store: %v\n", err)
		} else {
			defer closeStore()
			network := tradesync.NewNetworkMonitor(nil)
			queries := tradesync.NewQueryCache(tradesync.CacheConfig{Network: network, Snapshots: store})
			n, err := queries.Restore(ctx)
			if err != nil {
				fmt.Fprintf(out, "  Error loading snapshots: %v\n", err)
			}
			fmt.Fprintf(out, "  Snapshots:   %d\n", n)
			dash := tradesync.NewDashboardCache(queries, network, tradesync.DashboardConfig{})
			available := dash.AvailableOfflineData()
			for _, t := range tradesync.DashboardDataTypes {
				mark := "no"
				if available[t] {
					mark = "yes"
				}
				fmt.Fprintf(out, "  %-14s %s\n", string(t)+":", mark)
			}
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		base := valueOrDefault(cfg.API.BaseURL, "http://localhost:8080")
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Fprintf(out, "  API unreachable: %v\n", err)
			return nil
		}
		resp.Body.Close()
		fmt.Fprintf(out, "  API:         %s\n", resp.Status)
		return nil
	},
}

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/tradesync"
)

func init() {
	rootCmd.AddCommand(dashboardCmd)
	dashboardCmd.Flags().Bool("json", false, "print the view model as JSON")
	dashboardCmd.Flags().Bool("offline", false, "serve from persisted snapshots without touching the network")
	dashboardCmd.Flags().Duration("timeout", 15*time.Second, "overall timeout")
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Print the aggregated dashboard metrics",
	Long:  "Load the bookmarks and dashboard summary queries, combine them and print the resulting view model with its data source.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		user, err := userFrom(cfg)
		if err != nil {
			return err
		}
		log, _, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		client, cleanup, err := newClient(ctx, cfg, clientConfig(cfg), log, nil)
		if err != nil {
			return err
		}
		defer cleanup()

		if _, err := client.Queries().Restore(ctx); err != nil {
			log.Warn("restore snapshots", zap.Error(err))
		}
		if offline, _ := cmd.Flags().GetBool("offline"); offline {
			client.Network().SetOnline(false)
		}

		view := client.DashboardMetrics(user.ID).Load(ctx)
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		}
		printView(cmd.OutOrStdout(), view)
		return nil
	},
}

func printView(w io.Writer, v tradesync.MetricsView) {
	fmt.Fprintf(w, "Source:             %s\n", v.Source)
	fmt.Fprintf(w, "Total bookmarks:    %d\n", v.TotalBookmarks)
	fmt.Fprintf(w, "Active monitoring:  %d\n", v.ActiveMonitoring)
	fmt.Fprintf(w, "Unread feeds:       %d\n", v.UnreadFeeds)
	fmt.Fprintf(w, "Sessions:           %d total, %d active, %d completed\n",
		v.TotalSessions, v.ActiveSessions, v.CompletedSessions)
	if v.Error != nil {
		kind := "error"
		if v.HasPartialError {
			kind = "partial error"
		}
		fmt.Fprintf(w, "%-20s%s (%s, retryable=%t)\n", kind+":", v.Error.Message, v.Error.Type, v.Error.Retryable)
		fmt.Fprintf(w, "Failed queries:     %v\n", v.Failed)
	}
	if len(v.Bookmarks) > 0 {
		fmt.Fprintln(w, "Bookmarks:")
		for _, b := range v.Bookmarks {
			mon := " "
			if b.MonitoringEnabled {
				mon = "*"
			}
			fmt.Fprintf(w, "  %s %-10s %s\n", mon, b.Type, b.Title)
		}
	}
}

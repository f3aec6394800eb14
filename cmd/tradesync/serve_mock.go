package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/tradesync/internal/mockserver"
)

func init() {
	rootCmd.AddCommand(serveMockCmd)
	serveMockCmd.Flags().String("addr", ":8080", "listen address")
	serveMockCmd.Flags().Duration("interval", 5*time.Second, "interval between generated events (0 disables)")
	serveMockCmd.Flags().Duration("heartbeat", 30*time.Second, "server heartbeat interval (0 disables)")
	serveMockCmd.Flags().String("secret", "", "HMAC secret required on /publish")
	serveMockCmd.Flags().Int64("seed", 0, "random seed (0 uses the clock)")
	serveMockCmd.Flags().StringSlice("fail", nil, "make an endpoint fail, e.g. summary=500 or bookmarks=403")
}

var serveMockCmd = &cobra.Command{
	Use:   "serve-mock",
	Short: "Run a local mock realtime and REST server",
	Long: "Serve the realtime protocol on /ws, the dashboard REST API on /api and a signed /publish endpoint.\n" +
		"Random events of every type are pushed to connected clients on an interval.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log, _, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()

		addr, _ := cmd.Flags().GetString("addr")
		interval, _ := cmd.Flags().GetDuration("interval")
		heartbeat, _ := cmd.Flags().GetDuration("heartbeat")
		secret, _ := cmd.Flags().GetString("secret")
		seed, _ := cmd.Flags().GetInt64("seed")
		faults, _ := cmd.Flags().GetStringSlice("fail")

		srv := mockserver.New(mockserver.Config{
			Addr:              addr,
			Interval:          interval,
			HeartbeatInterval: heartbeat,
			Secret:            secret,
			Seed:              seed,
			Logger:            log,
		})
		for _, f := range faults {
			name, status, err := parseFault(f)
			if err != nil {
				return err
			}
			srv.Fail(name, status)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		fmt.Fprintf(cmd.OutOrStdout(), "Mock server on %s (ws: /ws, publish: /publish, api: /api)\n", addr)
		return srv.Run(ctx)
	},
}

func parseFault(s string) (string, int, error) {
	name, code, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return "", 0, fmt.Errorf("invalid --fail %q, want name=status", s)
	}
	status, err := strconv.Atoi(code)
	if err != nil || status < 100 || status > 599 {
		return "", 0, fmt.Errorf("invalid status in --fail %q", s)
	}
	return name, status, nil
}

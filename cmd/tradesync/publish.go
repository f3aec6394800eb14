package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/tradesync"
	"github.com/LuminPulse-AI/tradesync/internal/mockserver"
)

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().String("server", "http://localhost:8080", "mock server base URL")
	publishCmd.Flags().String("secret", "", "HMAC secret for the signature header")
	publishCmd.Flags().String("correlation-id", "", "correlation id (generated when empty)")
}

var publishCmd = &cobra.Command{
	Use:   "publish <type> <payload-json>",
	Short: "Publish an event through the mock server",
	Long: "Validate an event payload locally and POST it, signed, to the mock server's /publish endpoint.\n" +
		`Example: tradesync publish exchange_rate_update '{"currency":"USD","rate":1385.2}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env := tradesync.Envelope{
			Type:      tradesync.EventType(args[0]),
			Payload:   []byte(args[1]),
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}
		if _, err := tradesync.DecodeEvent(env); err != nil {
			return err
		}
		env.CorrelationID, _ = cmd.Flags().GetString("correlation-id")
		if env.CorrelationID == "" {
			env.CorrelationID = tradesync.NewCorrelationID()
		}
		body, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("encode envelope: %w", err)
		}

		server, _ := cmd.Flags().GetString("server")
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/publish", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if secret, _ := cmd.Flags().GetString("secret"); secret != "" {
			req.Header.Set(mockserver.SignatureHeader, mockserver.Sign(body, secret))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		out, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("publish failed: %s: %s", resp.Status, strings.TrimSpace(string(out)))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s", out)
		return nil
	},
}

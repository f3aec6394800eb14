package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/tradesync"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("status-addr", "", "serve /healthz, /status, /cache and /metrics on this address")
	watchCmd.Flags().Bool("json", false, "print events as JSON lines")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and print realtime events",
	Long: "Run the full sync pipeline: connect to the realtime endpoint, dispatch events to the stores,\n" +
		"invalidate the dashboard cache and print every event until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		user, err := userFrom(cfg)
		if err != nil {
			return err
		}
		log, level, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		out := cmd.OutOrStdout()
		asJSON, _ := cmd.Flags().GetBool("json")

		c := clientConfig(cfg)
		c.Notices.Sink = func(n tradesync.Notice) {
			fmt.Fprintf(out, "[notice] %s %s: %s\n", n.Severity, n.Title, n.Body)
		}
		client, cleanup, err := newClient(ctx, cfg, c, log, reg)
		if err != nil {
			return err
		}
		defer cleanup()

		for _, t := range tradesync.DispatchableEvents {
			defer client.Connection().Subscribe(t, func(env tradesync.Envelope) {
				printEvent(out, env, asJSON)
			})()
		}
		defer client.Connection().OnStatusChange(func(s tradesync.ConnectionStatus) {
			fmt.Fprintf(out, "[status] %s\n", s)
		})()

		if path, err := configPath(); err == nil && flagLogLevel == "" {
			if err := watchLogLevel(ctx, path, level, log); err != nil {
				log.Warn("config hot reload disabled", zap.Error(err))
			}
		}

		if addr, _ := cmd.Flags().GetString("status-addr"); addr != "" {
			srv := &http.Server{Addr: addr, Handler: statusRouter(client, reg), ReadHeaderTimeout: 10 * time.Second}
			go func() {
				log.Info("status server listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("status server", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		if err := client.Start(ctx, user); err != nil {
			fmt.Fprintf(out, "[status] starting offline: %v\n", err)
		}
		<-ctx.Done()
		return nil
	},
}

func printEvent(w io.Writer, env tradesync.Envelope, asJSON bool) {
	if asJSON {
		data, err := json.Marshal(env)
		if err == nil {
			fmt.Fprintln(w, string(data))
		}
		return
	}
	ev, err := tradesync.DecodeEvent(env)
	if err != nil {
		fmt.Fprintf(w, "%s %-20s (invalid: %v)\n", env.Timestamp, env.Type, err)
		return
	}
	fmt.Fprintf(w, "%s %-20s %s\n", env.Timestamp, env.Type, describe(ev))
}

func describe(ev tradesync.Event) string {
	switch e := ev.(type) {
	case tradesync.AnalysisProgressPayload:
		return fmt.Sprintf("session=%s status=%s progress=%d%%", e.SessionID, e.Status, e.Progress)
	case tradesync.MonitoringAlertPayload:
		return fmt.Sprintf("[%s] %s", e.Severity, e.Title)
	case tradesync.BookmarkChangePayload:
		return fmt.Sprintf("%s %s", e.Action, e.BookmarkID)
	case tradesync.SystemNotificationPayload:
		return fmt.Sprintf("[%s] %s", e.Level, e.Title)
	case tradesync.NewsUpdatePayload:
		return fmt.Sprintf("%s %q", e.Action, e.Article.Title)
	case tradesync.ExchangeRateUpdatePayload:
		return fmt.Sprintf("%s %.2f (%+.2f%%)", e.Currency, e.Rate, e.ChangePercent)
	}
	return ""
}

// statusRouter exposes the client's connection and cache state.
func statusRouter(client *tradesync.Client, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, client.Connection().Stats())
	})
	r.Get("/cache", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, client.Dashboard().CacheStatus())
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// watchLogLevel applies [log] level changes from the config file to level
// until ctx is done.
func watchLogLevel(ctx context.Context, path string, level zap.AtomicLevel, log *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Editors replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce.Reset(200 * time.Millisecond)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error("config watcher error", zap.Error(err))
			case <-debounce.C:
				cfg, err := readConfig(path)
				if err != nil {
					log.Warn("reload config", zap.Error(err))
					continue
				}
				next := tradesync.ParseLogLevel(valueOrDefault(cfg.Log.Level, "info"))
				if next != level.Level() {
					level.SetLevel(next)
					log.Info("log level changed", zap.String("level", next.String()))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

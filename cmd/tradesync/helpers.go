package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/tradesync"
)

// logLevel resolves the effective level: flag, then config, then info.
func logLevel(cfg *Config) string {
	if flagLogLevel != "" {
		return flagLogLevel
	}
	return valueOrDefault(cfg.Log.Level, "info")
}

func newLogger(cfg *Config) (*zap.Logger, zap.AtomicLevel, error) {
	return tradesync.NewLogger(tradesync.LogConfig{
		Environment: valueOrDefault(cfg.Default.Environment, "development"),
		Level:       logLevel(cfg),
		ServiceName: "tradesync-cli",
	})
}

// clientConfig maps the file configuration onto the library configuration.
func clientConfig(cfg *Config) tradesync.Config {
	return tradesync.Config{
		Realtime: tradesync.RealtimeConfig{
			URL:                  cfg.Realtime.URL,
			ReconnectInterval:    time.Duration(cfg.Realtime.ReconnectInterval),
			MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
			HeartbeatInterval:    time.Duration(cfg.Realtime.HeartbeatInterval),
			ConnectTimeout:       time.Duration(cfg.Realtime.ConnectTimeout),
			Backoff:              tradesync.BackoffStrategy(cfg.Realtime.Backoff),
		},
		API: tradesync.APIConfig{
			BaseURL: valueOrDefault(cfg.API.BaseURL, "http://localhost:8080"),
			Token:   cfg.API.Token,
			Timeout: time.Duration(cfg.API.Timeout),
		},
		Notices: tradesync.NoticeConfig{Permission: tradesync.PermissionGranted},
	}
}

// openSnapshots opens the configured snapshot store: Redis when an address
// is set, otherwise SQLite under the config directory.
func openSnapshots(ctx context.Context, cfg *Config) (tradesync.SnapshotStore, func() error, error) {
	if cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis %s: %w", cfg.Cache.RedisAddr, err)
		}
		return tradesync.NewRedisSnapshotStore(rdb, tradesync.DefaultRedisSnapshotKey, 24*time.Hour), rdb.Close, nil
	}

	path := cfg.Cache.SnapshotPath
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, nil, err
		}
		path = filepath.Join(dir, "snapshots.db")
	}
	store, err := tradesync.OpenSQLiteSnapshotStore(path)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// newClient builds a client with the snapshot store of the config file. The
// returned cleanup closes the client and the store. A nil reg disables
// metrics.
func newClient(ctx context.Context, cfg *Config, c tradesync.Config, log *zap.Logger, reg prometheus.Registerer, opts ...tradesync.ClientOption) (*tradesync.Client, func(), error) {
	store, closeStore, err := openSnapshots(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	opts = append([]tradesync.ClientOption{
		tradesync.WithLogger(log),
		tradesync.WithSnapshotStore(store),
	}, opts...)
	if reg != nil {
		opts = append(opts, tradesync.WithMetrics(tradesync.NewMetrics(reg)))
	}
	client := tradesync.NewClient(c, opts...)
	cleanup := func() {
		client.Close()
		if err := closeStore(); err != nil {
			log.Warn("close snapshot store", zap.Error(err))
		}
	}
	return client, cleanup, nil
}

func userFrom(cfg *Config) (tradesync.User, error) {
	if cfg.Default.UserID == "" {
		return tradesync.User{}, fmt.Errorf("no user configured; run 'tradesync init <user-id>' first")
	}
	return tradesync.User{ID: cfg.Default.UserID, Name: cfg.Default.UserName}, nil
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

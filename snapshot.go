package tradesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"
)

// Snapshot is the persisted last-known-good value of one query.
type Snapshot struct {
	Key       QueryKey        `json:"key"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// SnapshotStore persists query snapshots across restarts.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s Snapshot) error
	LoadSnapshots(ctx context.Context) ([]Snapshot, error)
	DeleteSnapshot(ctx context.Context, key QueryKey) error
}

// ============================================================================
// SQLite
// ============================================================================

// SQLiteSnapshotStore keeps snapshots in a local SQLite file.
type SQLiteSnapshotStore struct {
	db   *sql.DB
	path string
}

// OpenSQLiteSnapshotStore opens (and creates if needed) the database at path.
func OpenSQLiteSnapshotStore(path string) (*SQLiteSnapshotStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
		CREATE TABLE IF NOT EXISTS snapshots (
			key        TEXT PRIMARY KEY,
			key_parts  TEXT NOT NULL,
			data       BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteSnapshotStore{db: db, path: path}, nil
}

func (s *SQLiteSnapshotStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	parts, err := codec.Marshal([]string(snap.Key))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (key, key_parts, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		snap.Key.String(), string(parts), []byte(snap.Data), snap.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteSnapshotStore) LoadSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_parts, data, updated_at FROM snapshots ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var parts string
		var data []byte
		var updated int64
		if err := rows.Scan(&parts, &data, &updated); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var key []string
		if err := codec.UnmarshalFromString(parts, &key); err != nil {
			return nil, fmt.Errorf("decode snapshot key: %w", err)
		}
		out = append(out, Snapshot{
			Key:       key,
			Data:      json.RawMessage(data),
			UpdatedAt: time.UnixMilli(updated),
		})
	}
	return out, rows.Err()
}

func (s *SQLiteSnapshotStore) DeleteSnapshot(ctx context.Context, key QueryKey) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE key = ?`, key.String()); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteSnapshotStore) Path() string { return s.path }

// Close closes the database connection.
func (s *SQLiteSnapshotStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ============================================================================
// Redis
// ============================================================================

// DefaultRedisSnapshotKey is the hash holding every snapshot.
const DefaultRedisSnapshotKey = "tradesync:snapshots"

// RedisSnapshotStore keeps snapshots in one Redis hash, so several
// processes can share a last-known-good view.
type RedisSnapshotStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisSnapshotStore uses hashKey (DefaultRedisSnapshotKey when empty).
// A positive ttl expires the whole hash after the last write.
func NewRedisSnapshotStore(client *redis.Client, hashKey string, ttl time.Duration) *RedisSnapshotStore {
	if hashKey == "" {
		hashKey = DefaultRedisSnapshotKey
	}
	return &RedisSnapshotStore{client: client, key: hashKey, ttl: ttl}
}

func (s *RedisSnapshotStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	data, err := codec.Marshal(snap)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key, snap.Key.String(), data)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *RedisSnapshotStore) LoadSnapshots(ctx context.Context) ([]Snapshot, error) {
	vals, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	out := make([]Snapshot, 0, len(vals))
	for field, v := range vals {
		var snap Snapshot
		if err := codec.UnmarshalFromString(v, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", field, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *RedisSnapshotStore) DeleteSnapshot(ctx context.Context, key QueryKey) error {
	if err := s.client.HDel(ctx, s.key, key.String()).Err(); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

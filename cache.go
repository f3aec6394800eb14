package tradesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrNoOfflineData is returned by reads made while offline for keys that
// have never been fetched.
var ErrNoOfflineData = errors.New("no offline data available")

// ============================================================================
// Keys and Options
// ============================================================================

// QueryKey identifies a cached query. Keys are compared element-wise and
// grouped by prefix.
type QueryKey []string

// String returns the stable hash used to index the cache.
func (k QueryKey) String() string {
	s, err := codec.MarshalToString([]string(k))
	if err != nil {
		return strings.Join(k, "\x00")
	}
	return s
}

// HasPrefix reports whether k starts with every element of prefix.
func (k QueryKey) HasPrefix(prefix QueryKey) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// QueryOptions is the per-query cache policy.
type QueryOptions struct {
	// StaleTime is how long fetched data counts as fresh. Zero means
	// always stale: every read refetches.
	StaleTime time.Duration
	// GCTime is how long an unobserved entry is kept.
	GCTime time.Duration
	// Retry is the number of retries after the first failed fetch. Zero
	// takes the default; a negative value disables retries.
	Retry       int
	RetryDelay  time.Duration
	ShouldRetry func(error) bool
}

func (o QueryOptions) withDefaults(d QueryOptions) QueryOptions {
	if o.StaleTime == 0 {
		o.StaleTime = d.StaleTime
	}
	if o.GCTime == 0 {
		o.GCTime = d.GCTime
	}
	if o.Retry == 0 {
		o.Retry = d.Retry
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = d.ShouldRetry
	}
	if o.GCTime == 0 {
		o.GCTime = 5 * time.Minute
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = func(error) bool { return true }
	}
	return o
}

// FetchFunc loads the data for one query.
type FetchFunc func(ctx context.Context) (any, error)

// Source tells where a read was served from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

// QueryResult is the outcome of a cache read.
type QueryResult struct {
	Data      any
	Source    Source
	UpdatedAt time.Time
	Stale     bool
}

// QueryInfo describes one cache entry.
type QueryInfo struct {
	Key         QueryKey  `json:"key"`
	HasData     bool      `json:"hasData"`
	Stale       bool      `json:"stale"`
	Invalidated bool      `json:"invalidated"`
	Fetching    bool      `json:"fetching"`
	Observers   int       `json:"observers"`
	UpdatedAt   time.Time `json:"updatedAt"`
	ErrorCount  int       `json:"errorCount"`
	LastError   string    `json:"lastError,omitempty"`
}

// OnlineChecker reports network availability.
type OnlineChecker interface {
	Online() bool
}

// CacheConfig configures a QueryCache.
type CacheConfig struct {
	Defaults  QueryOptions
	Network   OnlineChecker
	Snapshots SnapshotStore
	Logger    *zap.Logger
	Metrics   *Metrics
}

// ============================================================================
// Query Cache
// ============================================================================

type entry struct {
	key         QueryKey
	hash        string
	data        any
	hasData     bool
	updatedAt   time.Time
	invalidated bool
	opts        QueryOptions
	fetch       FetchFunc
	fetching    bool
	observers   int
	gcTimer     *time.Timer
	errCount    int
	lastErr     error

	// gen counts invalidations so a fetch started before one cannot mark
	// the entry fresh.
	gen uint64
}

func (e *entry) stale(now time.Time) bool {
	return !e.hasData || e.invalidated || now.Sub(e.updatedAt) >= e.opts.StaleTime
}

// QueryCache is a keyed cache with per-key single-flight fetching, stale
// and garbage-collect windows, retries and an offline fallback.
type QueryCache struct {
	cfg     CacheConfig
	log     *zap.Logger
	metrics *Metrics
	group   singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
}

func NewQueryCache(cfg CacheConfig) *QueryCache {
	cfg.Logger = nopIfNil(cfg.Logger)
	return &QueryCache{
		cfg:     cfg,
		log:     cfg.Logger.With(zap.String("component", "cache")),
		metrics: cfg.Metrics,
		entries: make(map[string]*entry),
	}
}

func (q *QueryCache) online() bool {
	return q.cfg.Network == nil || q.cfg.Network.Online()
}

func (q *QueryCache) entryLocked(key QueryKey, opts QueryOptions) *entry {
	h := key.String()
	e, ok := q.entries[h]
	if !ok {
		e = &entry{key: append(QueryKey(nil), key...), hash: h, opts: opts}
		q.entries[h] = e
	}
	return e
}

// Get returns the cached value for key when it is fresh and otherwise
// fetches it. Concurrent reads of one key share a single fetch.
//
// While offline, Get never calls fetch: it returns the cached value with
// SourceOffline, or ErrNoOfflineData when nothing was ever cached.
func (q *QueryCache) Get(ctx context.Context, key QueryKey, fetch FetchFunc, opts QueryOptions) (QueryResult, error) {
	opts = opts.withDefaults(q.cfg.Defaults)
	now := time.Now()

	q.mu.Lock()
	e := q.entryLocked(key, opts)
	e.opts = opts
	e.fetch = fetch
	q.scheduleGCLocked(e)
	if !e.stale(now) {
		res := QueryResult{Data: e.data, Source: SourceCache, UpdatedAt: e.updatedAt}
		q.mu.Unlock()
		q.metrics.cacheRequest("hit")
		return res, nil
	}
	if !q.online() {
		defer q.mu.Unlock()
		if !e.hasData {
			q.metrics.cacheRequest("offline_miss")
			return QueryResult{Source: SourceOffline}, fmt.Errorf("%w: %s", ErrNoOfflineData, strings.Join(key, "/"))
		}
		q.metrics.cacheRequest("offline")
		return QueryResult{Data: e.data, Source: SourceOffline, UpdatedAt: e.updatedAt, Stale: true}, nil
	}
	q.mu.Unlock()

	q.metrics.cacheRequest("miss")
	v, err := q.fetchShared(ctx, e.hash, key, fetch, opts)
	if err != nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		if e.hasData {
			return QueryResult{Data: e.data, Source: SourceCache, UpdatedAt: e.updatedAt, Stale: true}, err
		}
		return QueryResult{}, err
	}
	q.mu.Lock()
	updated := e.updatedAt
	if cur, ok := q.entries[e.hash]; ok {
		updated = cur.updatedAt
	}
	q.mu.Unlock()
	return QueryResult{Data: v, Source: SourceNetwork, UpdatedAt: updated}, nil
}

func (q *QueryCache) fetchShared(ctx context.Context, hash string, key QueryKey, fetch FetchFunc, opts QueryOptions) (any, error) {
	ch := q.group.DoChan(hash, func() (any, error) {
		return q.run(context.WithoutCancel(ctx), key, fetch, opts)
	})
	select {
	case r := <-ch:
		if r.Shared {
			q.metrics.cacheRequest("dedup")
		}
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *QueryCache) run(ctx context.Context, key QueryKey, fetch FetchFunc, opts QueryOptions) (any, error) {
	q.mu.Lock()
	started := q.entryLocked(key, opts)
	started.fetching = true
	startGen := started.gen
	q.mu.Unlock()

	var b backoff.BackOff = &backoff.StopBackOff{}
	if opts.Retry > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = opts.RetryDelay
		eb.MaxInterval = 30 * time.Second
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = backoff.WithMaxRetries(eb, uint64(opts.Retry))
	}

	v, err := backoff.RetryWithData(func() (any, error) {
		v, err := fetch(ctx)
		if err != nil && !opts.ShouldRetry(err) {
			return nil, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithContext(b, ctx))
	q.metrics.cacheFetch(err)

	now := time.Now()
	q.mu.Lock()
	e := q.entryLocked(key, opts)
	e.fetching = false
	if err != nil {
		e.errCount++
		e.lastErr = err
		q.mu.Unlock()
		q.log.Warn("fetch failed", zap.Strings("key", key), zap.Error(err))
		return nil, err
	}
	e.data = v
	e.hasData = true
	e.updatedAt = now
	if e != started || e.gen == startGen {
		e.invalidated = false
	}
	e.errCount = 0
	e.lastErr = nil
	q.scheduleGCLocked(e)
	q.mu.Unlock()

	q.persist(ctx, key, v, now)
	return v, nil
}

func (q *QueryCache) persist(ctx context.Context, key QueryKey, v any, at time.Time) {
	if q.cfg.Snapshots == nil {
		return
	}
	raw, err := codec.Marshal(v)
	if err != nil {
		q.log.Warn("encode snapshot", zap.Strings("key", key), zap.Error(err))
		return
	}
	if err := q.cfg.Snapshots.SaveSnapshot(ctx, Snapshot{Key: key, Data: raw, UpdatedAt: at}); err != nil {
		q.log.Warn("save snapshot", zap.Strings("key", key), zap.Error(err))
	}
}

// Prefetch populates key unless it is already fresh. It does nothing while
// offline.
func (q *QueryCache) Prefetch(ctx context.Context, key QueryKey, fetch FetchFunc, opts QueryOptions) error {
	if !q.online() {
		return nil
	}
	_, err := q.Get(ctx, key, fetch, opts)
	return err
}

// SetQueryData stores data for key as freshly fetched.
func (q *QueryCache) SetQueryData(key QueryKey, data any) {
	now := time.Now()
	q.mu.Lock()
	e := q.entryLocked(key, QueryOptions{}.withDefaults(q.cfg.Defaults))
	e.data = data
	e.hasData = true
	e.updatedAt = now
	e.invalidated = false
	q.scheduleGCLocked(e)
	q.mu.Unlock()
	q.persist(context.Background(), key, data, now)
}

// GetQueryData returns the cached value for key without fetching.
func (q *QueryCache) GetQueryData(key QueryKey) (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[key.String()]
	if !ok || !e.hasData {
		return nil, false
	}
	return e.data, true
}

// Invalidate marks every entry under prefix as stale and returns how many
// entries were marked. The next read of each refetches.
func (q *QueryCache) Invalidate(prefix QueryKey) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.key.HasPrefix(prefix) {
			e.invalidated = true
			e.gen++
			n++
		}
	}
	return n
}

// Revalidate refetches, in parallel, every entry under prefix that has a
// known fetcher. Entries restored from snapshots have none and stay stale
// until read.
func (q *QueryCache) Revalidate(ctx context.Context, prefix QueryKey) error {
	if !q.online() {
		return nil
	}
	type job struct {
		key   QueryKey
		hash  string
		fetch FetchFunc
		opts  QueryOptions
	}
	q.mu.Lock()
	var jobs []job
	for _, e := range q.entries {
		if e.fetch != nil && e.key.HasPrefix(prefix) {
			jobs = append(jobs, job{key: e.key, hash: e.hash, fetch: e.fetch, opts: e.opts})
		}
	}
	q.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, j := range jobs {
		g.Go(func() error {
			_, err := q.fetchShared(gctx, j.hash, j.key, j.fetch, j.opts)
			return err
		})
	}
	return g.Wait()
}

// Observe marks key as in use. Observed entries are never collected. The
// returned function releases the observation and is idempotent.
func (q *QueryCache) Observe(key QueryKey) func() {
	q.mu.Lock()
	e := q.entryLocked(key, QueryOptions{}.withDefaults(q.cfg.Defaults))
	e.observers++
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			e.observers--
			q.scheduleGCLocked(e)
		})
	}
}

func (q *QueryCache) scheduleGCLocked(e *entry) {
	if e.observers > 0 {
		return
	}
	if e.gcTimer != nil {
		e.gcTimer.Stop()
	}
	e.gcTimer = time.AfterFunc(e.opts.GCTime, func() { q.collect(e) })
}

func (q *QueryCache) collect(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.entries[e.hash] != e || e.observers > 0 {
		return
	}
	if e.fetching {
		q.scheduleGCLocked(e)
		return
	}
	delete(q.entries, e.hash)
	q.log.Debug("collected", zap.Strings("key", e.key))
}

// Info returns the state of one entry.
func (q *QueryCache) Info(key QueryKey) (QueryInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[key.String()]
	if !ok {
		return QueryInfo{}, false
	}
	return e.info(time.Now()), true
}

// Entries returns the state of every entry, ordered by key.
func (q *QueryCache) Entries() []QueryInfo {
	now := time.Now()
	q.mu.Lock()
	out := make([]QueryInfo, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.info(now))
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func (e *entry) info(now time.Time) QueryInfo {
	i := QueryInfo{
		Key:         e.key,
		HasData:     e.hasData,
		Stale:       e.stale(now),
		Invalidated: e.invalidated,
		Fetching:    e.fetching,
		Observers:   e.observers,
		UpdatedAt:   e.updatedAt,
		ErrorCount:  e.errCount,
	}
	if e.lastErr != nil {
		i.LastError = e.lastErr.Error()
	}
	return i
}

// Remove drops one entry.
func (q *QueryCache) Remove(key QueryKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := key.String()
	if e, ok := q.entries[h]; ok {
		if e.gcTimer != nil {
			e.gcTimer.Stop()
		}
		delete(q.entries, h)
	}
}

// Clear drops every entry.
func (q *QueryCache) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for h, e := range q.entries {
		if e.gcTimer != nil {
			e.gcTimer.Stop()
		}
		delete(q.entries, h)
	}
}

// Restore loads persisted snapshots as stale entries so they can serve as
// offline data. Existing entries are left untouched.
func (q *QueryCache) Restore(ctx context.Context) (int, error) {
	if q.cfg.Snapshots == nil {
		return 0, nil
	}
	snaps, err := q.cfg.Snapshots.LoadSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshots: %w", err)
	}
	defaults := QueryOptions{}.withDefaults(q.cfg.Defaults)

	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, s := range snaps {
		h := s.Key.String()
		if _, ok := q.entries[h]; ok {
			continue
		}
		e := q.entryLocked(s.Key, defaults)
		e.data = s.Data
		e.hasData = true
		e.updatedAt = s.UpdatedAt
		e.invalidated = true
		q.scheduleGCLocked(e)
		n++
	}
	q.log.Info("restored snapshots", zap.Int("entries", n))
	return n, nil
}

// ============================================================================
// Typed Access
// ============================================================================

// Fetch is the typed form of Get. Values restored from snapshots are
// decoded into T.
func Fetch[T any](ctx context.Context, q *QueryCache, key QueryKey, fetch func(context.Context) (T, error), opts QueryOptions) (T, QueryResult, error) {
	res, err := q.Get(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}, opts)
	var zero T
	if res.Data == nil {
		return zero, res, err
	}
	v, derr := as[T](res.Data)
	if derr != nil {
		return zero, res, derr
	}
	return v, res, err
}

func as[T any](data any) (T, error) {
	var zero T
	switch v := data.(type) {
	case T:
		return v, nil
	case json.RawMessage:
		var out T
		if err := codec.Unmarshal(v, &out); err != nil {
			return zero, fmt.Errorf("decode cached value: %w", err)
		}
		return out, nil
	default:
		return zero, fmt.Errorf("cached value has type %T", data)
	}
}

package tradesync

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Domain Types
// ============================================================================

// DataType is a cache invalidation group.
type DataType string

const (
	DataBookmarks     DataType = "bookmarks"
	DataDashboard     DataType = "dashboard"
	DataNotifications DataType = "notifications"
	DataFeeds         DataType = "feeds"
	DataExchangeRates DataType = "exchangeRates"
)

// DashboardDataTypes lists every data type tracked by the dashboard.
var DashboardDataTypes = []DataType{
	DataBookmarks,
	DataDashboard,
	DataNotifications,
	DataFeeds,
	DataExchangeRates,
}

// Prefix returns the key prefix shared by every entry of t.
func (t DataType) Prefix() QueryKey { return QueryKey{string(t)} }

func BookmarksKey(userID string) QueryKey { return QueryKey{string(DataBookmarks), userID} }
func SummaryKey(userID string) QueryKey { return QueryKey{string(DataDashboard), "summary", userID} }
func NotificationsKey(userID string) QueryKey { return QueryKey{string(DataNotifications), userID} }
func FeedsKey(userID string) QueryKey { return QueryKey{string(DataFeeds), userID} }
func ExchangeRatesKey() QueryKey { return QueryKey{string(DataExchangeRates)} }

// User is the context for prefetching user-scoped data.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// DashboardSummary is the server-side dashboard aggregate.
type DashboardSummary struct {
	TotalBookmarks    int `json:"totalBookmarks"`
	ActiveMonitoring  int `json:"activeMonitoring"`
	UnreadFeeds       int `json:"unreadFeeds"`
	TotalSessions     int `json:"totalSessions"`
	ActiveSessions    int `json:"activeSessions"`
	CompletedSessions int `json:"completedSessions"`
}

// DataSource loads dashboard data from the backend.
type DataSource interface {
	Bookmarks(ctx context.Context, userID string) ([]Bookmark, error)
	DashboardSummary(ctx context.Context, userID string) (DashboardSummary, error)
	Notifications(ctx context.Context, userID string) ([]Notification, error)
	Feeds(ctx context.Context, userID string) ([]NewsArticle, error)
	ExchangeRates(ctx context.Context) ([]ExchangeRate, error)
}

// DefaultPolicies is the cache policy per data type.
var DefaultPolicies = map[DataType]QueryOptions{
	DataBookmarks:     {StaleTime: 5 * time.Minute, GCTime: 30 * time.Minute, Retry: 3},
	DataDashboard:     {StaleTime: 2 * time.Minute, GCTime: 10 * time.Minute, Retry: 2},
	DataNotifications: {StaleTime: 30 * time.Second, GCTime: 5 * time.Minute, Retry: 3},
	DataFeeds:         {StaleTime: 10 * time.Minute, GCTime: 30 * time.Minute, Retry: 2},
	DataExchangeRates: {StaleTime: time.Minute, GCTime: 10 * time.Minute, Retry: 3},
}

// ============================================================================
// Dashboard Cache
// ============================================================================

// DashboardConfig configures a DashboardCache.
type DashboardConfig struct {
	Source   DataSource
	Policies map[DataType]QueryOptions
	Logger   *zap.Logger
	Metrics  *Metrics
}

// DashboardCache layers the dashboard's domain groups, prefetching and
// offline strategy on top of a QueryCache.
type DashboardCache struct {
	cache    *QueryCache
	network  *NetworkMonitor
	source   DataSource
	policies map[DataType]QueryOptions
	log      *zap.Logger
	metrics  *Metrics
}

func NewDashboardCache(cache *QueryCache, network *NetworkMonitor, cfg DashboardConfig) *DashboardCache {
	policies := make(map[DataType]QueryOptions, len(DefaultPolicies))
	for t, p := range DefaultPolicies {
		policies[t] = p
	}
	for t, p := range cfg.Policies {
		policies[t] = p
	}
	for t, p := range policies {
		if p.ShouldRetry == nil {
			p.ShouldRetry = retryable
			policies[t] = p
		}
	}
	return &DashboardCache{
		cache:    cache,
		network:  network,
		source:   cfg.Source,
		policies: policies,
		log:      nopIfNil(cfg.Logger).With(zap.String("component", "dashboard")),
		metrics:  cfg.Metrics,
	}
}

func retryable(err error) bool { return ClassifyError(err).Retryable() }

// Cache returns the underlying query cache.
func (d *DashboardCache) Cache() *QueryCache { return d.cache }

// Policy returns the cache policy of t.
func (d *DashboardCache) Policy(t DataType) QueryOptions { return d.policies[t] }

func (d *DashboardCache) Bookmarks(ctx context.Context, userID string) ([]Bookmark, QueryResult, error) {
	return Fetch(ctx, d.cache, BookmarksKey(userID), func(ctx context.Context) ([]Bookmark, error) {
		return d.source.Bookmarks(ctx, userID)
	}, d.policies[DataBookmarks])
}

func (d *DashboardCache) Summary(ctx context.Context, userID string) (DashboardSummary, QueryResult, error) {
	return Fetch(ctx, d.cache, SummaryKey(userID), func(ctx context.Context) (DashboardSummary, error) {
		return d.source.DashboardSummary(ctx, userID)
	}, d.policies[DataDashboard])
}

func (d *DashboardCache) Notifications(ctx context.Context, userID string) ([]Notification, QueryResult, error) {
	return Fetch(ctx, d.cache, NotificationsKey(userID), func(ctx context.Context) ([]Notification, error) {
		return d.source.Notifications(ctx, userID)
	}, d.policies[DataNotifications])
}

func (d *DashboardCache) Feeds(ctx context.Context, userID string) ([]NewsArticle, QueryResult, error) {
	return Fetch(ctx, d.cache, FeedsKey(userID), func(ctx context.Context) ([]NewsArticle, error) {
		return d.source.Feeds(ctx, userID)
	}, d.policies[DataFeeds])
}

func (d *DashboardCache) ExchangeRates(ctx context.Context) ([]ExchangeRate, QueryResult, error) {
	return Fetch(ctx, d.cache, ExchangeRatesKey(), func(ctx context.Context) ([]ExchangeRate, error) {
		return d.source.ExchangeRates(ctx)
	}, d.policies[DataExchangeRates])
}

// InvalidateDataType marks every entry of t as stale and returns the number
// of entries marked.
func (d *DashboardCache) InvalidateDataType(t DataType) int {
	n := d.cache.Invalidate(t.Prefix())
	d.metrics.invalidated(t, n)
	d.log.Debug("invalidate", zap.String("data_type", string(t)), zap.Int("entries", n))
	return n
}

// InvalidateAllDashboardData invalidates every dashboard data type.
func (d *DashboardCache) InvalidateAllDashboardData() int {
	n := 0
	for _, t := range DashboardDataTypes {
		n += d.InvalidateDataType(t)
	}
	return n
}

// PrefetchAllDashboardData loads every dashboard query for user in
// parallel. It does nothing while offline.
func (d *DashboardCache) PrefetchAllDashboardData(ctx context.Context, user User) error {
	if !d.network.Online() {
		d.log.Debug("skip prefetch while offline")
		return nil
	}
	var g errgroup.Group
	g.Go(func() error { _, _, err := d.Bookmarks(ctx, user.ID); return err })
	g.Go(func() error { _, _, err := d.Summary(ctx, user.ID); return err })
	g.Go(func() error { _, _, err := d.Notifications(ctx, user.ID); return err })
	g.Go(func() error { _, _, err := d.Feeds(ctx, user.ID); return err })
	g.Go(func() error { _, _, err := d.ExchangeRates(ctx); return err })
	if err := g.Wait(); err != nil {
		d.log.Warn("prefetch incomplete", zap.String("user", user.ID), zap.Error(err))
		return err
	}
	return nil
}

// TypeStatus summarises the entries of one data type.
type TypeStatus struct {
	Entries   int       `json:"entries"`
	Stale     int       `json:"stale"`
	Fetching  int       `json:"fetching"`
	Errored   int       `json:"errored"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CacheStatus is a snapshot of cache freshness.
type CacheStatus struct {
	Online  bool                    `json:"online"`
	Entries int                     `json:"entries"`
	Fresh   int                     `json:"fresh"`
	Stale   int                     `json:"stale"`
	ByType  map[DataType]TypeStatus `json:"byType"`
}

// CacheStatus returns freshness counts overall and per data type.
func (d *DashboardCache) CacheStatus() CacheStatus {
	st := CacheStatus{Online: d.network.Online(), ByType: make(map[DataType]TypeStatus)}
	for _, info := range d.cache.Entries() {
		st.Entries++
		if info.Stale {
			st.Stale++
		} else {
			st.Fresh++
		}
		if len(info.Key) == 0 {
			continue
		}
		t := DataType(info.Key[0])
		ts := st.ByType[t]
		ts.Entries++
		if info.Stale {
			ts.Stale++
		}
		if info.Fetching {
			ts.Fetching++
		}
		if info.ErrorCount > 0 {
			ts.Errored++
		}
		if info.UpdatedAt.After(ts.UpdatedAt) {
			ts.UpdatedAt = info.UpdatedAt
		}
		st.ByType[t] = ts
	}
	return st
}

// QueryCacheInfo returns the state of the entry for key.
func (d *DashboardCache) QueryCacheInfo(key QueryKey) (QueryInfo, bool) {
	return d.cache.Info(key)
}

// OnOnline registers h for offline → online transitions.
func (d *DashboardCache) OnOnline(h func()) func() { return d.network.OnOnline(h) }

// OnOffline registers h for online → offline transitions.
func (d *DashboardCache) OnOffline(h func()) func() { return d.network.OnOffline(h) }

// SyncCacheOnReconnect marks every entry stale and refetches those with a
// known fetcher.
func (d *DashboardCache) SyncCacheOnReconnect(ctx context.Context) error {
	n := d.cache.Invalidate(nil)
	d.log.Info("re-syncing cache", zap.Int("entries", n))
	if err := d.cache.Revalidate(ctx, nil); err != nil {
		d.log.Warn("re-sync incomplete", zap.Error(err))
		return err
	}
	return nil
}

// AvailableOfflineData reports, per data type, whether a cached value exists.
func (d *DashboardCache) AvailableOfflineData() map[DataType]bool {
	out := make(map[DataType]bool, len(DashboardDataTypes))
	for _, t := range DashboardDataTypes {
		out[t] = false
	}
	for _, info := range d.cache.Entries() {
		if info.HasData && len(info.Key) > 0 {
			out[DataType(info.Key[0])] = true
		}
	}
	return out
}

// OfflineCacheConfig holds policy overrides applied while offline.
type OfflineCacheConfig struct {
	Active            bool `json:"active"`
	BackgroundRefetch bool `json:"backgroundRefetch"`
	RefetchOnConnect  bool `json:"refetchOnConnect"`
	// Retry overrides the per-type retry count; -1 keeps the policy value.
	Retry      int  `json:"retry"`
	ServeStale bool `json:"serveStale"`
}

// OfflineCacheConfig returns the overrides for the current network state.
// They are only active while offline.
func (d *DashboardCache) OfflineCacheConfig() OfflineCacheConfig {
	if d.network.Online() {
		return OfflineCacheConfig{BackgroundRefetch: true, RefetchOnConnect: true, Retry: -1}
	}
	return OfflineCacheConfig{
		Active:           true,
		RefetchOnConnect: true,
		Retry:            0,
		ServeStale:       true,
	}
}

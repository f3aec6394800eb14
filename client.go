// Package tradesync keeps a trade-information client in sync with the
// server in real time.
//
// A Client owns one WebSocket Connection, routes inbound events to domain
// stores through a Dispatcher, invalidates the affected cache groups and
// serves dashboard data from a query cache that falls back to the last
// known good values while offline.
//
// Example:
//
//	client := tradesync.NewClient(tradesync.Config{
//		Realtime: tradesync.RealtimeConfig{URL: "ws://localhost:8080/ws"},
//		API:      tradesync.APIConfig{BaseURL: "http://localhost:8080"},
//	}, tradesync.WithLogger(logger))
//	defer client.Close()
//
//	if err := client.Start(ctx, tradesync.User{ID: "user-1"}); err != nil {
//		log.Println("starting offline:", err)
//	}
//	view := client.DashboardMetrics("user-1").Load(ctx)
package tradesync

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrNotConnected is returned by Publish when the socket is not open.
var ErrNotConnected = errors.New("not connected")

// ============================================================================
// Client
// ============================================================================

// Config is the complete client configuration.
type Config struct {
	Realtime RealtimeConfig
	API      APIConfig
	Cache    QueryOptions
	Policies map[DataType]QueryOptions
	Notices  NoticeConfig
}

type clientOptions struct {
	logger    *zap.Logger
	metrics   *Metrics
	dialer    Dialer
	snapshots SnapshotStore
	network   *NetworkMonitor
	stores    *Stores
	notifier  SystemNotifier
	source    DataSource
}

// ClientOption customises NewClient.
type ClientOption func(*clientOptions)

func WithLogger(l *zap.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(o *clientOptions) { o.metrics = m }
}

func WithDialer(d Dialer) ClientOption {
	return func(o *clientOptions) { o.dialer = d }
}

func WithSnapshotStore(s SnapshotStore) ClientOption {
	return func(o *clientOptions) { o.snapshots = s }
}

func WithNetworkMonitor(n *NetworkMonitor) ClientOption {
	return func(o *clientOptions) { o.network = n }
}

// WithStores replaces the in-memory stores.
func WithStores(s Stores) ClientOption {
	return func(o *clientOptions) { o.stores = &s }
}

// WithNotifier replaces the built-in NoticeCenter.
func WithNotifier(n SystemNotifier) ClientOption {
	return func(o *clientOptions) { o.notifier = n }
}

// WithDataSource replaces the REST data source.
func WithDataSource(s DataSource) ClientOption {
	return func(o *clientOptions) { o.source = s }
}

// Client wires the connection, dispatcher, stores and caches together.
type Client struct {
	conn       *Connection
	dispatcher *Dispatcher
	queries    *QueryCache
	dashboard  *DashboardCache
	network    *NetworkMonitor
	notices    *NoticeCenter
	memory     *MemoryStores
	log        *zap.Logger

	mu         sync.Mutex
	lastStatus ConnectionStatus
	unsubs     []func()
	syncCtx    context.Context
	syncCancel context.CancelFunc
}

// NewClient builds a client. Nothing is dialed until Start or Connect.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	log := nopIfNil(o.logger)

	c := &Client{log: log, lastStatus: StatusDisconnected}
	c.syncCtx, c.syncCancel = context.WithCancel(context.Background())

	c.network = o.network
	if c.network == nil {
		c.network = NewNetworkMonitor(log)
	}

	c.queries = NewQueryCache(CacheConfig{
		Defaults:  cfg.Cache,
		Network:   c.network,
		Snapshots: o.snapshots,
		Logger:    log,
		Metrics:   o.metrics,
	})

	source := o.source
	if source == nil {
		api := cfg.API
		if api.Logger == nil {
			api.Logger = log
		}
		source = NewAPISource(api)
	}
	c.dashboard = NewDashboardCache(c.queries, c.network, DashboardConfig{
		Source:   source,
		Policies: cfg.Policies,
		Logger:   log,
		Metrics:  o.metrics,
	})

	notifier := o.notifier
	if notifier == nil {
		nc := cfg.Notices
		if nc.Logger == nil {
			nc.Logger = log
		}
		c.notices = NewNoticeCenter(nc)
		notifier = c.notices
	}

	var stores Stores
	if o.stores != nil {
		stores = *o.stores
	} else {
		c.memory = NewMemoryStores()
		stores = c.memory.Stores()
	}
	c.dispatcher = NewDispatcher(stores,
		WithDispatcherLogger(log),
		WithDispatcherMetrics(o.metrics),
		WithSystemNotifier(notifier),
		WithInvalidator(c.dashboard),
	)

	rt := cfg.Realtime
	if rt.Logger == nil {
		rt.Logger = log
	}
	if rt.Metrics == nil {
		rt.Metrics = o.metrics
	}
	if o.dialer != nil {
		rt.Dialer = o.dialer
	}
	c.conn = NewConnection(rt)
	c.dispatcher.Register(c.conn)

	c.unsubs = append(c.unsubs,
		c.conn.OnStatusChange(c.onStatus),
		c.network.OnOnline(func() { go c.resync("network online") }),
	)
	return c
}

func (c *Client) onStatus(s ConnectionStatus) {
	c.mu.Lock()
	prev := c.lastStatus
	c.lastStatus = s
	c.mu.Unlock()

	if s == StatusConnected && prev == StatusReconnecting {
		go c.resync("reconnected")
	}
}

func (c *Client) resync(reason string) {
	c.log.Info("re-syncing after reconnect", zap.String("reason", reason))
	if err := c.dashboard.SyncCacheOnReconnect(c.syncCtx); err != nil {
		c.log.Warn("re-sync failed", zap.String("reason", reason), zap.Error(err))
	}
}

// Start restores persisted snapshots, connects and prefetches the
// dashboard of user. A connect failure is returned after the prefetch so
// cached data stays usable.
func (c *Client) Start(ctx context.Context, user User) error {
	if _, err := c.queries.Restore(ctx); err != nil {
		c.log.Warn("restore snapshots", zap.Error(err))
	}
	connErr := c.conn.Connect(ctx)
	if err := c.dashboard.PrefetchAllDashboardData(ctx, user); err != nil {
		c.log.Warn("prefetch", zap.Error(err))
	}
	return connErr
}

// Connect opens the realtime connection.
func (c *Client) Connect(ctx context.Context) error { return c.conn.Connect(ctx) }

// Publish sends one event to the server.
func (c *Client) Publish(t EventType, payload any, correlationID string) error {
	if !c.conn.Send(t, payload, correlationID) {
		return ErrNotConnected
	}
	return nil
}

// Close disconnects and releases every background resource.
func (c *Client) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	c.syncCancel()
	c.dispatcher.Unregister()
	c.conn.Disconnect()
	c.network.Stop()
	if c.notices != nil {
		c.notices.Close()
	}
}

func (c *Client) Connection() *Connection { return c.conn }
func (c *Client) Dispatcher() *Dispatcher { return c.dispatcher }
func (c *Client) Dashboard() *DashboardCache { return c.dashboard }
func (c *Client) Queries() *QueryCache { return c.queries }
func (c *Client) Network() *NetworkMonitor { return c.network }

// Notices returns the built-in notice center, or nil when WithNotifier was
// used.
func (c *Client) Notices() *NoticeCenter { return c.notices }

// Stores returns the in-memory stores, or nil when WithStores was used.
func (c *Client) Stores() *MemoryStores { return c.memory }

// DashboardMetrics returns the aggregated dashboard view of userID.
func (c *Client) DashboardMetrics(userID string) *DashboardMetrics {
	return NewDashboardMetrics(c.dashboard, c.network, userID, c.log)
}

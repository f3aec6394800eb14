package tradesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// DefaultURL is the local development endpoint.
const DefaultURL = "ws://localhost:8080/ws"

// BackoffStrategy selects how the delay between reconnect attempts evolves.
type BackoffStrategy string

const (
	// BackoffFixed waits ReconnectInterval before every attempt.
	BackoffFixed BackoffStrategy = "fixed"
	// BackoffExponential doubles the delay from ReconnectInterval up to
	// MaxReconnectDelay, with jitter.
	BackoffExponential BackoffStrategy = "exponential"
)

// RealtimeConfig configures a Connection.
type RealtimeConfig struct {
	URL       string
	Protocols []string

	ReconnectInterval time.Duration
	MaxReconnectDelay time.Duration
	// MaxReconnectAttempts bounds the automatic attempts after a drop.
	// Zero selects the default; a negative value disables reconnection.
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	ConnectTimeout       time.Duration
	WriteTimeout         time.Duration
	Backoff              BackoffStrategy

	Dialer  Dialer
	Logger  *zap.Logger
	Metrics *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 3 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Backoff == "" {
		c.Backoff = BackoffFixed
	}
	if c.Dialer == nil {
		c.Dialer = WebSocketDialer{}
	}
	c.Logger = nopIfNil(c.Logger)
}

func (c *RealtimeConfig) newBackOff() backoff.BackOff {
	if c.Backoff == BackoffExponential {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.ReconnectInterval
		b.MaxInterval = c.MaxReconnectDelay
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
	return backoff.NewConstantBackOff(c.ReconnectInterval)
}

// ConnectionStatus is the state of the connection state machine.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusError        ConnectionStatus = "error"
)

var (
	// ErrDisconnected is returned by an attempt interrupted by Disconnect.
	ErrDisconnected = errors.New("connection closed by client")
	// ErrConnectTimeout is returned when the dial does not finish in time.
	ErrConnectTimeout = errors.New("connect timed out")
)

// ============================================================================
// Transport
// ============================================================================

// Conn is the subset of *websocket.Conn used by Connection.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context, url string, protocols []string) (Conn, error)
}

// WebSocketDialer dials real WebSocket connections.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, url string, protocols []string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   d.Header,
		Subprotocols: protocols,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// ============================================================================
// Subscription Registry
// ============================================================================

// Handler receives inbound envelopes of one event type.
type Handler func(Envelope)

// StatusHandler receives connection status changes.
type StatusHandler func(ConnectionStatus)

type subscription struct {
	id uint64
	h  Handler
}

type statusSubscription struct {
	id uint64
	h  StatusHandler
}

type registry struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventType][]subscription
	status   []statusSubscription
}

func (r *registry) subscribe(t EventType, h Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	if r.handlers == nil {
		r.handlers = make(map[EventType][]subscription)
	}
	r.handlers[t] = append(r.handlers[t], subscription{id: id, h: h})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			subs := r.handlers[t]
			for i, s := range subs {
				if s.id == id {
					r.handlers[t] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

func (r *registry) onStatus(h StatusHandler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.status = append(r.status, statusSubscription{id: id, h: h})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, s := range r.status {
				if s.id == id {
					r.status = append(r.status[:i:i], r.status[i+1:]...)
					break
				}
			}
		})
	}
}

func (r *registry) count(t EventType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[t])
}

func (r *registry) dispatch(env Envelope, log *zap.Logger, m *Metrics) {
	r.mu.RLock()
	subs := append([]subscription(nil), r.handlers[env.Type]...)
	r.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					m.handlerPanic(env.Type)
					log.Error("subscriber panicked",
						zap.String("type", string(env.Type)),
						zap.Any("panic", rec))
				}
			}()
			s.h(env)
		}()
	}
}

func (r *registry) emitStatus(status ConnectionStatus, log *zap.Logger) {
	r.mu.RLock()
	subs := append([]statusSubscription(nil), r.status...)
	r.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("status listener panicked", zap.Any("panic", rec))
				}
			}()
			s.h(status)
		}()
	}
}

// ============================================================================
// Connection
// ============================================================================

// ConnectionStats is a point-in-time view of the connection counters.
type ConnectionStats struct {
	Status            ConnectionStatus
	ReconnectAttempts int
	FramesReceived    uint64
	FramesSent        uint64
	ParseErrors       uint64
	ConnectedAt       time.Time
	LastMessageAt     time.Time
}

// HeartbeatPayload is the body of heartbeat frames. Echo marks a reply to a
// heartbeat received from the server.
type HeartbeatPayload struct {
	Echo bool `json:"echo,omitempty"`
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

func (a *connectAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type reconnectLoop struct {
	cancel context.CancelFunc
}

// Connection owns one persistent socket: its lifecycle, heartbeat,
// reconnection budget and the subscriber registry. Construct one per
// application and pass it to consumers.
type Connection struct {
	cfg     RealtimeConfig
	log     *zap.Logger
	metrics *Metrics
	reg     registry

	writeMu sync.Mutex

	mu         sync.Mutex
	status     ConnectionStatus
	conn       Conn
	connCancel context.CancelFunc
	pending    *connectAttempt
	dialCancel context.CancelFunc
	epoch      uint64
	attempts   int
	loop       *reconnectLoop
	bo         backoff.BackOff
	stats      ConnectionStats
}

// NewConnection creates a disconnected Connection.
func NewConnection(cfg RealtimeConfig) *Connection {
	cfg.defaults()
	c := &Connection{
		cfg:     cfg,
		log:     cfg.Logger.With(zap.String("component", "realtime")),
		metrics: cfg.Metrics,
		status:  StatusDisconnected,
		bo:      cfg.newBackOff(),
	}
	c.metrics.setStatus(StatusDisconnected)
	return c
}

// Status returns the current status.
func (c *Connection) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected reports whether the socket is open.
func (c *Connection) IsConnected() bool {
	return c.Status() == StatusConnected
}

// ReconnectAttempts returns the attempts made in the current reconnect cycle.
func (c *Connection) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Stats returns the connection counters.
func (c *Connection) Stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Status = c.status
	s.ReconnectAttempts = c.attempts
	return s
}

// Subscribe registers h for inbound frames of type t and returns an
// idempotent unsubscribe function.
func (c *Connection) Subscribe(t EventType, h Handler) func() {
	return c.reg.subscribe(t, h)
}

// OnStatusChange registers h for status changes and returns an idempotent
// unsubscribe function.
func (c *Connection) OnStatusChange(h StatusHandler) func() {
	return c.reg.onStatus(h)
}

// Connect opens the socket unless it is already open. Concurrent callers
// share a single in-flight attempt and observe the same result.
func (c *Connection) Connect(ctx context.Context) error {
	return c.attempt(ctx, true)
}

func (c *Connection) attempt(ctx context.Context, manual bool) error {
	c.mu.Lock()
	if c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	if p := c.pending; p != nil {
		c.mu.Unlock()
		return p.wait(ctx)
	}
	p := &connectAttempt{done: make(chan struct{})}
	c.pending = p
	epoch := c.epoch
	changed := false
	if manual && c.loop == nil {
		changed = c.setStatusLocked(StatusConnecting)
	}
	c.mu.Unlock()
	if changed {
		c.reg.emitStatus(StatusConnecting, c.log)
	}

	err := c.establish(ctx, epoch)

	c.mu.Lock()
	c.pending = nil
	changed = false
	if err != nil && manual && c.loop == nil && c.epoch == epoch {
		changed = c.setStatusLocked(StatusError)
	}
	c.mu.Unlock()
	p.err = err
	close(p.done)
	if changed {
		c.reg.emitStatus(StatusError, c.log)
	}
	if err != nil && !errors.Is(err, ErrDisconnected) {
		c.log.Warn("connect failed", zap.String("url", c.cfg.URL), zap.Error(err))
	}
	return err
}

func (c *Connection) establish(ctx context.Context, epoch uint64) error {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return ErrDisconnected
	}
	c.dialCancel = cancel
	c.mu.Unlock()

	conn, err := c.cfg.Dialer.Dial(dctx, c.cfg.URL, c.cfg.Protocols)

	c.mu.Lock()
	c.dialCancel = nil
	if c.epoch != epoch {
		c.mu.Unlock()
		if err == nil {
			conn.Close(websocket.StatusNormalClosure, "client disconnect")
		}
		return ErrDisconnected
	}
	if err != nil {
		c.mu.Unlock()
		if errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s: %w", ErrConnectTimeout, c.cfg.ConnectTimeout, err)
		}
		return err
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c.conn = conn
	c.connCancel = connCancel
	c.attempts = 0
	c.bo.Reset()
	c.stats.ConnectedAt = time.Now()
	changed := c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	go c.readLoop(connCtx, conn)
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(connCtx)
	}
	c.log.Info("connected", zap.String("url", c.cfg.URL))
	if changed {
		c.reg.emitStatus(StatusConnected, c.log)
	}
	return nil
}

// Disconnect cancels pending timers and attempts, closes the socket with a
// normal closure and moves to disconnected. No automatic reconnection
// follows.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.epoch++
	if c.loop != nil {
		c.loop.cancel()
		c.loop = nil
	}
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	conn := c.conn
	connCancel := c.connCancel
	c.conn = nil
	c.connCancel = nil
	c.attempts = 0
	changed := c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	if conn != nil {
		// Not under writeMu: closing is what unblocks a stuck Write.
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			c.log.Debug("close", zap.Error(err))
		}
	}
	if connCancel != nil {
		connCancel()
	}
	if changed {
		c.log.Info("disconnected")
		c.reg.emitStatus(StatusDisconnected, c.log)
	}
}

// Send serializes and transmits one envelope. It returns false without
// error when the socket is not open or the write fails.
func (c *Connection) Send(t EventType, payload any, correlationID string) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.status == StatusConnected
	c.mu.Unlock()
	if conn == nil || !open {
		return false
	}

	env, err := NewEnvelope(t, payload, correlationID)
	if err != nil {
		c.log.Error("encode outbound payload", zap.String("type", string(t)), zap.Error(err))
		return false
	}
	data, err := encodeEnvelope(env)
	if err != nil {
		c.log.Error("encode outbound envelope", zap.String("type", string(t)), zap.Error(err))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	c.writeMu.Lock()
	err = conn.Write(ctx, websocket.MessageText, data)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Warn("send failed", zap.String("type", string(t)), zap.Error(err))
		return false
	}

	c.mu.Lock()
	c.stats.FramesSent++
	c.mu.Unlock()
	c.metrics.frameSent(t)
	return true
}

func (c *Connection) setStatusLocked(s ConnectionStatus) bool {
	if c.status == s {
		return false
	}
	c.status = s
	c.metrics.setStatus(s)
	return true
}

// ============================================================================
// Loops
// ============================================================================

func (c *Connection) readLoop(ctx context.Context, conn Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Connection) handleFrame(data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		c.mu.Lock()
		c.stats.ParseErrors++
		c.mu.Unlock()
		c.metrics.parseError()
		c.log.Warn("dropping malformed frame", zap.Int("bytes", len(data)), zap.Error(err))
		return
	}

	c.mu.Lock()
	c.stats.FramesReceived++
	c.stats.LastMessageAt = time.Now()
	c.mu.Unlock()
	c.metrics.frameReceived(env.Type)

	if env.Type == EventHeartbeat {
		var hb HeartbeatPayload
		_ = codec.Unmarshal(env.Payload, &hb)
		// Replies to our own heartbeats are not answered again.
		if !hb.Echo {
			c.Send(EventHeartbeat, HeartbeatPayload{Echo: true}, env.CorrelationID)
		}
		return
	}
	c.reg.dispatch(env, c.log, c.metrics)
}

func (c *Connection) handleClose(conn Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// Replaced or closed by Disconnect.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}

	code := websocket.CloseStatus(err)
	if code == websocket.StatusNormalClosure {
		changed := c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()
		c.log.Info("server closed connection")
		if changed {
			c.reg.emitStatus(StatusDisconnected, c.log)
		}
		return
	}

	if c.cfg.MaxReconnectAttempts < 0 {
		changed := c.setStatusLocked(StatusError)
		c.mu.Unlock()
		c.log.Error("connection lost, reconnect disabled", zap.Error(err))
		if changed {
			c.reg.emitStatus(StatusError, c.log)
		}
		return
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	lp := &reconnectLoop{cancel: cancel}
	c.loop = lp
	changed := c.setStatusLocked(StatusReconnecting)
	c.mu.Unlock()

	c.log.Warn("connection lost", zap.Int("close_code", int(code)), zap.Error(err))
	if changed {
		c.reg.emitStatus(StatusReconnecting, c.log)
	}
	go c.reconnect(loopCtx, lp)
}

// reconnect runs one reconnect cycle. Attempts are strictly sequential: the
// next delay is only scheduled after the previous attempt has settled.
func (c *Connection) reconnect(ctx context.Context, lp *reconnectLoop) {
	defer lp.cancel()

	for {
		c.mu.Lock()
		if ctx.Err() != nil || c.loop != lp {
			c.mu.Unlock()
			return
		}
		if c.status == StatusConnected {
			c.loop = nil
			c.mu.Unlock()
			return
		}
		if c.attempts >= c.cfg.MaxReconnectAttempts {
			c.loop = nil
			attempts := c.attempts
			changed := c.setStatusLocked(StatusError)
			c.mu.Unlock()
			c.log.Error("reconnect attempts exhausted", zap.Int("attempts", attempts))
			if changed {
				c.reg.emitStatus(StatusError, c.log)
			}
			return
		}
		delay := c.bo.NextBackOff()
		if delay == backoff.Stop {
			delay = c.cfg.ReconnectInterval
		}
		c.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if ctx.Err() != nil || c.loop != lp {
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		c.metrics.reconnectAttempt()
		c.log.Info("reconnecting",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxReconnectAttempts),
			zap.Duration("delay", delay))

		if err := c.attempt(ctx, false); err == nil {
			c.mu.Lock()
			if c.loop == lp {
				c.loop = nil
			}
			c.mu.Unlock()
			return
		}
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Send(EventHeartbeat, HeartbeatPayload{}, "") {
				c.log.Debug("heartbeat not sent")
			}
		}
	}
}

package mockserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/LuminPulse-AI/tradesync"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const sendBuffer = 64

type client struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// trySend queues data without blocking. full is set when the buffer had no
// room.
func (c *client) trySend(data []byte) (sent, full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, false
	}
	select {
	case c.send <- data:
		return true, false
	default:
		return false, true
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub keeps the connected sockets and fans envelopes out to them.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	statsMu          sync.Mutex
	totalConnections int64
	totalMessages    int64
	heartbeatsIn     int64
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{log: log, clients: make(map[*client]struct{})}
}

// ClientCount returns the number of connected sockets.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns connection and message counters.
func (h *Hub) Stats() map[string]any {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return map[string]any{
		"active_clients":    h.ClientCount(),
		"total_connections": h.totalConnections,
		"total_messages":    h.totalMessages,
		"heartbeats_in":     h.heartbeatsIn,
	}
}

// Broadcast queues env for every client and returns how many accepted it.
// Clients whose buffer is full are disconnected.
func (h *Hub) Broadcast(env tradesync.Envelope) int {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error("encode envelope", zap.Error(err))
		return 0
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		ok, full := c.trySend(data)
		switch {
		case ok:
			sent++
		case full:
			h.log.Warn("client buffer full, disconnecting", zap.String("client", c.id))
			h.unregister(c)
			c.conn.Close(websocket.StatusPolicyViolation, "too slow")
		}
	}
	if sent > 0 {
		h.statsMu.Lock()
		h.totalMessages++
		h.statsMu.Unlock()
	}
	return sent
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.statsMu.Lock()
	h.totalConnections++
	h.statsMu.Unlock()
	h.log.Info("client connected", zap.String("client", c.id), zap.Int("total", n))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.close()
		h.log.Info("client disconnected", zap.String("client", c.id), zap.Int("total", n))
	}
}

// HeartbeatLoop sends a heartbeat to every client each interval.
func (h *Hub) HeartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, err := tradesync.NewEnvelope(tradesync.EventHeartbeat, tradesync.HeartbeatPayload{}, "")
			if err == nil {
				h.Broadcast(env)
			}
		}
	}
}

// Shutdown closes every socket with a normal closure.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
		c.conn.Close(websocket.StatusNormalClosure, "server shutdown")
	}
}

// ServeWS upgrades the request and serves the socket until it closes.
func (h *Hub) ServeWS(ctx context.Context) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			h.log.Warn("websocket upgrade", zap.Error(err))
			return
		}
		c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
		h.register(c)
		go h.writePump(ctx, c)
		h.readPump(ctx, c)
	}
}

func (h *Hub) writePump(ctx context.Context, c *client) {
	for data := range c.send {
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := c.conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.unregister(c)
			return
		}
	}
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	defer h.unregister(c)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var env tradesync.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.log.Debug("ignoring malformed frame", zap.String("client", c.id), zap.Error(err))
			continue
		}
		if env.Type != tradesync.EventHeartbeat {
			h.log.Debug("client frame", zap.String("client", c.id), zap.String("type", string(env.Type)))
			continue
		}

		h.statsMu.Lock()
		h.heartbeatsIn++
		h.statsMu.Unlock()

		var hb tradesync.HeartbeatPayload
		_ = json.Unmarshal(env.Payload, &hb)
		if hb.Echo {
			continue
		}
		reply, err := tradesync.NewEnvelope(tradesync.EventHeartbeat, tradesync.HeartbeatPayload{Echo: true}, env.CorrelationID)
		if err != nil {
			continue
		}
		out, _ := json.Marshal(reply)
		c.trySend(out)
	}
}

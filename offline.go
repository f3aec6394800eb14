package tradesync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Transition Listeners
// ============================================================================

type networkEmitter struct {
	mu      sync.RWMutex
	nextID  uint64
	online  map[uint64]func()
	offline map[uint64]func()
}

func (e *networkEmitter) on(online bool, h func()) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	set := e.offline
	if online {
		set = e.online
	}
	set[id] = h
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(set, id)
		})
	}
}

func (e *networkEmitter) emit(online bool, log *zap.Logger) {
	e.mu.RLock()
	set := e.offline
	if online {
		set = e.online
	}
	handlers := make([]func(), 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("network listener panicked", zap.Any("panic", rec))
				}
			}()
			h()
		}()
	}
}

// ============================================================================
// Network Monitor
// ============================================================================

// NetworkMonitor tracks whether the device is online. State is set
// explicitly with SetOnline or derived by probing an HTTP endpoint.
type NetworkMonitor struct {
	emitter networkEmitter
	log     *zap.Logger

	mu       sync.Mutex
	isOnline bool
	changed  time.Time
	stop     context.CancelFunc
}

// NewNetworkMonitor returns a monitor that starts online.
func NewNetworkMonitor(log *zap.Logger) *NetworkMonitor {
	return &NetworkMonitor{
		emitter:  networkEmitter{online: make(map[uint64]func()), offline: make(map[uint64]func())},
		log:      nopIfNil(log).With(zap.String("component", "network")),
		isOnline: true,
		changed:  time.Now(),
	}
}

// Online returns the current network state.
func (m *NetworkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isOnline
}

// Since returns when the state last changed.
func (m *NetworkMonitor) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// SetOnline updates the state and notifies listeners on a transition.
func (m *NetworkMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.isOnline == online {
		m.mu.Unlock()
		return
	}
	m.isOnline = online
	m.changed = time.Now()
	m.mu.Unlock()

	if online {
		m.log.Info("network online")
	} else {
		m.log.Warn("network offline")
	}
	m.emitter.emit(online, m.log)
}

// OnOnline registers h for offline → online transitions.
func (m *NetworkMonitor) OnOnline(h func()) func() {
	return m.emitter.on(true, h)
}

// OnOffline registers h for online → offline transitions.
func (m *NetworkMonitor) OnOffline(h func()) func() {
	return m.emitter.on(false, h)
}

// StartHealthCheck issues a HEAD request to url every interval and sets the state
// from the outcome. Any HTTP response counts as online. A running check is
// replaced.
func (m *NetworkMonitor) StartHealthCheck(client *http.Client, url string, interval time.Duration) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.stop != nil {
		m.stop()
	}
	m.stop = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			ok := reachable(ctx, client, url)
			if ctx.Err() != nil {
				return
			}
			m.SetOnline(ok)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends a running health check.
func (m *NetworkMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
}

func reachable(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

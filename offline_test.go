package tradesync

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestNetworkMonitorTransitions(t *testing.T) {
	m := NewNetworkMonitor(zaptest.NewLogger(t))
	assert.True(t, m.Online())
	since := m.Since()

	var online, offline atomic.Int32
	unsubOn := m.OnOnline(func() { online.Add(1) })
	m.OnOffline(func() { offline.Add(1) })
	m.OnOffline(func() { panic("listener bug") })

	m.SetOnline(true)
	assert.Zero(t, online.Load(), "no transition, no event")
	assert.Equal(t, since, m.Since())

	m.SetOnline(false)
	m.SetOnline(false)
	assert.False(t, m.Online())
	assert.EqualValues(t, 1, offline.Load())

	m.SetOnline(true)
	assert.EqualValues(t, 1, online.Load())

	unsubOn()
	unsubOn()
	m.SetOnline(false)
	m.SetOnline(true)
	assert.EqualValues(t, 1, online.Load())
	assert.EqualValues(t, 2, offline.Load())
}

func TestNetworkMonitorHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := NewNetworkMonitor(zaptest.NewLogger(t))
	defer m.Stop()
	m.SetOnline(false)

	m.StartHealthCheck(srv.Client(), srv.URL+"/healthz", 10*time.Millisecond)
	assert.Eventually(t, m.Online, time.Second, 5*time.Millisecond)

	srv.Close()
	assert.Eventually(t, func() bool { return !m.Online() }, time.Second, 5*time.Millisecond)

	m.Stop()
	m.SetOnline(true)
	time.Sleep(40 * time.Millisecond)
	assert.True(t, m.Online(), "stopped health check leaves the state alone")
}

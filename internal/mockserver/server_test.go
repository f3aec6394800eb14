package mockserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/LuminPulse-AI/tradesync"
)

func startServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	s := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(s.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		s.Hub().Shutdown()
		ts.Close()
	})
	return s, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestStateNextAppliesEvents(t *testing.T) {
	s := NewState(7)

	for _, typ := range tradesync.DispatchableEvents {
		env, err := s.Next(typ)
		require.NoError(t, err, typ)
		_, err = tradesync.DecodeEvent(env)
		require.NoError(t, err, "generated %s must decode", typ)
	}

	assert.NotEmpty(t, s.Rates())
	assert.Len(t, s.Notifications(), 1)
	assert.Len(t, s.Feeds(), 3)
	assert.Equal(t, 1, s.Summary().TotalSessions)
}

func TestStateRandomAlwaysValid(t *testing.T) {
	s := NewState(1)
	for i := 0; i < 200; i++ {
		env, err := s.Random()
		require.NoError(t, err)
		_, err = tradesync.DecodeEvent(env)
		require.NoError(t, err)
	}
}

func TestServerREST(t *testing.T) {
	s, ts := startServer(t, Config{})
	api := tradesync.NewAPISource(tradesync.APIConfig{BaseURL: ts.URL})
	ctx := context.Background()

	bookmarks, err := api.Bookmarks(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, bookmarks, 3)

	summary, err := api.DashboardSummary(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalBookmarks)
	assert.Equal(t, 2, summary.ActiveMonitoring)

	rates, err := api.ExchangeRates(ctx)
	require.NoError(t, err)
	assert.Len(t, rates, 4)

	s.Fail("summary", http.StatusInternalServerError)
	_, err = api.DashboardSummary(ctx, "user-1")
	var he *tradesync.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusInternalServerError, he.StatusCode)
	assert.Equal(t, tradesync.ErrorServer, tradesync.ClassifyError(err))

	s.Fail("summary", 0)
	_, err = api.DashboardSummary(ctx, "user-1")
	assert.NoError(t, err)
}

func TestServerHealthz(t *testing.T) {
	_, ts := startServer(t, Config{})
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerBroadcastReachesClient(t *testing.T) {
	s, ts := startServer(t, Config{Secret: testSecret})

	conn := tradesync.NewConnection(tradesync.RealtimeConfig{URL: wsURL(ts), Logger: zaptest.NewLogger(t)})
	defer conn.Disconnect()

	got := make(chan tradesync.Envelope, 4)
	conn.Subscribe(tradesync.EventExchangeRateUpdate, func(env tradesync.Envelope) { got <- env })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Connect(ctx))
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	env, err := s.State().Next(tradesync.EventExchangeRateUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Hub().Broadcast(env))

	select {
	case recv := <-got:
		assert.JSONEq(t, string(env.Payload), string(recv.Payload))
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}
}

func TestServerHeartbeatEcho(t *testing.T) {
	s, ts := startServer(t, Config{})

	conn := tradesync.NewConnection(tradesync.RealtimeConfig{URL: wsURL(ts), Logger: zaptest.NewLogger(t)})
	defer conn.Disconnect()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Connect(ctx))
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	env, err := tradesync.NewEnvelope(tradesync.EventHeartbeat, tradesync.HeartbeatPayload{}, "")
	require.NoError(t, err)
	s.Hub().Broadcast(env)

	// The client answers with an echo, which the hub counts and does not
	// answer again.
	require.Eventually(t, func() bool {
		return s.Hub().Stats()["heartbeats_in"].(int64) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, conn.IsConnected())
}

func TestServerClientDashboard(t *testing.T) {
	s, ts := startServer(t, Config{})
	s.Fail("bookmarks", http.StatusForbidden)

	client := tradesync.NewClient(tradesync.Config{
		Realtime: tradesync.RealtimeConfig{URL: wsURL(ts)},
		API:      tradesync.APIConfig{BaseURL: ts.URL},
	}, tradesync.WithLogger(zaptest.NewLogger(t)))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx, tradesync.User{ID: "user-1"}))

	view := client.DashboardMetrics("user-1").Load(ctx)
	assert.True(t, view.HasPartialError)
	assert.False(t, view.IsError)
	assert.Equal(t, tradesync.ProvenancePartial, view.Source)
	require.NotNil(t, view.Error)
	assert.Equal(t, tradesync.ErrorPermission, view.Error.Type)
	assert.Equal(t, 3, view.TotalBookmarks)
	assert.Empty(t, view.Bookmarks)
}

package tradesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sample returns the value of the series of name carrying label value lv,
// or of the only series when lv is empty.
func sample(t *testing.T, reg *prometheus.Registry, name, lv string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if lv != "" && (len(m.GetLabel()) == 0 || m.GetLabel()[0].GetValue() != lv) {
				continue
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.setStatus(StatusConnected)
		m.reconnectAttempt()
		m.frameReceived(EventHeartbeat)
		m.frameSent(EventHeartbeat)
		m.parseError()
		m.handlerPanic(EventBookmarkChange)
		m.payloadRejected(EventBookmarkChange)
		m.cacheRequest("hit")
		m.cacheFetch(nil)
		m.invalidated(DataFeeds, 3)
	})
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.setStatus(StatusReconnecting)
	assert.Equal(t, 1.0, sample(t, reg, "tradesync_connection_status", string(StatusReconnecting)))
	assert.Equal(t, 0.0, sample(t, reg, "tradesync_connection_status", string(StatusConnected)))

	m.cacheFetch(nil)
	m.cacheFetch(errors.New("boom"))
	m.cacheFetch(errors.New("boom"))
	assert.Equal(t, 2.0, sample(t, reg, "tradesync_cache_fetches_total", "error"))

	m.invalidated(DataFeeds, 0)
	m.invalidated(DataFeeds, 3)
	assert.Equal(t, 3.0, sample(t, reg, "tradesync_cache_invalidations_total", string(DataFeeds)))
}

func TestCacheReportsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	q := NewQueryCache(CacheConfig{Metrics: NewMetrics(reg)})
	fetch := func(context.Context) (any, error) { return 1, nil }

	opts := QueryOptions{StaleTime: time.Minute}

	_, err := q.Get(context.Background(), testKey, fetch, opts)
	require.NoError(t, err)
	_, err = q.Get(context.Background(), testKey, fetch, opts)
	require.NoError(t, err)

	assert.Equal(t, 1.0, sample(t, reg, "tradesync_cache_requests_total", "miss"))
	assert.Equal(t, 1.0, sample(t, reg, "tradesync_cache_requests_total", "hit"))
	assert.Equal(t, 1.0, sample(t, reg, "tradesync_cache_fetches_total", "success"))
}

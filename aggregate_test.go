package tradesync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"nil", nil, ""},
		{"unauthorized", &HTTPError{StatusCode: 401}, ErrorPermission},
		{"forbidden", &HTTPError{StatusCode: 403}, ErrorPermission},
		{"internal", &HTTPError{StatusCode: 500}, ErrorServer},
		{"bad gateway", &HTTPError{StatusCode: 502}, ErrorServer},
		{"request timeout", &HTTPError{StatusCode: 408}, ErrorNetwork},
		{"rate limited", &HTTPError{StatusCode: 429}, ErrorNetwork},
		{"not found", &HTTPError{StatusCode: 404}, ErrorUnknown},
		{"wrapped", fmt.Errorf("load: %w", &HTTPError{StatusCode: 403}), ErrorPermission},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, ErrorNetwork},
		{"deadline", context.DeadlineExceeded, ErrorNetwork},
		{"breaker open", gobreaker.ErrOpenState, ErrorNetwork},
		{"no offline data", fmt.Errorf("%w: feeds", ErrNoOfflineData), ErrorNetwork},
		{"not connected", ErrNotConnected, ErrorNetwork},
		{"api error", &APIError{Code: "BAD", Message: "bad"}, ErrorUnknown},
		{"plain", errors.New("boom"), ErrorUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestErrorTypeRank(t *testing.T) {
	assert.Greater(t, ErrorPermission.Rank(), ErrorServer.Rank())
	assert.Greater(t, ErrorServer.Rank(), ErrorNetwork.Rank())
	assert.Greater(t, ErrorNetwork.Rank(), ErrorUnknown.Rank())
	assert.True(t, ErrorServer.Retryable())
	assert.True(t, ErrorNetwork.Retryable())
	assert.False(t, ErrorPermission.Retryable())
	assert.False(t, ErrorUnknown.Retryable())
}

func TestMostSevere(t *testing.T) {
	assert.Nil(t, MostSevere())
	assert.Nil(t, MostSevere(nil, nil))

	forbidden := &HTTPError{StatusCode: 403, Method: "GET", Path: "/api/bookmarks"}
	qe := MostSevere(errors.New("boom"), &HTTPError{StatusCode: 500}, forbidden, nil)
	require.NotNil(t, qe)
	assert.Equal(t, ErrorPermission, qe.Type)
	assert.Equal(t, 1, qe.Count)
	assert.Equal(t, forbidden.Error(), qe.Message)
	assert.False(t, qe.Retryable)
	assert.ErrorIs(t, qe, forbidden)

	qe = MostSevere(&HTTPError{StatusCode: 500}, &HTTPError{StatusCode: 503}, context.DeadlineExceeded)
	require.NotNil(t, qe)
	assert.Equal(t, ErrorServer, qe.Type)
	assert.Equal(t, 2, qe.Count)
	assert.Equal(t, "2개의 요청에서 서버 오류가 발생했습니다", qe.Message)
	assert.True(t, qe.Retryable)
}

func TestCombine(t *testing.T) {
	boom := &HTTPError{StatusCode: 500}
	tests := []struct {
		name    string
		online  bool
		states  []QueryState
		loading bool
		isError bool
		partial bool
		source  Provenance
	}{
		{
			name:    "loading wins",
			online:  true,
			states:  []QueryState{{Loading: true}, {HasData: true}},
			loading: true,
			source:  ProvenanceLoading,
		},
		{
			name:   "all from api",
			online: true,
			states: []QueryState{{HasData: true}, {HasData: true}},
			source: ProvenanceAPI,
		},
		{
			name:    "one failed",
			online:  true,
			states:  []QueryState{{Name: "a", HasData: true}, {Name: "b", Err: boom}},
			partial: true,
			source:  ProvenancePartial,
		},
		{
			name:    "all failed",
			online:  true,
			states:  []QueryState{{Err: boom}, {Err: boom}},
			isError: true,
			source:  ProvenanceMock,
		},
		{
			name:   "offline with cached data",
			online: false,
			states: []QueryState{{HasData: true}, {HasData: false}},
			source: ProvenanceOffline,
		},
		{
			name:   "offline without data",
			online: false,
			states: []QueryState{{}, {}},
			source: ProvenanceMock,
		},
		{
			name:    "failed refetch keeps stale data",
			online:  true,
			states:  []QueryState{{HasData: true}, {HasData: true, Err: boom}},
			partial: true,
			source:  ProvenanceAPI,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Combine(tt.online, tt.states...)
			assert.Equal(t, tt.loading, c.IsLoading)
			assert.Equal(t, tt.isError, c.IsError)
			assert.Equal(t, tt.partial, c.HasPartialError)
			assert.Equal(t, tt.source, c.Source)
			assert.Equal(t, tt.isError || tt.partial, c.Error != nil)
		})
	}

	c := Combine(true, QueryState{Name: "bookmarks", Err: boom}, QueryState{Name: "dashboard", HasData: true})
	assert.Equal(t, []string{"bookmarks"}, c.Failed)
}

var sampleErrors = []error{
	nil,
	&HTTPError{StatusCode: 401},
	&HTTPError{StatusCode: 403},
	&HTTPError{StatusCode: 500},
	&HTTPError{StatusCode: 429},
	&HTTPError{StatusCode: 404},
	context.DeadlineExceeded,
	gobreaker.ErrOpenState,
	errors.New("boom"),
}

func TestCombineProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(t, "n")
		states := make([]QueryState, n)
		failed := 0
		for i := range states {
			states[i] = QueryState{
				Name:    fmt.Sprintf("q%d", i),
				Err:     rapid.SampledFrom(sampleErrors).Draw(t, "err"),
				HasData: rapid.Bool().Draw(t, "hasData"),
			}
			if states[i].Err != nil {
				failed++
			}
		}
		online := rapid.Bool().Draw(t, "online")
		c := Combine(online, states...)

		if c.IsError != (failed == n) {
			t.Fatalf("IsError=%v with %d/%d failed", c.IsError, failed, n)
		}
		if c.HasPartialError != (failed > 0 && failed < n) {
			t.Fatalf("HasPartialError=%v with %d/%d failed", c.HasPartialError, failed, n)
		}
		if (c.Error == nil) != (failed == 0) {
			t.Fatalf("Error=%v with %d failed", c.Error, failed)
		}
		if len(c.Failed) != failed {
			t.Fatalf("Failed=%v, want %d names", c.Failed, failed)
		}
		if c.Source == ProvenanceLoading {
			t.Fatalf("no state was loading")
		}
		if c.Error == nil {
			return
		}
		same := 0
		for _, s := range states {
			if s.Err == nil {
				continue
			}
			typ := ClassifyError(s.Err)
			if typ.Rank() > c.Error.Type.Rank() {
				t.Fatalf("%s outranks reported %s", typ, c.Error.Type)
			}
			if typ == c.Error.Type {
				same++
			}
		}
		if c.Error.Count != same {
			t.Fatalf("Count=%d, want %d", c.Error.Count, same)
		}
	})
}

func TestDeriveSourceProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(t, "n")
		states := make([]QueryState, n)
		withData := 0
		for i := range states {
			states[i].HasData = rapid.Bool().Draw(t, "hasData")
			if states[i].HasData {
				withData++
			}
		}
		online := rapid.Bool().Draw(t, "online")
		got := DeriveSource(online, states...)

		var want Provenance
		switch {
		case !online && withData > 0:
			want = ProvenanceOffline
		case withData == 0:
			want = ProvenanceMock
		case withData == n:
			want = ProvenanceAPI
		default:
			want = ProvenancePartial
		}
		if got != want {
			t.Fatalf("DeriveSource(online=%v, %d/%d with data) = %s, want %s", online, withData, n, got, want)
		}
	})
}

// ============================================================================
// Dashboard Metrics
// ============================================================================

func TestDashboardMetricsAllSucceed(t *testing.T) {
	src := newFakeSource()
	d, nm := newTestDashboard(t, src)
	m := NewDashboardMetrics(d, nm, "u1", zaptest.NewLogger(t))

	assert.True(t, m.View().IsLoading)
	assert.Equal(t, ProvenanceLoading, m.View().Source)

	v := m.Load(context.Background())
	assert.False(t, v.IsLoading)
	assert.Equal(t, ProvenanceAPI, v.Source)
	assert.Nil(t, v.Error)
	assert.Equal(t, 7, v.TotalBookmarks)
	assert.Equal(t, 4, v.ActiveMonitoring)
	assert.Equal(t, 5, v.TotalSessions)
	assert.Len(t, v.Bookmarks, 2)
	assert.Zero(t, v.ErrorCount)
	assert.Equal(t, v, m.View())
}

func TestDashboardMetricsSummaryFallback(t *testing.T) {
	src := newFakeSource()
	src.fail(DataDashboard, &HTTPError{StatusCode: 500})
	d, nm := newTestDashboard(t, src)
	m := NewDashboardMetrics(d, nm, "u1", zaptest.NewLogger(t))
	ctx := context.Background()

	v := m.Load(ctx)
	assert.Equal(t, ProvenancePartial, v.Source)
	assert.True(t, v.HasPartialError)
	assert.False(t, v.IsError)
	require.NotNil(t, v.Error)
	assert.Equal(t, ErrorServer, v.Error.Type)
	assert.Equal(t, []string{"dashboard"}, v.Failed)
	assert.Equal(t, 2, v.TotalBookmarks, "derived from the bookmark list")
	assert.Equal(t, 1, v.ActiveMonitoring)
	assert.Zero(t, v.TotalSessions)
	assert.Equal(t, 1, v.ErrorCount)

	v = m.Load(ctx)
	assert.Equal(t, 2, v.ErrorCount)

	src.fail(DataDashboard, nil)
	v = m.Refetch(ctx)
	assert.Equal(t, ProvenanceAPI, v.Source)
	assert.Zero(t, v.ErrorCount)
	assert.Zero(t, m.ErrorCount())
	assert.Equal(t, 7, v.TotalBookmarks)
	assert.Equal(t, 2, src.count(DataBookmarks), "refetch invalidates the bookmarks too")
}

func TestDashboardMetricsRefetchKeepsCounterOnFailure(t *testing.T) {
	src := newFakeSource()
	src.fail(DataBookmarks, &HTTPError{StatusCode: 403})
	d, nm := newTestDashboard(t, src)
	m := NewDashboardMetrics(d, nm, "u1", zaptest.NewLogger(t))
	ctx := context.Background()

	m.Load(ctx)
	v := m.Refetch(ctx)
	assert.Equal(t, 2, v.ErrorCount)
	assert.Equal(t, ErrorPermission, v.Error.Type)
	assert.NotNil(t, v.Bookmarks)
	assert.Empty(t, v.Bookmarks)
	assert.Equal(t, 7, v.TotalBookmarks)
}

func TestDashboardMetricsAllFail(t *testing.T) {
	src := newFakeSource()
	src.fail(DataBookmarks, &HTTPError{StatusCode: 403})
	src.fail(DataDashboard, &HTTPError{StatusCode: 403})
	d, nm := newTestDashboard(t, src)
	m := NewDashboardMetrics(d, nm, "u1", zaptest.NewLogger(t))

	v := m.Load(context.Background())
	assert.True(t, v.IsError)
	assert.Equal(t, ProvenanceMock, v.Source)
	assert.Equal(t, 2, v.Error.Count)
	assert.Equal(t, "2개의 요청에서 권한 오류가 발생했습니다", v.Error.Message)
	assert.Zero(t, v.TotalBookmarks)
}

func TestDashboardMetricsOffline(t *testing.T) {
	src := newFakeSource()
	d, nm := newTestDashboard(t, src)
	m := NewDashboardMetrics(d, nm, "u1", zaptest.NewLogger(t))
	ctx := context.Background()
	m.Load(ctx)

	nm.SetOnline(false)
	v := m.Load(ctx)
	assert.Equal(t, ProvenanceOffline, v.Source)
	assert.Equal(t, 7, v.TotalBookmarks)

	v = m.Refetch(ctx)
	assert.Equal(t, ProvenanceOffline, v.Source)
	assert.Nil(t, v.Error)
	assert.Equal(t, 1, src.count(DataBookmarks))
}

func TestDashboardMetricsNetworkFailureIsPartial(t *testing.T) {
	src := newFakeSource()
	src.fail(DataBookmarks, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})
	d, nm := newTestDashboard(t, src)
	m := NewDashboardMetrics(d, nm, "u1", zaptest.NewLogger(t))

	v := m.Load(context.Background())
	assert.False(t, v.IsError)
	assert.True(t, v.HasPartialError)
	require.NotNil(t, v.Error)
	assert.Equal(t, ErrorNetwork, v.Error.Type)
	assert.True(t, v.Error.Retryable)
	assert.Equal(t, 7, v.TotalBookmarks)
	assert.Equal(t, 5, v.TotalSessions)
	assert.Empty(t, v.Bookmarks)
	assert.Equal(t, 2, src.count(DataBookmarks), "network errors are retried")
}

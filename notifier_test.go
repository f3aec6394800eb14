package tradesync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNotices(perm Permission, dismiss time.Duration) (*NoticeCenter, *[]Notice, *sync.Mutex) {
	var mu sync.Mutex
	var shown []Notice
	nc := NewNoticeCenter(NoticeConfig{
		Permission:   perm,
		DismissAfter: dismiss,
		Sink: func(n Notice) {
			mu.Lock()
			defer mu.Unlock()
			shown = append(shown, n)
		},
	})
	return nc, &shown, &mu
}

func TestNoticePermissionGate(t *testing.T) {
	for _, perm := range []Permission{PermissionDefault, PermissionDenied} {
		t.Run(string(perm), func(t *testing.T) {
			nc, shown, _ := newTestNotices(perm, time.Minute)
			defer nc.Close()
			nc.Notify(Notice{Tag: "a", Title: "t", Severity: SeverityHigh})
			assert.Empty(t, nc.Active())
			assert.Empty(t, *shown)
		})
	}

	nc, shown, _ := newTestNotices("", time.Minute)
	defer nc.Close()
	assert.Equal(t, PermissionDefault, nc.Permission())
	nc.SetPermission(PermissionGranted)
	nc.Notify(Notice{Tag: "a", Title: "t", Severity: SeverityHigh})
	assert.Len(t, nc.Active(), 1)
	assert.Len(t, *shown, 1)
}

func TestNoticeTagReplaces(t *testing.T) {
	nc, _, _ := newTestNotices(PermissionGranted, time.Minute)
	defer nc.Close()
	nc.Notify(Notice{Tag: "system-1", Title: "first", Severity: SeverityHigh})
	nc.Notify(Notice{Tag: "system-1", Title: "second", Severity: SeverityHigh})
	nc.Notify(Notice{Tag: "system-2", Title: "other", Severity: SeverityHigh})

	active := nc.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "second", active[0].Title)
}

func TestNoticeAutoDismiss(t *testing.T) {
	nc, _, _ := newTestNotices(PermissionGranted, 20*time.Millisecond)
	defer nc.Close()

	nc.Notify(Notice{Tag: "high", Title: "t", Severity: SeverityHigh})
	nc.Notify(Notice{Tag: "critical", Title: "t", Severity: SeverityCritical})

	require.Eventually(t, func() bool { return len(nc.Active()) == 1 }, time.Second, 5*time.Millisecond)
	left := nc.Active()[0]
	assert.Equal(t, "critical", left.Tag)
	assert.True(t, left.RequireInteraction)

	assert.True(t, nc.Dismiss("critical"))
	assert.False(t, nc.Dismiss("critical"))
	assert.Empty(t, nc.Active())
}

func TestNoticeReplacementKeepsNewTimer(t *testing.T) {
	nc, _, _ := newTestNotices(PermissionGranted, 40*time.Millisecond)
	defer nc.Close()

	nc.Notify(Notice{Tag: "t", Title: "old", Severity: SeverityHigh})
	time.Sleep(25 * time.Millisecond)
	nc.Notify(Notice{Tag: "t", Title: "new", Severity: SeverityCritical})
	time.Sleep(40 * time.Millisecond)

	active := nc.Active()
	require.Len(t, active, 1, "the replaced notice's timer must not dismiss its successor")
	assert.Equal(t, "new", active[0].Title)
}

func TestNoticeSinkPanicRecovered(t *testing.T) {
	nc := NewNoticeCenter(NoticeConfig{
		Permission: PermissionGranted,
		Sink:       func(Notice) { panic("render failed") },
	})
	defer nc.Close()
	assert.NotPanics(t, func() { nc.Notify(Notice{Tag: "x", Severity: SeverityHigh}) })
	assert.Len(t, nc.Active(), 1)
}

func TestNoticeClose(t *testing.T) {
	nc, _, _ := newTestNotices(PermissionGranted, time.Minute)
	nc.Notify(Notice{Tag: "a", Severity: SeverityHigh})
	nc.Close()
	assert.Empty(t, nc.Active())
	nc.Notify(Notice{Tag: "b", Severity: SeverityHigh})
	assert.Empty(t, nc.Active())
}

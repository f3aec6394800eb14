package tradesync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	types []DataType
}

func (r *recordingInvalidator) InvalidateDataType(t DataType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, t)
	return 1
}

func (r *recordingInvalidator) get() []DataType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DataType(nil), r.types...)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recordingNotifier) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

type dispatchFixture struct {
	d       *Dispatcher
	mem     *MemoryStores
	inv     *recordingInvalidator
	notices *recordingNotifier
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{
		mem:     NewMemoryStores(),
		inv:     &recordingInvalidator{},
		notices: &recordingNotifier{},
	}
	f.d = NewDispatcher(f.mem.Stores(),
		WithDispatcherLogger(zaptest.NewLogger(t)),
		WithSystemNotifier(f.notices),
		WithInvalidator(f.inv),
	)
	return f
}

func (f *dispatchFixture) handle(t *testing.T, typ EventType, payload any) error {
	t.Helper()
	env, err := NewEnvelope(typ, payload, "")
	require.NoError(t, err)
	return f.d.Handle(env)
}

func TestDispatchAnalysisProgress(t *testing.T) {
	t.Run("progress", func(t *testing.T) {
		f := newDispatchFixture(t)
		require.NoError(t, f.handle(t, EventAnalysisProgress, AnalysisProgressPayload{
			SessionID: "s1", Status: SessionAnalyzing, Progress: 40, Stage: "검색",
		}))
		sess, ok := f.mem.Sessions.Get("s1")
		require.True(t, ok)
		assert.Equal(t, SessionAnalyzing, sess.Status)
		assert.Equal(t, 40, sess.Progress)
		assert.Equal(t, "검색", sess.Stage)
		assert.Empty(t, f.mem.Notifications.Notifications())
		assert.Empty(t, f.inv.get())
	})

	t.Run("completed", func(t *testing.T) {
		f := newDispatchFixture(t)
		result := &AnalysisResult{HSCode: "8517.13", Description: "스마트폰", Confidence: 0.9}
		require.NoError(t, f.handle(t, EventAnalysisProgress, AnalysisProgressPayload{
			SessionID: "s1", Status: SessionCompleted, Progress: 100, Result: result,
		}))
		sess, _ := f.mem.Sessions.Get("s1")
		assert.Equal(t, result, sess.Result)

		notes := f.mem.Notifications.Notifications()
		require.Len(t, notes, 1)
		assert.Equal(t, "HS Code 분석 완료", notes[0].Title)
		assert.Equal(t, LevelSuccess, notes[0].Level)
		assert.Equal(t, "s1", notes[0].SourceID)
		assert.NotEmpty(t, notes[0].ID)
		assert.Equal(t, []DataType{DataDashboard}, f.inv.get())
	})

	t.Run("failed", func(t *testing.T) {
		f := newDispatchFixture(t)
		require.NoError(t, f.handle(t, EventAnalysisProgress, AnalysisProgressPayload{
			SessionID: "s1", Status: SessionFailed, Progress: 10, Error: "설명 부족",
		}))
		sess, _ := f.mem.Sessions.Get("s1")
		assert.Equal(t, SessionFailed, sess.Status)
		assert.Equal(t, "설명 부족", sess.Error)

		notes := f.mem.Notifications.Notifications()
		require.Len(t, notes, 1)
		assert.Equal(t, "HS Code 분석 실패", notes[0].Title)
		assert.Equal(t, LevelError, notes[0].Level)
	})
}

func TestDispatchMonitoringAlert(t *testing.T) {
	tests := []struct {
		severity Severity
		level    NotificationLevel
		notice   bool
	}{
		{SeverityLow, LevelInfo, false},
		{SeverityMedium, LevelInfo, false},
		{SeverityHigh, LevelWarning, true},
		{SeverityCritical, LevelError, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			f := newDispatchFixture(t)
			require.NoError(t, f.handle(t, EventMonitoringAlert, MonitoringAlertPayload{
				AlertID: "a1", BookmarkID: "b1", Title: "관세율 변경", Message: "m", Severity: tt.severity,
			}))
			notes := f.mem.Notifications.Notifications()
			require.Len(t, notes, 1)
			assert.Equal(t, KindMonitoring, notes[0].Kind)
			assert.Equal(t, tt.level, notes[0].Level)
			assert.Equal(t, []DataType{DataNotifications, DataDashboard}, f.inv.get())
			if tt.notice {
				require.Len(t, f.notices.notices, 1)
				assert.Equal(t, "monitoring-a1", f.notices.notices[0].Tag)
			} else {
				assert.Empty(t, f.notices.notices)
			}
		})
	}
}

func TestDispatchBookmarkChange(t *testing.T) {
	f := newDispatchFixture(t)
	b := Bookmark{ID: "b1", Type: "hscode", Title: "스마트폰", MonitoringEnabled: true}

	require.NoError(t, f.handle(t, EventBookmarkChange, BookmarkChangePayload{Action: BookmarkCreated, BookmarkID: "b1", Bookmark: &b}))
	got, ok := f.mem.Bookmarks.Get("b1")
	require.True(t, ok)
	assert.Equal(t, b, got)

	b.Title = "휴대폰"
	require.NoError(t, f.handle(t, EventBookmarkChange, BookmarkChangePayload{Action: BookmarkUpdated, BookmarkID: "b1", Bookmark: &b}))
	got, _ = f.mem.Bookmarks.Get("b1")
	assert.Equal(t, "휴대폰", got.Title)

	require.NoError(t, f.handle(t, EventBookmarkChange, BookmarkChangePayload{Action: BookmarkDeleted, BookmarkID: "b1"}))
	_, ok = f.mem.Bookmarks.Get("b1")
	assert.False(t, ok)

	assert.Equal(t, []DataType{
		DataBookmarks, DataDashboard,
		DataBookmarks, DataDashboard,
		DataBookmarks, DataDashboard,
	}, f.inv.get())
}

func TestDispatchSystemNotification(t *testing.T) {
	f := newDispatchFixture(t)
	require.NoError(t, f.handle(t, EventSystemNotification, SystemNotificationPayload{
		ID: "n1", Title: "점검", Message: "23시", Level: LevelWarning, Importance: SeverityHigh,
	}))
	notes := f.mem.Notifications.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, "n1", notes[0].ID)
	assert.Equal(t, KindSystem, notes[0].Kind)
	require.Len(t, f.notices.notices, 1)
	assert.Equal(t, "system-n1", f.notices.notices[0].Tag)
	assert.Equal(t, []DataType{DataNotifications}, f.inv.get())
}

func TestDispatchNewsUpdate(t *testing.T) {
	f := newDispatchFixture(t)
	a := NewsArticle{ID: "news-1", Title: "통관 절차 개정", Importance: SeverityCritical}
	require.NoError(t, f.handle(t, EventNewsUpdate, NewsUpdatePayload{Action: NewsCreated, Article: a}))
	a.Read = true
	require.NoError(t, f.handle(t, EventNewsUpdate, NewsUpdatePayload{Action: NewsUpdated, Article: a}))

	articles := f.mem.News.Articles()
	require.Len(t, articles, 1)
	assert.True(t, articles[0].Read)
	assert.Len(t, f.notices.notices, 1, "only creation raises a notice")
	assert.Equal(t, []DataType{DataFeeds, DataFeeds}, f.inv.get())
}

func TestDispatchExchangeRate(t *testing.T) {
	f := newDispatchFixture(t)
	require.NoError(t, f.handle(t, EventExchangeRateUpdate, testRate))
	r, ok := f.mem.Rates.Rate("USD")
	require.True(t, ok)
	assert.Equal(t, 1380.0, r.Rate)
	assert.Equal(t, []DataType{DataExchangeRates}, f.inv.get())
}

func TestDispatchRejectsInvalidPayload(t *testing.T) {
	f := newDispatchFixture(t)
	err := f.handle(t, EventBookmarkChange, BookmarkChangePayload{Action: BookmarkCreated, BookmarkID: "b1"})
	var pe *PayloadError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, EventBookmarkChange, pe.Type)
	assert.Empty(t, f.mem.Bookmarks.Bookmarks())
	assert.Empty(t, f.inv.get())
}

func TestDispatcherRegister(t *testing.T) {
	d := &fakeDialer{}
	c := newTestConnection(t, d, nil)
	f := newDispatchFixture(t)

	f.d.Register(c)
	f.d.Register(c)
	for _, typ := range DispatchableEvents {
		assert.Equal(t, 1, c.reg.count(typ), typ)
	}

	require.NoError(t, c.Connect(t.Context()))
	d.last().in <- mustFrame(t, EventExchangeRateUpdate, testRate)
	require.Eventually(t, func() bool {
		_, ok := f.mem.Rates.Rate("USD")
		return ok
	}, timeoutShort, pollFast)

	f.d.Unregister()
	for _, typ := range DispatchableEvents {
		assert.Zero(t, c.reg.count(typ), typ)
	}
}

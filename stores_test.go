package tradesync

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionStore(t *testing.T) {
	s := NewMemorySessionStore()
	s.UpdateSessionStatus("a", SessionAnalyzing)
	s.UpdateProgress("a", 30, "분류")
	s.UpdateProgress("a", 60, "")
	s.UpdateSessionStatus("b", SessionCompleted)
	s.SetResult("b", AnalysisResult{HSCode: "0101.21"})
	s.UpdateSessionStatus("c", SessionFailed)
	s.SetError("c", "실패")

	a, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 60, a.Progress)
	assert.Equal(t, "분류", a.Stage, "an empty stage keeps the previous one")

	_, ok = s.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, SessionCounts{Total: 3, Active: 1, Completed: 1, Failed: 1}, s.Counts())
}

func TestMemoryNotificationStore(t *testing.T) {
	s := NewMemoryNotificationStore(3)
	for i := 0; i < 5; i++ {
		s.AddNotification(Notification{ID: fmt.Sprint(i)})
	}
	items := s.Notifications()
	require.Len(t, items, 3)
	assert.Equal(t, "4", items[0].ID, "newest first")
	assert.False(t, items[0].CreatedAt.IsZero())

	assert.Equal(t, 3, s.Unread())
	assert.True(t, s.MarkRead("3"))
	assert.False(t, s.MarkRead("0"), "evicted")
	assert.Equal(t, 2, s.Unread())
}

func TestMemoryBookmarkStore(t *testing.T) {
	s := NewMemoryBookmarkStore()
	s.UpdateBookmark(Bookmark{ID: "b2"})
	s.UpdateBookmark(Bookmark{ID: "b1"})
	s.RemoveBookmark("b2")
	s.RemoveBookmark("missing")

	all := s.Bookmarks()
	require.Len(t, all, 1)
	assert.Equal(t, "b1", all[0].ID)
}

func TestMemoryNewsStore(t *testing.T) {
	s := NewMemoryNewsStore()
	s.AddArticle(NewsArticle{ID: "n1", Title: "a"})
	s.AddArticle(NewsArticle{ID: "n2", Title: "b"})
	s.UpdateArticle(NewsArticle{ID: "n1", Title: "a2", Read: true})

	articles := s.Articles()
	require.Len(t, articles, 2)
	assert.Equal(t, "n2", articles[0].ID)
	assert.Equal(t, "a2", articles[1].Title)
	assert.Equal(t, 1, s.Unread())
}

func TestMemoryRateStore(t *testing.T) {
	s := NewMemoryRateStore()
	s.UpdateRate(ExchangeRate{Currency: "USD", Rate: 1})
	s.UpdateRate(ExchangeRate{Currency: "EUR", Rate: 2})
	s.UpdateRate(ExchangeRate{Currency: "USD", Rate: 3})

	r, ok := s.Rate("USD")
	require.True(t, ok)
	assert.Equal(t, 3.0, r.Rate)
	rates := s.Rates()
	require.Len(t, rates, 2)
	assert.Equal(t, "EUR", rates[0].Currency)
}

func TestMemoryStoresConcurrent(t *testing.T) {
	m := NewMemoryStores()
	d := NewDispatcher(m.Stores())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, _ := NewEnvelope(EventBookmarkChange, BookmarkChangePayload{
				Action: BookmarkCreated, BookmarkID: fmt.Sprintf("b%02d", i), Bookmark: &Bookmark{Title: "t"},
			}, "")
			_ = d.Handle(env)
			_ = m.Bookmarks.Bookmarks()
		}(i)
	}
	wg.Wait()
	assert.Len(t, m.Bookmarks.Bookmarks(), 20)
}

package mockserver

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LuminPulse-AI/tradesync"
)

// State is the mock backend data served over REST and mutated by generated
// events.
type State struct {
	mu            sync.RWMutex
	rnd           *rand.Rand
	bookmarks     map[string]tradesync.Bookmark
	notifications []tradesync.Notification
	feeds         []tradesync.NewsArticle
	rates         map[string]tradesync.ExchangeRate
	sessions      map[string]tradesync.SessionStatus
}

// NewState returns a state seeded with sample data.
func NewState(seed int64) *State {
	now := time.Now().UTC().Format(time.RFC3339)
	s := &State{
		rnd:       rand.New(rand.NewSource(seed)),
		bookmarks: make(map[string]tradesync.Bookmark),
		rates:     make(map[string]tradesync.ExchangeRate),
		sessions:  make(map[string]tradesync.SessionStatus),
	}
	for _, b := range []tradesync.Bookmark{
		{ID: "bm-1", Type: "hscode", Title: "8517.13 스마트폰", MonitoringEnabled: true, CreatedAt: now},
		{ID: "bm-2", Type: "regulation", Title: "FTA 원산지 규정", MonitoringEnabled: false, CreatedAt: now},
		{ID: "bm-3", Type: "cargo", Title: "부산항 컨테이너 화물", MonitoringEnabled: true, CreatedAt: now},
	} {
		s.bookmarks[b.ID] = b
	}
	for _, r := range []tradesync.ExchangeRate{
		{Currency: "USD", Rate: 1380.5, UpdatedAt: now},
		{Currency: "EUR", Rate: 1495.2, UpdatedAt: now},
		{Currency: "JPY", Rate: 9.12, UpdatedAt: now},
		{Currency: "CNY", Rate: 190.4, UpdatedAt: now},
	} {
		s.rates[r.Currency] = r
	}
	s.feeds = []tradesync.NewsArticle{
		{ID: "news-1", Title: "수출입 통관 절차 개정 안내", Source: "관세청", Category: "customs", Importance: tradesync.SeverityMedium, PublishedAt: now},
		{ID: "news-2", Title: "반도체 수출 전년 대비 증가", Source: "산업통상자원부", Category: "trade", Importance: tradesync.SeverityLow, PublishedAt: now},
	}
	return s
}

func (s *State) Bookmarks() []tradesync.Bookmark {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tradesync.Bookmark, 0, len(s.bookmarks))
	for _, b := range s.bookmarks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *State) Summary() tradesync.DashboardSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum tradesync.DashboardSummary
	sum.TotalBookmarks = len(s.bookmarks)
	for _, b := range s.bookmarks {
		if b.MonitoringEnabled {
			sum.ActiveMonitoring++
		}
	}
	for _, a := range s.feeds {
		if !a.Read {
			sum.UnreadFeeds++
		}
	}
	for _, st := range s.sessions {
		sum.TotalSessions++
		switch st {
		case tradesync.SessionCompleted:
			sum.CompletedSessions++
		case tradesync.SessionPending, tradesync.SessionAnalyzing:
			sum.ActiveSessions++
		}
	}
	return sum
}

func (s *State) Notifications() []tradesync.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]tradesync.Notification(nil), s.notifications...)
}

func (s *State) Feeds() []tradesync.NewsArticle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]tradesync.NewsArticle(nil), s.feeds...)
}

func (s *State) Rates() []tradesync.ExchangeRate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tradesync.ExchangeRate, 0, len(s.rates))
	for _, r := range s.rates {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// Next generates an event of type t, applies it to the state and returns
// its envelope.
func (s *State) Next(t tradesync.EventType) (tradesync.Envelope, error) {
	s.mu.Lock()
	payload := s.generate(t)
	s.mu.Unlock()
	if payload == nil {
		return tradesync.Envelope{}, fmt.Errorf("cannot generate %s", t)
	}
	return tradesync.NewEnvelope(t, payload, "")
}

// Random generates an event of a random dispatchable type.
func (s *State) Random() (tradesync.Envelope, error) {
	s.mu.Lock()
	t := tradesync.DispatchableEvents[s.rnd.Intn(len(tradesync.DispatchableEvents))]
	s.mu.Unlock()
	return s.Next(t)
}

var severities = []tradesync.Severity{
	tradesync.SeverityLow, tradesync.SeverityMedium, tradesync.SeverityHigh, tradesync.SeverityCritical,
}

func (s *State) generate(t tradesync.EventType) tradesync.Event {
	now := time.Now().UTC().Format(time.RFC3339)
	switch t {
	case tradesync.EventAnalysisProgress:
		id := "session-" + uuid.NewString()[:8]
		p := tradesync.AnalysisProgressPayload{SessionID: id, Status: tradesync.SessionAnalyzing, Progress: s.rnd.Intn(100), Stage: "분류 후보 검색"}
		switch s.rnd.Intn(4) {
		case 0:
			p.Status, p.Progress = tradesync.SessionCompleted, 100
			p.Result = &tradesync.AnalysisResult{HSCode: "8517.13", Description: "스마트폰", Confidence: 0.92}
		case 1:
			p.Status = tradesync.SessionFailed
			p.Error = "상품 설명이 부족합니다"
		}
		s.sessions[id] = p.Status
		return p

	case tradesync.EventMonitoringAlert:
		sev := severities[s.rnd.Intn(len(severities))]
		return tradesync.MonitoringAlertPayload{
			AlertID:    uuid.NewString(),
			BookmarkID: "bm-1",
			AlertType:  "tariff_change",
			Title:      "관세율 변경 감지",
			Message:    "8517.13 품목의 관세율이 변경되었습니다.",
			Severity:   sev,
		}

	case tradesync.EventBookmarkChange:
		if len(s.bookmarks) > 0 && s.rnd.Intn(3) == 0 {
			for id := range s.bookmarks {
				delete(s.bookmarks, id)
				return tradesync.BookmarkChangePayload{Action: tradesync.BookmarkDeleted, BookmarkID: id}
			}
		}
		b := tradesync.Bookmark{
			ID:                "bm-" + uuid.NewString()[:8],
			Type:              "hscode",
			Title:             "신규 북마크",
			MonitoringEnabled: s.rnd.Intn(2) == 0,
			CreatedAt:         now,
		}
		s.bookmarks[b.ID] = b
		return tradesync.BookmarkChangePayload{Action: tradesync.BookmarkCreated, BookmarkID: b.ID, Bookmark: &b}

	case tradesync.EventSystemNotification:
		p := tradesync.SystemNotificationPayload{
			ID:         uuid.NewString(),
			Title:      "시스템 점검 안내",
			Message:    "오늘 23시부터 30분간 점검이 진행됩니다.",
			Level:      tradesync.LevelInfo,
			Importance: severities[s.rnd.Intn(len(severities))],
		}
		s.notifications = append(s.notifications, tradesync.Notification{
			ID: p.ID, Kind: tradesync.KindSystem, Level: p.Level, Title: p.Title, Message: p.Message, CreatedAt: time.Now(),
		})
		return p

	case tradesync.EventNewsUpdate:
		a := tradesync.NewsArticle{
			ID:          "news-" + uuid.NewString()[:8],
			Title:       "무역 동향 속보",
			Source:      "한국무역협회",
			Category:    "trade",
			Importance:  severities[s.rnd.Intn(len(severities))],
			PublishedAt: now,
		}
		s.feeds = append(s.feeds, a)
		return tradesync.NewsUpdatePayload{Action: tradesync.NewsCreated, Article: a}

	case tradesync.EventExchangeRateUpdate:
		cur := []string{"USD", "EUR", "JPY", "CNY"}[s.rnd.Intn(4)]
		r := s.rates[cur]
		change := r.Rate * (s.rnd.Float64() - 0.5) / 50
		r.Change = change
		r.ChangePercent = change / r.Rate * 100
		r.Rate += change
		r.UpdatedAt = now
		s.rates[cur] = r
		return tradesync.ExchangeRateUpdatePayload{ExchangeRate: r}
	}
	return nil
}

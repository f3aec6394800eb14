package tradesync

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Domain Records
// ============================================================================

// AnalysisSession is the client-side view of one HS Code analysis.
type AnalysisSession struct {
	ID        string          `json:"id"`
	Status    SessionStatus   `json:"status"`
	Progress  int             `json:"progress"`
	Stage     string          `json:"stage,omitempty"`
	Result    *AnalysisResult `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// NotificationKind identifies what produced a notification.
type NotificationKind string

const (
	KindAnalysis   NotificationKind = "analysis"
	KindMonitoring NotificationKind = "monitoring"
	KindSystem     NotificationKind = "system"
)

// Notification is an entry in the user's notification list.
type Notification struct {
	ID        string            `json:"id"`
	Kind      NotificationKind  `json:"kind"`
	Level     NotificationLevel `json:"level"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	SourceID  string            `json:"sourceId,omitempty"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"createdAt"`
}

// ============================================================================
// Sessions
// ============================================================================

// SessionCounts summarises analysis sessions by state.
type SessionCounts struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// MemorySessionStore is a goroutine-safe in-memory SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*AnalysisSession
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*AnalysisSession)}
}

func (s *MemorySessionStore) session(id string) *AnalysisSession {
	sess, ok := s.sessions[id]
	if !ok {
		sess = &AnalysisSession{ID: id, Status: SessionPending}
		s.sessions[id] = sess
	}
	sess.UpdatedAt = time.Now()
	return sess
}

func (s *MemorySessionStore) UpdateSessionStatus(id string, status SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session(id).Status = status
}

func (s *MemorySessionStore) UpdateProgress(id string, progress int, stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(id)
	sess.Progress = progress
	if stage != "" {
		sess.Stage = stage
	}
}

func (s *MemorySessionStore) SetResult(id string, result AnalysisResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(id)
	sess.Result = &result
	sess.Error = ""
}

func (s *MemorySessionStore) SetError(id string, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session(id).Error = message
}

// Get returns a copy of the session.
func (s *MemorySessionStore) Get(id string) (AnalysisSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return AnalysisSession{}, false
	}
	return *sess, true
}

// Counts returns the number of sessions per state.
func (s *MemorySessionStore) Counts() SessionCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c SessionCounts
	for _, sess := range s.sessions {
		c.Total++
		switch sess.Status {
		case SessionCompleted:
			c.Completed++
		case SessionFailed:
			c.Failed++
		default:
			c.Active++
		}
	}
	return c
}

// ============================================================================
// Notifications
// ============================================================================

// DefaultNotificationLimit caps the in-memory notification list.
const DefaultNotificationLimit = 100

// MemoryNotificationStore keeps the newest notifications first.
type MemoryNotificationStore struct {
	mu    sync.RWMutex
	items []Notification
	limit int
}

func NewMemoryNotificationStore(limit int) *MemoryNotificationStore {
	if limit <= 0 {
		limit = DefaultNotificationLimit
	}
	return &MemoryNotificationStore{limit: limit}
}

func (s *MemoryNotificationStore) AddNotification(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	s.items = append([]Notification{n}, s.items...)
	if len(s.items) > s.limit {
		s.items = s.items[:s.limit]
	}
}

// MarkRead marks one notification as read.
func (s *MemoryNotificationStore) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i].Read = true
			return true
		}
	}
	return false
}

// Notifications returns a copy of the list, newest first.
func (s *MemoryNotificationStore) Notifications() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Notification(nil), s.items...)
}

// Unread returns the number of unread notifications.
func (s *MemoryNotificationStore) Unread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, it := range s.items {
		if !it.Read {
			n++
		}
	}
	return n
}

// ============================================================================
// Bookmarks
// ============================================================================

// MemoryBookmarkStore is a goroutine-safe in-memory BookmarkStore.
type MemoryBookmarkStore struct {
	mu        sync.RWMutex
	bookmarks map[string]Bookmark
}

func NewMemoryBookmarkStore() *MemoryBookmarkStore {
	return &MemoryBookmarkStore{bookmarks: make(map[string]Bookmark)}
}

func (s *MemoryBookmarkStore) UpdateBookmark(b Bookmark) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookmarks[b.ID] = b
}

func (s *MemoryBookmarkStore) RemoveBookmark(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bookmarks, id)
}

func (s *MemoryBookmarkStore) Get(id string) (Bookmark, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookmarks[id]
	return b, ok
}

// Bookmarks returns all bookmarks ordered by id.
func (s *MemoryBookmarkStore) Bookmarks() []Bookmark {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Bookmark, 0, len(s.bookmarks))
	for _, b := range s.bookmarks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ============================================================================
// News
// ============================================================================

// MemoryNewsStore keeps articles in arrival order.
type MemoryNewsStore struct {
	mu       sync.RWMutex
	order    []string
	articles map[string]NewsArticle
}

func NewMemoryNewsStore() *MemoryNewsStore {
	return &MemoryNewsStore{articles: make(map[string]NewsArticle)}
}

func (s *MemoryNewsStore) AddArticle(a NewsArticle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.articles[a.ID]; !ok {
		s.order = append(s.order, a.ID)
	}
	s.articles[a.ID] = a
}

// UpdateArticle replaces a known article. Unknown ids are added.
func (s *MemoryNewsStore) UpdateArticle(a NewsArticle) {
	s.AddArticle(a)
}

// Articles returns the articles, newest arrival first.
func (s *MemoryNewsStore) Articles() []NewsArticle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NewsArticle, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.articles[s.order[i]])
	}
	return out
}

// Unread returns the number of unread articles.
func (s *MemoryNewsStore) Unread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.articles {
		if !a.Read {
			n++
		}
	}
	return n
}

// ============================================================================
// Exchange Rates
// ============================================================================

// MemoryRateStore holds the latest rate per currency.
type MemoryRateStore struct {
	mu    sync.RWMutex
	rates map[string]ExchangeRate
}

func NewMemoryRateStore() *MemoryRateStore {
	return &MemoryRateStore{rates: make(map[string]ExchangeRate)}
}

func (s *MemoryRateStore) UpdateRate(r ExchangeRate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[r.Currency] = r
}

func (s *MemoryRateStore) Rate(currency string) (ExchangeRate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rates[currency]
	return r, ok
}

// Rates returns all rates ordered by currency code.
func (s *MemoryRateStore) Rates() []ExchangeRate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ExchangeRate, 0, len(s.rates))
	for _, r := range s.rates {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// ============================================================================
// Bundle
// ============================================================================

// MemoryStores bundles one in-memory store per domain.
type MemoryStores struct {
	Sessions      *MemorySessionStore
	Notifications *MemoryNotificationStore
	Bookmarks     *MemoryBookmarkStore
	News          *MemoryNewsStore
	Rates         *MemoryRateStore
}

func NewMemoryStores() *MemoryStores {
	return &MemoryStores{
		Sessions:      NewMemorySessionStore(),
		Notifications: NewMemoryNotificationStore(0),
		Bookmarks:     NewMemoryBookmarkStore(),
		News:          NewMemoryNewsStore(),
		Rates:         NewMemoryRateStore(),
	}
}

// Stores returns the capability view used by the dispatcher.
func (m *MemoryStores) Stores() Stores {
	return Stores{
		Sessions:      m.Sessions,
		Notifications: m.Notifications,
		Bookmarks:     m.Bookmarks,
		News:          m.News,
		Rates:         m.Rates,
	}
}

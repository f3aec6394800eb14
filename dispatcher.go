package tradesync

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Store Capabilities
// ============================================================================

// SessionStore receives analysis session updates.
type SessionStore interface {
	UpdateSessionStatus(sessionID string, status SessionStatus)
	UpdateProgress(sessionID string, progress int, stage string)
	SetResult(sessionID string, result AnalysisResult)
	SetError(sessionID string, message string)
}

// NotificationStore receives user notifications.
type NotificationStore interface {
	AddNotification(n Notification)
}

// BookmarkStore receives bookmark mutations.
type BookmarkStore interface {
	UpdateBookmark(b Bookmark)
	RemoveBookmark(id string)
}

// NewsStore receives news feed mutations.
type NewsStore interface {
	AddArticle(a NewsArticle)
	UpdateArticle(a NewsArticle)
}

// RateStore receives exchange rate updates.
type RateStore interface {
	UpdateRate(r ExchangeRate)
}

// SystemNotifier displays high-importance notices to the user.
type SystemNotifier interface {
	Notify(n Notice)
}

// Invalidator marks cached data of a domain type as stale.
type Invalidator interface {
	InvalidateDataType(t DataType) int
}

// Stores groups the stores mutated by the dispatcher. Nil members are
// skipped.
type Stores struct {
	Sessions      SessionStore
	Notifications NotificationStore
	Bookmarks     BookmarkStore
	News          NewsStore
	Rates         RateStore
}

// Subscriber is the registration surface of a Connection.
type Subscriber interface {
	Subscribe(t EventType, h Handler) func()
}

// ============================================================================
// Dispatcher
// ============================================================================

// Dispatcher routes each inbound event type to its single handler.
type Dispatcher struct {
	stores      Stores
	notifier    SystemNotifier
	invalidator Invalidator
	log         *zap.Logger
	metrics     *Metrics

	mu     sync.Mutex
	unsubs []func()
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = nopIfNil(l) }
}

func WithDispatcherMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithSystemNotifier(n SystemNotifier) DispatcherOption {
	return func(d *Dispatcher) { d.notifier = n }
}

func WithInvalidator(i Invalidator) DispatcherOption {
	return func(d *Dispatcher) { d.invalidator = i }
}

// NewDispatcher creates a dispatcher over the given stores.
func NewDispatcher(stores Stores, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{stores: stores, log: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With(zap.String("component", "dispatcher"))
	return d
}

// Register subscribes one handler per dispatchable event type. Calling it
// again while registered is a no-op.
func (d *Dispatcher) Register(sub Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsubs != nil {
		return
	}
	d.unsubs = make([]func(), 0, len(DispatchableEvents))
	for _, t := range DispatchableEvents {
		d.unsubs = append(d.unsubs, sub.Subscribe(t, d.handle))
	}
}

// Unregister removes every subscription made by Register.
func (d *Dispatcher) Unregister() {
	d.mu.Lock()
	unsubs := d.unsubs
	d.unsubs = nil
	d.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (d *Dispatcher) handle(env Envelope) {
	_ = d.Handle(env)
}

// Handle validates env and applies it to the stores. Invalid payloads are
// logged and returned as *PayloadError without touching any store.
func (d *Dispatcher) Handle(env Envelope) error {
	ev, err := DecodeEvent(env)
	if err != nil {
		d.metrics.payloadRejected(env.Type)
		d.log.Warn("rejected payload", zap.String("type", string(env.Type)), zap.Error(err))
		return err
	}

	switch p := ev.(type) {
	case AnalysisProgressPayload:
		d.analysisProgress(p)
	case MonitoringAlertPayload:
		d.monitoringAlert(p)
	case BookmarkChangePayload:
		d.bookmarkChange(p)
	case SystemNotificationPayload:
		d.systemNotification(p)
	case NewsUpdatePayload:
		d.newsUpdate(p)
	case ExchangeRateUpdatePayload:
		d.exchangeRate(p)
	default:
		return &PayloadError{Type: env.Type, Err: errors.New("no handler")}
	}
	return nil
}

// ============================================================================
// Handlers
// ============================================================================

func (d *Dispatcher) analysisProgress(p AnalysisProgressPayload) {
	if s := d.stores.Sessions; s != nil {
		s.UpdateSessionStatus(p.SessionID, p.Status)
		s.UpdateProgress(p.SessionID, p.Progress, p.Stage)
	}

	switch p.Status {
	case SessionCompleted:
		if s := d.stores.Sessions; s != nil && p.Result != nil {
			s.SetResult(p.SessionID, *p.Result)
		}
		msg := "분석이 완료되었습니다."
		if p.Result != nil {
			msg = fmt.Sprintf("추천 HS Code: %s (신뢰도 %.0f%%)", p.Result.HSCode, p.Result.Confidence*100)
		}
		d.addNotification(Notification{
			Kind:     KindAnalysis,
			Level:    LevelSuccess,
			Title:    "HS Code 분석 완료",
			Message:  msg,
			SourceID: p.SessionID,
		})
		d.invalidate(DataDashboard)

	case SessionFailed:
		msg := p.Error
		if msg == "" {
			msg = "분석 중 오류가 발생했습니다."
		}
		if s := d.stores.Sessions; s != nil {
			s.SetError(p.SessionID, msg)
		}
		d.addNotification(Notification{
			Kind:     KindAnalysis,
			Level:    LevelError,
			Title:    "HS Code 분석 실패",
			Message:  msg,
			SourceID: p.SessionID,
		})
	}
}

func (d *Dispatcher) monitoringAlert(p MonitoringAlertPayload) {
	d.addNotification(Notification{
		Kind:     KindMonitoring,
		Level:    severityLevel(p.Severity),
		Title:    p.Title,
		Message:  p.Message,
		SourceID: p.AlertID,
	})
	if p.Severity.Notable() {
		d.notify(Notice{
			Tag:      "monitoring-" + p.AlertID,
			Title:    p.Title,
			Body:     p.Message,
			Severity: p.Severity,
		})
	}
	d.invalidate(DataNotifications, DataDashboard)
}

func (d *Dispatcher) bookmarkChange(p BookmarkChangePayload) {
	if s := d.stores.Bookmarks; s != nil {
		switch p.Action {
		case BookmarkCreated, BookmarkUpdated:
			b := *p.Bookmark
			if b.ID == "" {
				b.ID = p.BookmarkID
			}
			s.UpdateBookmark(b)
		case BookmarkDeleted:
			s.RemoveBookmark(p.BookmarkID)
		}
	}
	d.invalidate(DataBookmarks, DataDashboard)
}

func (d *Dispatcher) systemNotification(p SystemNotificationPayload) {
	d.addNotification(Notification{
		ID:       p.ID,
		Kind:     KindSystem,
		Level:    p.Level,
		Title:    p.Title,
		Message:  p.Message,
		SourceID: p.ID,
	})
	if p.Importance.Notable() {
		d.notify(Notice{
			Tag:      "system-" + p.ID,
			Title:    p.Title,
			Body:     p.Message,
			Severity: p.Importance,
		})
	}
	d.invalidate(DataNotifications)
}

func (d *Dispatcher) newsUpdate(p NewsUpdatePayload) {
	if s := d.stores.News; s != nil {
		if p.Action == NewsCreated {
			s.AddArticle(p.Article)
		} else {
			s.UpdateArticle(p.Article)
		}
	}
	if p.Action == NewsCreated && p.Article.Importance.Notable() {
		d.notify(Notice{
			Tag:      "news-" + p.Article.ID,
			Title:    p.Article.Title,
			Body:     p.Article.Summary,
			Severity: p.Article.Importance,
		})
	}
	d.invalidate(DataFeeds)
}

func (d *Dispatcher) exchangeRate(p ExchangeRateUpdatePayload) {
	if s := d.stores.Rates; s != nil {
		s.UpdateRate(p.ExchangeRate)
	}
	d.invalidate(DataExchangeRates)
}

func (d *Dispatcher) addNotification(n Notification) {
	s := d.stores.Notifications
	if s == nil {
		return
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	s.AddNotification(n)
}

func (d *Dispatcher) notify(n Notice) {
	if d.notifier == nil {
		return
	}
	d.notifier.Notify(n)
}

func (d *Dispatcher) invalidate(types ...DataType) {
	if d.invalidator == nil {
		return
	}
	for _, t := range types {
		n := d.invalidator.InvalidateDataType(t)
		d.log.Debug("invalidated", zap.String("data_type", string(t)), zap.Int("entries", n))
	}
}

func severityLevel(s Severity) NotificationLevel {
	switch s {
	case SeverityCritical:
		return LevelError
	case SeverityHigh:
		return LevelWarning
	default:
		return LevelInfo
	}
}

package tradesync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// codec is the JSON implementation used for every frame and snapshot.
var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// ============================================================================
// Event Types
// ============================================================================

// EventType is the closed set of message types carried on the wire.
type EventType string

const (
	EventAnalysisProgress   EventType = "analysis_progress"
	EventMonitoringAlert    EventType = "monitoring_alert"
	EventBookmarkChange     EventType = "bookmark_change"
	EventSystemNotification EventType = "system_notification"
	EventNewsUpdate         EventType = "news_update"
	EventExchangeRateUpdate EventType = "exchange_rate_update"
	EventHeartbeat          EventType = "heartbeat"
)

// DispatchableEvents lists every event type delivered to subscribers.
// Heartbeat is handled by the connection itself.
var DispatchableEvents = []EventType{
	EventAnalysisProgress,
	EventMonitoringAlert,
	EventBookmarkChange,
	EventSystemNotification,
	EventNewsUpdate,
	EventExchangeRateUpdate,
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	if t == EventHeartbeat {
		return true
	}
	for _, e := range DispatchableEvents {
		if e == t {
			return true
		}
	}
	return false
}

// ErrUnknownEventType is returned for frames whose type is outside the enumeration.
var ErrUnknownEventType = errors.New("unknown event type")

// ============================================================================
// Envelope
// ============================================================================

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Type          EventType       `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     string          `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Time parses the envelope timestamp. The zero time is returned when it is
// missing or malformed.
func (e Envelope) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NewEnvelope builds an envelope stamped with the current time.
func NewEnvelope(t EventType, payload any, correlationID string) (Envelope, error) {
	raw, err := codec.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{
		Type:          t,
		Payload:       raw,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		CorrelationID: correlationID,
	}, nil
}

// NewCorrelationID returns a fresh id for request/response correlation.
func NewCorrelationID() string {
	return uuid.NewString()
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	return codec.Marshal(env)
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
	return env, nil
}

// ============================================================================
// Shared Enumerations
// ============================================================================

// Severity grades alerts, notifications and news importance.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Notable reports whether s crosses the threshold for a system notification.
func (s Severity) Notable() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// SessionStatus is the lifecycle of an HS Code analysis session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionAnalyzing SessionStatus = "analyzing"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

func (s SessionStatus) valid() bool {
	switch s {
	case SessionPending, SessionAnalyzing, SessionCompleted, SessionFailed:
		return true
	}
	return false
}

// NotificationLevel is the display level of a notification.
type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelSuccess NotificationLevel = "success"
	LevelWarning NotificationLevel = "warning"
	LevelError   NotificationLevel = "error"
)

func (l NotificationLevel) valid() bool {
	switch l {
	case LevelInfo, LevelSuccess, LevelWarning, LevelError:
		return true
	}
	return false
}

// ============================================================================
// Event Payloads
// ============================================================================

// Event is a decoded, typed payload. The concrete type is selected by the
// envelope's type field.
type Event interface {
	EventType() EventType
	Validate() error
}

// HSCodeCandidate is one classification proposal.
type HSCodeCandidate struct {
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// AnalysisResult is the final outcome of an analysis session.
type AnalysisResult struct {
	HSCode       string            `json:"hsCode"`
	Description  string            `json:"description"`
	Confidence   float64           `json:"confidence"`
	Alternatives []HSCodeCandidate `json:"alternatives,omitempty"`
}

// AnalysisProgressPayload reports progress of an HS Code analysis session.
type AnalysisProgressPayload struct {
	SessionID string          `json:"sessionId"`
	Status    SessionStatus   `json:"status"`
	Progress  int             `json:"progress"`
	Stage     string          `json:"stage,omitempty"`
	Result    *AnalysisResult `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (AnalysisProgressPayload) EventType() EventType { return EventAnalysisProgress }

func (p AnalysisProgressPayload) Validate() error {
	if p.SessionID == "" {
		return errors.New("sessionId is required")
	}
	if !p.Status.valid() {
		return fmt.Errorf("invalid status %q", p.Status)
	}
	if p.Progress < 0 || p.Progress > 100 {
		return fmt.Errorf("progress %d out of range 0..100", p.Progress)
	}
	return nil
}

// MonitoringAlertPayload is raised when a monitored bookmark changes.
type MonitoringAlertPayload struct {
	AlertID    string         `json:"alertId"`
	BookmarkID string         `json:"bookmarkId"`
	AlertType  string         `json:"type,omitempty"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Severity   Severity       `json:"severity"`
	Data       map[string]any `json:"data,omitempty"`
}

func (MonitoringAlertPayload) EventType() EventType { return EventMonitoringAlert }

func (p MonitoringAlertPayload) Validate() error {
	if p.AlertID == "" {
		return errors.New("alertId is required")
	}
	if p.Title == "" {
		return errors.New("title is required")
	}
	if !p.Severity.valid() {
		return fmt.Errorf("invalid severity %q", p.Severity)
	}
	return nil
}

// BookmarkAction describes a bookmark mutation.
type BookmarkAction string

const (
	BookmarkCreated BookmarkAction = "created"
	BookmarkUpdated BookmarkAction = "updated"
	BookmarkDeleted BookmarkAction = "deleted"
)

// Bookmark is a saved HS code, cargo or regulation entry.
type Bookmark struct {
	ID                string   `json:"id"`
	Type              string   `json:"type"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	MonitoringEnabled bool     `json:"monitoringEnabled"`
	Tags              []string `json:"tags,omitempty"`
	CreatedAt         string   `json:"createdAt,omitempty"`
	UpdatedAt         string   `json:"updatedAt,omitempty"`
}

// BookmarkChangePayload carries a bookmark mutation made elsewhere.
type BookmarkChangePayload struct {
	Action     BookmarkAction `json:"action"`
	BookmarkID string         `json:"bookmarkId"`
	Bookmark   *Bookmark      `json:"bookmark,omitempty"`
}

func (BookmarkChangePayload) EventType() EventType { return EventBookmarkChange }

func (p BookmarkChangePayload) Validate() error {
	if p.BookmarkID == "" {
		return errors.New("bookmarkId is required")
	}
	switch p.Action {
	case BookmarkCreated, BookmarkUpdated:
		if p.Bookmark == nil {
			return fmt.Errorf("bookmark is required for %s", p.Action)
		}
	case BookmarkDeleted:
	default:
		return fmt.Errorf("invalid action %q", p.Action)
	}
	return nil
}

// SystemNotificationPayload is a server-originated notice for the user.
type SystemNotificationPayload struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Level      NotificationLevel `json:"level"`
	Importance Severity          `json:"importance"`
}

func (SystemNotificationPayload) EventType() EventType { return EventSystemNotification }

func (p SystemNotificationPayload) Validate() error {
	if p.ID == "" {
		return errors.New("id is required")
	}
	if p.Title == "" {
		return errors.New("title is required")
	}
	if !p.Level.valid() {
		return fmt.Errorf("invalid level %q", p.Level)
	}
	if !p.Importance.valid() {
		return fmt.Errorf("invalid importance %q", p.Importance)
	}
	return nil
}

// NewsAction describes a news feed mutation.
type NewsAction string

const (
	NewsCreated NewsAction = "created"
	NewsUpdated NewsAction = "updated"
)

// NewsArticle is one trade news item.
type NewsArticle struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Summary     string   `json:"summary,omitempty"`
	Source      string   `json:"source,omitempty"`
	URL         string   `json:"url,omitempty"`
	Category    string   `json:"category,omitempty"`
	Importance  Severity `json:"importance,omitempty"`
	PublishedAt string   `json:"publishedAt,omitempty"`
	Read        bool     `json:"read"`
}

// NewsUpdatePayload adds or edits a news article.
type NewsUpdatePayload struct {
	Action  NewsAction  `json:"action"`
	Article NewsArticle `json:"article"`
}

func (NewsUpdatePayload) EventType() EventType { return EventNewsUpdate }

func (p NewsUpdatePayload) Validate() error {
	if p.Action != NewsCreated && p.Action != NewsUpdated {
		return fmt.Errorf("invalid action %q", p.Action)
	}
	if p.Article.ID == "" {
		return errors.New("article.id is required")
	}
	if p.Article.Title == "" {
		return errors.New("article.title is required")
	}
	if p.Article.Importance != "" && !p.Article.Importance.valid() {
		return fmt.Errorf("invalid importance %q", p.Article.Importance)
	}
	return nil
}

// ExchangeRate is the latest KRW rate for one currency.
type ExchangeRate struct {
	Currency      string  `json:"currency"`
	Rate          float64 `json:"rate"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	UpdatedAt     string  `json:"updatedAt,omitempty"`
}

// ExchangeRateUpdatePayload pushes a new rate.
type ExchangeRateUpdatePayload struct {
	ExchangeRate
}

func (ExchangeRateUpdatePayload) EventType() EventType { return EventExchangeRateUpdate }

func (p ExchangeRateUpdatePayload) Validate() error {
	if len(p.Currency) != 3 {
		return fmt.Errorf("invalid currency %q", p.Currency)
	}
	for _, r := range p.Currency {
		if r < 'A' || r > 'Z' {
			return fmt.Errorf("invalid currency %q", p.Currency)
		}
	}
	if p.Rate <= 0 {
		return fmt.Errorf("rate must be positive, got %v", p.Rate)
	}
	return nil
}

// ============================================================================
// Decoding
// ============================================================================

// PayloadError reports a payload that does not match its event type.
type PayloadError struct {
	Type EventType
	Err  error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.Type, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// DecodeEvent decodes and validates the payload of env into its typed form.
func DecodeEvent(env Envelope) (Event, error) {
	var ev Event
	var err error
	switch env.Type {
	case EventAnalysisProgress:
		ev, err = decodePayload[AnalysisProgressPayload](env.Payload)
	case EventMonitoringAlert:
		ev, err = decodePayload[MonitoringAlertPayload](env.Payload)
	case EventBookmarkChange:
		ev, err = decodePayload[BookmarkChangePayload](env.Payload)
	case EventSystemNotification:
		ev, err = decodePayload[SystemNotificationPayload](env.Payload)
	case EventNewsUpdate:
		ev, err = decodePayload[NewsUpdatePayload](env.Payload)
	case EventExchangeRateUpdate:
		ev, err = decodePayload[ExchangeRateUpdatePayload](env.Payload)
	default:
		return nil, &PayloadError{Type: env.Type, Err: ErrUnknownEventType}
	}
	if err != nil {
		return nil, &PayloadError{Type: env.Type, Err: err}
	}
	if err := ev.Validate(); err != nil {
		return nil, &PayloadError{Type: env.Type, Err: err}
	}
	return ev, nil
}

func decodePayload[T Event](raw json.RawMessage) (Event, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("payload is empty")
	}
	var p T
	if err := codec.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

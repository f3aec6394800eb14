package tradesync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Error Classification
// ============================================================================

// ErrorType is the category of a failed query.
type ErrorType string

const (
	ErrorPermission ErrorType = "permission"
	ErrorServer     ErrorType = "server"
	ErrorNetwork    ErrorType = "network"
	ErrorUnknown    ErrorType = "unknown"
)

// Rank orders error types by severity: permission > server > network >
// unknown. Higher is more severe.
func (t ErrorType) Rank() int {
	switch t {
	case ErrorPermission:
		return 4
	case ErrorServer:
		return 3
	case ErrorNetwork:
		return 2
	case ErrorUnknown:
		return 1
	default:
		return 0
	}
}

// Retryable reports whether a query failing with t should be retried.
func (t ErrorType) Retryable() bool {
	return t == ErrorNetwork || t == ErrorServer
}

func (t ErrorType) label() string {
	switch t {
	case ErrorPermission:
		return "권한"
	case ErrorServer:
		return "서버"
	case ErrorNetwork:
		return "네트워크"
	default:
		return "알 수 없는"
	}
}

// ClassifyError maps err to its category. A nil error has no category.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ""
	}
	var he *HTTPError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode == http.StatusUnauthorized || he.StatusCode == http.StatusForbidden:
			return ErrorPermission
		case he.StatusCode >= 500:
			return ErrorServer
		case he.StatusCode == http.StatusRequestTimeout || he.StatusCode == http.StatusTooManyRequests:
			return ErrorNetwork
		default:
			return ErrorUnknown
		}
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrNoOfflineData),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrConnectTimeout),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return ErrorNetwork
	}
	return ErrorUnknown
}

// QueryError is the structured error state handed to presentation code.
type QueryError struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	// Count is the number of failed queries sharing Type.
	Count int   `json:"count"`
	Err   error `json:"-"`
}

func (e *QueryError) Error() string { return fmt.Sprintf("%s: %s", e.Type, e.Message) }

func (e *QueryError) Unwrap() error { return e.Err }

// MostSevere returns the most severe of errs, or nil if all are nil. When
// several errors share the top category the message reports their count.
func MostSevere(errs ...error) *QueryError {
	var top ErrorType
	var group []error
	for _, err := range errs {
		if err == nil {
			continue
		}
		t := ClassifyError(err)
		switch {
		case t.Rank() > top.Rank():
			top = t
			group = []error{err}
		case t == top:
			group = append(group, err)
		}
	}
	if len(group) == 0 {
		return nil
	}
	qe := &QueryError{
		Type:      top,
		Retryable: top.Retryable(),
		Count:     len(group),
		Err:       group[0],
		Message:   group[0].Error(),
	}
	if len(group) > 1 {
		qe.Message = fmt.Sprintf("%d개의 요청에서 %s 오류가 발생했습니다", len(group), top.label())
	}
	return qe
}

// ============================================================================
// Combination
// ============================================================================

// Provenance tells where the data of a combined view came from.
type Provenance string

const (
	ProvenanceLoading Provenance = "loading"
	ProvenanceAPI     Provenance = "api"
	ProvenancePartial Provenance = "partial"
	ProvenanceOffline Provenance = "offline"
	ProvenanceMock    Provenance = "mock"
)

// QueryState is the state of one constituent query.
type QueryState struct {
	Name    string
	Loading bool
	Err     error
	// HasData is set when the query produced data from the network or
	// from a previously populated cache entry.
	HasData bool
}

// Combined is the union of several query states.
type Combined struct {
	IsLoading       bool        `json:"isLoading"`
	IsError         bool        `json:"isError"`
	HasPartialError bool        `json:"hasPartialError"`
	Error           *QueryError `json:"error,omitempty"`
	Failed          []string    `json:"failed,omitempty"`
	Source          Provenance  `json:"source"`
}

// Combine merges states: loading if any is loading, an error only if all
// failed, a partial error if some failed.
func Combine(online bool, states ...QueryState) Combined {
	var c Combined
	errs := make([]error, 0, len(states))
	for _, s := range states {
		if s.Loading {
			c.IsLoading = true
		}
		if s.Err != nil {
			errs = append(errs, s.Err)
			c.Failed = append(c.Failed, s.Name)
		}
	}
	c.IsError = len(states) > 0 && len(errs) == len(states)
	c.HasPartialError = len(errs) > 0 && !c.IsError
	c.Error = MostSevere(errs...)
	c.Source = DeriveSource(online, states...)
	return c
}

// DeriveSource computes provenance: loading first, then offline with cached
// data, then how many constituents actually produced data.
func DeriveSource(online bool, states ...QueryState) Provenance {
	withData := 0
	for _, s := range states {
		if s.Loading {
			return ProvenanceLoading
		}
		if s.HasData {
			withData++
		}
	}
	switch {
	case !online && withData > 0:
		return ProvenanceOffline
	case withData == 0:
		return ProvenanceMock
	case withData == len(states):
		return ProvenanceAPI
	default:
		return ProvenancePartial
	}
}

// ============================================================================
// Dashboard Metrics
// ============================================================================

// MetricsView is the dashboard view model derived from the bookmarks and
// summary queries.
type MetricsView struct {
	Combined

	TotalBookmarks    int `json:"totalBookmarks"`
	ActiveMonitoring  int `json:"activeMonitoring"`
	UnreadFeeds       int `json:"unreadFeeds"`
	TotalSessions     int `json:"totalSessions"`
	ActiveSessions    int `json:"activeSessions"`
	CompletedSessions int `json:"completedSessions"`

	Bookmarks []Bookmark `json:"bookmarks"`
	// ErrorCount counts consecutive loads that had at least one failure.
	ErrorCount int       `json:"errorCount"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// DashboardMetrics combines the bookmarks and dashboard summary queries of
// one user into a MetricsView.
type DashboardMetrics struct {
	cache   *DashboardCache
	network OnlineChecker
	userID  string
	log     *zap.Logger

	mu         sync.Mutex
	errorCount int
	view       MetricsView
}

func NewDashboardMetrics(cache *DashboardCache, network OnlineChecker, userID string, log *zap.Logger) *DashboardMetrics {
	return &DashboardMetrics{
		cache:   cache,
		network: network,
		userID:  userID,
		log:     nopIfNil(log).With(zap.String("component", "metrics_view")),
		view:    MetricsView{Combined: Combined{IsLoading: true, Source: ProvenanceLoading}},
	}
}

// View returns the last derived view.
func (m *DashboardMetrics) View() MetricsView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

// ErrorCount returns the error recurrence counter.
func (m *DashboardMetrics) ErrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorCount
}

// Load reads both queries in parallel and derives the view.
func (m *DashboardMetrics) Load(ctx context.Context) MetricsView {
	v, _ := m.load(ctx)
	return v
}

// Refetch invalidates and reloads every constituent query in parallel. The
// error counter is reset only when every query succeeds.
func (m *DashboardMetrics) Refetch(ctx context.Context) MetricsView {
	m.cache.Cache().Invalidate(BookmarksKey(m.userID))
	m.cache.Cache().Invalidate(SummaryKey(m.userID))
	v, ok := m.load(ctx)
	if ok {
		m.mu.Lock()
		m.errorCount = 0
		m.view.ErrorCount = 0
		v = m.view
		m.mu.Unlock()
	}
	return v
}

func (m *DashboardMetrics) load(ctx context.Context) (MetricsView, bool) {
	m.mu.Lock()
	m.view.IsLoading = true
	m.view.Source = ProvenanceLoading
	m.mu.Unlock()

	var (
		bookmarks  []Bookmark
		summary    DashboardSummary
		bRes, sRes QueryResult
		bErr, sErr error
		g          errgroup.Group
	)
	g.Go(func() error {
		bookmarks, bRes, bErr = m.cache.Bookmarks(ctx, m.userID)
		return nil
	})
	g.Go(func() error {
		summary, sRes, sErr = m.cache.Summary(ctx, m.userID)
		return nil
	})
	_ = g.Wait()

	online := m.network == nil || m.network.Online()
	bHas, sHas := bRes.Data != nil, sRes.Data != nil
	combined := Combine(online,
		QueryState{Name: string(DataBookmarks), Err: bErr, HasData: bHas},
		QueryState{Name: string(DataDashboard), Err: sErr, HasData: sHas},
	)
	v := merge(bookmarks, bHas, summary, sHas)
	v.Combined = combined
	v.UpdatedAt = time.Now()

	m.mu.Lock()
	if combined.Error != nil {
		m.errorCount++
		m.log.Warn("dashboard load failed",
			zap.String("error_type", string(combined.Error.Type)),
			zap.Strings("failed", combined.Failed))
	}
	v.ErrorCount = m.errorCount
	m.view = v
	m.mu.Unlock()
	return v, combined.Error == nil
}

// merge fills the view from whichever queries succeeded. Summary counters
// fall back to values derived from the bookmark list, then to zero.
func merge(bookmarks []Bookmark, bOK bool, summary DashboardSummary, sOK bool) MetricsView {
	var v MetricsView
	if bOK {
		v.Bookmarks = bookmarks
	} else {
		v.Bookmarks = []Bookmark{}
	}
	if sOK {
		v.TotalBookmarks = summary.TotalBookmarks
		v.ActiveMonitoring = summary.ActiveMonitoring
		v.UnreadFeeds = summary.UnreadFeeds
		v.TotalSessions = summary.TotalSessions
		v.ActiveSessions = summary.ActiveSessions
		v.CompletedSessions = summary.CompletedSessions
	}
	if bOK && !sOK {
		v.TotalBookmarks = len(bookmarks)
		for _, b := range bookmarks {
			if b.MonitoringEnabled {
				v.ActiveMonitoring++
			}
		}
	}
	return v
}

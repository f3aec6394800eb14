package tradesync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// DefaultAPITimeout bounds each REST request.
const DefaultAPITimeout = 30 * time.Second

// APIConfig configures an APISource.
type APIConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	// MaxFailures consecutive failures open the circuit for OpenTimeout.
	MaxFailures uint32
	OpenTimeout time.Duration
	Logger      *zap.Logger
}

// APISource is the REST DataSource. Calls go through a circuit breaker that
// only counts retryable failures.
type APISource struct {
	baseURL    string
	token      string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	log        *zap.Logger
}

func NewAPISource(cfg APIConfig) *APISource {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultAPITimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	log := nopIfNil(cfg.Logger).With(zap.String("component", "api"))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "tradesync-api",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !ClassifyError(err).Retryable()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &APISource{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: cfg.HTTPClient,
		cb:         cb,
		log:        log,
	}
}

// BreakerState returns the circuit breaker state.
func (a *APISource) BreakerState() gobreaker.State { return a.cb.State() }

func (a *APISource) doRequest(ctx context.Context, path string, query map[string]string) ([]byte, error) {
	u := a.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	out, err := a.cb.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if a.token != "" {
			req.Header.Set("Authorization", "Bearer "+a.token)
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			he := &HTTPError{StatusCode: resp.StatusCode, Method: http.MethodGet, Path: path}
			var env apiResponse[any]
			if codec.Unmarshal(body, &env) == nil && env.Error != nil {
				he.API = env.Error
			}
			return nil, he
		}
		return body, nil
	})
	if err != nil {
		a.log.Debug("request failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return out.([]byte), nil
}

func getJSON[T any](ctx context.Context, a *APISource, path string, query map[string]string) (T, error) {
	var zero T
	body, err := a.doRequest(ctx, path, query)
	if err != nil {
		return zero, err
	}
	var env apiResponse[T]
	if err := codec.Unmarshal(body, &env); err != nil {
		return zero, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !env.Success && env.Error != nil {
		return zero, env.Error
	}
	return env.Data, nil
}

func userQuery(userID string) map[string]string {
	if userID == "" {
		return nil
	}
	return map[string]string{"userId": userID}
}

func (a *APISource) Bookmarks(ctx context.Context, userID string) ([]Bookmark, error) {
	return getJSON[[]Bookmark](ctx, a, "/api/bookmarks", userQuery(userID))
}

func (a *APISource) DashboardSummary(ctx context.Context, userID string) (DashboardSummary, error) {
	return getJSON[DashboardSummary](ctx, a, "/api/dashboard/summary", userQuery(userID))
}

func (a *APISource) Notifications(ctx context.Context, userID string) ([]Notification, error) {
	return getJSON[[]Notification](ctx, a, "/api/notifications", userQuery(userID))
}

func (a *APISource) Feeds(ctx context.Context, userID string) ([]NewsArticle, error) {
	return getJSON[[]NewsArticle](ctx, a, "/api/feeds", userQuery(userID))
}

func (a *APISource) ExchangeRates(ctx context.Context) ([]ExchangeRate, error) {
	return getJSON[[]ExchangeRate](ctx, a, "/api/exchange-rates", nil)
}

package tradesync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "tradesync"

// Metrics holds the Prometheus collectors for the sync pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	connectionStatus  *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	framesReceived    *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
	parseErrors       prometheus.Counter
	handlerPanics     *prometheus.CounterVec
	rejectedPayloads  *prometheus.CounterVec
	cacheRequests     *prometheus.CounterVec
	cacheFetches      *prometheus.CounterVec
	cacheInvalidated  *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connectionStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connection_status",
			Help:      "1 for the current connection status, 0 otherwise",
		}, []string{"status"}),
		reconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts",
		}),
		framesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by event type",
		}, []string{"type"}),
		framesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames by event type",
		}, []string{"type"}),
		parseErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frame_parse_errors_total",
			Help:      "Inbound frames dropped because they could not be parsed",
		}),
		handlerPanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handler_panics_total",
			Help:      "Recovered subscriber panics by event type",
		}, []string{"type"}),
		rejectedPayloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejected_payloads_total",
			Help:      "Payloads rejected by validation by event type",
		}, []string{"type"}),
		cacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_requests_total",
			Help:      "Query cache reads by outcome",
		}, []string{"outcome"}),
		cacheFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_fetches_total",
			Help:      "Underlying fetches by result",
		}, []string{"result"}),
		cacheInvalidated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_invalidations_total",
			Help:      "Invalidated cache entries by data type",
		}, []string{"data_type"}),
	}
}

var allStatuses = []ConnectionStatus{
	StatusDisconnected, StatusConnecting, StatusConnected, StatusReconnecting, StatusError,
}

func (m *Metrics) setStatus(s ConnectionStatus) {
	if m == nil {
		return
	}
	for _, st := range allStatuses {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connectionStatus.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) frameReceived(t EventType) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) frameSent(t EventType) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) parseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

func (m *Metrics) handlerPanic(t EventType) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) payloadRejected(t EventType) {
	if m == nil {
		return
	}
	m.rejectedPayloads.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) cacheRequest(outcome string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) cacheFetch(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.cacheFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) invalidated(t DataType, n int) {
	if m == nil || n == 0 {
		return
	}
	m.cacheInvalidated.WithLabelValues(string(t)).Add(float64(n))
}

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// sessionStates lists every value the session state gauge is exported for
var sessionStates = []string{"disconnected", "connecting", "awaiting_scan", "connected", "error"}

// Metrics holds all Prometheus metrics for courier
type Metrics struct {
	// Message counters
	MessagesSentTotal   *prometheus.CounterVec
	MessagesFailedTotal *prometheus.CounterVec
	ReceiptsTotal       *prometheus.CounterVec

	// Session metrics
	SessionState           *prometheus.GaugeVec
	SessionReconnectsTotal *prometheus.CounterVec

	// Campaign metrics
	CampaignsFinishedTotal *prometheus.CounterVec
	CampaignsSending       prometheus.Gauge
	MessagesPending        prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
	counters map[string]*prometheus.CounterVec
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_messages_sent_total",
				Help: "Total number of messages accepted by the transport",
			},
			[]string{"session"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_messages_failed_total",
				Help: "Total number of messages marked failed",
			},
			[]string{"session", "reason"},
		),
		ReceiptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_receipts_total",
				Help: "Total number of applied delivery receipts",
			},
			[]string{"level"},
		),
		SessionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "courier_session_state",
				Help: "Current connection state per session (1 for the active state)",
			},
			[]string{"session", "state"},
		),
		SessionReconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_session_reconnects_total",
				Help: "Total number of automatic session reconnections",
			},
			[]string{"session"},
		),
		CampaignsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_campaigns_finished_total",
				Help: "Total number of campaigns that reached a terminal state",
			},
			[]string{"status"},
		),
		CampaignsSending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_campaigns_sending",
				Help: "Number of campaigns in sending state",
			},
		),
		MessagesPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_messages_pending",
				Help: "Number of recipient messages waiting to be sent",
			},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),
		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_storage_used_bytes",
				Help: "SQLite database file size in bytes",
			},
		),

		registry: reg,
	}

	// Counters restored by the collector after a restart
	m.counters = map[string]*prometheus.CounterVec{
		"courier_messages_sent_total":      m.MessagesSentTotal,
		"courier_messages_failed_total":    m.MessagesFailedTotal,
		"courier_receipts_total":           m.ReceiptsTotal,
		"courier_session_reconnects_total": m.SessionReconnectsTotal,
		"courier_campaigns_finished_total": m.CampaignsFinishedTotal,
		"courier_api_requests_total":       m.APIRequestsTotal,
		"courier_api_errors_total":         m.APIErrorsTotal,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.ReceiptsTotal,
		m.SessionState,
		m.SessionReconnectsTotal,
		m.CampaignsFinishedTotal,
		m.CampaignsSending,
		m.MessagesPending,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent(session string) {
	if m := Global(); m != nil {
		m.MessagesSentTotal.WithLabelValues(session).Inc()
	}
}

// AddMessagesFailed adds n to the failed message counter
func AddMessagesFailed(session, reason string, n int) {
	if m := Global(); m != nil && n > 0 {
		m.MessagesFailedTotal.WithLabelValues(session, reason).Add(float64(n))
	}
}

// IncReceipts increments the applied receipt counter
func IncReceipts(level string) {
	if m := Global(); m != nil {
		m.ReceiptsTotal.WithLabelValues(level).Inc()
	}
}

// SetSessionState marks state as the active state of a session
func SetSessionState(session, state string) {
	m := Global()
	if m == nil {
		return
	}
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(session, s).Set(v)
	}
}

// DeleteSessionState drops the state series of a removed session
func DeleteSessionState(session string) {
	if m := Global(); m != nil {
		m.SessionState.DeletePartialMatch(map[string]string{"session": session})
	}
}

// IncSessionReconnects increments the reconnect counter
func IncSessionReconnects(session string) {
	if m := Global(); m != nil {
		m.SessionReconnectsTotal.WithLabelValues(session).Inc()
	}
}

// IncCampaignsFinished increments the finished campaign counter
func IncCampaignsFinished(status string) {
	if m := Global(); m != nil {
		m.CampaignsFinishedTotal.WithLabelValues(status).Inc()
	}
}

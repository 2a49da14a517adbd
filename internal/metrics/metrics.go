// Package metrics holds the Prometheus collectors for the voting engine.
// A nil *Metrics is valid and records nothing, so components can be used
// without a registry in tests and tools.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "expert_voter"

// Metrics holds every collector exported by the service
type Metrics struct {
	VotesCast       *prometheus.CounterVec
	VotesFailed     *prometheus.CounterVec
	ItemsSkipped    *prometheus.CounterVec
	FeedLoops       *prometheus.CounterVec
	TokenRefreshes  *prometheus.CounterVec
	APIRequests     *prometheus.CounterVec
	APIErrors       *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActivePollers   prometheus.Gauge
}

// New creates and registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VotesCast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_cast_total",
			Help:      "Votes cast, by account and direction.",
		}, []string{"account", "direction"}),
		VotesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_failed_total",
			Help:      "Votes rejected by the remote API and skipped, by account.",
		}, []string{"account"}),
		ItemsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_skipped_total",
			Help:      "Unique already-rated feed items skipped, by account.",
		}, []string{"account"}),
		FeedLoops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_loops_total",
			Help:      "Completed passes over the whole feed, by account.",
		}, []string{"account"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Credential refreshes, by account.",
		}, []string{"account"}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Remote API requests, by method and result.",
		}, []string{"method", "result"}),
		APIErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "Application errors returned by the remote API, by error code.",
		}, []string{"code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Remote API request latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),
		ActivePollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_pollers",
			Help:      "Number of account pollers currently running.",
		}),
	}

	reg.MustRegister(
		m.VotesCast, m.VotesFailed, m.ItemsSkipped, m.FeedLoops, m.TokenRefreshes,
		m.APIRequests, m.APIErrors, m.RequestDuration, m.ActivePollers,
	)
	return m
}

func (m *Metrics) VoteCast(account, direction string) {
	if m == nil {
		return
	}
	m.VotesCast.WithLabelValues(account, direction).Inc()
}

func (m *Metrics) VoteFailed(account string) {
	if m == nil {
		return
	}
	m.VotesFailed.WithLabelValues(account).Inc()
}

func (m *Metrics) ItemSkipped(account string) {
	if m == nil {
		return
	}
	m.ItemsSkipped.WithLabelValues(account).Inc()
}

func (m *Metrics) FeedLoop(account string) {
	if m == nil {
		return
	}
	m.FeedLoops.WithLabelValues(account).Inc()
}

func (m *Metrics) TokenRefresh(account string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(account).Inc()
}

// APIRequest records one round trip. result is "ok", "api_error",
// "network_error" or "protocol_error".
func (m *Metrics) APIRequest(method, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(method, result).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(took.Seconds())
}

func (m *Metrics) APIError(code int) {
	if m == nil {
		return
	}
	m.APIErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) PollerStarted() {
	if m == nil {
		return
	}
	m.ActivePollers.Inc()
}

func (m *Metrics) PollerStopped() {
	if m == nil {
		return
	}
	m.ActivePollers.Dec()
}

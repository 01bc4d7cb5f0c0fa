// Package metrics exposes Prometheus collectors for Slack API traffic and the
// HTTP surface. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"slack-thread-exporter/internal/ratelimit"
)

type Metrics struct {
	apiCalls     *prometheus.CounterVec
	throttled    *prometheus.CounterVec
	backoff      *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	threads      prometheus.Histogram
}

var _ ratelimit.Observer = (*Metrics)(nil)

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slack_api_calls_total",
			Help: "Slack Web API calls by method and outcome.",
		}, []string{"method", "outcome"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slack_api_throttled_total",
			Help: "Throttling signals received from the Slack Web API.",
		}, []string{"method"}),
		backoff: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slack_api_backoff_seconds",
			Help:    "Time spent waiting after a throttling signal.",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"method"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		threads: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "threads_returned",
			Help:    "Threads returned per retrieval.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
	for _, c := range []prometheus.Collector{m.apiCalls, m.throttled, m.backoff, m.httpRequests, m.httpDuration, m.threads} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveCall(method, outcome string) {
	if m == nil {
		return
	}
	m.apiCalls.WithLabelValues(method, outcome).Inc()
	if outcome == ratelimit.OutcomeThrottled {
		m.throttled.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) ObserveBackoff(method string, wait time.Duration) {
	if m == nil {
		return
	}
	m.backoff.WithLabelValues(method).Observe(wait.Seconds())
}

func (m *Metrics) ObserveHTTP(route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(took.Seconds())
}

func (m *Metrics) ObserveThreads(n int) {
	if m == nil {
		return
	}
	m.threads.Observe(float64(n))
}

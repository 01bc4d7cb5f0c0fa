package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slack-thread-exporter/internal/ratelimit"
)

func TestMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveCall("conversations.history", ratelimit.OutcomeOK)
	m.ObserveCall("conversations.history", ratelimit.OutcomeThrottled)
	m.ObserveCall("conversations.history", ratelimit.OutcomeThrottled)
	m.ObserveBackoff("conversations.history", 2*time.Second)
	m.ObserveHTTP("/health", 200, time.Millisecond)
	m.ObserveThreads(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.apiCalls.WithLabelValues("conversations.history", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.throttled.WithLabelValues("conversations.history")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("/health", "200")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.threads))
}

func TestMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCall("users.info", ratelimit.OutcomeError)
		m.ObserveBackoff("users.info", time.Second)
		m.ObserveHTTP("/", 404, 0)
		m.ObserveThreads(0)
	})
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/savid/streambuf/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.Nil(t, New(nil))

	assert.NotPanics(t, func() {
		m.SessionStarted()
		m.SessionFailed("transport")
		m.BytesReceived(10)
		m.Deferred()
		m.Retried(RetryTransport)
		m.CacheMiss()
		m.ObserveRead(types.StatusOk, 10, time.Millisecond)
		m.SourceStarted()
		m.SourceStopped()
	})
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionStarted()
	m.SessionStarted()
	m.BytesReceived(1024)
	m.Retried(RetryTransport)
	m.Retried(RetryTransport)
	m.Retried(RetryApplication)
	m.ObserveRead(types.StatusOk, 100, time.Millisecond)
	m.ObserveRead(types.StatusFailed, 0, time.Millisecond)
	m.SourceStarted()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsStarted))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.bytesReceived))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.retries.WithLabelValues(RetryTransport)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues(RetryApplication)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reads.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSources))
}

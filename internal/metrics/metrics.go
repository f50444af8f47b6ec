// Package metrics exposes Prometheus collectors for the streaming buffer.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry at zero cost.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/savid/streambuf/pkg/types"
)

// Retry kinds.
const (
	RetryTransport   = "transport"
	RetryApplication = "application"
)

// Metrics holds the collectors shared by all sources of a process.
type Metrics struct {
	sessionsStarted prometheus.Counter
	sessionsFailed  *prometheus.CounterVec
	bytesReceived   prometheus.Counter
	deferrals       prometheus.Counter
	retries         *prometheus.CounterVec
	cacheMisses     prometheus.Counter
	reads           *prometheus.CounterVec
	readDuration    prometheus.Histogram
	readBytes       prometheus.Histogram
	activeSources   prometheus.Gauge
}

// New registers the collectors on reg. It returns nil when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	return &Metrics{
		sessionsStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streambuf_sessions_started_total",
			Help: "Total number of loader sessions started.",
		}),
		sessionsFailed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "streambuf_sessions_failed_total",
			Help: "Total number of loader sessions that failed, by failure kind.",
		}, []string{"kind"}),
		bytesReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streambuf_bytes_received_total",
			Help: "Total number of bytes received from transports.",
		}),
		deferrals: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streambuf_transfer_deferrals_total",
			Help: "Total number of times a transfer was paused.",
		}),
		retries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "streambuf_read_retries_total",
			Help: "Total number of failure-driven session restarts, by kind.",
		}, []string{"kind"}),
		cacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streambuf_cache_misses_total",
			Help: "Total number of reads that fell outside the buffered window.",
		}),
		reads: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "streambuf_reads_total",
			Help: "Total number of completed reads, by status.",
		}, []string{"status"}),
		readDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "streambuf_read_duration_seconds",
			Help: "Time from read request to completion.",
			Buckets: []float64{
				0.0001, // 100us - served from the window
				0.001,  // 1ms
				0.01,   // 10ms
				0.05,   // 50ms
				0.25,   // 250ms - one retry delay
				1,      // 1s
				5,      // 5s
				30,     // 30s
			},
		}),
		readBytes: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "streambuf_read_bytes",
			Help: "Distribution of bytes returned per read.",
			Buckets: []float64{
				4096,     // 4KB
				32768,    // 32KB - typical demuxer read
				131072,   // 128KB
				1048576,  // 1MB
				4194304,  // 4MB
				20971520, // 20MB - largest possible read
			},
		}),
		activeSources: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "streambuf_active_sources",
			Help: "Number of buffered sources not yet stopped.",
		}),
	}
}

// SessionStarted records a new loader session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

// SessionFailed records a failed loader session.
func (m *Metrics) SessionFailed(kind string) {
	if m == nil {
		return
	}
	m.sessionsFailed.WithLabelValues(kind).Inc()
}

// BytesReceived records bytes delivered by a transport.
func (m *Metrics) BytesReceived(n int) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(float64(n))
}

// Deferred records a transfer pause.
func (m *Metrics) Deferred() {
	if m == nil {
		return
	}
	m.deferrals.Inc()
}

// Retried records a failure-driven restart.
func (m *Metrics) Retried(kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(kind).Inc()
}

// CacheMiss records a cache-miss-driven restart.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// ObserveRead records a completed read.
func (m *Metrics) ObserveRead(status types.Status, n int, d time.Duration) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(status.String()).Inc()
	m.readDuration.Observe(d.Seconds())
	if status == types.StatusOk {
		m.readBytes.Observe(float64(n))
	}
}

// SourceStarted increments the active source gauge.
func (m *Metrics) SourceStarted() {
	if m == nil {
		return
	}
	m.activeSources.Inc()
}

// SourceStopped decrements the active source gauge.
func (m *Metrics) SourceStopped() {
	if m == nil {
		return
	}
	m.activeSources.Dec()
}

// Package source exposes a random-access view of a remote or local media
// resource, backed by loader sessions that are replaced on cache misses and
// retried on failures.
package source

import (
	"errors"
	"net/url"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/savid/streambuf/internal/buffer"
	"github.com/savid/streambuf/internal/host"
	"github.com/savid/streambuf/internal/loader"
	"github.com/savid/streambuf/internal/metrics"
	"github.com/savid/streambuf/internal/taskloop"
	"github.com/savid/streambuf/internal/transport"
	"github.com/savid/streambuf/pkg/types"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// initialReadBufferSize is the starting size of the intermediate read buffer.
const initialReadBufferSize = 32 * 1024

var (
	// ErrMissingURL is returned when no resource URL is configured.
	ErrMissingURL = errors.New("source URL is required")
	// ErrMissingTransport is returned when no transport is configured.
	ErrMissingTransport = errors.New("source transport is required")
	// ErrSourceStopped is reported for reads issued or pending when the source stops.
	ErrSourceStopped = errors.New("source stopped")
	// ErrReadInProgress is reported when a read is issued while another is pending.
	ErrReadInProgress = errors.New("read already in progress")
	// ErrInitFailed is returned when the first response could not be used.
	ErrInitFailed = errors.New("source initialization failed")
)

type (
	// InitCB receives the outcome of Initialize.
	InitCB func(ok bool)
	// ReadCB receives the outcome of Read: the status, the bytes copied and
	// the size that was asked for.
	ReadCB func(status types.Status, n, requested int)
	// DownloadingCB is told whether the network is currently transferring.
	DownloadingCB func(downloading bool)
)

// Host receives the size and the buffered ranges of the resource.
type Host interface {
	SetTotalBytes(n int64)
	AddBufferedByteRange(start, end int64)
	BufferedBytes() int64
}

// Options configures a BufferedSource.
type Options struct {
	URL      *url.URL
	CORSMode types.CORSMode
	Preload  types.Preload

	// Bitrate in bits per second, 0 when unknown.
	Bitrate      int
	PlaybackRate float64
	UserAgent    string

	Transport transport.Transport

	// Host defaults to a new host.BufferHost.
	Host Host

	// Retries hands out per-read retry budgets. Defaults to
	// buffer.DefaultMaxRetries retries, buffer.DefaultRetryDelay apart.
	Retries *buffer.RetryManager

	// Limiter caps transfer bandwidth; nil means unlimited.
	Limiter *rate.Limiter

	DownloadingCB DownloadingCB
	Logger        logrus.FieldLogger
	Metrics       *metrics.Metrics
}

// BufferedSource answers positional reads for one resource.
//
// Read, Stop, Abort and the accessors may be called from any goroutine.
// Everything else is posted to an internal loop, which is also where
// callbacks run. Callbacks must not call Abort.
type BufferedSource struct {
	id            string
	url           *url.URL
	isHTTP        bool
	corsMode      types.CORSMode
	userAgent     string
	transport     transport.Transport
	host          Host
	retries       *buffer.RetryManager
	limiter       *rate.Limiter
	downloadingCB DownloadingCB
	loop          *taskloop.Loop
	log           logrus.FieldLogger
	metrics       *metrics.Metrics

	mu          sync.Mutex
	stopped     bool
	initialized bool
	readOp      *readOp
	initCB      InitCB
	initErr     error

	// Loop-only state.
	session        *loader.Session
	sessionOp      *readOp // read the session is currently serving
	intermediate   []byte
	cancelRetry    func()
	totalBytes     int64
	totalReported  bool
	preload        types.Preload
	bitrate        int
	playbackRate   float64
	mediaHasPlayed bool
	responseOrigin string

	size          atomic.Int64
	streaming     atomic.Bool
	singleOrigin  atomic.Bool
	passedCORS    atomic.Bool
	bytesRead     atomic.Int64
	reads         atomic.Int64
	cacheMisses   atomic.Int64
	sessionsCount atomic.Int64
	retryCount    atomic.Int64
}

// New creates a source. Nothing is fetched until Initialize.
func New(opts Options) (*BufferedSource, error) {
	if opts.URL == nil {
		return nil, ErrMissingURL
	}
	if opts.Transport == nil {
		return nil, ErrMissingTransport
	}

	id := uuid.NewString()
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithFields(logrus.Fields{"source": id, "url": opts.URL.Redacted()})

	if opts.Host == nil {
		opts.Host = host.New()
	}
	if opts.Retries == nil {
		opts.Retries = buffer.NewRetryManager(buffer.DefaultMaxRetries, buffer.DefaultRetryDelay)
	}
	if opts.CORSMode == "" {
		opts.CORSMode = types.CORSModeUnspecified
	}
	if opts.Preload == "" {
		opts.Preload = types.PreloadAuto
	}

	s := &BufferedSource{
		id:            id,
		url:           opts.URL,
		isHTTP:        transport.IsHTTP(opts.URL),
		corsMode:      opts.CORSMode,
		userAgent:     opts.UserAgent,
		transport:     opts.Transport,
		host:          opts.Host,
		retries:       opts.Retries,
		limiter:       opts.Limiter,
		downloadingCB: opts.DownloadingCB,
		loop:          taskloop.New(log),
		log:           log,
		metrics:       opts.Metrics,
		totalBytes:    types.PositionNotSpecified,
		preload:       opts.Preload,
		bitrate:       opts.Bitrate,
		playbackRate:  opts.PlaybackRate,
	}
	s.size.Store(types.PositionNotSpecified)
	s.singleOrigin.Store(true)
	s.metrics.SourceStarted()
	return s, nil
}

// ID returns the identifier used in log fields.
func (s *BufferedSource) ID() string { return s.id }

// Host returns the host the source reports to.
func (s *BufferedSource) Host() Host { return s.host }

// Initialize starts the first session and reports through cb whether the
// resource can be read. cb never runs if the source stops first.
func (s *BufferedSource) Initialize(cb InitCB) {
	s.mu.Lock()
	if s.stopped || s.initialized {
		s.mu.Unlock()
		cb(false)
		return
	}
	s.initialized = true
	s.initCB = cb
	s.mu.Unlock()

	s.loop.Post(s.initialize)
}

func (s *BufferedSource) initialize() {
	if s.isStopped() {
		return
	}
	// A read issued before Initialize may own a session or a retry. The
	// initial session replaces both and serves the read once it has started.
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
	if s.session != nil {
		s.session.Stop()
	}

	first := types.PositionNotSpecified
	if s.isHTTP {
		first = 0
	}
	sess := s.newSession(first)
	s.session = sess
	sess.Start(
		func(status types.Status) { s.startCallback(sess, status) },
		s.loadingStateCallback(sess),
		s.progressCallback(sess),
	)
}

// SetPreload changes the buffering hint for sessions created from now on.
func (s *BufferedSource) SetPreload(preload types.Preload) {
	s.loop.Post(func() { s.preload = preload })
}

// MediaIsPlaying tells the source that playback started.
func (s *BufferedSource) MediaIsPlaying() {
	s.loop.Post(func() {
		s.mediaHasPlayed = true
		s.updateDeferStrategy(false)
	})
}

// MediaIsPaused tells the source that playback paused.
func (s *BufferedSource) MediaIsPaused() {
	s.loop.Post(func() { s.updateDeferStrategy(true) })
}

// MediaPlaybackRateChanged resizes the window for a new playback rate.
// Negative rates are ignored.
func (s *BufferedSource) MediaPlaybackRateChanged(playbackRate float64) {
	s.loop.Post(func() {
		if playbackRate < 0 {
			return
		}
		s.playbackRate = playbackRate
		if s.session != nil {
			s.session.SetPlaybackRate(playbackRate)
		}
	})
}

// SetBitrate resizes the window for a new bitrate in bits per second.
func (s *BufferedSource) SetBitrate(bitrate int) {
	s.loop.Post(func() {
		s.bitrate = bitrate
		if s.session != nil {
			s.session.SetBitrate(bitrate)
		}
	})
}

// OnBufferingHaveEnough lets a metadata-only preload stop downloading once
// the reader has what it needs.
func (s *BufferedSource) OnBufferingHaveEnough() {
	s.loop.Post(func() {
		if s.session != nil && s.preload == types.PreloadMetadata && !s.mediaHasPlayed && !s.streaming.Load() {
			s.session.CancelSoon()
		}
	})
}

// Stop fails any pending read with StatusFailed and tears the source down in
// the background. Later reads fail immediately.
func (s *BufferedSource) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.initCB = nil
	op := s.readOp
	s.readOp = nil
	s.mu.Unlock()

	if op != nil {
		s.finishRead(op, types.StatusFailed, 0, ErrSourceStopped)
	}

	s.loop.Post(func() {
		s.stopLoader()
		s.loop.Close()
	})
}

// Abort stops the source and waits for the teardown to finish.
func (s *BufferedSource) Abort() {
	s.Stop()
	<-s.loop.Done()
}

// Done is closed once the source has fully stopped.
func (s *BufferedSource) Done() <-chan struct{} { return s.loop.Done() }

// Size returns the resource size, or types.PositionNotSpecified.
func (s *BufferedSource) Size() int64 { return s.size.Load() }

// IsStreaming reports whether the resource cannot be randomly accessed.
func (s *BufferedSource) IsStreaming() bool { return s.streaming.Load() }

// HasSingleOrigin reports whether every response came from the origin of
// the request.
func (s *BufferedSource) HasSingleOrigin() bool { return s.singleOrigin.Load() }

// DidPassCORSAccessCheck reports whether the resource was loaded in a CORS mode.
func (s *BufferedSource) DidPassCORSAccessCheck() bool { return s.passedCORS.Load() }

// Stats returns a snapshot of the source counters.
func (s *BufferedSource) Stats() types.BufferStats {
	return types.BufferStats{
		TotalBytes:    s.size.Load(),
		BufferedBytes: s.host.BufferedBytes(),
		BytesRead:     s.bytesRead.Load(),
		Reads:         s.reads.Load(),
		Retries:       s.retryCount.Load(),
		CacheMisses:   s.cacheMisses.Load(),
		Sessions:      s.sessionsCount.Load(),
		Streaming:     s.streaming.Load(),
	}
}

func (s *BufferedSource) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// assumeFullyBuffered is true for local resources, which are never worth
// buffering aggressively.
func (s *BufferedSource) assumeFullyBuffered() bool { return !s.isHTTP }

func (s *BufferedSource) newSession(first int64) *loader.Session {
	strategy := loader.CapacityDefer
	if s.preload == types.PreloadMetadata {
		strategy = loader.ReadThenDefer
	}
	s.sessionsCount.Inc()

	return loader.New(loader.Options{
		URL:               s.url,
		CORSMode:          s.corsMode,
		FirstBytePosition: first,
		LastBytePosition:  types.PositionNotSpecified,
		Strategy:          strategy,
		Bitrate:           s.bitrate,
		PlaybackRate:      s.playbackRate,
		ExpectedOrigin:    s.responseOrigin,
		UserAgent:         s.userAgent,
		Transport:         s.transport,
		Loop:              s.loop,
		Limiter:           s.limiter,
		Logger:            s.log,
		Metrics:           s.metrics,
	})
}

func (s *BufferedSource) startCallback(sess *loader.Session, status types.Status) {
	if sess != s.session {
		return
	}

	success := status == types.StatusOk
	if success {
		s.totalBytes = sess.InstanceSize()
		streaming := s.totalBytes == types.PositionNotSpecified ||
			(!s.assumeFullyBuffered() && !sess.RangeSupported())
		s.size.Store(s.totalBytes)
		s.streaming.Store(streaming)
		s.singleOrigin.Store(sess.HasSingleOrigin())
		s.passedCORS.Store(sess.DidPassCORSAccessCheck())
		s.responseOrigin = sess.ResponseOrigin()

		fields := logrus.Fields{"streaming": streaming, "range_supported": sess.RangeSupported()}
		if s.totalBytes != types.PositionNotSpecified {
			fields["size"] = humanize.IBytes(uint64(s.totalBytes))
		}
		s.log.WithFields(fields).Info("Source initialized")
	} else {
		s.log.WithError(sess.Err()).Warn("Source initialization failed")
		sess.Stop()
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	cb := s.initCB
	s.initCB = nil
	if !success {
		s.initErr = sess.Err()
	}
	s.mu.Unlock()

	if success && s.totalBytes != types.PositionNotSpecified {
		s.totalReported = true
		s.host.SetTotalBytes(s.totalBytes)
		if s.assumeFullyBuffered() {
			s.host.AddBufferedByteRange(0, s.totalBytes)
		}
	}

	if cb != nil {
		cb(success)
	}

	op := s.currentReadOp()
	if op == nil || sess != s.session {
		return
	}
	if success {
		s.readTask()
		return
	}
	s.handleFailure(op, sess.Err())
}

func (s *BufferedSource) loadingStateCallback(sess *loader.Session) loader.LoadingStateChangedCB {
	return func(state types.LoadingState) {
		if sess != s.session {
			return
		}
		if state == types.LoadingStateFinished {
			s.learnTotalBytes(sess)
		}
		if s.assumeFullyBuffered() || s.downloadingCB == nil {
			return
		}

		switch state {
		case types.LoadingStateLoading:
			s.downloadingCB(true)
		case types.LoadingStateDeferred, types.LoadingStateFinished:
			s.downloadingCB(false)
		}
	}
}

func (s *BufferedSource) progressCallback(sess *loader.Session) loader.ProgressCB {
	return func(position int64) {
		if sess != s.session || s.assumeFullyBuffered() || s.isStopped() {
			return
		}
		s.host.AddBufferedByteRange(max(sess.FirstBytePosition(), 0), position+1)
	}
}

// learnTotalBytes records the size once a session reached the end of a
// resource whose size was unknown.
func (s *BufferedSource) learnTotalBytes(sess *loader.Session) {
	if s.totalReported || s.isStopped() {
		return
	}
	total := sess.InstanceSize()
	if total == types.PositionNotSpecified {
		return
	}

	s.totalReported = true
	s.totalBytes = total
	s.size.Store(total)
	s.host.SetTotalBytes(total)
	s.host.AddBufferedByteRange(max(sess.FirstBytePosition(), 0), total)
	s.log.WithField("size", humanize.IBytes(uint64(total))).Debug("Learned resource size")
}

func (s *BufferedSource) updateDeferStrategy(paused bool) {
	if s.session == nil {
		return
	}
	if s.assumeFullyBuffered() {
		s.session.UpdateDeferStrategy(loader.CapacityDefer)
		return
	}
	// Once playback started a pause is a chance to fill the buffer.
	if s.mediaHasPlayed && paused && s.session.RangeSupported() {
		s.session.UpdateDeferStrategy(loader.NeverDefer)
		return
	}
	s.session.UpdateDeferStrategy(loader.CapacityDefer)
}

func (s *BufferedSource) stopLoader() {
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
	if s.session != nil {
		s.session.Stop()
	}
	s.metrics.SourceStopped()

	stats := s.Stats()
	s.log.WithFields(logrus.Fields{
		"read":         humanize.IBytes(uint64(stats.BytesRead)),
		"reads":        stats.Reads,
		"sessions":     stats.Sessions,
		"retries":      stats.Retries,
		"cache_misses": stats.CacheMisses,
		"tasks":        s.loop.Processed(),
	}).Debug("Source stopped")
}

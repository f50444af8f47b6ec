// Package loader fetches one byte range of a resource into a sliding window
// and answers reads against it.
package loader

import (
	"fmt"
	"math"
	"net/http"
	"net/url"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/savid/streambuf/internal/buffer"
	"github.com/savid/streambuf/internal/metrics"
	"github.com/savid/streambuf/internal/transport"
	"github.com/savid/streambuf/pkg/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DeferStrategy decides when an active transfer is paused.
type DeferStrategy int

const (
	// NeverDefer keeps downloading regardless of buffer fullness.
	NeverDefer DeferStrategy = iota
	// ReadThenDefer downloads only while a read is waiting for data.
	ReadThenDefer
	// CapacityDefer downloads until the forward capacity is full.
	CapacityDefer
)

func (d DeferStrategy) String() string {
	switch d {
	case NeverDefer:
		return "never"
	case ReadThenDefer:
		return "read_then_defer"
	case CapacityDefer:
		return "capacity"
	default:
		return fmt.Sprintf("strategy(%d)", int(d))
	}
}

// Callbacks run on the loop that owns the session.
type (
	StartCB               func(status types.Status)
	ReadCB                func(status types.Status, n int, err error)
	LoadingStateChangedCB func(state types.LoadingState)
	ProgressCB            func(position int64)
)

// Poster schedules a function on the loop that owns the session.
type Poster interface {
	Post(fn func()) bool
}

// Options configures a Session.
type Options struct {
	URL      *url.URL
	CORSMode types.CORSMode

	// FirstBytePosition and LastBytePosition bound the request, inclusive.
	// types.PositionNotSpecified leaves that end open.
	FirstBytePosition int64
	LastBytePosition  int64

	Strategy     DeferStrategy
	Bitrate      int
	PlaybackRate float64

	// ExpectedOrigin is the origin earlier responses for this resource came
	// from. Empty disables the check.
	ExpectedOrigin string

	UserAgent string

	Transport transport.Transport
	Loop      Poster
	Limiter   *rate.Limiter
	Logger    logrus.FieldLogger
	Metrics   *metrics.Metrics
}

// Session runs at most one transfer for a byte range and serves reads from
// the window it fills. All methods must be called on the loop given in
// Options, and all callbacks are invoked there.
type Session struct {
	id       string
	url      *url.URL
	isHTTP   bool
	corsMode types.CORSMode

	firstBytePosition int64
	lastBytePosition  int64

	strategy           DeferStrategy
	reusable           bool
	cancelUponDeferral bool

	state          State
	err            error
	rangeSupported bool
	contentLength  int64
	instanceSize   int64
	singleOrigin   bool
	responseOrigin string
	expectedOrigin string

	buffer *buffer.SlidingBuffer

	// Desired capacities from the playback rate and bitrate. While a read
	// holds an enlarged forward capacity, savedForwardCapacity is the value
	// to restore when it completes.
	desiredBackward      int
	desiredForward       int
	savedForwardCapacity int

	bitrate      int
	playbackRate float64

	transfer *activeTransfer

	startCB    StartCB
	loadingCB  LoadingStateChangedCB
	progressCB ProgressCB

	readCB       ReadCB
	readPosition int64
	readSize     int
	readBuffer   []byte
	firstOffset  int
	lastOffset   int

	userAgent string
	transport transport.Transport
	loop      Poster
	limiter   *rate.Limiter
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
}

// New creates an idle session.
func New(opts Options) *Session {
	id := uuid.NewString()
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.CORSMode == "" {
		opts.CORSMode = types.CORSModeUnspecified
	}

	s := &Session{
		id:                id,
		url:               opts.URL,
		isHTTP:            transport.IsHTTP(opts.URL),
		corsMode:          opts.CORSMode,
		firstBytePosition: opts.FirstBytePosition,
		lastBytePosition:  opts.LastBytePosition,
		strategy:          opts.Strategy,
		reusable:          true,
		state:             StateIdle,
		contentLength:     types.PositionNotSpecified,
		instanceSize:      types.PositionNotSpecified,
		singleOrigin:      true,
		expectedOrigin:    opts.ExpectedOrigin,
		bitrate:           opts.Bitrate,
		playbackRate:      opts.PlaybackRate,
		userAgent:         opts.UserAgent,
		transport:         opts.Transport,
		loop:              opts.Loop,
		limiter:           opts.Limiter,
		metrics:           opts.Metrics,
		log: log.WithFields(logrus.Fields{
			"session": id,
			"url":     opts.URL.Redacted(),
			"range":   rangeString(opts.FirstBytePosition, opts.LastBytePosition),
		}),
	}

	s.desiredBackward, s.desiredForward = buffer.ComputeTargetBufferWindow(s.playbackRate, s.bitrate)
	s.buffer = buffer.NewSlidingBuffer(s.desiredBackward, s.desiredForward)
	return s
}

// Start issues the request. startCB runs exactly once unless the session is
// stopped first.
func (s *Session) Start(startCB StartCB, loadingCB LoadingStateChangedCB, progressCB ProgressCB) {
	next, ok := transition(s.state, eventStart)
	if !ok {
		s.log.WithField("state", s.state).Error("Start called on a session that was already started")
		if startCB != nil {
			startCB(types.StatusFailed)
		}
		return
	}
	s.state = next
	s.startCB = startCB
	s.loadingCB = loadingCB
	s.progressCB = progressCB

	if s.firstBytePosition != types.PositionNotSpecified {
		s.buffer.Reset(s.firstBytePosition)
	}

	header := make(http.Header)
	if s.isRangeRequest() {
		header.Set("Range", transport.FormatRangeHeader(s.firstBytePosition, s.lastBytePosition))
	}
	header.Set("Accept-Encoding", "identity;q=1, *;q=0")
	if s.userAgent != "" {
		header.Set("User-Agent", s.userAgent)
	}
	req := &transport.Request{
		URL:         s.url,
		Header:      header,
		Credentials: s.corsMode == types.CORSModeUseCredentials,
	}

	t := newActiveTransfer()
	s.transfer = t
	s.metrics.SessionStarted()
	s.log.Debug("Starting session")

	go t.run(s.transport, req, s.limiter, s.loop.Post, transferEvents{
		response: func(resp *transport.Response) { s.didReceiveResponse(t, resp) },
		data:     func(p []byte) { s.didReceiveData(t, p) },
		finished: func() { s.didFinishLoading(t) },
		failed:   func(err error) { s.didFail(t, err) },
	})

	s.notifyLoading(types.LoadingStateLoading)
}

// Stop cancels the transfer and drops every callback. It is safe to call
// more than once.
func (s *Session) Stop() {
	s.startCB = nil
	s.loadingCB = nil
	s.progressCB = nil
	s.readCB = nil
	s.readBuffer = nil
	if s.savedForwardCapacity != 0 {
		s.buffer.SetForwardCapacity(s.savedForwardCapacity)
		s.savedForwardCapacity = 0
	}

	if s.transfer != nil {
		s.transfer.cancel()
		s.transfer = nil
	}
	if next, ok := transition(s.state, eventStop); ok {
		s.state = next
	}
}

// Read copies up to size bytes at position into dst and reports through cb,
// either synchronously or once the transfer delivers the data. Only one read
// may be pending, and not while the session is starting.
func (s *Session) Read(position int64, size int, dst []byte, cb ReadCB) {
	if s.startCB != nil || s.readCB != nil {
		panic("loader: Read while starting or with a read pending")
	}

	s.readCB = cb
	s.readPosition = position
	s.readSize = size
	s.readBuffer = dst

	if s.state == StateFailed {
		s.doneRead(types.StatusFailed, 0, fmt.Errorf("%w: %w", ErrSessionFailed, s.err))
		return
	}

	if s.instanceSize != types.PositionNotSpecified && s.instanceSize <= position {
		s.doneRead(types.StatusOk, 0, nil)
		return
	}

	offset := s.buffer.Position()
	if position > offset+math.MaxInt32 || position < offset+math.MinInt32 {
		s.doneRead(types.StatusCacheMiss, 0, nil)
		return
	}

	if size > buffer.MaxBufferCapacity {
		err := &SessionError{Kind: FailureRequest, Err: fmt.Errorf("%w: %s", ErrReadTooLarge, humanize.IBytes(uint64(size)))}
		s.doneRead(types.StatusFailed, 0, err)
		return
	}

	s.firstOffset = int(position - offset)
	s.lastOffset = s.firstOffset + size

	if s.canFulfillRead() {
		s.readInternal()
		s.updateDeferBehavior()
		return
	}

	if s.willFulfillRead() {
		advance := min(s.firstOffset, s.buffer.ForwardBytes())
		s.buffer.Seek(advance)
		s.firstOffset -= advance
		s.lastOffset -= advance

		if s.lastOffset > s.buffer.ForwardCapacity() {
			s.savedForwardCapacity = s.buffer.ForwardCapacity()
			s.buffer.SetForwardCapacity(s.lastOffset)
		}

		s.updateDeferBehavior()
		return
	}

	s.doneRead(types.StatusCacheMiss, 0, nil)
}

// CancelSoon cancels the transfer the next time it is deferred, or now if it
// already is.
func (s *Session) CancelSoon() {
	s.cancelUponDeferral = true
	if s.transfer != nil && s.transfer.deferred {
		s.cancelTransfer()
	}
}

// UpdateDeferStrategy switches strategy. NeverDefer is downgraded to
// CapacityDefer for responses a cache could not serve again.
func (s *Session) UpdateDeferStrategy(strategy DeferStrategy) {
	if !s.reusable && strategy == NeverDefer {
		strategy = CapacityDefer
	}
	s.strategy = strategy
	s.updateDeferBehavior()
}

// SetPlaybackRate resizes the window for rate. A rate of zero is a pause
// and leaves the window alone.
func (s *Session) SetPlaybackRate(rate float64) {
	s.playbackRate = rate
	if rate == 0 {
		return
	}
	if rate > 0 {
		s.cancelUponDeferral = false
	}
	s.updateBufferWindow()
}

// SetBitrate resizes the window for bitrate bits per second.
func (s *Session) SetBitrate(bitrate int) {
	s.bitrate = bitrate
	s.updateBufferWindow()
}

func (s *Session) ID() string               { return s.id }
func (s *Session) State() State             { return s.state }
func (s *Session) Err() error               { return s.err }
func (s *Session) Strategy() DeferStrategy  { return s.strategy }
func (s *Session) InstanceSize() int64      { return s.instanceSize }
func (s *Session) ContentLength() int64     { return s.contentLength }
func (s *Session) RangeSupported() bool     { return s.rangeSupported }
func (s *Session) HasSingleOrigin() bool    { return s.singleOrigin }
func (s *Session) ResponseOrigin() string   { return s.responseOrigin }
func (s *Session) FirstBytePosition() int64 { return s.firstBytePosition }
func (s *Session) HasPendingRead() bool     { return s.readCB != nil }
func (s *Session) IsStarting() bool         { return s.startCB != nil }
func (s *Session) IsDeferred() bool         { return s.transfer != nil && s.transfer.deferred }
func (s *Session) Capacity() (backward, forward int) {
	return s.buffer.BackwardCapacity(), s.buffer.ForwardCapacity()
}

// DidPassCORSAccessCheck reports whether the resource was requested in a
// CORS mode and loaded without failing.
func (s *Session) DidPassCORSAccessCheck() bool {
	return s.corsMode != types.CORSModeUnspecified && s.state != StateFailed
}

// BufferedPosition returns the absolute offset one past the last buffered byte.
func (s *Session) BufferedPosition() int64 {
	return s.buffer.Position() + int64(s.buffer.ForwardBytes())
}

func (s *Session) didReceiveResponse(t *activeTransfer, resp *transport.Response) {
	if s.transfer != t {
		return
	}
	if next, ok := transition(s.state, eventResponse); ok {
		s.state = next
	}

	s.contentLength = resp.ContentLength
	s.singleOrigin = resp.SingleOrigin
	s.responseOrigin = transport.Origin(resp.URL)

	if s.isHTTP {
		if reasons := reasonsForUncacheability(resp.StatusCode, resp.ProtoMajor, resp.ProtoMinor, resp.Header); reasons != 0 {
			s.reusable = false
			if s.strategy == NeverDefer {
				s.strategy = CapacityDefer
			}
			s.log.WithField("reasons", fmt.Sprintf("%#x", uint32(reasons))).Debug("Response is not reusable from cache")
		}
	}

	info, err := verifyResponse(responseCheck{
		isHTTP:         s.isHTTP,
		first:          s.firstBytePosition,
		last:           s.lastBytePosition,
		status:         resp.StatusCode,
		header:         resp.Header,
		contentLength:  resp.ContentLength,
		origin:         s.responseOrigin,
		expectedOrigin: s.expectedOrigin,
		corsMode:       s.corsMode,
	})
	s.rangeSupported = info.rangeSupported
	if err != nil {
		s.transfer.cancel()
		s.transfer = nil
		s.fail(FailureProtocol, err)
		return
	}
	s.instanceSize = info.instanceSize

	fields := logrus.Fields{"status": resp.StatusCode, "range_supported": s.rangeSupported}
	if s.instanceSize != types.PositionNotSpecified {
		fields["size"] = humanize.IBytes(uint64(s.instanceSize))
	}
	s.log.WithFields(fields).Debug("Response verified")

	s.doneStart(types.StatusOk)
}

func (s *Session) didReceiveData(t *activeTransfer, p []byte) {
	if s.transfer != t {
		return
	}

	s.buffer.Append(p)
	s.metrics.BytesReceived(len(p))

	if s.HasPendingRead() && s.canFulfillRead() {
		s.readInternal()
	}

	s.updateDeferBehavior()

	if excess := s.buffer.ForwardBytes() - s.buffer.ForwardCapacity(); excess > 0 {
		s.buffer.Seek(excess)
		if s.HasPendingRead() {
			s.firstOffset -= excess
			s.lastOffset -= excess
		}
	}

	if s.progressCB != nil {
		s.progressCB(s.BufferedPosition() - 1)
	}
}

func (s *Session) didFinishLoading(t *activeTransfer) {
	if s.transfer != t {
		return
	}
	s.transfer = nil
	if next, ok := transition(s.state, eventFinish); ok {
		s.state = next
	}

	if s.instanceSize == types.PositionNotSpecified {
		s.instanceSize = s.BufferedPosition()
	}
	s.log.WithField("buffered", humanize.IBytes(uint64(s.buffer.ForwardBytes()))).Debug("Transfer finished")

	s.notifyLoading(types.LoadingStateFinished)

	if s.startCB != nil {
		s.doneStart(types.StatusOk)
		return
	}

	if !s.HasPendingRead() {
		return
	}
	switch {
	case s.canFulfillRead():
		s.readInternal()
	case s.readPosition >= s.instanceSize:
		s.doneRead(types.StatusOk, 0, nil)
	default:
		s.doneRead(types.StatusCacheMiss, 0, nil)
	}
}

func (s *Session) didFail(t *activeTransfer, err error) {
	if s.transfer != t {
		return
	}
	s.transfer = nil
	s.fail(FailureTransport, err)
}

func (s *Session) fail(kind FailureKind, err error) {
	if next, ok := transition(s.state, eventFail); ok {
		s.state = next
	}
	s.err = &SessionError{Kind: kind, Err: err}
	s.metrics.SessionFailed(kind.String())
	s.log.WithError(err).WithField("kind", kind).Warn("Session failed")

	s.notifyLoading(types.LoadingStateFailed)

	if s.startCB != nil {
		s.doneStart(types.StatusFailed)
		return
	}
	if s.HasPendingRead() {
		s.doneRead(types.StatusFailed, 0, s.err)
	}
}

func (s *Session) cancelTransfer() {
	if s.transfer == nil {
		return
	}
	s.transfer.cancel()
	s.transfer = nil
	if next, ok := transition(s.state, eventCancel); ok {
		s.state = next
	}
	s.log.Debug("Transfer cancelled")
}

func (s *Session) isRangeRequest() bool {
	return s.firstBytePosition != types.PositionNotSpecified
}

func (s *Session) canFulfillRead() bool {
	// Reaching back further than the retained bytes.
	if s.firstOffset < 0 && s.firstOffset+s.buffer.BackwardBytes() < 0 {
		return false
	}
	if s.firstOffset >= s.buffer.ForwardBytes() {
		return false
	}
	// Without a transfer a short read is all there will ever be.
	if s.transfer == nil {
		return true
	}
	return s.lastOffset <= s.buffer.ForwardBytes()
}

func (s *Session) willFulfillRead() bool {
	if s.firstOffset < 0 && s.firstOffset+s.buffer.BackwardBytes() < 0 {
		return false
	}
	if s.firstOffset-s.buffer.ForwardBytes() >= buffer.ForwardWaitThreshold {
		return false
	}
	return s.transfer != nil
}

func (s *Session) readInternal() {
	s.buffer.Seek(s.firstOffset)
	n := s.buffer.Read(s.readBuffer[:s.readSize])
	s.doneRead(types.StatusOk, n, nil)
}

func (s *Session) shouldDefer() bool {
	switch s.strategy {
	case ReadThenDefer:
		return !s.HasPendingRead()
	case CapacityDefer:
		return s.buffer.ForwardBytes() >= s.buffer.ForwardCapacity()
	default:
		return false
	}
}

func (s *Session) updateDeferBehavior() {
	if s.transfer == nil {
		return
	}
	s.setDeferred(s.shouldDefer())
}

func (s *Session) setDeferred(deferred bool) {
	if s.transfer.deferred == deferred {
		return
	}
	s.transfer.setDeferred(deferred)

	if deferred {
		s.metrics.Deferred()
		s.log.WithField("forward", humanize.IBytes(uint64(s.buffer.ForwardBytes()))).Debug("Transfer deferred")
		s.notifyLoading(types.LoadingStateDeferred)
		if s.cancelUponDeferral {
			s.cancelTransfer()
		}
		return
	}
	s.notifyLoading(types.LoadingStateLoading)
}

func (s *Session) updateBufferWindow() {
	s.desiredBackward, s.desiredForward = buffer.ComputeTargetBufferWindow(s.playbackRate, s.bitrate)
	s.buffer.SetBackwardCapacity(s.desiredBackward)

	// An enlarged capacity belongs to the pending read until it completes.
	if s.savedForwardCapacity != 0 {
		s.savedForwardCapacity = s.desiredForward
	} else {
		s.buffer.SetForwardCapacity(s.desiredForward)
	}
	s.updateDeferBehavior()
}

func (s *Session) notifyLoading(state types.LoadingState) {
	if s.loadingCB != nil {
		s.loadingCB(state)
	}
}

func (s *Session) doneStart(status types.Status) {
	cb := s.startCB
	s.startCB = nil
	if cb != nil {
		cb(status)
	}
}

func (s *Session) doneRead(status types.Status, n int, err error) {
	if s.savedForwardCapacity != 0 {
		s.buffer.SetForwardCapacity(s.savedForwardCapacity)
		s.savedForwardCapacity = 0
	}

	cb := s.readCB
	s.readCB = nil
	s.readBuffer = nil
	s.readPosition = types.PositionNotSpecified
	s.readSize = 0
	s.firstOffset = 0
	s.lastOffset = 0

	if cb != nil {
		cb(status, n, err)
	}
}

func rangeString(first, last int64) string {
	if first == types.PositionNotSpecified {
		return "all"
	}
	if last == types.PositionNotSpecified {
		return fmt.Sprintf("%d-", first)
	}
	return fmt.Sprintf("%d-%d", first, last)
}

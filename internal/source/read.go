package source

import (
	"errors"
	"fmt"
	"time"

	"github.com/savid/streambuf/internal/buffer"
	"github.com/savid/streambuf/internal/loader"
	"github.com/savid/streambuf/internal/metrics"
	"github.com/savid/streambuf/pkg/types"
	"github.com/sirupsen/logrus"
)

// readOp is the single outstanding read of a source.
type readOp struct {
	position int64
	size     int
	dst      []byte
	done     func(status types.Status, n int, err error)
	budget   *buffer.RetryBudget
	started  time.Time
}

// Read copies up to size bytes at position into dst and reports through cb
// on the source loop. Only one read may be outstanding. It never blocks.
func (s *BufferedSource) Read(position int64, size int, dst []byte, cb ReadCB) {
	s.read(position, size, dst, func(status types.Status, n int, _ error) {
		cb(status, n, size)
	})
}

// read queues a read and returns its op, or nil if it completed immediately.
func (s *BufferedSource) read(position int64, size int, dst []byte, done func(types.Status, int, error)) *readOp {
	size = min(size, len(dst))
	if size < 0 || position < 0 {
		done(types.StatusFailed, 0, fmt.Errorf("invalid read of %d bytes at %d", size, position))
		return nil
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		done(types.StatusFailed, 0, ErrSourceStopped)
		return nil
	}
	if s.readOp != nil {
		s.mu.Unlock()
		s.log.WithField("position", position).Error("Read issued while another read is pending")
		done(types.StatusFailed, 0, ErrReadInProgress)
		return nil
	}
	if size == 0 {
		s.mu.Unlock()
		done(types.StatusOk, 0, nil)
		return nil
	}

	op := &readOp{
		position: position,
		size:     size,
		dst:      dst,
		done:     done,
		budget:   s.retries.NewBudget(),
		started:  time.Now(),
	}
	s.readOp = op
	s.mu.Unlock()

	s.loop.Post(s.readTask)
	return op
}

// abandonRead detaches op so that its callback never runs and dst is never
// written again. It returns false if op already completed.
func (s *BufferedSource) abandonRead(op *readOp) bool {
	if op == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOp != op {
		return false
	}
	s.readOp = nil
	return true
}

func (s *BufferedSource) currentReadOp() *readOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	return s.readOp
}

func (s *BufferedSource) readTask() {
	op := s.currentReadOp()
	if op == nil {
		return
	}

	// A pending restart or start picks the read up when it is done.
	if s.cancelRetry != nil || (s.session != nil && s.session.IsStarting()) {
		return
	}
	if s.session != nil && s.session.HasPendingRead() {
		if s.sessionOp == op {
			return
		}
		// Left behind by an abandoned read.
		s.session.Stop()
	}
	if s.session == nil {
		s.restartSession(op)
		return
	}
	s.readInternal(op)
}

func (s *BufferedSource) readInternal(op *readOp) {
	if op.size > buffer.MaxBufferCapacity {
		s.failRead(op, &loader.SessionError{Kind: loader.FailureRequest, Err: loader.ErrReadTooLarge})
		return
	}
	if len(s.intermediate) < op.size {
		s.intermediate = make([]byte, max(op.size, initialReadBufferSize))
	}

	sess := s.session
	s.sessionOp = op
	sess.Read(op.position, op.size, s.intermediate[:op.size], func(status types.Status, n int, err error) {
		s.readCallback(sess, op, status, n, err)
	})
}

func (s *BufferedSource) readCallback(sess *loader.Session, op *readOp, status types.Status, n int, err error) {
	if sess != s.session {
		return
	}
	s.sessionOp = nil

	if status == types.StatusOk {
		s.mu.Lock()
		if s.stopped || s.readOp != op {
			s.mu.Unlock()
			return
		}
		s.readOp = nil
		copy(op.dst, s.intermediate[:n])
		s.mu.Unlock()

		if n == 0 {
			// End of a resource whose size was not known up front.
			s.learnTotalBytes(sess)
		}
		s.finishRead(op, types.StatusOk, n, nil)
		return
	}

	sess.Stop()
	if s.currentReadOp() != op {
		return
	}

	if status == types.StatusCacheMiss {
		s.cacheMisses.Inc()
		s.metrics.CacheMiss()
		s.log.WithField("position", op.position).Debug("Cache miss, restarting session")
		s.restartSession(op)
		return
	}
	s.handleFailure(op, err)
}

// restartSession replaces the session with one starting at the read position.
func (s *BufferedSource) restartSession(op *readOp) {
	if s.totalBytes != types.PositionNotSpecified && op.position >= s.totalBytes {
		s.completeRead(op, types.StatusOk, 0)
		return
	}
	if s.session != nil {
		s.session.Stop()
	}

	sess := s.newSession(op.position)
	s.session = sess
	sess.Start(
		func(status types.Status) { s.partialReadStartCallback(sess, status) },
		s.loadingStateCallback(sess),
		s.progressCallback(sess),
	)
}

func (s *BufferedSource) partialReadStartCallback(sess *loader.Session, status types.Status) {
	if sess != s.session {
		return
	}
	op := s.currentReadOp()
	if op == nil {
		return
	}

	if status == types.StatusOk {
		if !sess.HasSingleOrigin() {
			s.singleOrigin.Store(false)
		}
		s.readInternal(op)
		return
	}

	sess.Stop()
	s.handleFailure(op, sess.Err())
}

// handleFailure retries op after a failed session, or fails it.
func (s *BufferedSource) handleFailure(op *readOp, err error) {
	log := s.log.WithError(err).WithField("position", op.position)

	switch loader.KindOf(err) {
	case loader.FailureProtocol, loader.FailureRequest:
		log.Warn("Read failed")
		s.failRead(op, err)
		return
	}

	delay, ok := op.budget.Next()
	if !ok {
		log.WithField("retries", op.budget.Retries()).Warn("Read failed, retries exhausted")
		s.failRead(op, err)
		return
	}
	s.retryCount.Inc()

	if errors.Is(err, loader.ErrSessionFailed) {
		s.metrics.Retried(metrics.RetryApplication)
		log.WithField("retry", op.budget.Retries()).Info("Session had failed, restarting")
		s.restartSession(op)
		return
	}

	s.metrics.Retried(metrics.RetryTransport)
	log.WithFields(logrus.Fields{
		"retry": op.budget.Retries(),
		"delay": delay,
	}).Info("Transport failed, retrying")
	s.cancelRetry = s.loop.PostDelayed(delay, s.retryTask)
}

func (s *BufferedSource) retryTask() {
	s.cancelRetry = nil
	op := s.currentReadOp()
	if op == nil {
		return
	}
	s.restartSession(op)
}

func (s *BufferedSource) failRead(op *readOp, err error) {
	if err == nil {
		err = ErrReadFailed
	}
	s.complete(op, types.StatusFailed, 0, err)
}

func (s *BufferedSource) completeRead(op *readOp, status types.Status, n int) {
	s.complete(op, status, n, nil)
}

func (s *BufferedSource) complete(op *readOp, status types.Status, n int, err error) {
	s.mu.Lock()
	if s.stopped || s.readOp != op {
		s.mu.Unlock()
		return
	}
	s.readOp = nil
	s.mu.Unlock()

	s.finishRead(op, status, n, err)
}

// finishRead runs the callback of an op that was already detached.
func (s *BufferedSource) finishRead(op *readOp, status types.Status, n int, err error) {
	s.reads.Inc()
	if status == types.StatusOk {
		s.bytesRead.Add(int64(n))
	}
	s.metrics.ObserveRead(status, n, time.Since(op.started))
	op.done(status, n, err)
}

// Package taskloop runs posted tasks one at a time, in order, on a dedicated
// goroutine. Every task runs to completion before the next one starts, so
// state touched only from tasks needs no locking.
package taskloop

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Loop is a single-goroutine task runner with an unbounded mailbox.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	timers map[*time.Timer]struct{}
	closed bool

	wake chan struct{}
	done chan struct{}

	processed atomic.Int64
	dropped   atomic.Int64
	logger    logrus.FieldLogger
}

// New starts a loop.
func New(logger logrus.FieldLogger) *Loop {
	l := &Loop{
		timers: make(map[*time.Timer]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.run()
	return l
}

// Post queues fn. It never blocks and returns false if the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.dropped.Inc()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	l.signal()
	return true
}

// PostDelayed queues fn after d. The returned function cancels the task if it
// has not been queued yet. Pending delayed tasks are discarded on Close.
func (l *Loop) PostDelayed(d time.Duration, fn func()) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.dropped.Inc()
		return func() {}
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		l.mu.Lock()
		_, pending := l.timers[timer]
		delete(l.timers, timer)
		l.mu.Unlock()
		if pending {
			l.Post(fn)
		}
	})
	l.timers[timer] = struct{}{}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, pending := l.timers[timer]; pending {
			timer.Stop()
			delete(l.timers, timer)
		}
	}
}

// Close stops accepting tasks. Tasks already queued still run. Close does not
// wait and may be called from a task; use Done to wait for the goroutine.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for timer := range l.timers {
		timer.Stop()
	}
	l.timers = nil
	l.mu.Unlock()

	l.signal()
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Processed returns the number of tasks run so far.
func (l *Loop) Processed() int64 {
	return l.processed.Load()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		for len(l.queue) == 0 {
			if l.closed {
				l.mu.Unlock()
				if n := l.dropped.Load(); n > 0 && l.logger != nil {
					l.logger.WithField("dropped", n).Debug("Task loop closed with dropped tasks")
				}
				return
			}
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		tasks := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range tasks {
			fn()
			l.processed.Inc()
		}
	}
}

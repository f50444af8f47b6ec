package loader

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/savid/streambuf/internal/transport"
	"golang.org/x/time/rate"
)

// readChunkSize is how much the transfer reads from a body at once.
const readChunkSize = 32 * 1024

// pauseGate blocks the transfer goroutine while the session defers loading.
type pauseGate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{} // closed while not paused
}

func newPauseGate() *pauseGate {
	ch := make(chan struct{})
	close(ch)
	return &pauseGate{resume: ch}
}

func (g *pauseGate) set(paused bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused == paused {
		return
	}
	g.paused = paused
	if paused {
		g.resume = make(chan struct{})
	} else {
		close(g.resume)
	}
}

func (g *pauseGate) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	ch := g.resume
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transferEvents are invoked on the loop, in order, for one transfer.
type transferEvents struct {
	response func(*transport.Response)
	data     func([]byte)
	finished func()
	failed   func(error)
}

// activeTransfer is one in-flight fetch. Its goroutine only touches the
// transport and the gate; everything else happens in posted events.
type activeTransfer struct {
	ctx      context.Context
	cancelFn context.CancelFunc
	gate     *pauseGate
	deferred bool // loop-side view of the gate

	mu   sync.Mutex
	body io.Closer
}

func newActiveTransfer() *activeTransfer {
	ctx, cancel := context.WithCancel(context.Background())
	return &activeTransfer{ctx: ctx, cancelFn: cancel, gate: newPauseGate()}
}

func (t *activeTransfer) setDeferred(deferred bool) {
	t.deferred = deferred
	t.gate.set(deferred)
}

// cancel stops the transfer and closes the response body, which unblocks a
// body read that does not watch the context.
func (t *activeTransfer) cancel() {
	t.cancelFn()
	t.closeBody()
}

// setBody records the response body, or reports false if the transfer was
// already cancelled.
func (t *activeTransfer) setBody(body io.Closer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		return false
	}
	t.body = body
	return true
}

func (t *activeTransfer) closeBody() {
	t.mu.Lock()
	body := t.body
	t.body = nil
	t.mu.Unlock()
	if body != nil {
		_ = body.Close()
	}
}

func (t *activeTransfer) run(tr transport.Transport, req *transport.Request, limiter *rate.Limiter, post func(func()) bool, ev transferEvents) {
	defer t.cancelFn()

	resp, err := tr.RoundTrip(t.ctx, req)
	if err != nil {
		if t.ctx.Err() == nil {
			post(func() { ev.failed(err) })
		}
		return
	}
	if !t.setBody(resp.Body) {
		_ = resp.Body.Close()
		return
	}
	defer t.closeBody()

	if !post(func() { ev.response(resp) }) {
		return
	}

	// Each chunk is handled on the loop before the next body read, so a
	// deferral takes effect at the chunk that filled the window.
	handled := make(chan struct{}, 1)
	buf := make([]byte, readChunkSize)
	for {
		if err := t.gate.wait(t.ctx); err != nil {
			return
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			if werr := waitBandwidth(t.ctx, limiter, n); werr != nil {
				return
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !post(func() {
				ev.data(chunk)
				handled <- struct{}{}
			}) {
				return
			}
			select {
			case <-handled:
			case <-t.ctx.Done():
				return
			}
		}

		switch {
		case errors.Is(err, io.EOF):
			post(ev.finished)
			return
		case err != nil:
			if t.ctx.Err() == nil {
				post(func() { ev.failed(err) })
			}
			return
		}
	}
}

// waitBandwidth blocks until limiter admits n bytes. A nil limiter admits
// everything.
func waitBandwidth(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil || limiter.Limit() == rate.Inf {
		return nil
	}
	burst := limiter.Burst()
	if burst <= 0 {
		return nil
	}
	for n > 0 {
		step := min(n, burst)
		if err := limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

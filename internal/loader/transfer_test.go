package loader

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/savid/streambuf/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

func TestWaitBandwidth(t *testing.T) {
	ctx := context.Background()

	t.Run("Unlimited", func(t *testing.T) {
		assert.NoError(t, waitBandwidth(ctx, nil, 1<<20))
		assert.NoError(t, waitBandwidth(ctx, transport.NewBandwidthLimiter(0), 1<<20))
	})

	t.Run("LargerThanBurst", func(t *testing.T) {
		limiter := rate.NewLimiter(rate.Limit(1<<20), 1024)
		start := time.Now()
		require.NoError(t, waitBandwidth(ctx, limiter, 64*1024))
		// 63 KiB beyond the initial burst at 1 MiB/s.
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("Cancelled", func(t *testing.T) {
		limiter := rate.NewLimiter(rate.Limit(1), 1)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.Error(t, waitBandwidth(cctx, limiter, 10))
	})
}

func TestNewBandwidthLimiter(t *testing.T) {
	assert.Nil(t, transport.NewBandwidthLimiter(0))

	small := transport.NewBandwidthLimiter(1000)
	require.NotNil(t, small)
	assert.Equal(t, 1000, small.Burst())

	large := transport.NewBandwidthLimiter(10 << 20)
	require.NotNil(t, large)
	assert.Equal(t, 256*1024, large.Burst())
	assert.Equal(t, rate.Limit(10<<20), large.Limit())
}

// stallingTransport returns a body whose reads block until it is closed.
type stallingTransport struct {
	body *io.PipeReader
}

func (s stallingTransport) RoundTrip(context.Context, *transport.Request) (*transport.Response, error) {
	return &transport.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{},
		ContentLength: -1,
		Body:          s.body,
	}, nil
}

func TestTransferCancelClosesBody(t *testing.T) {
	reader, writer := io.Pipe()
	t.Cleanup(func() { writer.Close() })

	responded := make(chan struct{})
	failed := make(chan error, 1)
	post := func(fn func()) bool {
		fn()
		return true
	}

	tr := newActiveTransfer()
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.run(stallingTransport{body: reader}, &transport.Request{Header: http.Header{}}, nil, post, transferEvents{
			response: func(*transport.Response) { close(responded) },
			data:     func([]byte) {},
			finished: func() {},
			failed:   func(err error) { failed <- err },
		})
	}()

	<-responded
	tr.cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transfer goroutine did not exit after cancel")
	}
	assert.Empty(t, failed)
}

// countingBody counts the reads made against it.
type countingBody struct {
	r     *bytes.Reader
	reads atomic.Int64
}

func (b *countingBody) Read(p []byte) (int, error) {
	b.reads.Inc()
	return b.r.Read(p)
}

func (b *countingBody) Close() error { return nil }

type bodyTransport struct {
	body io.ReadCloser
}

func (b bodyTransport) RoundTrip(context.Context, *transport.Request) (*transport.Response, error) {
	return &transport.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{},
		ContentLength: -1,
		Body:          b.body,
	}, nil
}

func TestTransferWaitsForEachChunk(t *testing.T) {
	const chunks = 4
	body := &countingBody{r: bytes.NewReader(make([]byte, chunks*readChunkSize))}

	// The queue stands in for the loop; nothing runs until the test runs it.
	queue := make(chan func(), 16)
	post := func(fn func()) bool {
		queue <- fn
		return true
	}

	var received int
	finished := make(chan struct{})
	tr := newActiveTransfer()
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.run(bodyTransport{body: body}, &transport.Request{Header: http.Header{}}, nil, post, transferEvents{
			response: func(*transport.Response) {},
			data:     func(p []byte) { received += len(p) },
			finished: func() { close(finished) },
			failed:   func(err error) { t.Errorf("unexpected failure: %v", err) },
		})
	}()

	(<-queue)()
	for i := 1; i <= chunks; i++ {
		fn := <-queue
		// The next read waits until this chunk has been handled.
		assert.Equal(t, int64(i), body.reads.Load())
		fn()
	}
	(<-queue)()

	<-finished
	<-done
	assert.Equal(t, chunks*readChunkSize, received)
}

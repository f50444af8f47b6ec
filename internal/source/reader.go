package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/savid/streambuf/internal/buffer"
	"github.com/savid/streambuf/pkg/types"
)

var (
	// ErrReadFailed is returned by the blocking readers when a read fails.
	ErrReadFailed = errors.New("read failed")
	// ErrUnknownSize is returned when seeking needs a size that is not known.
	ErrUnknownSize = errors.New("resource size is unknown")
	// ErrNegativeOffset is returned for reads before the start of the resource.
	ErrNegativeOffset = errors.New("negative offset")
)

// maxReadChunk bounds a single read issued by the blocking readers.
const maxReadChunk = buffer.MinBufferCapacity

type readResult struct {
	status types.Status
	n      int
	err    error
}

// Open initializes the source and waits for the outcome. The source is
// stopped if ctx ends first.
func (s *BufferedSource) Open(ctx context.Context) error {
	results := make(chan bool, 1)
	s.Initialize(func(ok bool) { results <- ok })

	select {
	case ok := <-results:
		if ok {
			return nil
		}
		s.mu.Lock()
		err := s.initErr
		s.mu.Unlock()
		if err == nil {
			return ErrInitFailed
		}
		return fmt.Errorf("%w: %w", ErrInitFailed, err)
	case <-ctx.Done():
		s.Stop()
		return ctx.Err()
	}
}

// ReadAt reads len(p) bytes at off, blocking until they are read, the
// resource ends, or ctx is done. It follows io.ReaderAt semantics and
// returns io.EOF when fewer bytes remain.
func (s *BufferedSource) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}

	total := 0
	for total < len(p) {
		end := total + min(len(p)-total, maxReadChunk)
		n, err := s.readOnce(ctx, off+int64(total), p[total:end])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.EOF
		}
	}
	return total, nil
}

func (s *BufferedSource) readOnce(ctx context.Context, off int64, p []byte) (int, error) {
	results := make(chan readResult, 1)
	op := s.read(off, len(p), p, func(status types.Status, n int, err error) {
		results <- readResult{status: status, n: n, err: err}
	})

	var r readResult
	select {
	case r = <-results:
	case <-ctx.Done():
		if s.abandonRead(op) {
			return 0, ctx.Err()
		}
		// The read completed while ctx ended.
		r = <-results
	}

	if r.status != types.StatusOk {
		if r.err == nil {
			return 0, ErrReadFailed
		}
		return 0, fmt.Errorf("%w: %w", ErrReadFailed, r.err)
	}
	return r.n, nil
}

type readerAt struct {
	ctx context.Context
	s   *BufferedSource
}

func (r readerAt) ReadAt(p []byte, off int64) (int, error) {
	return r.s.ReadAt(r.ctx, p, off)
}

// ReaderAt returns an io.ReaderAt whose reads are bound to ctx.
func (s *BufferedSource) ReaderAt(ctx context.Context) io.ReaderAt {
	return readerAt{ctx: ctx, s: s}
}

// NewReadSeeker returns an io.ReadSeeker over the whole resource. The size
// must be known.
func (s *BufferedSource) NewReadSeeker(ctx context.Context) (io.ReadSeeker, error) {
	size := s.Size()
	if size == types.PositionNotSpecified {
		return nil, ErrUnknownSize
	}
	return io.NewSectionReader(s.ReaderAt(ctx), 0, size), nil
}

// sequentialReader reads a resource front to back, for resources whose size
// is unknown.
type sequentialReader struct {
	ctx context.Context
	s   *BufferedSource
	off int64
}

// NewReader returns an io.Reader starting at off.
func (s *BufferedSource) NewReader(ctx context.Context, off int64) io.Reader {
	return &sequentialReader{ctx: ctx, s: s, off: off}
}

func (r *sequentialReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := r.s.readOnce(r.ctx, r.off, p[:min(len(p), maxReadChunk)])
	r.off += int64(n)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

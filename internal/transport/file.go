package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/savid/streambuf/pkg/types"
	"github.com/spf13/afero"
)

// FileTransport serves file URLs from an afero filesystem. It honours a
// single-range Range header by seeking, and reports the remaining length as
// the content length. Non-regular files report an unknown length.
type FileTransport struct {
	fs afero.Fs
}

// NewFileTransport creates a file transport over fs, or the OS filesystem
// when fs is nil.
func NewFileTransport(fs afero.Fs) *FileTransport {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileTransport{fs: fs}
}

// RoundTrip implements Transport.
func (t *FileTransport) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := req.URL.Path
	if path == "" {
		path = req.URL.Opaque
	}

	f, err := t.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	size := types.PositionNotSpecified
	if info.Mode().IsRegular() {
		size = info.Size()
	}

	first, last := int64(0), types.PositionNotSpecified
	if h := req.Header.Get("Range"); h != "" {
		if first, last, err = ParseRangeHeader(h); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	if first > 0 {
		if _, err := f.Seek(first, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to seek %s: %w", path, err)
		}
	}

	var body io.Reader = f
	length := types.PositionNotSpecified
	if size != types.PositionNotSpecified {
		length = max(size-first, 0)
	}
	if last != types.PositionNotSpecified {
		n := last - first + 1
		if length == types.PositionNotSpecified || n < length {
			length = n
		}
		body = io.LimitReader(f, n)
	}

	return &Response{
		StatusCode:    http.StatusOK,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		ContentLength: length,
		URL:           &url.URL{Scheme: "file", Path: path},
		SingleOrigin:  true,
		Body:          readCloser{Reader: body, Closer: f},
	}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

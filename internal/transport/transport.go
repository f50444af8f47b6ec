// Package transport fetches media resources over HTTP(S) or from a filesystem.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var (
	// ErrUnsupportedScheme is returned when no transport handles the URL scheme.
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")
	// ErrMissingHost is returned when an HTTP URL has no host.
	ErrMissingHost = errors.New("missing host in URL")
	// ErrInternalAddress is returned when trying to fetch from internal addresses.
	ErrInternalAddress = errors.New("cannot fetch from internal addresses")
	// ErrTooManyRedirects is returned when a request is redirected too often.
	ErrTooManyRedirects = errors.New("too many redirects")
)

const maxRedirects = 10

// Request describes a single fetch of a resource.
type Request struct {
	URL    *url.URL
	Header http.Header

	// Credentials allows cookies and URL user info to be sent.
	Credentials bool
}

// Response is the transport-neutral view of a fetched resource.
type Response struct {
	StatusCode int
	ProtoMajor int
	ProtoMinor int
	Header     http.Header

	// ContentLength is the declared body length, or -1 when unknown.
	ContentLength int64

	// URL is the final URL after redirects.
	URL *url.URL

	// SingleOrigin is false when any redirect left the origin of the request.
	SingleOrigin bool

	Body io.ReadCloser
}

// Transport opens a resource for reading.
type Transport interface {
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
}

// Mux dispatches requests to a transport by URL scheme.
type Mux struct {
	transports map[string]Transport
}

// NewMux creates an empty scheme router.
func NewMux() *Mux {
	return &Mux{transports: make(map[string]Transport)}
}

// Handle registers t for scheme.
func (m *Mux) Handle(scheme string, t Transport) {
	m.transports[strings.ToLower(scheme)] = t
}

// RoundTrip implements Transport.
func (m *Mux) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	scheme := strings.ToLower(req.URL.Scheme)
	if scheme == "" {
		scheme = "file"
	}
	t, ok := m.transports[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, req.URL.Scheme)
	}
	return t.RoundTrip(ctx, req)
}

// NewDefault returns a Mux serving http, https and file URLs.
func NewDefault(httpTransport *HTTPTransport, fileTransport *FileTransport) *Mux {
	m := NewMux()
	m.Handle("http", httpTransport)
	m.Handle("https", httpTransport)
	m.Handle("file", fileTransport)
	return m
}

// IsHTTP reports whether u is an http or https URL.
func IsHTTP(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

// Origin returns the scheme://host[:port] origin of u with the default port
// elided.
func Origin(u *url.URL) string {
	if u == nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host
}

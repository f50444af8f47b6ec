package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	// ResponseHeaderTimeout bounds the wait for response headers. Bodies are
	// streamed without a deadline.
	ResponseHeaderTimeout time.Duration
	UserAgent             string

	// AllowPrivateHosts lets redirects lead to internal addresses.
	AllowPrivateHosts bool
}

// HTTPTransport fetches http and https resources.
type HTTPTransport struct {
	transport    http.RoundTripper
	jar          http.CookieJar
	userAgent    string
	allowPrivate bool
}

// NewHTTPTransport creates an HTTP transport with pooled connections.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	jar, _ := cookiejar.New(nil)
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "streambuf/1.0"
	}
	return &HTTPTransport{
		transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
			DisableCompression:    true,
		},
		jar:          jar,
		userAgent:    userAgent,
		allowPrivate: cfg.AllowPrivateHosts,
	}
}

// NewHTTPTransportWith wraps an existing round tripper, mainly for tests.
// Redirects to internal addresses are allowed.
func NewHTTPTransportWith(rt http.RoundTripper, userAgent string) *HTTPTransport {
	return &HTTPTransport{transport: rt, userAgent: userAgent, allowPrivate: true}
}

// RoundTrip implements Transport. It follows redirects, recording whether
// they stayed on the origin of the request. Redirects to internal addresses
// fail with ErrInternalAddress unless private hosts are allowed.
func (t *HTTPTransport) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	origin := Origin(req.URL)
	singleOrigin := true

	client := &http.Client{
		Transport: t.transport,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			if !t.allowPrivate && isInternalHost(r.URL) {
				return fmt.Errorf("%w: redirect to %s", ErrInternalAddress, r.URL.Host)
			}
			if Origin(r.URL) != origin {
				singleOrigin = false
			}
			return nil
		},
	}

	target := *req.URL
	if req.Credentials {
		client.Jar = t.jar
	} else {
		target.User = nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vv := range req.Header {
		for _, v := range vv {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch resource: %w", err)
	}

	return &Response{
		StatusCode:    resp.StatusCode,
		ProtoMajor:    resp.ProtoMajor,
		ProtoMinor:    resp.ProtoMinor,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		URL:           resp.Request.URL,
		SingleOrigin:  singleOrigin,
		Body:          resp.Body,
	}, nil
}

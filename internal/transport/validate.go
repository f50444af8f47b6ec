package transport

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateUpstreamURL checks that rawURL is an http(s) URL that may be fetched
// on behalf of a remote client. Loopback, private, link-local and unspecified
// hosts are refused unless allowPrivate is set.
func ValidateUpstreamURL(rawURL string, allowPrivate bool) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	if !IsHTTP(u) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}

	if u.Host == "" {
		return nil, ErrMissingHost
	}

	if !allowPrivate && isInternalHost(u) {
		return nil, ErrInternalAddress
	}

	return u, nil
}

// isInternalHost reports whether u names a loopback, private, link-local or
// unspecified host.
func isInternalHost(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

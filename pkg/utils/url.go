// Package utils provides URL helpers for the stream endpoint.
package utils

import (
	"net/url"
)

// StreamPrefix is the path under which upstream resources are served.
const StreamPrefix = "/stream/"

// EncodeURL encodes a URL for use as a single path element.
func EncodeURL(rawURL string) string {
	return url.QueryEscape(rawURL)
}

// DecodeURL decodes a URL encoded by EncodeURL.
func DecodeURL(encoded string) (string, error) {
	return url.QueryUnescape(encoded)
}

// StreamPath returns the path serving rawURL.
func StreamPath(rawURL string) string {
	return StreamPrefix + EncodeURL(rawURL)
}

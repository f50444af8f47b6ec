package loader

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/savid/streambuf/internal/transport"
	"github.com/savid/streambuf/pkg/types"
)

// responseCheck is everything verifyResponse looks at.
type responseCheck struct {
	isHTTP bool

	// Requested range; last is types.PositionNotSpecified for open ranges.
	first int64
	last  int64

	status        int
	header        http.Header
	contentLength int64

	origin         string
	expectedOrigin string
	corsMode       types.CORSMode
}

// responseInfo is what a verified response tells the session.
type responseInfo struct {
	instanceSize   int64
	rangeSupported bool
}

// verifyResponse accepts or rejects the response headers of a transfer.
func verifyResponse(c responseCheck) (responseInfo, error) {
	info := responseInfo{instanceSize: types.PositionNotSpecified}

	if c.expectedOrigin != "" && c.origin != c.expectedOrigin && c.corsMode == types.CORSModeUnspecified {
		return info, fmt.Errorf("%w: %s, expected %s", ErrOriginChanged, c.origin, c.expectedOrigin)
	}

	if !c.isHTTP {
		// Local resources honor any range. The size is only derivable when
		// the transfer runs to the end of the resource.
		info.rangeSupported = true
		if c.contentLength != types.PositionNotSpecified && c.last == types.PositionNotSpecified {
			info.instanceSize = c.contentLength
			if c.first != types.PositionNotSpecified {
				info.instanceSize += c.first
			}
		}
		return info, nil
	}

	ok := c.status == http.StatusOK
	partial := c.status == http.StatusPartialContent
	notModified := c.status == http.StatusNotModified

	info.rangeSupported = acceptsByteRanges(c.header)
	if notModified {
		info.rangeSupported = true
	}

	if c.first == types.PositionNotSpecified {
		if !ok && !notModified {
			return info, fmt.Errorf("%w: %d", ErrUnexpectedStatus, c.status)
		}
		info.instanceSize = c.contentLength
		return info, nil
	}

	switch {
	case partial:
		size, err := verifyPartialResponse(c.header, c.first, c.last)
		if err != nil {
			return info, err
		}
		info.instanceSize = size
		info.rangeSupported = true
	case (ok || notModified) && c.first == 0 && c.last == types.PositionNotSpecified:
		// A full response is an acceptable answer to a request for everything.
		info.instanceSize = c.contentLength
	default:
		return info, fmt.Errorf("%w: %d for range %s", ErrUnexpectedStatus, c.status,
			transport.FormatRangeHeader(c.first, c.last))
	}

	return info, nil
}

func verifyPartialResponse(header http.Header, first, last int64) (int64, error) {
	gotFirst, gotLast, size, err := transport.ParseContentRange(header.Get("Content-Range"))
	if err != nil {
		return types.PositionNotSpecified, err
	}
	if gotFirst != first {
		return types.PositionNotSpecified, fmt.Errorf("%w: got first byte %d, requested %d", ErrRangeMismatch, gotFirst, first)
	}
	if last != types.PositionNotSpecified && gotLast > last {
		return types.PositionNotSpecified, fmt.Errorf("%w: got last byte %d, requested %d", ErrRangeMismatch, gotLast, last)
	}
	return size, nil
}

func acceptsByteRanges(header http.Header) bool {
	for _, v := range header.Values("Accept-Ranges") {
		if strings.Contains(strings.ToLower(v), "bytes") {
			return true
		}
	}
	return false
}

// uncacheableReason is a bit set of reasons a response could not be served
// again from an HTTP cache.
type uncacheableReason uint32

const (
	reasonNoData uncacheableReason = 1 << iota
	reasonPre11PartialResponse
	reasonNoStrongValidatorOnPartialResponse
	reasonShortMaxAge
	reasonExpiresTooSoon
	reasonHasMustRevalidate
	reasonNoCache
	reasonNoStore
)

const minimumAgeForUsefulness = time.Hour

// reasonsForUncacheability inspects the status line and caching headers.
func reasonsForUncacheability(status, protoMajor, protoMinor int, header http.Header) uncacheableReason {
	var reasons uncacheableReason
	pre11 := protoMajor < 1 || (protoMajor == 1 && protoMinor < 1)

	if status != http.StatusOK && status != http.StatusPartialContent {
		reasons |= reasonNoData
	}
	if status == http.StatusPartialContent {
		if pre11 {
			reasons |= reasonPre11PartialResponse
		}
		if pre11 || !hasStrongValidator(header) {
			reasons |= reasonNoStrongValidatorOnPartialResponse
		}
	}

	for _, directive := range strings.Split(strings.ToLower(header.Get("Cache-Control")), ",") {
		directive = strings.TrimSpace(directive)
		switch {
		case directive == "no-cache":
			reasons |= reasonNoCache
		case directive == "no-store":
			reasons |= reasonNoStore
		case directive == "must-revalidate":
			reasons |= reasonHasMustRevalidate
		case strings.HasPrefix(directive, "max-age="):
			secs, err := strconv.ParseInt(strings.TrimPrefix(directive, "max-age="), 10, 64)
			if err == nil && time.Duration(secs)*time.Second < minimumAgeForUsefulness {
				reasons |= reasonShortMaxAge
			}
		}
	}

	date, dateErr := http.ParseTime(header.Get("Date"))
	expires, expiresErr := http.ParseTime(header.Get("Expires"))
	if dateErr == nil && expiresErr == nil && expires.Sub(date) < minimumAgeForUsefulness {
		reasons |= reasonExpiresTooSoon
	}

	return reasons
}

// hasStrongValidator reports whether a cache could safely combine this
// partial response with others: a strong ETag, or a Last-Modified at least
// a minute older than Date.
func hasStrongValidator(header http.Header) bool {
	if etag := header.Get("ETag"); etag != "" && !strings.HasPrefix(etag, "W/") {
		return true
	}
	lastModified, err := http.ParseTime(header.Get("Last-Modified"))
	if err != nil {
		return false
	}
	date, err := http.ParseTime(header.Get("Date"))
	if err != nil {
		return false
	}
	return date.Sub(lastModified) >= time.Minute
}

package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/savid/streambuf/pkg/types"
)

var (
	// ErrBadContentRange is returned for a Content-Range header that cannot be parsed.
	ErrBadContentRange = errors.New("malformed Content-Range header")
	// ErrBadRange is returned for a Range header that cannot be parsed.
	ErrBadRange = errors.New("malformed Range header")
)

// FormatRangeHeader returns the Range header value for the inclusive range
// [first, last]. Either bound may be types.PositionNotSpecified. An empty
// string means no header should be sent: suffix ranges are not supported.
func FormatRangeHeader(first, last int64) string {
	switch {
	case first > types.PositionNotSpecified && last > types.PositionNotSpecified:
		if first > last {
			return ""
		}
		return fmt.Sprintf("bytes=%d-%d", first, last)
	case first > types.PositionNotSpecified:
		return fmt.Sprintf("bytes=%d-", first)
	default:
		return ""
	}
}

// ParseRangeHeader parses a single-range "bytes=first-[last]" header.
func ParseRangeHeader(h string) (first, last int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(h), "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadRange, h)
	}
	firstStr, lastStr, ok := strings.Cut(spec, "-")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadRange, h)
	}

	first, err = strconv.ParseInt(strings.TrimSpace(firstStr), 10, 64)
	if err != nil || first < 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadRange, h)
	}

	last = types.PositionNotSpecified
	if lastStr = strings.TrimSpace(lastStr); lastStr != "" {
		last, err = strconv.ParseInt(lastStr, 10, 64)
		if err != nil || last < first {
			return 0, 0, fmt.Errorf("%w: %q", ErrBadRange, h)
		}
	}
	return first, last, nil
}

// FormatContentRange returns "bytes first-last/size", with "*" for an
// unknown size.
func FormatContentRange(first, last, instanceSize int64) string {
	size := "*"
	if instanceSize != types.PositionNotSpecified {
		size = strconv.FormatInt(instanceSize, 10)
	}
	return fmt.Sprintf("bytes %d-%d/%s", first, last, size)
}

// ParseContentRange parses "bytes first-last/size" where size may be "*".
// An unknown size is returned as types.PositionNotSpecified.
func ParseContentRange(h string) (first, last, instanceSize int64, err error) {
	bad := func() (int64, int64, int64, error) {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrBadContentRange, h)
	}

	spec, ok := strings.CutPrefix(strings.TrimSpace(h), "bytes")
	if !ok || spec == "" || (spec[0] != ' ' && spec[0] != '\t') {
		return bad()
	}
	rangeStr, sizeStr, ok := strings.Cut(strings.TrimSpace(spec), "/")
	if !ok {
		return bad()
	}
	firstStr, lastStr, ok := strings.Cut(rangeStr, "-")
	if !ok {
		return bad()
	}

	if first, err = strconv.ParseInt(strings.TrimSpace(firstStr), 10, 64); err != nil || first < 0 {
		return bad()
	}
	if last, err = strconv.ParseInt(strings.TrimSpace(lastStr), 10, 64); err != nil || last < first {
		return bad()
	}

	instanceSize = types.PositionNotSpecified
	if sizeStr = strings.TrimSpace(sizeStr); sizeStr != "*" {
		if instanceSize, err = strconv.ParseInt(sizeStr, 10, 64); err != nil || instanceSize < 0 {
			return bad()
		}
		if last >= instanceSize {
			return bad()
		}
	}
	return first, last, instanceSize, nil
}

// Package host records buffering progress of a resource for the reader that
// owns it.
package host

import (
	"sort"
	"sync"

	"github.com/savid/streambuf/pkg/types"
)

// Range is a half-open byte range [Start, End).
type Range struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in r.
func (r Range) Len() int64 { return r.End - r.Start }

// BufferHost collects the total size and buffered ranges reported by a
// buffered source. Ranges only ever grow. It is safe for concurrent use.
type BufferHost struct {
	mu         sync.Mutex
	totalBytes int64
	ranges     []Range // sorted, non-overlapping, non-adjacent
	progress   bool
}

// New creates a host with an unknown total size.
func New() *BufferHost {
	return &BufferHost{totalBytes: types.PositionNotSpecified}
}

// SetTotalBytes records the resource size.
func (h *BufferHost) SetTotalBytes(n int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totalBytes = n
}

// TotalBytes returns the resource size, or types.PositionNotSpecified.
func (h *BufferHost) TotalBytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totalBytes
}

// AddBufferedByteRange merges [start, end) into the buffered set and flags
// progress. Empty or inverted ranges are ignored.
func (h *BufferHost) AddBufferedByteRange(start, end int64) {
	if start < 0 {
		start = 0
	}
	if end <= start {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.progress = true

	// First range that ends at or after start; everything before it is untouched.
	i := sort.Search(len(h.ranges), func(i int) bool { return h.ranges[i].End >= start })
	j := i
	merged := Range{Start: start, End: end}
	for j < len(h.ranges) && h.ranges[j].Start <= end {
		merged.Start = min(merged.Start, h.ranges[j].Start)
		merged.End = max(merged.End, h.ranges[j].End)
		j++
	}

	h.ranges = append(h.ranges[:i], append([]Range{merged}, h.ranges[j:]...)...)
}

// BufferedRanges returns a copy of the buffered ranges in ascending order.
func (h *BufferHost) BufferedRanges() []Range {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Range, len(h.ranges))
	copy(out, h.ranges)
	return out
}

// BufferedBytes returns the number of bytes covered by buffered ranges.
func (h *BufferHost) BufferedBytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n int64
	for _, r := range h.ranges {
		n += r.Len()
	}
	return n
}

// ConsumeProgressFlag reports whether progress happened since the last call
// and clears the flag.
func (h *BufferHost) ConsumeProgressFlag() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.progress
	h.progress = false
	return p
}

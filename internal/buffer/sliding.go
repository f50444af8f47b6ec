// Package buffer provides advanced buffering capabilities for media streams.
package buffer

// SlidingBuffer is a byte window anchored at an absolute resource offset.
//
// Bytes before the current position are backward bytes (already consumed but
// retained for short backward seeks); bytes at and after it are forward bytes.
// Capacities are limits, not allocations: forward bytes may exceed the forward
// capacity after Append and it is up to the owner to Seek the excess away.
// Lowering a capacity never evicts synchronously; excess backward bytes are
// dropped on the next Append, Seek or Read.
//
// SlidingBuffer is not safe for concurrent use.
type SlidingBuffer struct {
	data             []byte // data[:pos] is backward, data[pos:] is forward
	pos              int
	position         int64
	forwardCapacity  int
	backwardCapacity int
}

// NewSlidingBuffer creates an empty buffer with the given capacities.
func NewSlidingBuffer(backwardCapacity, forwardCapacity int) *SlidingBuffer {
	return &SlidingBuffer{
		backwardCapacity: backwardCapacity,
		forwardCapacity:  forwardCapacity,
	}
}

// Append extends the forward region with a copy of p.
func (b *SlidingBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.data = append(b.data, p...)
	b.evictBackward()
}

// Seek moves the window start by n bytes. A positive n turns forward bytes into
// backward bytes, a negative n moves back into retained backward bytes. It
// returns false, without moving, if n exceeds the bytes available in that
// direction.
func (b *SlidingBuffer) Seek(n int) bool {
	if n > 0 && n > b.ForwardBytes() {
		return false
	}
	if n < 0 && -n > b.pos {
		return false
	}
	b.pos += n
	b.position += int64(n)
	b.evictBackward()
	return true
}

// Read copies up to len(p) forward bytes into p and consumes them.
func (b *SlidingBuffer) Read(p []byte) int {
	n := copy(p, b.data[b.pos:])
	b.pos += n
	b.position += int64(n)
	b.evictBackward()
	return n
}

// Reset drops all data and anchors the window at position.
func (b *SlidingBuffer) Reset(position int64) {
	b.data = nil
	b.pos = 0
	b.position = position
}

// Position returns the absolute resource offset of the window start.
func (b *SlidingBuffer) Position() int64 { return b.position }

// ForwardBytes returns the number of unconsumed bytes.
func (b *SlidingBuffer) ForwardBytes() int { return len(b.data) - b.pos }

// BackwardBytes returns the number of consumed bytes still retained.
func (b *SlidingBuffer) BackwardBytes() int { return b.pos }

// ForwardCapacity returns the forward limit.
func (b *SlidingBuffer) ForwardCapacity() int { return b.forwardCapacity }

// BackwardCapacity returns the backward limit.
func (b *SlidingBuffer) BackwardCapacity() int { return b.backwardCapacity }

// SetForwardCapacity changes the forward limit. Existing data is kept.
func (b *SlidingBuffer) SetForwardCapacity(n int) { b.forwardCapacity = n }

// SetBackwardCapacity changes the backward limit. Excess backward bytes are
// dropped on the next mutation.
func (b *SlidingBuffer) SetBackwardCapacity(n int) { b.backwardCapacity = n }

func (b *SlidingBuffer) evictBackward() {
	excess := b.pos - b.backwardCapacity
	if excess <= 0 {
		return
	}
	b.data = b.data[excess:]
	b.pos -= excess
	if len(b.data) == 0 {
		// Release the backing array instead of keeping a zero-length tail of it.
		b.data = nil
	}
}

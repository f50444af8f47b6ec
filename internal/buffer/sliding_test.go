package buffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequence(start, n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(start + i)
	}
	return p
}

func TestSlidingBufferAppendSeek(t *testing.T) {
	t.Run("AppendGrowsForward", func(t *testing.T) {
		b := NewSlidingBuffer(16, 16)
		b.Append(sequence(0, 10))

		assert.Equal(t, 10, b.ForwardBytes())
		assert.Equal(t, 0, b.BackwardBytes())
		assert.Equal(t, int64(0), b.Position())
	})

	t.Run("SeekMovesForwardToBackward", func(t *testing.T) {
		b := NewSlidingBuffer(16, 16)
		b.Append(sequence(0, 10))

		require.True(t, b.Seek(4))
		assert.Equal(t, 6, b.ForwardBytes())
		assert.Equal(t, 4, b.BackwardBytes())
		assert.Equal(t, int64(4), b.Position())
	})

	t.Run("SeekPastForwardFails", func(t *testing.T) {
		b := NewSlidingBuffer(16, 16)
		b.Append(sequence(0, 10))

		assert.False(t, b.Seek(11))
		assert.Equal(t, 10, b.ForwardBytes())
		assert.Equal(t, int64(0), b.Position())
	})

	t.Run("SeekBackwardIntoRetainedBytes", func(t *testing.T) {
		b := NewSlidingBuffer(16, 16)
		b.Append(sequence(0, 10))
		require.True(t, b.Seek(8))

		require.True(t, b.Seek(-3))
		assert.Equal(t, 5, b.BackwardBytes())
		assert.Equal(t, 5, b.ForwardBytes())
		assert.False(t, b.Seek(-6))
	})

	t.Run("BackwardCapacityEvictsOldest", func(t *testing.T) {
		b := NewSlidingBuffer(4, 16)
		b.Append(sequence(0, 10))

		require.True(t, b.Seek(8))
		assert.Equal(t, 4, b.BackwardBytes())
		assert.Equal(t, 2, b.ForwardBytes())

		require.True(t, b.Seek(-4))
		out := make([]byte, 6)
		assert.Equal(t, 6, b.Read(out))
		assert.Equal(t, sequence(4, 6), out)
	})

	t.Run("AccountingInvariant", func(t *testing.T) {
		chunks := []int{7, 1, 33, 12, 64}
		seeks := []int{3, 1, 20, 12, 50}

		b := NewSlidingBuffer(1<<20, 1<<20)
		for i := range chunks {
			before := b.BackwardBytes() + b.ForwardBytes()
			backBefore := b.BackwardBytes()
			b.Append(sequence(i, chunks[i]))
			require.True(t, b.Seek(seeks[i]))

			assert.Equal(t, before+chunks[i], b.BackwardBytes()+b.ForwardBytes())
			assert.Equal(t, backBefore+seeks[i], b.BackwardBytes())
		}
	})
}

func TestSlidingBufferRead(t *testing.T) {
	t.Run("ReadConsumes", func(t *testing.T) {
		b := NewSlidingBuffer(16, 16)
		b.Append([]byte("hello world"))

		out := make([]byte, 5)
		assert.Equal(t, 5, b.Read(out))
		assert.Equal(t, "hello", string(out))
		assert.Equal(t, int64(5), b.Position())
		assert.Equal(t, 6, b.ForwardBytes())
	})

	t.Run("ShortRead", func(t *testing.T) {
		b := NewSlidingBuffer(16, 16)
		b.Append([]byte("abc"))

		out := make([]byte, 10)
		assert.Equal(t, 3, b.Read(out))
		assert.True(t, bytes.HasPrefix(out, []byte("abc")))
	})

	t.Run("EmptyRead", func(t *testing.T) {
		b := NewSlidingBuffer(16, 16)
		assert.Equal(t, 0, b.Read(make([]byte, 4)))
	})
}

func TestSlidingBufferCapacity(t *testing.T) {
	t.Run("ForwardMayExceedCapacity", func(t *testing.T) {
		b := NewSlidingBuffer(4, 4)
		b.Append(sequence(0, 10))

		assert.Equal(t, 10, b.ForwardBytes())
		excess := b.ForwardBytes() - b.ForwardCapacity()
		require.True(t, b.Seek(excess))
		assert.Equal(t, 4, b.ForwardBytes())
		assert.Equal(t, 4, b.BackwardBytes())
	})

	t.Run("ShrinkIsLazy", func(t *testing.T) {
		b := NewSlidingBuffer(8, 8)
		b.Append(sequence(0, 8))
		require.True(t, b.Seek(8))

		b.SetBackwardCapacity(2)
		assert.Equal(t, 8, b.BackwardBytes())

		b.Append(sequence(8, 1))
		assert.Equal(t, 2, b.BackwardBytes())
	})

	t.Run("ResetReanchors", func(t *testing.T) {
		b := NewSlidingBuffer(8, 8)
		b.Append(sequence(0, 8))
		b.Reset(100)

		assert.Equal(t, int64(100), b.Position())
		assert.Equal(t, 0, b.ForwardBytes())
		assert.Equal(t, 0, b.BackwardBytes())
	})
}

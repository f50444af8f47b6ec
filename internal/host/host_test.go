package host

import (
	"sync"
	"testing"

	"github.com/savid/streambuf/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestBufferHostRanges(t *testing.T) {
	tests := []struct {
		name  string
		adds  []Range
		want  []Range
		bytes int64
	}{
		{"Single", []Range{{0, 10}}, []Range{{0, 10}}, 10},
		{"Disjoint", []Range{{20, 30}, {0, 10}}, []Range{{0, 10}, {20, 30}}, 20},
		{"Overlap", []Range{{0, 10}, {5, 15}}, []Range{{0, 15}}, 15},
		{"Adjacent", []Range{{0, 10}, {10, 20}}, []Range{{0, 20}}, 20},
		{"Bridge", []Range{{0, 10}, {20, 30}, {40, 50}, {5, 45}}, []Range{{0, 50}}, 50},
		{"Contained", []Range{{0, 100}, {10, 20}}, []Range{{0, 100}}, 100},
		{"Empty", []Range{{5, 5}, {9, 3}}, []Range{}, 0},
		{"NegativeStart", []Range{{-5, 5}}, []Range{{0, 5}}, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			for _, r := range tt.adds {
				h.AddBufferedByteRange(r.Start, r.End)
			}
			assert.Equal(t, tt.want, h.BufferedRanges())
			assert.Equal(t, tt.bytes, h.BufferedBytes())
		})
	}
}

func TestBufferHostTotalAndProgress(t *testing.T) {
	h := New()
	assert.Equal(t, types.PositionNotSpecified, h.TotalBytes())
	assert.False(t, h.ConsumeProgressFlag())

	h.SetTotalBytes(500)
	assert.Equal(t, int64(500), h.TotalBytes())

	h.AddBufferedByteRange(0, 100)
	assert.True(t, h.ConsumeProgressFlag())
	assert.False(t, h.ConsumeProgressFlag())

	h.AddBufferedByteRange(50, 50)
	assert.False(t, h.ConsumeProgressFlag())
}

func TestBufferHostConcurrency(t *testing.T) {
	h := New()
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				start := int64(g*1000 + i*10)
				h.AddBufferedByteRange(start, start+10)
				h.BufferedRanges()
				h.ConsumeProgressFlag()
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, int64(4000), h.BufferedBytes())
	assert.Len(t, h.BufferedRanges(), 1)
}

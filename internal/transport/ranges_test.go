package transport

import (
	"testing"

	"github.com/savid/streambuf/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentRangeRoundTrip(t *testing.T) {
	triples := [][3]int64{
		{0, 0, 1},
		{0, 99, 100},
		{100, 199, 500},
		{499, 499, 500},
		{1 << 40, 1<<40 + 1<<20, 1 << 41},
		{5, 10, types.PositionNotSpecified},
	}

	for _, tr := range triples {
		h := FormatContentRange(tr[0], tr[1], tr[2])
		first, last, size, err := ParseContentRange(h)
		require.NoError(t, err, h)
		assert.Equal(t, tr[0], first, h)
		assert.Equal(t, tr[1], last, h)
		assert.Equal(t, tr[2], size, h)
	}
}

func TestParseContentRangeRejects(t *testing.T) {
	bad := []string{
		"",
		"bytes",
		"bytes 100199/500",
		"bytes 100-199",
		"bytes 100-199 500",
		"bytes 200-100/500",
		"bytes 100-500/500",
		"bytes 100-600/500",
		"bytes */500",
		"bytes -1-5/10",
		"bytes a-b/c",
		"items 0-1/2",
		"bytes=0-1/2",
	}

	for _, h := range bad {
		_, _, _, err := ParseContentRange(h)
		assert.ErrorIs(t, err, ErrBadContentRange, "%q", h)
	}
}

func TestFormatRangeHeader(t *testing.T) {
	tests := []struct {
		first, last int64
		want        string
	}{
		{0, types.PositionNotSpecified, "bytes=0-"},
		{100, types.PositionNotSpecified, "bytes=100-"},
		{100, 199, "bytes=100-199"},
		{types.PositionNotSpecified, types.PositionNotSpecified, ""},
		{types.PositionNotSpecified, 10, ""},
		{10, 5, ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatRangeHeader(tt.first, tt.last))
	}
}

func TestParseRangeHeader(t *testing.T) {
	first, last, err := ParseRangeHeader("bytes=100-")
	require.NoError(t, err)
	assert.Equal(t, int64(100), first)
	assert.Equal(t, types.PositionNotSpecified, last)

	first, last, err = ParseRangeHeader("bytes=5-9")
	require.NoError(t, err)
	assert.Equal(t, int64(5), first)
	assert.Equal(t, int64(9), last)

	for _, h := range []string{"bytes=-5", "bytes=9-5", "bytes=0-1,3-4", "items=0-1", "bytes=x-"} {
		_, _, err := ParseRangeHeader(h)
		assert.ErrorIs(t, err, ErrBadRange, h)
	}
}

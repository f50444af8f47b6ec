package utils

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{
			name: "basic URL",
			url:  "http://example.com/video.mp4",
		},
		{
			name: "URL with query params",
			url:  "http://example.com/video.mp4?token=abc123&user=test",
		},
		{
			name: "URL with special characters",
			url:  "http://example.com/video.mp4?name=test user&value=10%",
		},
		{
			name: "URL with path segments",
			url:  "https://cdn.example.com/path/to/media/file.webm",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeURL(tt.url)
			assert.NotContains(t, encoded, "/")

			decoded, err := DecodeURL(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.url, decoded)
		})
	}
}

func TestDecodeURLError(t *testing.T) {
	_, err := DecodeURL("%ZZ")
	assert.Error(t, err)
}

func TestStreamPath(t *testing.T) {
	p := StreamPath("http://example.com/a b.mp4")
	require.True(t, strings.HasPrefix(p, StreamPrefix))

	u, err := url.Parse(p)
	require.NoError(t, err)
	decoded, err := DecodeURL(strings.TrimPrefix(u.EscapedPath(), StreamPrefix))
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/a b.mp4", decoded)
}

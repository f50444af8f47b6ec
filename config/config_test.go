package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/savid/streambuf/pkg/types"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestNewDefaults(t *testing.T) {
	cfg, err := New(newFlags(t), "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, types.PreloadAuto, cfg.Preload)
	assert.Equal(t, types.CORSModeUnspecified, cfg.CORSMode)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	assert.Zero(t, cfg.MaxBandwidth)
	assert.True(t, cfg.MetricsEnabled)
	assert.False(t, cfg.AllowPrivateHosts)
}

func TestNewPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "streambuf.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\nlog-level: debug\nmax-bandwidth: 2MB\n"), 0o600))

	t.Run("ConfigFile", func(t *testing.T) {
		cfg, err := New(newFlags(t), path)
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Port)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, uint64(2_000_000), cfg.MaxBandwidth)
	})

	t.Run("EnvOverFile", func(t *testing.T) {
		t.Setenv("STREAMBUF_PORT", "9100")
		t.Setenv("STREAMBUF_MAX_RETRIES", "5")
		cfg, err := New(newFlags(t), path)
		require.NoError(t, err)
		assert.Equal(t, 9100, cfg.Port)
		assert.Equal(t, 5, cfg.MaxRetries)
	})

	t.Run("FlagOverEnv", func(t *testing.T) {
		t.Setenv("STREAMBUF_PORT", "9100")
		cfg, err := New(newFlags(t, "--port", "9200", "--preload", "metadata"), path)
		require.NoError(t, err)
		assert.Equal(t, 9200, cfg.Port)
		assert.Equal(t, types.PreloadMetadata, cfg.Preload)
	})

	t.Run("MissingFile", func(t *testing.T) {
		cfg, err := New(newFlags(t), filepath.Join(dir, "missing.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Port)
	})
}

func TestNewInvalidBandwidth(t *testing.T) {
	_, err := New(newFlags(t, "--max-bandwidth", "fast"), "")
	assert.ErrorIs(t, err, ErrInvalidBandwidth)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:         8080,
			LogLevel:     "info",
			Preload:      types.PreloadAuto,
			CORSMode:     types.CORSModeUnspecified,
			PlaybackRate: 1,
			MaxRetries:   3,
		}
	}

	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{"Valid", func(*Config) {}, nil},
		{"PortZero", func(c *Config) { c.Port = 0 }, ErrInvalidPort},
		{"PortTooLarge", func(c *Config) { c.Port = 70000 }, ErrInvalidPort},
		{"LogLevel", func(c *Config) { c.LogLevel = "trace" }, ErrInvalidLogLevel},
		{"Preload", func(c *Config) { c.Preload = "eager" }, ErrInvalidPreload},
		{"CORSMode", func(c *Config) { c.CORSMode = "open" }, ErrInvalidCORSMode},
		{"Bitrate", func(c *Config) { c.Bitrate = -1 }, ErrNegativeBitrate},
		{"PlaybackRate", func(c *Config) { c.PlaybackRate = -0.5 }, ErrInvalidPlaybackRate},
		{"Retries", func(c *Config) { c.MaxRetries = -1 }, ErrNegativeRetries},
		{"RetryDelay", func(c *Config) { c.RetryDelay = -time.Second }, ErrNegativeDuration},
		{"RequestTimeout", func(c *Config) { c.RequestTimeout = -time.Second }, ErrNegativeDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

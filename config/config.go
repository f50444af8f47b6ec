// Package config provides configuration management for the streambuf server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/savid/streambuf/internal/buffer"
	"github.com/savid/streambuf/pkg/types"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read by New.
const EnvPrefix = "STREAMBUF"

var (
	// ErrInvalidPort is returned when port number is invalid.
	ErrInvalidPort = errors.New("invalid port number")
	// ErrInvalidLogLevel is returned when log level is invalid.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidPreload is returned for an unknown preload hint.
	ErrInvalidPreload = errors.New("invalid preload")
	// ErrInvalidCORSMode is returned for an unknown CORS mode.
	ErrInvalidCORSMode = errors.New("invalid CORS mode")
	// ErrNegativeBitrate is returned when the bitrate is negative.
	ErrNegativeBitrate = errors.New("bitrate must not be negative")
	// ErrInvalidPlaybackRate is returned when the playback rate is negative.
	ErrInvalidPlaybackRate = errors.New("playback rate must not be negative")
	// ErrNegativeRetries is returned when max retries is negative.
	ErrNegativeRetries = errors.New("max retries must not be negative")
	// ErrNegativeDuration is returned when a timeout or delay is negative.
	ErrNegativeDuration = errors.New("duration must not be negative")
	// ErrInvalidBandwidth is returned when the bandwidth cap cannot be parsed.
	ErrInvalidBandwidth = errors.New("invalid bandwidth")
)

// Config holds the application configuration.
type Config struct {
	Port     int
	LogLevel string

	Preload      types.Preload
	CORSMode     types.CORSMode
	Bitrate      int
	PlaybackRate float64

	MaxRetries int
	RetryDelay time.Duration

	// MaxBandwidth caps each transfer in bytes per second, 0 for no cap.
	MaxBandwidth   uint64
	RequestTimeout time.Duration
	UserAgent      string

	AllowPrivateHosts bool
	MetricsEnabled    bool
}

// RegisterFlags adds the configuration flags to flags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.Int("port", 8080, "Port to listen on")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("preload", string(types.PreloadAuto), "Buffering hint (none, metadata, auto)")
	flags.String("cors-mode", string(types.CORSModeUnspecified), "CORS mode (unspecified, anonymous, use-credentials)")
	flags.Int("bitrate", 0, "Media bitrate in bits per second, 0 when unknown")
	flags.Float64("playback-rate", 1, "Playback rate used to size the buffer window")
	flags.Int("max-retries", buffer.DefaultMaxRetries, "Retries allowed per read after a failure")
	flags.Duration("retry-delay", buffer.DefaultRetryDelay, "Delay before retrying after a transport failure")
	flags.String("max-bandwidth", "0", "Per-transfer bandwidth cap, e.g. 4MB (0 = unlimited)")
	flags.Duration("request-timeout", 30*time.Second, "Timeout waiting for upstream response headers")
	flags.String("user-agent", "streambuf/1.0", "User-Agent sent upstream")
	flags.Bool("allow-private-hosts", false, "Allow fetching from private and loopback addresses")
	flags.Bool("metrics", true, "Serve Prometheus metrics at /metrics")
}

// New creates a configuration from flags, STREAMBUF_* environment
// variables, the optional config file and the flag defaults, in that order
// of precedence.
func New(flags *pflag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil && !configFileMissing(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bandwidth, err := humanize.ParseBytes(v.GetString("max-bandwidth"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBandwidth, err)
	}

	cfg := &Config{
		Port:              v.GetInt("port"),
		LogLevel:          v.GetString("log-level"),
		Preload:           types.Preload(v.GetString("preload")),
		CORSMode:          types.CORSMode(v.GetString("cors-mode")),
		Bitrate:           v.GetInt("bitrate"),
		PlaybackRate:      v.GetFloat64("playback-rate"),
		MaxRetries:        v.GetInt("max-retries"),
		RetryDelay:        v.GetDuration("retry-delay"),
		MaxBandwidth:      bandwidth,
		RequestTimeout:    v.GetDuration("request-timeout"),
		UserAgent:         v.GetString("user-agent"),
		AllowPrivateHosts: v.GetBool("allow-private-hosts"),
		MetricsEnabled:    v.GetBool("metrics"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// configFileMissing reports whether err only says the config file is absent,
// which leaves the defaults in place.
func configFileMissing(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("%w: %s (must be debug, info, warn, or error)", ErrInvalidLogLevel, c.LogLevel)
	}

	switch c.Preload {
	case types.PreloadNone, types.PreloadMetadata, types.PreloadAuto:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidPreload, c.Preload)
	}

	switch c.CORSMode {
	case types.CORSModeUnspecified, types.CORSModeAnonymous, types.CORSModeUseCredentials:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidCORSMode, c.CORSMode)
	}

	if c.Bitrate < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeBitrate, c.Bitrate)
	}

	if c.PlaybackRate < 0 {
		return fmt.Errorf("%w: %g", ErrInvalidPlaybackRate, c.PlaybackRate)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeRetries, c.MaxRetries)
	}

	if c.RetryDelay < 0 || c.RequestTimeout < 0 {
		return ErrNegativeDuration
	}

	return nil
}

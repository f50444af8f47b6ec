package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/savid/streambuf/config"
	"github.com/savid/streambuf/internal/buffer"
	"github.com/savid/streambuf/internal/host"
	"github.com/savid/streambuf/internal/source"
	"github.com/savid/streambuf/internal/transport"
	"github.com/savid/streambuf/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const defaultProgressInterval = time.Second

func newFetchCmd() *cobra.Command {
	var (
		output   string
		offset   int64
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Download a resource through the buffer",
		Long: `Download an http(s) URL or a local path through a buffered source and write
it to a file or to stdout. Progress is logged as the buffer fills.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			u, err := resourceURL(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output: %w", err)
				}
				defer f.Close()
				out = f
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return fetch(ctx, cfg, logger, u, offset, out, interval)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	cmd.Flags().Int64Var(&offset, "offset", 0, "byte offset to start from")
	cmd.Flags().DurationVar(&interval, "progress-interval", defaultProgressInterval, "how often to report progress")
	return cmd
}

// resourceURL parses arg as a URL, treating anything without a scheme as a
// local path.
func resourceURL(arg string) (*url.URL, error) {
	if u, err := url.Parse(arg); err == nil && u.Scheme != "" {
		return u, nil
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", arg, err)
	}
	return &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}, nil
}

func fetch(ctx context.Context, cfg *config.Config, logger *logrus.Logger, u *url.URL, offset int64, out io.Writer, interval time.Duration) error {
	bufferHost := host.New()
	src, err := source.New(source.Options{
		URL:          u,
		CORSMode:     cfg.CORSMode,
		Preload:      cfg.Preload,
		Bitrate:      cfg.Bitrate,
		PlaybackRate: cfg.PlaybackRate,
		UserAgent:    cfg.UserAgent,
		Transport:    newTransport(cfg),
		Host:         bufferHost,
		Retries:      buffer.NewRetryManager(cfg.MaxRetries, cfg.RetryDelay),
		Limiter:      transport.NewBandwidthLimiter(cfg.MaxBandwidth),
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer src.Abort()

	if err := src.Open(ctx); err != nil {
		return fmt.Errorf("failed to open %s: %w", u.Redacted(), err)
	}

	log := logger.WithField("url", u.Redacted())
	if size := src.Size(); size != types.PositionNotSpecified {
		log = log.WithField("size", humanize.IBytes(uint64(size)))
	}
	log.WithField("streaming", src.IsStreaming()).Info("Fetching")

	start := time.Now()
	copyCtx, copyDone := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(copyCtx)

	var written int64
	g.Go(func() error {
		defer copyDone()
		n, err := io.Copy(out, src.NewReader(gctx, offset))
		written = n
		return err
	})

	g.Go(func() error {
		reportProgress(gctx, bufferHost, log, interval)
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("fetch failed after %s: %w", humanize.IBytes(uint64(written)), err)
	}

	stats := src.Stats()
	log.WithFields(logrus.Fields{
		"written":      humanize.IBytes(uint64(written)),
		"elapsed":      time.Since(start).Round(time.Millisecond).String(),
		"sessions":     stats.Sessions,
		"retries":      stats.Retries,
		"cache_misses": stats.CacheMisses,
	}).Info("Fetch complete")
	return nil
}

// reportProgress logs the buffered amount whenever the host saw progress
// since the previous tick.
func reportProgress(ctx context.Context, h *host.BufferHost, log logrus.FieldLogger, interval time.Duration) {
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.ConsumeProgressFlag() {
				continue
			}
			fields := logrus.Fields{"buffered": humanize.IBytes(uint64(h.BufferedBytes()))}
			if total := h.TotalBytes(); total > 0 {
				fields["percent"] = fmt.Sprintf("%.1f", float64(h.BufferedBytes())*100/float64(total))
			}
			log.WithFields(fields).Info("Progress")
		}
	}
}

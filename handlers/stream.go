// Package handlers contains HTTP request handlers.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/savid/streambuf/config"
	"github.com/savid/streambuf/internal/buffer"
	"github.com/savid/streambuf/internal/metrics"
	"github.com/savid/streambuf/internal/source"
	"github.com/savid/streambuf/internal/transport"
	"github.com/savid/streambuf/pkg/types"
	"github.com/savid/streambuf/pkg/utils"
	"github.com/sirupsen/logrus"
)

// StreamHandler serves an upstream resource through a BufferedSource. The
// upstream URL is the query-escaped path element after /stream/.
type StreamHandler struct {
	cfg       *config.Config
	transport transport.Transport
	metrics   *metrics.Metrics
	logger    logrus.FieldLogger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(cfg *config.Config, tr transport.Transport, m *metrics.Metrics, logger logrus.FieldLogger) *StreamHandler {
	return &StreamHandler{
		cfg:       cfg,
		transport: tr,
		metrics:   m,
		logger:    logger,
	}
}

// ServeHTTP handles GET and HEAD requests for /stream/{encoded-url}.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	encoded, ok := strings.CutPrefix(r.URL.EscapedPath(), utils.StreamPrefix)
	if !ok || encoded == "" {
		http.Error(w, "Missing stream URL", http.StatusBadRequest)
		return
	}

	targetURL, err := utils.DecodeURL(encoded)
	if err != nil {
		http.Error(w, "Invalid encoded URL", http.StatusBadRequest)
		return
	}

	upstream, err := transport.ValidateUpstreamURL(targetURL, h.cfg.AllowPrivateHosts)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, transport.ErrInternalAddress) {
			status = http.StatusForbidden
		}
		h.logger.WithError(err).WithField("url", targetURL).Warn("Rejected stream URL")
		http.Error(w, err.Error(), status)
		return
	}

	log := h.logger.WithField("url", upstream.Redacted())

	src, err := source.New(source.Options{
		URL:          upstream,
		CORSMode:     h.cfg.CORSMode,
		Preload:      h.cfg.Preload,
		Bitrate:      h.cfg.Bitrate,
		PlaybackRate: h.cfg.PlaybackRate,
		UserAgent:    h.cfg.UserAgent,
		Transport:    h.transport,
		Retries:      buffer.NewRetryManager(h.cfg.MaxRetries, h.cfg.RetryDelay),
		Limiter:      transport.NewBandwidthLimiter(h.cfg.MaxBandwidth),
		DownloadingCB: func(downloading bool) {
			log.WithField("downloading", downloading).Debug("Upstream transfer state changed")
		},
		Logger:  log,
		Metrics: h.metrics,
	})
	if err != nil {
		log.WithError(err).Error("Failed to create source")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer src.Abort()

	ctx := r.Context()
	if err := src.Open(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.WithError(err).Warn("Failed to open upstream")
		http.Error(w, "Failed to open upstream", http.StatusBadGateway)
		return
	}
	w.Header().Set("X-Streambuf-Source", src.ID())

	size := src.Size()
	if size != types.PositionNotSpecified && !src.IsStreaming() {
		rs, err := src.NewReadSeeker(ctx)
		if err != nil {
			log.WithError(err).Error("Failed to create reader")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, path.Base(upstream.Path), time.Time{}, rs)
		return
	}

	// Streaming resources are served front to back only.
	w.Header().Set("Accept-Ranges", "none")
	if size != types.PositionNotSpecified {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}

	if _, err := io.Copy(w, src.NewReader(ctx, 0)); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("Stream copy failed")
	}
}

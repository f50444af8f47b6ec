// Package types contains shared type definitions for the streaming buffer system.
package types

import "fmt"

// PositionNotSpecified marks an unknown byte position, content length or instance size.
const PositionNotSpecified int64 = -1

// Status is the outcome of a start or read operation.
type Status int

const (
	// StatusOk means the operation succeeded.
	StatusOk Status = iota
	// StatusFailed is permanent for the operation that reported it.
	StatusFailed
	// StatusCacheMiss means the request fell outside the current window and
	// must be re-issued against a fresh session.
	StatusCacheMiss
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusCacheMiss:
		return "cache_miss"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// LoadingState describes what the network transfer of a session is doing.
type LoadingState int

const (
	// LoadingStateLoading means bytes are being transferred.
	LoadingStateLoading LoadingState = iota
	// LoadingStateDeferred means the transfer is paused.
	LoadingStateDeferred
	// LoadingStateFinished means the transfer completed or was cancelled.
	LoadingStateFinished
	// LoadingStateFailed means the transfer failed.
	LoadingStateFailed
)

func (s LoadingState) String() string {
	switch s {
	case LoadingStateLoading:
		return "loading"
	case LoadingStateDeferred:
		return "deferred"
	case LoadingStateFinished:
		return "finished"
	case LoadingStateFailed:
		return "failed"
	default:
		return fmt.Sprintf("loading_state(%d)", int(s))
	}
}

// Preload is the hint given by the collaborator about how eagerly to buffer.
type Preload string

const (
	// PreloadNone asks for no speculative buffering.
	PreloadNone Preload = "none"
	// PreloadMetadata buffers only what reads ask for.
	PreloadMetadata Preload = "metadata"
	// PreloadAuto buffers up to the target window.
	PreloadAuto Preload = "auto"
)

// CORSMode controls how cross-origin responses are treated.
type CORSMode string

const (
	// CORSModeUnspecified rejects responses that switch origin mid-resource.
	CORSModeUnspecified CORSMode = "unspecified"
	// CORSModeAnonymous tolerates cross-origin responses, without credentials.
	CORSModeAnonymous CORSMode = "anonymous"
	// CORSModeUseCredentials tolerates cross-origin responses and sends credentials.
	CORSModeUseCredentials CORSMode = "use-credentials"
)

// BufferStats tracks the current state and performance of a buffered source.
type BufferStats struct {
	TotalBytes    int64 // Resource size, or PositionNotSpecified.
	BufferedBytes int64 // Bytes covered by buffered ranges.
	BytesRead     int64 // Total bytes returned to the reader.
	Reads         int64 // Completed read operations.
	Retries       int64 // Session restarts caused by failures.
	CacheMisses   int64 // Session restarts caused by cache misses.
	Sessions      int64 // Sessions started, including the initial one.
	Streaming     bool  // Resource cannot be randomly accessed.
}

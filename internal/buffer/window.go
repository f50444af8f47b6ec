package buffer

import "math"

const megabyte = 1024 * 1024

const (
	// MinBufferCapacity is the smallest forward or backward capacity.
	MinBufferCapacity = 2 * megabyte

	// MaxBufferCapacity is the largest forward or backward capacity. It is
	// also the largest single read a session can ever satisfy.
	MaxBufferCapacity = 20 * megabyte

	// ForwardWaitThreshold is how far ahead of the buffered data a read may
	// start and still be served by waiting for the transfer instead of
	// restarting it.
	ForwardWaitThreshold = 2 * megabyte
)

const (
	defaultBitrate              = 200 * 1024 * 8
	maxBitrate                  = 20 * megabyte * 8
	maxPlaybackRate             = 25.0
	targetSecondsBufferedAhead  = 10
	targetSecondsBufferedBehind = 2
)

// ComputeTargetBufferWindow returns the backward and forward capacities
// suited to playing at rate times the natural speed of a stream encoded at
// bitrate bits per second. A bitrate of 0 means unknown. A negative rate
// means reverse playback and swaps the two results.
func ComputeTargetBufferWindow(rate float64, bitrate int) (backward, forward int) {
	if bitrate <= 0 {
		bitrate = defaultBitrate
	}
	if bitrate > maxBitrate {
		bitrate = maxBitrate
	}

	reverse := rate < 0
	rate = math.Abs(rate)
	if math.IsNaN(rate) || rate < 1 {
		rate = 1
	}
	if rate > maxPlaybackRate {
		rate = maxPlaybackRate
	}

	bytesPerSecond := int(float64(bitrate) / 8 * rate)

	forward = clamp(targetSecondsBufferedAhead*bytesPerSecond, MinBufferCapacity, MaxBufferCapacity)
	backward = clamp(targetSecondsBufferedBehind*bytesPerSecond, MinBufferCapacity, MaxBufferCapacity)

	if reverse {
		forward, backward = backward, forward
	}
	return backward, forward
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

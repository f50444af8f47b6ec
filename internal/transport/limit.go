package transport

import (
	"golang.org/x/time/rate"
)

// maxLimiterBurst bounds how many bytes a limiter admits at once.
const maxLimiterBurst = 256 * 1024

// NewBandwidthLimiter returns a limiter admitting bytesPerSecond, or nil for
// no limit.
func NewBandwidthLimiter(bytesPerSecond uint64) *rate.Limiter {
	if bytesPerSecond == 0 {
		return nil
	}
	burst := int(min(bytesPerSecond, maxLimiterBurst))
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

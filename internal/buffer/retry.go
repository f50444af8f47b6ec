package buffer

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultMaxRetries is the number of failure-driven restarts allowed per read.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the wait before retrying after a transport failure.
	DefaultRetryDelay = 250 * time.Millisecond
)

// RetryManager hands out per-read retry budgets.
type RetryManager struct {
	maxRetries int
	delay      time.Duration
}

// NewRetryManager creates a new retry manager with the specified configuration.
func NewRetryManager(maxRetries int, delay time.Duration) *RetryManager {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryManager{
		maxRetries: maxRetries,
		delay:      delay,
	}
}

// NewBudget returns a fresh budget for one read operation.
func (r *RetryManager) NewBudget() *RetryBudget {
	return &RetryBudget{
		backoff: backoff.WithMaxRetries(backoff.NewConstantBackOff(r.delay), uint64(r.maxRetries)),
	}
}

// RetryBudget tracks the retries left for a single read.
type RetryBudget struct {
	backoff backoff.BackOff
	retries int
}

// Next consumes one retry. It returns the delay to wait before a
// transport-level retry and false once the budget is exhausted.
func (b *RetryBudget) Next() (time.Duration, bool) {
	d := b.backoff.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	b.retries++
	return d, true
}

// Retries returns how many retries this budget has granted.
func (b *RetryBudget) Retries() int {
	return b.retries
}

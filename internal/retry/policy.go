// Package retry decides whether and when a failed delivery is attempted again.
package retry

import "time"

const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 2 * time.Second
	DefaultMaxDelay   = 5 * time.Minute
)

// Policy is capped exponential backoff. The zero value falls back to the defaults.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func NewPolicy(maxRetries int, baseDelay, maxDelay time.Duration) Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return Policy{MaxRetries: maxRetries, BaseDelay: baseDelay, MaxDelay: maxDelay}
}

// CanRetry reports whether another attempt is allowed after retryCount retries.
func (p Policy) CanRetry(retryCount int) bool {
	return retryCount < p.MaxRetries
}

// CalculateDelay returns min(BaseDelay * 2^retryCount, MaxDelay).
func (p Policy) CalculateDelay(retryCount int) time.Duration {
	base, max := p.BaseDelay, p.MaxDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if retryCount < 0 {
		retryCount = 0
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		// Comparing before doubling also guards against overflow.
		if delay >= max-delay {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}

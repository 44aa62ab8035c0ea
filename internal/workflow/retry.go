package workflow

import (
	"time"
)

// Policy bounds retries of recoverable collaborator failures
type Policy struct {
	// MaxRetries is how many failed attempts may follow the first
	MaxRetries int
	// Base is the delay before the first retry
	Base time.Duration
	// Max caps the delay however many attempts have failed
	Max time.Duration
}

// Backoff returns the delay before retry n, where n starts at 1.
// Delays double per retry and are capped at Max.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Exhausted reports whether retryCount leaves no budget for another
// attempt
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount > p.MaxRetries
}

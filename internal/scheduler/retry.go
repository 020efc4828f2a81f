package scheduler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryPolicy computes jittered exponential backoff for failed jobs.
type RetryPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewRetryPolicy builds a policy. Zero values fall back to 5s base and
// 5m cap.
func NewRetryPolicy(baseDelay, maxDelay time.Duration) *RetryPolicy {
	if baseDelay <= 0 {
		baseDelay = 5 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	return &RetryPolicy{baseDelay: baseDelay, maxDelay: maxDelay}
}

// Backoff returns the wait before retry number attempt (zero-based):
// min(maxDelay, base*2^attempt) plus up to 10% jitter.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay) + p.randomJitter(time.Duration(delay)/10)
}

// CapacityDelay returns the requeue wait after a capacity rejection:
// a quarter of the source interval, floored at the base delay. The
// attempt counter is not consumed.
func (p *RetryPolicy) CapacityDelay(interval time.Duration) time.Duration {
	delay := interval / 4
	if delay < p.baseDelay {
		delay = p.baseDelay
	}
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	return delay
}

func (p *RetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

package queue

import (
	"math"
	"time"

	"job-orchestrator/internal/config"
)

// RetryPolicy decides how often a failed entry is redelivered and how long it waits in between.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// PolicyFromConfig builds the retry policy from the BACKOFF_* and MAX_ATTEMPTS settings.
func PolicyFromConfig(cfg config.Config) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BackoffInitial,
		Multiplier:  cfg.BackoffMultiplier,
		MaxDelay:    cfg.BackoffMax,
	}
}

// Exhausted reports whether an entry that has been delivered attempts times may not run again.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Delay returns the wait before the next delivery after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	// float64(MaxInt64) rounds up to 2^63, which does not fit a Duration
	if d >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

package queue

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"job-orchestrator/internal/config"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}

	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 10*time.Second, p.Delay(4), "capped at MaxDelay")
	assert.Equal(t, 2*time.Second, p.Delay(0), "attempts below one count as the first")
}

func TestRetryPolicyDelayWithoutCapSaturates(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 500, BaseDelay: 2 * time.Second, Multiplier: 2}

	assert.Equal(t, 1024*time.Second, p.Delay(10))
	assert.Equal(t, time.Duration(math.MaxInt64), p.Delay(200))
	assert.Equal(t, time.Duration(math.MaxInt64), p.Delay(5000), "infinite growth still saturates")
	assert.Positive(t, p.Delay(64))
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.Config{
		MaxAttempts:       3,
		BackoffInitial:    2 * time.Second,
		BackoffMultiplier: 2,
		BackoffMax:        time.Minute,
	})
	assert.Equal(t, RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: time.Minute}, p)
}

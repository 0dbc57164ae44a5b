package sshproxy

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRateLimiter() (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Now()}
	rl := NewRateLimiter()
	rl.nowFunc = clock.Now
	return rl, clock
}

func TestRateLimiterWindow(t *testing.T) {
	rl, clock := newTestRateLimiter()

	for i := 0; i < rateLimitMaxAttempts; i++ {
		require.NoError(t, rl.Allow("web"), "attempt %d", i+1)
	}

	err := rl.Allow("web")
	var limited *ErrRateLimited
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, "web", limited.Server)
	assert.Positive(t, limited.RetryAfter)

	assert.NoError(t, rl.Allow("db"), "limits are per server")

	clock.Advance(rateLimitWindow + time.Second)
	assert.NoError(t, rl.Allow("web"))
}

func TestRateLimiterBlocksAfterFailures(t *testing.T) {
	rl, clock := newTestRateLimiter()

	for i := 0; i < rateLimitFailureThreshold-1; i++ {
		rl.RecordFailure("web")
	}
	require.NoError(t, rl.Allow("web"))

	rl.RecordFailure("web")
	err := rl.Allow("web")
	var limited *ErrRateLimited
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, rateLimitInitialBlock, limited.RetryAfter)

	clock.Advance(rateLimitInitialBlock)
	require.NoError(t, rl.Allow("web"))

	rl.RecordFailure("web")
	st := rl.State("web")
	assert.Equal(t, rateLimitFailureThreshold+1, st.ConsecutiveFailures)
	assert.Equal(t, clock.Now().Add(2*rateLimitInitialBlock), st.BlockedUntil)
}

func TestRateLimiterBlockCapped(t *testing.T) {
	rl, _ := newTestRateLimiter()
	for i := 0; i < rateLimitFailureThreshold+20; i++ {
		rl.RecordFailure("web")
	}
	err := rl.Allow("web")
	var limited *ErrRateLimited
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, rateLimitMaxBlock, limited.RetryAfter)
}

func TestRateLimiterSuccessClearsBlock(t *testing.T) {
	rl, _ := newTestRateLimiter()
	for i := 0; i < rateLimitFailureThreshold; i++ {
		rl.RecordFailure("web")
	}
	require.Error(t, rl.Allow("web"))

	rl.RecordSuccess("web")
	assert.NoError(t, rl.Allow("web"))
	assert.Zero(t, rl.State("web").ConsecutiveFailures)

	rl.Reset("web")
	assert.Equal(t, RateState{}, rl.State("web"))
}

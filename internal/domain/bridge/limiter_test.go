package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emllm/port/internal/shared/types"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(opts LimiterOptions) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(opts)
	l.now = clock.now
	return l, clock
}

func TestLimiterBurst(t *testing.T) {
	l, clock := newTestLimiter(LimiterOptions{WindowRequests: 100, Window: time.Minute, BurstPerSecond: 3})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow("c"))
	}
	err := l.Allow("c")
	require.True(t, types.IsCode(err, types.CodeRateLimited))
	e := types.AsError(err)
	assert.Equal(t, LimitBurst, e.Details["limit"])
	assert.InDelta(t, 333, e.RetryAfterMs, 2)

	// Rejected requests do not consume tokens
	clock.advance(334 * time.Millisecond)
	assert.NoError(t, l.Allow("c"))

	// Clients are independent
	assert.NoError(t, l.Allow("other"))
}

func TestLimiterSlidingWindow(t *testing.T) {
	l, clock := newTestLimiter(LimiterOptions{WindowRequests: 5, Window: 10 * time.Second, BurstPerSecond: 100})

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Allow("c"))
		clock.advance(time.Second)
	}

	err := l.Allow("c")
	require.True(t, types.IsCode(err, types.CodeRateLimited))
	e := types.AsError(err)
	assert.Equal(t, LimitWindow, e.Details["limit"])
	// The oldest hit was 5s ago and leaves the window in 5s
	assert.Equal(t, int64(5000), e.RetryAfterMs)

	clock.advance(5 * time.Second)
	assert.NoError(t, l.Allow("c"))
	assert.True(t, types.IsCode(l.Allow("c"), types.CodeRateLimited))
}

func TestLimiterForgetAndPrune(t *testing.T) {
	l, clock := newTestLimiter(LimiterOptions{WindowRequests: 1, Window: time.Second, BurstPerSecond: 10})

	require.NoError(t, l.Allow("a"))
	assert.Error(t, l.Allow("a"))
	l.Forget("a")
	assert.NoError(t, l.Allow("a"))

	require.NoError(t, l.Allow("b"))
	clock.advance(2 * time.Second)
	assert.Equal(t, 2, l.Prune())
}

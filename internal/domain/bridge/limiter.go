package bridge

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/emllm/port/internal/shared/types"
)

// LimiterOptions configures per-client request limits
type LimiterOptions struct {
	WindowRequests int
	Window         time.Duration
	BurstPerSecond int
}

// DefaultLimiterOptions returns 600 requests per minute with bursts of 20 per second
func DefaultLimiterOptions() LimiterOptions {
	return LimiterOptions{
		WindowRequests: 600,
		Window:         time.Minute,
		BurstPerSecond: 20,
	}
}

// Limit reasons reported in error details and metrics
const (
	LimitWindow = "window"
	LimitBurst  = "burst"
)

type clientWindow struct {
	hits     []time.Time
	burst    *rate.Limiter
	lastSeen time.Time
}

// Limiter throttles request volume per client
type Limiter struct {
	opts LimiterOptions

	mu      sync.Mutex
	clients map[string]*clientWindow
	now     func() time.Time
}

// NewLimiter creates a limiter
func NewLimiter(opts LimiterOptions) *Limiter {
	def := DefaultLimiterOptions()
	if opts.WindowRequests <= 0 {
		opts.WindowRequests = def.WindowRequests
	}
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.BurstPerSecond <= 0 {
		opts.BurstPerSecond = def.BurstPerSecond
	}
	return &Limiter{
		opts:    opts,
		clients: make(map[string]*clientWindow),
		now:     time.Now,
	}
}

// Allow admits one request for client or returns RATE_LIMITED with a retry hint
func (l *Limiter) Allow(client string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[client]
	if !ok {
		c = &clientWindow{burst: rate.NewLimiter(rate.Limit(l.opts.BurstPerSecond), l.opts.BurstPerSecond)}
		l.clients[client] = c
	}
	c.lastSeen = now

	cutoff := now.Add(-l.opts.Window)
	drop := 0
	for drop < len(c.hits) && !c.hits[drop].After(cutoff) {
		drop++
	}
	c.hits = c.hits[drop:]

	if len(c.hits) >= l.opts.WindowRequests {
		retry := c.hits[0].Add(l.opts.Window).Sub(now)
		return limited(LimitWindow, retry, "request window exceeded (%d per %s)", l.opts.WindowRequests, l.opts.Window)
	}

	r := c.burst.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return limited(LimitBurst, delay, "request burst exceeded (%d per second)", l.opts.BurstPerSecond)
	}

	c.hits = append(c.hits, now)
	return nil
}

// Forget drops a client's state
func (l *Limiter) Forget(client string) {
	l.mu.Lock()
	delete(l.clients, client)
	l.mu.Unlock()
}

// Prune drops clients not seen for a full window
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.opts.Window)
	n := 0
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			n++
		}
	}
	return n
}

func limited(reason string, retry time.Duration, format string, args ...interface{}) *types.Error {
	e := types.Errorf(types.CodeRateLimited, format, args...).WithDetail("limit", reason)
	e.RetryAfterMs = max(retry.Milliseconds(), 1)
	return e
}

package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream failed")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *clock) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	return newBreaker("api.example.com", cfg.withDefaults(), c.Now), c
}

func fail() error    { return errUpstream }
func succeed() error { return nil }

func TestBreakerTransitions(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		calls []func() error
		want  State
	}{
		{
			name:  "stays closed on success",
			cfg:   Config{FailureThreshold: 2},
			calls: []func() error{succeed, succeed, succeed},
			want:  StateClosed,
		},
		{
			name:  "opens after consecutive failures",
			cfg:   Config{FailureThreshold: 3},
			calls: []func() error{fail, fail, fail},
			want:  StateOpen,
		},
		{
			name:  "success resets the consecutive count",
			cfg:   Config{FailureThreshold: 3},
			calls: []func() error{fail, fail, succeed, fail, fail},
			want:  StateClosed,
		},
		{
			name:  "opens on failure ratio",
			cfg:   Config{FailureThreshold: 100, FailureRatio: 0.5, MinRequests: 4},
			calls: []func() error{fail, succeed, fail, fail},
			want:  StateOpen,
		},
		{
			name: "ignored errors do not count",
			cfg: Config{FailureThreshold: 2, Ignore: func(err error) bool {
				return errors.Is(err, context.Canceled)
			}},
			calls: []func() error{
				func() error { return context.Canceled },
				func() error { return context.Canceled },
				func() error { return context.Canceled },
			},
			want: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBreaker(tt.cfg)
			for _, call := range tt.calls {
				_ = b.Do(call)
			}
			assert.Equal(t, tt.want, b.State())
		})
	}
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	b, c := newTestBreaker(Config{FailureThreshold: 1, Cooldown: 30 * time.Second})
	require.ErrorIs(t, b.Do(fail), errUpstream)

	c.Advance(10 * time.Second)
	ran := false
	err := b.Do(func() error { ran = true; return nil })

	var open *OpenError
	require.ErrorAs(t, err, &open)
	assert.False(t, ran)
	assert.Equal(t, "api.example.com", open.Key)
	assert.Equal(t, 20*time.Second, open.RetryAfter)
}

func TestBreakerRecoversThroughTrials(t *testing.T) {
	var transitions []string
	b, c := newTestBreaker(Config{
		FailureThreshold: 1,
		Cooldown:         time.Second,
		Trials:           2,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = b.Do(fail)
	c.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Do(succeed))
	assert.Equal(t, StateHalfOpen, b.State(), "one trial is not enough")
	require.NoError(t, b.Do(succeed))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	b, c := newTestBreaker(Config{FailureThreshold: 1, Cooldown: time.Second})

	_ = b.Do(fail)
	c.Advance(time.Second)
	_ = b.Do(fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerLimitsConcurrentTrials(t *testing.T) {
	b, c := newTestBreaker(Config{FailureThreshold: 1, Cooldown: time.Second, Trials: 1})
	_ = b.Do(fail)
	c.Advance(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var open *OpenError
	require.ErrorAs(t, b.Do(succeed), &open)
	assert.Zero(t, open.RetryAfter)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerWindowResetsCounts(t *testing.T) {
	b, c := newTestBreaker(Config{FailureThreshold: 3, Window: time.Minute})

	_ = b.Do(fail)
	_ = b.Do(fail)
	c.Advance(time.Minute)
	_ = b.Do(fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})

	assert.Panics(t, func() {
		_ = b.Do(func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, b.State())
}

func TestGroupIsolatesHosts(t *testing.T) {
	g := NewGroup(Config{FailureThreshold: 1})

	_ = g.Do("a.example.com", fail)
	require.NoError(t, g.Do("b.example.com", succeed))

	assert.Equal(t, map[string]State{
		"a.example.com": StateOpen,
		"b.example.com": StateClosed,
	}, g.States())
	assert.Same(t, g.Get("a.example.com"), g.Get("a.example.com"))
}

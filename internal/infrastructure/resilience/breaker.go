package resilience

import (
	"fmt"
	"sync"
	"time"
)

// State is a breaker's position
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// OpenError rejects a call without running it
type OpenError struct {
	Key string
	// RetryAfter is how long until the breaker lets a trial through.
	// Zero while half-open trials are already in flight.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit for %s is open; retry in %s", e.Key, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit for %s is probing", e.Key)
}

// Config controls when a breaker opens and how it recovers
type Config struct {
	// FailureThreshold opens the breaker after this many consecutive failures
	FailureThreshold int
	// FailureRatio opens the breaker once at least MinRequests calls in the
	// current window failed above this ratio. Zero disables the check.
	FailureRatio float64
	MinRequests  int
	// Window resets closed-state counts
	Window time.Duration
	// Cooldown is how long the breaker stays open
	Cooldown time.Duration
	// Trials is the number of half-open calls that must succeed to close
	Trials int
	// Ignore marks errors that say nothing about upstream health
	Ignore func(err error) bool
	// OnStateChange observes transitions; it runs under the breaker lock
	OnStateChange func(key string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.MinRequests <= 0 {
		c.MinRequests = 20
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Trials <= 0 {
		c.Trials = 1
	}
	return c
}

// Breaker guards calls to one upstream
type Breaker struct {
	key string
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	state       State
	generation  uint64
	windowEnds  time.Time
	openUntil   time.Time
	requests    int
	failures    int
	consecutive int
	inFlight    int
	succeeded   int
}

// New creates a closed breaker for key
func New(key string, cfg Config) *Breaker {
	return newBreaker(key, cfg.withDefaults(), time.Now)
}

func newBreaker(key string, cfg Config, now func() time.Time) *Breaker {
	return &Breaker{key: key, cfg: cfg, now: now, windowEnds: now().Add(cfg.Window)}
}

// Key returns the upstream the breaker guards
func (b *Breaker) Key() string {
	return b.key
}

// State returns the breaker state as of now
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked(b.now())
	return b.state
}

// Do runs fn unless the breaker is open. A panic in fn counts as a failure
// and is re-raised.
func (b *Breaker) Do(fn func() error) (err error) {
	generation, err := b.admit()
	if err != nil {
		return err
	}

	failed := true
	defer func() {
		b.record(generation, failed)
	}()

	err = fn()
	failed = err != nil && (b.cfg.Ignore == nil || !b.cfg.Ignore(err))
	return err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.advanceLocked(now)

	switch b.state {
	case StateOpen:
		return 0, &OpenError{Key: b.key, RetryAfter: b.openUntil.Sub(now)}
	case StateHalfOpen:
		if b.inFlight+b.succeeded >= b.cfg.Trials {
			return 0, &OpenError{Key: b.key}
		}
		b.inFlight++
	default:
		b.requests++
	}
	return b.generation, nil
}

func (b *Breaker) record(generation uint64, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.advanceLocked(now)
	if generation != b.generation {
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.inFlight--
		if failed {
			b.transitionLocked(StateOpen, now)
			return
		}
		b.succeeded++
		if b.succeeded >= b.cfg.Trials {
			b.transitionLocked(StateClosed, now)
		}
	case StateClosed:
		if !failed {
			b.consecutive = 0
			return
		}
		b.failures++
		b.consecutive++
		if b.shouldTripLocked() {
			b.transitionLocked(StateOpen, now)
		}
	}
}

func (b *Breaker) shouldTripLocked() bool {
	if b.consecutive >= b.cfg.FailureThreshold {
		return true
	}
	return b.cfg.FailureRatio > 0 &&
		b.requests >= b.cfg.MinRequests &&
		float64(b.failures)/float64(b.requests) > b.cfg.FailureRatio
}

func (b *Breaker) advanceLocked(now time.Time) {
	switch b.state {
	case StateClosed:
		if !now.Before(b.windowEnds) {
			b.generation++
			b.resetLocked()
			b.windowEnds = now.Add(b.cfg.Window)
		}
	case StateOpen:
		if !now.Before(b.openUntil) {
			b.transitionLocked(StateHalfOpen, now)
		}
	}
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.resetLocked()

	switch to {
	case StateClosed:
		b.windowEnds = now.Add(b.cfg.Window)
	case StateOpen:
		b.openUntil = now.Add(b.cfg.Cooldown)
	}

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.key, from, to)
	}
}

func (b *Breaker) resetLocked() {
	b.requests = 0
	b.failures = 0
	b.consecutive = 0
	b.inFlight = 0
	b.succeeded = 0
}

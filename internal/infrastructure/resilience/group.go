package resilience

import (
	"sync"
	"time"
)

// Group keeps one breaker per upstream host, created on first use
type Group struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates an empty group whose breakers share cfg
func NewGroup(cfg Config) *Group {
	return &Group{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key
func (g *Group) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[key]
	if !ok {
		b = newBreaker(key, g.cfg, g.now)
		g.breakers[key] = b
	}
	return b
}

// Do runs fn through the breaker for key
func (g *Group) Do(key string, fn func() error) error {
	return g.Get(key).Do(fn)
}

// States snapshots every breaker's state
func (g *Group) States() map[string]State {
	g.mu.Lock()
	breakers := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		breakers = append(breakers, b)
	}
	g.mu.Unlock()

	out := make(map[string]State, len(breakers))
	for _, b := range breakers {
		out[b.Key()] = b.State()
	}
	return out
}

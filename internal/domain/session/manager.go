package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emllm/port/internal/infrastructure/logging"
	"github.com/emllm/port/internal/infrastructure/monitoring"
	"github.com/emllm/port/internal/shared/types"
)

// Options tunes idle handling
type Options struct {
	IdleAfter     time.Duration
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// DefaultOptions returns the default idle settings
func DefaultOptions() Options {
	return Options{
		IdleAfter:     30 * time.Second,
		IdleTimeout:   5 * time.Minute,
		SweepInterval: 5 * time.Second,
	}
}

// Manager owns the live sessions
type Manager struct {
	opts    Options
	logger  *logging.Logger
	metrics *monitoring.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager and starts its idle sweep
func NewManager(opts Options, logger *logging.Logger) *Manager {
	def := DefaultOptions()
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = def.IdleAfter
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = def.IdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = min(def.SweepInterval, opts.IdleAfter)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:     opts,
		logger:   logger.Named("sessions"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.run()

	return m
}

// WithMetrics attaches a metrics collector
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// Create opens a session for a transport. client keys rate limiting and
// defaults to the session id.
func (m *Manager) Create(transport, client string) *Session {
	s := newSession(m.ctx, transport, client)

	m.mu.Lock()
	m.sessions[s.id.String()] = s
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionOpened()
	}
	m.logger.Debug("Session opened",
		zap.String("session_id", s.id.String()),
		zap.String("transport", transport),
	)
	return s
}

// Get returns a live session
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Close closes and forgets a session
func (m *Manager) Close(sessionID, reason string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok || !s.close() {
		return false
	}

	if m.metrics != nil {
		m.metrics.SessionClosed()
	}
	m.logger.Debug("Session closed",
		zap.String("session_id", sessionID),
		zap.String("app_id", s.AppID()),
		zap.String("reason", reason),
	)
	return true
}

// List returns snapshots of all sessions ordered by creation
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByApp returns the authenticated sessions of an app
func (m *Manager) ByApp(appID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.AppID() == appID {
			out = append(out, s)
		}
	}
	return out
}

// Broadcast sends an envelope to every session of an app
func (m *Manager) Broadcast(appID string, env *types.Envelope) {
	for _, s := range m.ByApp(appID) {
		if err := s.Send(env); err != nil {
			m.logger.Debug("Broadcast failed",
				zap.String("session_id", s.id.String()),
				zap.Error(err),
			)
		}
	}
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown stops the sweep and closes every session
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for sid := range m.sessions {
		ids = append(ids, sid)
	}
	m.mu.RUnlock()

	for _, sid := range ids {
		m.Close(sid, "shutdown")
	}
	m.cancel()
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.RLock()
	var expired []string
	for sid, s := range m.sessions {
		if s.sweep(now, m.opts.IdleAfter, m.opts.IdleTimeout) {
			expired = append(expired, sid)
		}
	}
	m.mu.RUnlock()

	for _, sid := range expired {
		m.Close(sid, "idle timeout")
	}
}

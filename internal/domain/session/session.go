package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/emllm/port/internal/shared/id"
	"github.com/emllm/port/internal/shared/types"
)

// State is a session lifecycle state
type State string

const (
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateActive        State = "active"
	StateIdle          State = "idle"
	StateClosed        State = "closed"
)

// Sender delivers an envelope to the client behind a session
type Sender func(env *types.Envelope) error

// Info is a point-in-time view of a session
type Info struct {
	ID           string    `json:"id"`
	AppID        string    `json:"appId,omitempty"`
	Transport    string    `json:"transport"`
	State        State     `json:"state"`
	Permissions  []string  `json:"permissions,omitempty"`
	InFlight     int       `json:"inFlight"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Session is one client connection to the bridge
type Session struct {
	id        id.SessionID
	transport string
	client    string
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	appID        string
	permissions  []string
	state        State
	lastActivity time.Time
	inflight     map[string]context.CancelFunc
	send         Sender
	onClose      []func()
}

func newSession(parent context.Context, transport, client string) *Session {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	s := &Session{
		id:           id.NewSessionID(),
		transport:    transport,
		createdAt:    now,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateConnecting,
		lastActivity: now,
		inflight:     make(map[string]context.CancelFunc),
	}
	s.client = client
	if s.client == "" {
		s.client = s.id.String()
	}
	return s
}

// ID returns the session id
func (s *Session) ID() id.SessionID { return s.id }

// Transport names the transport that opened the session
func (s *Session) Transport() string { return s.transport }

// ClientKey identifies the client for rate limiting
func (s *Session) ClientKey() string { return s.client }

// Context is cancelled when the session closes
func (s *Session) Context() context.Context { return s.ctx }

// AppID returns the bound app, empty before auth
func (s *Session) AppID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appID
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Permissions returns the permission set declared at auth
func (s *Session) Permissions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.permissions)
}

// Authenticate binds the session to an app. A session authenticates once.
func (s *Session) Authenticate(appID string, permissions []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateConnecting:
	case StateClosed:
		return types.NewError(types.CodeUnauthenticated, "session is closed")
	default:
		return types.Errorf(types.CodeValidation, "session already authenticated as %s", s.appID)
	}
	s.appID = appID
	s.permissions = slices.Clone(permissions)
	s.state = StateAuthenticated
	s.lastActivity = time.Now()
	return nil
}

// Begin registers an in-flight request and returns its context.
// done must be called when the request completes.
func (s *Session) Begin(requestID string) (ctx context.Context, done func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateConnecting:
		return nil, nil, types.NewError(types.CodeUnauthenticated, "send an auth message before requests")
	case StateClosed:
		return nil, nil, types.NewError(types.CodeUnauthenticated, "session is closed")
	}
	if _, dup := s.inflight[requestID]; dup {
		return nil, nil, types.Errorf(types.CodeValidation, "request id %s is already in flight", requestID).
			WithDetail("id", requestID)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.inflight[requestID] = cancel
	s.state = StateActive
	s.lastActivity = time.Now()

	var once sync.Once
	done = func() {
		once.Do(func() {
			cancel()
			s.mu.Lock()
			delete(s.inflight, requestID)
			s.lastActivity = time.Now()
			s.mu.Unlock()
		})
	}
	return ctx, done, nil
}

// Touch records client activity and wakes an idle session
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	if s.state == StateIdle {
		s.state = StateActive
	}
}

// Attach sets the function used to push envelopes to the client
func (s *Session) Attach(send Sender) {
	s.mu.Lock()
	s.send = send
	s.mu.Unlock()
}

// Send pushes an envelope to the client; it is a no-op without an attached sender
func (s *Session) Send(env *types.Envelope) error {
	s.mu.Lock()
	send, closed := s.send, s.state == StateClosed
	s.mu.Unlock()
	if send == nil || closed {
		return nil
	}
	return send(env)
}

// OnClose registers a callback run once when the session closes
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// close moves to closed and cancels in-flight work; reports false if already closed
func (s *Session) close() bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	callbacks := s.onClose
	s.onClose = nil
	s.inflight = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	s.cancel()
	for _, fn := range callbacks {
		fn()
	}
	return true
}

// sweep applies idle transitions and reports whether the session should be closed
func (s *Session) sweep(now time.Time, idleAfter, idleTimeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed || len(s.inflight) > 0 {
		return false
	}
	quiet := now.Sub(s.lastActivity)
	if quiet >= idleTimeout {
		return true
	}
	if s.state == StateActive && quiet >= idleAfter {
		s.state = StateIdle
	}
	return false
}

// Info returns a snapshot of the session
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.id.String(),
		AppID:        s.appID,
		Transport:    s.transport,
		State:        s.state,
		Permissions:  slices.Clone(s.permissions),
		InFlight:     len(s.inflight),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

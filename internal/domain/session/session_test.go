package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emllm/port/internal/shared/id"
	"github.com/emllm/port/internal/shared/types"
)

func newTestManager(t *testing.T) *Manager {
	m := NewManager(Options{IdleAfter: time.Hour, IdleTimeout: 2 * time.Hour, SweepInterval: time.Hour}, nil)
	t.Cleanup(m.Shutdown)
	return m
}

func TestSessionLifecycle(t *testing.T) {
	m := newTestManager(t)
	s := m.Create("ws", "")

	assert.True(t, id.HasPrefix(s.ID().String(), id.SessionPrefix))
	assert.Equal(t, s.ID().String(), s.ClientKey())
	assert.Equal(t, StateConnecting, s.State())

	_, _, err := s.Begin("1")
	assert.True(t, types.IsCode(err, types.CodeUnauthenticated))

	require.NoError(t, s.Authenticate("notes", []string{"storage.read"}))
	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, "notes", s.AppID())
	assert.Equal(t, []string{"storage.read"}, s.Permissions())

	err = s.Authenticate("other", nil)
	assert.True(t, types.IsCode(err, types.CodeValidation))
	assert.Equal(t, "notes", s.AppID())

	ctx, done, err := s.Begin("1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, 1, s.Info().InFlight)
	done()
	done()
	assert.Error(t, ctx.Err(), "done cancels the request context")
	assert.Equal(t, 0, s.Info().InFlight)

	assert.True(t, m.Close(s.ID().String(), "test"))
	assert.False(t, m.Close(s.ID().String(), "test"))
	assert.Equal(t, StateClosed, s.State())
	_, _, err = s.Begin("2")
	assert.True(t, types.IsCode(err, types.CodeUnauthenticated))
}

func TestDuplicateInFlightID(t *testing.T) {
	m := newTestManager(t)
	s := m.Create("ws", "")
	require.NoError(t, s.Authenticate("a", nil))

	_, done, err := s.Begin("same")
	require.NoError(t, err)

	_, _, err = s.Begin("same")
	assert.True(t, types.IsCode(err, types.CodeValidation))

	done()
	_, done2, err := s.Begin("same")
	require.NoError(t, err)
	done2()
}

func TestCloseCancelsInFlight(t *testing.T) {
	m := newTestManager(t)
	s := m.Create("ws", "")
	require.NoError(t, s.Authenticate("a", nil))

	ctx, done, err := s.Begin("1")
	require.NoError(t, err)
	defer done()

	var closed bool
	s.OnClose(func() { closed = true })

	m.Close(s.ID().String(), "test")
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("in-flight context not cancelled")
	}
	assert.True(t, closed)
	assert.Error(t, s.Context().Err())

	late := false
	s.OnClose(func() { late = true })
	assert.True(t, late, "callbacks registered after close run immediately")
}

func TestIdleSweep(t *testing.T) {
	m := NewManager(Options{IdleAfter: 30 * time.Second, IdleTimeout: 5 * time.Minute, SweepInterval: time.Hour}, nil)
	defer m.Shutdown()

	s := m.Create("ws", "")
	require.NoError(t, s.Authenticate("a", nil))
	_, done, err := s.Begin("1")
	require.NoError(t, err)

	now := time.Now()

	// In-flight requests keep the session active
	m.sweep(now.Add(10 * time.Minute))
	assert.Equal(t, StateActive, s.State())
	done()

	m.sweep(time.Now().Add(31 * time.Second))
	assert.Equal(t, StateIdle, s.State())

	s.Touch()
	assert.Equal(t, StateActive, s.State())

	m.sweep(time.Now().Add(6 * time.Minute))
	assert.Equal(t, StateClosed, s.State())
	_, ok := m.Get(s.ID().String())
	assert.False(t, ok)
}

func TestUnauthenticatedSessionsTimeOut(t *testing.T) {
	m := NewManager(Options{IdleAfter: time.Second, IdleTimeout: time.Minute, SweepInterval: time.Hour}, nil)
	defer m.Shutdown()

	s := m.Create("ws", "")
	m.sweep(time.Now().Add(2 * time.Second))
	assert.Equal(t, StateConnecting, s.State())

	m.sweep(time.Now().Add(2 * time.Minute))
	assert.Equal(t, StateClosed, s.State())
}

func TestBroadcastReachesAppSessions(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	got := map[string]int{}
	sender := func(name string) Sender {
		return func(env *types.Envelope) error {
			mu.Lock()
			got[name]++
			mu.Unlock()
			return nil
		}
	}

	a1 := m.Create("ws", "")
	a1.Attach(sender("a1"))
	require.NoError(t, a1.Authenticate("a", nil))
	a2 := m.Create("ws", "")
	a2.Attach(sender("a2"))
	require.NoError(t, a2.Authenticate("a", nil))
	b := m.Create("ws", "")
	b.Attach(sender("b"))
	require.NoError(t, b.Authenticate("b", nil))

	m.Broadcast("a", &types.Envelope{Type: types.MessageEvent, ID: "e1"})
	assert.Equal(t, map[string]int{"a1": 1, "a2": 1}, got)

	m.Close(a2.ID().String(), "test")
	m.Broadcast("a", &types.Envelope{Type: types.MessageEvent, ID: "e2"})
	assert.Equal(t, map[string]int{"a1": 2, "a2": 1}, got)
}

func TestListAndShutdown(t *testing.T) {
	m := NewManager(DefaultOptions(), nil)
	s1 := m.Create("ws", "")
	m.Create("rest", "rest:a")

	infos := m.List()
	require.Len(t, infos, 2)
	assert.Equal(t, 2, m.Count())

	m.Shutdown()
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, StateClosed, s1.State())
}

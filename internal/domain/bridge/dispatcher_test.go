package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emllm/port/internal/domain/permission"
	"github.com/emllm/port/internal/domain/registry"
	"github.com/emllm/port/internal/domain/session"
	"github.com/emllm/port/internal/infrastructure/monitoring"
	"github.com/emllm/port/internal/shared/types"
)

// testHandler exposes echo, slow, panic and fail methods
type testHandler struct {
	release   chan struct{}
	cancelled chan string
}

func (h *testHandler) Definition() types.Service {
	return types.Service{
		ID: "test",
		Tools: []types.Tool{
			{ID: "echo", Parameters: []types.Parameter{{Name: "text", Type: "string", Required: true}}},
			{ID: "slow"},
			{ID: "panic"},
			{ID: "fail"},
		},
	}
}

func (h *testHandler) Execute(ctx context.Context, method string, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	switch method {
	case "echo":
		return map[string]interface{}{"text": params["text"], "app": appCtx.AppID, "session": appCtx.SessionID}, nil
	case "slow":
		select {
		case <-h.release:
			return map[string]interface{}{"slow": true}, nil
		case <-ctx.Done():
			h.cancelled <- appCtx.RequestID
			return nil, ctx.Err()
		}
	case "panic":
		panic("boom")
	default:
		return nil, types.NewError(types.CodeNotFound, "nothing here")
	}
}

type harness struct {
	d       *Dispatcher
	h       *testHandler
	metrics *monitoring.Metrics
}

func newHarness(t *testing.T, limits LimiterOptions) *harness {
	t.Helper()
	h := &testHandler{release: make(chan struct{}), cancelled: make(chan string, 4)}
	reg := registry.New()
	require.NoError(t, reg.Register(h))

	sessions := session.NewManager(session.DefaultOptions(), nil)
	t.Cleanup(sessions.Shutdown)

	metrics := monitoring.NewMetrics()
	d := NewDispatcher(reg, sessions, NewLimiter(limits), nil).WithMetrics(metrics)
	return &harness{d: d, h: h, metrics: metrics}
}

// open returns a session whose outbound envelopes land on the returned channel
func (hs *harness) open(t *testing.T) (*session.Session, <-chan *types.Envelope) {
	t.Helper()
	out := make(chan *types.Envelope, 16)
	s, welcome := hs.d.Open("test", "")
	s.Attach(func(env *types.Envelope) error {
		out <- env
		return nil
	})
	require.Equal(t, types.MessageWelcome, welcome.Type)
	return s, out
}

func next(t *testing.T, out <-chan *types.Envelope) *types.Envelope {
	t.Helper()
	select {
	case env := <-out:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
		return nil
	}
}

func (hs *harness) auth(t *testing.T, s *session.Session, out <-chan *types.Envelope, appID string) {
	t.Helper()
	hs.d.Handle(s, &types.Envelope{Type: types.MessageAuth, ID: "auth", AppID: appID})
	env := next(t, out)
	require.Equal(t, types.MessageResponse, env.Type, "auth failed: %+v", env.Error)
}

func request(id, protocol, method string, params map[string]interface{}) *types.Envelope {
	return &types.Envelope{Type: types.MessageRequest, ID: id, Protocol: protocol, Method: method, Params: params}
}

func TestWelcomeListsProtocols(t *testing.T) {
	hs := newHarness(t, DefaultLimiterOptions())
	s, welcome := hs.d.Open("test", "")

	assert.Equal(t, s.ID().String(), welcome.ID)
	result := welcome.Result.(map[string]interface{})
	assert.Equal(t, []string{"test"}, result["protocols"])
	assert.Equal(t, false, result["requiresToken"])
}

func TestRequestBeforeAuth(t *testing.T) {
	hs := newHarness(t, DefaultLimiterOptions())
	s, out := hs.open(t)

	hs.d.Handle(s, request("1", "test", "echo", map[string]interface{}{"text": "x"}))
	env := next(t, out)
	assert.Equal(t, types.MessageError, env.Type)
	assert.Equal(t, "1", env.ID)
	assert.Equal(t, types.CodeUnauthenticated, env.Error.Code)
}

func TestMalformedAndUnknownEnvelopesKeepSessionOpen(t *testing.T) {
	hs := newHarness(t, DefaultLimiterOptions())
	s, out := hs.open(t)

	hs.d.Handle(s, &types.Envelope{Type: types.MessageRequest})
	assert.Equal(t, types.CodeValidation, next(t, out).Error.Code)

	hs.d.Handle(s, &types.Envelope{ID: "x"})
	assert.Equal(t, types.CodeValidation, next(t, out).Error.Code)

	hs.d.Handle(s, &types.Envelope{Type: "subscribe", ID: "2"})
	env := next(t, out)
	assert.Equal(t, "2", env.ID)
	assert.Equal(t, types.CodeValidation, env.Error.Code)

	hs.d.Handle(s, &types.Envelope{Type: types.MessagePing, ID: "p"})
	env = next(t, out)
	assert.Equal(t, types.MessagePong, env.Type)
	assert.Equal(t, "p", env.ID)

	hs.auth(t, s, out, "notes")
	assert.Equal(t, session.StateAuthenticated, s.State())
}

func TestAuthValidation(t *testing.T) {
	hs := newHarness(t, DefaultLimiterOptions())
	s, out := hs.open(t)

	hs.d.Handle(s, &types.Envelope{Type: types.MessageAuth, ID: "a"})
	assert.Equal(t, types.CodeValidation, next(t, out).Error.Code)

	hs.d.Handle(s, &types.Envelope{Type: types.MessageAuth, ID: "a", AppID: "../etc"})
	assert.Equal(t, types.CodeValidation, next(t, out).Error.Code)

	hs.d.Handle(s, &types.Envelope{Type: types.MessageAuth, ID: "a", Params: map[string]interface{}{
		"appId":       "notes",
		"permissions": []interface{}{"storage.read", "storage.write"},
	}})
	env := next(t, out)
	require.Equal(t, types.MessageResponse, env.Type)
	assert.Equal(t, []string{"storage.read", "storage.write"}, s.Permissions())
	assert.Equal(t, "notes", env.Result.(map[string]interface{})["appId"])
}

func TestDispatchEcho(t *testing.T) {
	hs := newHarness(t, DefaultLimiterOptions())
	s, out := hs.open(t)
	hs.auth(t, s, out, "notes")

	hs.d.Handle(s, request("42", "test", "echo", map[string]interface{}{"text": "hello"}))
	env := next(t, out)
	require.Equal(t, types.MessageResponse, env.Type)
	assert.Equal(t, "42", env.ID)
	result := env.Result.(map[string]interface{})
	assert.Equal(t, "hello", result["text"])
	assert.Equal(t, "notes", result["app"])
	assert.Equal(t, s.ID().String(), result["session"])

	assert.Equal(t, 1.0, testutil.ToFloat64(hs.metrics.BridgeRequests.WithLabelValues("test", "echo", "ok")))
}

func TestDispatchErrors(t *testing.T) {
	hs := newHarness(t, DefaultLimiterOptions())
	s, out := hs.open(t)
	hs.auth(t, s, out, "notes")

	cases := []struct {
		env  *types.Envelope
		code types.ErrorCode
	}{
		{request("1", "nope", "echo", nil), types.CodeUnknownProtocol},
		{request("2", "test", "nope", nil), types.CodeUnknownMethod},
		{request("3", "test", "echo", map[string]interface{}{"text": 1.0}), types.CodeValidation},
		{request("4", "test", "echo", nil), types.CodeValidation},
		{request("5", "", "", nil), types.CodeValidation},
		{request("6", "test", "fail", nil), types.CodeNotFound},
	}
	for _, tc := range cases {
		hs.d.Handle(s, tc.env)
		env := next(t, out)
		assert.Equal(t, tc.env.ID, env.ID)
		require.NotNil(t, env.Error, tc.env.ID)
		assert.Equal(t, tc.code, env.Error.Code, tc.env.ID)
	}
}

type gateFunc func(appID, protocol, method string) error

func (f gateFunc) Allow(appID, protocol, method string) error { return f(appID, protocol, method) }

func TestGateVetoesBeforeHandler(t *testing.T) {
	hs := newHarness(t, DefaultLimiterOptions())
	hs.d.WithGate(gateFunc(func(appID, protocol, method string) error {
		if appID == "offline" {
			return types.NewError(types.CodePermissionDenied, "test is disabled")
		}
		return nil
	}))

	s, out := hs.open(t)
	hs.auth(t, s, out, "offline")
	hs.d.Handle(s, request("1", "test", "panic", nil))
	env := next(t, out)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.CodePermissionDenied, env.Error.Code, "the handler never runs")

	hs.d.Handle(s, request("2", "nope", "echo", nil))
	assert.Equal(t, types.CodeUnknownProtocol, next(t, out).Error.Code)

	other, otherOut := hs.open(t)
	hs.auth(t, other, otherOut, "notes")
	hs.d.Handle(other, request("3", "test", "echo", map[string]interface{}{"text": "hi"}))
	assert.Equal(t, types.MessageResponse, next(t, otherOut).Type)
}

func TestPanicBecomesInternalError(t *testing.T) {
	hs := newHarness(t, DefaultLimiterOptions())
	s, out := hs.open(t)
	hs.auth(t, s, out, "notes")

	hs.d.Handle(s, request("1", "test", "panic", nil))
	env := next(t, out)
	assert.Equal(t, types.CodeInternal, env.Error.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(hs.metrics.HandlerPanics.WithLabelValues("test")))

	// The session survives
	hs.d.Handle(s, request("2", "test", "echo", map[string]interface{}{"text": "still here"}))
	assert.Equal(t, types.MessageResponse, next(t, out).Type)
}

func TestResponsesMayCompleteOutOfOrder(t *testing.T) {
	hs := newHarness(t, DefaultLimiterOptions())
	s, out := hs.open(t)
	hs.auth(t, s, out, "notes")

	hs.d.Handle(s, request("slow", "test", "slow", nil))
	hs.d.Handle(s, request("fast", "test", "echo", map[string]interface{}{"text": "x"}))

	assert.Equal(t, "fast", next(t, out).ID)
	close(hs.h.release)
	assert.Equal(t, "slow", next(t, out).ID)
}

func TestDuplicateInFlightIDRejected(t *testing.T) {
	hs := newHarness(t, DefaultLimiterOptions())
	s, out := hs.open(t)
	hs.auth(t, s, out, "notes")

	hs.d.Handle(s, request("same", "test", "slow", nil))
	hs.d.Handle(s, request("same", "test", "echo", map[string]interface{}{"text": "x"}))
	env := next(t, out)
	assert.Equal(t, types.CodeValidation, env.Error.Code)

	close(hs.h.release)
	assert.Equal(t, types.MessageResponse, next(t, out).Type)
}

func TestCloseCancelsInFlightRequests(t *testing.T) {
	hs := newHarness(t, DefaultLimiterOptions())
	s, out := hs.open(t)
	hs.auth(t, s, out, "notes")

	hs.d.Handle(s, request("r1", "test", "slow", nil))
	require.Eventually(t, func() bool { return s.Info().InFlight == 1 }, time.Second, 5*time.Millisecond)

	hs.d.Close(s, "test")
	select {
	case id := <-hs.h.cancelled:
		assert.Equal(t, "r1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request not cancelled")
	}
}

func TestRateLimited(t *testing.T) {
	hs := newHarness(t, LimiterOptions{WindowRequests: 2, Window: time.Minute, BurstPerSecond: 100})
	s, out := hs.open(t)
	hs.auth(t, s, out, "notes")

	for i, id := range []string{"1", "2", "3"} {
		env := hs.d.Call(s, request(id, "test", "echo", map[string]interface{}{"text": "x"}))
		if i < 2 {
			assert.Equal(t, types.MessageResponse, env.Type)
			continue
		}
		require.NotNil(t, env.Error)
		assert.Equal(t, types.CodeRateLimited, env.Error.Code)
		assert.Positive(t, env.Error.RetryAfterMs)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(hs.metrics.RateLimited.WithLabelValues(LimitWindow)))
}

func TestTokenAuthentication(t *testing.T) {
	hs := newHarness(t, DefaultLimiterOptions())
	tokens, err := NewTokens([]byte("k"))
	require.NoError(t, err)
	hs.d.WithAuthenticator(tokens)

	good, err := tokens.Mint("notes", "inst_1", time.Minute)
	require.NoError(t, err)

	s, _ := hs.d.Open("test", "")
	_, err = hs.d.Authenticate(s, "notes", "", nil)
	assert.True(t, types.IsCode(err, types.CodeUnauthenticated))
	_, err = hs.d.Authenticate(s, "other", good, nil)
	assert.True(t, types.IsCode(err, types.CodeUnauthenticated))
	_, err = hs.d.Authenticate(s, "notes", "bogus", nil)
	assert.True(t, types.IsCode(err, types.CodeUnauthenticated))

	_, err = hs.d.Authenticate(s, "notes", good, nil)
	require.NoError(t, err)
	assert.Equal(t, "notes", s.AppID())
}

func TestRelayPermissionEvents(t *testing.T) {
	hs := newHarness(t, DefaultLimiterOptions())
	s, out := hs.open(t)
	hs.auth(t, s, out, "notes")
	other, otherOut := hs.open(t)
	hs.auth(t, other, otherOut, "other")

	events := make(chan permission.Event, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hs.d.RelayPermissionEvents(events)
	}()

	events <- permission.Event{Type: permission.EventRequested, AppID: "notes", Key: "filesystem.read"}
	events <- permission.Event{Type: permission.EventRevoked, AppID: "notes", Key: "storage.read"}
	close(events)
	wg.Wait()

	env := next(t, out)
	assert.Equal(t, types.MessageEvent, env.Type)
	assert.Equal(t, string(permission.EventRevoked), env.Method)
	assert.Equal(t, "storage.read", env.Result.(map[string]interface{})["key"])
	assert.Empty(t, otherOut)
}

package bridge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/emllm/port/internal/domain/registry"
	"github.com/emllm/port/internal/domain/session"
	"github.com/emllm/port/internal/infrastructure/logging"
	"github.com/emllm/port/internal/infrastructure/monitoring"
	"github.com/emllm/port/internal/shared/paths"
	"github.com/emllm/port/internal/shared/types"
	"github.com/emllm/port/internal/shared/utils"
)

// Dispatcher routes envelopes from sessions to the operation registry
type Dispatcher struct {
	registry *registry.Registry
	sessions *session.Manager
	limiter  *Limiter
	auth     Authenticator
	gate     Gate
	logger   *logging.Logger
	metrics  *monitoring.Metrics
}

// NewDispatcher creates a dispatcher
func NewDispatcher(reg *registry.Registry, sessions *session.Manager, limiter *Limiter, logger *logging.Logger) *Dispatcher {
	if limiter == nil {
		limiter = NewLimiter(DefaultLimiterOptions())
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{
		registry: reg,
		sessions: sessions,
		limiter:  limiter,
		logger:   logger.Named("bridge"),
	}
}

// WithMetrics attaches a metrics collector
func (d *Dispatcher) WithMetrics(metrics *monitoring.Metrics) *Dispatcher {
	d.metrics = metrics
	return d
}

// WithAuthenticator requires auth messages to carry a token accepted by auth
func (d *Dispatcher) WithAuthenticator(auth Authenticator) *Dispatcher {
	d.auth = auth
	return d
}

// Gate can veto operations for an app before they reach a handler
type Gate interface {
	Allow(appID, protocol, method string) error
}

// WithGate consults gate on every request after the operation is resolved
func (d *Dispatcher) WithGate(gate Gate) *Dispatcher {
	d.gate = gate
	return d
}

// Registry returns the operation registry
func (d *Dispatcher) Registry() *registry.Registry { return d.registry }

// Sessions returns the session manager
func (d *Dispatcher) Sessions() *session.Manager { return d.sessions }

// RequiresToken reports whether auth needs a token
func (d *Dispatcher) RequiresToken() bool { return d.auth != nil }

// Open creates a session and returns its welcome envelope
func (d *Dispatcher) Open(transport, client string) (*session.Session, *types.Envelope) {
	s := d.sessions.Create(transport, client)
	welcome := &types.Envelope{
		Type: types.MessageWelcome,
		ID:   s.ID().String(),
		Result: map[string]interface{}{
			"sessionId":     s.ID().String(),
			"protocols":     d.registry.Protocols(),
			"requiresToken": d.RequiresToken(),
		},
	}
	return s, welcome
}

// Close closes a session. Limiter state is dropped only for clients owned by
// this session; shared keys such as REST app clients age out through Prune.
func (d *Dispatcher) Close(s *session.Session, reason string) {
	d.sessions.Close(s.ID().String(), reason)
	if s.ClientKey() == s.ID().String() {
		d.limiter.Forget(s.ClientKey())
	}
}

// Prune drops limiter state of clients idle for a full window
func (d *Dispatcher) Prune() int {
	return d.limiter.Prune()
}

// Handle processes one inbound envelope. Replies go through s.Send; requests
// run asynchronously.
func (d *Dispatcher) Handle(s *session.Session, env *types.Envelope) {
	if err := env.Validate(); err != nil {
		d.reply(s, types.NewErrorEnvelope(env.ID, err))
		return
	}

	switch env.Type {
	case types.MessagePing:
		s.Touch()
		d.reply(s, &types.Envelope{Type: types.MessagePong, ID: env.ID})
	case types.MessagePong:
		s.Touch()
	case types.MessageAuth:
		d.reply(s, d.HandleAuth(s, env))
	case types.MessageRequest:
		ctx, done, err := d.begin(s, env)
		if err != nil {
			d.reply(s, d.failure(s, env, err))
			return
		}
		go func() {
			defer done()
			d.reply(s, d.execute(ctx, s, env))
		}()
	default:
		err := types.Errorf(types.CodeValidation, "unsupported message type: %s", env.Type).
			WithDetail("type", string(env.Type))
		d.reply(s, types.NewErrorEnvelope(env.ID, err))
	}
}

// HandleAuth binds a session from an auth envelope
func (d *Dispatcher) HandleAuth(s *session.Session, env *types.Envelope) *types.Envelope {
	params := env.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	appID := env.AppID
	if appID == "" {
		appID, _ = params["appId"].(string)
	}
	token, _ := params["token"].(string)

	result, err := d.Authenticate(s, appID, token, utils.GetStringSlice(params, "permissions"))
	if err != nil {
		return types.NewErrorEnvelope(env.ID, err)
	}
	return types.NewResponse(env.ID, result)
}

// Authenticate binds a session to an app after checking the token when one is required
func (d *Dispatcher) Authenticate(s *session.Session, appID, token string, permissions []string) (map[string]interface{}, error) {
	if appID == "" {
		return nil, types.NewError(types.CodeValidation, "appId is required")
	}
	if err := paths.ValidateAppID(appID); err != nil {
		return nil, types.NewError(types.CodeValidation, err.Error())
	}
	if d.auth != nil {
		if token == "" {
			return nil, types.NewError(types.CodeUnauthenticated, "token is required")
		}
		tokenApp, err := d.auth.Authenticate(token)
		if err != nil {
			d.logger.Warn("Rejected bridge token",
				zap.String("session_id", s.ID().String()),
				zap.String("app_id", appID),
				zap.Error(err),
			)
			return nil, types.AsError(err)
		}
		if tokenApp != appID {
			return nil, types.Errorf(types.CodeUnauthenticated, "token was not issued for app %s", appID)
		}
	}
	if permissions == nil {
		permissions = []string{}
	}
	if err := s.Authenticate(appID, permissions); err != nil {
		return nil, err
	}

	d.logger.Info("Session authenticated",
		zap.String("session_id", s.ID().String()),
		zap.String("app_id", appID),
		zap.String("transport", s.Transport()),
	)
	return map[string]interface{}{
		"sessionId":   s.ID().String(),
		"appId":       appID,
		"permissions": permissions,
	}, nil
}

// Call runs one request synchronously and returns its response or error envelope
func (d *Dispatcher) Call(s *session.Session, env *types.Envelope) *types.Envelope {
	if env.Type == "" {
		env.Type = types.MessageRequest
	}
	if err := env.Validate(); err != nil {
		return types.NewErrorEnvelope(env.ID, err)
	}
	ctx, done, err := d.begin(s, env)
	if err != nil {
		return d.failure(s, env, err)
	}
	defer done()
	return d.execute(ctx, s, env)
}

func (d *Dispatcher) begin(s *session.Session, env *types.Envelope) (context.Context, func(), error) {
	if err := d.limiter.Allow(s.ClientKey()); err != nil {
		if d.metrics != nil {
			d.metrics.RecordRateLimited(fmt.Sprint(types.AsError(err).Details["limit"]))
		}
		return nil, nil, err
	}
	return s.Begin(env.ID)
}

func (d *Dispatcher) execute(ctx context.Context, s *session.Session, env *types.Envelope) (out *types.Envelope) {
	timer := monitoring.NewTimer(d.metrics, env.Protocol, env.Method)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Handler panic recovered",
				zap.String("session_id", s.ID().String()),
				zap.String("app_id", s.AppID()),
				zap.String("protocol", env.Protocol),
				zap.String("method", env.Method),
				zap.String("request_id", env.ID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			if d.metrics != nil {
				d.metrics.RecordPanic(env.Protocol)
			}
			out = d.failure(s, env, types.Errorf(types.CodeInternal, "internal error in %s.%s", env.Protocol, env.Method))
		}
		status := "ok"
		if out.Type == types.MessageError {
			status = "error"
		}
		timer.Stop(status)
	}()

	if env.Protocol == "" || env.Method == "" {
		return d.failure(s, env, types.NewError(types.CodeValidation, "request requires protocol and method"))
	}
	op, err := d.registry.Lookup(env.Protocol, env.Method)
	if err != nil {
		return d.failure(s, env, err)
	}
	if d.gate != nil {
		if err := d.gate.Allow(s.AppID(), env.Protocol, env.Method); err != nil {
			return d.failure(s, env, err)
		}
	}
	params := env.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	if err := op.Validate(params); err != nil {
		return d.failure(s, env, err)
	}

	result, err := op.Execute(ctx, params, &types.Context{
		SessionID: s.ID().String(),
		AppID:     s.AppID(),
		RequestID: env.ID,
	})
	if err != nil {
		return d.failure(s, env, err)
	}
	if result == nil {
		result = map[string]interface{}{}
	}
	return types.NewResponse(env.ID, result)
}

// failure converts err into an error envelope, logging anything unstructured
func (d *Dispatcher) failure(s *session.Session, env *types.Envelope, err error) *types.Envelope {
	e := types.AsError(err)
	if e.Code == types.CodeInternal {
		d.logger.Error("Bridge request failed",
			zap.String("session_id", s.ID().String()),
			zap.String("app_id", s.AppID()),
			zap.String("protocol", env.Protocol),
			zap.String("method", env.Method),
			zap.String("request_id", env.ID),
			zap.Error(err),
		)
	}
	if d.metrics != nil {
		d.metrics.RecordBridgeError(env.Protocol, env.Method, string(e.Code))
	}
	return &types.Envelope{Type: types.MessageError, ID: env.ID, Error: e}
}

func (d *Dispatcher) reply(s *session.Session, env *types.Envelope) {
	if err := s.Send(env); err != nil {
		d.logger.Debug("Reply dropped",
			zap.String("session_id", s.ID().String()),
			zap.String("type", string(env.Type)),
			zap.Error(err),
		)
	}
}

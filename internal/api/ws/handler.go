package ws

import (
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/emllm/port/internal/domain/bridge"
	"github.com/emllm/port/internal/domain/session"
	"github.com/emllm/port/internal/infrastructure/logging"
	"github.com/emllm/port/internal/infrastructure/monitoring"
	"github.com/emllm/port/internal/shared/types"
)

var errConnClosed = errors.New("connection closed")

// Config tunes the WebSocket transport
type Config struct {
	ReadLimit      int64
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	AllowedOrigins []string
}

// DefaultConfig returns the default transport settings
func DefaultConfig() Config {
	return Config{
		ReadLimit:    32 << 20,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

// Handler manages WebSocket connections
type Handler struct {
	dispatcher *bridge.Dispatcher
	cfg        Config
	upgrader   websocket.Upgrader
	logger     *logging.Logger
	metrics    *monitoring.Metrics
}

// NewHandler creates a new WebSocket handler
func NewHandler(dispatcher *bridge.Dispatcher, cfg Config, logger *logging.Logger) *Handler {
	def := DefaultConfig()
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	h := &Handler{
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.Named("ws"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: true,
		CheckOrigin:       h.checkOrigin,
	}
	return h
}

// WithMetrics attaches a metrics collector
func (h *Handler) WithMetrics(metrics *monitoring.Metrics) *Handler {
	h.metrics = metrics
	return h
}

// checkOrigin admits non-browser clients and, when an allow list is set, listed origins only
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, "*") || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// HandleConnection upgrades the request and serves one bridge session
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	h.serve(conn)
}

func (h *Handler) serve(ws *websocket.Conn) {
	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}

	s, welcome := h.dispatcher.Open("ws", "")
	conn := &connection{ws: ws, writeWait: h.cfg.WriteWait, metrics: h.metrics}
	s.Attach(conn.send)
	s.OnClose(func() { conn.close(websocket.CloseNormalClosure, "session closed") })
	defer h.dispatcher.Close(s, "disconnected")

	if err := conn.send(welcome); err != nil {
		return
	}

	go conn.keepalive(s, h.cfg.PingInterval)

	ws.SetReadLimit(h.cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("WebSocket read error",
					zap.String("session_id", s.ID().String()),
					zap.Error(err),
				)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		env, err := types.DecodeEnvelope(data)
		if err != nil {
			_ = conn.send(types.NewErrorEnvelope("", err))
			continue
		}
		if h.metrics != nil {
			h.metrics.RecordWSMessage("in", string(env.Type))
		}
		h.dispatcher.Handle(s, env)
	}
}

// connection serializes writes to one socket
type connection struct {
	ws        *websocket.Conn
	writeWait time.Duration
	metrics   *monitoring.Metrics

	mu     sync.Mutex
	closed bool
}

func (c *connection) send(env *types.Envelope) error {
	data, err := sonic.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.RecordWSMessage("out", string(env.Type))
	}
	return nil
}

func (c *connection) keepalive(s *session.Session, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.Context().Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *connection) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.writeWait))
	_ = c.ws.Close()
}

package http

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/emllm/port/internal/domain/bridge"
	"github.com/emllm/port/internal/domain/permission"
	"github.com/emllm/port/internal/domain/sandbox"
	"github.com/emllm/port/internal/infrastructure/logging"
	"github.com/emllm/port/internal/infrastructure/monitoring"
	"github.com/emllm/port/internal/shared/types"
)

// Options bounds request bodies and event streams
type Options struct {
	MaxBodyBytes int64
	Heartbeat    time.Duration
	EventBuffer  int
}

// DefaultOptions returns the default HTTP limits
func DefaultOptions() Options {
	return Options{
		MaxBodyBytes: 32 << 20,
		Heartbeat:    15 * time.Second,
		EventBuffer:  64,
	}
}

// Handlers serves the REST fallback, the consent API and the host API
type Handlers struct {
	dispatcher  *bridge.Dispatcher
	permissions *permission.Manager
	sandboxes   *sandbox.Manager
	metrics     *monitoring.Metrics
	logger      *logging.Logger
	opts        Options
	started     time.Time
}

// NewHandlers creates the HTTP handlers. sandboxes and metrics may be nil.
func NewHandlers(dispatcher *bridge.Dispatcher, permissions *permission.Manager, sandboxes *sandbox.Manager, metrics *monitoring.Metrics, logger *logging.Logger, opts Options) *Handlers {
	def := DefaultOptions()
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = def.MaxBodyBytes
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = def.Heartbeat
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handlers{
		dispatcher:  dispatcher,
		permissions: permissions,
		sandboxes:   sandboxes,
		metrics:     metrics,
		logger:      logger.Named("http"),
		opts:        opts,
		started:     time.Now(),
	}
}

// Register mounts every route on r. rest wraps the REST fallback only.
func (h *Handlers) Register(r gin.IRouter, rest ...gin.HandlerFunc) {
	r.GET("/health", h.Health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
	level := gin.WrapH(h.logger.LevelHandler())
	r.GET("/log/level", level)
	r.PUT("/log/level", level)
	r.GET("/sessions", h.ListSessions)
	r.GET("/protocols", h.ListProtocols)

	api := r.Group("/api", rest...)
	api.POST("/:protocol/:method", h.Call)

	perms := r.Group("/permissions")
	perms.GET("/pending", h.ListPending)
	perms.GET("/events", h.PermissionEvents)
	perms.GET("/catalog", h.Catalog)
	perms.POST("/requests/:id/respond", h.RespondToRequest)
	perms.GET("/apps/:appId", h.GetAppPermissions)
	perms.POST("/apps/:appId", h.GrantPermission)
	perms.DELETE("/apps/:appId", h.RevokeAllPermissions)
	perms.DELETE("/apps/:appId/:permission", h.RevokePermission)
	perms.GET("/apps/:appId/audit", h.Audit)

	if h.sandboxes != nil {
		sb := r.Group("/sandbox")
		sb.GET("/events", h.SandboxEvents)
		sb.GET("/policies", h.ListPolicies)
		sb.POST("/policies", h.RegisterPolicy)
		sb.GET("/instances", h.ListInstances)
		sb.POST("/instances", h.LoadInstance)
		sb.GET("/instances/:id", h.GetInstance)
		sb.GET("/instances/:id/files/*path", h.ServeInstanceFile)
		sb.POST("/instances/:id/pause", h.PauseInstance)
		sb.POST("/instances/:id/resume", h.ResumeInstance)
		sb.POST("/instances/:id/stop", h.StopInstance)
		sb.POST("/instances/:id/events", h.InteractInstance)
		sb.POST("/instances/:id/policy", h.ApplyPolicy)
		sb.DELETE("/instances/:id", h.RemoveInstance)
	}
}

// Health reports liveness and a few counters
func (h *Handlers) Health(c *gin.Context) {
	body := gin.H{
		"status":             "healthy",
		"uptimeSeconds":      int64(time.Since(h.started).Seconds()),
		"sessions":           h.dispatcher.Sessions().Count(),
		"registry":           h.dispatcher.Registry().Stats(),
		"pendingPermissions": len(h.permissions.Pending()),
		"requiresToken":      h.dispatcher.RequiresToken(),
	}
	if h.sandboxes != nil {
		body["sandboxInstances"] = len(h.sandboxes.List())
	}
	c.JSON(http.StatusOK, body)
}

// ListSessions lists open bridge sessions
func (h *Handlers) ListSessions(c *gin.Context) {
	sessions := h.dispatcher.Sessions().List()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// ListProtocols describes every registered protocol and its methods
func (h *Handlers) ListProtocols(c *gin.Context) {
	services := h.dispatcher.Registry().List(nil)
	c.JSON(http.StatusOK, gin.H{
		"protocols": services,
		"count":     len(services),
	})
}

// respondError writes a structured error with its mapped status
func (h *Handlers) respondError(c *gin.Context, err error) {
	e := types.AsError(err)
	if e.Code == types.CodeInternal {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	setRetryAfter(c, e)
	c.JSON(e.HTTPStatus(), gin.H{"error": e})
}

func setRetryAfter(c *gin.Context, e *types.Error) {
	if e == nil || e.RetryAfterMs <= 0 {
		return
	}
	seconds := int64(math.Ceil(float64(e.RetryAfterMs) / 1000))
	c.Header("Retry-After", strconv.FormatInt(seconds, 10))
}

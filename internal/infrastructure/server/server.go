package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/emllm/port/internal/api/http"
	"github.com/emllm/port/internal/api/middleware"
	"github.com/emllm/port/internal/api/ws"
	"github.com/emllm/port/internal/domain/bridge"
	"github.com/emllm/port/internal/domain/permission"
	"github.com/emllm/port/internal/domain/registry"
	"github.com/emllm/port/internal/domain/sandbox"
	"github.com/emllm/port/internal/domain/session"
	"github.com/emllm/port/internal/infrastructure/config"
	"github.com/emllm/port/internal/infrastructure/logging"
	"github.com/emllm/port/internal/infrastructure/monitoring"
	"github.com/emllm/port/internal/infrastructure/tracing"
	"github.com/emllm/port/internal/providers/filesystem"
	"github.com/emllm/port/internal/providers/network"
	"github.com/emllm/port/internal/providers/storage"
	"github.com/emllm/port/internal/providers/system"
	"github.com/emllm/port/internal/shared/paths"
	"github.com/emllm/port/internal/shared/types"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router      *gin.Engine
	config      *config.Config
	logger      *logging.Logger
	metrics     *monitoring.Metrics
	permissions *permission.Manager
	sessions    *session.Manager
	dispatcher  *bridge.Dispatcher
	sandboxes   *sandbox.Manager
	tracer      *tracing.Tracer

	stopBackground context.CancelFunc
	background     sync.WaitGroup

	mu         sync.Mutex
	httpServer *http.Server
	closed     bool
	closeOnce  sync.Once
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	logger.Info("Initializing bridge server",
		zap.String("port", cfg.Server.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("require_token", cfg.Bridge.RequireToken),
	)

	// Metrics first; every component below reports to it
	metrics := monitoring.NewMetrics()
	layout := paths.New(cfg.DataDir)

	permissions, err := newPermissionManager(cfg, layout, logger)
	if err != nil {
		return nil, err
	}
	permissions.WithMetrics(metrics)

	reg := registry.New()
	if err := registerProviders(reg, cfg, layout, permissions, logger); err != nil {
		permissions.Close()
		return nil, err
	}

	sessions := session.NewManager(session.Options{
		IdleAfter:     cfg.Bridge.IdleAfter,
		IdleTimeout:   cfg.Bridge.IdleTimeout,
		SweepInterval: session.DefaultOptions().SweepInterval,
	}, logger).WithMetrics(metrics)

	limiter := bridge.NewLimiter(bridge.LimiterOptions{
		WindowRequests: cfg.Bridge.WindowRequests,
		Window:         cfg.Bridge.Window,
		BurstPerSecond: cfg.Bridge.BurstPerSecond,
	})
	dispatcher := bridge.NewDispatcher(reg, sessions, limiter, logger).WithMetrics(metrics)

	tokens, err := bridge.NewTokens([]byte(cfg.Bridge.TokenSecret))
	if err != nil {
		sessions.Shutdown()
		permissions.Close()
		return nil, err
	}
	sandboxes := sandbox.NewManager(sandbox.Deps{
		Layout:     layout,
		Dispatcher: dispatcher,
		Tokens:     tokens,
		Grants:     permissions,
		Granter:    permissions,
		Known:      permissions.Catalog().Known,
		Logger:     logger,
	}, sandbox.Options{
		MaxMemoryBytes:  cfg.Sandbox.MaxMemoryBytes,
		IdleThreshold:   cfg.Sandbox.IdleThreshold,
		MonitorInterval: cfg.Sandbox.MonitorInterval,
		ScriptTimeout:   cfg.Sandbox.ScriptTimeout,
		TokenTTL:        cfg.Sandbox.TokenTTL,
	}).WithMetrics(metrics)

	// Loaded apps are bounded by their manifest and instance switches
	dispatcher.WithGate(sandboxes)
	permissions.WithCeiling(sandboxes)

	if cfg.Bridge.RequireToken {
		dispatcher.WithAuthenticator(sandboxes)
		logger.Info("Bridge auth requires sandbox instance tokens")
	}

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	tracer := tracing.New(logger.Named("http").Logger, 1000)
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.CORSOrigins...)))

	var rest []gin.HandlerFunc
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rest = append(rest, middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			Metrics:           metrics,
		}))
	}

	handlers := apihttp.NewHandlers(dispatcher, permissions, sandboxes, metrics, logger, apihttp.Options{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Heartbeat:    cfg.Server.EventHeartbeat,
	})
	handlers.Register(router, rest...)

	wsCfg := ws.DefaultConfig()
	wsCfg.AllowedOrigins = cfg.Server.CORSOrigins
	wsHandler := ws.NewHandler(dispatcher, wsCfg, logger).WithMetrics(metrics)
	router.GET("/bridge", wsHandler.HandleConnection)

	s := &Server{
		router:      router,
		config:      cfg,
		logger:      logger,
		metrics:     metrics,
		permissions: permissions,
		sessions:    sessions,
		dispatcher:  dispatcher,
		sandboxes:   sandboxes,
		tracer:      tracer,
	}
	s.startBackground(cfg.Bridge.Window)

	logger.Info("Server initialized successfully",
		zap.Strings("protocols", reg.Protocols()),
	)
	return s, nil
}

func newLogger(cfg config.LogConfig) (*logging.Logger, error) {
	if cfg.Development {
		return logging.NewDevelopment(), nil
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Level
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

func newPermissionManager(cfg *config.Config, layout paths.Layout, logger *logging.Logger) (*permission.Manager, error) {
	catalog := permission.DefaultCatalog()
	if cfg.Permissions.Catalog != "" {
		loaded, err := permission.LoadCatalog(cfg.Permissions.Catalog)
		if err != nil {
			return nil, fmt.Errorf("failed to load capability catalogue: %w", err)
		}
		catalog = loaded
		logger.Info("Loaded capability catalogue", zap.String("path", cfg.Permissions.Catalog))
	}

	store, err := permission.NewStore(layout.Permissions())
	if err != nil {
		return nil, fmt.Errorf("failed to open permission store: %w", err)
	}
	audit, err := permission.NewAuditLog(permission.AuditOptions{
		Dir:        layout.Audit(),
		Logger:     logger,
		MaxBytes:   cfg.Permissions.AuditMaxBytes,
		MaxBackups: cfg.Permissions.AuditMaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return permission.NewManager(catalog, store, audit, permission.Options{
		RequestTimeout:     cfg.Permissions.RequestTimeout,
		AutoGrantDuration:  cfg.Permissions.AutoGrantDuration,
		MaxPendingRequests: cfg.Permissions.MaxPendingRequests,
		CleanupInterval:    cfg.Permissions.CleanupInterval,
		HistoryLimit:       cfg.Permissions.HistoryLimit,
	}, logger), nil
}

func registerProviders(reg *registry.Registry, cfg *config.Config, layout paths.Layout, permissions *permission.Manager, logger *logging.Logger) error {
	// Storage provider
	storageProvider, err := storage.NewProvider(layout, storage.Config{
		MaxQuota:     cfg.Storage.MaxQuota,
		MaxKeyLength: cfg.Storage.MaxKeyLength,
		MaxValueSize: cfg.Storage.MaxValueSize,
	}, permissions, logger)
	if err != nil {
		return fmt.Errorf("failed to create storage provider: %w", err)
	}

	// Filesystem provider
	fsProvider := filesystem.NewProvider(layout, filesystem.Config{
		MaxFileSize:       cfg.Filesystem.MaxFileSize,
		AllowedPaths:      cfg.Filesystem.AllowedPaths,
		BlockedExtensions: cfg.Filesystem.BlockedExtensions,
	}, permissions, logger)

	// System provider
	sysProvider := system.NewProvider(system.Config{
		InfoEnabled:            cfg.System.InfoEnabled,
		DetailedInfoEnabled:    cfg.System.DetailedInfoEnabled,
		NotificationsEnabled:   cfg.System.NotificationsEnabled,
		ClipboardEnabled:       cfg.System.ClipboardEnabled,
		MaxTitleLength:         cfg.System.MaxTitleLength,
		MaxBodyLength:          cfg.System.MaxBodyLength,
		MaxActiveNotifications: cfg.System.MaxActiveNotifications,
		MaxClipboardSize:       cfg.System.MaxClipboardSize,
	}, permissions, system.DetectPlatform(), logger)

	// Network provider
	netProvider := network.NewProvider(network.Config{
		AllowedDomains:    cfg.Network.AllowedDomains,
		BlockedDomains:    cfg.Network.BlockedDomains,
		BlockLoopback:     cfg.Network.BlockLoopback,
		MaxConcurrent:     cfg.Network.MaxConcurrent,
		RequestsPerMinute: cfg.Network.RequestsPerMinute,
		BurstLimit:        cfg.Network.BurstLimit,
		MaxRequestSize:    cfg.Network.MaxRequestSize,
		MaxResponseSize:   cfg.Network.MaxResponseSize,
		Timeout:           cfg.Network.Timeout,
	}, permissions, logger)

	for _, h := range []types.Handler{
		storageProvider,
		fsProvider,
		sysProvider,
		netProvider,
		permission.NewProtocolHandler(permissions),
	} {
		if err := reg.Register(h); err != nil {
			return fmt.Errorf("failed to register %s: %w", h.Definition().ID, err)
		}
	}
	return nil
}

// startBackground relays permission changes to live sessions and prunes idle
// limiter state
func (s *Server) startBackground(pruneEvery time.Duration) {
	if pruneEvery <= 0 {
		pruneEvery = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopBackground = cancel

	events, unsubscribe := s.permissions.Subscribe(256)
	s.background.Add(2)
	go func() {
		defer s.background.Done()
		s.dispatcher.RelayPermissionEvents(events)
	}()
	go func() {
		defer s.background.Done()
		defer unsubscribe()
		ticker := time.NewTicker(pruneEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.dispatcher.Prune(); n > 0 {
					s.logger.Debug("Pruned idle bridge clients", zap.Int("count", n))
				}
			}
		}
	}()
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds the configured address. Failing to bind is the only fatal
// startup error.
func (s *Server) Listen() (net.Listener, error) {
	addr := net.JoinHostPort(s.config.Server.Host, s.config.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until Close is called
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run binds and serves
func (s *Server) Run() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Close gracefully shuts down the server
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Info("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()

		s.mu.Lock()
		s.closed = true
		srv := s.httpServer
		s.mu.Unlock()
		if srv != nil {
			if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
				s.logger.Error("HTTP shutdown failed", zap.Error(shutdownErr))
				err = fmt.Errorf("failed to shut down http server: %w", shutdownErr)
			}
		}

		s.tracer.Close()
		s.sandboxes.Shutdown(ctx)
		s.sessions.Shutdown()
		s.stopBackground()
		s.permissions.Close()
		s.background.Wait()

		// Sync logger before exit
		_ = s.logger.Sync()
	})
	return err
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.config.Server.ShutdownTimeout > 0 {
		return s.config.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

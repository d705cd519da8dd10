package network

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/emllm/port/internal/infrastructure/logging"
	"github.com/emllm/port/internal/infrastructure/resilience"
	"github.com/emllm/port/internal/shared/types"
)

const PermFetch = "network.fetch"

// Config holds network policy and limits
type Config struct {
	AllowedDomains    []string
	BlockedDomains    []string
	BlockLoopback     bool
	MaxConcurrent     int
	RequestsPerMinute int
	BurstLimit        int
	MaxRequestSize    int64
	MaxResponseSize   int64
	Timeout           time.Duration
}

// DefaultConfig returns the default policy
func DefaultConfig() Config {
	return Config{
		BlockLoopback:     true,
		MaxConcurrent:     5,
		RequestsPerMinute: 60,
		BurstLimit:        10,
		MaxRequestSize:    1 << 20,
		MaxResponseSize:   10 << 20,
		Timeout:           30 * time.Second,
	}
}

// appLimits is one app's token bucket and concurrency slots
type appLimits struct {
	limiter *rate.Limiter
	slots   chan struct{}
}

// Provider is the network capability handler
type Provider struct {
	cfg      Config
	auth     types.Authorizer
	logger   *logging.Logger
	client   *resty.Client
	breakers *resilience.Group

	allowed []string
	blocked []string

	mu   sync.Mutex
	apps map[string]*appLimits
}

// NewProvider creates a network provider
func NewProvider(cfg Config, auth types.Authorizer, logger *logging.Logger) *Provider {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstLimit <= 0 {
		cfg.BurstLimit = def.BurstLimit
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = def.MaxRequestSize
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = def.MaxResponseSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("network")

	p := &Provider{
		cfg:    cfg,
		auth:   auth,
		logger: logger,
		breakers: resilience.NewGroup(resilience.Config{
			// Upstreams vary in reliability; only trip on sustained failure
			FailureThreshold: 5,
			FailureRatio:     0.7,
			MinRequests:      20,
			Window:           time.Minute,
			Cooldown:         30 * time.Second,
			Trials:           3,
			Ignore: func(err error) bool {
				return errors.Is(err, errBlockedAddress) ||
					errors.Is(err, context.Canceled) ||
					errors.As(err, new(*types.Error))
			},
			OnStateChange: func(host string, from, to resilience.State) {
				logger.Warn("Upstream circuit changed",
					zap.String("host", host),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
		apps: make(map[string]*appLimits),
	}
	p.allowed = normalizePatterns(cfg.AllowedDomains, logger)
	p.blocked = normalizePatterns(cfg.BlockedDomains, logger)
	p.client = p.newClient()
	return p
}

func normalizePatterns(patterns []string, logger *logging.Logger) []string {
	out := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			logger.Warn("Ignoring invalid domain pattern", zap.String("pattern", pattern))
			continue
		}
		out = append(out, pattern)
	}
	return out
}

// Definition returns service metadata
func (p *Provider) Definition() types.Service {
	return types.Service{
		ID:          "network",
		Name:        "Network Service",
		Description: "HTTP requests to hosts the app has been granted",
		Category:    types.CategoryNetwork,
		Tools: []types.Tool{
			{
				ID:          "fetch",
				Name:        "Fetch",
				Description: "Perform an HTTP request",
				Parameters: []types.Parameter{
					{Name: "url", Type: "string", Description: "http or https URL", Required: true},
					{Name: "method", Type: "string", Description: "HTTP method (default GET)"},
					{Name: "headers", Type: "object", Description: "Request headers"},
					{Name: "body", Type: "any", Description: "String body, or a value sent as JSON"},
					{Name: "timeout", Type: "number", Description: "Timeout in milliseconds"},
				},
				Returns:    "object",
				Permission: PermFetch,
			},
		},
	}
}

// Execute runs a network operation
func (p *Provider) Execute(ctx context.Context, method string, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	if method != "fetch" {
		return nil, types.Errorf(types.CodeUnknownMethod, "unknown network method: %s", method)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return p.fetch(ctx, params, appCtx)
}

// BreakerStates reports the circuit state per upstream host
func (p *Provider) BreakerStates() map[string]string {
	states := p.breakers.States()
	out := make(map[string]string, len(states))
	for host, s := range states {
		out[host] = s.String()
	}
	return out
}

func (p *Provider) limits(appID string) *appLimits {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.apps[appID]
	if !ok {
		l = &appLimits{
			limiter: rate.NewLimiter(rate.Limit(float64(p.cfg.RequestsPerMinute)/60), p.cfg.BurstLimit),
			slots:   make(chan struct{}, p.cfg.MaxConcurrent),
		}
		p.apps[appID] = l
	}
	return l
}

// admit takes a token and a concurrency slot; release must be called on success
func (p *Provider) admit(appID string) (release func(), err error) {
	l := p.limits(appID)

	r := l.limiter.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		e := types.NewError(types.CodeRateLimited, "network request rate exceeded")
		e.RetryAfterMs = delay.Milliseconds() + 1
		return nil, e
	}

	select {
	case l.slots <- struct{}{}:
		return func() { <-l.slots }, nil
	default:
		return nil, types.Errorf(types.CodeRateLimited, "too many concurrent requests (max %d)", p.cfg.MaxConcurrent).
			WithDetail("maxConcurrent", p.cfg.MaxConcurrent)
	}
}

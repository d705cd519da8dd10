package system

import (
	"context"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/emllm/port/internal/infrastructure/logging"
	"github.com/emllm/port/internal/shared/types"
)

const (
	PermInfo           = "system.info"
	PermInfoDetailed   = "system.info.detailed"
	PermNotifications  = "system.notifications"
	PermClipboardRead  = "system.clipboard.read"
	PermClipboardWrite = "system.clipboard.write"
)

// Config holds feature flags and limits
type Config struct {
	InfoEnabled            bool
	DetailedInfoEnabled    bool
	NotificationsEnabled   bool
	ClipboardEnabled       bool
	MaxTitleLength         int
	MaxBodyLength          int
	MaxActiveNotifications int
	MaxClipboardSize       int64
}

// DefaultConfig returns the default flags and limits
func DefaultConfig() Config {
	return Config{
		InfoEnabled:            true,
		NotificationsEnabled:   true,
		MaxTitleLength:         100,
		MaxBodyLength:          500,
		MaxActiveNotifications: 10,
		MaxClipboardSize:       1 << 20,
	}
}

type feature int

const (
	featureInfo feature = iota
	featureNotifications
	featureClipboard
)

type method struct {
	perm    string
	feature feature
	run     func(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error)
}

// Provider implements the system capability handler
type Provider struct {
	cfg       Config
	auth      types.Authorizer
	platform  Platform
	logger    *logging.Logger
	startTime time.Time
	sanitizer *bluemonday.Policy

	notifications *notificationStore
	snapshots     *snapshotCache
	methods       map[string]method
}

// NewProvider creates a system provider. A nil platform keeps everything in memory.
func NewProvider(cfg Config, auth types.Authorizer, platform Platform, logger *logging.Logger) *Provider {
	def := DefaultConfig()
	if cfg.MaxTitleLength <= 0 {
		cfg.MaxTitleLength = def.MaxTitleLength
	}
	if cfg.MaxBodyLength <= 0 {
		cfg.MaxBodyLength = def.MaxBodyLength
	}
	if cfg.MaxActiveNotifications <= 0 {
		cfg.MaxActiveNotifications = def.MaxActiveNotifications
	}
	if cfg.MaxClipboardSize <= 0 {
		cfg.MaxClipboardSize = def.MaxClipboardSize
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if platform == nil {
		platform = NewMemoryPlatform()
	}

	p := &Provider{
		cfg:           cfg,
		auth:          auth,
		platform:      platform,
		logger:        logger.Named("system"),
		startTime:     time.Now(),
		sanitizer:     bluemonday.StrictPolicy(),
		notifications: newNotificationStore(),
		snapshots:     &snapshotCache{ttl: snapshotTTL},
	}
	p.methods = map[string]method{
		"getInfo":             {perm: PermInfo, feature: featureInfo, run: p.getInfo},
		"showNotification":    {perm: PermNotifications, feature: featureNotifications, run: p.showNotification},
		"listNotifications":   {perm: PermNotifications, feature: featureNotifications, run: p.listNotifications},
		"dismissNotification": {perm: PermNotifications, feature: featureNotifications, run: p.dismissNotification},
		"readClipboard":       {perm: PermClipboardRead, feature: featureClipboard, run: p.readClipboard},
		"writeClipboard":      {perm: PermClipboardWrite, feature: featureClipboard, run: p.writeClipboard},
	}
	return p
}

// Definition returns service metadata
func (p *Provider) Definition() types.Service {
	return types.Service{
		ID:          "system",
		Name:        "System Service",
		Description: "Host information, notifications and clipboard",
		Category:    types.CategorySystem,
		Tools: []types.Tool{
			{
				ID:          "getInfo",
				Name:        "System Info",
				Description: "Get runtime information; detailed host data needs system.info.detailed",
				Parameters: []types.Parameter{
					{Name: "detailed", Type: "boolean", Description: "Include host, memory, cpu and load data"},
				},
				Returns:    "object",
				Permission: PermInfo,
			},
			{
				ID:          "showNotification",
				Name:        "Show Notification",
				Description: "Show a notification to the user",
				Parameters: []types.Parameter{
					{Name: "title", Type: "string", Description: "Notification title", Required: true},
					{Name: "body", Type: "string", Description: "Notification body"},
					{Name: "tag", Type: "string", Description: "Replaces an active notification with the same tag"},
				},
				Returns:    "object",
				Permission: PermNotifications,
			},
			{
				ID:          "listNotifications",
				Name:        "List Notifications",
				Description: "List this app's active notifications",
				Parameters:  []types.Parameter{},
				Returns:     "array",
				Permission:  PermNotifications,
			},
			{
				ID:          "dismissNotification",
				Name:        "Dismiss Notification",
				Description: "Dismiss one of this app's notifications",
				Parameters: []types.Parameter{
					{Name: "id", Type: "string", Description: "Notification id", Required: true},
				},
				Returns:    "object",
				Permission: PermNotifications,
			},
			{
				ID:          "readClipboard",
				Name:        "Read Clipboard",
				Description: "Read clipboard text",
				Parameters:  []types.Parameter{},
				Returns:     "object",
				Permission:  PermClipboardRead,
			},
			{
				ID:          "writeClipboard",
				Name:        "Write Clipboard",
				Description: "Replace clipboard text",
				Parameters: []types.Parameter{
					{Name: "text", Type: "string", Description: "Text to copy", Required: true},
				},
				Returns:    "object",
				Permission: PermClipboardWrite,
			},
		},
	}
}

// Execute runs a system operation
func (p *Provider) Execute(ctx context.Context, name string, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	m, ok := p.methods[name]
	if !ok {
		return nil, types.Errorf(types.CodeUnknownMethod, "unknown system method: %s", name)
	}
	if !p.enabled(m.feature) {
		return nil, types.Errorf(types.CodeFeatureDisabled, "system.%s is disabled", name)
	}
	if err := types.Require(p.auth, appCtx, m.perm, ""); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return m.run(ctx, params, appCtx)
}

func (p *Provider) enabled(f feature) bool {
	switch f {
	case featureInfo:
		return p.cfg.InfoEnabled
	case featureNotifications:
		return p.cfg.NotificationsEnabled
	case featureClipboard:
		return p.cfg.ClipboardEnabled
	default:
		return false
	}
}

// sanitize strips markup and surrounding whitespace
func (p *Provider) sanitize(s string) string {
	return strings.TrimSpace(html.UnescapeString(p.sanitizer.Sanitize(s)))
}

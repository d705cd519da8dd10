package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/emllm/port/internal/infrastructure/logging"
	"github.com/emllm/port/internal/shared/paths"
	"github.com/emllm/port/internal/shared/types"
)

const (
	PermRead  = "storage.read"
	PermWrite = "storage.write"
)

// Config holds storage limits
type Config struct {
	MaxQuota     int64
	MaxKeyLength int
	MaxValueSize int64
}

// DefaultConfig returns the default limits
func DefaultConfig() Config {
	return Config{
		MaxQuota:     100 << 20,
		MaxKeyLength: 256,
		MaxValueSize: 10 << 20,
	}
}

// Provider is a per-app key/value store with byte quotas
type Provider struct {
	layout paths.Layout
	cfg    Config
	auth   types.Authorizer
	logger *logging.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu   sync.Mutex
	apps map[string]*appStore
}

// NewProvider creates a storage provider rooted at the layout's storage dir
func NewProvider(layout paths.Layout, cfg Config, auth types.Authorizer, logger *logging.Logger) (*Provider, error) {
	def := DefaultConfig()
	if cfg.MaxQuota <= 0 {
		cfg.MaxQuota = def.MaxQuota
	}
	if cfg.MaxKeyLength <= 0 {
		cfg.MaxKeyLength = def.MaxKeyLength
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	// Decoded imports can never legitimately exceed one quota plus JSON overhead
	maxDecoded := max(uint64(cfg.MaxQuota)*2, 1<<20)
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecoded))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Provider{
		layout:  layout,
		cfg:     cfg,
		auth:    auth,
		logger:  logger.Named("storage"),
		encoder: enc,
		decoder: dec,
		apps:    make(map[string]*appStore),
	}, nil
}

// Definition returns service metadata
func (p *Provider) Definition() types.Service {
	key := types.Parameter{Name: "key", Type: "string", Description: "Storage key", Required: true}
	return types.Service{
		ID:          "storage",
		Name:        "Storage Service",
		Description: "Per-app key/value storage with a byte quota",
		Category:    types.CategoryStorage,
		Tools: []types.Tool{
			{
				ID:          "getItem",
				Name:        "Get Item",
				Description: "Retrieve a value by key",
				Parameters:  []types.Parameter{key},
				Returns:     "object",
				Permission:  PermRead,
			},
			{
				ID:          "setItem",
				Name:        "Set Item",
				Description: "Store a JSON value by key",
				Parameters: []types.Parameter{
					key,
					{Name: "value", Type: "any", Description: "JSON value to store", Required: true},
				},
				Returns:    "object",
				Permission: PermWrite,
			},
			{
				ID:          "removeItem",
				Name:        "Remove Item",
				Description: "Delete a value by key",
				Parameters:  []types.Parameter{key},
				Returns:     "object",
				Permission:  PermWrite,
			},
			{
				ID:          "clear",
				Name:        "Clear",
				Description: "Remove every item for this app",
				Parameters:  []types.Parameter{},
				Returns:     "object",
				Permission:  PermWrite,
			},
			{
				ID:          "keys",
				Name:        "List Keys",
				Description: "List all keys for this app",
				Parameters:  []types.Parameter{},
				Returns:     "array",
				Permission:  PermRead,
			},
			{
				ID:          "search",
				Name:        "Search",
				Description: "Find items by key glob or value substring",
				Parameters: []types.Parameter{
					{Name: "pattern", Type: "string", Description: "Glob matched against keys"},
					{Name: "query", Type: "string", Description: "Case-insensitive substring matched against values"},
					{Name: "limit", Type: "number", Description: "Maximum results (default 100)"},
				},
				Returns:    "array",
				Permission: PermRead,
			},
			{
				ID:          "export",
				Name:        "Export",
				Description: "Export all items, optionally zstd-compressed",
				Parameters: []types.Parameter{
					{Name: "compress", Type: "boolean", Description: "Compress with zstd (default true)"},
				},
				Returns:    "object",
				Permission: PermRead,
			},
			{
				ID:          "import",
				Name:        "Import",
				Description: "Import items from an export",
				Parameters: []types.Parameter{
					{Name: "data", Type: "string", Description: "Export payload", Required: true},
					{Name: "format", Type: "string", Description: "json or zstd+base64 (default detected)"},
					{Name: "mode", Type: "string", Description: "merge (default) or replace"},
				},
				Returns:    "object",
				Permission: PermWrite,
			},
			{
				ID:          "getStats",
				Name:        "Get Stats",
				Description: "Usage statistics and size distribution",
				Parameters:  []types.Parameter{},
				Returns:     "object",
				Permission:  PermRead,
			},
		},
	}
}

// Execute runs a storage operation
func (p *Provider) Execute(ctx context.Context, method string, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	perm, ok := methodPermissions[method]
	if !ok {
		return nil, types.Errorf(types.CodeUnknownMethod, "unknown storage method: %s", method)
	}
	if err := types.Require(p.auth, appCtx, perm, ""); err != nil {
		return nil, err
	}

	st, err := p.app(appCtx.AppID)
	if err != nil {
		return nil, err
	}

	switch method {
	case "getItem":
		return p.getItem(st, params)
	case "setItem":
		return p.setItem(st, params)
	case "removeItem":
		return p.removeItem(st, params)
	case "clear":
		return p.clear(st)
	case "keys":
		return p.keys(st)
	case "search":
		return p.search(st, params)
	case "export":
		return p.export(st, params)
	case "import":
		return p.importItems(st, params)
	default:
		return p.stats(st)
	}
}

var methodPermissions = map[string]string{
	"getItem":    PermRead,
	"setItem":    PermWrite,
	"removeItem": PermWrite,
	"clear":      PermWrite,
	"keys":       PermRead,
	"search":     PermRead,
	"export":     PermRead,
	"import":     PermWrite,
	"getStats":   PermRead,
}

// BytesUsed returns the recorded usage for an app
func (p *Provider) BytesUsed(appID string) (int64, error) {
	st, err := p.app(appID)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.bytesUsed, nil
}

// app returns the loaded state record for appID
func (p *Provider) app(appID string) (*appStore, error) {
	if err := paths.ValidateAppID(appID); err != nil {
		return nil, types.NewError(types.CodeValidation, err.Error())
	}

	p.mu.Lock()
	st, ok := p.apps[appID]
	if !ok {
		st = newAppStore(appID, p.layout.Storage(appID))
		p.apps[appID] = st
	}
	p.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.loaded {
		if err := st.load(p.logger); err != nil {
			return nil, types.Errorf(types.CodeInternal, "load storage for %s: %v", appID, err)
		}
	}
	return st, nil
}

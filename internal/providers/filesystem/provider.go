package filesystem

import (
	"context"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/emllm/port/internal/infrastructure/logging"
	"github.com/emllm/port/internal/shared/paths"
	"github.com/emllm/port/internal/shared/types"
)

const (
	PermRead  = "filesystem.read"
	PermWrite = "filesystem.write"
)

// Config holds filesystem limits
type Config struct {
	MaxFileSize       int64
	AllowedPaths      []string // doublestar patterns for absolute host paths
	BlockedExtensions []string
}

// DefaultConfig returns the default limits
func DefaultConfig() Config {
	return Config{
		MaxFileSize:       10 << 20,
		BlockedExtensions: []string{".exe", ".dll", ".so", ".dylib", ".sh", ".bat", ".cmd", ".ps1"},
	}
}

// FilesystemOps holds what every operation group shares
type FilesystemOps struct {
	layout  paths.Layout
	cfg     Config
	allowed []string
	blocked map[string]bool
	auth    types.Authorizer
	logger  *logging.Logger
}

type operation func(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error)

// Provider is the filesystem capability handler
type Provider struct {
	*FilesystemOps
	basic      *BasicOps
	directory  *DirectoryOps
	operations *OperationsOps
	metadata   *MetadataOps
	methods    map[string]operation
}

// NewProvider creates a filesystem provider
func NewProvider(layout paths.Layout, cfg Config, auth types.Authorizer, logger *logging.Logger) *Provider {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultConfig().MaxFileSize
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("filesystem")

	ops := &FilesystemOps{
		layout:  layout,
		cfg:     cfg,
		blocked: make(map[string]bool, len(cfg.BlockedExtensions)),
		auth:    auth,
		logger:  logger,
	}
	for _, ext := range cfg.BlockedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		ops.blocked[ext] = true
	}
	for _, pattern := range cfg.AllowedPaths {
		if !doublestar.ValidatePattern(pattern) {
			logger.Warn("Ignoring invalid allowed path pattern", zap.String("pattern", pattern))
			continue
		}
		ops.allowed = append(ops.allowed, pattern)
	}

	p := &Provider{
		FilesystemOps: ops,
		basic:         &BasicOps{FilesystemOps: ops},
		directory:     &DirectoryOps{FilesystemOps: ops},
		operations:    &OperationsOps{FilesystemOps: ops},
		metadata:      &MetadataOps{FilesystemOps: ops},
	}
	p.methods = map[string]operation{
		"readFile":   p.basic.ReadFile,
		"writeFile":  p.basic.WriteFile,
		"appendFile": p.basic.AppendFile,
		"deleteFile": p.basic.DeleteFile,
		"exists":     p.basic.Exists,
		"mkdir":      p.basic.Mkdir,
		"listFiles":  p.directory.ListFiles,
		"copyFile":   p.operations.CopyFile,
		"moveFile":   p.operations.MoveFile,
		"stat":       p.metadata.Stat,
	}
	return p
}

// Definition returns service metadata
func (p *Provider) Definition() types.Service {
	tools := make([]types.Tool, 0, len(p.methods))
	tools = append(tools, p.basic.GetTools()...)
	tools = append(tools, p.directory.GetTools()...)
	tools = append(tools, p.operations.GetTools()...)
	tools = append(tools, p.metadata.GetTools()...)

	return types.Service{
		ID:          "filesystem",
		Name:        "Filesystem Service",
		Description: "File and directory operations confined to the app's sandbox",
		Category:    types.CategoryFilesystem,
		Tools:       tools,
	}
}

// Execute runs a filesystem operation. Each operation checks its own permissions
// because the resource is the path it touches.
func (p *Provider) Execute(ctx context.Context, method string, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	op, ok := p.methods[method]
	if !ok {
		return nil, types.Errorf(types.CodeUnknownMethod, "unknown filesystem method: %s", method)
	}
	if appCtx == nil || appCtx.AppID == "" {
		return nil, types.NewError(types.CodeUnauthenticated, "app context required")
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return op(ctx, params, appCtx)
}

package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	DataDir     string `envconfig:"DATA_DIR" default:"./data"`
	Server      ServerConfig
	Logging     LogConfig
	RateLimit   RateLimitConfig
	Bridge      BridgeConfig
	Permissions PermissionConfig
	Storage     StorageConfig
	Filesystem  FilesystemConfig
	System      SystemConfig
	Network     NetworkConfig
	Sandbox     SandboxConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        string   `envconfig:"PORT" default:"8000"`
	Host        string   `envconfig:"HOST" default:"127.0.0.1"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000,http://localhost:5173"`

	MaxBodyBytes    int64         `envconfig:"HTTP_MAX_BODY_BYTES" default:"33554432"`
	EventHeartbeat  time.Duration `envconfig:"HTTP_EVENT_HEARTBEAT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds per-IP rate limiting for the REST fallback.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// BridgeConfig holds bridge session and client limits.
type BridgeConfig struct {
	WindowRequests int           `envconfig:"BRIDGE_WINDOW_REQUESTS" default:"600"`
	Window         time.Duration `envconfig:"BRIDGE_WINDOW" default:"1m"`
	BurstPerSecond int           `envconfig:"BRIDGE_BURST_PER_SECOND" default:"20"`
	IdleAfter      time.Duration `envconfig:"BRIDGE_IDLE_AFTER" default:"30s"`
	IdleTimeout    time.Duration `envconfig:"BRIDGE_IDLE_TIMEOUT" default:"5m"`
	RequireToken   bool          `envconfig:"BRIDGE_REQUIRE_TOKEN" default:"false"`
	TokenSecret    string        `envconfig:"BRIDGE_TOKEN_SECRET"`
}

// PermissionConfig holds permission manager settings.
type PermissionConfig struct {
	RequestTimeout     time.Duration `envconfig:"PERMISSIONS_REQUEST_TIMEOUT" default:"60s"`
	AutoGrantDuration  time.Duration `envconfig:"PERMISSIONS_AUTO_GRANT_DURATION" default:"5m"`
	MaxPendingRequests int           `envconfig:"PERMISSIONS_MAX_PENDING" default:"50"`
	CleanupInterval    time.Duration `envconfig:"PERMISSIONS_CLEANUP_INTERVAL" default:"30s"`
	HistoryLimit       int           `envconfig:"PERMISSIONS_HISTORY_LIMIT" default:"100"`
	Catalog            string        `envconfig:"PERMISSIONS_CATALOG"`
	AuditMaxBytes      int64         `envconfig:"PERMISSIONS_AUDIT_MAX_BYTES" default:"10485760"`
	AuditMaxBackups    int           `envconfig:"PERMISSIONS_AUDIT_MAX_BACKUPS" default:"5"`
}

// StorageConfig holds storage handler limits.
type StorageConfig struct {
	MaxQuota     int64 `envconfig:"STORAGE_MAX_QUOTA" default:"104857600"`
	MaxKeyLength int   `envconfig:"STORAGE_MAX_KEY_LENGTH" default:"256"`
	MaxValueSize int64 `envconfig:"STORAGE_MAX_VALUE_SIZE" default:"10485760"`
}

// FilesystemConfig holds filesystem handler limits.
type FilesystemConfig struct {
	MaxFileSize       int64    `envconfig:"FS_MAX_FILE_SIZE" default:"10485760"`
	AllowedPaths      []string `envconfig:"FS_ALLOWED_PATHS"`
	BlockedExtensions []string `envconfig:"FS_BLOCKED_EXTENSIONS" default:".exe,.dll,.so,.dylib,.sh,.bat,.cmd,.ps1"`
}

// SystemConfig holds system handler feature flags and limits.
type SystemConfig struct {
	InfoEnabled            bool  `envconfig:"SYSTEM_INFO_ENABLED" default:"true"`
	DetailedInfoEnabled    bool  `envconfig:"SYSTEM_DETAILED_INFO_ENABLED" default:"false"`
	NotificationsEnabled   bool  `envconfig:"SYSTEM_NOTIFICATIONS_ENABLED" default:"true"`
	ClipboardEnabled       bool  `envconfig:"SYSTEM_CLIPBOARD_ENABLED" default:"false"`
	MaxTitleLength         int   `envconfig:"SYSTEM_MAX_TITLE_LENGTH" default:"100"`
	MaxBodyLength          int   `envconfig:"SYSTEM_MAX_BODY_LENGTH" default:"500"`
	MaxActiveNotifications int   `envconfig:"SYSTEM_MAX_ACTIVE_NOTIFICATIONS" default:"10"`
	MaxClipboardSize       int64 `envconfig:"SYSTEM_MAX_CLIPBOARD_SIZE" default:"1048576"`
}

// NetworkConfig holds network handler policy and limits.
type NetworkConfig struct {
	AllowedDomains    []string      `envconfig:"NETWORK_ALLOWED_DOMAINS"`
	BlockedDomains    []string      `envconfig:"NETWORK_BLOCKED_DOMAINS"`
	BlockLoopback     bool          `envconfig:"NETWORK_BLOCK_LOOPBACK" default:"true"`
	MaxConcurrent     int           `envconfig:"NETWORK_MAX_CONCURRENT" default:"5"`
	RequestsPerMinute int           `envconfig:"NETWORK_REQUESTS_PER_MINUTE" default:"60"`
	BurstLimit        int           `envconfig:"NETWORK_BURST_LIMIT" default:"10"`
	MaxRequestSize    int64         `envconfig:"NETWORK_MAX_REQUEST_SIZE" default:"1048576"`
	MaxResponseSize   int64         `envconfig:"NETWORK_MAX_RESPONSE_SIZE" default:"10485760"`
	Timeout           time.Duration `envconfig:"NETWORK_TIMEOUT" default:"30s"`
}

// SandboxConfig holds sandbox container settings.
type SandboxConfig struct {
	MaxMemoryBytes  uint64        `envconfig:"SANDBOX_MAX_MEMORY_BYTES" default:"536870912"`
	IdleThreshold   time.Duration `envconfig:"SANDBOX_IDLE_THRESHOLD" default:"10m"`
	MonitorInterval time.Duration `envconfig:"SANDBOX_MONITOR_INTERVAL" default:"5s"`
	ScriptTimeout   time.Duration `envconfig:"SANDBOX_SCRIPT_TIMEOUT" default:"5s"`
	TokenTTL        time.Duration `envconfig:"SANDBOX_TOKEN_TTL" default:"24h"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Server: ServerConfig{
			Port:        "8000",
			Host:        "127.0.0.1",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},

			MaxBodyBytes:    32 << 20,
			EventHeartbeat:  15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Bridge: BridgeConfig{
			WindowRequests: 600,
			Window:         time.Minute,
			BurstPerSecond: 20,
			IdleAfter:      30 * time.Second,
			IdleTimeout:    5 * time.Minute,
		},
		Permissions: PermissionConfig{
			RequestTimeout:     60 * time.Second,
			AutoGrantDuration:  5 * time.Minute,
			MaxPendingRequests: 50,
			CleanupInterval:    30 * time.Second,
			HistoryLimit:       100,
			AuditMaxBytes:      10 << 20,
			AuditMaxBackups:    5,
		},
		Storage: StorageConfig{
			MaxQuota:     100 << 20,
			MaxKeyLength: 256,
			MaxValueSize: 10 << 20,
		},
		Filesystem: FilesystemConfig{
			MaxFileSize:       10 << 20,
			BlockedExtensions: []string{".exe", ".dll", ".so", ".dylib", ".sh", ".bat", ".cmd", ".ps1"},
		},
		System: SystemConfig{
			InfoEnabled:            true,
			NotificationsEnabled:   true,
			MaxTitleLength:         100,
			MaxBodyLength:          500,
			MaxActiveNotifications: 10,
			MaxClipboardSize:       1 << 20,
		},
		Network: NetworkConfig{
			BlockLoopback:     true,
			MaxConcurrent:     5,
			RequestsPerMinute: 60,
			BurstLimit:        10,
			MaxRequestSize:    1 << 20,
			MaxResponseSize:   10 << 20,
			Timeout:           30 * time.Second,
		},
		Sandbox: SandboxConfig{
			MaxMemoryBytes:  512 << 20,
			IdleThreshold:   10 * time.Minute,
			MonitorInterval: 5 * time.Second,
			ScriptTimeout:   5 * time.Second,
			TokenTTL:        24 * time.Hour,
		},
	}
}

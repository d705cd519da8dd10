package paths

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Subdirectories of the data root
const (
	AppsDir        = "apps"
	StorageDir     = "storage"
	PermissionsDir = "permissions"
	AuditDir       = "audit"
)

// App subdirectories
const (
	FilesDir  = "files"
	BundleDir = "app"
)

var appIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// Layout resolves paths relative to a data root
type Layout struct {
	Root string
}

// New creates a layout for root
func New(root string) Layout {
	return Layout{Root: filepath.Clean(root)}
}

// AppRoot returns the app's top-level directory
func (l Layout) AppRoot(appID string) string {
	return filepath.Join(l.Root, AppsDir, appID)
}

// AppFiles returns the filesystem sandbox root for an app
func (l Layout) AppFiles(appID string) string {
	return filepath.Join(l.AppRoot(appID), FilesDir)
}

// AppBundle returns the sandbox container's private file area for an app
func (l Layout) AppBundle(appID string) string {
	return filepath.Join(l.AppRoot(appID), BundleDir)
}

// Storage returns the storage directory for an app
func (l Layout) Storage(appID string) string {
	return filepath.Join(l.Root, StorageDir, appID)
}

// PermissionFile returns the grant file for an app
func (l Layout) PermissionFile(appID string) string {
	return filepath.Join(l.Root, PermissionsDir, appID+".json")
}

// Permissions returns the grant file directory
func (l Layout) Permissions() string {
	return filepath.Join(l.Root, PermissionsDir)
}

// Audit returns the audit log directory
func (l Layout) Audit() string {
	return filepath.Join(l.Root, AuditDir)
}

// ValidateAppID checks if an app ID is safe to use as a path component
func ValidateAppID(appID string) error {
	if appID == "" {
		return fmt.Errorf("app ID cannot be empty")
	}
	if !appIDPattern.MatchString(appID) || strings.Contains(appID, "..") {
		return fmt.Errorf("app ID %q contains invalid characters", appID)
	}
	return nil
}

// HasTraversal reports whether a slash- or backslash-separated path contains a ".." segment
func HasTraversal(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// Within reports whether target is root or lies inside root. Both must be absolute and clean.
func Within(root, target string) bool {
	if root == target {
		return true
	}
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

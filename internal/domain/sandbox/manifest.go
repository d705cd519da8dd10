package sandbox

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/emllm/port/internal/shared/paths"
	"github.com/emllm/port/internal/shared/types"
)

// Display modes accepted in a manifest
const (
	DisplayFullscreen = "fullscreen"
	DisplayStandalone = "standalone"
	DisplayMinimalUI  = "minimal-ui"
	DisplayBrowser    = "browser"
)

var (
	hexColor   = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{4}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)
	slugStrip  = regexp.MustCompile(`[^a-z0-9._-]+`)
	validModes = map[string]bool{
		DisplayFullscreen: true,
		DisplayStandalone: true,
		DisplayMinimalUI:  true,
		DisplayBrowser:    true,
	}
)

// Icon is a manifest icon entry
type Icon struct {
	Src   string `json:"src"`
	Sizes string `json:"sizes,omitempty"`
	Type  string `json:"type,omitempty"`
}

// Manifest describes an app handed to the container
type Manifest struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	StartURL    string   `json:"start_url"`
	Icons       []Icon   `json:"icons,omitempty"`
	Display     string   `json:"display,omitempty"`
	ThemeColor  string   `json:"theme_color,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Origins     []string `json:"origins,omitempty"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	// Sandbox switches handler groups off for the instance
	Sandbox *Switches `json:"sandbox,omitempty"`
	// Policy names a registered resource policy applied at load
	Policy string `json:"policy,omitempty"`
}

// Declares reports whether the manifest's permission list admits permission
func (m *Manifest) Declares(permission string) bool {
	return declares(m.Permissions, permission)
}

// ParseManifest decodes a JSON manifest. It does not validate it.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, types.Errorf(types.CodeValidation, "invalid manifest: %v", err)
	}
	return &m, nil
}

// AppID returns the manifest id, or a slug of the name when no id is set
func (m *Manifest) AppID() string {
	if m.ID != "" {
		return m.ID
	}
	slug := slugStrip.ReplaceAllString(strings.ToLower(strings.TrimSpace(m.Name)), "-")
	return strings.Trim(slug, "-.")
}

// Origin is the synthetic origin the app is served from
func (m *Manifest) Origin() string {
	return "app://" + m.AppID()
}

// EntryPath returns the bundle-relative path named by start_url
func (m *Manifest) EntryPath() string {
	u, err := url.Parse(m.StartURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}

// Validate checks the manifest. known reports whether a permission name exists;
// nil skips the permission check.
func (m *Manifest) Validate(known func(string) bool) error {
	if strings.TrimSpace(m.Name) == "" {
		return invalid("name", "name is required")
	}
	if err := paths.ValidateAppID(m.AppID()); err != nil {
		return invalid("id", err.Error())
	}
	if strings.TrimSpace(m.StartURL) == "" {
		return invalid("start_url", "start_url is required")
	}

	u, err := url.Parse(m.StartURL)
	if err != nil {
		return invalid("start_url", "start_url is not a valid URL")
	}
	if u.IsAbs() || u.Host != "" {
		if u.Scheme+"://"+u.Host != m.Origin() {
			return invalid("start_url", "start_url must be relative or on origin "+m.Origin())
		}
	}
	if paths.HasTraversal(u.Path) {
		return invalid("start_url", "start_url must not contain '..'")
	}

	if m.Display != "" && !validModes[m.Display] {
		return invalid("display", "display must be one of fullscreen, standalone, minimal-ui, browser")
	}
	if m.ThemeColor != "" && !hexColor.MatchString(m.ThemeColor) {
		return invalid("theme_color", "theme_color must be a hex colour")
	}
	for _, icon := range m.Icons {
		if icon.Src == "" || paths.HasTraversal(icon.Src) {
			return invalid("icons", "icon src must be a non-empty path without '..'")
		}
	}
	for _, origin := range m.Origins {
		if _, err := originHost(origin); err != nil {
			return invalid("origins", err.Error())
		}
	}
	if known != nil {
		for _, perm := range m.Permissions {
			if !known(perm) {
				return types.Errorf(types.CodeUnknownPermission, "unknown permission: %s", perm).
					WithDetail("permission", perm)
			}
		}
	}
	return nil
}

func invalid(field, message string) *types.Error {
	return types.NewError(types.CodeValidation, "invalid manifest: "+message).WithDetail("field", field)
}

// originHost parses an http(s) origin and returns its host
func originHost(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return "", types.Errorf(types.CodeValidation, "invalid origin %q", origin)
	}
	if u.Path != "" && u.Path != "/" {
		return "", types.Errorf(types.CodeValidation, "origin %q must not have a path", origin)
	}
	return strings.ToLower(u.Hostname()), nil
}

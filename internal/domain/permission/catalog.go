package permission

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// RiskLevel grades how sensitive a capability is
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether r is a known risk level
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// Template is a catalogue entry describing one capability
type Template struct {
	Name          string    `json:"name" yaml:"name" toml:"name"`
	RiskLevel     RiskLevel `json:"riskLevel" yaml:"riskLevel" toml:"riskLevel"`
	Category      string    `json:"category" yaml:"category" toml:"category"`
	AutoGrantable bool      `json:"autoGrantable" yaml:"autoGrantable" toml:"autoGrantable"`
	Description   string    `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
}

// SilentlyGrantable reports whether the template may be granted with no consent at all
func (t Template) SilentlyGrantable() bool {
	return t.AutoGrantable && t.RiskLevel == RiskLow
}

// Catalog is the static set of known capabilities
type Catalog struct {
	templates map[string]Template
}

var defaultTemplates = []Template{
	{Name: "storage.read", RiskLevel: RiskLow, Category: "storage", AutoGrantable: true, Description: "Read the app's key/value storage"},
	{Name: "storage.write", RiskLevel: RiskLow, Category: "storage", AutoGrantable: true, Description: "Write the app's key/value storage"},
	{Name: "filesystem.read", RiskLevel: RiskMedium, Category: "filesystem", Description: "Read files in the app sandbox"},
	{Name: "filesystem.write", RiskLevel: RiskHigh, Category: "filesystem", Description: "Create, modify and delete files in the app sandbox"},
	{Name: "system.info", RiskLevel: RiskLow, Category: "system", AutoGrantable: true, Description: "Basic platform information"},
	{Name: "system.info.detailed", RiskLevel: RiskMedium, Category: "system", AutoGrantable: true, Description: "Detailed host, memory and CPU information"},
	{Name: "system.notifications", RiskLevel: RiskMedium, Category: "system", AutoGrantable: true, Description: "Show notifications"},
	{Name: "system.clipboard.read", RiskLevel: RiskHigh, Category: "system", Description: "Read the clipboard"},
	{Name: "system.clipboard.write", RiskLevel: RiskMedium, Category: "system", AutoGrantable: true, Description: "Write the clipboard"},
	{Name: "network.fetch", RiskLevel: RiskMedium, Category: "network", AutoGrantable: true, Description: "Make HTTP requests to allowed domains"},
	{Name: "sandbox.unsafe-inline", RiskLevel: RiskHigh, Category: "sandbox", Description: "Allow inline scripts"},
	{Name: "sandbox.unsafe-eval", RiskLevel: RiskHigh, Category: "sandbox", Description: "Allow dynamic code evaluation"},
}

// DefaultCatalog returns the built-in capability catalogue
func DefaultCatalog() *Catalog {
	c := &Catalog{templates: make(map[string]Template, len(defaultTemplates))}
	for _, t := range defaultTemplates {
		c.templates[t.Name] = t
	}
	return c
}

type catalogFile struct {
	Permissions []Template `yaml:"permissions" toml:"permissions"`
}

// LoadCatalog reads an override file and merges it over the defaults. Files
// ending in .toml are parsed as TOML, anything else as YAML. An empty path
// returns the defaults.
func LoadCatalog(path string) (*Catalog, error) {
	c := DefaultCatalog()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var file catalogFile
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &file)
	} else {
		err = yaml.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	for _, t := range file.Permissions {
		if err := c.Add(t); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add registers or replaces a template
func (c *Catalog) Add(t Template) error {
	if t.Name == "" || strings.HasSuffix(t.Name, ".*") {
		return fmt.Errorf("invalid permission name %q", t.Name)
	}
	if !t.RiskLevel.Valid() {
		return fmt.Errorf("permission %s: invalid risk level %q", t.Name, t.RiskLevel)
	}
	if t.Category == "" {
		t.Category = CategoryOf(t.Name)
	}
	c.templates[t.Name] = t
	return nil
}

// Lookup returns the template for a permission name
func (c *Catalog) Lookup(name string) (Template, bool) {
	t, ok := c.templates[name]
	return t, ok
}

// CategoryFor returns the template's category, or the name prefix for
// permissions outside the catalogue
func (c *Catalog) CategoryFor(name string) string {
	if t, ok := c.templates[name]; ok {
		return t.Category
	}
	return CategoryOf(name)
}

// HasCategory reports whether any template belongs to category
func (c *Catalog) HasCategory(category string) bool {
	for _, t := range c.templates {
		if t.Category == category {
			return true
		}
	}
	return false
}

// Known reports whether name is a catalogue entry or a wildcard over a known category
func (c *Catalog) Known(name string) bool {
	if _, ok := c.templates[name]; ok {
		return true
	}
	if cat, ok := strings.CutSuffix(name, ".*"); ok {
		return c.HasCategory(cat)
	}
	return false
}

// List returns all templates sorted by name
func (c *Catalog) List() []Template {
	out := make([]Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// YAML renders the catalogue in the override file format
func (c *Catalog) YAML() ([]byte, error) {
	return yaml.Marshal(catalogFile{Permissions: c.List()})
}

// TOML renders the catalogue as a TOML override file
func (c *Catalog) TOML() ([]byte, error) {
	return toml.Marshal(catalogFile{Permissions: c.List()})
}

// CategoryOf returns the category prefix of a permission name
func CategoryOf(permission string) string {
	if i := strings.IndexByte(permission, '.'); i > 0 {
		return permission[:i]
	}
	return permission
}

// Key builds the grant key for a permission and optional resource
func Key(permission, resource string) string {
	if resource == "" {
		return permission
	}
	return permission + ":" + resource
}

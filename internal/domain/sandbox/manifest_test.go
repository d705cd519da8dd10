package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emllm/port/internal/shared/types"
)

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`{
		"name": "Notes",
		"start_url": "/index.html",
		"display": "standalone",
		"theme_color": "#336699",
		"permissions": ["storage.read", "storage.write"],
		"icons": [{"src": "icons/192.png", "sizes": "192x192"}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "notes", m.AppID())
	assert.Equal(t, "app://notes", m.Origin())
	assert.Equal(t, "index.html", m.EntryPath())
	assert.Len(t, m.Icons, 1)
	require.NoError(t, m.Validate(nil))

	_, err = ParseManifest([]byte(`{"name":`))
	assert.True(t, types.IsCode(err, types.CodeValidation))
}

func TestManifestAppID(t *testing.T) {
	assert.Equal(t, "my-cool-app", (&Manifest{Name: "My Cool App!"}).AppID())
	assert.Equal(t, "explicit", (&Manifest{ID: "explicit", Name: "Whatever"}).AppID())
}

func TestManifestValidation(t *testing.T) {
	known := func(p string) bool { return p == "storage.read" }
	valid := func() *Manifest {
		return &Manifest{Name: "Notes", StartURL: "main.js", Permissions: []string{"storage.read"}}
	}

	tests := []struct {
		name   string
		mutate func(m *Manifest)
		code   types.ErrorCode
		field  string
	}{
		{"missing name", func(m *Manifest) { m.Name = " " }, types.CodeValidation, "name"},
		{"missing start_url", func(m *Manifest) { m.StartURL = "" }, types.CodeValidation, "start_url"},
		{"unparseable start_url", func(m *Manifest) { m.StartURL = "http://[::1" }, types.CodeValidation, "start_url"},
		{"foreign origin", func(m *Manifest) { m.StartURL = "https://evil.example/main.js" }, types.CodeValidation, "start_url"},
		{"traversal", func(m *Manifest) { m.StartURL = "../main.js" }, types.CodeValidation, "start_url"},
		{"bad display", func(m *Manifest) { m.Display = "kiosk" }, types.CodeValidation, "display"},
		{"bad colour", func(m *Manifest) { m.ThemeColor = "blue" }, types.CodeValidation, "theme_color"},
		{"short colour missing hash", func(m *Manifest) { m.ThemeColor = "fff" }, types.CodeValidation, "theme_color"},
		{"bad icon", func(m *Manifest) { m.Icons = []Icon{{Src: "../x.png"}} }, types.CodeValidation, "icons"},
		{"bad origin", func(m *Manifest) { m.Origins = []string{"ftp://files.example"} }, types.CodeValidation, "origins"},
		{"bad id", func(m *Manifest) { m.ID = "../../etc" }, types.CodeValidation, "id"},
		{"unknown permission", func(m *Manifest) { m.Permissions = []string{"camera"} }, types.CodeUnknownPermission, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(m)
			err := m.Validate(known)
			require.Error(t, err)
			e := types.AsError(err)
			assert.Equal(t, tt.code, e.Code)
			if tt.field != "" {
				assert.Equal(t, tt.field, e.Details["field"])
			}
		})
	}

	t.Run("accepted variants", func(t *testing.T) {
		for _, m := range []*Manifest{
			valid(),
			{Name: "Notes", StartURL: "/"},
			{Name: "Notes", StartURL: "app://notes/main.js", Display: DisplayFullscreen},
			{Name: "Notes", StartURL: "index.html?mode=edit", ThemeColor: "#FFF"},
			{Name: "Notes", StartURL: "main.js", ThemeColor: "#11223344", Origins: []string{"https://api.example.com"}},
		} {
			assert.NoError(t, m.Validate(known), "%+v", m)
		}
	})
}

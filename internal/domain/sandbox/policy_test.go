package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// fakeGrants answers like the permission manager: permission:resource, then
// the bare permission
type fakeGrants map[string]bool

func (g fakeGrants) HasPermission(appID, permission, resource string) bool {
	if resource != "" && g[permission+":"+resource] {
		return true
	}
	return g[permission]
}

func TestStrictPolicyByDefault(t *testing.T) {
	m := &Manifest{Name: "Notes", StartURL: "main.js", Origins: []string{"https://api.example.com"}}
	p := BuildPolicy(m, fakeGrants{})

	assert.Empty(t, p.AllowedOrigins)
	assert.False(t, p.Relaxed())
	assert.Equal(t,
		"default-src 'self'; script-src 'self'; connect-src 'self' data:; img-src 'self' data:; object-src 'none'; frame-ancestors 'none'",
		p.CSP())
}

func TestOriginsRequireFetchGrant(t *testing.T) {
	m := &Manifest{Name: "Notes", StartURL: "main.js", Origins: []string{
		"https://api.example.com",
		"https://API.example.com/",
		"https://cdn.example.org",
	}}

	p := BuildPolicy(m, fakeGrants{"network.fetch:api.example.com": true})
	assert.Equal(t, []string{"https://api.example.com"}, p.AllowedOrigins)
	assert.Contains(t, p.CSP(), "connect-src 'self' data: https://api.example.com;")

	p = BuildPolicy(m, fakeGrants{"network.fetch": true})
	assert.Equal(t, []string{"https://api.example.com", "https://cdn.example.org"}, p.AllowedOrigins)
}

func TestUnsafeDirectivesNeedExplicitGrants(t *testing.T) {
	m := &Manifest{Name: "Notes", StartURL: "main.js"}

	p := BuildPolicy(m, fakeGrants{PermissionUnsafeEval: true})
	assert.True(t, p.UnsafeEval)
	assert.False(t, p.UnsafeInline)
	assert.True(t, p.Relaxed())
	assert.Contains(t, p.CSP(), "script-src 'self' 'unsafe-eval';")

	p = BuildPolicy(m, fakeGrants{PermissionUnsafeInline: true, PermissionUnsafeEval: true})
	assert.Contains(t, p.CSP(), "script-src 'self' 'unsafe-inline' 'unsafe-eval';")

	assert.False(t, BuildPolicy(m, nil).Relaxed())
}

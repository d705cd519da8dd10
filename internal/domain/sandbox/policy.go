package sandbox

import (
	"net/url"
	"sort"
	"strings"
)

// Grants that relax the isolation policy
const (
	PermissionUnsafeInline = "sandbox.unsafe-inline"
	PermissionUnsafeEval   = "sandbox.unsafe-eval"
	PermissionFetch        = "network.fetch"
)

// Grants answers permission checks for an app
type Grants interface {
	HasPermission(appID, permission, resource string) bool
}

// Policy is the declarative isolation policy of one instance
type Policy struct {
	AllowedOrigins []string `json:"allowedOrigins"`
	UnsafeInline   bool     `json:"unsafeInline"`
	UnsafeEval     bool     `json:"unsafeEval"`
}

// BuildPolicy derives the policy from the manifest and the app's current grants.
// Declared origins are only admitted for hosts the app may fetch from.
func BuildPolicy(m *Manifest, grants Grants) Policy {
	p := Policy{AllowedOrigins: []string{}}
	if grants == nil {
		return p
	}
	appID := m.AppID()

	seen := make(map[string]bool)
	for _, origin := range m.Origins {
		host, err := originHost(origin)
		if err != nil {
			continue
		}
		if !grants.HasPermission(appID, PermissionFetch, host) {
			continue
		}
		normalized := normalizeOrigin(origin)
		if !seen[normalized] {
			seen[normalized] = true
			p.AllowedOrigins = append(p.AllowedOrigins, normalized)
		}
	}
	sort.Strings(p.AllowedOrigins)

	p.UnsafeInline = grants.HasPermission(appID, PermissionUnsafeInline, "")
	p.UnsafeEval = grants.HasPermission(appID, PermissionUnsafeEval, "")
	return p
}

// Relaxed reports whether the policy departs from the strict default
func (p Policy) Relaxed() bool {
	return p.UnsafeInline || p.UnsafeEval
}

// CSP renders the policy as a Content-Security-Policy header value
func (p Policy) CSP() string {
	script := []string{"'self'"}
	if p.UnsafeInline {
		script = append(script, "'unsafe-inline'")
	}
	if p.UnsafeEval {
		script = append(script, "'unsafe-eval'")
	}
	connect := append([]string{"'self'", "data:"}, p.AllowedOrigins...)

	directives := []string{
		"default-src 'self'",
		"script-src " + strings.Join(script, " "),
		"connect-src " + strings.Join(connect, " "),
		"img-src 'self' data:",
		"object-src 'none'",
		"frame-ancestors 'none'",
	}
	return strings.Join(directives, "; ")
}

func normalizeOrigin(origin string) string {
	u, err := url.Parse(origin)
	if err != nil {
		return origin
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

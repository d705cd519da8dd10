package network

import (
	"net"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/emllm/port/internal/shared/types"
)

// parseTarget accepts absolute http and https URLs with a host
func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, types.Errorf(types.CodeValidation, "invalid url: %v", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, types.Errorf(types.CodeValidation, "unsupported scheme %q: only http and https are allowed", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, types.NewError(types.CodeValidation, "url has no host")
	}
	if u.User != nil {
		return nil, types.NewError(types.CodeValidation, "credentials in url are not allowed")
	}
	return u, nil
}

// checkHost applies the deny list, the allow list and the loopback guard.
// Deny wins; an empty allow list admits every host not denied.
func (p *Provider) checkHost(host string) error {
	host = strings.TrimSuffix(strings.ToLower(host), ".")

	if matchAny(p.blocked, host) {
		return types.Errorf(types.CodePermissionDenied, "domain is blocked: %s", host)
	}
	if len(p.allowed) > 0 && !matchAny(p.allowed, host) {
		return types.Errorf(types.CodePermissionDenied, "domain is not in the allow list: %s", host)
	}
	if p.cfg.BlockLoopback && isLocalHost(host) {
		return types.Errorf(types.CodePermissionDenied, "local addresses are blocked: %s", host)
	}
	return nil
}

func matchAny(patterns []string, host string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, host); ok {
			return true
		}
	}
	return false
}

// isLocalHost covers literal addresses and localhost names; resolved names are
// checked again at dial time
func isLocalHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return blockedIP(ip)
	}
	return false
}

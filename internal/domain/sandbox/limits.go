package sandbox

import (
	"sort"
	"strings"
	"time"

	"github.com/emllm/port/internal/shared/types"
)

// Handler groups that can be switched off for an instance
const (
	GroupNetwork       = "network"
	GroupStorage       = "storage"
	GroupNotifications = "notifications"
	GroupSystem        = "system"
)

var groups = []string{GroupNetwork, GroupStorage, GroupNotifications, GroupSystem}

// Switches turns handler groups on or off for an instance. Unset means on.
type Switches struct {
	Network       *bool `json:"network,omitempty"`
	Storage       *bool `json:"storage,omitempty"`
	Notifications *bool `json:"notifications,omitempty"`
	System        *bool `json:"system,omitempty"`
}

// Off lists the groups explicitly switched off
func (s *Switches) Off() []string {
	if s == nil {
		return nil
	}
	var off []string
	for _, f := range []struct {
		group string
		on    *bool
	}{
		{GroupNetwork, s.Network},
		{GroupStorage, s.Storage},
		{GroupNotifications, s.Notifications},
		{GroupSystem, s.System},
	} {
		if f.on != nil && !*f.on {
			off = append(off, f.group)
		}
	}
	return off
}

// groupOf maps an operation to its switchable group; "" is never switched off
func groupOf(protocol, method string) string {
	switch protocol {
	case "network":
		return GroupNetwork
	case "storage", "filesystem":
		return GroupStorage
	case "system":
		if strings.Contains(strings.ToLower(method), "notification") {
			return GroupNotifications
		}
		return GroupSystem
	}
	return ""
}

func validGroup(group string) bool {
	for _, g := range groups {
		if g == group {
			return true
		}
	}
	return false
}

// ResourcePolicy is a named set of grants and limits applied to instances
type ResourcePolicy struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Permissions are grant keys, "permission" or "permission:resource"
	Permissions []string `json:"permissions,omitempty"`
	// Restrictions are handler groups switched off
	Restrictions   []string `json:"restrictions,omitempty"`
	TimeoutMs      int64    `json:"timeoutMs,omitempty"`
	MaxMemoryBytes uint64   `json:"maxMemoryBytes,omitempty"`
}

// Timeout is the script budget the policy sets, zero when it keeps the default
func (p ResourcePolicy) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// Validate checks names, groups and limits. known reports whether a permission
// name exists; nil skips that check.
func (p ResourcePolicy) Validate(known func(string) bool) error {
	if p.Name == "" || strings.ContainsAny(p.Name, " /") {
		return types.Errorf(types.CodeValidation, "invalid policy name %q", p.Name).WithDetail("field", "name")
	}
	for _, r := range p.Restrictions {
		if !validGroup(r) {
			return types.Errorf(types.CodeValidation, "unknown restriction %q; expected one of %s", r, strings.Join(groups, ", ")).
				WithDetail("field", "restrictions")
		}
	}
	if p.TimeoutMs < 0 {
		return types.NewError(types.CodeValidation, "timeoutMs must not be negative").WithDetail("field", "timeoutMs")
	}
	if known != nil {
		for _, key := range p.Permissions {
			name, _, _ := strings.Cut(key, ":")
			if !known(name) {
				return types.Errorf(types.CodeUnknownPermission, "unknown permission: %s", name).
					WithDetail("permission", name)
			}
		}
	}
	return nil
}

// DefaultPolicies are registered on every manager
func DefaultPolicies() []ResourcePolicy {
	return []ResourcePolicy{
		{
			Name:         "offline",
			Description:  "No network access",
			Restrictions: []string{GroupNetwork},
		},
		{
			Name:         "quiet",
			Description:  "No notifications or system access",
			Restrictions: []string{GroupNotifications, GroupSystem},
		},
		{
			Name:           "constrained",
			Description:    "Short script budget and a small memory ceiling",
			TimeoutMs:      1000,
			MaxMemoryBytes: 128 << 20,
		},
	}
}

// declares reports whether a manifest permission list admits permission.
// Entries ending in ".*" admit every permission with that prefix.
func declares(declared []string, permission string) bool {
	for _, d := range declared {
		if d == permission {
			return true
		}
		if prefix, ok := strings.CutSuffix(d, "*"); ok && strings.HasSuffix(prefix, ".") && strings.HasPrefix(permission, prefix) {
			return true
		}
	}
	return false
}

func sortedGroups(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

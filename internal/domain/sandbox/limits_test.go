package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGroupOf(t *testing.T) {
	cases := []struct {
		protocol, method, group string
	}{
		{"network", "fetch", GroupNetwork},
		{"storage", "setItem", GroupStorage},
		{"filesystem", "writeFile", GroupStorage},
		{"system", "showNotification", GroupNotifications},
		{"system", "getInfo", GroupSystem},
		{"kv", "put", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.group, groupOf(tc.protocol, tc.method), tc.protocol+"."+tc.method)
	}
}

func TestSwitchesOff(t *testing.T) {
	on, off := true, false
	assert.Nil(t, (*Switches)(nil).Off())
	assert.Empty(t, (&Switches{}).Off(), "unset switches stay on")
	assert.Equal(t, []string{GroupNetwork, GroupSystem}, (&Switches{Network: &off, Storage: &on, System: &off}).Off())
}

func TestDeclares(t *testing.T) {
	declared := []string{"storage.read", "network.*"}
	assert.True(t, declares(declared, "storage.read"))
	assert.False(t, declares(declared, "storage.write"))
	assert.True(t, declares(declared, "network.fetch"))
	assert.False(t, declares([]string{"network*"}, "networking"), "only dotted prefixes widen")
	assert.False(t, declares(nil, "storage.read"))
}

func TestDefaultPoliciesAreValid(t *testing.T) {
	for _, p := range DefaultPolicies() {
		assert.NoError(t, p.Validate(nil), p.Name)
	}
}

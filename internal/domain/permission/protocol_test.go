package permission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emllm/port/internal/shared/types"
)

func TestProtocolRequestCheckListRevoke(t *testing.T) {
	f := newFixture(t)
	h := NewProtocolHandler(f.manager(t, Options{}))
	appCtx := &types.Context{SessionID: "sess_1", AppID: "notes", RequestID: "1"}
	ctx := context.Background()

	res, err := h.Execute(ctx, "request", map[string]interface{}{"permission": "storage.read"}, appCtx)
	require.NoError(t, err)
	assert.Equal(t, true, res["granted"])
	assert.Equal(t, "auto-granted", res["source"])

	res, err = h.Execute(ctx, "request", map[string]interface{}{"permission": "storage.read"}, appCtx)
	require.NoError(t, err)
	assert.Equal(t, "already-granted", res["source"])

	res, err = h.Execute(ctx, "check", map[string]interface{}{"permission": "storage.read"}, appCtx)
	require.NoError(t, err)
	assert.Equal(t, true, res["granted"])

	res, err = h.Execute(ctx, "list", nil, appCtx)
	require.NoError(t, err)
	grants := res["grants"].([]Grant)
	require.Len(t, grants, 1)
	assert.Equal(t, "storage.read", grants[0].Key)

	res, err = h.Execute(ctx, "revoke", map[string]interface{}{"permission": "storage.read"}, appCtx)
	require.NoError(t, err)
	assert.Equal(t, true, res["revoked"])

	res, err = h.Execute(ctx, "check", map[string]interface{}{"permission": "storage.read"}, appCtx)
	require.NoError(t, err)
	assert.Equal(t, false, res["granted"])

	_, err = h.Execute(ctx, "revoke", map[string]interface{}{"permission": "storage.read"}, appCtx)
	assert.True(t, types.IsCode(err, types.CodeNotFound))
}

func TestProtocolRevokeIsSelfOnly(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, Options{})
	h := NewProtocolHandler(m)

	_, err := m.GrantPermission("victim", "storage.read", "", GrantOptions{})
	require.NoError(t, err)

	// A resource-looking param never redirects the call to another app
	_, err = h.Execute(context.Background(), "revoke",
		map[string]interface{}{"permission": "storage.read", "appId": "victim"},
		&types.Context{AppID: "attacker"})
	assert.True(t, types.IsCode(err, types.CodeNotFound))
	assert.True(t, m.HasPermission("victim", "storage.read", ""))
}

func TestProtocolRequestTimesOutAsDenial(t *testing.T) {
	f := newFixture(t)
	h := NewProtocolHandler(f.manager(t, Options{}))

	res, err := h.Execute(context.Background(), "request",
		map[string]interface{}{"permission": "filesystem.read", "timeout": 30.0},
		&types.Context{AppID: "notes"})
	require.NoError(t, err)
	assert.Equal(t, false, res["granted"])
	assert.Equal(t, "timeout", res["source"])
	assert.NotEmpty(t, res["requestId"])
}

func TestProtocolErrors(t *testing.T) {
	f := newFixture(t)
	h := NewProtocolHandler(f.manager(t, Options{}))
	ctx := context.Background()

	_, err := h.Execute(ctx, "list", nil, nil)
	assert.True(t, types.IsCode(err, types.CodeUnauthenticated))

	_, err = h.Execute(ctx, "request", map[string]interface{}{"permission": "nope.nope"}, &types.Context{AppID: "a"})
	assert.True(t, types.IsCode(err, types.CodeUnknownPermission))

	_, err = h.Execute(ctx, "check", map[string]interface{}{}, &types.Context{AppID: "a"})
	assert.True(t, types.IsCode(err, types.CodeValidation))

	_, err = h.Execute(ctx, "grant", nil, &types.Context{AppID: "a"})
	assert.True(t, types.IsCode(err, types.CodeUnknownMethod))
}

package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emllm/port/internal/shared/types"
)

type mockHandler struct {
	id    string
	tools []types.Tool
	calls []string
}

func (m *mockHandler) Definition() types.Service {
	tools := m.tools
	if tools == nil {
		tools = []types.Tool{
			{
				ID: "echo",
				Parameters: []types.Parameter{
					{Name: "text", Type: "string", Required: true},
					{Name: "count", Type: "number"},
					{Name: "value", Type: "any"},
				},
			},
		}
	}
	return types.Service{ID: m.id, Name: "Mock", Category: types.CategoryStorage, Tools: tools}
}

func (m *mockHandler) Execute(ctx context.Context, method string, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	m.calls = append(m.calls, method)
	return map[string]interface{}{"text": params["text"], "app": appCtx.AppID}, nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	h := &mockHandler{id: "mock"}
	require.NoError(t, r.Register(h))

	op, err := r.Lookup("mock", "echo")
	require.NoError(t, err)
	assert.Equal(t, "mock", op.Protocol)
	assert.Equal(t, "echo", op.Method)

	res, err := op.Execute(context.Background(), map[string]interface{}{"text": "hi"}, &types.Context{AppID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "hi", res["text"])
	assert.Equal(t, []string{"echo"}, h.calls)
}

func TestLookupUnknown(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&mockHandler{id: "mock"}))

	_, err := r.Lookup("nope", "echo")
	assert.True(t, types.IsCode(err, types.CodeUnknownProtocol))

	_, err = r.Lookup("mock", "nope")
	assert.True(t, types.IsCode(err, types.CodeUnknownMethod))
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&mockHandler{id: "mock"}))
	assert.Error(t, r.Register(&mockHandler{id: "mock"}))
	assert.Error(t, r.Register(&mockHandler{id: ""}))
	assert.Error(t, r.Register(&mockHandler{id: "dup", tools: []types.Tool{{ID: "a"}, {ID: "a"}}}))

	r.Unregister("mock")
	assert.NoError(t, r.Register(&mockHandler{id: "mock"}))
}

func TestValidate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&mockHandler{id: "mock"}))
	op, err := r.Lookup("mock", "echo")
	require.NoError(t, err)

	cases := []struct {
		name   string
		params map[string]interface{}
		ok     bool
	}{
		{"valid", map[string]interface{}{"text": "x", "count": 2.0}, true},
		{"extra params pass", map[string]interface{}{"text": "x", "other": true}, true},
		{"any accepts null", map[string]interface{}{"text": "x", "value": nil}, true},
		{"missing required", map[string]interface{}{}, false},
		{"null required", map[string]interface{}{"text": nil}, false},
		{"wrong type", map[string]interface{}{"text": 3.0}, false},
		{"wrong optional type", map[string]interface{}{"text": "x", "count": "two"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := op.Validate(tc.params)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, types.IsCode(err, types.CodeValidation), "got %v", err)
			}
		})
	}
}

func TestListAndStats(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&mockHandler{id: "b"}))
	require.NoError(t, r.Register(&mockHandler{id: "a", tools: []types.Tool{{ID: "x"}, {ID: "y"}}}))

	assert.Equal(t, []string{"a", "b"}, r.Protocols())

	services := r.List(nil)
	require.Len(t, services, 2)
	assert.Equal(t, "a", services[0].ID)

	cat := types.CategoryNetwork
	assert.Empty(t, r.List(&cat))

	stats := r.Stats()
	assert.Equal(t, 2, stats["total_protocols"])
	assert.Equal(t, 3, stats["total_operations"])
}

package permission

import (
	"context"
	"time"

	"github.com/emllm/port/internal/shared/types"
	"github.com/emllm/port/internal/shared/utils"
)

// ProtocolHandler serves the built-in "permissions" protocol.
// Every method acts on the calling app only.
type ProtocolHandler struct {
	manager *Manager
}

// NewProtocolHandler exposes a manager over the bridge
func NewProtocolHandler(m *Manager) *ProtocolHandler {
	return &ProtocolHandler{manager: m}
}

// Definition returns service metadata
func (h *ProtocolHandler) Definition() types.Service {
	permission := types.Parameter{Name: "permission", Type: "string", Description: "Capability name, e.g. storage.read", Required: true}
	resource := types.Parameter{Name: "resource", Type: "string", Description: "Optional resource scope"}
	return types.Service{
		ID:          "permissions",
		Name:        "Permissions",
		Description: "Request, inspect and give up the calling app's capabilities",
		Category:    types.CategoryPermissions,
		Tools: []types.Tool{
			{
				ID:          "request",
				Name:        "Request Permission",
				Description: "Request a capability, waiting for consent when required",
				Parameters: []types.Parameter{
					permission,
					resource,
					{Name: "reason", Type: "string", Description: "Shown to the user"},
					{Name: "temporary", Type: "boolean", Description: "Grant lasts until expiry or restart"},
					{Name: "duration", Type: "number", Description: "Lifetime of a temporary grant in milliseconds"},
					{Name: "timeout", Type: "number", Description: "Consent timeout in milliseconds"},
				},
				Returns: "object",
			},
			{
				ID:          "check",
				Name:        "Check Permission",
				Description: "Report whether the app holds a capability",
				Parameters:  []types.Parameter{permission, resource},
				Returns:     "object",
			},
			{
				ID:          "list",
				Name:        "List Permissions",
				Description: "List the app's current grants",
				Returns:     "object",
			},
			{
				ID:          "revoke",
				Name:        "Revoke Permission",
				Description: "Give up one of the app's own grants",
				Parameters:  []types.Parameter{permission, resource},
				Returns:     "object",
			},
		},
	}
}

// Execute runs a permissions method for the calling app
func (h *ProtocolHandler) Execute(ctx context.Context, method string, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	if appCtx == nil || appCtx.AppID == "" {
		return nil, types.NewError(types.CodeUnauthenticated, "app context required")
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	switch method {
	case "request":
		return h.request(ctx, params, appCtx.AppID)
	case "check":
		perm, resource, err := permissionParams(params)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"granted": h.manager.HasPermission(appCtx.AppID, perm, resource),
			"key":     Key(perm, resource),
		}, nil
	case "list":
		grants, err := h.manager.ListGrants(appCtx.AppID)
		if err != nil {
			return nil, err
		}
		if grants == nil {
			grants = []Grant{}
		}
		return map[string]interface{}{"grants": grants}, nil
	case "revoke":
		perm, resource, err := permissionParams(params)
		if err != nil {
			return nil, err
		}
		if err := h.manager.RevokePermission(appCtx.AppID, perm, resource); err != nil {
			return nil, err
		}
		return map[string]interface{}{"revoked": true, "key": Key(perm, resource)}, nil
	default:
		return nil, types.Errorf(types.CodeUnknownMethod, "unknown permissions method: %s", method)
	}
}

func (h *ProtocolHandler) request(ctx context.Context, params map[string]interface{}, appID string) (map[string]interface{}, error) {
	perm, resource, err := permissionParams(params)
	if err != nil {
		return nil, err
	}
	reason, err := utils.GetString(params, "reason", false)
	if err != nil {
		return nil, err
	}
	duration, err := utils.GetNumber(params, "duration", false)
	if err != nil {
		return nil, err
	}
	timeout, err := utils.GetNumber(params, "timeout", false)
	if err != nil {
		return nil, err
	}

	// Apps may shorten the consent window but never extend it
	wait := time.Duration(timeout) * time.Millisecond
	if wait > h.manager.opts.RequestTimeout {
		wait = h.manager.opts.RequestTimeout
	}

	d, err := h.manager.RequestPermission(ctx, RequestOptions{
		AppID:      appID,
		Permission: perm,
		Resource:   resource,
		Reason:     reason,
		Temporary:  utils.GetBool(params, "temporary", false),
		Duration:   time.Duration(duration) * time.Millisecond,
		Timeout:    wait,
	})
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{
		"granted": d.Granted,
		"source":  string(d.Source),
		"key":     d.Key,
	}
	if d.RequestID != "" {
		result["requestId"] = d.RequestID
	}
	return result, nil
}

func permissionParams(params map[string]interface{}) (string, string, error) {
	perm, err := utils.GetString(params, "permission", true)
	if err != nil {
		return "", "", err
	}
	resource, err := utils.GetString(params, "resource", false)
	if err != nil {
		return "", "", err
	}
	return perm, resource, nil
}

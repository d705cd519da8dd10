package types

import "context"

// Category represents capability categories
type Category string

const (
	CategoryStorage     Category = "storage"
	CategoryFilesystem  Category = "filesystem"
	CategorySystem      Category = "system"
	CategoryNetwork     Category = "network"
	CategoryPermissions Category = "permissions"
	CategorySandbox     Category = "sandbox"
)

// Service describes a capability handler and the methods it exposes
type Service struct {
	ID          string   `json:"id"` // protocol name on the wire
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
	Tools       []Tool   `json:"tools"`
}

// Tool describes a single method of a handler
type Tool struct {
	ID          string      `json:"id"` // method name on the wire
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Returns     string      `json:"returns"`
	Permission  string      `json:"permission,omitempty"`
}

// Parameter describes a method parameter.
// Type is one of: string, number, boolean, object, array, any.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Context provides execution context for capability calls
type Context struct {
	SessionID string `json:"session_id"`
	AppID     string `json:"app_id"`
	RequestID string `json:"request_id"`
}

// Handler is the contract every capability handler satisfies
type Handler interface {
	Definition() Service
	Execute(ctx context.Context, method string, params map[string]interface{}, appCtx *Context) (map[string]interface{}, error)
}

// Authorizer answers whether an app currently holds a capability
type Authorizer interface {
	HasPermission(appID, permission, resource string) bool
}

// AuthorizerFunc adapts a function to Authorizer
type AuthorizerFunc func(appID, permission, resource string) bool

// HasPermission implements Authorizer
func (f AuthorizerFunc) HasPermission(appID, permission, resource string) bool {
	return f(appID, permission, resource)
}

// Require returns PERMISSION_DENIED unless the app holds permission for resource
func Require(auth Authorizer, appCtx *Context, permission, resource string) error {
	if appCtx == nil || appCtx.AppID == "" {
		return NewError(CodeUnauthenticated, "app context required")
	}
	if auth == nil || !auth.HasPermission(appCtx.AppID, permission, resource) {
		key := permission
		if resource != "" {
			key = permission + ":" + resource
		}
		return NewError(CodePermissionDenied, "permission denied: "+key).
			WithDetail("permission", permission)
	}
	return nil
}

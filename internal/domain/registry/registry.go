package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/emllm/port/internal/shared/types"
	"github.com/emllm/port/internal/shared/utils"
)

// Operation is one callable (protocol, method) pair
type Operation struct {
	Protocol string
	Method   string
	Tool     types.Tool
	handler  types.Handler
}

// Validate checks params against the operation's parameter schema.
// Unknown parameters are passed through to the handler.
func (op *Operation) Validate(params map[string]interface{}) error {
	for _, p := range op.Tool.Parameters {
		val, ok := params[p.Name]
		if !ok || (val == nil && p.Type != "any") {
			if p.Required {
				return types.Errorf(types.CodeValidation, "%s.%s: %s parameter required", op.Protocol, op.Method, p.Name).
					WithDetail("param", p.Name)
			}
			continue
		}
		if !utils.CheckType(val, p.Type) {
			return types.Errorf(types.CodeValidation, "%s.%s: %s must be %s", op.Protocol, op.Method, p.Name, p.Type).
				WithDetail("param", p.Name).
				WithDetail("expected", p.Type)
		}
	}
	return nil
}

// Execute runs the operation on its handler
func (op *Operation) Execute(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	return op.handler.Execute(ctx, op.Method, params, appCtx)
}

type protocol struct {
	service types.Service
	ops     map[string]*Operation
}

// Registry is the typed operation table
type Registry struct {
	mu        sync.RWMutex
	protocols map[string]*protocol
}

// New creates an empty registry
func New() *Registry {
	return &Registry{protocols: make(map[string]*protocol)}
}

// Register adds every tool of a handler under its service id
func (r *Registry) Register(h types.Handler) error {
	def := h.Definition()
	if def.ID == "" {
		return fmt.Errorf("service ID cannot be empty")
	}

	p := &protocol{service: def, ops: make(map[string]*Operation, len(def.Tools))}
	for _, tool := range def.Tools {
		if tool.ID == "" {
			return fmt.Errorf("service %s: tool ID cannot be empty", def.ID)
		}
		if _, dup := p.ops[tool.ID]; dup {
			return fmt.Errorf("service %s: duplicate tool %s", def.ID, tool.ID)
		}
		p.ops[tool.ID] = &Operation{Protocol: def.ID, Method: tool.ID, Tool: tool, handler: h}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.protocols[def.ID]; exists {
		return fmt.Errorf("service %s already registered", def.ID)
	}
	r.protocols[def.ID] = p
	return nil
}

// Unregister removes a protocol
func (r *Registry) Unregister(protocolID string) {
	r.mu.Lock()
	delete(r.protocols, protocolID)
	r.mu.Unlock()
}

// Lookup resolves a (protocol, method) pair
func (r *Registry) Lookup(protocolID, method string) (*Operation, error) {
	r.mu.RLock()
	p, ok := r.protocols[protocolID]
	r.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.CodeUnknownProtocol, "unknown protocol: %s", protocolID).
			WithDetail("protocol", protocolID)
	}
	op, ok := p.ops[method]
	if !ok {
		return nil, types.Errorf(types.CodeUnknownMethod, "unknown method: %s.%s", protocolID, method).
			WithDetail("protocol", protocolID).
			WithDetail("method", method)
	}
	return op, nil
}

// Protocols returns the registered protocol names, sorted
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.protocols))
	for name := range r.protocols {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// List returns all service definitions, optionally filtered by category
func (r *Registry) List(category *types.Category) []types.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var services []types.Service
	for _, p := range r.protocols {
		if category == nil || p.service.Category == *category {
			services = append(services, p.service)
		}
	}
	sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })
	return services
}

// Stats returns registry statistics
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, totalOps int
	categories := make(map[string]int)
	for _, p := range r.protocols {
		total++
		totalOps += len(p.ops)
		categories[string(p.service.Category)]++
	}

	return map[string]interface{}{
		"total_protocols":  total,
		"total_operations": totalOps,
		"categories":       categories,
	}
}

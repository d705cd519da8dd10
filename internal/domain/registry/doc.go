// Package registry maps (protocol, method) pairs to capability operations.
//
// Each registered handler contributes one protocol; every tool in its
// definition becomes an Operation carrying the parameter schema. Lookups of
// unregistered pairs fail with UNKNOWN_PROTOCOL or UNKNOWN_METHOD, and
// parameters are checked against the schema before a handler runs.
//
// Example Usage:
//
//	reg := registry.New()
//	_ = reg.Register(storage.NewProvider(...))
//	op, err := reg.Lookup("storage", "getItem")
//	if err == nil {
//		err = op.Validate(params)
//	}
package registry

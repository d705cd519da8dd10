// Package types provides shared data structures for the bridge.
//
// This package defines the types every layer agrees on, so that capability
// handlers, the operation registry, the permission manager and the
// transports never import each other just to exchange values.
//
// Core Types:
//   - Service, Tool, Parameter: capability handler definitions
//   - Context: execution context for a single capability call
//   - Envelope: the wire unit exchanged over the bridge protocol
//   - Error: the structured error taxonomy returned across the bridge
//
// Example Usage:
//
//	appCtx := &types.Context{SessionID: sess.ID, AppID: sess.AppID, RequestID: env.ID}
//	result, err := handler.Execute(ctx, "getItem", params, appCtx)
package types

// Package ws is the persistent bridge transport.
//
// Each WebSocket connection becomes one bridge session. The server sends a
// welcome envelope on connect, then reads JSON envelopes and hands them to
// the dispatcher. Responses, errors and events are written back on the same
// connection; writes are serialized per connection.
//
// Keepalive uses WebSocket ping frames. A client that stops answering them,
// or a session closed by the idle sweep, ends the connection.
//
// Example Usage:
//
//	handler := ws.NewHandler(dispatcher, ws.DefaultConfig(), logger)
//	router.GET("/bridge", handler.HandleConnection)
package ws

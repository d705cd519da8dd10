// Package http serves the bridge over plain HTTP and the host-facing APIs.
//
// POST /api/:protocol/:method is the REST fallback for clients that cannot
// hold a WebSocket. Each call opens a short-lived session for the app named
// in X-App-ID, authenticates it (with the Bearer token when the dispatcher
// requires one) and runs the request through the same dispatch path as a
// persistent session. The reply is the response or error envelope; errors
// carry the status mapped from their code and a Retry-After header when the
// caller was rate limited.
//
// The consent API under /permissions lets an external UI list and answer
// pending requests, follow permission events over server-sent events and
// manage grants directly. The sandbox endpoints under /sandbox load, signal
// and remove app instances.
//
// Example Usage:
//
//	handlers := http.NewHandlers(dispatcher, permissions, sandboxes, metrics, logger, http.DefaultOptions())
//	handlers.Register(router, middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package http

/*
Package bridge dispatches envelopes from app sessions to capability handlers.

A Dispatcher receives envelopes from any transport. It answers ping with pong,
binds sessions to apps on auth, and runs each request in its own goroutine
under the session's context, so responses may complete out of order and are
correlated only by envelope id. Handler panics are recovered at this boundary,
logged and counted, and returned as INTERNAL_ERROR; a failing call never takes
down its session.

Every request first passes the per-client Limiter: a sliding window over the
last Window plus a burst token bucket. Rejections carry retryAfterMs.

When an Authenticator is configured, auth messages must carry a token that
resolves to the same app id. Tokens mints and verifies the HS256 instance
tokens handed to sandbox instances.
*/
package bridge

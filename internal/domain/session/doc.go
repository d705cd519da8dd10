// Package session tracks bridge connections.
//
// A Session moves through
//
//	connecting → authenticated → active ⇄ idle → closed
//
// It is created when a transport accepts a client, bound to an app by an
// auth message, active while requests are in flight and idle when none have
// arrived for a while. Closing a session cancels its context, which cancels
// every in-flight request; grants held by the app are untouched.
//
// The Manager owns all sessions and runs the idle sweep: sessions with no
// in-flight requests go idle after IdleAfter and are force-closed after
// IdleTimeout without activity. Sessions are never persisted.
package session

// Package network lets apps fetch http and https resources under host policy.
//
// A fetch passes, in order: URL validation, the network.fetch permission
// scoped to the target host, the domain allow and deny lists, the loopback
// guard, the app's token bucket and concurrency cap, and the per-host circuit
// breaker. Request bodies are size-checked before sending and responses are
// cut off once they exceed the configured limit.
//
// The HTTP stack is resty over a retryablehttp transport. Only idempotent
// methods are retried, and never after the loopback guard refused a dial.
package network

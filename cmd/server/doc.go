// Package main is the entry point for the port bridge host.
//
// The host runs sandboxed mini-apps with no ambient authority. Apps reach
// storage, files, system facilities and the network only through bridge
// calls that are checked against durable, revocable grants.
//
//	Sandboxed app → bridge (WebSocket /bridge or REST /api) → protocol handlers
//	Host UI       → consent API (/permissions) and sandbox API (/sandbox)
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Optional capability catalogue override (YAML or TOML)
//
// Usage:
//
//	# Serve on the default address
//	./port --data-dir /var/lib/port
//
//	# Development mode (colored logs, debug level)
//	./port --dev --port 8080
//
//	# Print the catalogue as an override file
//	./port catalog > catalog.yaml
//	./port catalog --format toml > catalog.toml
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main

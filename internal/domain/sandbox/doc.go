/*
Package sandbox runs app instances in isolated JavaScript execution contexts.

# Lifecycle

A Container moves through

	created -> loading -> running <-> paused -> stopped

and may fail into error from any live state. LoadApp validates the manifest,
writes the app bundle into its private area, derives the isolation Policy,
opens an authenticated bridge session with a freshly minted instance token,
and runs the entry script in a goja runtime.

# Isolation

Scripts get no require, process or module globals. eval and the Function
constructors are removed unless the app holds sandbox.unsafe-eval. The only
way out is the injected bridge object:

	bridge.call(protocol, method, params)  // returns result or throws {code, message}
	bridge.storage.getItem(key)
	bridge.requestPermission("network.fetch", {resource: "api.example.com"})
	bridge.on("pause", fn)

Calls travel through the same Dispatcher as remote sessions, so every grant
check, quota and rate limit applies unchanged. The policy is also rendered as
a CSP header for hosts that serve the bundle to a browser.

# Limits

A manifest may switch handler groups off (network, storage, notifications,
system) and name a ResourcePolicy. Policies grant permission keys through the
permission manager, switch groups off and set the script budget and memory
ceiling; the host can apply one to a live instance at any time. While an app
has a live instance, the Manager vetoes calls into disabled groups and bounds
permission requests by the manifest's permission list.

# Monitoring

Each running container samples memory, disk use and idle time every
MonitorInterval. Crossing MaxMemoryBytes or IdleThreshold publishes a
memory_exceeded or idle event once per crossing. Nothing is evicted; that
decision belongs to the host.
*/
package sandbox

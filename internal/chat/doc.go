// Package chat implements the session registry and line-routing engine for
// the lanechat server, together with the TCP and WebSocket transports that
// feed it.
//
// The registry is the single synchronization domain: name registration,
// activation, unregistration, membership snapshots, and message fan-out all
// run as one critical section each, so clients never observe a half-updated
// membership view. Socket writes never happen under the registry lock; each
// session drains a buffered outbound queue on its own write pump.
package chat

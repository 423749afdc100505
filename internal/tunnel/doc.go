// Package tunnel supervises SSH tunnels: each started tunnel gets a worker
// goroutine that connects, runs the forwarder, watches liveness, and
// reconnects or exits according to the tunnel's auto-reconnect setting.
// Status transitions are published as events on the registry's stream.
package tunnel

package proxy

import (
	"context"
	"net"
)

// Session is the slice of the SSH session forwarders depend on.
type Session interface {
	// OpenChannel opens a direct-tcpip channel to address.
	OpenChannel(ctx context.Context, address string) (net.Conn, error)
	// Listen requests a server-side listener (remote forwarding).
	Listen(network, address string) (net.Listener, error)
	// Active reports whether the underlying transport is alive.
	Active() bool
	// Close tears down the transport and all channels.
	Close() error
}

// Forwarder is the common contract of the three tunnel variants. Start is
// non-blocking: it binds the listener and spawns the accept loop. Stop
// closes the listener and interrupts in-flight relays. Active reports
// whether the forwarder is still able to serve connections; the supervisor
// polls it to detect lost connections.
type Forwarder interface {
	Start() error
	Stop()
	Active() bool
}

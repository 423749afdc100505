// Package sshtun provides the SSH session layer used by culvert tunnels.
//
// A [Session] wraps an authenticated *ssh.Client and exposes the two
// primitives forwarders need: opening "direct-tcpip" channels to remote
// destinations and requesting server-side listeners for remote forwarding.
// Sessions track transport liveness and can send periodic keep-alives.
//
// Authentication failures are classified with [ErrAuthentication] so the
// supervisor can distinguish fatal credential problems from retryable
// transport failures.
package sshtun

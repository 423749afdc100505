// Package proxy implements the forwarding listeners of culvert.
//
// It contains the three Forwarder variants: local port forwarding, remote
// (server-side) port forwarding, and the dynamic listener that serves
// SOCKS5, HTTP CONNECT, and plain HTTP proxy clients on one port. All three
// relay bytes between an accepted client connection and an SSH channel with
// the same bidirectional copy.
package proxy

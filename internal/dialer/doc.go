// Package dialer provides outbound dialing implementations used by culvert.
//
// Dialers implement a small interface (DialContext) and are used to reach
// the SSH server either directly or via an upstream proxy (HTTP CONNECT or
// SOCKS5).
package dialer

// Package socks5 provides the SOCKS5 wire-format pieces used by the dynamic
// tunnel listener: request address parsing and reply construction. It wraps
// github.com/txthinking/socks5 primitives rather than reimplementing the
// byte layout.
//
// Only the RFC 1928 subset culvert serves is covered: version 5, CONNECT,
// address types IPv4/domain/IPv6, no-auth negotiation.
package socks5

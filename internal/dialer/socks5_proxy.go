package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/txthinking/socks5"
)

// SOCKS5ProxyDialer dials outbound TCP connections via a SOCKS5 proxy,
// optionally authenticating with username/password.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	username  string
	password  string
}

// NewSOCKS5ProxyDialer constructs a SOCKS5 client dialer for proxyAddr.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) (Dialer, error) {
	if proxyAddr == "" {
		return nil, fmt.Errorf("socks5 proxy dialer: missing proxy address")
	}
	return &SOCKS5ProxyDialer{cfg: cfg, proxyAddr: proxyAddr, username: username, password: password}, nil
}

func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}
	if network != "tcp" {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	tcpTimeout := 0
	if f.cfg.DialTimeout > 0 {
		tcpTimeout = int(f.cfg.DialTimeout.Seconds())
		if tcpTimeout <= 0 {
			tcpTimeout = 1
		}
	}

	client, err := socks5.NewClient(f.proxyAddr, f.username, f.password, tcpTimeout, 0)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy init: %w", err)
	}

	c, err := client.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}
	return c, nil
}

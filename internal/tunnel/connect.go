package tunnel

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/culvert-dev/culvert/internal/dialer"
	"github.com/culvert-dev/culvert/internal/proxy"
	"github.com/culvert-dev/culvert/internal/sshtun"
)

// Connect is the default ConnectFunc: build the outbound dialer (direct or
// through the spec's upstream proxy), load credentials, and perform the SSH
// handshake.
func Connect(ctx context.Context, spec Spec, cfg Config) (proxy.Session, error) {
	upstream := "direct://"
	if spec.Proxy.Enabled {
		u := url.URL{
			Scheme: string(spec.Proxy.Kind),
			Host:   spec.Proxy.Addr(),
		}
		if spec.Proxy.User != "" {
			u.User = url.UserPassword(spec.Proxy.User, spec.Proxy.Password)
		}
		upstream = u.String()
	}

	d, err := dialer.New(dialer.Config{
		DialTimeout:        cfg.DialTimeout,
		NegotiationTimeout: cfg.HandshakeTimeout,
		KeepAlive:          net.KeepAliveConfig{Enable: true},
	}, upstream)
	if err != nil {
		return nil, fmt.Errorf("upstream proxy: %w", err)
	}

	clientCfg := sshtun.ClientConfig{
		User:             spec.SSHUser,
		DialTimeout:      cfg.DialTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	switch spec.Auth {
	case AuthKey:
		signers, err := sshtun.LoadSigners(spec.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading key: %w", err)
		}
		clientCfg.Signers = signers
	default:
		clientCfg.Password = spec.Password
	}

	hkc, err := sshtun.NewHostKeyCallback(cfg.KnownHostsPath)
	if err != nil {
		return nil, err
	}
	clientCfg.HostKeyCallback = hkc

	if spec.KeepAlive.Enabled && spec.KeepAlive.IntervalSeconds > 0 {
		clientCfg.KeepAliveInterval = time.Duration(spec.KeepAlive.IntervalSeconds) * time.Second
		clientCfg.KeepAliveMaxMissed = spec.KeepAlive.MaxMissed
	}

	return sshtun.Dial(ctx, spec.SSHAddr(), clientCfg, d)
}

// BuildForwarder is the default BuildFunc, mapping the tunnel kind to its
// forwarder variant.
func BuildForwarder(spec Spec, sess proxy.Session, verbose bool) (proxy.Forwarder, error) {
	switch spec.Kind {
	case KindLocal:
		target := net.JoinHostPort(spec.RemoteHost, strconv.Itoa(spec.RemotePort))
		return proxy.NewLocalForwarder(spec.LocalPort, target, sess, verbose), nil
	case KindRemote:
		host := spec.RemoteHost
		if host == "" {
			host = "127.0.0.1"
		}
		target := net.JoinHostPort(host, strconv.Itoa(spec.RemotePort))
		return proxy.NewRemoteForwarder(spec.LocalPort, target, sess, verbose), nil
	case KindDynamic:
		return proxy.NewDynamicForwarder(spec.LocalPort, sess, verbose), nil
	default:
		return nil, fmt.Errorf("unknown tunnel kind %q", spec.Kind)
	}
}

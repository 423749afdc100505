package tunnel

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
)

// Kind selects the forwarding behavior of a tunnel.
type Kind string

const (
	// KindLocal binds a local port and forwards every accepted connection
	// to a fixed remote destination through the SSH session.
	KindLocal Kind = "local"
	// KindRemote asks the SSH server to bind a port and forwards inbound
	// connections back to a local destination.
	KindRemote Kind = "remote"
	// KindDynamic binds a local port and serves SOCKS5/HTTP proxy clients,
	// forwarding to per-request destinations.
	KindDynamic Kind = "dynamic"
)

// Auth selects the SSH authentication method.
type Auth string

const (
	AuthPassword Auth = "password"
	AuthKey      Auth = "key"
)

// ProxyKind selects the upstream proxy protocol used to reach the SSH server.
type ProxyKind string

const (
	ProxyHTTP   ProxyKind = "http"
	ProxySOCKS5 ProxyKind = "socks5"
)

// KeepAlive configures transport-level SSH keep-alive probing.
type KeepAlive struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	MaxMissed       int  `yaml:"max_missed"`
}

// Proxy configures an optional upstream proxy used for the TCP connection
// to the SSH server itself. This is distinct from the tunnel's own proxying.
type Proxy struct {
	Enabled  bool      `yaml:"enabled"`
	Kind     ProxyKind `yaml:"kind"`
	Host     string    `yaml:"host"`
	Port     int       `yaml:"port"`
	User     string    `yaml:"user,omitempty"`
	Password string    `yaml:"password,omitempty"`
}

// Addr returns the proxy host:port.
func (p Proxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Spec is one configured forwarding rule. It is immutable for the duration
// of a run; edits only apply to stopped tunnels.
//
// For remote tunnels the field mapping is deliberately asymmetric and must
// be preserved: LocalPort is the port bound on the SSH server side, and
// RemotePort is the destination port on this host. Renaming either would
// change the meaning of existing stored configurations.
type Spec struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`

	LocalPort  int    `yaml:"local_port"`
	RemoteHost string `yaml:"remote_host,omitempty"`
	RemotePort int    `yaml:"remote_port,omitempty"`

	SSHHost string `yaml:"ssh_host"`
	SSHPort int    `yaml:"ssh_port"`
	SSHUser string `yaml:"ssh_user"`

	Auth     Auth   `yaml:"auth"`
	Password string `yaml:"password,omitempty"`
	KeyPath  string `yaml:"key_path,omitempty"`

	AutoReconnect bool      `yaml:"auto_reconnect"`
	KeepAlive     KeepAlive `yaml:"keep_alive,omitempty"`
	Proxy         Proxy     `yaml:"proxy,omitempty"`
}

// NewID returns a fresh opaque tunnel identifier.
func NewID() string {
	return uuid.NewString()
}

// SSHAddr returns the SSH server host:port.
func (s Spec) SSHAddr() string {
	return net.JoinHostPort(s.SSHHost, strconv.Itoa(s.SSHPort))
}

// Validate checks the spec for problems that would prevent a start attempt.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindLocal, KindRemote, KindDynamic:
	default:
		return fmt.Errorf("invalid tunnel kind: %q", s.Kind)
	}

	if err := validPort(s.LocalPort); err != nil {
		return fmt.Errorf("local port: %w", err)
	}
	if s.SSHHost == "" {
		return errors.New("missing ssh host")
	}
	if err := validPort(s.SSHPort); err != nil {
		return fmt.Errorf("ssh port: %w", err)
	}
	if s.SSHUser == "" {
		return errors.New("missing ssh user")
	}

	switch s.Auth {
	case AuthPassword:
		if s.Password == "" {
			return errors.New("password auth selected but no password set")
		}
	case AuthKey:
		if s.KeyPath == "" {
			return errors.New("key auth selected but no key path set")
		}
	default:
		return fmt.Errorf("invalid auth method: %q", s.Auth)
	}

	// Remote/local tunnels need a fixed destination; dynamic tunnels choose
	// destinations per connection and ignore these fields.
	if s.Kind != KindDynamic {
		if s.Kind == KindLocal && s.RemoteHost == "" {
			return errors.New("missing remote host")
		}
		if err := validPort(s.RemotePort); err != nil {
			return fmt.Errorf("remote port: %w", err)
		}
	}

	if s.Proxy.Enabled {
		if s.Proxy.Kind != ProxyHTTP && s.Proxy.Kind != ProxySOCKS5 {
			return fmt.Errorf("invalid proxy kind: %q", s.Proxy.Kind)
		}
		if s.Proxy.Host == "" {
			return errors.New("missing proxy host")
		}
		if err := validPort(s.Proxy.Port); err != nil {
			return fmt.Errorf("proxy port: %w", err)
		}
	}

	return nil
}

func validPort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%d out of range", p)
	}
	return nil
}

// ForwardingRule renders a human-readable description of what the tunnel
// forwards, used by list output and logs.
func (s Spec) ForwardingRule() string {
	switch s.Kind {
	case KindLocal:
		return fmt.Sprintf("localhost:%d -> %s:%d", s.LocalPort, s.RemoteHost, s.RemotePort)
	case KindRemote:
		return fmt.Sprintf("%s:%d -> localhost:%d", s.SSHHost, s.LocalPort, s.RemotePort)
	case KindDynamic:
		return fmt.Sprintf("SOCKS5/HTTP proxy on localhost:%d", s.LocalPort)
	default:
		return "unknown"
	}
}

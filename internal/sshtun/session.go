package sshtun

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/culvert-dev/culvert/internal/dialer"
)

// ClientConfig holds configuration for establishing an SSH session.
type ClientConfig struct {
	// User for SSH authentication.
	User string
	// Password for password authentication (optional if Signers is set).
	Password string
	// Signers for public key authentication (optional if Password is set).
	Signers []ssh.Signer
	// HostKeyCallback verifies the server's host key.
	HostKeyCallback ssh.HostKeyCallback
	// DialTimeout is the maximum time for the TCP connection.
	DialTimeout time.Duration
	// HandshakeTimeout is the deadline for the SSH handshake. Zero means no timeout.
	HandshakeTimeout time.Duration
	// KeepAliveInterval enables keep-alive requests when > 0.
	KeepAliveInterval time.Duration
	// KeepAliveMaxMissed closes the session after this many consecutive
	// unanswered keep-alives. Zero means a single failure is enough.
	KeepAliveMaxMissed int
}

// AuthMethods returns the ssh.AuthMethod slice for this configuration.
// Public key authentication is offered first if available, followed by password.
func (c *ClientConfig) AuthMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(c.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(c.Signers...))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	return methods
}

// Session is an authenticated SSH connection usable to open channels.
//
// The session is exclusively owned by the supervisor worker that created it;
// individual channels may be used by per-connection goroutines.
type Session struct {
	client *ssh.Client

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the SSH server at addr through d and performs the SSH
// handshake. The dialer is either a direct dialer or an upstream proxy
// dialer; the session does not care which.
//
// Credential rejections are reported wrapped in ErrAuthentication; all other
// failures are transport errors.
func Dial(ctx context.Context, addr string, cfg ClientConfig, d dialer.Dialer) (*Session, error) {
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport dial: %w", err)
	}

	// Close conn if ctx is canceled during the handshake.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	sshConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            cfg.AuthMethods(),
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         cfg.DialTimeout,
	}
	if sshConfig.HostKeyCallback == nil {
		sshConfig.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // Caller opted out of host key checking.
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		_ = conn.Close()
		return nil, classifyHandshake(err)
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}

	s := &Session{
		client: ssh.NewClient(cc, chans, reqs),
		done:   make(chan struct{}),
	}

	go func() {
		_ = s.client.Wait()
		close(s.done)
	}()

	if cfg.KeepAliveInterval > 0 {
		go s.keepAlive(cfg.KeepAliveInterval, cfg.KeepAliveMaxMissed)
	}

	return s, nil
}

// OpenChannel opens a direct-tcpip channel through the session to address.
func (s *Session) OpenChannel(ctx context.Context, address string) (net.Conn, error) {
	c, err := s.client.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("ssh channel dial %s: %w", address, err)
	}
	return c, nil
}

// Listen asks the SSH server to bind address and accept connections on our
// behalf (remote port forwarding).
func (s *Session) Listen(network, address string) (net.Listener, error) {
	ln, err := s.client.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("ssh remote listen %s: %w", address, err)
	}
	return ln, nil
}

// Active reports whether the SSH transport is still alive.
func (s *Session) Active() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close tears down the SSH transport and all channels opened through it.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.client.Close()
	})
	return err
}

// keepAlive sends keepalive@openssh.com requests at interval and closes the
// session after maxMissed consecutive failures.
//
// Each request runs in its own goroutine and the reply is awaited with the
// ticker, never by blocking the loop: on a silently dead link SendRequest can
// stall until the kernel gives up on retransmission, long past the missed
// budget. A request still unanswered at the next tick counts as missed.
func (s *Session) keepAlive(interval time.Duration, maxMissed int) {
	if maxMissed < 1 {
		maxMissed = 1
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	replies := make(chan error, 1)
	inflight := false
	missed := 0

	for {
		select {
		case <-s.done:
			return

		case err := <-replies:
			inflight = false
			if err == nil {
				missed = 0
				continue
			}
			missed++
			if missed >= maxMissed {
				_ = s.Close()
				return
			}

		case <-t.C:
			if inflight {
				// Previous request still unanswered.
				missed++
				if missed >= maxMissed {
					// Closing the transport also unblocks the stuck
					// SendRequest goroutine.
					_ = s.Close()
					return
				}
				continue
			}
			inflight = true
			go func() {
				_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
				replies <- err
			}()
		}
	}
}

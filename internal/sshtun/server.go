package sshtun

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Server is a minimal SSH server supporting TCP tunneling. It handles
// "direct-tcpip" channels (local/dynamic forwarding) and "tcpip-forward"
// global requests (remote forwarding). It exists for tests and local
// development; it is not a general-purpose SSH server.
type Server struct {
	config         *ssh.ServerConfig
	listener       net.Listener
	dropKeepAlives bool

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// ServerConfig holds configuration for the SSH server.
type ServerConfig struct {
	// HostKeys are the server's private host key(s). If empty, a random
	// RSA key is generated.
	HostKeys []ssh.Signer

	// PasswordCallback authenticates users by password. At least one of
	// PasswordCallback or PublicKeyCallback must be set.
	PasswordCallback func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error)

	// PublicKeyCallback authenticates users by public key.
	PublicKeyCallback func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error)

	// DropKeepAlives makes the server swallow keepalive requests without
	// replying, simulating a peer that has gone silent while the TCP
	// connection stays up.
	DropKeepAlives bool
}

// directTCPIPPayload is the payload for direct-tcpip channel requests.
type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// tcpipForwardPayload is the payload for tcpip-forward global requests.
type tcpipForwardPayload struct {
	BindAddr string
	BindPort uint32
}

// forwardedTCPIPPayload is the payload for forwarded-tcpip channels opened
// back to the client when a remote-forwarded connection arrives.
type forwardedTCPIPPayload struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

// NewServer creates a new SSH tunnel server listening on addr.
func NewServer(addr string, cfg ServerConfig) (*Server, error) {
	if cfg.PasswordCallback == nil && cfg.PublicKeyCallback == nil {
		return nil, errors.New("ssh server: at least one auth callback required")
	}

	sshConfig := &ssh.ServerConfig{
		PasswordCallback:  cfg.PasswordCallback,
		PublicKeyCallback: cfg.PublicKeyCallback,
	}

	hostKeys := cfg.HostKeys
	if len(hostKeys) == 0 {
		key, err := GenerateHostKey()
		if err != nil {
			return nil, fmt.Errorf("ssh server host key: %w", err)
		}
		hostKeys = []ssh.Signer{key}
	}
	for _, key := range hostKeys {
		sshConfig.AddHostKey(key)
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh server listen: %w", err)
	}

	return &Server{config: sshConfig, listener: ln, dropKeepAlives: cfg.DropKeepAlives}, nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts and handles SSH connections until the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return fmt.Errorf("ssh server accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting new connections and waits for existing connections
// to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	context.AfterFunc(ctx, func() {
		_ = sshConn.Close()
	})

	// Per-connection remote forwards, keyed by bind address.
	forwards := struct {
		sync.Mutex
		m map[string]net.Listener
	}{m: make(map[string]net.Listener)}

	defer func() {
		forwards.Lock()
		for _, ln := range forwards.m {
			_ = ln.Close()
		}
		forwards.Unlock()
	}()

	go func() {
		for req := range reqs {
			switch req.Type {
			case "tcpip-forward":
				var p tcpipForwardPayload
				if err := ssh.Unmarshal(req.Payload, &p); err != nil {
					_ = req.Reply(false, nil)
					continue
				}
				addr := net.JoinHostPort(p.BindAddr, strconv.Itoa(int(p.BindPort)))
				ln, err := net.Listen("tcp", addr)
				if err != nil {
					_ = req.Reply(false, nil)
					continue
				}
				boundPort := p.BindPort
				if ta, ok := ln.Addr().(*net.TCPAddr); ok {
					boundPort = uint32(ta.Port)
				}
				forwards.Lock()
				forwards.m[addr] = ln
				forwards.Unlock()
				_ = req.Reply(true, ssh.Marshal(&struct{ Port uint32 }{boundPort}))

				go s.acceptForwarded(ctx, sshConn, ln, p.BindAddr, boundPort)

			case "cancel-tcpip-forward":
				var p tcpipForwardPayload
				if err := ssh.Unmarshal(req.Payload, &p); err != nil {
					_ = req.Reply(false, nil)
					continue
				}
				addr := net.JoinHostPort(p.BindAddr, strconv.Itoa(int(p.BindPort)))
				forwards.Lock()
				if ln, ok := forwards.m[addr]; ok {
					_ = ln.Close()
					delete(forwards.m, addr)
				}
				forwards.Unlock()
				_ = req.Reply(true, nil)

			case "keepalive@openssh.com":
				if s.dropKeepAlives {
					continue
				}
				_ = req.Reply(true, nil)

			default:
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleDirectTCPIP(ctx, newChan)
		}()
	}
	wg.Wait()
}

// acceptForwarded accepts connections on a remote-forward listener and opens
// forwarded-tcpip channels back to the client for each.
func (s *Server) acceptForwarded(ctx context.Context, sshConn *ssh.ServerConn, ln net.Listener, bindAddr string, bindPort uint32) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}

		go func() {
			defer c.Close()

			origin := "0.0.0.0"
			originPort := uint32(0)
			if ta, ok := c.RemoteAddr().(*net.TCPAddr); ok {
				origin = ta.IP.String()
				originPort = uint32(ta.Port)
			}

			payload := ssh.Marshal(&forwardedTCPIPPayload{
				DestAddr:   bindAddr,
				DestPort:   bindPort,
				OriginAddr: origin,
				OriginPort: originPort,
			})

			ch, chReqs, err := sshConn.OpenChannel("forwarded-tcpip", payload)
			if err != nil {
				return
			}
			go ssh.DiscardRequests(chReqs)

			proxyBoth(ch, c)
		}()
	}
}

func (s *Server) handleDirectTCPIP(ctx context.Context, newChan ssh.NewChannel) {
	var payload directTCPIPPayload
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		_ = newChan.Reject(ssh.Prohibited, "invalid direct-tcpip payload")
		return
	}

	addr := net.JoinHostPort(payload.Host, fmt.Sprint(payload.Port))
	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		_ = newChan.Reject(ssh.ConnectionFailed, fmt.Sprintf("dial %s: %v", addr, err))
		return
	}

	ch, reqs, err := newChan.Accept()
	if err != nil {
		_ = dst.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	proxyBoth(ch, dst)
}

// proxyBoth copies bytes in both directions until one side finishes, then
// closes both.
func proxyBoth(a io.ReadWriteCloser, b io.ReadWriteCloser) {
	defer a.Close()
	defer b.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
}

// GenerateHostKey generates a random RSA host key.
func GenerateHostKey() (ssh.Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(key)
}

// SimplePasswordAuth returns a PasswordCallback that authenticates against
// a single username/password pair.
func SimplePasswordAuth(username, password string) func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
	return func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
		if conn.User() != username || string(pass) != password {
			return nil, errors.New("invalid credentials")
		}
		return &ssh.Permissions{}, nil
	}
}

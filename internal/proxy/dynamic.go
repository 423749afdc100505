package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/culvert-dev/culvert/internal/socks5"
)

// DynamicForwarder binds 127.0.0.1:localPort and serves a hybrid proxy:
// SOCKS5 clients, HTTP CONNECT clients, and plain HTTP proxy clients are
// told apart by the first byte of the connection and all end up relaying
// through a per-request SSH channel.
//
// The recognized first bytes form a closed set: 0x05 (SOCKS5) and the
// ASCII letters C, G, P, H, O, D (HTTP methods). Anything else is a
// protocol violation and the connection is dropped without a reply.
type DynamicForwarder struct {
	localPort int
	sess      Session
	verbose   bool
	resolver  *net.Resolver

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	ln      net.Listener
	started bool
}

// NewDynamicForwarder constructs the hybrid proxy listener.
func NewDynamicForwarder(localPort int, sess Session, verbose bool) *DynamicForwarder {
	ctx, cancel := context.WithCancel(context.Background())
	return &DynamicForwarder{
		localPort: localPort,
		sess:      sess,
		verbose:   verbose,
		resolver:  net.DefaultResolver,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start binds the local port and begins accepting proxy clients.
func (f *DynamicForwarder) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return fmt.Errorf("dynamic forwarder: already started")
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(f.localPort))
	lc := net.ListenConfig{}
	ln, err := lc.Listen(f.ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dynamic forwarder listen %s: %w", addr, err)
	}

	f.ln = ln
	f.started = true

	context.AfterFunc(f.ctx, func() {
		_ = ln.Close()
	})

	go f.acceptLoop(ln)
	return nil
}

// Stop closes the listener and interrupts in-flight relays.
func (f *DynamicForwarder) Stop() {
	f.cancel()
}

// Active reports whether the forwarder can still serve connections.
func (f *DynamicForwarder) Active() bool {
	f.mu.Lock()
	started := f.started
	f.mu.Unlock()
	return started && f.ctx.Err() == nil && f.sess.Active()
}

// Addr returns the bound listener address, or nil before Start.
func (f *DynamicForwarder) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ln == nil {
		return nil
	}
	return f.ln.Addr()
}

func (f *DynamicForwarder) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go f.handleConn(c)
	}
}

// handleConn dispatches one client connection by its first byte. Errors are
// isolated to the connection; they never surface to the supervisor.
func (f *DynamicForwarder) handleConn(c net.Conn) {
	defer c.Close()

	br := bufio.NewReader(c)
	first, err := br.Peek(1)
	if err != nil {
		return
	}

	switch first[0] {
	case socks5.Version:
		f.handleSOCKS5(c, br)
	case 'C':
		f.handleHTTPConnect(c, br)
	case 'G', 'P', 'H', 'O', 'D':
		f.handleHTTP(c, br)
	default:
		f.logf("dynamic: unrecognized protocol byte %#02x from %s", first[0], c.RemoteAddr())
	}
}

// handleSOCKS5 serves the RFC 1928 subset: no-auth negotiation, CONNECT
// command, IPv4/domain/IPv6 destinations.
func (f *DynamicForwarder) handleSOCKS5(c net.Conn, br *bufio.Reader) {
	// Greeting: VER NMETHODS METHODS...
	if _, err := br.ReadByte(); err != nil {
		return
	}
	nMethods, err := br.ReadByte()
	if err != nil {
		return
	}
	methods := make([]byte, int(nMethods))
	if _, err := io.ReadFull(br, methods); err != nil {
		return
	}

	if !containsByte(methods, socks5.MethodNone) {
		_ = socks5.WriteMethodSelection(c, socks5.MethodNoAcceptable)
		return
	}
	if err := socks5.WriteMethodSelection(c, socks5.MethodNone); err != nil {
		return
	}

	// Request: VER CMD RSV ATYP DST.ADDR DST.PORT
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return
	}
	if hdr[0] != socks5.Version {
		return
	}
	cmd, atyp := hdr[1], hdr[3]

	if cmd != socks5.CmdConnect {
		socks5.WriteCommandNotSupportedReply(c, atyp)
		return
	}

	dstHost, isDomain, err := socks5.ReadAddr(br, atyp)
	if err != nil {
		return
	}
	dstPort, err := socks5.ReadPort(br)
	if err != nil {
		return
	}

	// Resolve domains locally first so hosts-file overrides apply. If
	// resolution fails, forward the literal name and let the SSH server
	// try.
	if isDomain {
		if addrs, err := f.resolver.LookupHost(f.ctx, dstHost); err == nil && len(addrs) > 0 {
			dstHost = addrs[0]
		}
	}

	target := net.JoinHostPort(dstHost, strconv.Itoa(int(dstPort)))
	ch, err := f.sess.OpenChannel(f.ctx, target)
	if err != nil {
		f.logf("socks5: channel open %s: %v", target, err)
		socks5.WriteConnectionRefusedReply(c, atyp)
		return
	}

	// The bound address echoes the listener's local socket, which RFC 1928
	// permits as an approximation of the real endpoint.
	if err := socks5.WriteSuccessReply(c, c.LocalAddr()); err != nil {
		_ = ch.Close()
		return
	}

	f.relay(c, br, ch, nil)
}

// relay flushes any client bytes the bufio reader buffered past the
// handshake, then runs the bidirectional copy. extra is written to the
// channel first when non-nil.
func (f *DynamicForwarder) relay(c net.Conn, br *bufio.Reader, ch net.Conn, extra []byte) {
	if len(extra) > 0 {
		if _, err := ch.Write(extra); err != nil {
			_ = ch.Close()
			return
		}
	}
	if n := br.Buffered(); n > 0 {
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			_ = ch.Close()
			return
		}
		if _, err := ch.Write(buf); err != nil {
			_ = ch.Close()
			return
		}
	}

	_ = CopyBidirectional(f.ctx, c, ch)
}

func (f *DynamicForwarder) logf(format string, args ...any) {
	if f.verbose {
		log.Printf(format, args...)
	}
}

func containsByte(haystack []byte, want byte) bool {
	for _, b := range haystack {
		if b == want {
			return true
		}
	}
	return false
}

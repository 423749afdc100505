package proxy

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"
)

// RemoteForwarder asks the SSH server to bind serverPort on its side and
// forwards every inbound connection back to a local target on this host.
//
// The port mapping is deliberately the stored one: the tunnel's local_port
// is the server-side bind port and remote_port is the local destination.
type RemoteForwarder struct {
	serverPort int
	target     string
	sess       Session
	verbose    bool

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	ln      net.Listener
	started bool
}

// NewRemoteForwarder constructs a remote forwarder delivering connections to
// targetAddr on this host.
func NewRemoteForwarder(serverPort int, targetAddr string, sess Session, verbose bool) *RemoteForwarder {
	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteForwarder{
		serverPort: serverPort,
		target:     targetAddr,
		sess:       sess,
		verbose:    verbose,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start requests the server-side listener and begins accepting connections.
func (f *RemoteForwarder) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return fmt.Errorf("remote forwarder: already started")
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(f.serverPort))
	ln, err := f.sess.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("remote forwarder bind %s: %w", addr, err)
	}

	f.ln = ln
	f.started = true

	context.AfterFunc(f.ctx, func() {
		_ = ln.Close()
	})

	go f.acceptLoop(ln)
	return nil
}

// Stop closes the server-side listener and interrupts in-flight relays.
func (f *RemoteForwarder) Stop() {
	f.cancel()
}

// Active reports whether the forwarder can still serve connections.
func (f *RemoteForwarder) Active() bool {
	f.mu.Lock()
	started := f.started
	f.mu.Unlock()
	return started && f.ctx.Err() == nil && f.sess.Active()
}

func (f *RemoteForwarder) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go f.handleConn(c)
	}
}

func (f *RemoteForwarder) handleConn(c net.Conn) {
	defer c.Close()

	d := net.Dialer{Timeout: 10 * time.Second}
	local, err := d.DialContext(f.ctx, "tcp", f.target)
	if err != nil {
		if f.verbose {
			log.Printf("remote forwarder: dial %s: %v", f.target, err)
		}
		return
	}

	_ = CopyBidirectional(f.ctx, c, local)
}

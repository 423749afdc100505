package proxy

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
)

// LocalForwarder binds 127.0.0.1:localPort and forwards every accepted
// connection to a fixed target through the SSH session.
type LocalForwarder struct {
	localPort int
	target    string
	sess      Session
	verbose   bool

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	ln      net.Listener
	started bool
}

// NewLocalForwarder constructs a local forwarder sending connections to
// targetAddr (host:port on the far side of the session).
func NewLocalForwarder(localPort int, targetAddr string, sess Session, verbose bool) *LocalForwarder {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalForwarder{
		localPort: localPort,
		target:    targetAddr,
		sess:      sess,
		verbose:   verbose,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start binds the local port and begins accepting connections.
func (f *LocalForwarder) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return fmt.Errorf("local forwarder: already started")
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(f.localPort))
	lc := net.ListenConfig{}
	ln, err := lc.Listen(f.ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("local forwarder listen %s: %w", addr, err)
	}

	f.ln = ln
	f.started = true

	// Canceling the forwarder closes the listener, unblocking Accept
	// immediately.
	context.AfterFunc(f.ctx, func() {
		_ = ln.Close()
	})

	go f.acceptLoop(ln)
	return nil
}

// Stop closes the listener and interrupts in-flight relays.
func (f *LocalForwarder) Stop() {
	f.cancel()
}

// Active reports whether the forwarder can still serve connections.
func (f *LocalForwarder) Active() bool {
	f.mu.Lock()
	started := f.started
	f.mu.Unlock()
	return started && f.ctx.Err() == nil && f.sess.Active()
}

// Addr returns the bound listener address, or nil before Start.
func (f *LocalForwarder) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ln == nil {
		return nil
	}
	return f.ln.Addr()
}

func (f *LocalForwarder) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go f.handleConn(c)
	}
}

func (f *LocalForwarder) handleConn(c net.Conn) {
	defer c.Close()

	ch, err := f.sess.OpenChannel(f.ctx, f.target)
	if err != nil {
		if f.verbose {
			log.Printf("local forwarder: %v", err)
		}
		return
	}

	_ = CopyBidirectional(f.ctx, c, ch)
}

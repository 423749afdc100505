package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
)

// fakeSession satisfies Session without a real SSH transport. Channels are
// plain TCP connections: to dialAddr when set, otherwise to the requested
// address.
type fakeSession struct {
	dialAddr string

	mu       sync.Mutex
	active   bool
	failOpen bool
	opened   []string
	ln       net.Listener
}

func newFakeSession(dialAddr string) *fakeSession {
	return &fakeSession{dialAddr: dialAddr, active: true}
}

func (s *fakeSession) OpenChannel(ctx context.Context, address string) (net.Conn, error) {
	s.mu.Lock()
	s.opened = append(s.opened, address)
	fail := s.failOpen
	s.mu.Unlock()

	if fail {
		return nil, errors.New("channel open refused")
	}

	addr := s.dialAddr
	if addr == "" {
		addr = address
	}
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", addr)
}

func (s *fakeSession) Listen(network, address string) (net.Listener, error) {
	ln, err := net.Listen(network, "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return ln, nil
}

func (s *fakeSession) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.active = false
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	return nil
}

func (s *fakeSession) setFailOpen(fail bool) {
	s.mu.Lock()
	s.failOpen = fail
	s.mu.Unlock()
}

func (s *fakeSession) openedTargets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.opened))
	copy(out, s.opened)
	return out
}

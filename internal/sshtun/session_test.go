package sshtun

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/culvert-dev/culvert/internal/dialer"
	"github.com/culvert-dev/culvert/internal/testutil"
)

func startServer(t *testing.T) *Server {
	t.Helper()

	return startServerConfig(t, ServerConfig{
		PasswordCallback: SimplePasswordAuth("testuser", "testpass"),
	})
}

func startServerConfig(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()

	srv, err := NewServer("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
	})

	return srv
}

func testClientConfig() ClientConfig {
	return ClientConfig{
		User:             "testuser",
		Password:         "testpass",
		DialTimeout:      2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
	}
}

func directDialer() dialer.Dialer {
	return dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second})
}

func TestDialAndOpenChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := startServer(t)
	echoLn := testutil.StartEchoTCPServer(t, ctx)

	sess, err := Dial(ctx, srv.Addr().String(), testClientConfig(), directDialer())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	if !sess.Active() {
		t.Fatal("session not active after dial")
	}

	c, err := sess.OpenChannel(ctx, echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	testutil.AssertEcho(t, c, c, []byte("through the ssh channel"))
}

func TestDialBadPassword(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := startServer(t)

	cfg := testClientConfig()
	cfg.Password = "wrong"
	_, err := Dial(ctx, srv.Addr().String(), cfg, directDialer())
	if err == nil {
		t.Fatal("dial succeeded with bad password")
	}
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestDialTransportFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// A listener that is immediately closed gives a refused port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, err = Dial(ctx, addr, testClientConfig(), directDialer())
	if err == nil {
		t.Fatal("dial succeeded against closed port")
	}
	if errors.Is(err, ErrAuthentication) {
		t.Fatalf("transport failure misclassified as authentication: %v", err)
	}
}

func TestSessionCloseDeactivates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := startServer(t)

	sess, err := Dial(ctx, srv.Addr().String(), testClientConfig(), directDialer())
	if err != nil {
		t.Fatal(err)
	}

	if err := sess.Close(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sess.Active() {
		if time.Now().After(deadline) {
			t.Fatal("session still active after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestKeepAliveKeepsSessionActive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := startServer(t)

	cfg := testClientConfig()
	cfg.KeepAliveInterval = 50 * time.Millisecond
	cfg.KeepAliveMaxMissed = 2

	sess, err := Dial(ctx, srv.Addr().String(), cfg, directDialer())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	// Several intervals worth of acknowledged keep-alives must not close
	// the session.
	time.Sleep(300 * time.Millisecond)
	if !sess.Active() {
		t.Fatal("session closed despite answered keep-alives")
	}
}

func TestKeepAliveClosesSilentSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := startServerConfig(t, ServerConfig{
		PasswordCallback: SimplePasswordAuth("testuser", "testpass"),
		DropKeepAlives:   true,
	})

	cfg := testClientConfig()
	cfg.KeepAliveInterval = 50 * time.Millisecond
	cfg.KeepAliveMaxMissed = 3

	sess, err := Dial(ctx, srv.Addr().String(), cfg, directDialer())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	// The server eats every keep-alive while the TCP connection stays
	// healthy, so only the missed budget can detect the dead peer. Expect
	// the session to close within a few interval*maxMissed periods.
	deadline := time.Now().Add(2 * time.Second)
	for sess.Active() {
		if time.Now().After(deadline) {
			t.Fatal("session still active though no keep-alive was ever answered")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSessionListen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := startServer(t)

	sess, err := Dial(ctx, srv.Addr().String(), testClientConfig(), directDialer())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	// Bind a random port on the server side.
	ln, err := sess.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 64)
		n, err := c.Read(buf)
		if err != nil {
			return
		}
		_, _ = c.Write(buf[:n])
	}()

	// Connect to the server-side port like any external client would.
	d := net.Dialer{Timeout: 2 * time.Second}
	c, err := d.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	testutil.AssertEcho(t, c, c, []byte("remote forward roundtrip"))
}

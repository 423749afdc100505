package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/culvert-dev/culvert/internal/testutil"
)

func TestRemoteForwarderEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	sess := newFakeSession("")
	f := NewRemoteForwarder(0, echoLn.Addr().String(), sess, false)
	if err := f.Start(); err != nil {
		t.Fatal(err)
	}
	defer f.Stop()

	// The fake session's Listen stands in for the server-side bind; dialing
	// it simulates a connection arriving on the SSH server.
	d := net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", sess.ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	testutil.AssertEcho(t, c, c, []byte("inbound via remote forward"))
}

func TestRemoteForwarderStopClosesListener(t *testing.T) {
	sess := newFakeSession("")
	f := NewRemoteForwarder(0, "127.0.0.1:1", sess, false)
	if err := f.Start(); err != nil {
		t.Fatal(err)
	}

	addr := sess.ln.Addr().String()
	f.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return
		}
		_ = c.Close()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server-side listener still accepting after stop")
}

package sshtun

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestHostKeyCallbackDisabled(t *testing.T) {
	hkc, err := NewHostKeyCallback("")
	if err != nil {
		t.Fatal(err)
	}

	key, err := GenerateHostKey()
	if err != nil {
		t.Fatal(err)
	}
	remote := &net.TCPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 22}
	if err := hkc("203.0.113.7:22", remote, key.PublicKey()); err != nil {
		t.Fatalf("disabled checking rejected a key: %v", err)
	}
}

func TestHostKeyCallbackTrustOnFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")

	key, err := GenerateHostKey()
	if err != nil {
		t.Fatal(err)
	}
	remote := &net.TCPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 22}

	hkc, err := NewHostKeyCallback(path)
	if err != nil {
		t.Fatal(err)
	}

	// Unknown host: trusted and recorded.
	if err := hkc("203.0.113.7:22", remote, key.PublicKey()); err != nil {
		t.Fatalf("first-use key rejected: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "203.0.113.7") {
		t.Fatalf("host not recorded in known_hosts: %q", data)
	}

	// A fresh callback loaded from the file accepts the recorded key.
	hkc2, err := NewHostKeyCallback(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := hkc2("203.0.113.7:22", remote, key.PublicKey()); err != nil {
		t.Fatalf("recorded key rejected on second use: %v", err)
	}

	// A different key for the same host is a mismatch, never TOFU'd over.
	otherKey, err := GenerateHostKey()
	if err != nil {
		t.Fatal(err)
	}
	err = hkc2("203.0.113.7:22", remote, otherKey.PublicKey())
	if err == nil {
		t.Fatal("changed host key accepted")
	}
	if !strings.Contains(err.Error(), "mismatch") {
		t.Fatalf("expected mismatch error, got: %v", err)
	}
}

func TestDialRejectsChangedHostKey(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := startServer(t)
	path := filepath.Join(t.TempDir(), "known_hosts")

	// Pre-record a different key for the server's address.
	if err := ensureFile(path); err != nil {
		t.Fatal(err)
	}
	otherKey, err := GenerateHostKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := appendHostKey(path, srv.Addr().String(), otherKey.PublicKey()); err != nil {
		t.Fatal(err)
	}

	hkc, err := NewHostKeyCallback(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testClientConfig()
	cfg.HostKeyCallback = hkc

	if _, err := Dial(ctx, srv.Addr().String(), cfg, directDialer()); err == nil {
		t.Fatal("dial succeeded against a changed host key")
	}
}

func TestDialTrustOnFirstUse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := startServer(t)
	path := filepath.Join(t.TempDir(), "known_hosts")

	for i := 0; i < 2; i++ {
		// A fresh callback per dial: the second one must verify against
		// the key the first one recorded.
		hkc, err := NewHostKeyCallback(path)
		if err != nil {
			t.Fatal(err)
		}
		cfg := testClientConfig()
		cfg.HostKeyCallback = hkc

		sess, err := Dial(ctx, srv.Addr().String(), cfg, directDialer())
		if err != nil {
			t.Fatalf("dial %d: %v", i+1, err)
		}
		_ = sess.Close()
	}
}

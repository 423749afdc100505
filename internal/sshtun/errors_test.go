package sshtun

import (
	"errors"
	"testing"
)

func TestClassifyHandshake(t *testing.T) {
	t.Parallel()

	if classifyHandshake(nil) != nil {
		t.Fatal("nil error should stay nil")
	}

	auth := classifyHandshake(errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"))
	if !errors.Is(auth, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", auth)
	}

	transport := classifyHandshake(errors.New("read tcp: connection reset by peer"))
	if errors.Is(transport, ErrAuthentication) {
		t.Fatalf("transport error misclassified: %v", transport)
	}
}

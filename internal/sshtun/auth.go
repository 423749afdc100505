package sshtun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentAuthType is the key path value that selects the SSH agent instead of
// a key file.
const AgentAuthType = "agent"

// AgentAvailable reports whether an SSH agent socket is advertised in the
// environment.
func AgentAvailable() bool {
	return os.Getenv("SSH_AUTH_SOCK") != ""
}

// AgentSigners returns every signer the SSH agent offers.
func AgentSigners() ([]ssh.Signer, error) {
	if !AgentAvailable() {
		return nil, errors.New("SSH agent not available: SSH_AUTH_SOCK not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(context.Background(), "unix", os.Getenv("SSH_AUTH_SOCK"))
	if err != nil {
		return nil, fmt.Errorf("connecting to SSH agent: %w", err)
	}
	// The connection stays open: the signers keep using it for signing
	// operations until the process exits.

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("listing SSH agent keys: %w", err)
	}
	if len(signers) == 0 {
		_ = conn.Close()
		return nil, errors.New("no keys available in SSH agent")
	}

	return signers, nil
}

// LoadPrivateKey reads and parses an OpenSSH private key file.
func LoadPrivateKey(path string) (ssh.Signer, error) {
	keyData, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing key file %s: %w", path, err)
	}
	return signer, nil
}

// LoadSigners resolves a tunnel's key_path into signers: "agent" consults
// the SSH agent, an empty path yields none, anything else is read as a
// private key file.
func LoadSigners(keyPath string) ([]ssh.Signer, error) {
	switch keyPath {
	case "":
		return nil, nil
	case AgentAuthType:
		return AgentSigners()
	default:
		signer, err := LoadPrivateKey(keyPath)
		if err != nil {
			return nil, err
		}
		return []ssh.Signer{signer}, nil
	}
}

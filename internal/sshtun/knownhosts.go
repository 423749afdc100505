package sshtun

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// NewHostKeyCallback builds the host key verifier for the given known_hosts
// path. An empty path disables checking entirely. Otherwise keys are checked
// against the file with trust-on-first-use: an unknown host is recorded and
// accepted, while a known host presenting a different key is rejected as a
// possible MITM.
//
// The file and its directory are created on first use.
func NewHostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // User explicitly disabled host key checking.
	}

	if err := ensureFile(path); err != nil {
		return nil, err
	}

	verify, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}

	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			// The host is on file with a different key.
			return fmt.Errorf("host key mismatch for %s (possible MITM attack): %w", hostname, err)
		}

		mu.Lock()
		defer mu.Unlock()
		if err := appendHostKey(path, hostname, key); err != nil {
			return err
		}
		log.Printf("sshtun: added host key for %s to %s", hostname, path)
		return nil
	}, nil
}

func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating known_hosts directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
		if err != nil {
			return fmt.Errorf("creating known_hosts file: %w", err)
		}
		_ = f.Close()
	}
	return nil
}

// appendHostKey records a newly trusted host key in known_hosts format.
func appendHostKey(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("opening known_hosts for writing: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("writing to known_hosts: %w", err)
	}
	return nil
}

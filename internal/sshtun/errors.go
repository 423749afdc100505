package sshtun

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAuthentication marks handshake failures caused by rejected credentials.
// These are never worth retrying with the same configuration.
var ErrAuthentication = errors.New("authentication failed")

// classifyHandshake wraps handshake errors, tagging credential rejections
// with ErrAuthentication. x/crypto/ssh reports these only as strings, so
// match the two messages it produces for exhausted auth methods.
func classifyHandshake(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return fmt.Errorf("ssh handshake: %w", err)
}

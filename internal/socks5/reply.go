package socks5

import (
	"bufio"
	"fmt"
	"io"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// Protocol constants for the subset culvert implements.
const (
	Version    byte = 0x05
	CmdConnect      = txsocks5.CmdConnect

	MethodNone         byte = 0x00
	MethodNoAcceptable byte = 0xFF

	ATYPIPv4   = txsocks5.ATYPIPv4
	ATYPDomain = txsocks5.ATYPDomain
	ATYPIPv6   = txsocks5.ATYPIPv6
)

// WriteMethodSelection writes the server's method-selection message.
func WriteMethodSelection(w io.Writer, method byte) error {
	if _, err := w.Write([]byte{Version, method}); err != nil {
		return fmt.Errorf("method selection: %w", err)
	}
	return nil
}

// ReadAddr reads a destination address of the given address type from r.
// It returns the address as a string (dotted quad, bracketless IPv6, or the
// literal domain name) and whether it was a domain.
func ReadAddr(r *bufio.Reader, atyp byte) (addr string, isDomain bool, err error) {
	switch atyp {
	case ATYPIPv4:
		b := make([]byte, 4)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", false, err
		}
		return net.IP(b).String(), false, nil
	case ATYPDomain:
		n, err := r.ReadByte()
		if err != nil {
			return "", false, err
		}
		b := make([]byte, int(n))
		if _, err := io.ReadFull(r, b); err != nil {
			return "", false, err
		}
		return string(b), true, nil
	case ATYPIPv6:
		b := make([]byte, 16)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", false, err
		}
		return net.IP(b).String(), false, nil
	default:
		return "", false, fmt.Errorf("unsupported address type: %#02x", atyp)
	}
}

// ReadPort reads the 2-byte big-endian destination port from r.
func ReadPort(r io.Reader) (uint16, error) {
	b := make([]byte, 2)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

// WriteSuccessReply writes a SOCKS5 success reply using localAddr as the
// bound address. RFC 1928 permits echoing the listener's address rather
// than the real remote endpoint.
func WriteSuccessReply(w io.Writer, localAddr net.Addr) error {
	a, addr, port, err := txsocks5.ParseAddress(localAddr.String())
	if err != nil {
		return fmt.Errorf("parse local address %q: %w", localAddr.String(), err)
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port).WriteTo(w); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

// WriteCommandNotSupportedReply writes a SOCKS5 reply indicating that the
// requested command is not supported (reply code 7).
func WriteCommandNotSupportedReply(w io.Writer, atyp byte) {
	_, _ = newZeroAddrReply(txsocks5.RepCommandNotSupported, atyp).WriteTo(w)
}

// WriteConnectionRefusedReply writes a SOCKS5 reply indicating that the
// destination connection was refused (reply code 5).
func WriteConnectionRefusedReply(w io.Writer, atyp byte) {
	_, _ = newZeroAddrReply(txsocks5.RepConnectionRefused, atyp).WriteTo(w)
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

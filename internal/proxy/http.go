package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"strconv"
	"strings"
)

// Safety limits for reading proxy request heads.
const (
	maxRequestLine = 8 << 10  // first CRLF must arrive within 8 KiB
	maxHeaderBytes = 16 << 10 // whole head within 16 KiB
)

var (
	respConnEstablished = []byte("HTTP/1.1 200 Connection Established\r\n\r\n")
	respBadGateway      = []byte("HTTP/1.1 502 Bad Gateway\r\n\r\n")
)

// handleHTTPConnect serves an HTTP CONNECT client: parse the request head,
// open a channel to the requested host:port (default 443), reply 200 and
// relay.
func (f *DynamicForwarder) handleHTTPConnect(c net.Conn, br *bufio.Reader) {
	head, err := readHead(br)
	if err != nil {
		return
	}

	line, _ := splitHead(head)
	parts := strings.Fields(line)
	if len(parts) < 2 || !strings.EqualFold(parts[0], "CONNECT") {
		f.logf("http: invalid CONNECT request line %q", line)
		return
	}

	host, port := splitHostPortDefault(parts[1], 443)
	if host == "" {
		return
	}

	target := net.JoinHostPort(host, strconv.Itoa(port))
	ch, err := f.sess.OpenChannel(f.ctx, target)
	if err != nil {
		f.logf("http: CONNECT channel open %s: %v", target, err)
		_, _ = c.Write(respBadGateway)
		return
	}

	if _, err := c.Write(respConnEstablished); err != nil {
		_ = ch.Close()
		return
	}

	f.relay(c, br, ch, nil)
}

// handleHTTP serves a plain HTTP proxy client (GET, POST, ...). Absolute
// URIs are rewritten to origin-form before forwarding; relative URIs
// recover the destination from the Host header. The original headers and
// any buffered body bytes are forwarded unmodified.
func (f *DynamicForwarder) handleHTTP(c net.Conn, br *bufio.Reader) {
	head, err := readHead(br)
	if err != nil {
		return
	}

	line, rest := splitHead(head)
	parts := strings.Fields(line)
	if len(parts) < 3 {
		return
	}
	method, uri, version := parts[0], parts[1], parts[2]

	var host, path string
	port := 80

	if strings.HasPrefix(strings.ToLower(uri), "http://") {
		hostPart, pathPart, ok := strings.Cut(uri[len("http://"):], "/")
		path = "/"
		if ok {
			path += pathPart
		}
		host, port = splitHostPortDefault(hostPart, 80)
	} else {
		// Relative URI: the destination must come from the Host header.
		path = uri
		if h := headerValue(rest, "host"); h != "" {
			host, port = splitHostPortDefault(h, 80)
		}
	}

	if host == "" {
		f.logf("http: proxy request without resolvable destination: %q", line)
		return
	}

	target := net.JoinHostPort(host, strconv.Itoa(port))
	ch, err := f.sess.OpenChannel(f.ctx, target)
	if err != nil {
		f.logf("http: %s channel open %s: %v", method, target, err)
		_, _ = c.Write(respBadGateway)
		return
	}

	// Rewrite the request line to origin-form; keep the remaining header
	// block byte-for-byte, including the Host header.
	var rewritten bytes.Buffer
	rewritten.WriteString(method)
	rewritten.WriteByte(' ')
	rewritten.WriteString(path)
	rewritten.WriteByte(' ')
	rewritten.WriteString(version)
	rewritten.WriteString("\r\n")
	if len(rest) > 0 {
		rewritten.Write(rest)
		rewritten.WriteString("\r\n")
	}
	rewritten.WriteString("\r\n")

	f.relay(c, br, ch, rewritten.Bytes())
}

var errHeadTooLarge = errors.New("request head too large")

// readHead consumes bytes from br up to and including the CRLFCRLF head
// terminator and returns the head without the terminator. Bytes past the
// terminator stay buffered in br.
func readHead(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	sawLine := false

	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b)

		if !sawLine && bytes.Contains(buf, []byte("\r\n")) {
			sawLine = true
		}
		if !sawLine && len(buf) > maxRequestLine {
			return nil, errHeadTooLarge
		}
		if len(buf) > maxHeaderBytes {
			return nil, errHeadTooLarge
		}

		if bytes.HasSuffix(buf, []byte("\r\n\r\n")) {
			return buf[:len(buf)-4], nil
		}
	}
}

// splitHead splits a request head into its request line and the raw header
// block that follows it.
func splitHead(head []byte) (line string, rest []byte) {
	if i := bytes.Index(head, []byte("\r\n")); i >= 0 {
		return string(head[:i]), head[i+2:]
	}
	return string(head), nil
}

// headerValue scans a raw header block for the named header
// (case-insensitive) and returns its trimmed value.
func headerValue(headers []byte, name string) string {
	for _, line := range bytes.Split(headers, []byte("\r\n")) {
		k, v, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(string(k)), name) {
			return strings.TrimSpace(string(v))
		}
	}
	return ""
}

// splitHostPortDefault splits "host[:port]", applying def when no port is
// present or the port doesn't parse.
func splitHostPortDefault(hostport string, def int) (host string, port int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, def
	}
	p, err := strconv.Atoi(portStr)
	if err != nil || p < 1 || p > 65535 {
		return host, def
	}
	return host, p
}

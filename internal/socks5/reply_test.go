package socks5

import (
	"bufio"
	"bytes"
	"net"
	"testing"
)

func TestReadAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		atyp       byte
		input      []byte
		want       string
		wantDomain bool
		wantErr    bool
	}{
		{
			name:  "ipv4",
			atyp:  ATYPIPv4,
			input: []byte{192, 0, 2, 10},
			want:  "192.0.2.10",
		},
		{
			name:       "domain",
			atyp:       ATYPDomain,
			input:      append([]byte{11}, []byte("example.com")...),
			want:       "example.com",
			wantDomain: true,
		},
		{
			name:  "ipv6",
			atyp:  ATYPIPv6,
			input: net.IPv6loopback,
			want:  "::1",
		},
		{
			name:    "unsupported",
			atyp:    0x09,
			input:   []byte{0},
			wantErr: true,
		},
		{
			name:    "truncated ipv4",
			atyp:    ATYPIPv4,
			input:   []byte{192, 0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			br := bufio.NewReader(bytes.NewReader(tt.input))
			got, isDomain, err := ReadAddr(br, tt.atyp)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want || isDomain != tt.wantDomain {
				t.Fatalf("got %q domain=%v, want %q domain=%v", got, isDomain, tt.want, tt.wantDomain)
			}
		})
	}
}

func TestReadPort(t *testing.T) {
	t.Parallel()

	p, err := ReadPort(bytes.NewReader([]byte{0x1F, 0x90}))
	if err != nil {
		t.Fatal(err)
	}
	if p != 8080 {
		t.Fatalf("port %d, want 8080", p)
	}
}

func TestWriteSuccessReply(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1080}
	if err := WriteSuccessReply(&buf, addr); err != nil {
		t.Fatal(err)
	}

	want := []byte{0x05, 0x00, 0x00, ATYPIPv4, 127, 0, 0, 1, 0x04, 0x38}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("reply % x, want % x", buf.Bytes(), want)
	}
}

func TestWriteErrorReplies(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	WriteCommandNotSupportedReply(&buf, ATYPIPv4)
	want := []byte{0x05, 0x07, 0x00, ATYPIPv4, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("reply % x, want % x", buf.Bytes(), want)
	}

	buf.Reset()
	WriteConnectionRefusedReply(&buf, ATYPIPv6)
	got := buf.Bytes()
	if len(got) != 22 || got[1] != 0x05 || got[3] != ATYPIPv6 {
		t.Fatalf("unexpected ipv6 refused reply % x", got)
	}
}

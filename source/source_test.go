package source

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
)

func TestIsReplySubject(t *testing.T) {
	tests := []struct {
		subject string
		want    bool
	}{
		{"Re: lunch", true},
		{"RE:lunch", true},
		{"  re: padded", true},
		{"Re[2]: thread", true},
		{"Fwd: doc", true},
		{"FW: doc", true},
		{"Re[x]: nope", false},
		{"Regarding lunch", false},
		{"forward planning", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsReplySubject(tt.subject); got != tt.want {
			t.Errorf("IsReplySubject(%q) = %v, want %v", tt.subject, got, tt.want)
		}
	}
}

func TestNewFolderRef(t *testing.T) {
	ref := NewFolderRef("[Gmail]/All Mail", '/', true)
	if ref.Name != "All Mail" || ref.Path != "[Gmail]/All Mail" {
		t.Errorf("got %+v", ref)
	}
	flat := NewFolderRef("INBOX", 0, true)
	if flat.Name != "INBOX" {
		t.Errorf("got %+v", flat)
	}
}

func TestEndpointAddr(t *testing.T) {
	if got := (Endpoint{Host: "imap.example.com", Port: 993}).Addr(); got != "imap.example.com:993" {
		t.Errorf("Addr = %q", got)
	}
}

func TestIsConnectionLost(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"closed session", fmt.Errorf("fetch: %w", ErrClosed), true},
		{"eof", io.EOF, true},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{"reset", &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}, true},
		{"closed conn", fmt.Errorf("write: %w", net.ErrClosed), true},
		{"missing message", ErrMessageNotFound, false},
		{"protocol error", errors.New("imap: BAD command"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionLost(tt.err); got != tt.want {
				t.Errorf("IsConnectionLost(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// Package source defines the mail-access provider contracts used by
// mailbridge. A provider dials one session per request; the session is not
// safe for concurrent use and callers must serialize every call on it.
package source

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Sentinel errors for providers.
var (
	// ErrAuthFailed is returned when the server rejects the credentials.
	ErrAuthFailed = errors.New("source: authentication failed")

	// ErrNoAuthMechanism is returned when the server offers no mechanism
	// the provider is allowed to use.
	ErrNoAuthMechanism = errors.New("source: no usable authentication mechanism")

	// ErrNotSelected is returned when a fetch targets a folder other than
	// the currently selected one.
	ErrNotSelected = errors.New("source: folder not selected")

	// ErrMessageNotFound is returned when a unique id does not exist.
	ErrMessageNotFound = errors.New("source: message not found")

	// ErrClosed is returned for calls on a closed session.
	ErrClosed = errors.New("source: session closed")
)

// Endpoint is the address of a mail server.
type Endpoint struct {
	Host string
	Port int
	// TLS selects implicit TLS. When false the provider upgrades with STARTTLS.
	TLS bool
}

// Addr returns "host:port".
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Access is the mode a folder is opened in.
type Access int

const (
	ReadOnly Access = iota
	ReadWrite
)

func (a Access) String() string {
	if a == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// FolderRef names a folder without opening it.
type FolderRef struct {
	// Path is the full hierarchical name, e.g. "[Gmail]/All Mail".
	Path string
	// Name is the leaf name, e.g. "All Mail".
	Name string
	// Delimiter is the hierarchy separator, 0 when flat.
	Delimiter rune
	// Selectable is false for pure containers (\Noselect).
	Selectable bool
}

// NewFolderRef builds a ref from a full path and delimiter.
func NewFolderRef(path string, delim rune, selectable bool) FolderRef {
	name := path
	if delim != 0 {
		if i := strings.LastIndex(path, string(delim)); i >= 0 {
			name = path[i+len(string(delim)):]
		}
	}
	return FolderRef{Path: path, Name: name, Delimiter: delim, Selectable: selectable}
}

// Folder is an opened folder handle.
type Folder struct {
	Ref         FolderRef
	Access      Access
	Total       uint32
	Unread      uint32
	UIDValidity uint32
}

// Range is a 1-based inclusive range of message sequence numbers.
// Stop == 0 means "through the last message".
type Range struct {
	Start uint32
	Stop  uint32
}

// All covers every message in a folder.
var All = Range{Start: 1, Stop: 0}

// Summary is lightweight per-message metadata.
type Summary struct {
	UID       uint32
	Subject   string
	MessageID string
	InReplyTo string
	// Date is the envelope date; zero when the message has none.
	Date    time.Time
	IsReply bool
	Flags   []string
}

// FullMessage is the raw RFC 5322 content of one message.
type FullMessage struct {
	UID uint32
	Raw []byte
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (Session, error)
}

// Session is one connection to the mail server.
type Session interface {
	Authenticate(ctx context.Context, username, password string) error
	ListFolders(ctx context.Context) ([]FolderRef, error)
	OpenFolder(ctx context.Context, ref FolderRef, access Access) (*Folder, error)
	FetchSummaries(ctx context.Context, folder *Folder, r Range) ([]Summary, error)
	FetchMessage(ctx context.Context, folder *Folder, uid uint32) (*FullMessage, error)
	Close(ctx context.Context) error
}

// IsReplySubject reports whether subject carries a reply or forward prefix
// ("Re:", "Re[2]:", "Fw:", "Fwd:"), ignoring case and leading space.
func IsReplySubject(subject string) bool {
	s := strings.ToLower(strings.TrimSpace(subject))
	switch {
	case strings.HasPrefix(s, "re:"), strings.HasPrefix(s, "fw:"), strings.HasPrefix(s, "fwd:"):
		return true
	case strings.HasPrefix(s, "re["):
		end := strings.Index(s, "]:")
		if end <= len("re[") {
			return false
		}
		_, err := strconv.Atoi(s[len("re["):end])
		return err == nil
	}
	return false
}

// IsConnectionLost reports whether err means the session can no longer talk
// to the server: a closed session, a dropped or reset socket, or a network
// timeout. Protocol-level rejections such as a missing message are not.
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Package imap implements source.Dialer on top of go-imap/v2.
//
// Authentication uses SASL PLAIN when the server advertises it and falls
// back to LOGIN otherwise. XOAUTH2 and NTLM are never attempted.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/rbaliyan/mailbridge/source"
)

// Dialer opens IMAP sessions.
type Dialer struct {
	opts *options
}

var _ source.Dialer = (*Dialer)(nil)

// New creates a Dialer.
func New(opts ...Option) *Dialer {
	return &Dialer{opts: newOptions(opts...)}
}

func (d *Dialer) tlsConfig(host string) *tls.Config {
	var cfg *tls.Config
	if d.opts.tlsConfig != nil {
		cfg = d.opts.tlsConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// Dial connects to endpoint. With endpoint.TLS the connection is TLS from
// the first byte; otherwise it is upgraded with STARTTLS before returning.
func (d *Dialer) Dial(ctx context.Context, endpoint source.Endpoint) (source.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.connectTimeout)
	defer cancel()

	tlsCfg := d.tlsConfig(endpoint.Host)
	netDialer := &net.Dialer{Timeout: d.opts.connectTimeout}

	rawConn, err := netDialer.DialContext(ctx, "tcp", endpoint.Addr())
	if err != nil {
		return nil, err
	}

	s := &Session{conn: rawConn, commandTimeout: d.opts.commandTimeout}
	done := s.watch(ctx, d.opts.connectTimeout)
	defer done()

	clientOpts := &imapclient.Options{TLSConfig: tlsCfg, DebugWriter: d.opts.debug}
	if endpoint.TLS {
		tlsConn := tls.Client(rawConn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = rawConn.Close()
			return nil, fmt.Errorf("imap: tls handshake: %w", err)
		}
		s.client = imapclient.New(tlsConn, clientOpts)
	} else {
		c, err := imapclient.NewStartTLS(rawConn, clientOpts)
		if err != nil {
			_ = rawConn.Close()
			return nil, fmt.Errorf("imap: starttls: %w", err)
		}
		s.client = c
	}

	if err := s.client.WaitGreeting(); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("imap: greeting: %w", err)
	}
	return s, nil
}

// Session is one IMAP connection. It is not safe for concurrent use.
type Session struct {
	client         *imapclient.Client
	conn           net.Conn
	commandTimeout time.Duration
	selected       string
}

var _ source.Session = (*Session)(nil)

// watch arms the connection deadline for one command and aborts the
// command when ctx is cancelled. The returned func disarms both.
func (s *Session) watch(ctx context.Context, timeout time.Duration) func() {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = s.conn.SetDeadline(time.Time{})
	}
}

func (s *Session) begin(ctx context.Context) (func(), error) {
	if s.client == nil {
		return nil, source.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.watch(ctx, s.commandTimeout), nil
}

// Authenticate logs in with PLAIN when advertised, else LOGIN.
func (s *Session) Authenticate(ctx context.Context, username, password string) error {
	done, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	caps := s.client.Caps()
	switch {
	case caps.Has(imap.AuthCap(sasl.Plain)):
		err = s.client.Authenticate(sasl.NewPlainClient("", username, password))
	case caps.Has(imap.CapLoginDisabled):
		return source.ErrNoAuthMechanism
	default:
		err = s.client.Login(username, password).Wait()
	}
	if err == nil {
		return nil
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return fmt.Errorf("%w: %s", source.ErrAuthFailed, imapErr.Text)
	}
	return err
}

// ListFolders lists every folder under the first personal namespace, or
// under the root when the server lacks NAMESPACE.
func (s *Session) ListFolders(ctx context.Context) ([]source.FolderRef, error) {
	done, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	prefix := ""
	if s.client.Caps().Has(imap.CapNamespace) {
		ns, err := s.client.Namespace().Wait()
		if err != nil {
			return nil, fmt.Errorf("imap: namespace: %w", err)
		}
		if len(ns.Personal) > 0 {
			prefix = ns.Personal[0].Prefix
		}
	}

	list, err := s.client.List("", prefix+"*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap: list: %w", err)
	}
	refs := make([]source.FolderRef, 0, len(list))
	for _, ld := range list {
		if hasAttr(ld.Attrs, imap.MailboxAttrNonExistent) {
			continue
		}
		refs = append(refs, source.NewFolderRef(ld.Mailbox, ld.Delim, !hasAttr(ld.Attrs, imap.MailboxAttrNoSelect)))
	}
	return refs, nil
}

// OpenFolder selects ref. ReadOnly uses EXAMINE semantics.
func (s *Session) OpenFolder(ctx context.Context, ref source.FolderRef, access source.Access) (*source.Folder, error) {
	done, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	var unread uint32
	status, err := s.client.Status(ref.Path, &imap.StatusOptions{NumUnseen: true}).Wait()
	if err == nil && status.NumUnseen != nil {
		unread = *status.NumUnseen
	}

	s.selected = ""
	sel, err := s.client.Select(ref.Path, &imap.SelectOptions{ReadOnly: access == source.ReadOnly}).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap: select %q: %w", ref.Path, err)
	}
	s.selected = ref.Path
	return &source.Folder{
		Ref:         ref,
		Access:      access,
		Total:       sel.NumMessages,
		Unread:      unread,
		UIDValidity: sel.UIDValidity,
	}, nil
}

// FetchSummaries fetches envelope, UID and flags for r.
func (s *Session) FetchSummaries(ctx context.Context, folder *source.Folder, r source.Range) ([]source.Summary, error) {
	if err := s.checkSelected(folder); err != nil {
		return nil, err
	}
	if folder.Total == 0 {
		return nil, nil
	}
	done, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	start := r.Start
	if start < 1 {
		start = 1
	}
	var seq imap.SeqSet
	seq.AddRange(start, r.Stop)

	cmd := s.client.Fetch(seq, &imap.FetchOptions{Envelope: true, UID: true, Flags: true})
	var out []source.Summary
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			_ = cmd.Close()
			return nil, fmt.Errorf("imap: fetch summaries: %w", err)
		}
		out = append(out, summaryFromBuffer(buf))
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("imap: fetch summaries: %w", err)
	}
	return out, nil
}

// FetchMessage downloads the full RFC 5322 content of uid without
// setting \Seen.
func (s *Session) FetchMessage(ctx context.Context, folder *source.Folder, uid uint32) (*source.FullMessage, error) {
	if err := s.checkSelected(folder); err != nil {
		return nil, err
	}
	done, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	section := &imap.FetchItemBodySection{Peek: true}
	cmd := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		if err := cmd.Close(); err != nil {
			return nil, fmt.Errorf("imap: fetch %d: %w", uid, err)
		}
		return nil, source.ErrMessageNotFound
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("imap: fetch %d: %w", uid, err)
	}
	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, source.ErrMessageNotFound
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("imap: fetch %d: %w", uid, err)
	}
	return &source.FullMessage{UID: uid, Raw: raw}, nil
}

// Close logs out and closes the connection.
func (s *Session) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	done := s.watch(ctx, s.commandTimeout)
	defer done()

	logoutErr := s.client.Logout().Wait()
	closeErr := s.client.Close()
	s.client = nil
	if logoutErr != nil && closeErr != nil {
		return errors.Join(logoutErr, closeErr)
	}
	if logoutErr != nil {
		return fmt.Errorf("imap: logout: %w", logoutErr)
	}
	return nil
}

func (s *Session) checkSelected(folder *source.Folder) error {
	if folder == nil || s.selected == "" || folder.Ref.Path != s.selected {
		return source.ErrNotSelected
	}
	return nil
}

func summaryFromBuffer(buf *imapclient.FetchMessageBuffer) source.Summary {
	sum := source.Summary{UID: uint32(buf.UID)}
	if env := buf.Envelope; env != nil {
		sum.Subject = env.Subject
		sum.MessageID = env.MessageID
		sum.Date = env.Date
		if len(env.InReplyTo) > 0 {
			sum.InReplyTo = env.InReplyTo[0]
		}
	}
	sum.IsReply = source.IsReplySubject(sum.Subject)
	for _, f := range buf.Flags {
		sum.Flags = append(sum.Flags, string(f))
	}
	return sum
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == want {
			return true
		}
	}
	return false
}

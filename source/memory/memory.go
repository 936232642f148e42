// Package memory provides an in-process mail provider for tests and demos.
//
// Sessions returned by the provider detect overlapping calls: the real
// protocol connection is not reentrant, so any two calls running on the
// same session at once are recorded as a violation.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/rbaliyan/mailbridge/source"
)

type message struct {
	uid      uint32
	raw      []byte
	flags    []string
	fetchErr error
}

type folder struct {
	ref      source.FolderRef
	nextUID  uint32
	messages []*message
	openErr  error
}

// Provider is an in-memory source.Dialer.
type Provider struct {
	mu       sync.Mutex
	folders  []*folder
	username string
	password string
	dialErr  error
	delay    time.Duration

	dials      atomic.Int64
	closes     atomic.Int64
	violations atomic.Int64
}

// Option configures a Provider.
type Option func(*Provider)

// WithCredentials sets the accepted username and password.
// Without it any credentials are accepted.
func WithCredentials(username, password string) Option {
	return func(p *Provider) {
		p.username = username
		p.password = password
	}
}

// WithDialError makes every Dial fail with err.
func WithDialError(err error) Option {
	return func(p *Provider) {
		p.dialErr = err
	}
}

// WithCallDelay makes every session call take at least d, widening the
// window in which overlapping calls are detected.
func WithCallDelay(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.delay = d
		}
	}
}

// New creates an empty provider.
func New(opts ...Option) *Provider {
	p := &Provider{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddFolder registers a folder. Adding an existing path is a no-op.
func (p *Provider) AddFolder(path string, delim rune, selectable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.find(path) != nil {
		return
	}
	p.folders = append(p.folders, &folder{ref: source.NewFolderRef(path, delim, selectable)})
}

// Append stores a raw RFC 5322 message in the folder at path, creating a
// flat selectable folder if needed, and returns its unique id.
func (p *Provider) Append(path string, raw []byte, flags ...string) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.find(path)
	if f == nil {
		f = &folder{ref: source.NewFolderRef(path, '/', true)}
		p.folders = append(p.folders, f)
	}
	f.nextUID++
	f.messages = append(f.messages, &message{
		uid:   f.nextUID,
		raw:   append([]byte(nil), raw...),
		flags: append([]string(nil), flags...),
	})
	return f.nextUID
}

// FailOpen makes opening the folder at path fail with err.
func (p *Provider) FailOpen(path string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f := p.find(path); f != nil {
		f.openErr = err
	}
}

// FailFetch makes fetching uid in the folder at path fail with err.
func (p *Provider) FailFetch(path string, uid uint32, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f := p.find(path); f != nil {
		for _, m := range f.messages {
			if m.uid == uid {
				m.fetchErr = err
			}
		}
	}
}

// Dials returns the number of sessions opened.
func (p *Provider) Dials() int64 { return p.dials.Load() }

// Closes returns the number of sessions closed.
func (p *Provider) Closes() int64 { return p.closes.Load() }

// Violations returns how many times two calls overlapped on one session.
func (p *Provider) Violations() int64 { return p.violations.Load() }

func (p *Provider) find(path string) *folder {
	for _, f := range p.folders {
		if f.ref.Path == path {
			return f
		}
	}
	return nil
}

// Dial implements source.Dialer.
func (p *Provider) Dial(ctx context.Context, _ source.Endpoint) (source.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.dialErr != nil {
		return nil, p.dialErr
	}
	p.dials.Add(1)
	return &session{p: p}, nil
}

type session struct {
	p        *Provider
	inUse    atomic.Int32
	closed   atomic.Bool
	authed   bool
	selected string
}

// enter marks the session busy and records an overlap if it already was.
func (s *session) enter(ctx context.Context) (func(), error) {
	if s.closed.Load() {
		return nil, source.ErrClosed
	}
	if s.inUse.Add(1) > 1 {
		s.p.violations.Add(1)
	}
	leave := func() { s.inUse.Add(-1) }
	if s.p.delay > 0 {
		t := time.NewTimer(s.p.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			leave()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		leave()
		return nil, err
	}
	return leave, nil
}

func (s *session) Authenticate(ctx context.Context, username, password string) error {
	leave, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()
	if s.p.username != "" && (username != s.p.username || password != s.p.password) {
		return source.ErrAuthFailed
	}
	s.authed = true
	return nil
}

func (s *session) ListFolders(ctx context.Context) ([]source.FolderRef, error) {
	leave, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	refs := make([]source.FolderRef, 0, len(s.p.folders))
	for _, f := range s.p.folders {
		refs = append(refs, f.ref)
	}
	return refs, nil
}

func (s *session) OpenFolder(ctx context.Context, ref source.FolderRef, access source.Access) (*source.Folder, error) {
	leave, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	f := s.p.find(ref.Path)
	if f == nil {
		return nil, fmt.Errorf("memory: no folder %q", ref.Path)
	}
	if !f.ref.Selectable {
		return nil, fmt.Errorf("memory: folder %q is not selectable", ref.Path)
	}
	if f.openErr != nil {
		return nil, f.openErr
	}
	s.selected = f.ref.Path
	var unread uint32
	for _, m := range f.messages {
		if !hasFlag(m.flags, `\Seen`) {
			unread++
		}
	}
	return &source.Folder{
		Ref:         f.ref,
		Access:      access,
		Total:       uint32(len(f.messages)),
		Unread:      unread,
		UIDValidity: 1,
	}, nil
}

func (s *session) FetchSummaries(ctx context.Context, fh *source.Folder, r source.Range) ([]source.Summary, error) {
	leave, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	f, err := s.selectedFolder(fh)
	if err != nil {
		return nil, err
	}
	start, stop := int(r.Start), int(r.Stop)
	if start < 1 {
		start = 1
	}
	if stop == 0 || stop > len(f.messages) {
		stop = len(f.messages)
	}
	var out []source.Summary
	for i := start - 1; i < stop; i++ {
		out = append(out, summarize(f.messages[i]))
	}
	return out, nil
}

func (s *session) FetchMessage(ctx context.Context, fh *source.Folder, uid uint32) (*source.FullMessage, error) {
	leave, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	f, err := s.selectedFolder(fh)
	if err != nil {
		return nil, err
	}
	for _, m := range f.messages {
		if m.uid != uid {
			continue
		}
		if m.fetchErr != nil {
			return nil, m.fetchErr
		}
		return &source.FullMessage{UID: uid, Raw: append([]byte(nil), m.raw...)}, nil
	}
	return nil, source.ErrMessageNotFound
}

func (s *session) Close(context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.p.closes.Add(1)
	return nil
}

// selectedFolder returns a snapshot of the folder behind fh, which must be
// the one last opened on this session.
func (s *session) selectedFolder(fh *source.Folder) (*folder, error) {
	if fh == nil || fh.Ref.Path != s.selected {
		return nil, source.ErrNotSelected
	}
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	f := s.p.find(fh.Ref.Path)
	if f == nil {
		return nil, source.ErrNotSelected
	}
	cp := *f
	cp.messages = append([]*message(nil), f.messages...)
	return &cp, nil
}

func summarize(m *message) source.Summary {
	sum := source.Summary{UID: m.uid, Flags: append([]string(nil), m.flags...)}
	mr, err := mail.CreateReader(bytes.NewReader(m.raw))
	if err != nil {
		return sum
	}
	defer mr.Close()
	sum.Subject, _ = mr.Header.Subject()
	sum.MessageID, _ = mr.Header.MessageID()
	sum.InReplyTo = strings.TrimSpace(mr.Header.Get("In-Reply-To"))
	if d, err := mr.Header.Date(); err == nil {
		sum.Date = d
	}
	sum.IsReply = source.IsReplySubject(sum.Subject)
	return sum
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

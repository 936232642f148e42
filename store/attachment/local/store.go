// Package local provides a filesystem attachment file store.
//
// Attachments are written to <root>/<uid>/<fileName>. A file is first
// written under a temporary name in the same directory and then hard linked
// into place, so readers never observe partial content and an existing
// attachment is never replaced. Uploading the same bytes to an existing
// key again reports a *store.ExistsError with Identical set.
package local

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rbaliyan/mailbridge/store"
)

// Store implements store.AttachmentFileStore on a local directory.
type Store struct {
	root   string
	opts   *options
	logger *slog.Logger
}

var _ store.AttachmentFileStore = (*Store)(nil)

// New creates a store rooted at root, creating the directory if needed.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("local: root directory is required")
	}
	o := &options{
		fileMode: DefaultFileMode,
		sync:     true,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("local: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("local: create root: %w", err)
	}
	return &Store{root: abs, opts: o, logger: o.logger}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string { return s.root }

// Upload writes content to <root>/<uid>/<fileName> and returns its file://
// URI. If the file is already present it fails with a *store.ExistsError
// that tells whether the stored bytes match content.
func (s *Store) Upload(ctx context.Context, key store.AttachmentKey, _ string, content io.Reader) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := filepath.Join(s.root, strconv.FormatInt(key.UID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("local: create directory: %w", err)
	}
	final := filepath.Join(dir, key.FileName)

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("local: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), content); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("local: write attachment: %w", err)
	}
	if s.opts.sync {
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			return "", fmt.Errorf("local: sync attachment: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("local: close attachment: %w", err)
	}
	if err := os.Chmod(tmpName, s.opts.fileMode); err != nil {
		return "", fmt.Errorf("local: chmod attachment: %w", err)
	}

	if err := os.Link(tmpName, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", store.CompareStored(fileURI(final), h.Sum(nil), func() (io.ReadCloser, error) {
				return os.Open(final)
			})
		}
		return "", fmt.Errorf("local: publish attachment: %w", err)
	}

	s.logger.Debug("stored attachment", "uid", key.UID, "path", final)
	return fileURI(final), nil
}

// Load opens the attachment at uri.
func (s *Store) Load(_ context.Context, uri string) (io.ReadCloser, error) {
	p, err := s.resolve(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, uri)
	}
	if err != nil {
		return nil, fmt.Errorf("local: open attachment: %w", err)
	}
	return f, nil
}

// Delete removes the attachment at uri and its directory once empty.
func (s *Store) Delete(_ context.Context, uri string) error {
	p, err := s.resolve(uri)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", store.ErrNotFound, uri)
		}
		return fmt.Errorf("local: delete attachment: %w", err)
	}
	// Fails harmlessly while other attachments of the message remain.
	_ = os.Remove(filepath.Dir(p))
	return nil
}

// resolve maps a file:// URI to a path inside the root.
func (s *Store) resolve(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return "", fmt.Errorf("%w: %s", store.ErrInvalidURI, uri)
	}
	p := filepath.Clean(filepath.FromSlash(u.Path))
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: outside store root: %s", store.ErrInvalidURI, uri)
	}
	return p, nil
}

func fileURI(p string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()
}

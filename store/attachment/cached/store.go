// Package cached wraps an attachment file store with a local disk cache.
//
// Uploads are written through to the backend and kept on disk, so a replay
// consumer loading an attachment shortly after it was produced does not hit
// the remote backend. Loads that miss are filled while the caller reads.
package cached

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rbaliyan/mailbridge/store"
)

// Store wraps an AttachmentFileStore with local file caching.
type Store struct {
	backend store.AttachmentFileStore
	dir     string
	maxSize int64
	ttl     time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	used int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ store.AttachmentFileStore = (*Store)(nil)

// New creates a cached store wrapping backend.
func New(backend store.AttachmentFileStore, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("cached: backend is required")
	}
	o := &options{
		cacheDir: os.TempDir(),
		maxSize:  DefaultMaxSize,
		ttl:      DefaultTTL,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	dir := filepath.Join(o.cacheDir, "mailbridge-attachments")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	s := &Store{
		backend: backend,
		dir:     dir,
		maxSize: o.maxSize,
		ttl:     o.ttl,
		logger:  o.logger,
		stop:    make(chan struct{}),
	}
	s.used = s.scan()

	if s.ttl > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	return s, nil
}

// Upload streams content to the backend and keeps a copy in the cache
// keyed by the returned URI.
func (s *Store) Upload(ctx context.Context, key store.AttachmentKey, contentType string, content io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.dir, "up-*")
	if err != nil {
		s.logger.Warn("cache unavailable for upload", "error", err)
		return s.backend.Upload(ctx, key, contentType, content)
	}
	defer os.Remove(tmp.Name())

	counter := &meter{}
	uri, err := s.backend.Upload(ctx, key, contentType, io.TeeReader(content, io.MultiWriter(tmp, counter)))
	closeErr := tmp.Close()
	if err != nil {
		var exists *store.ExistsError
		if closeErr == nil && errors.As(err, &exists) && exists.Identical {
			s.admit(tmp.Name(), s.entryPath(exists.URI), counter.n)
		}
		return "", err
	}
	if closeErr == nil {
		s.admit(tmp.Name(), s.entryPath(uri), counter.n)
	}
	return uri, nil
}

// Load returns a reader for the attachment, serving from cache when a fresh
// entry exists.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	path := s.entryPath(uri)
	if info, err := os.Stat(path); err == nil {
		if s.ttl <= 0 || time.Since(info.ModTime()) < s.ttl {
			if f, err := os.Open(path); err == nil {
				s.logger.Debug("attachment cache hit", "uri", uri)
				return f, nil
			}
		} else if os.Remove(path) == nil {
			s.release(info.Size())
		}
	}

	s.logger.Debug("attachment cache miss", "uri", uri)
	rc, err := s.backend.Load(ctx, uri)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.dir, "ld-*")
	if err != nil {
		s.logger.Warn("cache unavailable for load", "error", err)
		return rc, nil
	}
	return &fillReader{src: rc, tmp: tmp, dst: path, store: s}, nil
}

// Delete removes the attachment from the backend and the cache.
func (s *Store) Delete(ctx context.Context, uri string) error {
	path := s.entryPath(uri)
	if info, err := os.Stat(path); err == nil && os.Remove(path) == nil {
		s.release(info.Size())
	}
	return s.backend.Delete(ctx, uri)
}

// Purge removes every cached entry.
func (s *Store) Purge() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			_ = os.Remove(filepath.Join(s.dir, e.Name()))
		}
	}
	s.mu.Lock()
	s.used = 0
	s.mu.Unlock()
	return nil
}

// Close stops the expiry sweeper. The backend is not closed.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	return nil
}

// Size reports the bytes currently held in the cache.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *Store) entryPath(uri string) string {
	h := sha256.Sum256([]byte(uri))
	return filepath.Join(s.dir, hex.EncodeToString(h[:]))
}

// admit moves tmp into the cache at dst when the size budget allows.
func (s *Store) admit(tmp, dst string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used+size > s.maxSize {
		s.logger.Debug("attachment cache full", "size", size)
		return
	}
	var prev int64
	if info, err := os.Stat(dst); err == nil {
		prev = info.Size()
	}
	if err := os.Rename(tmp, dst); err != nil {
		s.logger.Warn("failed to admit attachment to cache", "error", err)
		return
	}
	s.used += size - prev
}

func (s *Store) release(size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used = max(s.used-size, 0)
}

func (s *Store) scan() int64 {
	var total int64
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if info, err := e.Info(); err == nil && !e.IsDir() {
			total += info.Size()
		}
	}
	return total
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

// sweep removes entries older than the TTL.
func (s *Store) sweep(now time.Time) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("failed to read cache dir", "error", err)
		return
	}
	var removed int
	var freed int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) <= s.ttl {
			continue
		}
		if os.Remove(filepath.Join(s.dir, e.Name())) == nil {
			removed++
			freed += info.Size()
		}
	}
	if removed > 0 {
		s.release(freed)
		s.logger.Debug("attachment cache swept", "removed", removed, "freed_bytes", freed)
	}
}

type meter struct{ n int64 }

func (m *meter) Write(p []byte) (int, error) {
	m.n += int64(len(p))
	return len(p), nil
}

// fillReader copies what the caller reads into a temp file and admits it to
// the cache on Close if the source was read to EOF.
type fillReader struct {
	src   io.ReadCloser
	tmp   *os.File
	dst   string
	store *Store
	n     int64
	eof   bool
	bad   bool
	done  bool
}

func (r *fillReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 && !r.bad {
		if _, werr := r.tmp.Write(p[:n]); werr != nil {
			r.bad = true
		}
		r.n += int64(n)
	}
	if err == io.EOF {
		r.eof = true
	}
	return n, err
}

func (r *fillReader) Close() error {
	if r.done {
		return nil
	}
	r.done = true
	srcErr := r.src.Close()
	name := r.tmp.Name()
	if r.tmp.Close() == nil && r.eof && !r.bad {
		r.store.admit(name, r.dst, r.n)
	}
	_ = os.Remove(name)
	return srcErr
}

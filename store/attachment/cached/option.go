package cached

import (
	"log/slog"
	"time"
)

const (
	// DefaultMaxSize is the default cache budget in bytes.
	DefaultMaxSize int64 = 1 << 30
	// DefaultTTL is the default lifetime of a cache entry.
	DefaultTTL = 24 * time.Hour
)

type options struct {
	cacheDir string
	maxSize  int64
	ttl      time.Duration
	logger   *slog.Logger
}

// Option configures the cached store.
type Option func(*options)

// WithCacheDir sets the parent directory for cached files.
// Default is the system temp directory.
func WithCacheDir(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.cacheDir = dir
		}
	}
}

// WithMaxSize sets the cache budget in bytes. Entries that would exceed it
// are not cached.
func WithMaxSize(size int64) Option {
	return func(o *options) {
		if size > 0 {
			o.maxSize = size
		}
	}
}

// WithTTL sets the entry lifetime. Zero keeps entries until Purge.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl >= 0 {
			o.ttl = ttl
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

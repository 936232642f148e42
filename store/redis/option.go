package redis

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultKeyPrefix = "mailbridge:cursor:"
	DefaultTimeout   = 5 * time.Second
)

type options struct {
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		prefix:  DefaultKeyPrefix,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures the Redis cursor store.
type Option func(*options)

// WithKeyPrefix sets the prefix of each cursor hash key.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithTTL expires a cursor when it has not been saved for ttl.
// Default is 0 (cursors never expire).
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithTimeout sets the per-operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

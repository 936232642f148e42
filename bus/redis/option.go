package redis

import "log/slog"

// Default configuration values.
const (
	DefaultStreamPrefix = "mailbridge:"
	DefaultBatchSize    = 100
)

// options holds Redis bus configuration.
type options struct {
	prefix    string
	batchSize int64
	maxLen    int64
	logger    *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		prefix:    DefaultStreamPrefix,
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures the Redis bus.
type Option func(*options)

// WithStreamPrefix sets the key prefix prepended to every topic.
// Default is "mailbridge:". An empty prefix uses the topic as the key.
func WithStreamPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithBatchSize sets how many entries a feed reads per XRANGE round trip.
// Default is 100.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = int64(n)
		}
	}
}

// WithMaxLen trims each stream to approximately n entries on publish.
// Default is 0 (no trimming). Trimming drops the oldest entries, which
// shifts replay positions.
func WithMaxLen(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxLen = n
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

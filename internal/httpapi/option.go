package httpapi

import (
	"log/slog"
	"time"
)

// DefaultRequestTimeout bounds one API request.
const DefaultRequestTimeout = 2 * time.Minute

type options struct {
	logger         *slog.Logger
	requestTimeout time.Duration
	rateLimit      int
	rateWindow     time.Duration
}

// Option configures the HTTP server.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		logger:         slog.Default(),
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRequestTimeout bounds the service call of each request.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithRateLimit allows at most max requests per client IP in window.
// Disabled by default.
func WithRateLimit(max int, window time.Duration) Option {
	return func(o *options) {
		if max > 0 && window > 0 {
			o.rateLimit = max
			o.rateWindow = window
		}
	}
}

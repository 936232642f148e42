package breaker

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultName                = "mailbridge-bus"
	DefaultMaxRequests         = 3
	DefaultInterval            = 60 * time.Second
	DefaultTimeout             = 30 * time.Second
	DefaultConsecutiveFailures = 5
)

type options struct {
	name                string
	maxRequests         uint32
	interval            time.Duration
	timeout             time.Duration
	consecutiveFailures uint32
	logger              *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		name:                DefaultName,
		maxRequests:         DefaultMaxRequests,
		interval:            DefaultInterval,
		timeout:             DefaultTimeout,
		consecutiveFailures: DefaultConsecutiveFailures,
		logger:              slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures the breaker.
type Option func(*options)

// WithName sets the breaker name reported in state-change logs.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithMaxRequests sets how many trial requests are let through while half-open.
func WithMaxRequests(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRequests = n
		}
	}
}

// WithInterval sets how often the closed-state failure counts are reset.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithOpenTimeout sets how long the breaker stays open before probing.
func WithOpenTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithConsecutiveFailures sets the number of consecutive failures that trips the breaker.
func WithConsecutiveFailures(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.consecutiveFailures = n
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

package imap

import (
	"crypto/tls"
	"io"
	"time"
)

const (
	// DefaultConnectTimeout bounds dialing and the server greeting.
	DefaultConnectTimeout = 15 * time.Second

	// DefaultCommandTimeout bounds a single protocol command.
	DefaultCommandTimeout = 30 * time.Second
)

type options struct {
	tlsConfig      *tls.Config
	connectTimeout time.Duration
	commandTimeout time.Duration
	debug          io.Writer
}

// Option configures the Dialer.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		connectTimeout: DefaultConnectTimeout,
		commandTimeout: DefaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithTLSConfig sets the TLS configuration for implicit TLS and STARTTLS.
// ServerName defaults to the endpoint host.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.tlsConfig = cfg
		}
	}
}

// WithConnectTimeout sets the dial and greeting timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithCommandTimeout sets the per-command deadline.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.commandTimeout = d
		}
	}
}

// WithDebugWriter mirrors the raw protocol exchange to w.
// The stream includes credentials sent with LOGIN.
func WithDebugWriter(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.debug = w
		}
	}
}

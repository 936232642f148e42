package local

import (
	"io/fs"
	"log/slog"
)

// DefaultFileMode is the permission applied to stored attachment files.
const DefaultFileMode fs.FileMode = 0o644

type options struct {
	fileMode fs.FileMode
	sync     bool
	logger   *slog.Logger
}

// Option configures the local store.
type Option func(*options)

// WithFileMode sets the permission of stored files.
func WithFileMode(mode fs.FileMode) Option {
	return func(o *options) {
		if mode != 0 {
			o.fileMode = mode
		}
	}
}

// WithSync controls whether file contents are fsynced before they become
// visible. Default is true.
func WithSync(enabled bool) Option {
	return func(o *options) {
		o.sync = enabled
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

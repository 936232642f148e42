package postgres

import "log/slog"

// DefaultTable holds one row per replayed topic.
const DefaultTable = "mailbridge_cursors"

// defaultMaxOpenConns bounds the pool Open creates. Replay touches the
// cursor table once per page, so a handful of connections is plenty.
const defaultMaxOpenConns = 4

type options struct {
	table        string
	maxOpenConns int
	logger       *slog.Logger
}

// Option configures a Store.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{table: DefaultTable, maxOpenConns: defaultMaxOpenConns, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithTable stores cursors in name instead of DefaultTable. The name is
// quoted, so it may not be schema-qualified.
func WithTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.table = name
		}
	}
}

// WithMaxOpenConns caps the pool created by Open. It has no effect on a
// *sqlx.DB passed to New.
func WithMaxOpenConns(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxOpenConns = n
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

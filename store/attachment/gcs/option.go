package gcs

import "log/slog"

type options struct {
	bucket          string
	prefix          string
	endpoint        string
	credentialsFile string
	credentialsJSON []byte
	logger          *slog.Logger
}

// Option configures the GCS store.
type Option func(*options)

// WithBucket sets the bucket attachments are written to. Required.
func WithBucket(bucket string) Option {
	return func(o *options) {
		o.bucket = bucket
	}
}

// WithPrefix sets the object name prefix placed before <uid>/<fileName>.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithEndpoint points the client at an emulator.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithCredentialsFile loads a service account key from path instead of
// Application Default Credentials.
func WithCredentialsFile(path string) Option {
	return func(o *options) {
		o.credentialsFile = path
	}
}

// WithCredentialsJSON uses an in-memory service account key.
func WithCredentialsJSON(key []byte) Option {
	return func(o *options) {
		if len(key) > 0 {
			o.credentialsJSON = key
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

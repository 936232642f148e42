package s3

import "log/slog"

// DefaultRegion is used when no region is configured.
const DefaultRegion = "us-east-1"

type options struct {
	bucket    string
	prefix    string
	region    string
	endpoint  string
	pathStyle bool

	accessKey    string
	secretKey    string
	sessionToken string

	roleARN     string
	sessionName string
	externalID  string

	logger *slog.Logger
}

// Option configures the S3 store.
type Option func(*options)

// WithBucket sets the bucket attachments are written to. Required.
func WithBucket(bucket string) Option {
	return func(o *options) {
		o.bucket = bucket
	}
}

// WithPrefix sets the object key prefix placed before <uid>/<fileName>.
// An empty prefix stores attachments at the bucket root.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithRegion sets the bucket region. Empty values are ignored.
func WithRegion(region string) Option {
	return func(o *options) {
		if region != "" {
			o.region = region
		}
	}
}

// WithEndpoint points the client at an S3-compatible service such as MinIO.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithPathStyle selects path-style addressing for a custom endpoint.
func WithPathStyle(enabled bool) Option {
	return func(o *options) {
		o.pathStyle = enabled
	}
}

// WithStaticCredentials uses a fixed access key pair. token may be empty.
func WithStaticCredentials(accessKey, secretKey, token string) Option {
	return func(o *options) {
		if accessKey == "" || secretKey == "" {
			return
		}
		o.accessKey = accessKey
		o.secretKey = secretKey
		o.sessionToken = token
	}
}

// WithAssumeRole obtains temporary credentials for roleARN through STS.
// The session name defaults to "mailbridge".
func WithAssumeRole(roleARN, sessionName string) Option {
	return func(o *options) {
		o.roleARN = roleARN
		o.sessionName = sessionName
	}
}

// WithExternalID sets the external id required by some cross-account roles.
func WithExternalID(id string) Option {
	return func(o *options) {
		o.externalID = id
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

package mailbridge

import (
	"log/slog"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rbaliyan/event/v3/transport"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/mailbridge/bus"
	"github.com/rbaliyan/mailbridge/content"
	"github.com/rbaliyan/mailbridge/retry"
	"github.com/rbaliyan/mailbridge/source"
	"github.com/rbaliyan/mailbridge/store"
)

// Default configuration values.
const (
	DefaultTargetFolder    = "All Mail"
	DefaultPageSize        = 20
	DefaultMaxPageSize     = 100
	DefaultConnectTimeout  = 15 * time.Second
	DefaultShutdownTimeout = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout     = 1 * time.Second  // minimum shutdown timeout

	// Concurrency limits
	DefaultMaxConcurrentFetches  = 4  // per-request fetch/normalize fan-out
	DefaultMaxConcurrentRequests = 64 // in-flight requests per service
)

// options holds service configuration.
type options struct {
	dialer      source.Dialer
	endpoint    source.Endpoint
	username    string
	password    string
	identity    string
	folder      string
	bus         bus.Bus
	attachments store.AttachmentFileStore
	cursors     store.CursorStore
	registry    *content.Registry
	htmlPolicy  *bluemonday.Policy
	retry       retry.Config
	logger      *slog.Logger
	plugins     []Plugin

	// Limits
	maxPageSize           int
	maxConcurrentFetches  int
	maxConcurrentRequests int

	// Timeouts
	connectTimeout  time.Duration
	shutdownTimeout time.Duration

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventErrorsFatal      bool                    // If true, event publishing failures cause operation to fail
	eventTransport        transport.Transport     // Event transport (optional, uses noop if nil)
	redisClient           redis.UniversalClient   // Redis client for event transport (optional, uses noop if nil)
	onEventPublishFailure EventPublishFailureFunc // Callback for event publish failures (always set)
}

// EventPublishFailureFunc is called when an event fails to publish.
// The eventName is the name of the event (e.g., "PagePublished"), and err is the publish error.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger:                slog.Default(),
		folder:                DefaultTargetFolder,
		retry:                 retry.DefaultConfig(),
		maxPageSize:           DefaultMaxPageSize,
		maxConcurrentFetches:  DefaultMaxConcurrentFetches,
		maxConcurrentRequests: DefaultMaxConcurrentRequests,
		connectTimeout:        DefaultConnectTimeout,
		shutdownTimeout:       DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.identity == "" {
		o.identity = o.username
	}
	if o.registry == nil {
		o.registry = content.DefaultRegistry()
	}

	// Ensure event failure callback is always set
	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}

	return o
}

// Option configures a mailbridge service.
type Option func(*options)

// --- Core Options ---

// WithDialer sets the mail provider (required).
func WithDialer(d source.Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithEndpoint sets the mail server address.
func WithEndpoint(e source.Endpoint) Option {
	return func(o *options) {
		if e.Host != "" && e.Port > 0 {
			o.endpoint = e
		}
	}
}

// WithCredentials sets the mailbox account (username is required).
func WithCredentials(username, password string) Option {
	return func(o *options) {
		if username != "" {
			o.username = username
			o.password = password
		}
	}
}

// WithIdentity sets the identity used to derive the produce topic and the
// default replay topic. Default is the account username.
func WithIdentity(identity string) Option {
	return func(o *options) {
		if identity != "" {
			o.identity = identity
		}
	}
}

// WithTargetFolder sets the folder paginated by ListInboundPage.
// Default is "All Mail".
func WithTargetFolder(name string) Option {
	return func(o *options) {
		if name != "" {
			o.folder = name
		}
	}
}

// WithBus sets the message bus (required).
func WithBus(b bus.Bus) Option {
	return func(o *options) {
		if b != nil {
			o.bus = b
		}
	}
}

// WithAttachmentStore sets where attachment bodies are written.
// Without it attachments are measured but not kept.
func WithAttachmentStore(s store.AttachmentFileStore) Option {
	return func(o *options) {
		if s != nil {
			o.attachments = s
		}
	}
}

// WithCursorStore enables durable replay cursors.
// Without it every replay rescans its topic.
func WithCursorStore(s store.CursorStore) Option {
	return func(o *options) {
		if s != nil {
			o.cursors = s
		}
	}
}

// WithCodecRegistry sets the registry used to decode replayed payloads.
func WithCodecRegistry(r *content.Registry) Option {
	return func(o *options) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithHTMLSanitizer enables bluemonday UGC sanitizing of HTML bodies.
// Default is disabled.
func WithHTMLSanitizer(enabled bool) Option {
	return func(o *options) {
		if enabled {
			o.htmlPolicy = bluemonday.UGCPolicy()
		} else {
			o.htmlPolicy = nil
		}
	}
}

// WithPlugin registers a plugin. Plugins implementing PublishHook are
// called around every record publish, in registration order.
func WithPlugin(p Plugin) Option {
	return func(o *options) {
		if p != nil {
			o.plugins = append(o.plugins, p)
		}
	}
}

// WithRetry sets the publish retry policy. Default is retry.DefaultConfig().
func WithRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.retry = cfg
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

// --- Limit Options ---

// WithMaxPageSize caps the page size of every request.
// Default is 100.
func WithMaxPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPageSize = n
		}
	}
}

// WithMaxConcurrentFetches sets how many messages of one page are fetched
// and normalized at once. Fetches still serialize on the connection.
// Default is 4.
func WithMaxConcurrentFetches(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentFetches = n
		}
	}
}

// WithMaxConcurrentRequests limits in-flight requests per service.
// Default is 64.
func WithMaxConcurrentRequests(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentRequests = n
		}
	}
}

// --- Timeout Options ---

// WithConnectTimeout bounds dialing and authentication.
// Default is 15 seconds.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithShutdownTimeout sets the maximum time to wait for in-flight requests
// during graceful shutdown.
// Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// --- OTel Options ---

// WithTracing enables or disables OpenTelemetry tracing.
// Default is disabled.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
// Default is disabled.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both OpenTelemetry tracing and metrics.
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name for telemetry and the event bus.
// Default is "mailbridge".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider.
// Default uses the global tracer provider from otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider.
// Default uses the global meter provider from otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Event Options ---

// WithEventErrorsFatal configures whether event publishing failures should
// cause the operation to fail. By default, event failures are logged and
// the operation succeeds.
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}

// WithEventTransport sets the event transport for lifecycle events.
// If not provided, a noop transport is used (events are silently dropped).
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient sets a Redis client for the event transport.
//
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventPublishFailureHandler sets a callback for event publishing failures.
// By default, failures are logged using the configured logger.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}

// Package otel provides OpenTelemetry instrumentation for attachment stores.
package otel

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rbaliyan/mailbridge/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/mailbridge/store/attachment/otel"

// Store wraps an AttachmentFileStore with OpenTelemetry instrumentation.
type Store struct {
	backend store.AttachmentFileStore
	opts    *options
	tracer  trace.Tracer

	upload *instruments
	load   *instruments
	del    *instruments
}

var _ store.AttachmentFileStore = (*Store)(nil)

// instruments is the metric set recorded for one store operation.
type instruments struct {
	duration metric.Float64Histogram
	count    metric.Int64Counter
	errors   metric.Int64Counter
	bytes    metric.Int64Counter // nil for delete
}

// New creates an instrumented store wrapping backend.
func New(backend store.AttachmentFileStore, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("otel: backend is required")
	}
	o := &options{
		tracingEnabled: true,
		metricsEnabled: true,
		serviceName:    "mailbridge",
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Store{backend: backend, opts: o}
	if o.tracingEnabled {
		s.tracer = o.tracerProvider.Tracer(instrumentationName)
	}
	if o.metricsEnabled {
		meter := o.meterProvider.Meter(instrumentationName)
		var err error
		if s.upload, err = newInstruments(meter, "upload", true); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		if s.load, err = newInstruments(meter, "load", true); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		if s.del, err = newInstruments(meter, "delete", false); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}
	return s, nil
}

func newInstruments(meter metric.Meter, op string, withBytes bool) (*instruments, error) {
	var (
		in  instruments
		err error
	)
	in.duration, err = meter.Float64Histogram(
		"attachment."+op+".duration",
		metric.WithDescription("Duration of attachment "+op+" operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	in.count, err = meter.Int64Counter(
		"attachment."+op+".count",
		metric.WithDescription("Number of attachment "+op+" operations"),
	)
	if err != nil {
		return nil, err
	}
	in.errors, err = meter.Int64Counter(
		"attachment."+op+".errors",
		metric.WithDescription("Number of failed attachment "+op+" operations"),
	)
	if err != nil {
		return nil, err
	}
	if withBytes {
		in.bytes, err = meter.Int64Counter(
			"attachment."+op+".bytes",
			metric.WithDescription("Bytes transferred by attachment "+op+" operations"),
			metric.WithUnit("By"),
		)
		if err != nil {
			return nil, err
		}
	}
	return &in, nil
}

// start opens a span when tracing is enabled. The returned span is nil
// otherwise.
func (s *Store) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	return s.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func (s *Store) record(ctx context.Context, in *instruments, began time.Time, n int64, err error) {
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("service.name", s.opts.serviceName))
	in.duration.Record(ctx, time.Since(began).Seconds(), attrs)
	in.count.Add(ctx, 1, attrs)
	if in.bytes != nil && n > 0 {
		in.bytes.Add(ctx, n, attrs)
	}
	if err != nil {
		in.errors.Add(ctx, 1, attrs)
	}
}

func finish(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Upload uploads content with tracing and metrics.
func (s *Store) Upload(ctx context.Context, key store.AttachmentKey, contentType string, content io.Reader) (string, error) {
	ctx, span := s.start(ctx, "attachment.upload",
		attribute.Int64("attachment.uid", key.UID),
		attribute.String("attachment.filename", key.FileName),
		attribute.String("attachment.content_type", contentType),
	)
	began := time.Now()
	cr := &countingReader{r: content}

	uri, err := s.backend.Upload(ctx, key, contentType, cr)

	s.record(ctx, s.upload, began, cr.n, err)
	finish(span, err, attribute.String("attachment.uri", uri), attribute.Int64("attachment.bytes", cr.n))
	return uri, err
}

// Load returns a reader for the attachment content. The span ends and
// transferred bytes are recorded when the reader is closed.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	ctx, span := s.start(ctx, "attachment.load", attribute.String("attachment.uri", uri))
	began := time.Now()

	rc, err := s.backend.Load(ctx, uri)
	if err != nil {
		s.record(ctx, s.load, began, 0, err)
		finish(span, err)
		return nil, err
	}
	return &instrumentedReader{ReadCloser: rc, ctx: ctx, span: span, store: s, began: began}, nil
}

// Delete removes the attachment with tracing and metrics.
func (s *Store) Delete(ctx context.Context, uri string) error {
	ctx, span := s.start(ctx, "attachment.delete", attribute.String("attachment.uri", uri))
	began := time.Now()

	err := s.backend.Delete(ctx, uri)

	s.record(ctx, s.del, began, 0, err)
	finish(span, err)
	return err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type instrumentedReader struct {
	io.ReadCloser
	ctx    context.Context
	span   trace.Span
	store  *Store
	began  time.Time
	n      int64
	closed bool
}

func (r *instrumentedReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n += int64(n)
	return n, err
}

func (r *instrumentedReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.ReadCloser.Close()
	r.store.record(r.ctx, r.store.load, r.began, r.n, err)
	finish(r.span, err, attribute.Int64("attachment.bytes", r.n))
	return err
}

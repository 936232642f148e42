package mailbridge

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/mailbridge"
)

// otelInstrumentation holds OpenTelemetry instrumentation for the service.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	inboundLatency metric.Float64Histogram
	inboundCount   metric.Int64Counter
	inboundErrors  metric.Int64Counter
	replayLatency  metric.Float64Histogram
	replayCount    metric.Int64Counter
	replayErrors   metric.Int64Counter
	foldersLatency metric.Float64Histogram
	foldersCount   metric.Int64Counter
	foldersErrors  metric.Int64Counter
	foldersSkipped metric.Int64Counter

	// Per-record counters
	recordsPublished metric.Int64Counter
	recordsFailed    metric.Int64Counter
	recordsReplayed  metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	histogram := func(dst *metric.Float64Histogram, name, desc string) error {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		if err != nil {
			return err
		}
		*dst = h
		return nil
	}
	counter := func(dst *metric.Int64Counter, name, desc string) error {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			return err
		}
		*dst = c
		return nil
	}

	steps := []func() error{
		func() error {
			return histogram(&o.inboundLatency, "mailbridge.inbound.duration", "Duration of inbound page requests")
		},
		func() error { return counter(&o.inboundCount, "mailbridge.inbound.count", "Number of inbound page requests") },
		func() error { return counter(&o.inboundErrors, "mailbridge.inbound.errors", "Number of failed inbound page requests") },
		func() error {
			return histogram(&o.replayLatency, "mailbridge.replay.duration", "Duration of replay page requests")
		},
		func() error { return counter(&o.replayCount, "mailbridge.replay.count", "Number of replay page requests") },
		func() error { return counter(&o.replayErrors, "mailbridge.replay.errors", "Number of failed replay page requests") },
		func() error {
			return histogram(&o.foldersLatency, "mailbridge.folders.duration", "Duration of folder listings")
		},
		func() error { return counter(&o.foldersCount, "mailbridge.folders.count", "Number of folder listings") },
		func() error { return counter(&o.foldersErrors, "mailbridge.folders.errors", "Number of failed folder listings") },
		func() error { return counter(&o.foldersSkipped, "mailbridge.folders.skipped", "Number of folders skipped while listing") },
		func() error { return counter(&o.recordsPublished, "mailbridge.records.published", "Number of records published") },
		func() error {
			return counter(&o.recordsFailed, "mailbridge.records.failed", "Number of records that failed to fetch, normalize or publish")
		},
		func() error { return counter(&o.recordsReplayed, "mailbridge.records.replayed", "Number of records returned by replay") },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// startSpan starts a new span if tracing is enabled.
// The returned func ends the span, recording err if non-nil.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordInbound records inbound page metrics.
func (o *otelInstrumentation) recordInbound(ctx context.Context, duration time.Duration, topic string, published, failed int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(attribute.String("topic", topic))

	o.inboundLatency.Record(ctx, duration.Seconds(), attrs)
	o.inboundCount.Add(ctx, 1, attrs)
	o.recordsPublished.Add(ctx, int64(published), attrs)
	o.recordsFailed.Add(ctx, int64(failed), attrs)
	if err != nil {
		o.inboundErrors.Add(ctx, 1, attrs)
	}
}

// recordReplay records replay page metrics.
func (o *otelInstrumentation) recordReplay(ctx context.Context, duration time.Duration, topic string, returned int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(attribute.String("topic", topic))

	o.replayLatency.Record(ctx, duration.Seconds(), attrs)
	o.replayCount.Add(ctx, 1, attrs)
	o.recordsReplayed.Add(ctx, int64(returned), attrs)
	if err != nil {
		o.replayErrors.Add(ctx, 1, attrs)
	}
}

// recordFolders records folder listing metrics.
func (o *otelInstrumentation) recordFolders(ctx context.Context, duration time.Duration, skipped int, err error) {
	if !o.metricsEnabled {
		return
	}

	o.foldersLatency.Record(ctx, duration.Seconds())
	o.foldersCount.Add(ctx, 1)
	o.foldersSkipped.Add(ctx, int64(skipped))
	if err != nil {
		o.foldersErrors.Add(ctx, 1)
	}
}

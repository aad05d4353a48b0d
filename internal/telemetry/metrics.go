package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder records switchboard metrics.
// Use NewRecorder for OTel metrics or NoopRecorder{} when disabled.
type Recorder interface {
	// RecordAccept records one accept outcome ("accepted" or "deduped").
	RecordAccept(ctx context.Context, channel, outcome string)

	// RecordBackpressure records a hot-path enqueue skipped because a tier was full.
	RecordBackpressure(ctx context.Context, tier string)

	// RecordRecovered records a message re-enqueued by the recovery scanner.
	RecordRecovered(ctx context.Context, tier string)

	// RecordSegment records a finished segment dispatch.
	RecordSegment(ctx context.Context, target, status, errorClass string, attempts int, duration time.Duration)

	// RecordBreakerTransition records a circuit state change.
	RecordBreakerTransition(ctx context.Context, target, from, to string)

	// RecordEligibilityTransition records a registry state change.
	RecordEligibilityTransition(ctx context.Context, target, from, to, reason string)

	// RecordRouting records a routing decision.
	RecordRouting(ctx context.Context, fallback bool, reason string)
}

type otelRecorder struct {
	accepts      metric.Int64Counter
	backpressure metric.Int64Counter
	recovered    metric.Int64Counter
	segments     metric.Int64Counter
	segmentMS    metric.Float64Histogram
	attempts     metric.Int64Histogram
	breaker      metric.Int64Counter
	eligibility  metric.Int64Counter
	routing      metric.Int64Counter
}

// NewRecorder returns a Recorder backed by mp, or the global meter provider
// when mp is nil. If instrument creation fails, a no-op recorder is returned.
func NewRecorder(mp metric.MeterProvider) Recorder {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	r, err := newOtelRecorder(mp.Meter(TracerName))
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopRecorder{}
	}
	return r
}

func newOtelRecorder(meter metric.Meter) (*otelRecorder, error) {
	r := &otelRecorder{}
	var err error

	if r.accepts, err = meter.Int64Counter("switchboard.ingress.accepts",
		metric.WithDescription("Accept calls by outcome"),
	); err != nil {
		return nil, err
	}
	if r.backpressure, err = meter.Int64Counter("switchboard.buffer.backpressure",
		metric.WithDescription("Hot-path enqueues skipped because the tier queue was full"),
	); err != nil {
		return nil, err
	}
	if r.recovered, err = meter.Int64Counter("switchboard.buffer.recovered",
		metric.WithDescription("Messages re-enqueued by the recovery scanner"),
	); err != nil {
		return nil, err
	}
	if r.segments, err = meter.Int64Counter("switchboard.dispatch.segments",
		metric.WithDescription("Finished segment dispatches"),
	); err != nil {
		return nil, err
	}
	if r.segmentMS, err = meter.Float64Histogram("switchboard.dispatch.latency_ms",
		metric.WithDescription("Segment dispatch latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if r.attempts, err = meter.Int64Histogram("switchboard.dispatch.attempts",
		metric.WithDescription("Transport attempts per segment"),
	); err != nil {
		return nil, err
	}
	if r.breaker, err = meter.Int64Counter("switchboard.circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
	); err != nil {
		return nil, err
	}
	if r.eligibility, err = meter.Int64Counter("switchboard.registry.transitions",
		metric.WithDescription("Target eligibility transitions"),
	); err != nil {
		return nil, err
	}
	if r.routing, err = meter.Int64Counter("switchboard.routing.decisions",
		metric.WithDescription("Routing decisions by fallback reason"),
	); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *otelRecorder) RecordAccept(ctx context.Context, channel, outcome string) {
	r.accepts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("outcome", outcome),
	))
}

func (r *otelRecorder) RecordBackpressure(ctx context.Context, tier string) {
	r.backpressure.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

func (r *otelRecorder) RecordRecovered(ctx context.Context, tier string) {
	r.recovered.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

func (r *otelRecorder) RecordSegment(ctx context.Context, target, status, errorClass string, attempts int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("status", status),
		attribute.String("error_class", errorClass),
	)
	r.segments.Add(ctx, 1, attrs)
	r.segmentMS.Record(ctx, float64(duration.Milliseconds()), attrs)
	r.attempts.Record(ctx, int64(attempts), metric.WithAttributes(attribute.String("target", target)))
}

func (r *otelRecorder) RecordBreakerTransition(ctx context.Context, target, from, to string) {
	r.breaker.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (r *otelRecorder) RecordEligibilityTransition(ctx context.Context, target, from, to, reason string) {
	r.eligibility.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("reason", reason),
	))
}

func (r *otelRecorder) RecordRouting(ctx context.Context, fallback bool, reason string) {
	r.routing.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("fallback", fallback),
		attribute.String("reason", reason),
	))
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

var _ Recorder = NoopRecorder{}

func (NoopRecorder) RecordAccept(context.Context, string, string)                   {}
func (NoopRecorder) RecordBackpressure(context.Context, string)                     {}
func (NoopRecorder) RecordRecovered(context.Context, string)                        {}
func (NoopRecorder) RecordBreakerTransition(context.Context, string, string, string) {}
func (NoopRecorder) RecordRouting(context.Context, bool, string)                    {}

func (NoopRecorder) RecordSegment(context.Context, string, string, string, int, time.Duration) {}

func (NoopRecorder) RecordEligibilityTransition(context.Context, string, string, string, string) {}

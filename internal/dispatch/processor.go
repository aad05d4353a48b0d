// Package dispatch runs the tiered worker pool that drives each buffered
// request from accepted to a terminal state.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/core/ports"
	"github.com/tjfontaine/switchboard/internal/fanout"
	"github.com/tjfontaine/switchboard/internal/routing"
	"github.com/tjfontaine/switchboard/internal/telemetry"
)

// Router decides how a request is split across targets.
type Router interface {
	Route(ctx context.Context, rc domain.RequestContext, text string) *routing.Decision
}

// Executor runs a routing plan.
type Executor interface {
	Dispatch(ctx context.Context, rc domain.RequestContext, plan domain.Plan) (*fanout.Outcome, error)
}

// Releaser forgets a request once its worker is done with it.
type Releaser interface {
	Release(requestID string)
}

// Processor handles one request end to end.
type Processor struct {
	store     ports.IngressStore
	router    Router
	executor  Executor
	releaser  Releaser
	publisher ports.EventPublisher
	notifier  ports.SignalNotifier
	logger    *slog.Logger
	now       func() time.Time
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

func WithPublisher(p ports.EventPublisher) ProcessorOption {
	return func(pr *Processor) { pr.publisher = p }
}

func WithNotifier(n ports.SignalNotifier) ProcessorOption {
	return func(pr *Processor) { pr.notifier = n }
}

func WithLogger(l *slog.Logger) ProcessorOption {
	return func(pr *Processor) { pr.logger = l }
}

// NewProcessor creates a Processor.
func NewProcessor(store ports.IngressStore, router Router, executor Executor, releaser Releaser, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:    store,
		router:   router,
		executor: executor,
		releaser: releaser,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// load fetches the record behind a buffered message. It returns nil when the
// message no longer needs work, releasing it from the buffer.
func (p *Processor) load(ctx context.Context, msg domain.BufferedMessage) *domain.IngressRecord {
	rec, err := p.store.GetRequest(ctx, msg.RequestID)
	if err != nil {
		if !errors.Is(err, ports.ErrNotFound) {
			p.logger.Error("failed to load buffered request",
				slog.String("request_id", msg.RequestID),
				slog.String("error", err.Error()),
			)
		}
		p.releaser.Release(msg.RequestID)
		return nil
	}
	return rec
}

// Process drives rec through routing and fan-out. Only the worker that wins
// the accepted to processing transition does any work.
func (p *Processor) Process(ctx context.Context, rec *domain.IngressRecord) {
	rc := rec.Context
	defer p.releaser.Release(rc.RequestID)

	if rec.State != domain.StateAccepted {
		return
	}
	if err := p.store.TransitionState(ctx, rc.RequestID, domain.StateAccepted, domain.StateProcessing); err != nil {
		if !errors.Is(err, ports.ErrConflict) {
			p.logger.Error("failed to claim request",
				slog.String("request_id", rc.RequestID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if tc := rc.TraceContext; tc != nil {
		ctx = telemetry.ExtractTraceContext(ctx, tc.TraceParent, tc.TraceState)
	}
	ctx, span := telemetry.Tracer().Start(ctx, "dispatch.process", trace.WithAttributes(
		attribute.String("switchboard.request_id", rc.RequestID),
		attribute.String("switchboard.channel", string(rc.SourceChannel)),
		attribute.String("switchboard.tier", string(rec.PolicyTier)),
	))
	defer span.End()

	start := p.now()
	p.publish(ctx, domain.LifecycleEventProcessing, rc.RequestID, nil)

	fin := domain.Finalization{State: domain.StateParsed}
	var outcome *fanout.Outcome
	if derr := rec.Unprocessable(); derr != nil {
		fin.State = domain.StateErrored
		fin.Error = derr
	} else {
		p.signal(ctx, rc, domain.SignalProgress, "Working on it.")
		outcome = p.route(ctx, rc, rec.NormalizedText, &fin)
	}

	if err := p.store.Finalize(ctx, rc.RequestID, fin); err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("failed to finalize request",
			slog.String("request_id", rc.RequestID),
			slog.String("state", string(fin.State)),
			slog.String("error", err.Error()),
		)
		return
	}

	data := domain.LifecycleFinishedData{
		Duration: p.now().Sub(start),
		Segments: len(fin.Results),
		Error:    fin.Error,
	}
	if outcome != nil {
		data.Failed = outcome.Failed()
	}

	if fin.State == domain.StateErrored {
		span.SetStatus(codes.Error, fin.Error.Error())
		p.logger.Warn("request errored",
			slog.String("request_id", rc.RequestID),
			slog.String("error_class", string(fin.Error.Class)),
			slog.String("error", fin.Error.Message),
			slog.Duration("duration", data.Duration),
		)
		p.publish(ctx, domain.LifecycleEventErrored, rc.RequestID, data)
		p.signal(ctx, rc, domain.SignalErrored, fin.Error.HumanMessage())
		return
	}

	p.logger.Info("request parsed",
		slog.String("request_id", rc.RequestID),
		slog.Int("segments", data.Segments),
		slog.Bool("fallback", fin.Fallback),
		slog.Duration("duration", data.Duration),
	)
	p.publish(ctx, domain.LifecycleEventParsed, rc.RequestID, data)
	p.signal(ctx, rc, domain.SignalParsed, "Done.")
}

// route routes text, dispatches the plan and records the result in fin.
func (p *Processor) route(ctx context.Context, rc domain.RequestContext, text string, fin *domain.Finalization) *fanout.Outcome {
	decision := p.router.Route(ctx, rc, text)
	p.publish(ctx, domain.LifecycleEventRouted, rc.RequestID, domain.LifecycleRoutedData{
		Targets:        decision.Targets,
		Mode:           decision.Plan.Mode,
		Fallback:       decision.Fallback,
		FallbackReason: decision.FallbackReason,
		Confidence:     decision.Confidence,
	})
	fin.Fallback = decision.Fallback
	fin.FallbackReason = decision.FallbackReason

	outcome, err := p.executor.Dispatch(ctx, rc, decision.Plan)
	if err != nil {
		fin.State = domain.StateErrored
		fin.Error = domain.AsDispatchError(err)
		return nil
	}
	fin.Results = outcome.Results
	if derr := outcome.Err(); derr != nil {
		fin.State = domain.StateErrored
		fin.Error = derr
	}
	return outcome
}

func (p *Processor) publish(ctx context.Context, typ domain.LifecycleEventType, requestID string, data any) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, &domain.LifecycleEvent{
		Type:      typ,
		RequestID: requestID,
		Timestamp: p.now().UTC(),
		Data:      data,
	}); err != nil {
		p.logger.Warn("failed to publish lifecycle event",
			slog.String("request_id", requestID),
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Processor) signal(ctx context.Context, rc domain.RequestContext, s domain.Signal, text string) {
	if p.notifier == nil || !rc.SourceChannel.Interactive() {
		return
	}
	if err := p.notifier.Notify(ctx, rc, s, text); err != nil {
		p.logger.Warn("failed to deliver status signal",
			slog.String("request_id", rc.RequestID),
			slog.String("signal", string(s)),
			slog.String("error", err.Error()),
		)
	}
}

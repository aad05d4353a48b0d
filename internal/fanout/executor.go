// Package fanout executes a routing plan's segments against their targets,
// applying the registry gate, per-target circuit breakers, bounded retries
// and a per-segment timeout, then aggregates the results.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/core/ports"
	"github.com/tjfontaine/switchboard/internal/telemetry"
)

// Supporter is implemented by transports that can reject a segment before
// any delivery is attempted.
type Supporter interface {
	Supports(t *domain.TargetEligibility, seg domain.Segment) error
}

// Executor dispatches plans. It is safe for concurrent use.
type Executor struct {
	transport ports.Transport
	registry  ports.Eligibility
	cfg       Config
	breakers  sync.Map // target name -> *gobreaker.CircuitBreaker
	logger    *slog.Logger
	recorder  telemetry.Recorder
	newID     func() string
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func WithRecorder(r telemetry.Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// New creates an Executor.
func New(transport ports.Transport, registry ports.Eligibility, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		transport: transport,
		registry:  registry,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		recorder:  telemetry.NoopRecorder{},
		newID: func() string {
			return uuid.Must(uuid.NewV7()).String()
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch runs plan for the request identified by rc. The returned error is
// a plan-level validation error; per-segment failures are reported in the
// Outcome.
func (e *Executor) Dispatch(ctx context.Context, rc domain.RequestContext, plan domain.Plan) (*Outcome, error) {
	waves, err := ValidatePlan(plan)
	if err != nil {
		return nil, err
	}

	var results []domain.SegmentResult
	switch plan.Mode {
	case domain.ModeOrdered:
		results = e.runOrdered(ctx, rc, plan)
	case domain.ModeConditional:
		results = e.runConditional(ctx, rc, plan, waves)
	default:
		results = e.runParallel(ctx, rc, plan.Segments)
	}

	domain.SortResults(results)
	return &Outcome{Results: results}, nil
}

func (e *Executor) runParallel(ctx context.Context, rc domain.RequestContext, segs []domain.Segment) []domain.SegmentResult {
	results := make([]domain.SegmentResult, len(segs))
	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallel)
	for i, seg := range segs {
		g.Go(func() error {
			results[i] = e.runSegment(ctx, rc, seg)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Executor) runOrdered(ctx context.Context, rc domain.RequestContext, plan domain.Plan) []domain.SegmentResult {
	results := make([]domain.SegmentResult, 0, len(plan.Segments))
	var abortedBy string
	for _, seg := range plan.Segments {
		if abortedBy != "" {
			results = append(results, skipped(seg, fmt.Sprintf("skipped after required segment %s failed", abortedBy)))
			continue
		}
		res := e.runSegment(ctx, rc, seg)
		results = append(results, res)
		if plan.AbortOnFailure && seg.Required && res.Status != domain.SegmentOK {
			abortedBy = seg.ID
		}
	}
	return results
}

func (e *Executor) runConditional(ctx context.Context, rc domain.RequestContext, plan domain.Plan, waves [][]domain.Segment) []domain.SegmentResult {
	status := make(map[string]domain.SegmentStatus, len(plan.Segments))
	results := make([]domain.SegmentResult, 0, len(plan.Segments))

	for _, wave := range waves {
		var runnable []domain.Segment
		for _, seg := range wave {
			if joinSatisfied(plan.Join, seg.DependsOn, status) {
				runnable = append(runnable, seg)
				continue
			}
			res := skipped(seg, "dependencies not satisfied")
			status[seg.ID] = res.Status
			results = append(results, res)
		}
		for _, res := range e.runParallel(ctx, rc, runnable) {
			status[res.SegmentID] = res.Status
			results = append(results, res)
		}
	}
	return results
}

func joinSatisfied(join domain.JoinPolicy, deps []string, status map[string]domain.SegmentStatus) bool {
	if len(deps) == 0 {
		return true
	}
	ok := 0
	for _, d := range deps {
		if status[d] == domain.SegmentOK {
			ok++
		}
	}
	if join == domain.JoinAny {
		return ok > 0
	}
	return ok == len(deps)
}

func skipped(seg domain.Segment, reason string) domain.SegmentResult {
	return domain.SegmentResult{
		SegmentID: seg.ID,
		Target:    seg.Target,
		Priority:  seg.Priority,
		Required:  seg.Required,
		Status:    domain.SegmentSkipped,
		Error:     domain.NewDispatchError(domain.ErrorClassRouting, reason).WithTarget(seg.Target),
	}
}

func (e *Executor) runSegment(ctx context.Context, rc domain.RequestContext, seg domain.Segment) domain.SegmentResult {
	start := time.Now()
	res := domain.SegmentResult{
		SegmentID:    seg.ID,
		SubrequestID: e.newID(),
		Target:       seg.Target,
		Priority:     seg.Priority,
		Required:     seg.Required,
	}

	ctx, span := telemetry.Tracer().Start(ctx, "fanout.segment", trace.WithAttributes(
		attribute.String("switchboard.request_id", rc.RequestID),
		attribute.String("switchboard.subrequest_id", res.SubrequestID),
		attribute.String("switchboard.target", seg.Target),
	))
	defer span.End()

	result, attempts, derr := e.deliver(ctx, rc, res.SubrequestID, seg)
	res.Attempts = attempts
	res.Duration = time.Since(start)

	errorClass := ""
	if derr != nil {
		res.Status = domain.SegmentError
		res.Error = derr
		errorClass = string(derr.Class)
		span.SetStatus(codes.Error, derr.Error())
		e.logger.Warn("segment failed",
			slog.String("request_id", rc.RequestID),
			slog.String("subrequest_id", res.SubrequestID),
			slog.String("segment_id", seg.ID),
			slog.String("target", seg.Target),
			slog.String("error_class", errorClass),
			slog.String("error", derr.Message),
			slog.Int("attempts", attempts),
		)
	} else {
		res.Status = domain.SegmentOK
		res.Result = result
		e.logger.Debug("segment dispatched",
			slog.String("request_id", rc.RequestID),
			slog.String("segment_id", seg.ID),
			slog.String("target", seg.Target),
			slog.Int("attempts", attempts),
			slog.Duration("duration", res.Duration),
		)
	}
	e.recorder.RecordSegment(ctx, seg.Target, string(res.Status), errorClass, attempts, res.Duration)
	return res
}

// deliver runs the capability check, the registry gate and then the retry
// loop through the target's breaker.
func (e *Executor) deliver(ctx context.Context, rc domain.RequestContext, subID string, seg domain.Segment) (json.RawMessage, int, *domain.DispatchError) {
	target, ok := e.registry.Get(seg.Target)
	if !ok {
		return nil, 0, domain.ErrTargetUnavailable(seg.Target, "target is not registered")
	}
	if s, ok := e.transport.(Supporter); ok {
		if err := s.Supports(target, seg); err != nil {
			return nil, 0, domain.AsDispatchError(err).WithTarget(seg.Target)
		}
	}
	if !target.Eligible() {
		return nil, 0, domain.ErrTargetUnavailable(seg.Target, fmt.Sprintf("target is %s", target.State))
	}

	segCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cb := e.breaker(seg.Target)
	attempts := 0

	operation := func() (json.RawMessage, error) {
		attempts++
		req := domain.NewDispatchRequest(rc, subID, seg, attempts)
		out, err := cb.Execute(func() (interface{}, error) {
			resp, err := e.transport.Send(segCtx, target, req)
			if err != nil {
				return nil, err
			}
			if de := resp.Err(); de != nil {
				return nil, de.WithTarget(seg.Target)
			}
			return resp.Result, nil
		})
		if err == nil {
			return out.(json.RawMessage), nil
		}
		if isBreakerRejection(err) {
			attempts--
			return nil, backoff.Permanent(domain.ErrTargetUnavailable(seg.Target, "circuit open"))
		}
		if segCtx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		de := domain.AsDispatchError(err)
		if !de.ShouldRetry() {
			return nil, backoff.Permanent(de)
		}
		return nil, de
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.Retry.InitialBackoff
	b.MaxInterval = e.cfg.Retry.MaxBackoff
	b.Multiplier = e.cfg.Retry.Multiplier
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.Retry.MaxAttempts-1)), segCtx)

	result, err := backoff.RetryNotifyWithData[json.RawMessage](operation, policy, func(err error, wait time.Duration) {
		e.logger.Debug("retrying segment",
			slog.String("request_id", rc.RequestID),
			slog.String("target", seg.Target),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
	})
	if err == nil {
		return result, attempts, nil
	}

	switch {
	case errors.Is(segCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return nil, attempts, domain.ErrTimeout("segment %s exceeded its %s budget after %d attempt(s)",
			seg.ID, e.cfg.Timeout, attempts).WithTarget(seg.Target).WithCause(err)
	case ctx.Err() != nil:
		return nil, attempts, domain.NewDispatchError(domain.ErrorClassTimeout,
			fmt.Sprintf("dispatch interrupted: %v", ctx.Err())).WithTarget(seg.Target).WithCause(err)
	}
	de := domain.AsDispatchError(err)
	if de.Target == "" {
		de.Target = seg.Target
	}
	return nil, attempts, de
}

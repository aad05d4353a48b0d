// Package routing asks the decision collaborator how to split a request and
// only trusts the answer after strict validation. Any failure routes the
// whole request to the catch-all target.
package routing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/core/ports"
	"github.com/tjfontaine/switchboard/internal/pkg/config"
	"github.com/tjfontaine/switchboard/internal/telemetry"
	"github.com/tjfontaine/switchboard/internal/tokens"
)

// PayloadKind labels the isolated payload for the collaborator.
const PayloadKind = "untrusted_message"

// Store is what routing needs from durable storage.
type Store interface {
	RecentByThread(ctx context.Context, rc domain.RequestContext, limit int) ([]*domain.IngressRecord, error)
	AppendRoutingAudit(ctx context.Context, a *domain.RoutingAudit) error
}

// Wrapper is the routing safety wrapper.
type Wrapper struct {
	collaborator ports.Collaborator
	registry     ports.Eligibility
	store        Store
	cfg          atomic.Pointer[config.RoutingConfig]
	counter      tokens.Counter
	logger       *slog.Logger
	recorder     telemetry.Recorder
	now          func() time.Time
}

// Option configures a Wrapper.
type Option func(*Wrapper)

func WithLogger(l *slog.Logger) Option {
	return func(w *Wrapper) { w.logger = l }
}

func WithRecorder(r telemetry.Recorder) Option {
	return func(w *Wrapper) { w.recorder = r }
}

// WithCounter overrides the token counter used for payload budgets.
func WithCounter(c tokens.Counter) Option {
	return func(w *Wrapper) { w.counter = c }
}

// New creates a Wrapper. A nil collaborator sends everything to the catch-all.
func New(collaborator ports.Collaborator, registry ports.Eligibility, store Store, cfg config.RoutingConfig, opts ...Option) *Wrapper {
	w := &Wrapper{
		collaborator: collaborator,
		registry:     registry,
		store:        store,
		logger:       slog.Default(),
		recorder:     telemetry.NoopRecorder{},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.counter == nil {
		w.counter = tokens.Default(w.logger)
	}
	w.Reconfigure(cfg)
	return w
}

// Reconfigure swaps the routing settings; in-flight routes keep the old ones.
func (w *Wrapper) Reconfigure(cfg config.RoutingConfig) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxPayloadTokens <= 0 {
		cfg.MaxPayloadTokens = 4000
	}
	if cfg.MaxContextTokens < 0 {
		cfg.MaxContextTokens = 0
	}
	w.cfg.Store(&cfg)
}

// CatchAll returns the configured catch-all target.
func (w *Wrapper) CatchAll() string {
	return w.cfg.Load().CatchAllTarget
}

// Route produces a dispatch plan for text. It never fails: every problem
// becomes a catch-all decision with a reason.
func (w *Wrapper) Route(ctx context.Context, rc domain.RequestContext, text string) *Decision {
	cfg := w.cfg.Load()
	ctx, span := telemetry.Tracer().Start(ctx, "routing.route", trace.WithAttributes(
		attribute.String("switchboard.request_id", rc.RequestID),
	))
	defer span.End()

	d := w.decide(ctx, cfg, rc, text)
	span.SetAttributes(
		attribute.Bool("switchboard.fallback", d.Fallback),
		attribute.String("switchboard.fallback_reason", d.FallbackReason),
	)
	w.record(ctx, rc, d)
	return d
}

func (w *Wrapper) decide(ctx context.Context, cfg *config.RoutingConfig, rc domain.RequestContext, text string) *Decision {
	if w.collaborator == nil {
		return fallback(cfg, text, ReasonNoCollaborator, 0)
	}

	req := w.buildRequest(ctx, cfg, rc, text)

	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	raw, err := w.collaborator.Decide(callCtx, req)
	if err != nil {
		reason := ReasonCollaboratorError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		w.logger.Warn("collaborator call failed",
			slog.String("request_id", rc.RequestID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return fallback(cfg, text, reason, 0)
	}

	// Spans must fall inside what the collaborator was shown, which may be a
	// truncated prefix of text.
	r, err := parseReply(raw, req.Payload.Content)
	if err != nil {
		w.logger.Warn("collaborator output rejected",
			slog.String("request_id", rc.RequestID),
			slog.String("error", err.Error()),
		)
		return fallback(cfg, text, ReasonMalformedOutput, 0)
	}

	confidence := *r.Confidence
	if confidence < cfg.ConfidenceThreshold {
		return fallback(cfg, text, ReasonLowConfidence, confidence)
	}

	for _, name := range r.targetNames() {
		if !w.registry.IsEligible(name) {
			w.logger.Info("routed target not eligible",
				slog.String("request_id", rc.RequestID),
				slog.String("target", name),
			)
			return fallback(cfg, text, ReasonIneligibleTarget, confidence)
		}
	}

	return &Decision{
		Plan:       r.plan(),
		Targets:    r.targetNames(),
		Confidence: confidence,
	}
}

func fallback(cfg *config.RoutingConfig, text, reason string, confidence float64) *Decision {
	return &Decision{
		Plan:           catchAllPlan(cfg.CatchAllTarget, text),
		Targets:        []string{cfg.CatchAllTarget},
		Confidence:     confidence,
		Fallback:       true,
		FallbackReason: reason,
	}
}

// buildRequest isolates the untrusted text and recent thread history inside
// the payload, trimmed to their token budgets.
func (w *Wrapper) buildRequest(ctx context.Context, cfg *config.RoutingConfig, rc domain.RequestContext, text string) *ports.CollaboratorRequest {
	sum := sha256.Sum256([]byte(text))
	content, truncated := w.counter.Truncate(text, cfg.MaxPayloadTokens)
	if truncated {
		w.logger.Debug("isolated payload truncated",
			slog.String("request_id", rc.RequestID),
			slog.Int("bytes", len(text)),
			slog.Int("kept_bytes", len(content)),
		)
	}

	req := &ports.CollaboratorRequest{
		Instructions: Instructions,
		Payload: ports.IsolatedPayload{
			Kind:    PayloadKind,
			Content: content,
			SHA256:  hex.EncodeToString(sum[:]),
			Length:  len(text),
		},
		RecentContext:   w.recentContext(ctx, cfg, rc),
		EligibleTargets: []ports.TargetDescriptor{},
	}
	for _, t := range w.registry.Eligible() {
		req.EligibleTargets = append(req.EligibleTargets, ports.TargetDescriptor{
			Name:         t.Name,
			Capabilities: t.Capabilities,
		})
	}
	return req
}

func (w *Wrapper) recentContext(ctx context.Context, cfg *config.RoutingConfig, rc domain.RequestContext) []ports.ContextItem {
	items := []ports.ContextItem{}
	if w.store == nil || cfg.RecentContextLimit <= 0 || cfg.MaxContextTokens <= 0 || rc.ThreadKey() == "" {
		return items
	}
	recent, err := w.store.RecentByThread(ctx, rc, cfg.RecentContextLimit+1)
	if err != nil {
		w.logger.Warn("failed to load thread context",
			slog.String("request_id", rc.RequestID),
			slog.String("error", err.Error()),
		)
		return items
	}

	budget := cfg.MaxContextTokens
	for _, rec := range recent {
		if rec.RequestID() == rc.RequestID {
			continue
		}
		if len(items) == cfg.RecentContextLimit || budget <= 0 {
			break
		}
		text, _ := w.counter.Truncate(rec.NormalizedText, budget)
		budget -= w.counter.Count(text)
		items = append(items, ports.ContextItem{
			RequestID: rec.RequestID(),
			Text:      text,
			State:     string(rec.State),
		})
	}
	return items
}

func (w *Wrapper) record(ctx context.Context, rc domain.RequestContext, d *Decision) {
	w.recorder.RecordRouting(ctx, d.Fallback, d.FallbackReason)

	attrs := []any{
		slog.String("request_id", rc.RequestID),
		slog.Any("targets", d.Targets),
		slog.Float64("confidence", d.Confidence),
		slog.String("mode", string(d.Plan.Mode)),
	}
	if d.Fallback {
		w.logger.Info("routed to catch-all", append(attrs, slog.String("reason", d.FallbackReason))...)
	} else {
		w.logger.Info("routed", attrs...)
	}

	if w.store == nil {
		return
	}
	if err := w.store.AppendRoutingAudit(ctx, &domain.RoutingAudit{
		RequestID:      rc.RequestID,
		Targets:        d.Targets,
		Confidence:     d.Confidence,
		Fallback:       d.Fallback,
		FallbackReason: d.FallbackReason,
		CreatedAt:      w.now().UTC(),
	}); err != nil {
		w.logger.Warn("failed to write routing audit",
			slog.String("request_id", rc.RequestID),
			slog.String("error", err.Error()),
		)
	}
}

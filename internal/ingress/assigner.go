// Package ingress assigns request contexts to inbound events and
// deduplicates transport retries before anything reaches the buffer.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/core/ports"
	"github.com/tjfontaine/switchboard/internal/telemetry"
)

// Outcome reports how an accept was resolved.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeDeduped  Outcome = "deduped"
)

// Enqueuer is the buffer hot path. Enqueue must not block; false means the
// message was left for the recovery scanner.
type Enqueuer interface {
	Enqueue(msg domain.BufferedMessage) bool
}

// AcceptResult is returned for every successful accept.
type AcceptResult struct {
	Context    domain.RequestContext `json:"request_context"`
	DedupKey   string                `json:"dedup_key"`
	Outcome    Outcome               `json:"outcome"`
	PolicyTier domain.PolicyTier     `json:"policy_tier"`
	Enqueued   bool                  `json:"enqueued"`
}

// Options configures an Assigner.
type Options struct {
	DedupWindow time.Duration
	CacheSize   int
	CacheTTL    time.Duration
	Logger      *slog.Logger
	Recorder    telemetry.Recorder
	Publisher   ports.EventPublisher
	Now         func() time.Time
}

type cacheEntry struct {
	context domain.RequestContext
	tier    domain.PolicyTier
}

// Assigner is the single entry point for inbound work.
type Assigner struct {
	store     ports.IngressStore
	buffer    Enqueuer
	cache     *expirable.LRU[string, cacheEntry]
	window    time.Duration
	logger    *slog.Logger
	recorder  telemetry.Recorder
	publisher ports.EventPublisher
	now       func() time.Time
}

// NewAssigner creates an Assigner persisting to store and enqueueing to buffer.
func NewAssigner(store ports.IngressStore, buffer Enqueuer, opts Options) *Assigner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = telemetry.NoopRecorder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	size := opts.CacheSize
	if size <= 0 {
		size = 10000
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Assigner{
		store:     store,
		buffer:    buffer,
		cache:     expirable.NewLRU[string, cacheEntry](size, nil, ttl),
		window:    opts.DedupWindow,
		logger:    opts.Logger,
		recorder:  opts.Recorder,
		publisher: opts.Publisher,
		now:       opts.Now,
	}
}

func validate(ev *domain.InboundEvent) error {
	switch {
	case ev.Channel == "":
		return domain.ErrValidation("channel is required")
	case ev.EndpointIdentity == "":
		return domain.ErrValidation("endpoint_identity is required")
	case ev.SenderIdentity == "":
		return domain.ErrValidation("sender_identity is required")
	}
	return nil
}

// Accept assigns a request context to ev, persists it and hands it to the
// buffer. Duplicate events resolve to the context minted for the first copy
// and are never re-persisted or re-enqueued. Store failures fail closed.
func (a *Assigner) Accept(ctx context.Context, ev *domain.InboundEvent) (*AcceptResult, error) {
	if err := validate(ev); err != nil {
		return nil, err
	}

	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = a.now()
	}
	receivedAt = receivedAt.UTC()
	key := DedupKey(ev, a.window, receivedAt)

	if hit, ok := a.cache.Get(key); ok {
		return a.deduped(ctx, key, hit.context, hit.tier), nil
	}
	nkey, hit, err := a.neighbor(ctx, ev, receivedAt)
	if err != nil {
		return nil, err
	}
	if hit != nil {
		return a.deduped(ctx, nkey, hit.context, hit.tier), nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, domain.ErrInternal(fmt.Errorf("mint request id: %w", err))
	}

	tc := ev.TraceContext
	if tc == nil {
		if tp, ts := telemetry.InjectTraceContext(ctx); tp != "" {
			tc = &domain.TraceContext{TraceParent: tp, TraceState: ts}
		}
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, domain.ErrValidation("payload is not serializable: %v", err)
	}

	rec := &domain.IngressRecord{
		Context: domain.RequestContext{
			RequestID:              id.String(),
			ReceivedAt:             receivedAt,
			SourceChannel:          ev.Channel,
			SourceEndpointIdentity: ev.EndpointIdentity,
			SourceSenderIdentity:   ev.SenderIdentity,
			SourceThreadIdentity:   ev.ThreadIdentity,
			TraceContext:           tc,
		},
		DedupKey:       key,
		PolicyTier:     domain.ParseTier(ev.PolicyTier),
		RawPayload:     raw,
		NormalizedText: NormalizeText(ev.Text),
		State:          domain.StateAccepted,
		Attempt:        1,
	}

	stored, created, err := a.store.InsertOrGet(ctx, rec)
	if err != nil {
		a.logger.ErrorContext(ctx, "ingress persist failed",
			slog.String("dedup_key", key),
			slog.String("channel", string(ev.Channel)),
			slog.String("error", err.Error()),
		)
		return nil, domain.ErrInternal(fmt.Errorf("persist ingress record: %w", err))
	}

	a.cache.Add(key, cacheEntry{context: stored.Context, tier: stored.PolicyTier})
	if !created {
		return a.deduped(ctx, key, stored.Context, stored.PolicyTier), nil
	}

	return a.admit(ctx, stored, domain.LifecycleEventAccepted, nil), nil
}

// neighbor finds a copy of ev accepted under an adjacent window's key less
// than one window before or after receivedAt.
func (a *Assigner) neighbor(ctx context.Context, ev *domain.InboundEvent, receivedAt time.Time) (string, *cacheEntry, error) {
	for _, key := range NeighborDedupKeys(ev, a.window, receivedAt) {
		hit, ok := a.cache.Get(key)
		if !ok {
			rec, err := a.store.GetByDedupKey(ctx, key)
			if errors.Is(err, ports.ErrNotFound) {
				continue
			}
			if err != nil {
				return "", nil, domain.ErrInternal(fmt.Errorf("look up dedup key: %w", err))
			}
			hit = cacheEntry{context: rec.Context, tier: rec.PolicyTier}
			a.cache.Add(key, hit)
		}
		if d := receivedAt.Sub(hit.context.ReceivedAt); d > -a.window && d < a.window {
			return key, &hit, nil
		}
	}
	return "", nil, nil
}

// Replay re-submits a terminal request as a new attempt linked to the
// original. The original record is left untouched.
func (a *Assigner) Replay(ctx context.Context, requestID string) (*AcceptResult, error) {
	orig, err := a.store.GetRequest(ctx, requestID)
	if errors.Is(err, ports.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, domain.ErrInternal(fmt.Errorf("load request %s: %w", requestID, err))
	}
	if !orig.State.Terminal() {
		return nil, domain.ErrValidation("request %s is %s; only terminal requests can be replayed", requestID, orig.State)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, domain.ErrInternal(fmt.Errorf("mint request id: %w", err))
	}

	attempt := orig.Attempt + 1
	rc := orig.Context
	rc.RequestID = id.String()
	rc.ReceivedAt = a.now().UTC()

	rec := &domain.IngressRecord{
		Context:        rc,
		DedupKey:       ReplayKey(orig.RequestID(), attempt),
		PolicyTier:     orig.PolicyTier,
		RawPayload:     orig.RawPayload,
		NormalizedText: orig.NormalizedText,
		State:          domain.StateAccepted,
		ReplayOf:       orig.RequestID(),
		Attempt:        attempt,
	}
	stored, created, err := a.store.InsertOrGet(ctx, rec)
	if err != nil {
		return nil, domain.ErrInternal(fmt.Errorf("persist replay: %w", err))
	}
	if !created {
		return a.deduped(ctx, rec.DedupKey, stored.Context, stored.PolicyTier), nil
	}

	return a.admit(ctx, stored, domain.LifecycleEventReplayed, domain.LifecycleReplayedData{
		ReplayOf: orig.RequestID(),
		Attempt:  attempt,
	}), nil
}

func (a *Assigner) admit(ctx context.Context, rec *domain.IngressRecord, event domain.LifecycleEventType, data any) *AcceptResult {
	enqueued := false
	if a.buffer != nil {
		enqueued = a.buffer.Enqueue(domain.BufferedMessage{
			RequestID:  rec.RequestID(),
			PolicyTier: rec.PolicyTier,
			EnqueuedAt: a.now(),
		})
	}

	a.logger.InfoContext(ctx, "ingress accepted",
		slog.String("request_id", rec.RequestID()),
		slog.String("dedup_key", rec.DedupKey),
		slog.String("outcome", string(OutcomeAccepted)),
		slog.String("channel", string(rec.Context.SourceChannel)),
		slog.String("policy_tier", string(rec.PolicyTier)),
		slog.Bool("enqueued", enqueued),
	)
	a.recorder.RecordAccept(ctx, string(rec.Context.SourceChannel), string(OutcomeAccepted))
	a.publish(ctx, event, rec.RequestID(), data)

	return &AcceptResult{
		Context:    rec.Context,
		DedupKey:   rec.DedupKey,
		Outcome:    OutcomeAccepted,
		PolicyTier: rec.PolicyTier,
		Enqueued:   enqueued,
	}
}

func (a *Assigner) deduped(ctx context.Context, key string, rc domain.RequestContext, tier domain.PolicyTier) *AcceptResult {
	a.logger.InfoContext(ctx, "ingress deduplicated",
		slog.String("request_id", rc.RequestID),
		slog.String("dedup_key", key),
		slog.String("outcome", string(OutcomeDeduped)),
		slog.String("channel", string(rc.SourceChannel)),
	)
	a.recorder.RecordAccept(ctx, string(rc.SourceChannel), string(OutcomeDeduped))
	return &AcceptResult{
		Context:    rc,
		DedupKey:   key,
		Outcome:    OutcomeDeduped,
		PolicyTier: tier,
	}
}

func (a *Assigner) publish(ctx context.Context, typ domain.LifecycleEventType, requestID string, data any) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.Publish(ctx, &domain.LifecycleEvent{
		Type:      typ,
		RequestID: requestID,
		Timestamp: a.now().UTC(),
		Data:      data,
	}); err != nil {
		a.logger.WarnContext(ctx, "failed to publish lifecycle event",
			slog.String("request_id", requestID),
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}

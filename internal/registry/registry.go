// Package registry tracks which dispatch targets are alive and eligible to
// receive work. Each target is a lock-free snapshot swapped with
// compare-and-swap; every state change is persisted and audited.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/core/ports"
	"github.com/tjfontaine/switchboard/internal/pkg/config"
	"github.com/tjfontaine/switchboard/internal/telemetry"
)

// ErrUnknownTarget is returned by operator actions on unregistered names.
var ErrUnknownTarget = errors.New("unknown target")

// Store is the persistence the registry needs.
type Store interface {
	ports.RegistryStore
	ports.AuditStore
}

// HeartbeatInput is the body of a target heartbeat.
type HeartbeatInput struct {
	Target       string           `json:"target"`
	Endpoint     string           `json:"endpoint,omitempty"`
	Capabilities []string         `json:"capabilities,omitempty"`
	Counters     map[string]int64 `json:"counters,omitempty"`
	Checkpoint   json.RawMessage  `json:"checkpoint,omitempty"`
}

// RegisterInput describes an explicit registration.
type RegisterInput struct {
	Name         string            `json:"name"`
	Kind         domain.TargetKind `json:"kind"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
}

// Registry is safe for concurrent use.
type Registry struct {
	entries  sync.Map // name -> *entry
	store    Store
	liveness atomic.Pointer[config.LivenessConfig]
	logger   *slog.Logger
	recorder telemetry.Recorder
	now      func() time.Time
}

var _ ports.Eligibility = (*Registry)(nil)

// entry holds one target. Readers load the snapshot without locking; writers
// hold mu across the swap and the store write so saves land in swap order.
type entry struct {
	mu   sync.Mutex
	snap atomic.Pointer[domain.TargetEligibility]
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func WithRecorder(rec telemetry.Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry with the given liveness thresholds.
func New(store Store, liveness config.LivenessConfig, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		logger:   slog.Default(),
		recorder: telemetry.NoopRecorder{},
		now:      time.Now,
	}
	r.SetLiveness(liveness)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetLiveness replaces the TTL thresholds; used on config reload.
func (r *Registry) SetLiveness(l config.LivenessConfig) {
	if l.Unit <= 0 {
		l.Unit = 30 * time.Second
	}
	if l.ActiveWithin <= 0 {
		l.ActiveWithin = 2
	}
	if l.StaleWithin <= l.ActiveWithin {
		l.StaleWithin = l.ActiveWithin * 2
	}
	r.liveness.Store(&l)
}

// Load restores persisted targets. Existing in-memory entries are replaced.
func (r *Registry) Load(ctx context.Context) error {
	targets, err := r.store.LoadTargets(ctx)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	for _, t := range targets {
		e := &entry{}
		e.snap.Store(t)
		r.entries.Store(t.Name, e)
	}
	r.logger.Info("registry loaded", slog.Int("targets", len(targets)))
	return nil
}

func (r *Registry) slot(name string) (*entry, bool) {
	v, ok := r.entries.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// IsEligible reports whether name is registered and active.
func (r *Registry) IsEligible(name string) bool {
	e, ok := r.slot(name)
	if !ok {
		return false
	}
	return e.snap.Load().Eligible()
}

// Get returns a copy of the target's current snapshot.
func (r *Registry) Get(name string) (*domain.TargetEligibility, bool) {
	e, ok := r.slot(name)
	if !ok {
		return nil, false
	}
	t := e.snap.Load()
	if t == nil {
		return nil, false
	}
	return t.Clone(), true
}

// List returns every registered target ordered by name.
func (r *Registry) List() []*domain.TargetEligibility {
	var out []*domain.TargetEligibility
	r.entries.Range(func(_, v any) bool {
		if t := v.(*entry).snap.Load(); t != nil {
			out = append(out, t.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Eligible returns the active targets ordered by name.
func (r *Registry) Eligible() []*domain.TargetEligibility {
	all := r.List()
	out := all[:0]
	for _, t := range all {
		if t.Eligible() {
			out = append(out, t)
		}
	}
	return out
}

// mutation returns the next snapshot and the audit reason, or nil when the
// current snapshot should be kept.
type mutation func(cur *domain.TargetEligibility) (next *domain.TargetEligibility, reason string)

// update applies fn and swaps in the result. Writers to one target are
// serialized so the store sees versions in the order memory does.
func (r *Registry) update(ctx context.Context, e *entry, fn mutation) (*domain.TargetEligibility, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		cur := e.snap.Load()
		if cur == nil {
			return nil, ErrUnknownTarget
		}
		next, reason := fn(cur.Clone())
		if next == nil {
			return cur.Clone(), nil
		}
		next.Version = cur.Version + 1
		if !e.snap.CompareAndSwap(cur, next) {
			continue
		}
		r.commit(ctx, cur, next, reason)
		return next.Clone(), nil
	}
}

// insert creates a new entry for t; it returns false if name is already taken.
func (r *Registry) insert(ctx context.Context, t *domain.TargetEligibility, reason string) bool {
	t.Version = 1
	e := &entry{}
	e.snap.Store(t)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, loaded := r.entries.LoadOrStore(t.Name, e); loaded {
		return false
	}
	r.commit(ctx, nil, t, reason)
	return true
}

func (r *Registry) commit(ctx context.Context, prev, next *domain.TargetEligibility, reason string) {
	var expected int64
	from := domain.TargetState("")
	if prev != nil {
		expected = prev.Version
		from = prev.State
	}
	if err := r.persist(ctx, next, expected); err != nil {
		r.logger.WarnContext(ctx, "failed to persist target",
			slog.String("target", next.Name),
			slog.Int64("version", next.Version),
			slog.String("error", err.Error()),
		)
	}
	if from == next.State && reason == domain.ReasonHeartbeat {
		return
	}
	r.audit(ctx, next.Name, from, next.State, reason)
}

// persist saves next expecting the stored version to be expected. If an
// earlier save failed the store lags memory; the stored version is then
// re-read and the latest snapshot written over it.
func (r *Registry) persist(ctx context.Context, next *domain.TargetEligibility, expected int64) error {
	err := r.store.SaveTarget(ctx, next, expected)
	if !errors.Is(err, ports.ErrConflict) {
		return err
	}
	stored, lerr := r.storedVersion(ctx, next.Name)
	if lerr != nil {
		return errors.Join(err, lerr)
	}
	r.logger.WarnContext(ctx, "stored target out of date, resyncing",
		slog.String("target", next.Name),
		slog.Int64("stored_version", stored),
		slog.Int64("version", next.Version),
	)
	return r.store.SaveTarget(ctx, next, stored)
}

func (r *Registry) storedVersion(ctx context.Context, name string) (int64, error) {
	targets, err := r.store.LoadTargets(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range targets {
		if t.Name == name {
			return t.Version, nil
		}
	}
	return 0, nil
}

func (r *Registry) audit(ctx context.Context, name string, from, to domain.TargetState, reason string) {
	at := r.now().UTC()
	if err := r.store.AppendEligibilityAudit(ctx, &domain.EligibilityAudit{
		Target:    name,
		FromState: from,
		ToState:   to,
		Reason:    reason,
		At:        at,
	}); err != nil {
		r.logger.WarnContext(ctx, "failed to audit eligibility change",
			slog.String("target", name),
			slog.String("error", err.Error()),
		)
	}
	r.recorder.RecordEligibilityTransition(ctx, name, string(from), string(to), reason)
	r.logger.InfoContext(ctx, "target eligibility changed",
		slog.String("target", name),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason),
	)
}

// Heartbeat records liveness for in.Target. Unknown targets self-register.
// A TTL quarantine is lifted by a heartbeat; an operator quarantine is not.
func (r *Registry) Heartbeat(ctx context.Context, in HeartbeatInput) (*domain.TargetEligibility, error) {
	if in.Target == "" {
		return nil, domain.ErrValidation("heartbeat requires a target name")
	}
	now := r.now().UTC()

	e, ok := r.slot(in.Target)
	if !ok {
		t := &domain.TargetEligibility{
			Name:            in.Target,
			Kind:            domain.TargetKindHTTP,
			Endpoint:        in.Endpoint,
			Capabilities:    in.Capabilities,
			State:           domain.TargetActive,
			LastHeartbeatAt: now,
			Counters:        in.Counters,
			Checkpoint:      in.Checkpoint,
			RegisteredAt:    now,
		}
		if r.insert(ctx, t, domain.ReasonSelfRegistered) {
			return t.Clone(), nil
		}
		e, _ = r.slot(in.Target)
	}

	return r.update(ctx, e, func(t *domain.TargetEligibility) (*domain.TargetEligibility, string) {
		t.LastHeartbeatAt = now
		if in.Counters != nil {
			t.Counters = in.Counters
		}
		if len(in.Checkpoint) > 0 {
			t.Checkpoint = in.Checkpoint
		}
		if in.Endpoint != "" {
			t.Endpoint = in.Endpoint
		}
		if in.Capabilities != nil {
			t.Capabilities = in.Capabilities
		}

		reason := domain.ReasonHeartbeat
		switch {
		case t.State == domain.TargetQuarantined && t.Manual:
			// Only Restore or re-registration lifts an operator quarantine.
		case t.State == domain.TargetQuarantined:
			t.State = domain.TargetActive
			t.QuarantinedAt = nil
			t.QuarantineReason = ""
			reason = domain.ReasonHeartbeatRecovered
		default:
			t.State = domain.TargetActive
		}
		return t, reason
	})
}

// Register adds or re-registers a target as active. Re-registration lifts
// any quarantine, including an operator one. reason is recorded for new
// targets; existing ones are audited as reregistered unless reason is
// ReasonConfigured.
func (r *Registry) Register(ctx context.Context, in RegisterInput, reason string) (*domain.TargetEligibility, error) {
	if in.Name == "" {
		return nil, domain.ErrValidation("target name is required")
	}
	if in.Kind == "" {
		in.Kind = domain.TargetKindHTTP
	}
	if in.Kind != domain.TargetKindHTTP && in.Kind != domain.TargetKindLocal {
		return nil, domain.ErrValidation("unknown target kind %q", in.Kind)
	}
	if in.Kind == domain.TargetKindHTTP && in.Endpoint == "" {
		return nil, domain.ErrValidation("http target %s requires an endpoint", in.Name)
	}
	now := r.now().UTC()

	if _, ok := r.slot(in.Name); !ok {
		t := &domain.TargetEligibility{
			Name:            in.Name,
			Kind:            in.Kind,
			Endpoint:        in.Endpoint,
			Capabilities:    in.Capabilities,
			State:           domain.TargetActive,
			LastHeartbeatAt: now,
			RegisteredAt:    now,
		}
		if r.insert(ctx, t, reason) {
			return t.Clone(), nil
		}
	}
	e, _ := r.slot(in.Name)
	return r.update(ctx, e, func(t *domain.TargetEligibility) (*domain.TargetEligibility, string) {
		t.Kind = in.Kind
		t.Endpoint = in.Endpoint
		t.Capabilities = in.Capabilities
		if reason == domain.ReasonConfigured {
			// Startup config refreshes the shape of a persisted target but
			// keeps its liveness and any operator quarantine.
			return t, reason
		}
		t.State = domain.TargetActive
		t.Manual = false
		t.QuarantinedAt = nil
		t.QuarantineReason = ""
		t.LastHeartbeatAt = now
		t.RegisteredAt = now
		return t, domain.ReasonReregistered
	})
}

// Quarantine removes a target from routing until Restore.
func (r *Registry) Quarantine(ctx context.Context, name, note string) (*domain.TargetEligibility, error) {
	e, ok := r.slot(name)
	if !ok {
		return nil, ErrUnknownTarget
	}
	now := r.now().UTC()
	return r.update(ctx, e, func(t *domain.TargetEligibility) (*domain.TargetEligibility, string) {
		if t.State == domain.TargetQuarantined && t.Manual {
			return nil, ""
		}
		t.State = domain.TargetQuarantined
		t.Manual = true
		t.QuarantinedAt = &now
		t.QuarantineReason = domain.ReasonOperatorQuarantine
		if note != "" {
			t.QuarantineReason += ": " + note
		}
		return t, domain.ReasonOperatorQuarantine
	})
}

// Restore lifts any quarantine and marks the target active.
func (r *Registry) Restore(ctx context.Context, name string) (*domain.TargetEligibility, error) {
	e, ok := r.slot(name)
	if !ok {
		return nil, ErrUnknownTarget
	}
	now := r.now().UTC()
	return r.update(ctx, e, func(t *domain.TargetEligibility) (*domain.TargetEligibility, string) {
		if t.State == domain.TargetActive && !t.Manual {
			return nil, ""
		}
		t.State = domain.TargetActive
		t.Manual = false
		t.QuarantinedAt = nil
		t.QuarantineReason = ""
		t.LastHeartbeatAt = now
		return t, domain.ReasonOperatorRestore
	})
}

// Deregister removes a target. Targets are only ever removed by an operator.
func (r *Registry) Deregister(ctx context.Context, name string) error {
	v, ok := r.entries.LoadAndDelete(name)
	if !ok {
		return ErrUnknownTarget
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.snap.Load()
	if err := r.store.DeleteTarget(ctx, name); err != nil && !errors.Is(err, ports.ErrNotFound) {
		return fmt.Errorf("delete target %s: %w", name, err)
	}
	if prev != nil {
		r.audit(ctx, name, prev.State, "", domain.ReasonOperatorDeregister)
	}
	return nil
}

// SweepStats counts the transitions made by one sweep.
type SweepStats struct {
	Staled      int `json:"staled"`
	Quarantined int `json:"quarantined"`
}

// Sweep demotes targets whose last heartbeat is older than the liveness
// thresholds. Local targets run in-process and are exempt.
func (r *Registry) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats
	l := r.liveness.Load()
	now := r.now().UTC()

	r.entries.Range(func(_, v any) bool {
		var reason string
		_, err := r.update(ctx, v.(*entry), func(t *domain.TargetEligibility) (*domain.TargetEligibility, string) {
			reason = ""
			if t.Kind == domain.TargetKindLocal || t.State == domain.TargetQuarantined {
				return nil, ""
			}
			age := now.Sub(t.LastHeartbeatAt)
			switch {
			case age > l.StaleTTL():
				t.State = domain.TargetQuarantined
				t.QuarantinedAt = &now
				t.QuarantineReason = domain.ReasonTTLExpired
				reason = domain.ReasonTTLExpired
			case age > l.ActiveTTL() && t.State == domain.TargetActive:
				t.State = domain.TargetStale
				reason = domain.ReasonTTLStale
			default:
				return nil, ""
			}
			return t, reason
		})
		if err != nil {
			return true
		}
		switch reason {
		case domain.ReasonTTLExpired:
			stats.Quarantined++
		case domain.ReasonTTLStale:
			stats.Staled++
		}
		return true
	})
	return stats
}

// RunSweeper sweeps on every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = r.liveness.Load().Unit / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

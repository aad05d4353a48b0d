// Package memory provides an in-process ports.Store used by tests and by
// deployments that accept losing buffered work on restart.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/core/ports"
)

// Store is an in-memory implementation of ports.Store.
type Store struct {
	mu          sync.RWMutex
	requests    map[string]*domain.IngressRecord
	dedup       map[string]string
	targets     map[string]*domain.TargetEligibility
	eligibility []*domain.EligibilityAudit
	routing     []*domain.RoutingAudit
	events      map[string][]*domain.LifecycleEvent
	now         func() time.Time
}

var _ ports.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		requests: make(map[string]*domain.IngressRecord),
		dedup:    make(map[string]string),
		targets:  make(map[string]*domain.TargetEligibility),
		events:   make(map[string][]*domain.LifecycleEvent),
		now:      time.Now,
	}
}

func cloneRecord(r *domain.IngressRecord) *domain.IngressRecord {
	c := *r
	if r.Context.TraceContext != nil {
		tc := *r.Context.TraceContext
		c.Context.TraceContext = &tc
	}
	if r.RawPayload != nil {
		c.RawPayload = append(json.RawMessage(nil), r.RawPayload...)
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.Results != nil {
		c.Results = append([]domain.SegmentResult(nil), r.Results...)
	}
	return &c
}

func (s *Store) InsertOrGet(ctx context.Context, rec *domain.IngressRecord) (*domain.IngressRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.dedup[rec.DedupKey]; ok {
		existing, ok := s.requests[id]
		if !ok {
			return nil, false, fmt.Errorf("dedup key %s points at missing request %s", rec.DedupKey, id)
		}
		return cloneRecord(existing), false, nil
	}
	if _, exists := s.requests[rec.RequestID()]; exists {
		return nil, false, fmt.Errorf("request %s already exists: %w", rec.RequestID(), ports.ErrConflict)
	}

	if rec.Attempt == 0 {
		rec.Attempt = 1
	}
	rec.UpdatedAt = s.now().UTC()
	s.dedup[rec.DedupKey] = rec.RequestID()
	s.requests[rec.RequestID()] = cloneRecord(rec)
	return rec, true, nil
}

func (s *Store) GetByDedupKey(ctx context.Context, key string) (*domain.IngressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.dedup[key]
	if !ok {
		return nil, ports.ErrNotFound
	}
	rec, ok := s.requests[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *Store) GetRequest(ctx context.Context, requestID string) (*domain.IngressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.requests[requestID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *Store) TransitionState(ctx context.Context, requestID string, from, to domain.LifecycleState) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", from, to, ports.ErrConflict)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.requests[requestID]
	if !ok {
		return ports.ErrNotFound
	}
	if rec.State != from {
		return ports.ErrConflict
	}
	rec.State = to
	rec.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) Finalize(ctx context.Context, requestID string, fin domain.Finalization) error {
	if !fin.State.Terminal() {
		return fmt.Errorf("finalize with non-terminal state %s: %w", fin.State, ports.ErrConflict)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.requests[requestID]
	if !ok {
		return ports.ErrNotFound
	}
	if !domain.CanTransition(rec.State, fin.State) {
		return ports.ErrConflict
	}
	rec.State = fin.State
	rec.Fallback = fin.Fallback
	rec.FallbackReason = fin.FallbackReason
	rec.Error = fin.Error
	rec.Results = append([]domain.SegmentResult(nil), fin.Results...)
	rec.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) ListStaleAccepted(ctx context.Context, cutoff time.Time, limit int) ([]*domain.IngressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.IngressRecord
	for _, rec := range s.requests {
		if rec.State == domain.StateAccepted && rec.Context.ReceivedAt.Before(cutoff) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Context.ReceivedAt.Before(out[j].Context.ReceivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ReclaimStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*domain.IngressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*domain.IngressRecord
	for _, rec := range s.requests {
		if rec.State == domain.StateProcessing && rec.UpdatedAt.Before(cutoff) {
			stale = append(stale, rec)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}

	now := s.now().UTC()
	out := make([]*domain.IngressRecord, 0, len(stale))
	for _, rec := range stale {
		rec.State = domain.StateAccepted
		rec.UpdatedAt = now
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

func (s *Store) RecentByThread(ctx context.Context, rc domain.RequestContext, limit int) ([]*domain.IngressRecord, error) {
	key := rc.ThreadKey()
	if key == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.IngressRecord
	for id, rec := range s.requests {
		if id == rc.RequestID || rec.Context.ThreadKey() != key || rec.Context.ReceivedAt.After(rc.ReceivedAt) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Context.ReceivedAt.After(out[j].Context.ReceivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for id, rec := range s.requests {
		if rec.State.Terminal() && rec.Context.ReceivedAt.Before(cutoff) {
			delete(s.requests, id)
			delete(s.events, id)
			purged++
		}
	}
	for key, id := range s.dedup {
		if _, ok := s.requests[id]; !ok {
			delete(s.dedup, key)
		}
	}
	return purged, nil
}

func (s *Store) CountByState(ctx context.Context) (map[domain.LifecycleState]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[domain.LifecycleState]int64)
	for _, rec := range s.requests {
		out[rec.State]++
	}
	return out, nil
}

func (s *Store) SaveTarget(ctx context.Context, t *domain.TargetEligibility, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.targets[t.Name]
	switch {
	case expectedVersion == 0 && exists:
		return ports.ErrConflict
	case expectedVersion != 0 && (!exists || current.Version != expectedVersion):
		return ports.ErrConflict
	}
	s.targets[t.Name] = t.Clone()
	return nil
}

func (s *Store) LoadTargets(ctx context.Context) ([]*domain.TargetEligibility, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.TargetEligibility, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DeleteTarget(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.targets[name]; !ok {
		return ports.ErrNotFound
	}
	delete(s.targets, name)
	return nil
}

func (s *Store) AppendEligibilityAudit(ctx context.Context, a *domain.EligibilityAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.eligibility = append(s.eligibility, &cp)
	return nil
}

// ListEligibilityAudit returns the newest entries for target first.
func (s *Store) ListEligibilityAudit(ctx context.Context, target string, limit int) ([]*domain.EligibilityAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.EligibilityAudit
	for i := len(s.eligibility) - 1; i >= 0; i-- {
		if s.eligibility[i].Target != target {
			continue
		}
		cp := *s.eligibility[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) AppendRoutingAudit(ctx context.Context, a *domain.RoutingAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.routing = append(s.routing, &cp)
	return nil
}

// RoutingAudit returns every recorded routing decision in insertion order.
func (s *Store) RoutingAudit() []*domain.RoutingAudit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*domain.RoutingAudit(nil), s.routing...)
}

func (s *Store) AppendLifecycleEvent(ctx context.Context, e *domain.LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	s.events[e.RequestID] = append(s.events[e.RequestID], &cp)
	return nil
}

func (s *Store) ListLifecycleEvents(ctx context.Context, requestID string) ([]*domain.LifecycleEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]*domain.LifecycleEvent(nil), s.events[requestID]...), nil
}

func (s *Store) Close() error {
	return nil
}

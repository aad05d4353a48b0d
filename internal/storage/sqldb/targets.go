package sqldb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/core/ports"
)

type targetRow struct {
	Name             string     `db:"name"`
	Kind             string     `db:"kind"`
	Endpoint         string     `db:"endpoint"`
	Capabilities     string     `db:"capabilities"`
	State            string     `db:"state"`
	LastHeartbeatAt  time.Time  `db:"last_heartbeat_at"`
	QuarantinedAt    *time.Time `db:"quarantined_at"`
	QuarantineReason string     `db:"quarantine_reason"`
	Manual           bool       `db:"manual"`
	Counters         string     `db:"counters"`
	Checkpoint       string     `db:"checkpoint"`
	RegisteredAt     time.Time  `db:"registered_at"`
	Version          int64      `db:"version"`
}

func (r *targetRow) toTarget() (*domain.TargetEligibility, error) {
	t := &domain.TargetEligibility{
		Name:             r.Name,
		Kind:             domain.TargetKind(r.Kind),
		Endpoint:         r.Endpoint,
		State:            domain.TargetState(r.State),
		LastHeartbeatAt:  r.LastHeartbeatAt.UTC(),
		QuarantineReason: r.QuarantineReason,
		Manual:           r.Manual,
		RegisteredAt:     r.RegisteredAt.UTC(),
		Version:          r.Version,
	}
	if r.QuarantinedAt != nil {
		at := r.QuarantinedAt.UTC()
		t.QuarantinedAt = &at
	}
	if err := fromJSON(r.Capabilities, &t.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
	}
	if err := fromJSON(r.Counters, &t.Counters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal counters: %w", err)
	}
	if !isNullJSON(r.Checkpoint) {
		t.Checkpoint = json.RawMessage(r.Checkpoint)
	}
	return t, nil
}

// SaveTarget writes t guarded by its stored version.
func (s *Store) SaveTarget(ctx context.Context, t *domain.TargetEligibility, expectedVersion int64) error {
	caps, err := toJSON(t.Capabilities)
	if err != nil {
		return err
	}
	counters, err := toJSON(t.Counters)
	if err != nil {
		return err
	}
	checkpoint := "null"
	if len(t.Checkpoint) > 0 {
		checkpoint = string(t.Checkpoint)
	}
	var quarantinedAt *time.Time
	if t.QuarantinedAt != nil {
		at := t.QuarantinedAt.UTC()
		quarantinedAt = &at
	}

	if expectedVersion == 0 {
		query := s.dialect.Rebind(`INSERT INTO targets (name, kind, endpoint, capabilities, state,
			last_heartbeat_at, quarantined_at, quarantine_reason, manual, counters, checkpoint,
			registered_at, version) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` +
			s.dialect.UpsertClause("name", nil))
		res, err := s.db.ExecContext(ctx, query,
			t.Name, string(t.Kind), t.Endpoint, caps, string(t.State),
			t.LastHeartbeatAt.UTC(), quarantinedAt, t.QuarantineReason, t.Manual, counters, checkpoint,
			t.RegisteredAt.UTC(), t.Version)
		if err != nil {
			return fmt.Errorf("failed to insert target: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ports.ErrConflict
		}
		return nil
	}

	query := s.dialect.Rebind(`UPDATE targets SET kind = ?, endpoint = ?, capabilities = ?, state = ?,
		last_heartbeat_at = ?, quarantined_at = ?, quarantine_reason = ?, manual = ?, counters = ?,
		checkpoint = ?, registered_at = ?, version = ?
		WHERE name = ? AND version = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(t.Kind), t.Endpoint, caps, string(t.State),
		t.LastHeartbeatAt.UTC(), quarantinedAt, t.QuarantineReason, t.Manual, counters,
		checkpoint, t.RegisteredAt.UTC(), t.Version,
		t.Name, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update target: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ports.ErrConflict
	}
	return nil
}

func (s *Store) LoadTargets(ctx context.Context) ([]*domain.TargetEligibility, error) {
	var rows []targetRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT name, kind, endpoint, capabilities, state,
		last_heartbeat_at, quarantined_at, quarantine_reason, manual, counters, checkpoint,
		registered_at, version FROM targets ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to load targets: %w", err)
	}
	out := make([]*domain.TargetEligibility, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTarget()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) DeleteTarget(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM targets WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("failed to delete target: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (s *Store) AppendEligibilityAudit(ctx context.Context, a *domain.EligibilityAudit) error {
	query := s.dialect.Rebind(`INSERT INTO eligibility_audit (target, from_state, to_state, reason, at)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		a.Target, string(a.FromState), string(a.ToState), a.Reason, a.At.UTC()); err != nil {
		return fmt.Errorf("failed to append eligibility audit: %w", err)
	}
	return nil
}

func (s *Store) ListEligibilityAudit(ctx context.Context, target string, limit int) ([]*domain.EligibilityAudit, error) {
	var rows []struct {
		Target    string    `db:"target"`
		FromState string    `db:"from_state"`
		ToState   string    `db:"to_state"`
		Reason    string    `db:"reason"`
		At        time.Time `db:"at"`
	}
	query := s.dialect.Rebind(`SELECT target, from_state, to_state, reason, at FROM eligibility_audit
		WHERE target = ? ORDER BY id DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, query, target, limit); err != nil {
		return nil, fmt.Errorf("failed to list eligibility audit: %w", err)
	}
	out := make([]*domain.EligibilityAudit, 0, len(rows))
	for _, r := range rows {
		out = append(out, &domain.EligibilityAudit{
			Target:    r.Target,
			FromState: domain.TargetState(r.FromState),
			ToState:   domain.TargetState(r.ToState),
			Reason:    r.Reason,
			At:        r.At.UTC(),
		})
	}
	return out, nil
}

func (s *Store) AppendRoutingAudit(ctx context.Context, a *domain.RoutingAudit) error {
	targets, err := toJSON(a.Targets)
	if err != nil {
		return err
	}
	query := s.dialect.Rebind(`INSERT INTO routing_audit (request_id, targets, confidence, fallback,
		fallback_reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		a.RequestID, targets, a.Confidence, a.Fallback, a.FallbackReason, a.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to append routing audit: %w", err)
	}
	return nil
}

func (s *Store) AppendLifecycleEvent(ctx context.Context, e *domain.LifecycleEvent) error {
	data, err := toJSON(e.Data)
	if err != nil {
		return err
	}
	query := s.dialect.Rebind(`INSERT INTO lifecycle_events (request_id, type, data, created_at)
		VALUES (?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, e.RequestID, string(e.Type), data, e.Timestamp.UTC()); err != nil {
		return fmt.Errorf("failed to append lifecycle event: %w", err)
	}
	return nil
}

func (s *Store) ListLifecycleEvents(ctx context.Context, requestID string) ([]*domain.LifecycleEvent, error) {
	var rows []struct {
		RequestID string    `db:"request_id"`
		Type      string    `db:"type"`
		Data      string    `db:"data"`
		CreatedAt time.Time `db:"created_at"`
	}
	query := s.dialect.Rebind(`SELECT request_id, type, data, created_at FROM lifecycle_events
		WHERE request_id = ? ORDER BY id ASC`)
	if err := s.db.SelectContext(ctx, &rows, query, requestID); err != nil {
		return nil, fmt.Errorf("failed to list lifecycle events: %w", err)
	}
	out := make([]*domain.LifecycleEvent, 0, len(rows))
	for _, r := range rows {
		ev := &domain.LifecycleEvent{
			RequestID: r.RequestID,
			Type:      domain.LifecycleEventType(r.Type),
			Timestamp: r.CreatedAt.UTC(),
		}
		if !isNullJSON(r.Data) {
			ev.Data = json.RawMessage(r.Data)
		}
		out = append(out, ev)
	}
	return out, nil
}

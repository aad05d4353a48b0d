package ports

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/switchboard/internal/core/domain"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a compare-and-swap guard fails.
	ErrConflict = errors.New("conflict")
)

// IngressStore persists ingress records and their lifecycle.
type IngressStore interface {
	// InsertOrGet inserts rec unless a record with the same dedup key exists.
	// It returns the stored record and whether it was newly created.
	InsertOrGet(ctx context.Context, rec *domain.IngressRecord) (*domain.IngressRecord, bool, error)

	// GetByDedupKey returns the record for a dedup key.
	GetByDedupKey(ctx context.Context, key string) (*domain.IngressRecord, error)

	// GetRequest returns the record for a request id.
	GetRequest(ctx context.Context, requestID string) (*domain.IngressRecord, error)

	// TransitionState moves a record from one state to another, returning
	// ErrConflict if the record is not currently in from.
	TransitionState(ctx context.Context, requestID string, from, to domain.LifecycleState) error

	// Finalize writes a terminal state plus results. The record must be in a
	// state that can legally reach fin.State, otherwise ErrConflict.
	Finalize(ctx context.Context, requestID string, fin domain.Finalization) error

	// ListStaleAccepted returns records still accepted that were received
	// before cutoff, oldest first.
	ListStaleAccepted(ctx context.Context, cutoff time.Time, limit int) ([]*domain.IngressRecord, error)

	// ReclaimStaleProcessing returns records that have been processing since
	// before cutoff to accepted and returns them, oldest claim first. A record
	// is reclaimed only if it is still processing under the same stale claim.
	ReclaimStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*domain.IngressRecord, error)

	// RecentByThread returns the most recent records sharing a thread, newest first.
	RecentByThread(ctx context.Context, rc domain.RequestContext, limit int) ([]*domain.IngressRecord, error)

	// PurgeBefore deletes terminal records received before cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// CountByState reports the number of records per lifecycle state.
	CountByState(ctx context.Context) (map[domain.LifecycleState]int64, error)
}

// RegistryStore persists target eligibility records.
type RegistryStore interface {
	// SaveTarget writes t if the stored version equals expectedVersion.
	// An expectedVersion of 0 means the target must not exist yet.
	SaveTarget(ctx context.Context, t *domain.TargetEligibility, expectedVersion int64) error

	// LoadTargets returns every registered target.
	LoadTargets(ctx context.Context) ([]*domain.TargetEligibility, error)

	// DeleteTarget removes a target.
	DeleteTarget(ctx context.Context, name string) error
}

// AuditStore keeps the long-lived audit trails.
type AuditStore interface {
	AppendEligibilityAudit(ctx context.Context, a *domain.EligibilityAudit) error
	ListEligibilityAudit(ctx context.Context, target string, limit int) ([]*domain.EligibilityAudit, error)
	AppendRoutingAudit(ctx context.Context, a *domain.RoutingAudit) error
	AppendLifecycleEvent(ctx context.Context, e *domain.LifecycleEvent) error
	ListLifecycleEvents(ctx context.Context, requestID string) ([]*domain.LifecycleEvent, error)
}

// Store is the full durable store.
// Implementations: sqldb (sqlite, postgres), memory.
type Store interface {
	IngressStore
	RegistryStore
	AuditStore
	Close() error
}

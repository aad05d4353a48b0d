package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/core/ports"
	"github.com/tjfontaine/switchboard/internal/storage/dialect"
)

// Store is a SQL implementation of ports.Store that supports multiple
// database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	now     func() time.Time
}

var _ ports.Store = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.Name() == string(dialect.SQLite) {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY under load.
		db.SetMaxOpenConns(1)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d, now: time.Now}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// NewPostgres creates a new PostgreSQL store using the pgx driver.
func NewPostgres(dsn string) (*Store, error) {
	return New(Config{Driver: "pgx", DSN: dsn})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	ts := s.dialect.TimestampType()
	js := s.dialect.JSONType()
	b := s.dialect.BooleanType()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ingress_dedup (
	dedup_key TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	received_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS ingress_requests (
	request_id TEXT NOT NULL,
	received_at ` + ts + ` NOT NULL,
	dedup_key TEXT NOT NULL,
	channel TEXT NOT NULL,
	endpoint_identity TEXT NOT NULL,
	sender_identity TEXT NOT NULL,
	thread_identity TEXT NOT NULL DEFAULT '',
	trace_context ` + js + ` NOT NULL,
	policy_tier TEXT NOT NULL,
	raw_payload ` + js + ` NOT NULL,
	normalized_text TEXT NOT NULL,
	state TEXT NOT NULL,
	fallback ` + b + ` NOT NULL DEFAULT ` + s.falseLiteral() + `,
	fallback_reason TEXT NOT NULL DEFAULT '',
	error_detail ` + js + ` NOT NULL,
	results ` + js + ` NOT NULL,
	replay_of TEXT NOT NULL DEFAULT '',
	attempt INTEGER NOT NULL DEFAULT 1,
	updated_at ` + ts + ` NOT NULL,
	PRIMARY KEY (request_id, received_at)
)` + s.dialect.PartitionClause("received_at"),
		`CREATE TABLE IF NOT EXISTS targets (
	name TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	endpoint TEXT NOT NULL DEFAULT '',
	capabilities ` + js + ` NOT NULL,
	state TEXT NOT NULL,
	last_heartbeat_at ` + ts + ` NOT NULL,
	quarantined_at ` + ts + `,
	quarantine_reason TEXT NOT NULL DEFAULT '',
	manual ` + b + ` NOT NULL DEFAULT ` + s.falseLiteral() + `,
	counters ` + js + ` NOT NULL,
	checkpoint ` + js + ` NOT NULL,
	registered_at ` + ts + ` NOT NULL,
	version BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS eligibility_audit (
	id ` + s.dialect.AutoIncrementClause() + `,
	target TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	reason TEXT NOT NULL,
	at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS routing_audit (
	id ` + s.dialect.AutoIncrementClause() + `,
	request_id TEXT NOT NULL,
	targets ` + js + ` NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	fallback ` + b + ` NOT NULL,
	fallback_reason TEXT NOT NULL DEFAULT '',
	created_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS lifecycle_events (
	id ` + s.dialect.AutoIncrementClause() + `,
	request_id TEXT NOT NULL,
	type TEXT NOT NULL,
	data ` + js + ` NOT NULL,
	created_at ` + ts + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_ingress_requests_id ON ingress_requests(request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ingress_requests_state ON ingress_requests(state, received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ingress_requests_thread ON ingress_requests(channel, endpoint_identity, thread_identity, received_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_ingress_requests_recent ON ingress_requests(received_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_eligibility_audit_target ON eligibility_audit(target, at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_routing_audit_recent ON routing_audit(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_routing_audit_request ON routing_audit(request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_request ON lifecycle_events(request_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return s.ensurePartitions(s.now())
}

// ensurePartitions creates the ingress partitions covering the month of now
// and the following month.
func (s *Store) ensurePartitions(now time.Time) error {
	for _, month := range []time.Time{now, dialect.MonthStart(now).AddDate(0, 1, 0)} {
		for _, stmt := range s.dialect.PartitionStatements("ingress_requests", month) {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("failed to create partition: %w", err)
			}
		}
	}
	return nil
}

func (s *Store) falseLiteral() string {
	if s.dialect.BooleanType() == "BOOLEAN" {
		return "FALSE"
	}
	return "0"
}

const ingressColumns = `r.request_id, r.received_at, r.dedup_key, r.channel, r.endpoint_identity,
	r.sender_identity, r.thread_identity, r.trace_context, r.policy_tier, r.raw_payload,
	r.normalized_text, r.state, r.fallback, r.fallback_reason, r.error_detail, r.results,
	r.replay_of, r.attempt, r.updated_at`

type ingressRow struct {
	RequestID        string    `db:"request_id"`
	ReceivedAt       time.Time `db:"received_at"`
	DedupKey         string    `db:"dedup_key"`
	Channel          string    `db:"channel"`
	EndpointIdentity string    `db:"endpoint_identity"`
	SenderIdentity   string    `db:"sender_identity"`
	ThreadIdentity   string    `db:"thread_identity"`
	TraceContext     string    `db:"trace_context"`
	PolicyTier       string    `db:"policy_tier"`
	RawPayload       string    `db:"raw_payload"`
	NormalizedText   string    `db:"normalized_text"`
	State            string    `db:"state"`
	Fallback         bool      `db:"fallback"`
	FallbackReason   string    `db:"fallback_reason"`
	ErrorDetail      string    `db:"error_detail"`
	Results          string    `db:"results"`
	ReplayOf         string    `db:"replay_of"`
	Attempt          int       `db:"attempt"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r *ingressRow) toRecord() (*domain.IngressRecord, error) {
	rec := &domain.IngressRecord{
		Context: domain.RequestContext{
			RequestID:              r.RequestID,
			ReceivedAt:             r.ReceivedAt.UTC(),
			SourceChannel:          domain.Channel(r.Channel),
			SourceEndpointIdentity: r.EndpointIdentity,
			SourceSenderIdentity:   r.SenderIdentity,
			SourceThreadIdentity:   r.ThreadIdentity,
		},
		DedupKey:       r.DedupKey,
		PolicyTier:     domain.PolicyTier(r.PolicyTier),
		NormalizedText: r.NormalizedText,
		State:          domain.LifecycleState(r.State),
		Fallback:       r.Fallback,
		FallbackReason: r.FallbackReason,
		ReplayOf:       r.ReplayOf,
		Attempt:        r.Attempt,
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if err := fromJSON(r.TraceContext, &rec.Context.TraceContext); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace context: %w", err)
	}
	if !isNullJSON(r.RawPayload) {
		rec.RawPayload = json.RawMessage(r.RawPayload)
	}
	if err := fromJSON(r.ErrorDetail, &rec.Error); err != nil {
		return nil, fmt.Errorf("failed to unmarshal error: %w", err)
	}
	if err := fromJSON(r.Results, &rec.Results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal results: %w", err)
	}
	return rec, nil
}

// InsertOrGet persists rec unless its dedup key is already claimed, in which
// case the existing record is returned.
func (s *Store) InsertOrGet(ctx context.Context, rec *domain.IngressRecord) (*domain.IngressRecord, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	receivedAt := rec.Context.ReceivedAt.UTC()
	claim := s.dialect.Rebind(`INSERT INTO ingress_dedup (dedup_key, request_id, received_at) VALUES (?, ?, ?) ` +
		s.dialect.UpsertClause("dedup_key", nil))
	res, err := tx.ExecContext(ctx, claim, rec.DedupKey, rec.Context.RequestID, receivedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim dedup key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		existing, err := s.GetByDedupKey(ctx, rec.DedupKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	traceJSON, err := toJSON(rec.Context.TraceContext)
	if err != nil {
		return nil, false, err
	}
	errJSON, err := toJSON(rec.Error)
	if err != nil {
		return nil, false, err
	}
	resultsJSON, err := toJSON(rec.Results)
	if err != nil {
		return nil, false, err
	}
	payload := "null"
	if len(rec.RawPayload) > 0 {
		payload = string(rec.RawPayload)
	}
	if rec.Attempt == 0 {
		rec.Attempt = 1
	}
	rec.UpdatedAt = s.now().UTC()

	insert := s.dialect.Rebind(`INSERT INTO ingress_requests (request_id, received_at, dedup_key, channel,
		endpoint_identity, sender_identity, thread_identity, trace_context, policy_tier, raw_payload,
		normalized_text, state, fallback, fallback_reason, error_detail, results, replay_of, attempt, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert,
		rec.Context.RequestID, receivedAt, rec.DedupKey, string(rec.Context.SourceChannel),
		rec.Context.SourceEndpointIdentity, rec.Context.SourceSenderIdentity, rec.Context.SourceThreadIdentity,
		traceJSON, string(rec.PolicyTier), payload, rec.NormalizedText, string(rec.State),
		rec.Fallback, rec.FallbackReason, errJSON, resultsJSON, rec.ReplayOf, rec.Attempt, rec.UpdatedAt,
	); err != nil {
		return nil, false, fmt.Errorf("failed to insert ingress record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit ingress record: %w", err)
	}
	return rec, true, nil
}

func (s *Store) GetByDedupKey(ctx context.Context, key string) (*domain.IngressRecord, error) {
	query := s.dialect.Rebind(`SELECT ` + ingressColumns + `
		FROM ingress_requests r JOIN ingress_dedup d ON d.request_id = r.request_id
		WHERE d.dedup_key = ?`)
	return s.getOne(ctx, query, key)
}

func (s *Store) GetRequest(ctx context.Context, requestID string) (*domain.IngressRecord, error) {
	query := s.dialect.Rebind(`SELECT ` + ingressColumns + ` FROM ingress_requests r WHERE r.request_id = ?`)
	return s.getOne(ctx, query, requestID)
}

func (s *Store) getOne(ctx context.Context, query string, args ...any) (*domain.IngressRecord, error) {
	var row ingressRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ports.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ingress record: %w", err)
	}
	return row.toRecord()
}

func (s *Store) selectRecords(ctx context.Context, query string, args ...any) ([]*domain.IngressRecord, error) {
	var rows []ingressRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query ingress records: %w", err)
	}
	out := make([]*domain.IngressRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) TransitionState(ctx context.Context, requestID string, from, to domain.LifecycleState) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", from, to, ports.ErrConflict)
	}
	query := s.dialect.Rebind(`UPDATE ingress_requests SET state = ?, updated_at = ?
		WHERE request_id = ? AND state = ?`)
	res, err := s.db.ExecContext(ctx, query, string(to), s.now().UTC(), requestID, string(from))
	if err != nil {
		return fmt.Errorf("failed to transition request: %w", err)
	}
	return s.checkSwap(ctx, res, requestID)
}

func (s *Store) Finalize(ctx context.Context, requestID string, fin domain.Finalization) error {
	if !fin.State.Terminal() {
		return fmt.Errorf("finalize with non-terminal state %s: %w", fin.State, ports.ErrConflict)
	}
	errJSON, err := toJSON(fin.Error)
	if err != nil {
		return err
	}
	resultsJSON, err := toJSON(fin.Results)
	if err != nil {
		return err
	}

	// parsed is reachable only from processing; errored also from accepted.
	fromStates := []any{string(domain.StateProcessing)}
	placeholders := "?"
	if fin.State == domain.StateErrored {
		fromStates = append(fromStates, string(domain.StateAccepted))
		placeholders = "?, ?"
	}

	query := s.dialect.Rebind(`UPDATE ingress_requests SET state = ?, fallback = ?, fallback_reason = ?,
		error_detail = ?, results = ?, updated_at = ?
		WHERE request_id = ? AND state IN (` + placeholders + `)`)
	args := []any{string(fin.State), fin.Fallback, fin.FallbackReason, errJSON, resultsJSON, s.now().UTC(), requestID}
	args = append(args, fromStates...)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to finalize request: %w", err)
	}
	return s.checkSwap(ctx, res, requestID)
}

// checkSwap distinguishes a lost compare-and-swap from a missing record.
func (s *Store) checkSwap(ctx context.Context, res sql.Result, requestID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetRequest(ctx, requestID); err != nil {
		return err
	}
	return ports.ErrConflict
}

func (s *Store) ListStaleAccepted(ctx context.Context, cutoff time.Time, limit int) ([]*domain.IngressRecord, error) {
	query := s.dialect.Rebind(`SELECT ` + ingressColumns + ` FROM ingress_requests r
		WHERE r.state = ? AND r.received_at < ?
		ORDER BY r.received_at ASC LIMIT ?`)
	return s.selectRecords(ctx, query, string(domain.StateAccepted), cutoff.UTC(), limit)
}

func (s *Store) ReclaimStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*domain.IngressRecord, error) {
	cutoff = cutoff.UTC()
	stale, err := s.selectRecords(ctx, s.dialect.Rebind(`SELECT `+ingressColumns+` FROM ingress_requests r
		WHERE r.state = ? AND r.updated_at < ?
		ORDER BY r.updated_at ASC LIMIT ?`), string(domain.StateProcessing), cutoff, limit)
	if err != nil {
		return nil, err
	}

	// Each row is swapped on its own so a worker that finishes or a sweep on
	// another replica in between wins.
	query := s.dialect.Rebind(`UPDATE ingress_requests SET state = ?, updated_at = ?
		WHERE request_id = ? AND state = ? AND updated_at < ?`)
	out := make([]*domain.IngressRecord, 0, len(stale))
	for _, rec := range stale {
		now := s.now().UTC()
		res, err := s.db.ExecContext(ctx, query, string(domain.StateAccepted), now,
			rec.RequestID(), string(domain.StateProcessing), cutoff)
		if err != nil {
			return out, fmt.Errorf("failed to reclaim request: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		rec.State = domain.StateAccepted
		rec.UpdatedAt = now
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) RecentByThread(ctx context.Context, rc domain.RequestContext, limit int) ([]*domain.IngressRecord, error) {
	if rc.SourceThreadIdentity == "" {
		return nil, nil
	}
	query := s.dialect.Rebind(`SELECT ` + ingressColumns + ` FROM ingress_requests r
		WHERE r.channel = ? AND r.endpoint_identity = ? AND r.thread_identity = ? AND r.request_id <> ?
		AND r.received_at <= ?
		ORDER BY r.received_at DESC LIMIT ?`)
	return s.selectRecords(ctx, query,
		string(rc.SourceChannel), rc.SourceEndpointIdentity, rc.SourceThreadIdentity, rc.RequestID,
		rc.ReceivedAt.UTC(), limit)
}

func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoff = cutoff.UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM ingress_requests
		WHERE received_at < ? AND state IN (?, ?)`),
		cutoff, string(domain.StateParsed), string(domain.StateErrored))
	if err != nil {
		return 0, fmt.Errorf("failed to purge ingress records: %w", err)
	}
	purged, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM ingress_dedup
		WHERE received_at < ? AND NOT EXISTS (
			SELECT 1 FROM ingress_requests r WHERE r.request_id = ingress_dedup.request_id)`), cutoff); err != nil {
		return 0, fmt.Errorf("failed to purge dedup keys: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM lifecycle_events WHERE created_at < ?`), cutoff); err != nil {
		return 0, fmt.Errorf("failed to purge lifecycle events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}

	// Keep the next month's partition ahead of incoming traffic.
	if err := s.ensurePartitions(s.now()); err != nil {
		return purged, err
	}
	return purged, nil
}

func (s *Store) CountByState(ctx context.Context) (map[domain.LifecycleState]int64, error) {
	var rows []struct {
		State string `db:"state"`
		Count int64  `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT state, COUNT(*) AS n FROM ingress_requests GROUP BY state`); err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}
	out := make(map[domain.LifecycleState]int64, len(rows))
	for _, r := range rows {
		out[domain.LifecycleState(r.State)] = r.Count
	}
	return out, nil
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(b), nil
}

func fromJSON(s string, v any) error {
	if isNullJSON(s) {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func isNullJSON(s string) bool {
	return s == "" || s == "null"
}

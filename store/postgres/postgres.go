// Package postgres implements toolflow.Checkpointer on PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor injection;
// the caller creates and closes the pool. Several sessions, possibly in
// different processes, can share one database.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xiaochunkun/toolflow"
)

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithTablePrefix prefixes every table name, e.g. "agent_" gives
// agent_call_results. Lets several deployments share a schema.
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// Store records call history in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	prefix string
}

var _ toolflow.Checkpointer = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pool. The caller owns the pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) table(name string) string {
	return pgx.Identifier{s.prefix + name}.Sanitize()
}

// Init creates all required tables and indexes. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	transitions, snapshots, results := s.table("call_transitions"), s.table("call_snapshots"), s.table("call_results")
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + transitions + ` (
			seq BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			batch_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			name TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + pgx.Identifier{s.prefix + "call_transitions_call"}.Sanitize() +
			` ON ` + transitions + ` (call_id, seq)`,
		`CREATE TABLE IF NOT EXISTS ` + snapshots + ` (
			seq BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			target TEXT NOT NULL,
			existed BOOLEAN NOT NULL,
			content BYTEA,
			taken_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + pgx.Identifier{s.prefix + "call_snapshots_session"}.Sanitize() +
			` ON ` + snapshots + ` (session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS ` + results + ` (
			call_id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			session_id TEXT NOT NULL,
			batch_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			output TEXT NOT NULL,
			error TEXT NOT NULL,
			rejected BOOLEAN NOT NULL,
			skipped BOOLEAN NOT NULL,
			validation BOOLEAN NOT NULL,
			truncated BOOLEAN NOT NULL,
			retry_count INTEGER NOT NULL,
			side_effects JSONB,
			metadata JSONB,
			duration_ms BIGINT NOT NULL,
			target_hash BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + pgx.Identifier{s.prefix + "call_results_session"}.Sanitize() +
			` ON ` + results + ` (session_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	s.logger.Debug("postgres: init ok", "prefix", s.prefix)
	return nil
}

// SaveTransition appends one status transition.
func (s *Store) SaveTransition(ctx context.Context, t toolflow.Transition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("call_transitions")+` (session_id, batch_id, call_id, name, from_status, to_status, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.SessionID, t.BatchID, t.CallID, t.Name, string(t.From), string(t.To), t.At)
	if err != nil {
		s.logger.Error("postgres: save transition failed", "call_id", t.CallID, "to", t.To, "error", err)
		return fmt.Errorf("postgres: save transition: %w", err)
	}
	return nil
}

// SaveSnapshot stores the content of a target as it was before a write.
func (s *Store) SaveSnapshot(ctx context.Context, snap toolflow.Snapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("call_snapshots")+` (session_id, call_id, target, existed, content, taken_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.SessionID, snap.CallID, snap.Target, snap.Existed, snap.Content, snap.TakenAt)
	if err != nil {
		s.logger.Error("postgres: save snapshot failed", "call_id", snap.CallID, "target", snap.Target, "error", err)
		return fmt.Errorf("postgres: save snapshot: %w", err)
	}
	return nil
}

// SaveResult upserts the terminal result of a call.
func (s *Store) SaveResult(ctx context.Context, r toolflow.Result) error {
	effects, meta, err := encodeResultJSON(r)
	if err != nil {
		return fmt.Errorf("postgres: save result: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.table("call_results")+` (
			call_id, session_id, batch_id, name, status, success, output, error,
			rejected, skipped, validation, truncated, retry_count,
			side_effects, metadata, duration_ms, target_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (call_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   success = EXCLUDED.success,
		   output = EXCLUDED.output,
		   error = EXCLUDED.error,
		   rejected = EXCLUDED.rejected,
		   skipped = EXCLUDED.skipped,
		   validation = EXCLUDED.validation,
		   truncated = EXCLUDED.truncated,
		   retry_count = EXCLUDED.retry_count,
		   side_effects = EXCLUDED.side_effects,
		   metadata = EXCLUDED.metadata,
		   duration_ms = EXCLUDED.duration_ms,
		   target_hash = EXCLUDED.target_hash`,
		r.CallID, r.SessionID, r.BatchID, r.Name, string(r.Status), r.Success, r.Output, r.Error,
		r.Rejected, r.Skipped, r.Validation, r.Truncated, r.RetryCount,
		effects, meta, r.Duration.Milliseconds(), int64(r.TargetHash))
	if err != nil {
		s.logger.Error("postgres: save result failed", "call_id", r.CallID, "error", err)
		return fmt.Errorf("postgres: save result: %w", err)
	}
	return nil
}

// ListTransitions returns the transitions of one call in recorded order.
func (s *Store) ListTransitions(ctx context.Context, callID string) ([]toolflow.Transition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, batch_id, call_id, name, from_status, to_status, at
		 FROM `+s.table("call_transitions")+` WHERE call_id = $1 ORDER BY seq`, callID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transitions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (toolflow.Transition, error) {
		var (
			t        toolflow.Transition
			from, to string
		)
		err := row.Scan(&t.SessionID, &t.BatchID, &t.CallID, &t.Name, &from, &to, &t.At)
		t.From, t.To = toolflow.CallStatus(from), toolflow.CallStatus(to)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transitions: %w", err)
	}
	return out, nil
}

// ListSnapshots returns the snapshots taken during a session, oldest first.
func (s *Store) ListSnapshots(ctx context.Context, sessionID string) ([]toolflow.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, call_id, target, existed, content, taken_at
		 FROM `+s.table("call_snapshots")+` WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (toolflow.Snapshot, error) {
		var snap toolflow.Snapshot
		err := row.Scan(&snap.SessionID, &snap.CallID, &snap.Target, &snap.Existed, &snap.Content, &snap.TakenAt)
		return snap, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan snapshots: %w", err)
	}
	return out, nil
}

// ListResults returns the results recorded for a session, oldest first.
func (s *Store) ListResults(ctx context.Context, sessionID string) ([]toolflow.Result, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT call_id, session_id, batch_id, name, status, success, output, error,
		        rejected, skipped, validation, truncated, retry_count,
		        side_effects, metadata, duration_ms, target_hash
		 FROM `+s.table("call_results")+` WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list results: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanResult)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan results: %w", err)
	}
	return out, nil
}

func scanResult(row pgx.CollectableRow) (toolflow.Result, error) {
	var (
		r                toolflow.Result
		status           string
		effects, meta    []byte
		durationMs, hash int64
	)
	if err := row.Scan(&r.CallID, &r.SessionID, &r.BatchID, &r.Name, &status, &r.Success, &r.Output, &r.Error,
		&r.Rejected, &r.Skipped, &r.Validation, &r.Truncated, &r.RetryCount,
		&effects, &meta, &durationMs, &hash); err != nil {
		return r, err
	}
	r.Status = toolflow.CallStatus(status)
	r.Duration = time.Duration(durationMs) * time.Millisecond
	r.TargetHash = uint64(hash)
	if len(effects) > 0 {
		_ = json.Unmarshal(effects, &r.SideEffects)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &r.Metadata)
	}
	return r, nil
}

// Close is a no-op. The caller owns the pool.
func (s *Store) Close() error {
	return nil
}

// encodeResultJSON serializes the JSONB columns of a result; empty values
// become NULL.
func encodeResultJSON(r toolflow.Result) (effects, meta []byte, err error) {
	if len(r.SideEffects) > 0 {
		if effects, err = json.Marshal(r.SideEffects); err != nil {
			return nil, nil, err
		}
	}
	if len(r.Metadata) > 0 {
		if meta, err = json.Marshal(r.Metadata); err != nil {
			return nil, nil, err
		}
	}
	return effects, meta, nil
}

// Package sqlite implements toolflow.Checkpointer on a local SQLite file
// using the pure-Go modernc.org/sqlite driver. Zero CGO required.
//
// Every call status transition, pre-write snapshot and terminal result is
// written as it happens, so a crashed or cancelled session can be audited
// and its write targets restored from the snapshots.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xiaochunkun/toolflow"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store records call history in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ toolflow.Checkpointer = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. Parallel call
// groups write concurrently, so all goroutines share one connection to
// avoid SQLITE_BUSY.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_transitions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			batch_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			name TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS call_transitions_call ON call_transitions(call_id, seq)`,
		`CREATE TABLE IF NOT EXISTS call_snapshots (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			target TEXT NOT NULL,
			existed INTEGER NOT NULL,
			content BLOB,
			taken_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS call_snapshots_session ON call_snapshots(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS call_results (
			call_id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			batch_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			success INTEGER NOT NULL,
			output TEXT NOT NULL,
			error TEXT NOT NULL,
			rejected INTEGER NOT NULL,
			skipped INTEGER NOT NULL,
			validation INTEGER NOT NULL,
			truncated INTEGER NOT NULL,
			retry_count INTEGER NOT NULL,
			side_effects TEXT,
			metadata TEXT,
			duration_ms INTEGER NOT NULL,
			target_hash INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS call_results_session ON call_results(session_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	s.logger.Debug("sqlite: init ok")
	return nil
}

// SaveTransition appends one status transition.
func (s *Store) SaveTransition(ctx context.Context, t toolflow.Transition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_transitions (session_id, batch_id, call_id, name, from_status, to_status, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.BatchID, t.CallID, t.Name, string(t.From), string(t.To), t.At.UnixMilli())
	if err != nil {
		s.logger.Error("sqlite: save transition failed", "call_id", t.CallID, "to", t.To, "error", err)
		return fmt.Errorf("sqlite: save transition: %w", err)
	}
	s.logger.Debug("sqlite: save transition ok", "call_id", t.CallID, "from", t.From, "to", t.To)
	return nil
}

// SaveSnapshot stores the content of a target as it was before a write.
func (s *Store) SaveSnapshot(ctx context.Context, snap toolflow.Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_snapshots (session_id, call_id, target, existed, content, taken_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snap.SessionID, snap.CallID, snap.Target, boolToInt(snap.Existed), snap.Content, snap.TakenAt.UnixMilli())
	if err != nil {
		s.logger.Error("sqlite: save snapshot failed", "call_id", snap.CallID, "target", snap.Target, "error", err)
		return fmt.Errorf("sqlite: save snapshot: %w", err)
	}
	s.logger.Debug("sqlite: save snapshot ok", "call_id", snap.CallID, "target", snap.Target, "bytes", len(snap.Content))
	return nil
}

// SaveResult stores the terminal result of a call. Saving the same call
// again replaces the earlier row.
func (s *Store) SaveResult(ctx context.Context, r toolflow.Result) error {
	effects, meta, err := encodeResultJSON(r)
	if err != nil {
		return fmt.Errorf("sqlite: save result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO call_results (
			call_id, seq, session_id, batch_id, name, status, success, output, error,
			rejected, skipped, validation, truncated, retry_count,
			side_effects, metadata, duration_ms, target_hash)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM call_results), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CallID, r.SessionID, r.BatchID, r.Name, string(r.Status), boolToInt(r.Success), r.Output, r.Error,
		boolToInt(r.Rejected), boolToInt(r.Skipped), boolToInt(r.Validation), boolToInt(r.Truncated), r.RetryCount,
		effects, meta, r.Duration.Milliseconds(), int64(r.TargetHash))
	if err != nil {
		s.logger.Error("sqlite: save result failed", "call_id", r.CallID, "error", err)
		return fmt.Errorf("sqlite: save result: %w", err)
	}
	s.logger.Debug("sqlite: save result ok", "call_id", r.CallID, "status", r.Status)
	return nil
}

// ListTransitions returns the transitions of one call in the order they
// were recorded.
func (s *Store) ListTransitions(ctx context.Context, callID string) ([]toolflow.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, batch_id, call_id, name, from_status, to_status, at
		 FROM call_transitions WHERE call_id = ? ORDER BY seq`, callID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list transitions: %w", err)
	}
	defer rows.Close()

	var out []toolflow.Transition
	for rows.Next() {
		var (
			t        toolflow.Transition
			from, to string
			at       int64
		)
		if err := rows.Scan(&t.SessionID, &t.BatchID, &t.CallID, &t.Name, &from, &to, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan transition: %w", err)
		}
		t.From, t.To, t.At = toolflow.CallStatus(from), toolflow.CallStatus(to), time.UnixMilli(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListSnapshots returns the snapshots taken during a session, oldest first.
func (s *Store) ListSnapshots(ctx context.Context, sessionID string) ([]toolflow.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, call_id, target, existed, content, taken_at
		 FROM call_snapshots WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []toolflow.Snapshot
	for rows.Next() {
		var (
			snap    toolflow.Snapshot
			existed int
			takenAt int64
		)
		if err := rows.Scan(&snap.SessionID, &snap.CallID, &snap.Target, &existed, &snap.Content, &takenAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan snapshot: %w", err)
		}
		snap.Existed, snap.TakenAt = existed == 1, time.UnixMilli(takenAt)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ListResults returns the results recorded for a session, oldest first.
func (s *Store) ListResults(ctx context.Context, sessionID string) ([]toolflow.Result, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT call_id, session_id, batch_id, name, status, success, output, error,
		        rejected, skipped, validation, truncated, retry_count,
		        side_effects, metadata, duration_ms, target_hash
		 FROM call_results WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list results: %w", err)
	}
	defer rows.Close()

	var out []toolflow.Result
	for rows.Next() {
		var (
			r                                      toolflow.Result
			status                                 string
			success, rejected, skipped, validation int
			truncated                              int
			effects, meta                          sql.NullString
			durationMs, hash                       int64
		)
		if err := rows.Scan(&r.CallID, &r.SessionID, &r.BatchID, &r.Name, &status, &success, &r.Output, &r.Error,
			&rejected, &skipped, &validation, &truncated, &r.RetryCount,
			&effects, &meta, &durationMs, &hash); err != nil {
			return nil, fmt.Errorf("sqlite: scan result: %w", err)
		}
		r.Status = toolflow.CallStatus(status)
		r.Success, r.Rejected, r.Skipped = success == 1, rejected == 1, skipped == 1
		r.Validation, r.Truncated = validation == 1, truncated == 1
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.TargetHash = uint64(hash)
		if effects.Valid {
			_ = json.Unmarshal([]byte(effects.String), &r.SideEffects)
		}
		if meta.Valid {
			_ = json.Unmarshal([]byte(meta.String), &r.Metadata)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate results: %w", err)
	}
	s.logger.Debug("sqlite: list results ok", "session_id", sessionID, "count", len(out), "duration", time.Since(start))
	return out, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// encodeResultJSON serializes the optional JSON columns of a result. Empty
// values are stored as NULL.
func encodeResultJSON(r toolflow.Result) (effects, meta *string, err error) {
	if len(r.SideEffects) > 0 {
		data, err := json.Marshal(r.SideEffects)
		if err != nil {
			return nil, nil, err
		}
		v := string(data)
		effects = &v
	}
	if len(r.Metadata) > 0 {
		data, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, nil, err
		}
		v := string(data)
		meta = &v
	}
	return effects, meta, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

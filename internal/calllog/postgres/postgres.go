// Package postgres stores the call log in PostgreSQL.
//
// Usage:
//
//	store, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	rec := calllog.NewRecorder(store)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callpilot/internal/calllog"
)

const ddlCallLog = `
CREATE TABLE IF NOT EXISTS call_log (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    kind        TEXT         NOT NULL,
    event_id    TEXT         NOT NULL DEFAULT '',
    channel     TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL,
    raw_text    TEXT         NOT NULL DEFAULT '',
    confidence  REAL         NOT NULL DEFAULT 0,
    offset_ns   BIGINT       NOT NULL DEFAULT 0,
    at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_log_session
    ON call_log (session_id, id);
`

// Store implements [calllog.Store] on a pgx connection pool.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ calllog.Store = (*Store)(nil)

// New connects to dsn, verifies the connection, and creates the call_log
// table if it does not exist.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("calllog postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("calllog postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the call log schema. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCallLog); err != nil {
		return fmt.Errorf("calllog postgres: migrate: %w", err)
	}
	return nil
}

// Append implements [calllog.Store]. The entries are sent as one batch.
func (s *Store) Append(ctx context.Context, entries []calllog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	const q = `
		INSERT INTO call_log
		    (session_id, kind, event_id, channel, text, raw_text, confidence, offset_ns, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(q,
			e.SessionID,
			string(e.Kind),
			e.EventID,
			e.Channel,
			e.Text,
			e.RawText,
			e.Confidence,
			e.Offset.Nanoseconds(),
			e.At,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("calllog postgres: append: %w", err)
	}
	return nil
}

// Session implements [calllog.Store].
func (s *Store) Session(ctx context.Context, sessionID string) ([]calllog.Entry, error) {
	const q = `
		SELECT session_id, kind, event_id, channel, text, raw_text, confidence, offset_ns, at
		FROM   call_log
		WHERE  session_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("calllog postgres: session: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (calllog.Entry, error) {
		var (
			e        calllog.Entry
			kind     string
			offsetNS int64
			at       time.Time
		)
		if err := row.Scan(&e.SessionID, &kind, &e.EventID, &e.Channel, &e.Text, &e.RawText, &e.Confidence, &offsetNS, &at); err != nil {
			return calllog.Entry{}, err
		}
		e.Kind = calllog.Kind(kind)
		e.Offset = time.Duration(offsetNS)
		e.At = at
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("calllog postgres: session: %w", err)
	}
	return entries, nil
}

// Ping checks that the database is reachable. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [calllog.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

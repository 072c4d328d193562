// Package audit keeps a durable trail of integration events per catalog
// record. The in-memory job table is lost on restart; the trail is what an
// operator consults afterwards. Postgres-backed, optional at runtime.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Trail records integration events. Implementations must be safe for
// concurrent use.
type Trail interface {
	Record(ctx context.Context, recordID, event, detail string) error
	Close()
}

// Event is one row of the trail.
type Event struct {
	RecordID string    `json:"record_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS integration_events (
	id BIGSERIAL PRIMARY KEY,
	record_id TEXT NOT NULL,
	event TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_integration_events_record
	ON integration_events (record_id, recorded_at);
`

// Store is the Postgres trail.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Record appends one event row.
func (s *Store) Record(ctx context.Context, recordID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO integration_events (record_id, event, detail)
		VALUES ($1, $2, $3)
	`, recordID, event, detail)
	return err
}

// RecentEvents returns the latest events for a record, newest first.
func (s *Store) RecentEvents(ctx context.Context, recordID string, limit int) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT record_id, event, detail, recorded_at
		FROM integration_events
		WHERE record_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, recordID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.RecordID, &e.Event, &e.Detail, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Nop discards every event; used when no DSN is configured.
type Nop struct{}

func (Nop) Record(ctx context.Context, recordID, event, detail string) error { return nil }
func (Nop) Close()                                                           {}

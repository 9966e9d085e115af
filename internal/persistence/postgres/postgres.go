// Package postgres implements persistence.Store against a Postgres
// database, selected when DB_PATH is a postgres:// DSN instead of a
// filesystem path (spec.md §6). Grounded on sawpanic-cryptorun's Repository
// collaborator shape (typed insert/read methods behind an interface,
// health-checkable, injected rather than constructed inline) generalized to
// the single append/read-all interface persistence.Store defines so the
// same BacktestHarness replay code works against either backend.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"arb-core/internal/persistence"
)

// Store persists every table as rows in one generic events table,
// partitioned by table_name. A single table keeps the schema-migration
// surface small: every new table spec.md §6 might add needs no DDL change,
// only a new table_name value.
type Store struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS engine_events (
	id         BIGSERIAL PRIMARY KEY,
	table_name TEXT NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	payload    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS engine_events_table_ts_idx ON engine_events (table_name, ts);
`

// Open connects to dsn (a postgres:// URL) and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

var _ persistence.Store = (*Store)(nil)

// Append inserts one row into engine_events.
func (s *Store) Append(ctx context.Context, table string, ts time.Time, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO engine_events (table_name, ts, payload) VALUES ($1, $2, $3)`,
		table, ts, payload)
	if err != nil {
		return fmt.Errorf("postgres: insert into %s: %w", table, err)
	}
	return nil
}

type row struct {
	TS      time.Time `db:"ts"`
	Payload []byte    `db:"payload"`
}

// ReadAll selects every row for a table in ascending timestamp order.
func (s *Store) ReadAll(ctx context.Context, table string) ([]persistence.Record, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows,
		`SELECT ts, payload FROM engine_events WHERE table_name = $1 ORDER BY ts ASC`,
		table)
	if err != nil {
		return nil, fmt.Errorf("postgres: select from %s: %w", table, err)
	}
	out := make([]persistence.Record, len(rows))
	for i, r := range rows {
		out[i] = persistence.Record{Table: table, Timestamp: r.TS, Payload: r.Payload}
	}
	return out, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

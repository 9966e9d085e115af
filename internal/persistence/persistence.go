// Package persistence implements the Store collaborator named in spec.md
// §6: durable storage for every table the engine and BacktestHarness need
// (orders, order_intents, fills, positions, pnl_snapshots, latency_metrics,
// errors, book_snapshots). Two backends satisfy the same interface: a
// JSON-lines file backend (internal/persistence/jsonstore) generalizing the
// teacher's internal/store/store.go atomic-write idiom, and a Postgres
// backend (internal/persistence/postgres) for production deployments.
//
// Keeping both behind one interface is what lets BacktestHarness's
// read-only replay path and the live writer path share code: the schema is
// identical in both modes, only the backend selection (DB_PATH being a
// filesystem path or a postgres:// DSN) differs.
package persistence

import (
	"context"
	"time"
)

// Table names spec.md §6 assigns durable storage to.
const (
	TableOrders         = "orders"
	TableOrderIntents   = "order_intents"
	TableFills          = "fills"
	TablePositions      = "positions"
	TablePnLSnapshots   = "pnl_snapshots"
	TableLatencyMetrics = "latency_metrics"
	TableErrors         = "errors"
	TableBookSnapshots  = "book_snapshots"
)

// Record is one persisted row: a table name, the timestamp it is ordered
// by for replay, and an opaque JSON payload. Keeping the payload opaque to
// the Store interface lets BacktestHarness replay any table without the
// persistence layer needing typed knowledge of every record shape.
type Record struct {
	Table     string
	Timestamp time.Time
	Payload   []byte // json-encoded
}

// Store is the durable-storage collaborator spec.md §6 names. Append is the
// only write path: every table is an append-only log, matching how the
// engine actually produces these records (new orders, new fills, periodic
// snapshots) and what BacktestHarness needs to replay (spec.md §4.11:
// "ascending timestamp order").
type Store interface {
	// Append writes one record to a table. payload is marshalled by the
	// caller; the Store only needs to preserve bytes and timestamp order.
	Append(ctx context.Context, table string, ts time.Time, payload []byte) error

	// ReadAll returns every record in a table in ascending timestamp order,
	// for BacktestHarness's replay path.
	ReadAll(ctx context.Context, table string) ([]Record, error)

	// Close releases any held resources (file handles, connection pools).
	Close() error
}

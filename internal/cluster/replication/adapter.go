// Package replication implements the local-change scanner, remote-event
// applier, and delta-selection logic for a node's causally-versioned
// tables. Replicated tables are plugged in through the Adapter/Registry
// pair ("heterogeneous replicated tables via a variant/registry") rather
// than a set of structurally identical closures.
package replication

import (
	"context"
	"database/sql"
)

// DB is the subset of *sql.DB / *sql.Tx the engine needs, so callers can run
// it inside an existing transaction when they need scan/apply/merge to be
// atomic against other writers; multi-statement atomicity is the
// caller's responsibility.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Adapter is the DAO-layer contract the core consumes for one replicated
// table. Implementations live outside the
// coordination core; the core only requires that they be total on their
// table and that Delete also remove dependent rows in the core's
// replicated set.
type Adapter interface {
	// TableName is the name this adapter is registered under.
	TableName() string

	// SelectAll returns every current row for the table, each as a
	// generic map. Row order is stable but otherwise unconstrained.
	SelectAll(ctx context.Context, db DB) ([]map[string]any, error)

	// RowID derives a stable identifier from a row (single-column key,
	// composite "a::b" for join tables, or a content hash for tables
	// without a natural key).
	RowID(row map[string]any) string

	// Payload converts a row into its canonical wire representation. The
	// result's RowID (via RowID(Payload(row))) must equal RowID(row).
	Payload(row map[string]any) map[string]any

	// Upsert idempotently writes payload (as produced by Payload) into the
	// table.
	Upsert(ctx context.Context, db DB, payload map[string]any) error

	// Delete removes the row rowID and any dependent rows belonging to the
	// core's replicated set (e.g. a story's dependency edges).
	Delete(ctx context.Context, db DB, rowID string) error
}

// Registry maps table_name to the Adapter that knows how to replicate it.
// Tables with no registered adapter are not an error: events for them are
// persisted but never applied.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds (or replaces) the adapter for its TableName.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.TableName()] = a
}

// Get returns the adapter for table, or (nil, false) if unregistered.
func (r *Registry) Get(table string) (Adapter, bool) {
	a, ok := r.adapters[table]
	return a, ok
}

// Tables returns the registered table names.
func (r *Registry) Tables() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

package replication

import "context"

// schemaStatements creates the bookkeeping tables lazily, on first
// use: no separate migration step is required before a node can start.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS cluster_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		node_id TEXT NOT NULL,
		event_counter INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS cluster_events (
		event_id TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		op TEXT NOT NULL,
		payload TEXT,
		actor_id TEXT NOT NULL,
		actor_counter INTEGER NOT NULL,
		logical_ts INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS cluster_events_actor_counter
		ON cluster_events (actor_id, actor_counter)`,
	`CREATE INDEX IF NOT EXISTS cluster_events_logical_ts
		ON cluster_events (logical_ts)`,
	`CREATE TABLE IF NOT EXISTS cluster_row_versions (
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_counter INTEGER NOT NULL,
		logical_ts INTEGER NOT NULL,
		PRIMARY KEY (table_name, row_id)
	)`,
	`CREATE TABLE IF NOT EXISTS cluster_row_hashes (
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		hash TEXT NOT NULL,
		PRIMARY KEY (table_name, row_id)
	)`,
	`CREATE TABLE IF NOT EXISTS cluster_story_merges (
		duplicate_id TEXT PRIMARY KEY,
		canonical_id TEXT NOT NULL,
		merged_at INTEGER NOT NULL
	)`,
}

// EnsureSchema creates every bookkeeping table if it does not already
// exist. It is idempotent and safe to call on every Engine construction.
func EnsureSchema(ctx context.Context, db DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

package replication

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/untoldecay/BeadsMesh/internal/cluster/types"
)

// Engine drives local-change detection, remote-event application, and
// delta selection for one node against its registered adapters.
type Engine struct {
	db       DB
	registry *Registry
	nodeID   string
}

// NewEngine constructs an Engine. Callers must call Init once before any
// other method to create the bookkeeping tables and the singleton
// cluster_state row.
func NewEngine(db DB, registry *Registry, nodeID string) *Engine {
	return &Engine{db: db, registry: registry, nodeID: nodeID}
}

// Init ensures the bookkeeping schema and the cluster_state singleton row
// exist.
func (e *Engine) Init(ctx context.Context) error {
	if err := EnsureSchema(ctx, e.db); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	_, err := e.db.ExecContext(ctx,
		`INSERT INTO cluster_state (id, node_id, event_counter) VALUES (1, ?, 0)
		 ON CONFLICT (id) DO NOTHING`, e.nodeID)
	if err != nil {
		return fmt.Errorf("init cluster_state: %w", err)
	}
	return nil
}

// nextVersion increments the per-node actor_counter and stamps the current
// wall-clock millisecond, producing the causal version for a new local
// event.
func (e *Engine) nextVersion(ctx context.Context) (types.Version, error) {
	_, err := e.db.ExecContext(ctx, `UPDATE cluster_state SET event_counter = event_counter + 1 WHERE id = 1`)
	if err != nil {
		return types.Version{}, fmt.Errorf("increment event_counter: %w", err)
	}
	row := e.db.QueryRowContext(ctx, `SELECT event_counter FROM cluster_state WHERE id = 1`)
	var counter int64
	if err := row.Scan(&counter); err != nil {
		return types.Version{}, fmt.Errorf("read event_counter: %w", err)
	}
	return types.Version{ActorID: e.nodeID, ActorCounter: counter, LogicalTS: nowMillis()}, nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// ScanLocalChanges walks every registered adapter, diffs its current rows
// against the last-seen row-hash snapshot, and emits upsert/delete events
// for anything that changed. It returns the number of events
// emitted.
func (e *Engine) ScanLocalChanges(ctx context.Context) (int, error) {
	tables := e.registry.Tables()
	sort.Strings(tables)

	emitted := 0
	for _, table := range tables {
		adapter, _ := e.registry.Get(table)
		n, err := e.scanTable(ctx, adapter)
		if err != nil {
			return emitted, fmt.Errorf("scan table %s: %w", table, err)
		}
		emitted += n
	}
	return emitted, nil
}

func (e *Engine) scanTable(ctx context.Context, adapter Adapter) (int, error) {
	table := adapter.TableName()

	priorHashes, err := e.loadRowHashes(ctx, table)
	if err != nil {
		return 0, err
	}

	rows, err := adapter.SelectAll(ctx, e.db)
	if err != nil {
		return 0, fmt.Errorf("select all: %w", err)
	}

	emitted := 0
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		payload := adapter.Payload(row)
		rowID := adapter.RowID(row)
		seen[rowID] = struct{}{}

		hash, err := types.HashPayload(payload)
		if err != nil {
			return emitted, fmt.Errorf("hash payload for %s/%s: %w", table, rowID, err)
		}
		if priorHashes[rowID] == hash {
			continue
		}

		version, err := e.nextVersion(ctx)
		if err != nil {
			return emitted, err
		}
		event := types.ClusterEvent{
			EventID:   eventID(version),
			TableName: table,
			RowID:     rowID,
			Op:        types.OpUpsert,
			Payload:   payload,
			Version:   version,
			CreatedAt: time.Now(),
		}
		if err := e.insertEvent(ctx, event); err != nil {
			return emitted, err
		}
		if err := e.setRowVersion(ctx, table, rowID, version); err != nil {
			return emitted, err
		}
		if err := e.setRowHash(ctx, table, rowID, hash); err != nil {
			return emitted, err
		}
		emitted++
	}

	for rowID := range priorHashes {
		if _, ok := seen[rowID]; ok {
			continue
		}
		version, err := e.nextVersion(ctx)
		if err != nil {
			return emitted, err
		}
		event := types.ClusterEvent{
			EventID:   eventID(version),
			TableName: table,
			RowID:     rowID,
			Op:        types.OpDelete,
			Payload:   nil,
			Version:   version,
			CreatedAt: time.Now(),
		}
		if err := e.insertEvent(ctx, event); err != nil {
			return emitted, err
		}
		if err := e.setRowVersion(ctx, table, rowID, version); err != nil {
			return emitted, err
		}
		if err := e.deleteRowHash(ctx, table, rowID); err != nil {
			return emitted, err
		}
		emitted++
	}

	return emitted, nil
}

func eventID(v types.Version) string {
	return fmt.Sprintf("%s:%d", v.ActorID, v.ActorCounter)
}

// ApplyRemoteEvents applies a batch of events from a peer, in causal
// order, using last-writer-wins semantics keyed on version. It
// returns the number of events whose target rows were actually mutated.
func (e *Engine) ApplyRemoteEvents(ctx context.Context, events []types.ClusterEvent) (int, error) {
	sorted := make([]types.ClusterEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version.Compare(sorted[j].Version) < 0
	})

	mutated := 0
	for _, ev := range sorted {
		known, err := e.hasEvent(ctx, ev.EventID)
		if err != nil {
			return mutated, err
		}
		if known {
			continue
		}

		didMutate, err := e.applyOne(ctx, ev)
		if err != nil {
			return mutated, err
		}
		if didMutate {
			mutated++
		}

		if err := e.insertEvent(ctx, ev); err != nil {
			return mutated, err
		}
		if err := e.bumpRowVersion(ctx, ev.TableName, ev.RowID, ev.Version); err != nil {
			return mutated, err
		}
	}
	return mutated, nil
}

// applyOne applies a single already-known-new event to its target table,
// if an adapter is registered and the event's version is strictly greater
// than whatever is currently recorded for that row.
func (e *Engine) applyOne(ctx context.Context, ev types.ClusterEvent) (bool, error) {
	adapter, ok := e.registry.Get(ev.TableName)
	if !ok {
		// Unknown table: the event is persisted by the caller but never
		// applied.
		return false, nil
	}

	current, hasCurrent, err := e.getRowVersion(ctx, ev.TableName, ev.RowID)
	if err != nil {
		return false, err
	}
	if hasCurrent && !ev.Version.GreaterThan(current) {
		return false, nil
	}

	switch ev.Op {
	case types.OpUpsert:
		if ev.Payload == nil {
			// A null-payload upsert is an acknowledgement tombstone: it is
			// persisted (by the caller) but never applied.
			return false, nil
		}
		if err := adapter.Upsert(ctx, e.db, ev.Payload); err != nil {
			return false, fmt.Errorf("upsert %s/%s: %w", ev.TableName, ev.RowID, err)
		}
		hash, err := types.HashPayload(ev.Payload)
		if err != nil {
			return false, err
		}
		if err := e.setRowHash(ctx, ev.TableName, ev.RowID, hash); err != nil {
			return false, err
		}
		return true, nil
	case types.OpDelete:
		if err := adapter.Delete(ctx, e.db, ev.RowID); err != nil {
			return false, fmt.Errorf("delete %s/%s: %w", ev.TableName, ev.RowID, err)
		}
		if err := e.deleteRowHash(ctx, ev.TableName, ev.RowID); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown op %q", ev.Op)
	}
}

// GetDeltaEvents returns, in logical-time order, every event whose
// actor_counter exceeds the caller's remoteVector entry for that actor
// (defaulting to 0), capped at limit, plus this node's full version
// vector so the caller can advance its knowledge in one round trip.
func (e *Engine) GetDeltaEvents(ctx context.Context, remoteVector types.VersionVector, limit int) ([]types.ClusterEvent, types.VersionVector, error) {
	all, err := e.allEvents(ctx)
	if err != nil {
		return nil, nil, err
	}

	delta := make([]types.ClusterEvent, 0, limit)
	for _, ev := range all {
		if ev.Version.ActorCounter <= remoteVector.Get(ev.Version.ActorID) {
			continue
		}
		delta = append(delta, ev)
		if len(delta) >= limit {
			break
		}
	}

	vector, err := e.VersionVector(ctx)
	if err != nil {
		return nil, nil, err
	}
	return delta, vector, nil
}

// VersionVector computes actor_id -> max(actor_counter) over every stored
// event.
func (e *Engine) VersionVector(ctx context.Context) (types.VersionVector, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT actor_id, MAX(actor_counter) FROM cluster_events GROUP BY actor_id`)
	if err != nil {
		return nil, fmt.Errorf("version vector query: %w", err)
	}
	defer rows.Close()

	vector := make(types.VersionVector)
	for rows.Next() {
		var actor string
		var max int64
		if err := rows.Scan(&actor, &max); err != nil {
			return nil, err
		}
		vector[actor] = max
	}
	return vector, rows.Err()
}

// RecentEvents returns the limit most recent events in ascending causal
// order. Unlike GetDeltaEvents, which takes the oldest events a remote is
// missing, this keeps the tail of the history; it backs the in-process
// cache a node serves its delta endpoint from.
func (e *Engine) RecentEvents(ctx context.Context, limit int) ([]types.ClusterEvent, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT event_id, table_name, row_id, op, payload, actor_id, actor_counter, logical_ts, created_at
		 FROM cluster_events
		 ORDER BY logical_ts DESC, actor_id DESC, actor_counter DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (e *Engine) allEvents(ctx context.Context) ([]types.ClusterEvent, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT event_id, table_name, row_id, op, payload, actor_id, actor_counter, logical_ts, created_at
		 FROM cluster_events
		 ORDER BY logical_ts ASC, actor_id ASC, actor_counter ASC`)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]types.ClusterEvent, error) {
	defer rows.Close()

	var events []types.ClusterEvent
	for rows.Next() {
		var (
			eventID, table, rowID, op, actorID string
			payload                            sql.NullString
			actorCounter, logicalTS, createdAt  int64
		)
		if err := rows.Scan(&eventID, &table, &rowID, &op, &payload, &actorID, &actorCounter, &logicalTS, &createdAt); err != nil {
			return nil, err
		}
		ev := types.ClusterEvent{
			EventID:   eventID,
			TableName: table,
			RowID:     rowID,
			Op:        types.Op(op),
			Version:   types.Version{ActorID: actorID, ActorCounter: actorCounter, LogicalTS: logicalTS},
			CreatedAt: time.UnixMilli(createdAt),
		}
		if payload.Valid {
			var decoded map[string]any
			if err := json.Unmarshal([]byte(payload.String), &decoded); err != nil {
				return nil, fmt.Errorf("decode payload for %s: %w", eventID, err)
			}
			ev.Payload = decoded
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (e *Engine) hasEvent(ctx context.Context, eventID string) (bool, error) {
	row := e.db.QueryRowContext(ctx, `SELECT 1 FROM cluster_events WHERE event_id = ?`, eventID)
	var one int
	switch err := row.Scan(&one); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, err
	}
}

func (e *Engine) insertEvent(ctx context.Context, ev types.ClusterEvent) error {
	var payload any
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(b)
	}
	_, err := e.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cluster_events
		 (event_id, table_name, row_id, op, payload, actor_id, actor_counter, logical_ts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.TableName, ev.RowID, string(ev.Op), payload,
		ev.Version.ActorID, ev.Version.ActorCounter, ev.Version.LogicalTS, ev.CreatedAt.UnixMilli())
	return err
}

func (e *Engine) getRowVersion(ctx context.Context, table, rowID string) (types.Version, bool, error) {
	row := e.db.QueryRowContext(ctx,
		`SELECT actor_id, actor_counter, logical_ts FROM cluster_row_versions WHERE table_name = ? AND row_id = ?`,
		table, rowID)
	var v types.Version
	switch err := row.Scan(&v.ActorID, &v.ActorCounter, &v.LogicalTS); err {
	case nil:
		return v, true, nil
	case sql.ErrNoRows:
		return types.Version{}, false, nil
	default:
		return types.Version{}, false, err
	}
}

func (e *Engine) setRowVersion(ctx context.Context, table, rowID string, v types.Version) error {
	_, err := e.db.ExecContext(ctx,
		`INSERT INTO cluster_row_versions (table_name, row_id, actor_id, actor_counter, logical_ts)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (table_name, row_id) DO UPDATE SET
		   actor_id = excluded.actor_id,
		   actor_counter = excluded.actor_counter,
		   logical_ts = excluded.logical_ts`,
		table, rowID, v.ActorID, v.ActorCounter, v.LogicalTS)
	return err
}

// bumpRowVersion upserts the row-version bookkeeping entry but only moves
// it forward: an applied-or-not remote event always gets recorded, but
// never regresses the stored version below what's already there, which is
// what keeps a later, correctly-ordered event from being misjudged
// against a stale comparison baseline.
func (e *Engine) bumpRowVersion(ctx context.Context, table, rowID string, v types.Version) error {
	current, has, err := e.getRowVersion(ctx, table, rowID)
	if err != nil {
		return err
	}
	if has && !v.GreaterThan(current) {
		return nil
	}
	return e.setRowVersion(ctx, table, rowID, v)
}

func (e *Engine) loadRowHashes(ctx context.Context, table string) (map[string]string, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT row_id, hash FROM cluster_row_hashes WHERE table_name = ?`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var rowID, hash string
		if err := rows.Scan(&rowID, &hash); err != nil {
			return nil, err
		}
		hashes[rowID] = hash
	}
	return hashes, rows.Err()
}

func (e *Engine) setRowHash(ctx context.Context, table, rowID, hash string) error {
	_, err := e.db.ExecContext(ctx,
		`INSERT INTO cluster_row_hashes (table_name, row_id, hash) VALUES (?, ?, ?)
		 ON CONFLICT (table_name, row_id) DO UPDATE SET hash = excluded.hash`,
		table, rowID, hash)
	return err
}

func (e *Engine) deleteRowHash(ctx context.Context, table, rowID string) error {
	_, err := e.db.ExecContext(ctx,
		`DELETE FROM cluster_row_hashes WHERE table_name = ? AND row_id = ?`, table, rowID)
	return err
}

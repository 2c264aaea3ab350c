package cluster

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/require"

	"github.com/untoldecay/BeadsMesh/internal/cluster/merger"
	"github.com/untoldecay/BeadsMesh/internal/cluster/replication"
	"github.com/untoldecay/BeadsMesh/internal/cluster/types"
)

// emptyMergeStore is a no-op merger.Store for runtime tests that don't
// exercise story deduplication.
type emptyMergeStore struct{}

func (emptyMergeStore) LoadUnmergedStories(ctx context.Context) ([]merger.Story, error) {
	return nil, nil
}
func (emptyMergeStore) AlreadyMerged(ctx context.Context, duplicateID string) (bool, error) {
	return false, nil
}
func (emptyMergeStore) SaveCanonical(ctx context.Context, s merger.Story) error { return nil }
func (emptyMergeStore) RebindReferences(ctx context.Context, duplicateID, canonicalID string) error {
	return nil
}
func (emptyMergeStore) RebindDependencyEdges(ctx context.Context, duplicateID, canonicalID string) error {
	return nil
}
func (emptyMergeStore) DeleteStory(ctx context.Context, id string) error { return nil }
func (emptyMergeStore) RecordMerge(ctx context.Context, duplicateID, canonicalID string, mergedAt time.Time) error {
	return nil
}

func newRuntimeTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func findFreePort(t *testing.T) int {
	t.Helper()
	// Port 0 would ask the OS, but the test's PublicURL names the port up
	// front; tests use a high, usually-free port.
	return 17420
}

func TestNode_SingleNodeSelfElectsWithinOneElectionTimeout(t *testing.T) {
	db := newRuntimeTestDB(t)
	cfg := defaults()
	cfg.NodeID = "node-a"
	cfg.PublicURL = "http://127.0.0.1:17420"
	cfg.ListenPort = findFreePort(t)
	cfg.ClusterDir = filepath.Join(t.TempDir(), "cluster")
	cfg.ElectionTimeoutMinMS = 10
	cfg.ElectionTimeoutMaxMS = 20
	cfg.HeartbeatIntervalMS = 50

	node, err := NewNode(cfg, db, replication.NewRegistry(), emptyMergeStore{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, node.Start(ctx))
	defer node.Stop(context.Background())

	require.Eventually(t, func() bool {
		return node.Status().IsLeader
	}, 2*time.Second, 10*time.Millisecond)

	status := node.Status()
	require.Equal(t, "node-a", status.LeaderID)
	require.Equal(t, "http://127.0.0.1:17420", status.LeaderURL)
}

// rtStoryAdapter is a minimal stories adapter for runtime tests that move
// real rows between two nodes over HTTP.
type rtStoryAdapter struct{}

func (rtStoryAdapter) TableName() string { return "stories" }

func (rtStoryAdapter) SelectAll(ctx context.Context, db replication.DB) ([]map[string]any, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, title FROM stories ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var id, title string
		if err := rows.Scan(&id, &title); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{"id": id, "title": title})
	}
	return out, rows.Err()
}

func (rtStoryAdapter) RowID(row map[string]any) string { return row["id"].(string) }

func (rtStoryAdapter) Payload(row map[string]any) map[string]any {
	return map[string]any{"id": row["id"], "title": row["title"]}
}

func (rtStoryAdapter) Upsert(ctx context.Context, db replication.DB, payload map[string]any) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO stories (id, title) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET title = excluded.title`,
		payload["id"], payload["title"])
	return err
}

func (rtStoryAdapter) Delete(ctx context.Context, db replication.DB, rowID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM stories WHERE id = ?`, rowID)
	return err
}

func newStoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db := newRuntimeTestDB(t)
	_, err := db.Exec(`CREATE TABLE stories (id TEXT PRIMARY KEY, title TEXT NOT NULL)`)
	require.NoError(t, err)
	return db
}

// Two nodes with bearer-token auth exchange a story over the real HTTP
// control plane: A emits it from a local scan, B's Sync fetches A's delta
// (served from A's in-process cache) and applies it.
func TestNode_TwoNodesConvergeOverHTTPWithAuth(t *testing.T) {
	ctx := context.Background()
	const token = "s3cr3t"

	dbA := newStoryDB(t)
	registryA := replication.NewRegistry()
	registryA.Register(rtStoryAdapter{})

	cfgA := defaults()
	cfgA.NodeID = "node-a"
	cfgA.ListenPort = 17422
	cfgA.PublicURL = "http://127.0.0.1:17422"
	cfgA.AuthToken = token
	cfgA.ClusterDir = filepath.Join(t.TempDir(), "cluster-a")
	cfgA.Enabled = false // replication only; elections are covered elsewhere

	nodeA, err := NewNode(cfgA, dbA, registryA, emptyMergeStore{}, nil)
	require.NoError(t, err)
	require.NoError(t, nodeA.Start(ctx))
	defer nodeA.Stop(context.Background())

	dbB := newStoryDB(t)
	registryB := replication.NewRegistry()
	registryB.Register(rtStoryAdapter{})

	cfgB := defaults()
	cfgB.NodeID = "node-b"
	cfgB.ListenPort = 17423
	cfgB.PublicURL = "http://127.0.0.1:17423"
	cfgB.AuthToken = token
	cfgB.ClusterDir = filepath.Join(t.TempDir(), "cluster-b")
	cfgB.Enabled = false
	cfgB.Peers = []types.Peer{{ID: "node-a", URL: "http://127.0.0.1:17422"}}

	nodeB, err := NewNode(cfgB, dbB, registryB, emptyMergeStore{}, nil)
	require.NoError(t, err)

	_, err = dbA.Exec(`INSERT INTO stories (id, title) VALUES ('S-1', 'from node a')`)
	require.NoError(t, err)

	// A scans the insert into an event and refreshes its delta cache.
	metricsA, err := nodeA.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, metricsA.LocalEventsEmitted)

	metricsB, err := nodeB.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, metricsB.ImportedEventsApplied)

	var title string
	require.NoError(t, dbB.QueryRow(`SELECT title FROM stories WHERE id = 'S-1'`).Scan(&title))
	require.Equal(t, "from node a", title)

	status := nodeB.Status()
	require.Len(t, status.Peers, 1)
	require.NotNil(t, status.Peers[0].LastContactAt, "a successful delta fetch must mark peer contact")

	// B's own cache now serves the imported event back out.
	events, vector, err := nodeB.GetDeltaEvents(ctx, nil, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, int64(1), vector.Get("node-a"))
}

func TestNode_GeneratesAndPersistsNodeIDWhenUnconfigured(t *testing.T) {
	clusterDir := filepath.Join(t.TempDir(), "cluster")

	cfg := defaults()
	cfg.PublicURL = "http://127.0.0.1:17424"
	cfg.ListenPort = 17424
	cfg.ClusterDir = clusterDir

	node, err := NewNode(cfg, newRuntimeTestDB(t), replication.NewRegistry(), emptyMergeStore{}, nil)
	require.NoError(t, err)

	generated := node.Status().NodeID
	require.NotEmpty(t, generated)

	// The same cluster directory must come back as the same actor.
	reopened, err := NewNode(cfg, newRuntimeTestDB(t), replication.NewRegistry(), emptyMergeStore{}, nil)
	require.NoError(t, err)
	require.Equal(t, generated, reopened.Status().NodeID)
}

func TestNode_DurableRestartSurvivesCorruptLogLine(t *testing.T) {
	ctx := context.Background()
	db := newStoryDB(t)
	clusterDir := filepath.Join(t.TempDir(), "cluster")

	registry := replication.NewRegistry()
	registry.Register(rtStoryAdapter{})

	// Enabled so Status reports the real raft counters; the timers never
	// run because Start is never called.
	cfg := defaults()
	cfg.NodeID = "node-a"
	cfg.PublicURL = "http://127.0.0.1:17421"
	cfg.ListenPort = 17421
	cfg.ClusterDir = clusterDir

	node, err := NewNode(cfg, db, registry, emptyMergeStore{}, nil)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO stories (id, title) VALUES ('S-1', 'durable')`)
	require.NoError(t, err)
	_, err = node.Sync(ctx)
	require.NoError(t, err)

	firstIndex := node.Status().LastLogIndex
	require.Greater(t, firstIndex, int64(0))

	// Corrupt the log with a trailing malformed line.
	logPath := filepath.Join(clusterDir, "raft-log.ndjson")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString("{not valid json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewNode(cfg, db, registry, emptyMergeStore{}, nil)
	require.NoError(t, err)

	require.GreaterOrEqual(t, reopened.Status().LastLogIndex, firstIndex)
	require.GreaterOrEqual(t, reopened.Status().Term, int64(0))
}

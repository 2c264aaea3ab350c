package durable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/untoldecay/BeadsMesh/internal/cluster/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := New(dir, "node-a")
	require.NoError(t, err)
	require.NoError(t, store.Load("node-a"))
	return store
}

func TestLoad_DefaultsOnMissingFiles(t *testing.T) {
	store := newTestStore(t)
	state := store.GetState()
	require.Equal(t, "node-a", state.NodeID)
	require.Zero(t, state.CurrentTerm)
	require.Zero(t, state.LastLogIndex)
}

func TestSetState_AtomicWriteAndReload(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, "node-a")
	require.NoError(t, err)
	require.NoError(t, store.Load("node-a"))

	_, err = store.SetState(func(s types.RaftState) types.RaftState {
		s.CurrentTerm = 5
		s.VotedFor = "node-a"
		return s
	})
	require.NoError(t, err)

	// No leftover temp files after a successful write.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp-")
	}

	reopened, err := New(dir, "node-a")
	require.NoError(t, err)
	require.NoError(t, reopened.Load("node-a"))
	require.Equal(t, int64(5), reopened.GetState().CurrentTerm)
	require.Equal(t, "node-a", reopened.GetState().VotedFor)
}

func TestAppendEntry_AssignsDenseIndexAndAdvancesCounters(t *testing.T) {
	store := newTestStore(t)

	e1, err := store.AppendEntry(types.LogEntry{Type: types.LogRuntime})
	require.NoError(t, err)
	require.Equal(t, int64(1), e1.Index)

	e2, err := store.AppendEntry(types.LogEntry{Type: types.LogRuntime})
	require.NoError(t, err)
	require.Equal(t, int64(2), e2.Index)

	state := store.GetState()
	require.Equal(t, int64(2), state.LastLogIndex)
	require.Equal(t, int64(2), state.CommitIndex)
	require.Equal(t, int64(2), state.LastApplied)
}

func TestLoad_SkipsMalformedLogLines(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, "node-a")
	require.NoError(t, err)
	require.NoError(t, store.Load("node-a"))

	_, err = store.AppendEntry(types.LogEntry{Type: types.LogRuntime})
	require.NoError(t, err)

	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_APPEND|os.O_WRONLY, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString("{not valid json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := New(dir, "node-a")
	require.NoError(t, err)
	require.NoError(t, reopened.Load("node-a")) // must not fail on the corrupt line
	require.Equal(t, int64(1), reopened.GetState().LastLogIndex)
}

func TestAppendClusterEvents_DeduplicatesByEventID(t *testing.T) {
	store := newTestStore(t)

	events := []types.ClusterEvent{
		{
			EventID:   "a:1",
			TableName: "stories",
			RowID:     "S-1",
			Op:        types.OpUpsert,
			Payload:   map[string]any{"title": "x"},
			Version:   types.Version{ActorID: "a", ActorCounter: 1, LogicalTS: 100},
		},
	}

	n, err := store.AppendClusterEvents(events, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = store.AppendClusterEvents(events, 1)
	require.NoError(t, err)
	require.Equal(t, 0, n, "re-appending the same event_id must be a no-op")

	require.True(t, store.HasEvent("a:1"))
	require.Equal(t, 1, store.KnownEventCount())
}

func TestAppendClusterEvents_SortsBeforeAppending(t *testing.T) {
	store := newTestStore(t)

	events := []types.ClusterEvent{
		{EventID: "a:2", TableName: "t", RowID: "r2", Op: types.OpUpsert, Payload: map[string]any{}, Version: types.Version{ActorID: "a", ActorCounter: 2, LogicalTS: 200}},
		{EventID: "a:1", TableName: "t", RowID: "r1", Op: types.OpUpsert, Payload: map[string]any{}, Version: types.Version{ActorID: "a", ActorCounter: 1, LogicalTS: 100}},
	}
	n, err := store.AppendClusterEvents(events, 1)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	data, err := os.ReadFile(filepath.Join(store.dir, logFileName))
	require.NoError(t, err)
	lines := splitLines(string(data))
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `"a:1"`)
	require.Contains(t, lines[1], `"a:2"`)
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

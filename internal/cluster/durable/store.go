// Package durable implements the crash-safe metadata store: a single
// JSON raft-state document plus an append-only NDJSON log, both living
// under a per-node cluster directory. State writes go through a temp
// file + fsync + rename. Load holds an exclusive flock on the directory
// while it reads; later writes are serialized by the Store's own mutex.
package durable

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/untoldecay/BeadsMesh/internal/cluster/types"
)

const (
	stateFileName = "raft-state.json"
	logFileName   = "raft-log.ndjson"
	lockFileName  = "raft.lock"
)

// Store owns one node's durable raft state and event log.
type Store struct {
	dir   string
	lock  *flock.Flock
	mu    sync.Mutex
	state types.RaftState

	knownEventIDs map[string]struct{}
}

// New creates (if absent) the cluster directory and returns an unloaded
// Store. Call Load before using it.
func New(dir string, nodeID string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cluster dir: %w", err)
	}
	return &Store{
		dir:           dir,
		lock:          flock.New(filepath.Join(dir, lockFileName)),
		knownEventIDs: make(map[string]struct{}),
		state:         types.RaftState{NodeID: nodeID},
	}, nil
}

func (s *Store) statePath() string { return filepath.Join(s.dir, stateFileName) }
func (s *Store) logPath() string   { return filepath.Join(s.dir, logFileName) }

// Load reads the state file (falling back to a clean default on missing or
// malformed JSON) and then replays the NDJSON log to rebuild the
// known-event-id set and advance last_log_index/last_log_term. It is safe
// to call Load again after Stop to rebuild in-memory state from disk.
func (s *Store) Load(nodeID string) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock cluster dir: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	s.mu.Lock()
	defer s.mu.Unlock()

	state := defaultState(nodeID)
	if data, err := os.ReadFile(s.statePath()); err == nil {
		var loaded types.RaftState
		if jsonErr := json.Unmarshal(data, &loaded); jsonErr == nil {
			state = sanitizeState(loaded, nodeID)
		}
		// Malformed JSON falls back to the clean default rather than failing.
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read state file: %w", err)
	}

	known := make(map[string]struct{})
	f, err := os.Open(s.logPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("open log file: %w", err)
		}
	} else {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var entry types.LogEntry
			if jsonErr := json.Unmarshal(line, &entry); jsonErr != nil {
				continue // malformed lines are skipped, never fatal
			}
			if entry.EventID != "" {
				known[entry.EventID] = struct{}{}
			}
			if entry.Index > state.LastLogIndex {
				state.LastLogIndex = entry.Index
			}
			if entry.Term > state.LastLogTerm {
				state.LastLogTerm = entry.Term
			}
		}
		// Scan errors (e.g. a truncated trailing line) are tolerated; whatever
		// was successfully parsed before the error still counts.
	}

	if state.CommitIndex < state.LastLogIndex {
		state.CommitIndex = state.LastLogIndex
	}
	if state.LastApplied < state.LastLogIndex {
		state.LastApplied = state.LastLogIndex
	}

	s.state = state
	s.knownEventIDs = known
	return nil
}

func defaultState(nodeID string) types.RaftState {
	return types.RaftState{NodeID: nodeID, UpdatedAt: time.Now()}
}

func sanitizeState(s types.RaftState, nodeID string) types.RaftState {
	if s.NodeID == "" {
		s.NodeID = nodeID
	}
	if s.CurrentTerm < 0 {
		s.CurrentTerm = 0
	}
	if s.CommitIndex < 0 {
		s.CommitIndex = 0
	}
	if s.LastApplied < 0 {
		s.LastApplied = 0
	}
	if s.LastLogIndex < 0 {
		s.LastLogIndex = 0
	}
	if s.LastLogTerm < 0 {
		s.LastLogTerm = 0
	}
	return s
}

// GetState returns a copy of the in-memory raft state.
func (s *Store) GetState() types.RaftState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StatePatch mutates a copy of the current state; returning it is how
// SetState knows what changed. Only non-zero-value fields callers care
// about need to be set — SetState applies the whole returned struct, so
// patch functions should start from the state argument they're given.
type StatePatch func(types.RaftState) types.RaftState

// SetState applies patch to the in-memory state, stamps UpdatedAt, and
// persists atomically (temp file + rename). An ENOENT while removing the
// temp file during teardown is tolerated; any other I/O error propagates.
func (s *Store) SetState(patch StatePatch) (types.RaftState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := patch(s.state)
	next.UpdatedAt = time.Now()
	if err := s.writeStateLocked(next); err != nil {
		return s.state, err
	}
	s.state = next
	return s.state, nil
}

func (s *Store) writeStateLocked(state types.RaftState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, stateFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = removeTolerant(tmpPath)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = removeTolerant(tmpPath)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = removeTolerant(tmpPath)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.statePath()); err != nil {
		_ = removeTolerant(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

func removeTolerant(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// AppendEntry assigns index = last_log_index+1, defaults term to the
// current term, appends one NDJSON line, and advances commit_index and
// last_applied to the new index.
func (s *Store) AppendEntry(entry types.LogEntry) (types.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEntryLocked(entry)
}

func (s *Store) appendEntryLocked(entry types.LogEntry) (types.LogEntry, error) {
	entry.Index = s.state.LastLogIndex + 1
	if entry.Term == 0 {
		entry.Term = s.state.CurrentTerm
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	if err := s.appendLineLocked(entry); err != nil {
		return types.LogEntry{}, err
	}
	if entry.EventID != "" {
		s.knownEventIDs[entry.EventID] = struct{}{}
	}

	next := s.state
	next.LastLogIndex = entry.Index
	next.LastLogTerm = entry.Term
	next.CommitIndex = entry.Index
	next.LastApplied = entry.Index
	if err := s.writeStateLocked(next); err != nil {
		return entry, err
	}
	s.state = next
	return entry, nil
}

func (s *Store) appendLineLocked(entry types.LogEntry) error {
	f, err := os.OpenFile(s.logPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	return f.Sync()
}

// AppendClusterEvents sorts events by (logical_ts, actor_id, actor_counter)
// and appends one cluster_event log entry per event whose event_id is not
// already known, deduplicating across repeated sync cycles. It returns
// the number of entries actually appended.
func (s *Store) AppendClusterEvents(events []types.ClusterEvent, term int64) (int, error) {
	sorted := make([]types.ClusterEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version.Compare(sorted[j].Version) < 0
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	appended := 0
	for _, ev := range sorted {
		if _, known := s.knownEventIDs[ev.EventID]; known {
			continue
		}
		entry := types.LogEntry{
			Term:         term,
			Type:         types.LogClusterEvent,
			SourceNodeID: s.state.NodeID,
			EventID:      ev.EventID,
			ActorID:      ev.Version.ActorID,
			ActorCounter: ev.Version.ActorCounter,
			TableName:    ev.TableName,
			RowID:        ev.RowID,
			Op:           string(ev.Op),
			CreatedAt:    ev.CreatedAt,
		}
		if ev.Payload != nil {
			hash, err := types.HashPayload(ev.Payload)
			if err != nil {
				return appended, fmt.Errorf("hash payload for %s: %w", ev.EventID, err)
			}
			entry.PayloadHash = hash
		}
		if _, err := s.appendEntryLocked(entry); err != nil {
			return appended, err
		}
		appended++
	}
	return appended, nil
}

// HasEvent reports whether event_id has ever been written to the log.
func (s *Store) HasEvent(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.knownEventIDs[eventID]
	return ok
}

// KnownEventCount returns the size of the known-event-id set, useful for
// sizing the in-process delta cache.
func (s *Store) KnownEventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.knownEventIDs)
}

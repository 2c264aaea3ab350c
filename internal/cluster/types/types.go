// Package types holds the data contracts shared by every coordination-core
// subsystem (durable store, replication, election, merger, HTTP server).
// Splitting these out avoids an import cycle: runtime.go wires the
// subpackages together and none of them needs to import the top-level
// cluster package.
package types

import (
	"cmp"
	"time"
)

// Op is the kind of change a ClusterEvent records.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Version is the causal version attached to every event: an actor's
// monotonic counter plus the wall-clock millisecond it was assigned at.
type Version struct {
	ActorID      string `json:"actor_id"`
	ActorCounter int64  `json:"actor_counter"`
	LogicalTS    int64  `json:"logical_ts"`
}

// Compare returns -1, 0, or 1 ordering v before, equal to, or after o under
// the total order (logical_ts, actor_id, actor_counter). Ties on logical_ts
// are broken by case-sensitive lexical actor_id compare, then actor_counter.
func (v Version) Compare(o Version) int {
	if c := cmp.Compare(v.LogicalTS, o.LogicalTS); c != 0 {
		return c
	}
	if c := cmp.Compare(v.ActorID, o.ActorID); c != 0 {
		return c
	}
	return cmp.Compare(v.ActorCounter, o.ActorCounter)
}

// GreaterThan reports whether v strictly follows o in the total order.
func (v Version) GreaterThan(o Version) bool {
	return v.Compare(o) > 0
}

// ClusterEvent is an immutable record of a single row-level change.
type ClusterEvent struct {
	EventID   string         `json:"event_id"`
	TableName string         `json:"table_name"`
	RowID     string         `json:"row_id"`
	Op        Op             `json:"op"`
	Payload   map[string]any `json:"payload"`
	Version   Version        `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
}

// VersionVector maps actor_id to the highest actor_counter observed for it.
type VersionVector map[string]int64

// Get returns the vector's entry for actor, defaulting to 0.
func (vv VersionVector) Get(actor string) int64 {
	if vv == nil {
		return 0
	}
	return vv[actor]
}

// Role is a node's position in the election state machine.
type Role string

const (
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleLeader    Role = "leader"
)

// RaftState is the durable election/replication bookkeeping document,
// persisted atomically to raft-state.json on every transition.
type RaftState struct {
	NodeID        string    `json:"node_id"`
	CurrentTerm   int64     `json:"current_term"`
	VotedFor      string    `json:"voted_for,omitempty"`
	LeaderID      string    `json:"leader_id,omitempty"`
	CommitIndex   int64     `json:"commit_index"`
	LastApplied   int64     `json:"last_applied"`
	LastLogIndex  int64     `json:"last_log_index"`
	LastLogTerm   int64     `json:"last_log_term"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// LogEntryType enumerates the durable-log record kinds.
type LogEntryType string

const (
	LogRuntime           LogEntryType = "runtime"
	LogElectionStart     LogEntryType = "election_start"
	LogElectionWon       LogEntryType = "election_won"
	LogVoteGranted       LogEntryType = "vote_granted"
	LogHeartbeatSent     LogEntryType = "heartbeat_sent"
	LogHeartbeatReceived LogEntryType = "heartbeat_received"
	LogStateTransition   LogEntryType = "state_transition"
	LogClusterEvent      LogEntryType = "cluster_event"
)

// LogEntry is one NDJSON line in raft-log.ndjson.
type LogEntry struct {
	Index        int64          `json:"index"`
	Term         int64          `json:"term"`
	Type         LogEntryType   `json:"type"`
	SourceNodeID string         `json:"source_node_id"`
	EventID      string         `json:"event_id,omitempty"`
	ActorID      string         `json:"actor_id,omitempty"`
	ActorCounter int64          `json:"actor_counter,omitempty"`
	TableName    string         `json:"table_name,omitempty"`
	RowID        string         `json:"row_id,omitempty"`
	Op           string         `json:"op,omitempty"`
	PayloadHash  string         `json:"payload_hash,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Peer is one entry of the static peer list.
type Peer struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// PeerStatus reports a peer plus the last time this node fetched a delta
// from it successfully. Heartbeat and vote RPCs do not update it.
type PeerStatus struct {
	ID            string     `json:"id" yaml:"id"`
	URL           string     `json:"url" yaml:"url"`
	LastContactAt *time.Time `json:"last_contact_at,omitempty" yaml:"last_contact_at,omitempty"`
}

// ClusterStatus is the payload served by GET /cluster/v1/status. It also
// backs `bd cluster status --format yaml` via gopkg.in/yaml.v3.
type ClusterStatus struct {
	NodeID       string       `json:"node_id" yaml:"node_id"`
	Role         Role         `json:"role" yaml:"role"`
	Term         int64        `json:"term" yaml:"term"`
	VotedFor     string       `json:"voted_for,omitempty" yaml:"voted_for,omitempty"`
	IsLeader     bool         `json:"is_leader" yaml:"is_leader"`
	LeaderID     string       `json:"leader_id,omitempty" yaml:"leader_id,omitempty"`
	LeaderURL    string       `json:"leader_url,omitempty" yaml:"leader_url,omitempty"`
	CommitIndex  int64        `json:"commit_index" yaml:"commit_index"`
	LastApplied  int64        `json:"last_applied" yaml:"last_applied"`
	LastLogIndex int64        `json:"last_log_index" yaml:"last_log_index"`
	LastLogTerm  int64        `json:"last_log_term" yaml:"last_log_term"`
	Peers        []PeerStatus `json:"peers" yaml:"peers"`
}

// SyncMetrics is returned by one Sync() cycle.
type SyncMetrics struct {
	LocalEventsEmitted      int `json:"local_events_emitted"`
	ImportedEventsApplied   int `json:"imported_events_applied"`
	MergedDuplicateStories  int `json:"merged_duplicate_stories"`
	DurableLogEntriesAppend int `json:"durable_log_entries_appended"`
}

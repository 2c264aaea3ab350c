package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/untoldecay/BeadsMesh/internal/cluster/durable"
	"github.com/untoldecay/BeadsMesh/internal/cluster/election"
	"github.com/untoldecay/BeadsMesh/internal/cluster/merger"
	"github.com/untoldecay/BeadsMesh/internal/cluster/replication"
	"github.com/untoldecay/BeadsMesh/internal/cluster/server"
	"github.com/untoldecay/BeadsMesh/internal/cluster/types"
)

// recentEventCacheSize bounds the in-process delta cache: the HTTP
// /events/delta endpoint serves from it so handlers stay non-blocking
// while a sync is in flight.
const recentEventCacheSize = 20_000

// peerDeltaLimit caps events requested per peer per sync cycle.
const peerDeltaLimit = 4000

// Node wires the durable store, replication engine, election subsystem,
// merger, and HTTP server into one runnable coordination-core instance.
// It is a constructable service rather than a package of globals, so
// multiple nodes can run side by side in one process (as the tests do).
type Node struct {
	cfg Config

	store      *durable.Store
	repl       *replication.Engine
	election   *election.Election
	srv        *server.Server
	merge      *merger.Merger
	httpClient *http.Client

	log      *slog.Logger
	closeLog func() error

	mu          sync.Mutex
	lastContact map[string]time.Time
	eventCache  []types.ClusterEvent
	eventVector types.VersionVector
}

// NewNode constructs a Node. db must already have the replicated-table
// schema migrated by the caller; NewNode itself creates the coordination
// core's own bookkeeping tables and durable-store files.
func NewNode(cfg Config, db replication.DB, registry *replication.Registry, mergeStore merger.Store, httpClient *http.Client) (*Node, error) {
	store, err := durable.New(cfg.ClusterDir, cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("create durable store: %w", err)
	}
	if err := store.Load(cfg.NodeID); err != nil {
		return nil, fmt.Errorf("load durable store: %w", err)
	}

	// A node without a configured identity gets a generated one. It is
	// persisted in the durable state so the same directory keeps the same
	// actor id across restarts; a fresh counter under a new id would
	// break causal ordering for peers that already saw the old id.
	if cfg.NodeID == "" {
		cfg.NodeID = store.GetState().NodeID
		if cfg.NodeID == "" {
			cfg.NodeID = uuid.NewString()
		}
		nodeID := cfg.NodeID
		if _, err := store.SetState(func(s types.RaftState) types.RaftState {
			s.NodeID = nodeID
			return s
		}); err != nil {
			return nil, fmt.Errorf("persist generated node_id: %w", err)
		}
	}

	repl := replication.NewEngine(db, registry, cfg.NodeID)
	if err := repl.Init(context.Background()); err != nil {
		return nil, fmt.Errorf("init replication engine: %w", err)
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	transport := &httpTransport{client: httpClient, authToken: cfg.AuthToken}

	electionCfg := election.Config{
		Enabled:              cfg.Enabled,
		NodeID:               cfg.NodeID,
		PublicURL:            cfg.PublicURL,
		Peers:                cfg.Peers,
		HeartbeatIntervalMS:  cfg.HeartbeatIntervalMS,
		ElectionTimeoutMinMS: cfg.ElectionTimeoutMinMS,
		ElectionTimeoutMaxMS: cfg.ElectionTimeoutMaxMS,
		RequestTimeoutMS:     cfg.RequestTimeoutMS,
	}
	el := election.New(electionCfg, store, transport)
	opLog, closeLog := newOperationalLogger(cfg.ClusterDir)

	n := &Node{
		cfg:         cfg,
		store:       store,
		repl:        repl,
		election:    el,
		merge:       merger.New(mergeStore, cfg.StorySimilarityThreshold),
		log:         opLog,
		closeLog:    closeLog,
		httpClient:  httpClient,
		lastContact: make(map[string]time.Time),
	}

	// The HTTP delta endpoint serves from the Node's in-process cache, not
	// the replication engine, so handlers never contend with the single
	// database writer. Seed the cache so a freshly started node can answer
	// before its first Sync.
	if err := n.refreshCache(context.Background()); err != nil {
		return nil, fmt.Errorf("seed delta cache: %w", err)
	}

	serverCfg := server.Config{ListenHost: cfg.ListenHost, ListenPort: cfg.ListenPort, AuthToken: cfg.AuthToken}
	n.srv = server.New(serverCfg, el, n, n.peerStatuses)

	return n, nil
}

// GetDeltaEvents implements server.Replication against the cached recent
// events and version vector refreshed by Sync, rather than the database.
func (n *Node) GetDeltaEvents(ctx context.Context, remoteVector types.VersionVector, limit int) ([]types.ClusterEvent, types.VersionVector, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delta := make([]types.ClusterEvent, 0, limit)
	for _, ev := range n.eventCache {
		if ev.Version.ActorCounter <= remoteVector.Get(ev.Version.ActorID) {
			continue
		}
		delta = append(delta, ev)
		if len(delta) >= limit {
			break
		}
	}

	vector := make(types.VersionVector, len(n.eventVector))
	for actor, counter := range n.eventVector {
		vector[actor] = counter
	}
	return delta, vector, nil
}

// Start begins the election timers and binds the HTTP listener.
func (n *Node) Start(ctx context.Context) error {
	n.election.Start(ctx)
	if err := n.srv.Start(); err != nil {
		n.election.Stop()
		n.log.Error("node start failed", "error", err, "node_id", n.cfg.NodeID)
		return err
	}
	n.log.Info("node started", "node_id", n.cfg.NodeID, "listen", fmt.Sprintf("%s:%d", n.cfg.ListenHost, n.cfg.ListenPort))
	return nil
}

// Stop halts the election timers and HTTP listener, and appends a runtime
// stop entry to the durable log.
func (n *Node) Stop(ctx context.Context) error {
	n.election.Stop()
	err := n.srv.Stop(ctx)
	_, _ = n.store.AppendEntry(types.LogEntry{Type: types.LogRuntime, Metadata: map[string]any{"event": "stop"}})
	n.log.Info("node stopped", "node_id", n.cfg.NodeID, "error", err)
	_ = n.closeLog()
	return err
}

// Status returns the current ClusterStatus, including peer liveness
// tracked from successful delta fetches (election RPCs do not update it).
func (n *Node) Status() types.ClusterStatus {
	return n.election.Status(n.peerStatuses())
}

func (n *Node) peerStatuses() []types.PeerStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	statuses := make([]types.PeerStatus, 0, len(n.cfg.Peers))
	for _, p := range n.cfg.Peers {
		status := types.PeerStatus{ID: p.ID, URL: p.URL}
		if t, ok := n.lastContact[p.ID]; ok {
			tc := t
			status.LastContactAt = &tc
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func (n *Node) markContact(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastContact[peerID] = time.Now()
}

// Sync runs one cycle of scan -> fetch-deltas -> apply -> merge ->
// rescan-if-changed -> refresh-cache -> durable-append, in that fixed
// order.
func (n *Node) Sync(ctx context.Context) (types.SyncMetrics, error) {
	// cycleID is a diagnostic trace id for this sync cycle's log lines and
	// outgoing delta requests; it never appears in replicated state or in a
	// ClusterEvent's causal event_id, which stays "{actor_id}:{actor_counter}".
	cycleID := uuid.NewString()
	log := n.log.With("cycle_id", cycleID)

	var metrics types.SyncMetrics

	emitted, err := n.repl.ScanLocalChanges(ctx)
	if err != nil {
		return metrics, fmt.Errorf("scan local changes: %w", err)
	}
	metrics.LocalEventsEmitted = emitted

	localVector, err := n.repl.VersionVector(ctx)
	if err != nil {
		return metrics, fmt.Errorf("local version vector: %w", err)
	}

	imported := 0
	for _, peer := range n.cfg.Peers {
		events, err := n.fetchDelta(ctx, peer, localVector, cycleID)
		if err != nil {
			log.Warn("peer delta fetch failed", "peer_id", peer.ID, "error", err)
			continue // unreachable peer this cycle is a no-op
		}
		n.markContact(peer.ID)
		mutated, err := n.repl.ApplyRemoteEvents(ctx, events)
		if err != nil {
			log.Warn("apply remote events failed", "peer_id", peer.ID, "error", err)
			continue
		}
		imported += mutated
	}
	metrics.ImportedEventsApplied = imported

	merged := 0
	if n.merge != nil {
		merged, err = n.merge.Run(ctx)
		if err != nil {
			return metrics, fmt.Errorf("run merger: %w", err)
		}
	}
	metrics.MergedDuplicateStories = merged

	if imported > 0 || merged > 0 {
		rescanned, err := n.repl.ScanLocalChanges(ctx)
		if err != nil {
			return metrics, fmt.Errorf("rescan after apply/merge: %w", err)
		}
		metrics.LocalEventsEmitted += rescanned
	}

	if err := n.refreshCache(ctx); err != nil {
		return metrics, fmt.Errorf("refresh delta cache: %w", err)
	}

	appended, err := n.appendUnloggedEvents()
	if err != nil {
		return metrics, fmt.Errorf("append unlogged events to durable log: %w", err)
	}
	metrics.DurableLogEntriesAppend = appended

	log.Info("sync cycle complete",
		"local_events_emitted", metrics.LocalEventsEmitted,
		"imported_events_applied", metrics.ImportedEventsApplied,
		"merged_duplicate_stories", metrics.MergedDuplicateStories,
		"durable_log_entries_appended", metrics.DurableLogEntriesAppend,
	)
	return metrics, nil
}

func (n *Node) refreshCache(ctx context.Context) error {
	vector, err := n.repl.VersionVector(ctx)
	if err != nil {
		return err
	}
	events, err := n.repl.RecentEvents(ctx, recentEventCacheSize)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.eventCache = events
	n.eventVector = vector
	return nil
}

func (n *Node) appendUnloggedEvents() (int, error) {
	n.mu.Lock()
	events := make([]types.ClusterEvent, len(n.eventCache))
	copy(events, n.eventCache)
	n.mu.Unlock()

	term := n.store.GetState().CurrentTerm
	return n.store.AppendClusterEvents(events, term)
}

func (n *Node) fetchDelta(ctx context.Context, peer types.Peer, localVector types.VersionVector, cycleID string) ([]types.ClusterEvent, error) {
	reqBody := map[string]any{"version_vector": localVector, "limit": peerDeltaLimit}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(n.cfg.RequestTimeoutMS)*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, peer.URL+"/cluster/v1/events/delta", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", cycleID)
	if n.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.cfg.AuthToken)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("peer %s returned status %d", peer.ID, resp.StatusCode)
	}

	var decoded struct {
		Events []types.ClusterEvent `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded.Events, nil
}

// httpTransport is the production election.Transport, issuing request-vote
// and heartbeat RPCs over HTTP with the cluster's bearer token attached.
type httpTransport struct {
	client    *http.Client
	authToken string
}

func (t *httpTransport) RequestVote(ctx context.Context, peer types.Peer, term int64, candidateID string) (*election.VoteResponse, error) {
	var out struct {
		Term        int64  `json:"term"`
		VoteGranted bool   `json:"vote_granted"`
		LeaderID    string `json:"leader_id"`
	}
	if err := t.post(ctx, peer.URL+"/cluster/v1/election/request-vote",
		map[string]any{"term": term, "candidate_id": candidateID}, &out); err != nil {
		return nil, err
	}
	return &election.VoteResponse{Term: out.Term, VoteGranted: out.VoteGranted, LeaderID: out.LeaderID}, nil
}

func (t *httpTransport) Heartbeat(ctx context.Context, peer types.Peer, term int64, leaderID string) (*election.HeartbeatResponse, error) {
	var out struct {
		Term    int64 `json:"term"`
		Success bool  `json:"success"`
	}
	if err := t.post(ctx, peer.URL+"/cluster/v1/election/heartbeat",
		map[string]any{"term": term, "leader_id": leaderID}, &out); err != nil {
		return nil, err
	}
	return &election.HeartbeatResponse{Term: out.Term, Success: out.Success}, nil
}

func (t *httpTransport) post(ctx context.Context, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

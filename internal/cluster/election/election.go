// Package election implements the Raft-flavored leader-election state
// machine: followers, candidates, and a single
// leader per term over a static peer list, with durable persistence of
// every transition via internal/cluster/durable.
package election

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/untoldecay/BeadsMesh/internal/cluster/durable"
	"github.com/untoldecay/BeadsMesh/internal/cluster/types"
)

// Transport issues the two RPCs an election needs against one peer.
// Implementations must treat unreachable peers, timeouts, and malformed
// responses as a nil result rather than an error.
type Transport interface {
	RequestVote(ctx context.Context, peer types.Peer, term int64, candidateID string) (*VoteResponse, error)
	Heartbeat(ctx context.Context, peer types.Peer, term int64, leaderID string) (*HeartbeatResponse, error)
}

// VoteResponse is the decoded body of a request-vote RPC.
type VoteResponse struct {
	Term        int64
	VoteGranted bool
	LeaderID    string
}

// HeartbeatResponse is the decoded body of a heartbeat RPC.
type HeartbeatResponse struct {
	Term    int64
	Success bool
}

// Config holds the timing and topology parameters of one election
// subsystem instance.
type Config struct {
	Enabled               bool
	NodeID                string
	PublicURL             string
	Peers                 []types.Peer
	HeartbeatIntervalMS   int
	ElectionTimeoutMinMS  int
	ElectionTimeoutMaxMS  int
	RequestTimeoutMS      int
}

func (c Config) heartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

func (c Config) requestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c Config) electionDeadline(now time.Time) time.Time {
	lo, hi := c.ElectionTimeoutMinMS, c.ElectionTimeoutMaxMS
	if hi < lo {
		hi = lo
	}
	jitter := lo
	if hi > lo {
		jitter = lo + rand.Intn(hi-lo+1)
	}
	return now.Add(time.Duration(jitter) * time.Millisecond)
}

// tickInterval is the internal election-timer resolution.
const tickInterval = 250 * time.Millisecond

// Election owns one node's role/term/vote state and drives the timers that
// start elections and send heartbeats.
type Election struct {
	cfg       Config
	store     *durable.Store
	transport Transport

	mu              sync.Mutex
	deadline        time.Time
	electionInFlight bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs an Election. Call Start to begin the timers.
func New(cfg Config, store *durable.Store, transport Transport) *Election {
	return &Election{cfg: cfg, store: store, transport: transport}
}

// Start launches the election-tick and heartbeat timers. In disabled mode
// it is a no-op.
func (e *Election) Start(ctx context.Context) {
	if !e.cfg.Enabled {
		return
	}
	e.stopCh = make(chan struct{})
	e.resetDeadline()

	e.wg.Add(1)
	go e.runElectionTicker(ctx)

	e.wg.Add(1)
	go e.runHeartbeatTicker(ctx)
}

// Stop halts both timers and waits for their goroutines to exit. Safe to
// call multiple times and safe in disabled mode.
func (e *Election) Stop() {
	if !e.cfg.Enabled || e.stopCh == nil {
		return
	}
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *Election) runElectionTicker(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			expired := time.Now().After(e.deadline)
			e.mu.Unlock()
			if expired {
				e.startElection(ctx)
			}
		}
	}
}

func (e *Election) runHeartbeatTicker(ctx context.Context) {
	defer e.wg.Done()
	interval := e.cfg.heartbeatInterval()
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.store.GetState().LeaderID == e.cfg.NodeID && e.isLeader() {
				e.sendHeartbeats(ctx)
			}
		}
	}
}

func (e *Election) resetDeadline() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deadline = e.cfg.electionDeadline(time.Now())
}

// quorum returns floor(total_nodes/2)+1 where total_nodes = len(peers)+1.
func (e *Election) quorum() int {
	total := len(e.cfg.Peers) + 1
	return total/2 + 1
}

// startElection begins a new term and fans out vote requests in parallel.
// A re-entrant call while one is already in flight is dropped.
func (e *Election) startElection(ctx context.Context) {
	e.mu.Lock()
	if e.electionInFlight {
		e.mu.Unlock()
		return
	}
	e.electionInFlight = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.electionInFlight = false
		e.mu.Unlock()
	}()

	state, err := e.store.SetState(func(s types.RaftState) types.RaftState {
		s.CurrentTerm++
		s.VotedFor = e.cfg.NodeID
		s.LeaderID = ""
		return s
	})
	if err != nil {
		return
	}
	e.resetDeadline()
	term := state.CurrentTerm
	_, _ = e.store.AppendEntry(types.LogEntry{Term: term, Type: types.LogElectionStart, SourceNodeID: e.cfg.NodeID})

	if len(e.cfg.Peers) == 0 {
		e.becomeLeaderIfStillCandidate(term, 1)
		return
	}

	votes := 1 // self
	var voteMu sync.Mutex
	var g errgroup.Group
	for _, peer := range e.cfg.Peers {
		peer := peer
		g.Go(func() error {
			reqCtx, cancel := context.WithTimeout(ctx, e.cfg.requestTimeout())
			defer cancel()
			resp, err := e.transport.RequestVote(reqCtx, peer, term, e.cfg.NodeID)
			if err != nil || resp == nil {
				return nil
			}
			if resp.Term > term {
				e.stepDown(resp.Term)
				return nil
			}
			if resp.VoteGranted {
				voteMu.Lock()
				votes++
				voteMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() // RequestVote errors are already folded into nil responses above

	if votes >= e.quorum() {
		e.becomeLeaderIfStillCandidate(term, votes)
	}
}

func (e *Election) becomeLeaderIfStillCandidate(term int64, votes int) {
	state, err := e.store.SetState(func(s types.RaftState) types.RaftState {
		if s.CurrentTerm != term || s.VotedFor != e.cfg.NodeID || s.LeaderID != "" {
			return s // term moved on, we stepped down, or another leader already claimed it
		}
		s.LeaderID = e.cfg.NodeID
		s.VotedFor = ""
		return s
	})
	if err != nil || state.LeaderID != e.cfg.NodeID || state.CurrentTerm != term {
		return
	}
	_, _ = e.store.AppendEntry(types.LogEntry{
		Term: term, Type: types.LogElectionWon, SourceNodeID: e.cfg.NodeID,
		Metadata: map[string]any{"votes": votes},
	})
}

// sendHeartbeats fans out heartbeat RPCs in parallel; any reply with a
// strictly greater term forces an immediate step-down.
func (e *Election) sendHeartbeats(ctx context.Context) {
	state := e.store.GetState()
	term := state.CurrentTerm
	var g errgroup.Group
	for _, peer := range e.cfg.Peers {
		peer := peer
		g.Go(func() error {
			reqCtx, cancel := context.WithTimeout(ctx, e.cfg.requestTimeout())
			defer cancel()
			resp, err := e.transport.Heartbeat(reqCtx, peer, term, e.cfg.NodeID)
			if err != nil || resp == nil {
				return nil
			}
			if resp.Term > term {
				e.stepDown(resp.Term)
			}
			return nil
		})
	}
	_ = g.Wait()
	_, _ = e.store.AppendEntry(types.LogEntry{Term: term, Type: types.LogHeartbeatSent, SourceNodeID: e.cfg.NodeID})
}

func (e *Election) stepDown(term int64) {
	_, _ = e.store.SetState(func(s types.RaftState) types.RaftState {
		if term < s.CurrentTerm {
			return s
		}
		s.CurrentTerm = term
		s.VotedFor = ""
		s.LeaderID = ""
		return s
	})
	_, _ = e.store.AppendEntry(types.LogEntry{Term: term, Type: types.LogStateTransition, SourceNodeID: e.cfg.NodeID})
	e.resetDeadline()
}

// HandleRequestVote implements the vote RPC handler. A missing
// candidate_id is always refused; stale terms are refused; a strictly
// greater term causes an unconditional step-down before the grant check.
func (e *Election) HandleRequestVote(term int64, candidateID string) (grantedTerm int64, granted bool, leaderID string) {
	if candidateID == "" {
		s := e.store.GetState()
		return s.CurrentTerm, false, s.LeaderID
	}

	state := e.store.GetState()
	if term < state.CurrentTerm {
		return state.CurrentTerm, false, state.LeaderID
	}
	if term > state.CurrentTerm {
		e.stepDownTo(term)
		state = e.store.GetState()
	}

	if state.VotedFor != "" && state.VotedFor != candidateID {
		return state.CurrentTerm, false, state.LeaderID
	}

	next, err := e.store.SetState(func(s types.RaftState) types.RaftState {
		s.CurrentTerm = term
		s.VotedFor = candidateID
		return s
	})
	if err != nil {
		return state.CurrentTerm, false, state.LeaderID
	}
	_, _ = e.store.AppendEntry(types.LogEntry{
		Term: term, Type: types.LogVoteGranted, SourceNodeID: e.cfg.NodeID,
		Metadata: map[string]any{"candidate_id": candidateID},
	})
	e.resetDeadline()
	return next.CurrentTerm, true, next.LeaderID
}

// stepDownTo adopts a strictly greater observed term, clearing voted_for
// and leader_id. The transition is durably logged even when the request
// that triggered it is ultimately refused.
func (e *Election) stepDownTo(term int64) {
	_, _ = e.store.SetState(func(s types.RaftState) types.RaftState {
		s.CurrentTerm = term
		s.VotedFor = ""
		s.LeaderID = ""
		return s
	})
	_, _ = e.store.AppendEntry(types.LogEntry{Term: term, Type: types.LogStateTransition, SourceNodeID: e.cfg.NodeID})
}

// HandleHeartbeat implements the heartbeat RPC handler. A stale term is
// refused with the local term; a greater term steps down (clearing
// voted_for); an equal term keeps voted_for so the at-most-one-vote-per-term
// invariant survives a leader's heartbeats.
func (e *Election) HandleHeartbeat(term int64, leaderID string) (respTerm int64, success bool) {
	state := e.store.GetState()
	if term < state.CurrentTerm {
		return state.CurrentTerm, false
	}
	patched, err := e.store.SetState(func(s types.RaftState) types.RaftState {
		if term > s.CurrentTerm {
			s.VotedFor = ""
		}
		s.CurrentTerm = term
		s.LeaderID = leaderID
		return s
	})
	if err != nil {
		return state.CurrentTerm, false
	}
	e.resetDeadline()
	_, _ = e.store.AppendEntry(types.LogEntry{Term: term, Type: types.LogHeartbeatReceived, SourceNodeID: e.cfg.NodeID})
	return patched.CurrentTerm, true
}

// IsLeader reports whether this node currently believes itself the leader.
// Disabled mode always reports true.
func (e *Election) IsLeader() bool {
	if !e.cfg.Enabled {
		return true
	}
	return e.isLeader()
}

func (e *Election) isLeader() bool {
	return e.store.GetState().LeaderID == e.cfg.NodeID
}

// Status builds the ClusterStatus payload. peerStatuses carries
// per-peer liveness as tracked by the runtime; it is merged in as-is.
func (e *Election) Status(peerStatuses []types.PeerStatus) types.ClusterStatus {
	if !e.cfg.Enabled {
		return types.ClusterStatus{
			NodeID:   e.cfg.NodeID,
			Role:     types.RoleLeader,
			IsLeader: true,
			LeaderID: e.cfg.NodeID,
			Peers:    peerStatuses,
		}
	}

	state := e.store.GetState()
	role := types.RoleFollower
	switch {
	case state.LeaderID == e.cfg.NodeID:
		role = types.RoleLeader
	case e.electionInFlightSnapshot():
		role = types.RoleCandidate
	}

	return types.ClusterStatus{
		NodeID:       e.cfg.NodeID,
		Role:         role,
		Term:         state.CurrentTerm,
		VotedFor:     state.VotedFor,
		IsLeader:     state.LeaderID == e.cfg.NodeID,
		LeaderID:     state.LeaderID,
		LeaderURL:    e.leaderURL(state.LeaderID),
		CommitIndex:  state.CommitIndex,
		LastApplied:  state.LastApplied,
		LastLogIndex: state.LastLogIndex,
		LastLogTerm:  state.LastLogTerm,
		Peers:        peerStatuses,
	}
}

func (e *Election) electionInFlightSnapshot() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.electionInFlight
}

func (e *Election) leaderURL(leaderID string) string {
	if leaderID == "" {
		return ""
	}
	if leaderID == e.cfg.NodeID {
		return e.cfg.PublicURL
	}
	for _, p := range e.cfg.Peers {
		if p.ID == leaderID {
			return p.URL
		}
	}
	return ""
}

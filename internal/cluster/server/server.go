// Package server implements the node's HTTP control plane: status,
// election RPCs, and delta fetch, behind bearer-token auth and a body-size
// cap. Failures render a bare {error} JSON envelope.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"

	"github.com/untoldecay/BeadsMesh/internal/cluster/types"
)

// maxBodyBytes caps request bodies; anything larger yields 413.
const maxBodyBytes = 1 << 20 // 1 MiB

// defaultDeltaLimit is applied when a client omits limit.
const defaultDeltaLimit = 2000

// Election is the subset of election.Election the HTTP handlers need.
type Election interface {
	HandleRequestVote(term int64, candidateID string) (respTerm int64, granted bool, leaderID string)
	HandleHeartbeat(term int64, leaderID string) (respTerm int64, success bool)
	Status(peers []types.PeerStatus) types.ClusterStatus
}

// Replication is the subset of replication.Engine the delta endpoint needs.
type Replication interface {
	GetDeltaEvents(ctx context.Context, remoteVector types.VersionVector, limit int) ([]types.ClusterEvent, types.VersionVector, error)
}

// PeerStatuses supplies the per-peer liveness view merged into status
// responses.
type PeerStatuses func() []types.PeerStatus

// Config configures one Server instance.
type Config struct {
	ListenHost string
	ListenPort int
	AuthToken  string
}

func (c Config) isLoopback() bool {
	switch c.ListenHost {
	case "127.0.0.1", "::1", "localhost", "":
		return true
	}
	ip := net.ParseIP(c.ListenHost)
	return ip != nil && ip.IsLoopback()
}

// Server is the coordination core's HTTP control plane.
type Server struct {
	cfg         Config
	election    Election
	replication Replication
	peers       PeerStatuses

	httpServer *http.Server
}

var errRefuseNonLoopbackNoToken = errors.New("cluster server: refusing to bind a non-loopback host without an auth_token")

// New constructs a Server. Call Start to bind and begin serving.
func New(cfg Config, election Election, replication Replication, peers PeerStatuses) *Server {
	return &Server{cfg: cfg, election: election, replication: replication, peers: peers}
}

// Start binds the listener and serves in a background goroutine. It
// refuses to start if the host is non-loopback and no auth_token is
// configured.
func (s *Server) Start() error {
	if !s.cfg.isLoopback() && s.cfg.AuthToken == "" {
		return errRefuseNonLoopbackNoToken
	}

	mux := s.mux()

	addr := fmt.Sprintf("%s:%d", s.cfg.ListenHost, s.cfg.ListenPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{Handler: mux}
	go func() { _ = s.httpServer.Serve(listener) }()
	return nil
}

// mux builds the route table, including a catch-all that renders the
// {error} envelope for unknown routes instead of ServeMux's plain-text
// 404.
func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/cluster/v1/status", s.wrap(s.handleStatus))
	mux.HandleFunc("/cluster/v1/election/request-vote", s.wrap(s.handleRequestVote))
	mux.HandleFunc("/cluster/v1/election/heartbeat", s.wrap(s.handleHeartbeat))
	mux.HandleFunc("/cluster/v1/events/delta", s.wrap(s.handleDelta))
	mux.HandleFunc("/", s.wrap(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	}))
	return mux
}

// Stop gracefully shuts down the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// wrap applies auth, body-size limiting, and panic-to-500 recovery around
// a handler.
func (s *Server) wrap(h func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				writeError(w, http.StatusInternalServerError, fmt.Sprintf("internal error: %v", rec))
			}
		}()

		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "missing or invalid authorization")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		h(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	return strings.TrimPrefix(header, prefix) == s.cfg.AuthToken
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var peers []types.PeerStatus
	if s.peers != nil {
		peers = s.peers()
	}
	writeJSON(w, http.StatusOK, s.election.Status(peers))
}

type requestVoteBody struct {
	Term        int64  `json:"term"`
	CandidateID string `json:"candidate_id"`
}

type requestVoteResponse struct {
	Term        int64  `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
	LeaderID    string `json:"leader_id,omitempty"`
}

func (s *Server) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var body requestVoteBody
	if !decodeJSON(w, r, &body) {
		return
	}
	term, granted, leaderID := s.election.HandleRequestVote(body.Term, sanitizeID(body.CandidateID))
	writeJSON(w, http.StatusOK, requestVoteResponse{Term: term, VoteGranted: granted, LeaderID: leaderID})
}

type heartbeatBody struct {
	Term     int64  `json:"term"`
	LeaderID string `json:"leader_id"`
}

type heartbeatResponse struct {
	Term    int64 `json:"term"`
	Success bool  `json:"success"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body heartbeatBody
	if !decodeJSON(w, r, &body) {
		return
	}
	term, success := s.election.HandleHeartbeat(body.Term, sanitizeID(body.LeaderID))
	writeJSON(w, http.StatusOK, heartbeatResponse{Term: term, Success: success})
}

type deltaRequest struct {
	// VersionVector is decoded loosely: a malformed entry (non-numeric,
	// negative, non-finite) is dropped without failing the whole request.
	VersionVector map[string]any `json:"version_vector"`
	Limit         int            `json:"limit"`
}

type deltaResponse struct {
	Events        []types.ClusterEvent `json:"events"`
	VersionVector types.VersionVector  `json:"version_vector"`
}

func (s *Server) handleDelta(w http.ResponseWriter, r *http.Request) {
	var body deltaRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	vector := make(types.VersionVector, len(body.VersionVector))
	for actor, raw := range body.VersionVector {
		value, ok := counterValue(raw)
		if !ok {
			continue // non-finite, negative, or non-numeric entries are ignored
		}
		vector[sanitizeID(actor)] = value
	}

	limit := body.Limit
	if limit <= 0 {
		limit = defaultDeltaLimit
	}

	events, full, err := s.replication.GetDeltaEvents(r.Context(), vector, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deltaResponse{Events: events, VersionVector: full})
}

// counterValue converts one decoded version-vector entry to a usable
// actor counter. Decoded JSON numbers arrive as float64; anything else
// (strings, bools, objects, null), a negative value, or a non-finite
// value is rejected.
func counterValue(raw any) (int64, bool) {
	f, ok := raw.(float64)
	if !ok {
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, false
	}
	return int64(f), true
}

// sanitizeID falls back missing ids to "unknown"; Go's JSON decoding
// already rejects a non-string into a string field with a 400, so only
// the empty case needs handling.
func sanitizeID(id string) string {
	if id == "" {
		return "unknown"
	}
	return id
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) bool {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dest); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, "empty request body")
			return false
		}
		writeError(w, http.StatusBadRequest, "malformed JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}


package mnode

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/redcloudfiles/redcloud/internal/gossip"
	"github.com/redcloudfiles/redcloud/internal/metastore"
	"github.com/redcloudfiles/redcloud/internal/model"
)

// Server is the node-to-node control-plane HTTP server of §6, plus the
// SN-to-MN heartbeat endpoint of §4.8. It follows the teacher's
// mux/withAuth/jsonError shape (`coord.Server`): a bare ServeMux, a
// bearer-token middleware, and a uniform JSON error envelope.
type Server struct {
	mux       *http.ServeMux
	engine    *gossip.Engine
	registry  *gossip.Registry
	store     metastore.Store
	logger    zerolog.Logger
	nodeID    string
	address   string // this node's reachable advertise address, handed out in list-peers
	authToken string // shared secret for node-to-node calls, empty disables auth
}

// NewServer builds a Server and registers its routes.
func NewServer(nodeID, address string, engine *gossip.Engine, registry *gossip.Registry, store metastore.Store, authToken string, logger zerolog.Logger) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		engine:    engine,
		registry:  registry,
		store:     store,
		logger:    logger.With().Str("component", "mnode-server").Logger(),
		nodeID:    nodeID,
		address:   address,
		authToken: authToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/v1/control/list-peers", s.withAuth(s.handleListPeers))
	s.mux.HandleFunc("/v1/control/register-peer", s.withAuth(s.handleRegisterPeer))
	s.mux.HandleFunc("/v1/control/gossip-receive", s.withAuth(s.handleGossipReceive))
	s.mux.HandleFunc("/v1/control/state-summary", s.withAuth(s.handleStateSummary))
	s.mux.HandleFunc("/v1/control/fetch-entities", s.withAuth(s.handleFetchEntities))
	s.mux.HandleFunc("/v1/control/heartbeat", s.withAuth(s.handleHeartbeat))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handler exposes the mux for mounting under a shared listener alongside
// clientapi and /metrics, mirroring the teacher composing several route
// groups onto one *http.ServeMux.
func (s *Server) Handler() http.Handler {
	return s
}

// withAuth enforces the shared node-to-node bearer secret when one is
// configured; an empty authToken (the default) disables the check for
// local development and tests, matching the teacher's optional AuthToken.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.authToken == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] != s.authToken {
			s.jsonError(w, "invalid or missing bearer token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   http.StatusText(code),
		"code":    code,
		"message": message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers := s.registry.Peers()
	out := gossip.ListPeersResponse{
		Self:  gossip.PeerInfo{ID: s.nodeID, Address: s.address},
		Peers: make([]gossip.PeerInfo, 0, len(peers)),
	}
	for _, p := range peers {
		out.Peers = append(out.Peers, gossip.PeerInfo{ID: p.ID, Address: p.Address})
	}
	s.writeJSON(w, out)
}

// handleRegisterPeer accepts a self-registration and appends a
// peer_register gossip entry so the new peer's identity propagates
// through the whole MN mesh (§4.4 bootstrap, per bootstrap.go's comment
// that the receiving side owns this append).
func (s *Server) handleRegisterPeer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req gossip.RegisterPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	now := time.Now()
	s.registry.Upsert(req.ID, req.Address, now)

	ctx := r.Context()
	record := model.MetadataNodeRecord{ID: req.ID, Address: req.Address, LastSeen: now}
	record.Envelope = record.Envelope.Touch(s.nodeID, now)

	if err := s.store.PutMetadataNode(ctx, record); err != nil {
		s.logger.Warn().Err(err).Str("peer", req.ID).Msg("failed to persist registered peer")
	} else if seq, err := s.store.NextGossipSequence(ctx); err == nil {
		payload, _ := json.Marshal(record)
		_ = s.store.AppendGossipLogEntry(ctx, model.GossipLogEntry{
			Sequence:        seq,
			Kind:            model.KindMetadataNode,
			EntityID:        req.ID,
			Op:              model.OpPeerRegister,
			Payload:         payload,
			OriginatorClock: record.VectorClock,
			EmittedAt:       now,
		})
	}

	s.writeJSON(w, gossip.RegisterPeerResponse{OK: true})
}

func (s *Server) handleGossipReceive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req gossip.GossipReceiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.HandleGossipReceive(r.Context(), req); err != nil {
		s.jsonError(w, "gossip receive failed", http.StatusTooManyRequests)
		return
	}
	s.writeJSON(w, gossip.GossipReceiveResponse{OK: true})
}

func (s *Server) handleStateSummary(w http.ResponseWriter, r *http.Request) {
	resp, err := s.engine.HandleStateSummary(r.Context())
	if err != nil {
		s.jsonError(w, "failed to compute state summary", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleFetchEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req gossip.FetchEntitiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	resp, err := s.engine.HandleFetchEntities(r.Context(), req)
	if err != nil {
		s.jsonError(w, "fetch-entities failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, resp)
}

// heartbeatRequest is the SN-to-MN wire message of §6/§4.8.
type heartbeatRequest struct {
	NodeID   string `json:"node_id"`
	Address  string `json:"address"`
	Capacity int64  `json:"capacity"`
	Used     int64  `json:"used"`
}

// handleHeartbeat upserts the storage-node registry entry and emits a
// heartbeat-relay gossip entry so peer MNs learn the SN's liveness even
// though they never received the heartbeat directly (§4.8).
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	now := time.Now()
	existing, _, err := s.store.GetStorageNode(ctx, req.NodeID)
	if err != nil {
		s.jsonError(w, "failed to read storage node registry", http.StatusInternalServerError)
		return
	}

	sn := existing
	sn.ID = req.NodeID
	sn.Address = req.Address
	sn.LastHeartbeat = now
	sn.CapacityBytes = req.Capacity
	sn.UsedBytes = req.Used
	sn.Status = model.SNActive
	sn.Envelope = sn.Envelope.Touch(s.nodeID, now)

	if err := s.store.PutStorageNode(ctx, sn); err != nil {
		s.jsonError(w, "failed to persist heartbeat", http.StatusInternalServerError)
		return
	}

	if seq, err := s.store.NextGossipSequence(ctx); err == nil {
		payload, _ := json.Marshal(sn)
		_ = s.store.AppendGossipLogEntry(ctx, model.GossipLogEntry{
			Sequence:        seq,
			Kind:            model.KindStorageNode,
			EntityID:        sn.ID,
			Op:              model.OpHeartbeatRelay,
			Payload:         payload,
			OriginatorClock: sn.VectorClock,
			EmittedAt:       now,
		})
	} else {
		s.logger.Warn().Err(err).Str("sn", sn.ID).Msg("failed to assign gossip sequence for heartbeat relay")
	}

	s.writeJSON(w, map[string]bool{"ok": true})
}

// Package snode implements a storage node: the data-plane HTTP surface
// of §6 (write/read/delete/list/replicate/ping), backed by
// internal/chunkstore, plus the heartbeat loop that keeps a metadata node
// mesh informed of this node's liveness and capacity (§4.8).
package snode

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/redcloudfiles/redcloud/internal/chunkstore"
	"github.com/redcloudfiles/redcloud/internal/placement"
)

// Server is the SN data-plane HTTP server. It follows the same bare
// ServeMux + jsonError shape as mnode.Server and clientapi.Server.
type Server struct {
	mux       *http.ServeMux
	store     *chunkstore.Store
	index     *index
	validator chunkstore.Validator
	logger    zerolog.Logger
}

// NewServer builds a Server backed by store, tracking file/ordinal
// association in a JSON sidecar rooted at dataDir.
func NewServer(store *chunkstore.Store, dataDir string, logger zerolog.Logger) *Server {
	s := &Server{
		mux:    http.NewServeMux(),
		store:  store,
		index:  newIndex(dataDir),
		logger: logger.With().Str("component", "snode-server").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/v1/data/ping", s.handlePing)
	s.mux.HandleFunc("/v1/data/chunks", s.handleChunksCollection)
	s.mux.HandleFunc("/v1/data/chunks/", s.handleChunkByID)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
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

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleChunksCollection serves GET /v1/data/chunks (§6 list-chunks).
func (s *Server) handleChunksCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	infos, err := s.store.List(r.Context())
	if err != nil {
		s.jsonError(w, "failed to list chunks", http.StatusInternalServerError)
		return
	}
	out := make([]placement.ChunkSummary, 0, len(infos))
	for _, info := range infos {
		meta, _ := s.index.Get(info.ChunkID)
		out = append(out, placement.ChunkSummary{
			ChunkID:  info.ChunkID,
			FileID:   meta.FileID,
			Ordinal:  meta.Ordinal,
			Size:     info.Size,
			Checksum: info.Checksum,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleChunkByID dispatches PUT/GET/DELETE on a single chunk id, and
// POST .../replicate.
func (s *Server) handleChunkByID(w http.ResponseWriter, r *http.Request) {
	rest := r.URL.Path[len("/v1/data/chunks/"):]
	if rest == "" {
		s.jsonError(w, "missing chunk id", http.StatusNotFound)
		return
	}
	if idx := indexOfSlash(rest); idx >= 0 && rest[idx+1:] == "replicate" {
		s.handleReplicate(w, r, rest[:idx])
		return
	}

	switch r.Method {
	case http.MethodPut:
		s.handleWrite(w, r, rest)
	case http.MethodGet:
		s.handleRead(w, r, rest)
	case http.MethodDelete:
		s.handleDelete(w, r, rest)
	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func indexOfSlash(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// handleWrite implements the MN-to-SN write-chunk call: verify the body
// hashes to the claimed checksum and store it (§5, §6).
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, chunkID string) {
	fileID := r.Header.Get("X-Redcloud-File-Id")
	checksum := r.Header.Get("X-Redcloud-Checksum")
	ordinal, _ := strconv.Atoi(r.Header.Get("X-Redcloud-Ordinal"))

	if _, err := s.store.Write(r.Context(), chunkID, checksum, r.Body); err != nil {
		if err == chunkstore.ErrChecksumMismatch {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		s.logger.Warn().Err(err).Str("chunk", chunkID).Msg("chunk write failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.index.Put(chunkID, fileID, ordinal)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request, chunkID string) {
	rc, err := s.store.Read(r.Context(), chunkID)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer rc.Close()

	if info, err := s.store.List(r.Context()); err == nil {
		for _, i := range info {
			if i.ChunkID == chunkID {
				w.Header().Set("X-Redcloud-Checksum", i.Checksum)
				break
			}
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, chunkID string) {
	existed := s.store.Has(chunkID)
	if err := s.store.Delete(r.Context(), chunkID); err != nil {
		s.jsonError(w, "failed to delete chunk", http.StatusInternalServerError)
		return
	}
	s.index.Delete(chunkID)
	if !existed {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type replicateRequest struct {
	SourceAddress string `json:"source_address"`
}

// handleReplicate pulls chunkID from sourceAddress, another SN, over
// plain HTTP GET (§4.7 repair-driven replication).
func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request, chunkID string) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req replicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := http.Get("http://" + req.SourceAddress + "/v1/data/chunks/" + chunkID)
	if err != nil {
		s.jsonError(w, "failed to reach source", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.jsonError(w, "source did not return chunk", http.StatusBadGateway)
		return
	}
	checksum := resp.Header.Get("X-Redcloud-Checksum")

	if _, err := s.store.Write(r.Context(), chunkID, checksum, resp.Body); err != nil {
		s.jsonError(w, "failed to store replicated chunk", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Package clientapi is the thin HTTP+JSON layer described in §10.6: it
// performs the chunking-and-checksum split on upload, calls the core
// write/read/delete paths, and does nothing the core doesn't already
// provide. Authentication is a minimal wrapper around internal/auth, not
// part of the correctness envelope (§1).
package clientapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/redcloudfiles/redcloud/internal/auth"
	"github.com/redcloudfiles/redcloud/internal/chunkstore"
	"github.com/redcloudfiles/redcloud/internal/metastore"
	"github.com/redcloudfiles/redcloud/internal/model"
	"github.com/redcloudfiles/redcloud/internal/rerrors"
)

// defaultChunkSize matches config.MetadataNodeConfig's ChunkSize default;
// Server takes its own copy so it never has to import internal/config.
const defaultChunkSize = 4 * 1024 * 1024

// ChunkPlacer is the subset of placement.Coordinator this layer calls: the
// write/read/delete paths of §4.5, kept as a narrow interface so tests can
// substitute a fake without pulling in the whole placement package.
type ChunkPlacer interface {
	WriteChunk(ctx context.Context, fileID string, ordinal int, data []byte, checksum string) (model.ChunkDescriptor, error)
	ReadChunk(ctx context.Context, chunkID string) ([]byte, error)
	DeleteFile(ctx context.Context, fileID string) error
}

// Server wraps an MN's core (a metastore.Store and a ChunkPlacer) in a
// small HTTP+JSON API, per §10.6.
type Server struct {
	mux       *http.ServeMux
	store     metastore.Store
	placer    ChunkPlacer
	tokens    *auth.TokenService
	logger    zerolog.Logger
	chunkSize int
}

// NewServer builds a Server and registers its routes.
func NewServer(store metastore.Store, placer ChunkPlacer, tokens *auth.TokenService, logger zerolog.Logger) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		store:     store,
		placer:    placer,
		tokens:    tokens,
		logger:    logger.With().Str("component", "clientapi").Logger(),
		chunkSize: defaultChunkSize,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/v1/auth/login", s.handleLogin)
	s.mux.HandleFunc("/v1/files", s.withAuth(s.handleFilesCollection))
	s.mux.HandleFunc("/v1/files/", s.withAuth(s.handleFileByID))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type contextKey string

const claimsKey contextKey = "clientapi-claims"

// withAuth requires a valid bearer token minted by internal/auth and
// attaches its claims to the request context for handlers to read.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, rerrors.New(rerrors.NotFound, "missing bearer token"), http.StatusUnauthorized)
			return
		}
		claims, err := s.tokens.ValidateToken(parts[1])
		if err != nil {
			writeError(w, err, http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	}
}

func claimsFrom(r *http.Request) (*auth.Claims, bool) {
	claims, ok := r.Context().Value(claimsKey).(*auth.Claims)
	return claims, ok
}

// loginRequest is the POST /v1/auth/login body.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, rerrors.New(rerrors.Internal, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	user, ok, err := s.store.GetUserByUsername(ctx, req.Username)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	if !ok || !auth.VerifyPassword(user.PasswordVerifier, req.Password) {
		writeError(w, rerrors.New(rerrors.NotFound, "invalid credentials"), http.StatusUnauthorized)
		return
	}

	token, err := s.tokens.GenerateToken(user.ID, user.Username)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}

	now := time.Now()
	user.BearerToken = token
	user.TokenRotatedAt = now
	user.Envelope = user.Envelope.Touch(user.ID, now)
	if err := s.store.PutUser(ctx, user); err != nil {
		s.logger.Warn().Err(err).Str("user", user.ID).Msg("failed to persist token rotation stamp")
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

// handleFilesCollection dispatches POST /v1/files (upload) and
// GET /v1/files[?tag=] (list, optionally filtered by tag).
func (s *Server) handleFilesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		writeError(w, rerrors.New(rerrors.Internal, "method not allowed"), http.StatusMethodNotAllowed)
	}
}

// handleUpload implements §2's write flow: split the request body into
// ChunkSize pieces, checksum and write each through the placer, then
// record the file and its tag state.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, rerrors.New(rerrors.NotFound, "unauthenticated"), http.StatusUnauthorized)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, rerrors.New(rerrors.Internal, "missing name query parameter"), http.StatusBadRequest)
		return
	}
	tags := splitTags(r.URL.Query().Get("tags"))

	ctx := r.Context()
	validator := chunkstore.Validator{}
	fileID := uuid.NewString()

	var totalSize int64
	buf := make([]byte, s.chunkSize)
	ordinal := 0
	for {
		n, readErr := io.ReadFull(r.Body, buf)
		if n > 0 {
			piece := buf[:n]
			checksum, _, err := validator.Sum(bytes.NewReader(piece))
			if err != nil {
				writeError(w, err, http.StatusInternalServerError)
				return
			}
			if _, err := s.placer.WriteChunk(ctx, fileID, ordinal, piece, checksum); err != nil {
				writeError(w, err, statusFor(err))
				return
			}
			totalSize += int64(n)
			ordinal++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			writeError(w, readErr, http.StatusInternalServerError)
			return
		}
	}

	now := time.Now()
	displayName := name
	if existing, found, err := s.store.FindFileByOwnerAndName(ctx, claims.UserID, name); err == nil && found && !existing.Deleted {
		// O1: preserve both files under distinct stable identifiers; the
		// newly-arriving file's Name gets a "-conflict-<id8>" suffix and its
		// DisplayName a " (conflict <id8>)" suffix; its stored chunks and id
		// are untouched.
		name = name + "-conflict-" + fileID[:8]
		displayName = displayName + " (conflict " + fileID[:8] + ")"
	}

	file := model.File{
		ID:          fileID,
		OwnerID:     claims.UserID,
		Name:        name,
		DisplayName: displayName,
		Size:        totalSize,
		CreatedAt:   now,
	}
	file.Envelope = file.Envelope.Touch(claims.UserID, now)

	if err := s.appendGossip(ctx, model.KindFile, fileID, model.OpCreate, file.Envelope, file, func() error {
		return s.store.PutFile(ctx, file)
	}); err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}

	if len(tags) > 0 {
		present := make(map[string]struct{}, len(tags))
		for _, tag := range tags {
			present[tag] = struct{}{}
		}
		tagState := model.TagState{FileID: fileID, Present: present, Tombstones: map[string]time.Time{}}
		tagState.Envelope = tagState.Envelope.Touch(claims.UserID, now)
		if err := s.appendGossip(ctx, model.KindTagState, fileID, model.OpCreate, tagState.Envelope, tagState.ToWire(), func() error {
			return s.store.PutTagState(ctx, tagState)
		}); err != nil {
			s.logger.Warn().Err(err).Str("file", fileID).Msg("failed to persist initial tag state")
		}
	}

	writeJSON(w, http.StatusCreated, fileResponse(file, tags))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, rerrors.New(rerrors.NotFound, "unauthenticated"), http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	var files []model.File
	var err error
	if tag := r.URL.Query().Get("tag"); tag != "" {
		files, err = s.store.ListFilesByTag(ctx, claims.UserID, tag)
	} else {
		files, err = s.store.ListFilesByOwner(ctx, claims.UserID)
	}
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}

	out := make([]fileSummary, 0, len(files))
	for _, f := range files {
		if f.Deleted {
			continue
		}
		out = append(out, fileSummary{ID: f.ID, Name: f.Name, DisplayName: f.DisplayName, Size: f.Size, CreatedAt: f.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	writeJSON(w, http.StatusOK, out)
}

// handleFileByID dispatches GET /v1/files/{id} (download), DELETE
// /v1/files/{id} and the /v1/files/{id}/tags[/{tag}] tag-mutation
// sub-resource (§4.6's set-convergent tag edits, exposed here since the
// upload-time tags query param only covers a file's initial tag set).
func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/files/")
	if rest == "" {
		writeError(w, rerrors.New(rerrors.NotFound, "missing file id"), http.StatusNotFound)
		return
	}

	if id, tagPath, ok := strings.Cut(rest, "/tags"); ok {
		tagPath = strings.TrimPrefix(tagPath, "/")
		switch r.Method {
		case http.MethodPost:
			s.handleAddTag(w, r, id)
		case http.MethodDelete:
			if tagPath == "" {
				writeError(w, rerrors.New(rerrors.NotFound, "missing tag name"), http.StatusNotFound)
				return
			}
			s.handleRemoveTag(w, r, id, tagPath)
		default:
			writeError(w, rerrors.New(rerrors.Internal, "method not allowed"), http.StatusMethodNotAllowed)
		}
		return
	}

	id := rest
	switch r.Method {
	case http.MethodGet:
		s.handleDownload(w, r, id)
	case http.MethodDelete:
		s.handleDelete(w, r, id)
	default:
		writeError(w, rerrors.New(rerrors.Internal, "method not allowed"), http.StatusMethodNotAllowed)
	}
}

type tagRequest struct {
	Tag string `json:"tag"`
}

// handleAddTag implements the "add tag x to file F" half of S4: it merges
// the tag into Present, clears any prior tombstone for it in the local
// copy, and gossips the resulting snapshot. ResolveTagState lets a
// tombstone win over presence, so merging with a replica that still holds
// the tombstone removes the tag again.
func (s *Server) handleAddTag(w http.ResponseWriter, r *http.Request, fileID string) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, rerrors.New(rerrors.NotFound, "unauthenticated"), http.StatusUnauthorized)
		return
	}
	var req tagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tag == "" {
		writeError(w, rerrors.New(rerrors.Internal, "missing tag"), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	file, found, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	if !found || file.Deleted || file.OwnerID != claims.UserID {
		writeError(w, rerrors.New(rerrors.NotFound, "file not found"), http.StatusNotFound)
		return
	}

	tagState, found, err := s.store.GetTagState(ctx, fileID)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	if !found {
		tagState = model.TagState{FileID: fileID, Present: map[string]struct{}{}, Tombstones: map[string]time.Time{}}
	}
	if tagState.Present == nil {
		tagState.Present = map[string]struct{}{}
	}
	tagState.Present[req.Tag] = struct{}{}
	delete(tagState.Tombstones, req.Tag)

	now := time.Now()
	tagState.Envelope = tagState.Envelope.Touch(claims.UserID, now)
	if err := s.appendGossip(ctx, model.KindTagState, fileID, model.OpUpdate, tagState.Envelope, tagState.ToWire(), func() error {
		return s.store.PutTagState(ctx, tagState)
	}); err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tagsResponse(tagState))
}

// handleRemoveTag implements the "remove x" half of S4: it drops the tag
// from Present and records a tombstone stamped now, so anti-entropy never
// resurrects it from a peer that only saw the add.
func (s *Server) handleRemoveTag(w http.ResponseWriter, r *http.Request, fileID, tag string) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, rerrors.New(rerrors.NotFound, "unauthenticated"), http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	file, found, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	if !found || file.Deleted || file.OwnerID != claims.UserID {
		writeError(w, rerrors.New(rerrors.NotFound, "file not found"), http.StatusNotFound)
		return
	}

	tagState, found, err := s.store.GetTagState(ctx, fileID)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	if !found {
		tagState = model.TagState{FileID: fileID, Present: map[string]struct{}{}, Tombstones: map[string]time.Time{}}
	}

	now := time.Now()
	delete(tagState.Present, tag)
	if tagState.Tombstones == nil {
		tagState.Tombstones = map[string]time.Time{}
	}
	tagState.Tombstones[tag] = now
	tagState.Envelope = tagState.Envelope.Touch(claims.UserID, now)

	if err := s.appendGossip(ctx, model.KindTagState, fileID, model.OpTombstoneTag, tagState.Envelope, tagState.ToWire(), func() error {
		return s.store.PutTagState(ctx, tagState)
	}); err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tagsResponse(tagState))
}

func tagsResponse(t model.TagState) map[string]interface{} {
	tags := make([]string, 0, len(t.Present))
	for tag := range t.Present {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return map[string]interface{}{"file_id": t.FileID, "tags": tags}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, fileID string) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, rerrors.New(rerrors.NotFound, "unauthenticated"), http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	file, found, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	if !found || file.Deleted || file.OwnerID != claims.UserID {
		writeError(w, rerrors.New(rerrors.NotFound, "file not found"), http.StatusNotFound)
		return
	}

	chunks, err := s.store.ListChunksByFile(ctx, fileID)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Ordinal < chunks[j].Ordinal })

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Name))
	for _, chunk := range chunks {
		data, err := s.placer.ReadChunk(ctx, chunk.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", fileID).Str("chunk", chunk.ID).Msg("download aborted: chunk unavailable")
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, fileID string) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, rerrors.New(rerrors.NotFound, "unauthenticated"), http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	file, found, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	if !found || file.OwnerID != claims.UserID {
		writeError(w, rerrors.New(rerrors.NotFound, "file not found"), http.StatusNotFound)
		return
	}

	if err := s.placer.DeleteFile(ctx, fileID); err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// appendGossip persists a local mutation and appends its gossip-log
// entry, the same shape placement.Coordinator.appendUpdate uses, kept as
// a private duplicate here since clientapi must not import placement's
// unexported helpers.
func (s *Server) appendGossip(ctx context.Context, kind model.EntityKind, entityID string, op model.OpKind, envelope model.Envelope, snapshot interface{}, mutate func() error) error {
	if err := mutate(); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal gossip payload: %w", err)
	}
	seq, err := s.store.NextGossipSequence(ctx)
	if err != nil {
		return err
	}
	return s.store.AppendGossipLogEntry(ctx, model.GossipLogEntry{
		Sequence:        seq,
		Kind:            kind,
		EntityID:        entityID,
		Op:              op,
		Payload:         payload,
		OriginatorClock: envelope.VectorClock,
		EmittedAt:       envelope.ModifiedAt,
	})
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type fileSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

func fileResponse(f model.File, tags []string) map[string]interface{} {
	return map[string]interface{}{
		"id":           f.ID,
		"name":         f.Name,
		"display_name": f.DisplayName,
		"size":         f.Size,
		"created_at":   f.CreatedAt,
		"tags":         tags,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, status int) {
	msg := err.Error()
	if rerr, ok := err.(*rerrors.Error); ok {
		msg = rerr.Message
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(err error) int {
	return rerrors.HTTPStatus(rerrors.KindOf(err))
}

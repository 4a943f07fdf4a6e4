package clientapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redcloudfiles/redcloud/internal/auth"
	"github.com/redcloudfiles/redcloud/internal/metastore"
	"github.com/redcloudfiles/redcloud/internal/model"
	"github.com/redcloudfiles/redcloud/internal/testutil"
)

// fakePlacer is an in-memory ChunkPlacer stand-in, keyed by chunk id, so
// these tests exercise clientapi's own logic (chunking, auth, gossip
// bookkeeping) without pulling in placement.Coordinator's SN fan-out. Like
// the Coordinator, it records chunk descriptors and file tombstones in the
// metastore the server reads from.
type fakePlacer struct {
	mu           sync.Mutex
	store        metastore.Store
	chunks       map[string][]byte
	deletedFiles map[string]bool
}

func newFakePlacer(store metastore.Store) *fakePlacer {
	return &fakePlacer{store: store, chunks: map[string][]byte{}, deletedFiles: map[string]bool{}}
}

func (p *fakePlacer) WriteChunk(ctx context.Context, fileID string, ordinal int, data []byte, checksum string) (model.ChunkDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("%s-%d", fileID, ordinal)
	cp := make([]byte, len(data))
	copy(cp, data)
	p.chunks[id] = cp
	desc := model.ChunkDescriptor{ID: id, FileID: fileID, Ordinal: ordinal, Size: int64(len(data)), Checksum: checksum}
	if err := p.store.PutChunk(ctx, desc); err != nil {
		return model.ChunkDescriptor{}, err
	}
	return desc, nil
}

func (p *fakePlacer) ReadChunk(ctx context.Context, chunkID string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.chunks[chunkID]
	if !ok {
		return nil, fmt.Errorf("chunk %s not found", chunkID)
	}
	return data, nil
}

func (p *fakePlacer) DeleteFile(ctx context.Context, fileID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletedFiles[fileID] = true
	file, found, err := p.store.GetFile(ctx, fileID)
	if err != nil || !found {
		return err
	}
	now := time.Now()
	file.Deleted = true
	file.TombstonedAt = now
	file.Envelope = file.Envelope.Touch("fake-placer", now)
	return p.store.PutFile(ctx, file)
}

func newTestServer(t *testing.T) (*Server, *auth.TokenService, string) {
	t.Helper()
	store := testutil.NewStore(t)
	tokens := auth.NewTokenService("test-signing-key")
	srv := NewServer(store, newFakePlacer(store), tokens, testutil.NopLogger())

	verifier, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	user := model.User{ID: "u1", Username: "alice", PasswordVerifier: verifier, CreatedAt: time.Now()}
	user.Envelope = user.Envelope.Touch("u1", time.Now())
	require.NoError(t, store.PutUser(context.Background(), user))

	token, err := tokens.GenerateToken(user.ID, user.Username)
	require.NoError(t, err)
	return srv, tokens, token
}

func TestLoginSucceedsWithValidCredentials(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"username": "alice", "password": "hunter2"})
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp loginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.Token)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"username": "alice", "password": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	srv, _, token := newTestServer(t)

	content := bytes.Repeat([]byte("x"), 10)
	req := httptest.NewRequest(http.MethodPost, "/v1/files?name=a.txt&tags=t1,t2", bytes.NewReader(content))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var uploaded map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&uploaded))
	fileID := uploaded["id"].(string)
	require.Equal(t, "a.txt", uploaded["name"])

	dlReq := httptest.NewRequest(http.MethodGet, "/v1/files/"+fileID, nil)
	dlReq.Header.Set("Authorization", "Bearer "+token)
	dlRec := httptest.NewRecorder()
	srv.ServeHTTP(dlRec, dlReq)
	require.Equal(t, http.StatusOK, dlRec.Code)
	require.Equal(t, content, dlRec.Body.Bytes())
}

func TestUploadNameCollisionSuffixesLoserOnly(t *testing.T) {
	srv, _, token := newTestServer(t)

	upload := func(body string) map[string]interface{} {
		req := httptest.NewRequest(http.MethodPost, "/v1/files?name=dup.txt", bytes.NewReader([]byte(body)))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code)
		var resp map[string]interface{}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		return resp
	}

	first := upload("one")
	second := upload("two")

	require.Equal(t, "dup.txt", first["name"])
	require.NotEqual(t, first["id"], second["id"])
	require.Contains(t, second["name"], "dup.txt-conflict-")
	require.Contains(t, second["display_name"], "conflict")
}

func TestListFiltersDeletedAndByTag(t *testing.T) {
	srv, _, token := newTestServer(t)

	post := func(name, tags, body string) string {
		req := httptest.NewRequest(http.MethodPost, "/v1/files?name="+name+"&tags="+tags, bytes.NewReader([]byte(body)))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code)
		var resp map[string]interface{}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		return resp["id"].(string)
	}

	keptID := post("keep.txt", "keep-tag", "a")
	deletedID := post("gone.txt", "keep-tag", "b")

	delReq := httptest.NewRequest(http.MethodDelete, "/v1/files/"+deletedID, nil)
	delReq.Header.Set("Authorization", "Bearer "+token)
	delRec := httptest.NewRecorder()
	srv.ServeHTTP(delRec, delReq)
	require.Equal(t, http.StatusNoContent, delRec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/v1/files?tag=keep-tag", nil)
	listReq.Header.Set("Authorization", "Bearer "+token)
	listRec := httptest.NewRecorder()
	srv.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)

	var files []fileSummary
	require.NoError(t, json.NewDecoder(listRec.Body).Decode(&files))
	require.Len(t, files, 1)
	require.Equal(t, keptID, files[0].ID)
}

func TestTagAddThenRemoveRoundTrip(t *testing.T) {
	srv, _, token := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/files?name=f.txt", bytes.NewReader([]byte("data")))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	var uploaded map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&uploaded))
	fileID := uploaded["id"].(string)

	addBody, _ := json.Marshal(map[string]string{"tag": "urgent"})
	addReq := httptest.NewRequest(http.MethodPost, "/v1/files/"+fileID+"/tags", bytes.NewReader(addBody))
	addReq.Header.Set("Authorization", "Bearer "+token)
	addRec := httptest.NewRecorder()
	srv.ServeHTTP(addRec, addReq)
	require.Equal(t, http.StatusOK, addRec.Code)

	var afterAdd map[string]interface{}
	require.NoError(t, json.NewDecoder(addRec.Body).Decode(&afterAdd))
	require.Contains(t, afterAdd["tags"], "urgent")

	rmReq := httptest.NewRequest(http.MethodDelete, "/v1/files/"+fileID+"/tags/urgent", nil)
	rmReq.Header.Set("Authorization", "Bearer "+token)
	rmRec := httptest.NewRecorder()
	srv.ServeHTTP(rmRec, rmReq)
	require.Equal(t, http.StatusOK, rmRec.Code)

	var afterRemove map[string]interface{}
	require.NoError(t, json.NewDecoder(rmRec.Body).Decode(&afterRemove))
	require.NotContains(t, afterRemove["tags"], "urgent")
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/files", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}


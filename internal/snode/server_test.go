package snode

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redcloudfiles/redcloud/internal/chunkstore"
	"github.com/redcloudfiles/redcloud/internal/placement"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	store, err := chunkstore.New(dir)
	require.NoError(t, err)
	return NewServer(store, dir, zerolog.Nop())
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	data := []byte("hello chunk")
	checksum := checksumOf(data)

	req := httptest.NewRequest(http.MethodPut, "/v1/data/chunks/chunk-1", bytes.NewReader(data))
	req.Header.Set("X-Redcloud-File-Id", "file-1")
	req.Header.Set("X-Redcloud-Ordinal", "0")
	req.Header.Set("X-Redcloud-Checksum", checksum)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)

	readReq := httptest.NewRequest(http.MethodGet, "/v1/data/chunks/chunk-1", nil)
	readW := httptest.NewRecorder()
	srv.ServeHTTP(readW, readReq)
	assert.Equal(t, http.StatusOK, readW.Code)
	assert.Equal(t, checksum, readW.Header().Get("X-Redcloud-Checksum"))
	body, err := io.ReadAll(readW.Body)
	require.NoError(t, err)
	assert.Equal(t, data, body)
}

func TestWriteChecksumMismatchRejected(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPut, "/v1/data/chunks/chunk-1", bytes.NewReader([]byte("data")))
	req.Header.Set("X-Redcloud-Checksum", "not-the-real-checksum")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestReadMissingChunkReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/data/chunks/missing", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	data := []byte("payload")
	checksum := checksumOf(data)
	writeReq := httptest.NewRequest(http.MethodPut, "/v1/data/chunks/chunk-2", bytes.NewReader(data))
	writeReq.Header.Set("X-Redcloud-Checksum", checksum)
	srv.ServeHTTP(httptest.NewRecorder(), writeReq)

	first := httptest.NewRecorder()
	srv.ServeHTTP(first, httptest.NewRequest(http.MethodDelete, "/v1/data/chunks/chunk-2", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	srv.ServeHTTP(second, httptest.NewRequest(http.MethodDelete, "/v1/data/chunks/chunk-2", nil))
	assert.Equal(t, http.StatusNotFound, second.Code)
}

func TestListChunksReportsFileAndOrdinal(t *testing.T) {
	srv := newTestServer(t)
	data := []byte("listed")
	checksum := checksumOf(data)
	writeReq := httptest.NewRequest(http.MethodPut, "/v1/data/chunks/chunk-3", bytes.NewReader(data))
	writeReq.Header.Set("X-Redcloud-File-Id", "file-9")
	writeReq.Header.Set("X-Redcloud-Ordinal", "3")
	writeReq.Header.Set("X-Redcloud-Checksum", checksum)
	srv.ServeHTTP(httptest.NewRecorder(), writeReq)

	listW := httptest.NewRecorder()
	srv.ServeHTTP(listW, httptest.NewRequest(http.MethodGet, "/v1/data/chunks", nil))
	require.Equal(t, http.StatusOK, listW.Code)

	var summaries []placement.ChunkSummary
	require.NoError(t, json.NewDecoder(listW.Body).Decode(&summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "file-9", summaries[0].FileID)
	assert.Equal(t, 3, summaries[0].Ordinal)
	assert.Equal(t, checksum, summaries[0].Checksum)
}

func TestPing(t *testing.T) {
	srv := newTestServer(t)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/data/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReplicatePullsFromSource(t *testing.T) {
	source := newTestServer(t)
	data := []byte("replicated bytes")
	checksum := checksumOf(data)
	writeReq := httptest.NewRequest(http.MethodPut, "/v1/data/chunks/chunk-4", bytes.NewReader(data))
	writeReq.Header.Set("X-Redcloud-Checksum", checksum)
	source.ServeHTTP(httptest.NewRecorder(), writeReq)

	sourceHTTP := httptest.NewServer(source)
	defer sourceHTTP.Close()

	dest := newTestServer(t)
	body, _ := json.Marshal(replicateRequest{SourceAddress: sourceHTTP.Listener.Addr().String()})
	replicateReq := httptest.NewRequest(http.MethodPost, "/v1/data/chunks/chunk-4/replicate", bytes.NewReader(body))
	w := httptest.NewRecorder()
	dest.ServeHTTP(w, replicateReq)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, dest.store.Has("chunk-4"))
}

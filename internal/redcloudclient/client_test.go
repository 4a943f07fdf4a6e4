package redcloudclient

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redcloudfiles/redcloud/internal/auth"
	"github.com/redcloudfiles/redcloud/internal/clientapi"
	"github.com/redcloudfiles/redcloud/internal/metastore"
	"github.com/redcloudfiles/redcloud/internal/model"
	"github.com/redcloudfiles/redcloud/internal/testutil"
)

// fakePlacer mirrors clientapi's own test double; kept separate since
// clientapi's is unexported and this package tests the client, not the
// server, against a real clientapi.Server instance.
type fakePlacer struct {
	store  metastore.Store
	chunks map[string][]byte
}

func newFakePlacer(store metastore.Store) *fakePlacer {
	return &fakePlacer{store: store, chunks: map[string][]byte{}}
}

func (p *fakePlacer) WriteChunk(ctx context.Context, fileID string, ordinal int, data []byte, checksum string) (model.ChunkDescriptor, error) {
	id := fileID + "-chunk"
	p.chunks[id] = append([]byte(nil), data...)
	return model.ChunkDescriptor{ID: id, FileID: fileID, Ordinal: ordinal, Size: int64(len(data)), Checksum: checksum}, nil
}

func (p *fakePlacer) ReadChunk(ctx context.Context, chunkID string) ([]byte, error) {
	return p.chunks[chunkID], nil
}

func (p *fakePlacer) DeleteFile(ctx context.Context, fileID string) error {
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

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	store := testutil.NewStore(t)
	tokens := auth.NewTokenService("test-signing-key")
	srv := clientapi.NewServer(store, newFakePlacer(store), tokens, testutil.NopLogger())

	verifier, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	user := model.User{ID: "u1", Username: "alice", PasswordVerifier: verifier, CreatedAt: time.Now()}
	user.Envelope = user.Envelope.Touch("u1", time.Now())
	require.NoError(t, store.PutUser(context.Background(), user))

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, ts.URL
}

func TestClientLoginUploadListDownloadDelete(t *testing.T) {
	_, baseURL := newTestServer(t)
	client := New(baseURL, "")

	token, err := client.Login("alice", "hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	result, err := client.Upload("report.csv", []string{"finance"}, strings.NewReader("a,b,c"))
	require.NoError(t, err)
	require.Equal(t, "report.csv", result.Name)
	require.EqualValues(t, 5, result.Size)

	files, err := client.List("finance")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, result.ID, files[0].ID)

	rc, filename, err := client.Download(result.ID)
	require.NoError(t, err)
	defer rc.Close()
	require.Equal(t, "report.csv", filename)

	require.NoError(t, client.Delete(result.ID))

	files, err = client.List("")
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestClientAddAndRemoveTag(t *testing.T) {
	_, baseURL := newTestServer(t)
	client := New(baseURL, "")
	_, err := client.Login("alice", "hunter2")
	require.NoError(t, err)

	result, err := client.Upload("note.txt", nil, strings.NewReader("hi"))
	require.NoError(t, err)

	tags, err := client.AddTag(result.ID, "urgent")
	require.NoError(t, err)
	require.Contains(t, tags, "urgent")

	tags, err = client.RemoveTag(result.ID, "urgent")
	require.NoError(t, err)
	require.NotContains(t, tags, "urgent")
}

func TestClientLoginRejectsBadCredentials(t *testing.T) {
	_, baseURL := newTestServer(t)
	client := New(baseURL, "")

	_, err := client.Login("alice", "wrong-password")
	require.Error(t, err)
}

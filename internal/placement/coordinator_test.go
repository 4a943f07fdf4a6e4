package placement

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/redcloudfiles/redcloud/internal/chunkstore"
	"github.com/redcloudfiles/redcloud/internal/metastore"
	"github.com/redcloudfiles/redcloud/internal/model"
)

// fakeSN is one storage node's in-memory blob state, used to back
// fakeSNTransport without a real HTTP server.
type fakeSN struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	failWrites  bool
	failDeletes bool
}

// fakeSNTransport implements SNTransport over a set of in-memory fakeSNs
// keyed by address, exercising the coordinator's fan-out logic without a
// network.
type fakeSNTransport struct {
	mu    sync.Mutex
	nodes map[string]*fakeSN
}

func newFakeSNTransport() *fakeSNTransport {
	return &fakeSNTransport{nodes: make(map[string]*fakeSN)}
}

func (f *fakeSNTransport) node(address string) *fakeSN {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[address]
	if !ok {
		n = &fakeSN{blobs: make(map[string][]byte)}
		f.nodes[address] = n
	}
	return n
}

func (f *fakeSNTransport) WriteChunk(ctx context.Context, address string, hdr WriteHeader, body io.Reader) (WriteOutcome, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	n := f.node(address)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failWrites {
		return "", context.DeadlineExceeded
	}
	n.blobs[hdr.ChunkID] = data
	return WriteOK, nil
}

func (f *fakeSNTransport) ReadChunk(ctx context.Context, address, chunkID string) (io.ReadCloser, string, error) {
	n := f.node(address)
	n.mu.Lock()
	defer n.mu.Unlock()
	data, ok := n.blobs[chunkID]
	if !ok {
		return nil, "", context.DeadlineExceeded
	}
	sum, _, _ := chunkstore.Validator{}.Sum(bytes.NewReader(data))
	return io.NopCloser(bytes.NewReader(data)), sum, nil
}

func (f *fakeSNTransport) DeleteChunk(ctx context.Context, address, chunkID string) (bool, error) {
	n := f.node(address)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failDeletes {
		return false, context.DeadlineExceeded
	}
	_, existed := n.blobs[chunkID]
	delete(n.blobs, chunkID)
	return existed, nil
}

func (f *fakeSNTransport) ListChunks(ctx context.Context, address string) ([]ChunkSummary, error) {
	return nil, nil
}

func (f *fakeSNTransport) ReplicateChunk(ctx context.Context, address, chunkID, sourceAddress string) error {
	src := f.node(sourceAddress)
	src.mu.Lock()
	data, ok := src.blobs[chunkID]
	src.mu.Unlock()
	if !ok {
		return context.DeadlineExceeded
	}
	dst := f.node(address)
	dst.mu.Lock()
	dst.blobs[chunkID] = data
	dst.mu.Unlock()
	return nil
}

func (f *fakeSNTransport) Ping(ctx context.Context, address string) error { return nil }

var _ SNTransport = (*fakeSNTransport)(nil)

func newTestCoordinator(t *testing.T, transport *fakeSNTransport, store metastore.Store) *Coordinator {
	t.Helper()
	return NewCoordinator(CoordinatorConfig{
		NodeID:    "m1",
		Store:     store,
		Transport: transport,
		Logger:    zerolog.Nop(),
	})
}

func putActiveSN(t *testing.T, store metastore.Store, id, address string) {
	t.Helper()
	require.NoError(t, store.PutStorageNode(context.Background(), model.StorageNodeRecord{
		ID: id, Address: address, Status: model.SNActive, LastHeartbeat: time.Now(),
	}))
}

func TestWriteChunkReplicatesToEveryActiveSN(t *testing.T) {
	ctx := context.Background()
	store, err := metastore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	transport := newFakeSNTransport()
	putActiveSN(t, store, "s1", "s1:7200")
	putActiveSN(t, store, "s2", "s2:7200")
	putActiveSN(t, store, "s3", "s3:7200")

	coord := newTestCoordinator(t, transport, store)

	data := bytes.Repeat([]byte{'x'}, 1024)
	sum, _, err := chunkstore.Validator{}.Sum(bytes.NewReader(data))
	require.NoError(t, err)

	descriptor, err := coord.WriteChunk(ctx, "file-1", 0, data, sum)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), descriptor.Size)

	// Give straggler-absorption goroutines a beat to finish so all three
	// location facts land before assertion.
	time.Sleep(50 * time.Millisecond)

	locs, ok, err := store.GetChunkLocations(ctx, descriptor.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, locs.Locations, 3)
}

func TestWriteChunkFailsWithNoActiveSN(t *testing.T) {
	ctx := context.Background()
	store, err := metastore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	coord := newTestCoordinator(t, newFakeSNTransport(), store)
	_, err = coord.WriteChunk(ctx, "file-1", 0, []byte("data"), "deadbeef")
	require.Error(t, err)
}

func TestReadChunkVerifiesChecksum(t *testing.T) {
	ctx := context.Background()
	store, err := metastore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	transport := newFakeSNTransport()
	putActiveSN(t, store, "s1", "s1:7200")
	coord := newTestCoordinator(t, transport, store)

	data := []byte("hello world")
	sum, _, err := chunkstore.Validator{}.Sum(bytes.NewReader(data))
	require.NoError(t, err)

	descriptor, err := coord.WriteChunk(ctx, "file-1", 0, data, sum)
	require.NoError(t, err)

	got, err := coord.ReadChunk(ctx, descriptor.ID)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestReadChunkUnavailableWhenAllHoldersFail(t *testing.T) {
	ctx := context.Background()
	store, err := metastore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	transport := newFakeSNTransport()
	putActiveSN(t, store, "s1", "s1:7200")
	coord := newTestCoordinator(t, transport, store)

	data := []byte("hello world")
	sum, _, err := chunkstore.Validator{}.Sum(bytes.NewReader(data))
	require.NoError(t, err)
	descriptor, err := coord.WriteChunk(ctx, "file-1", 0, data, sum)
	require.NoError(t, err)

	// Simulate s1 going away: drop its blob out from under the location fact.
	_, _ = transport.DeleteChunk(ctx, "s1:7200", descriptor.ID)

	_, err = coord.ReadChunk(ctx, descriptor.ID)
	require.Error(t, err)

	// Location facts must survive an unavailable read (§4.5 read step 4).
	locs, ok, err := store.GetChunkLocations(ctx, descriptor.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, locs.Locations, "s1")
}

func TestDeleteFileRemovesChunksFromEverySN(t *testing.T) {
	ctx := context.Background()
	store, err := metastore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	transport := newFakeSNTransport()
	putActiveSN(t, store, "s1", "s1:7200")
	coord := newTestCoordinator(t, transport, store)

	data := []byte("hello world")
	sum, _, err := chunkstore.Validator{}.Sum(bytes.NewReader(data))
	require.NoError(t, err)
	descriptor, err := coord.WriteChunk(ctx, "file-1", 0, data, sum)
	require.NoError(t, err)

	require.NoError(t, store.PutFile(ctx, model.File{ID: "file-1", OwnerID: "u1", Name: "a.txt"}))

	require.NoError(t, coord.DeleteFile(ctx, "file-1"))

	file, ok, err := store.GetFile(ctx, "file-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, file.Deleted)

	_, ok, err = store.GetChunk(ctx, descriptor.ID)
	require.NoError(t, err)
	require.False(t, ok, "chunk descriptor should be GC'd once every SN acknowledges the delete")
}

func TestDeleteFileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := metastore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	coord := newTestCoordinator(t, newFakeSNTransport(), store)
	require.NoError(t, store.PutFile(ctx, model.File{ID: "file-1", OwnerID: "u1", Name: "a.txt"}))

	require.NoError(t, coord.DeleteFile(ctx, "file-1"))
	require.NoError(t, coord.DeleteFile(ctx, "file-1"))
}

package placement

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/redcloudfiles/redcloud/internal/chunkstore"
	"github.com/redcloudfiles/redcloud/internal/metastore"
	"github.com/redcloudfiles/redcloud/internal/model"
)

func TestGCRoundRetriesStalledDelete(t *testing.T) {
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

	// s1 refuses the delete on the first pass, so DeleteFile's inline
	// attempt leaves the location fact (and the descriptor) behind.
	transport.node("s1:7200").failDeletes = true
	require.NoError(t, coord.DeleteFile(ctx, "file-1"))

	_, ok, err := store.GetChunk(ctx, descriptor.ID)
	require.NoError(t, err)
	require.True(t, ok, "descriptor must survive a failed SN delete")

	// s1 recovers; the GC round should now finish what DeleteFile couldn't.
	transport.node("s1:7200").failDeletes = false
	gc := NewGCManager(GCConfig{NodeID: "m1", Store: store, Logger: zerolog.Nop()}, coord)
	gc.gcRound(ctx)

	_, ok, err = store.GetChunk(ctx, descriptor.ID)
	require.NoError(t, err)
	require.False(t, ok, "gc round must garbage-collect the descriptor once every SN has acked")
}

func TestGCRoundSkipsFilesWithinRetentionWindow(t *testing.T) {
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

	transport.node("s1:7200").failDeletes = true
	require.NoError(t, coord.DeleteFile(ctx, "file-1"))
	transport.node("s1:7200").failDeletes = false

	gc := NewGCManager(GCConfig{NodeID: "m1", Store: store, Logger: zerolog.Nop(), Retention: time.Hour}, coord)
	gc.gcRound(ctx)

	_, ok, err := store.GetChunk(ctx, descriptor.ID)
	require.NoError(t, err)
	require.True(t, ok, "a file tombstoned moments ago must not be swept before its retention window elapses")
}

func TestGCRoundIgnoresNonTombstonedFiles(t *testing.T) {
	ctx := context.Background()
	store, err := metastore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	transport := newFakeSNTransport()
	putActiveSN(t, store, "s1", "s1:7200")
	coord := newTestCoordinator(t, transport, store)

	data := []byte("still alive")
	sum, _, err := chunkstore.Validator{}.Sum(bytes.NewReader(data))
	require.NoError(t, err)
	descriptor, err := coord.WriteChunk(ctx, "file-1", 0, data, sum)
	require.NoError(t, err)
	require.NoError(t, store.PutFile(ctx, model.File{ID: "file-1", OwnerID: "u1", Name: "a.txt"}))

	gc := NewGCManager(GCConfig{NodeID: "m1", Store: store, Logger: zerolog.Nop()}, coord)
	require.NotPanics(t, func() { gc.gcRound(ctx) })

	_, ok, err := store.GetChunk(ctx, descriptor.ID)
	require.NoError(t, err)
	require.True(t, ok, "a live file's chunks must never be touched by gc")
}

package placement

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/redcloudfiles/redcloud/internal/metastore"
	"github.com/redcloudfiles/redcloud/internal/model"
)

func TestRepairRoundReplicatesToMissingActiveSNs(t *testing.T) {
	ctx := context.Background()
	store, err := metastore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	transport := newFakeSNTransport()
	putActiveSN(t, store, "s1", "s1:7200")
	putActiveSN(t, store, "s2", "s2:7200")

	// Seed s1 with the chunk bytes and record only s1 as a location fact —
	// s2 joined after the write and should be repaired.
	transport.node("s1:7200").blobs["chunk-1"] = []byte("payload")
	require.NoError(t, store.PutChunk(ctx, model.ChunkDescriptor{ID: "chunk-1", FileID: "file-1", Size: 7, Checksum: "irrelevant-for-this-test"}))
	require.NoError(t, store.PutChunkLocations(ctx, model.ChunkLocationSet{ChunkID: "chunk-1", Locations: map[string]time.Time{"s1": time.Now()}}))

	coord := newTestCoordinator(t, transport, store)
	repairer := NewRepairer(RepairConfig{NodeID: "m1", Store: store, Transport: transport, Logger: zerolog.Nop()}, coord)

	repairer.repairRound(ctx)

	locs, ok, err := store.GetChunkLocations(ctx, "chunk-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, locs.Locations, "s2")

	dst := transport.node("s2:7200")
	require.Equal(t, []byte("payload"), dst.blobs["chunk-1"])
}

func TestRepairRoundSkipsChunkWithNoHealthySource(t *testing.T) {
	ctx := context.Background()
	store, err := metastore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	transport := newFakeSNTransport()
	putActiveSN(t, store, "s1", "s1:7200")

	require.NoError(t, store.PutChunk(ctx, model.ChunkDescriptor{ID: "chunk-1", FileID: "file-1"}))
	// Location fact points at a storage node that no longer exists in the registry.
	require.NoError(t, store.PutChunkLocations(ctx, model.ChunkLocationSet{ChunkID: "chunk-1", Locations: map[string]time.Time{"gone": time.Now()}}))

	coord := newTestCoordinator(t, transport, store)
	repairer := NewRepairer(RepairConfig{NodeID: "m1", Store: store, Transport: transport, Logger: zerolog.Nop()}, coord)

	require.NotPanics(t, func() { repairer.repairRound(ctx) })
}

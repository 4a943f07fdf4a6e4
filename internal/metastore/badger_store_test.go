package metastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redcloudfiles/redcloud/internal/model"
	"github.com/redcloudfiles/redcloud/internal/vclock"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutAndGetFile(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	f := model.File{
		Envelope: model.Envelope{VectorClock: vclock.Clock{"m1": 1}, ModifiedAt: time.Now(), ModifiedBy: "m1"},
		ID:       "file-1",
		OwnerID:  "user-1",
		Name:     "a.txt",
	}
	require.NoError(t, store.PutFile(ctx, f))

	got, ok, err := store.GetFile(ctx, "file-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a.txt", got.Name)

	found, ok, err := store.FindFileByOwnerAndName(ctx, "user-1", "a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "file-1", found.ID)
}

func TestCommitChunkWriteIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	chunk := model.ChunkDescriptor{ID: "chunk-1", FileID: "file-1", Ordinal: 0, Size: 100, Checksum: "deadbeef"}
	locs := model.ChunkLocationSet{ChunkID: "chunk-1", Locations: map[string]time.Time{"s1": time.Now()}}
	entry := model.GossipLogEntry{Sequence: 1, Kind: model.KindChunk, EntityID: "chunk-1", Op: model.OpCreate}

	require.NoError(t, store.CommitChunkWrite(ctx, chunk, locs, entry))

	gotChunk, ok, err := store.GetChunk(ctx, "chunk-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(100), gotChunk.Size)

	gotLocs, ok, err := store.GetChunkLocations(ctx, "chunk-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, gotLocs.Locations, "s1")

	gotEntry, ok, err := store.GetGossipLogEntry(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "chunk-1", gotEntry.EntityID)
}

func TestNextGossipSequenceMonotonic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seq1, err := store.NextGossipSequence(ctx)
	require.NoError(t, err)
	seq2, err := store.NextGossipSequence(ctx)
	require.NoError(t, err)

	require.Equal(t, seq1+1, seq2)
}

func TestListChunksByFileOrderedByOrdinal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.PutChunk(ctx, model.ChunkDescriptor{ID: "c2", FileID: "f1", Ordinal: 1}))
	require.NoError(t, store.PutChunk(ctx, model.ChunkDescriptor{ID: "c1", FileID: "f1", Ordinal: 0}))

	chunks, err := store.ListChunksByFile(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, 0, chunks[0].Ordinal)
	require.Equal(t, 1, chunks[1].Ordinal)
}

func TestTagStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ts := model.TagState{
		FileID:     "f1",
		Present:    map[string]struct{}{"x": {}},
		Tombstones: map[string]time.Time{},
	}
	require.NoError(t, store.PutTagState(ctx, ts))

	got, ok, err := store.GetTagState(ctx, "f1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, got.Present, "x")
}

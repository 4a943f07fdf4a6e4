// Package metastore defines the local metadata store contract (the "single
// writer's serialization point" of §5) and a badger-backed implementation.
// The store is the out-of-scope collaborator named in §1; its contract is
// fixed by the schema in §3/§6 — tables for users, files, tags, chunks,
// chunk-locations, storage-nodes, metadata-nodes, and the gossip log.
package metastore

import (
	"context"

	"github.com/redcloudfiles/redcloud/internal/model"
)

// Store is the transactional metadata store contract. Every method that
// touches more than one entity does so atomically, per §5's requirement
// that "multi-row changes ... MUST commit atomically".
type Store interface {
	// Users
	GetUser(ctx context.Context, id string) (model.User, bool, error)
	GetUserByUsername(ctx context.Context, username string) (model.User, bool, error)
	PutUser(ctx context.Context, u model.User) error
	ListAllUsers(ctx context.Context) ([]model.User, error)

	// Files
	GetFile(ctx context.Context, id string) (model.File, bool, error)
	FindFileByOwnerAndName(ctx context.Context, ownerID, name string) (model.File, bool, error)
	PutFile(ctx context.Context, f model.File) error
	ListFilesByOwner(ctx context.Context, ownerID string) ([]model.File, error)
	ListFilesByTag(ctx context.Context, ownerID, tag string) ([]model.File, error)
	ListAllFiles(ctx context.Context) ([]model.File, error)

	// Tags
	GetTagState(ctx context.Context, fileID string) (model.TagState, bool, error)
	PutTagState(ctx context.Context, t model.TagState) error
	ListAllTagStates(ctx context.Context) ([]model.TagState, error)

	// Chunks
	GetChunk(ctx context.Context, id string) (model.ChunkDescriptor, bool, error)
	PutChunk(ctx context.Context, c model.ChunkDescriptor) error
	ListChunksByFile(ctx context.Context, fileID string) ([]model.ChunkDescriptor, error)
	ListAllChunks(ctx context.Context) ([]model.ChunkDescriptor, error)
	DeleteChunk(ctx context.Context, id string) error

	// Chunk locations
	GetChunkLocations(ctx context.Context, chunkID string) (model.ChunkLocationSet, bool, error)
	PutChunkLocations(ctx context.Context, l model.ChunkLocationSet) error
	ListAllChunkLocations(ctx context.Context) ([]model.ChunkLocationSet, error)

	// CommitChunkWrite atomically creates the chunk descriptor and its
	// initial location-fact set and appends a gossip-log entry — the
	// exact multi-row commit §4.5 step 5 and §5 require.
	CommitChunkWrite(ctx context.Context, chunk model.ChunkDescriptor, locations model.ChunkLocationSet, entry model.GossipLogEntry) error

	// Storage nodes
	GetStorageNode(ctx context.Context, id string) (model.StorageNodeRecord, bool, error)
	PutStorageNode(ctx context.Context, sn model.StorageNodeRecord) error
	ListStorageNodes(ctx context.Context) ([]model.StorageNodeRecord, error)
	DeleteStorageNode(ctx context.Context, id string) error

	// Metadata nodes (peer registry persisted view, reconciled against the
	// in-memory registry per §4.4 "steady state").
	GetMetadataNode(ctx context.Context, id string) (model.MetadataNodeRecord, bool, error)
	PutMetadataNode(ctx context.Context, mn model.MetadataNodeRecord) error
	ListMetadataNodes(ctx context.Context) ([]model.MetadataNodeRecord, error)

	// Config KV (§12 supplemented feature)
	GetConfigKV(ctx context.Context, key string) (model.ConfigKV, bool, error)
	PutConfigKV(ctx context.Context, kv model.ConfigKV) error
	ListAllConfigKV(ctx context.Context) ([]model.ConfigKV, error)

	// Gossip log
	AppendGossipLogEntry(ctx context.Context, e model.GossipLogEntry) error
	GetGossipLogEntry(ctx context.Context, sequence uint64) (model.GossipLogEntry, bool, error)
	ListGossipLogSince(ctx context.Context, sequence uint64, limit int) ([]model.GossipLogEntry, error)
	MarkGossipLogAcked(ctx context.Context, sequence uint64, peerID string) error
	NextGossipSequence(ctx context.Context) (uint64, error)

	Close() error
}

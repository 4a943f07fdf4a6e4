// Package model defines the replicated metadata entities: users, files,
// tags, chunk descriptors, chunk-location facts, storage-node records,
// metadata-node records, and gossip-log entries.
package model

import (
	"time"

	"github.com/redcloudfiles/redcloud/internal/vclock"
)

// Envelope carries the replication bookkeeping every mutable entity has:
// a vector clock, the identifier of the node that last modified it, a
// monotonic local version counter, and a wall-clock stamp used as the
// deterministic tiebreaker in the conflict resolver.
type Envelope struct {
	VectorClock  vclock.Clock `json:"vector_clock"`
	ModifiedBy   string       `json:"modified_by"`
	Version      uint64       `json:"version"`
	ModifiedAt   time.Time    `json:"modified_at"`
}

// Touch returns a copy of e advanced for a local mutation by nodeID at ts.
func (e Envelope) Touch(nodeID string, ts time.Time) Envelope {
	return Envelope{
		VectorClock: e.VectorClock.Increment(nodeID),
		ModifiedBy:  nodeID,
		Version:     e.Version + 1,
		ModifiedAt:  ts,
	}
}

// User is an account record.
type User struct {
	Envelope
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	PasswordVerifier string    `json:"password_verifier"`
	BearerToken      string    `json:"bearer_token"`
	CreatedAt        time.Time `json:"created_at"`
	TokenRotatedAt   time.Time `json:"token_rotated_at"`
}

// File is a user-owned file record. Name is unique per owner as enforced by
// the owning MN at write time (I1, §4.4 collision handling for partitions).
type File struct {
	Envelope
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Name         string    `json:"name"`
	DisplayName  string    `json:"display_name"` // may carry a collision suffix, see O1
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
	Deleted      bool      `json:"deleted"`
	TombstonedAt time.Time `json:"tombstoned_at"`
}

// TagState is the set-convergent state of one file's tags: a set of
// currently-present tags plus a set of tombstoned tags that must not
// resurrect through further anti-entropy (S4).
type TagState struct {
	Envelope
	FileID     string               `json:"file_id"`
	Present    map[string]struct{}  `json:"-"`
	Tombstones map[string]time.Time `json:"-"`
}

// TagStateWire exists because map[string]struct{} doesn't round-trip
// through JSON the way callers expect; the wire form uses slices/maps of
// comparable value types instead.
type TagStateWire struct {
	Envelope
	FileID     string               `json:"file_id"`
	Present    []string             `json:"present"`
	Tombstones map[string]time.Time `json:"tombstones"`
}

// ToWire converts t to its JSON-friendly form.
func (t TagState) ToWire() TagStateWire {
	present := make([]string, 0, len(t.Present))
	for tag := range t.Present {
		present = append(present, tag)
	}
	return TagStateWire{Envelope: t.Envelope, FileID: t.FileID, Present: present, Tombstones: t.Tombstones}
}

// FromWire converts a wire-form tag state back into the set-based form.
func (w TagStateWire) FromWire() TagState {
	present := make(map[string]struct{}, len(w.Present))
	for _, tag := range w.Present {
		present[tag] = struct{}{}
	}
	tombstones := w.Tombstones
	if tombstones == nil {
		tombstones = make(map[string]time.Time)
	}
	return TagState{Envelope: w.Envelope, FileID: w.FileID, Present: present, Tombstones: tombstones}
}

// ChunkDescriptor is immutable once created (I2); only the owning file's
// soft-delete flag and the chunk's location-fact set may change afterward.
type ChunkDescriptor struct {
	Envelope
	ID       string `json:"id"`
	FileID   string `json:"file_id"`
	Ordinal  int    `json:"ordinal"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"` // hex-encoded SHA-256
}

// ChunkLocationSet is the set-valued replicated state of which storage
// nodes hold a given chunk (I3).
type ChunkLocationSet struct {
	Envelope
	ChunkID   string               `json:"chunk_id"`
	Locations map[string]time.Time `json:"locations"` // storage-node id -> discovery stamp
}

// StorageNodeRecord describes a storage node's registration and liveness.
type StorageNodeRecord struct {
	Envelope
	ID            string    `json:"id"`
	Address       string    `json:"address"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CapacityBytes int64     `json:"capacity_bytes"`
	UsedBytes     int64     `json:"used_bytes"`
	Status        SNStatus  `json:"status"`
}

// SNStatus is a storage node's liveness classification.
type SNStatus string

const (
	SNActive SNStatus = "active"
	SNFailed SNStatus = "failed"
)

// MetadataNodeRecord describes a peer MN's registration.
type MetadataNodeRecord struct {
	Envelope
	ID              string    `json:"id"`
	Address         string    `json:"address"`
	LastSeen        time.Time `json:"last_seen"`
	VectorClockHash string    `json:"vector_clock_hash"` // digest of last-known clock
}

// EntityKind names a replicated entity type carried in the gossip log.
type EntityKind string

const (
	KindUser        EntityKind = "user"
	KindFile        EntityKind = "file"
	KindTagState    EntityKind = "tag_state"
	KindChunk       EntityKind = "chunk"
	KindChunkLocs   EntityKind = "chunk_locations"
	KindStorageNode EntityKind = "storage_node"
	KindMetadataNode EntityKind = "metadata_node"
	KindConfigKV    EntityKind = "config_kv" // supplemented distributed-config entries, §12
)

// OpKind names the operation that produced a gossip-log entry.
type OpKind string

const (
	OpCreate        OpKind = "create"
	OpUpdate        OpKind = "update"
	OpSoftDelete    OpKind = "soft_delete"
	OpTombstoneTag  OpKind = "tombstone_tag"
	OpPeerRegister  OpKind = "peer_register"
	OpHeartbeatRelay OpKind = "heartbeat_relay"
)

// GossipLogEntry is one append-only entry in a node's local operation log.
type GossipLogEntry struct {
	Sequence         uint64         `json:"sequence"`
	Kind             EntityKind     `json:"kind"`
	EntityID         string         `json:"entity_id"`
	Op               OpKind         `json:"op"`
	Payload          []byte         `json:"payload"` // JSON-encoded snapshot of the entity
	OriginatorClock  vclock.Clock   `json:"originator_clock"`
	EmittedAt        time.Time      `json:"emitted_at"`
	AckedBy          map[string]bool `json:"acked_by"`
}

// Acked reports whether peerID has acknowledged this entry.
func (g *GossipLogEntry) Acked(peerID string) bool {
	return g.AckedBy[peerID]
}

// MarkAcked records that peerID has acknowledged this entry.
func (g *GossipLogEntry) MarkAcked(peerID string) {
	if g.AckedBy == nil {
		g.AckedBy = make(map[string]bool)
	}
	g.AckedBy[peerID] = true
}

// ConfigKV is a supplemented entity kind (§12): a small gossiped key/value
// table for cluster-wide tunables, reusing ordinary LWW conflict resolution.
type ConfigKV struct {
	Envelope
	Key   string `json:"key"`
	Value string `json:"value"`
}

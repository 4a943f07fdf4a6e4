// Package conflict implements the type-specific conflict resolution rules
// applied when two replicas of the same entity carry concurrent vector
// clocks: last-write-wins for scalar fields, set-union with tombstones for
// tags, union for chunk-location sets, and sticky OR for soft-delete flags.
package conflict

import (
	"time"

	"github.com/redcloudfiles/redcloud/internal/model"
	"github.com/redcloudfiles/redcloud/internal/vclock"
)

// Verdict names which side of a comparison won and why, for logging only —
// callers must not branch application behavior on it beyond bookkeeping.
type Verdict int

const (
	VerdictLocal Verdict = iota
	VerdictRemote
	VerdictMerged
)

// scalarWinner picks between two concurrent scalar-field owners by
// last-write-wins on wall-clock stamp, tie-broken by lexicographic
// ordering of the originator identifier (§4.2 rule 4, scalar fields).
func scalarWinner(localStamp time.Time, localOriginator string, remoteStamp time.Time, remoteOriginator string) Verdict {
	if localStamp.After(remoteStamp) {
		return VerdictLocal
	}
	if remoteStamp.After(localStamp) {
		return VerdictRemote
	}
	if localOriginator <= remoteOriginator {
		return VerdictLocal
	}
	return VerdictRemote
}

// ResolveUser resolves two concurrent User replicas. On strict ordering the
// later wins outright; on concurrency, a single last-write-wins decision
// picks one side and all scalar fields are taken from it, so a change made
// only on the losing replica is not kept.
func ResolveUser(local, remote model.User) model.User {
	switch vclock.Compare(local.VectorClock, remote.VectorClock) {
	case vclock.Before:
		return remote
	case vclock.After, vclock.Equal:
		return local
	}

	merged := local
	merged.VectorClock = vclock.Merge(local.VectorClock, remote.VectorClock)
	merged.Version = maxU64(local.Version, remote.Version) + 1

	if scalarWinner(local.ModifiedAt, local.ModifiedBy, remote.ModifiedAt, remote.ModifiedBy) == VerdictRemote {
		merged.Username = remote.Username
		merged.PasswordVerifier = remote.PasswordVerifier
		merged.BearerToken = remote.BearerToken
		merged.TokenRotatedAt = remote.TokenRotatedAt
		merged.ModifiedAt = remote.ModifiedAt
		merged.ModifiedBy = remote.ModifiedBy
	}
	return merged
}

// ResolveFile resolves two concurrent File replicas. The soft-delete flag
// is sticky: once true on either side, true on both (§4.2 rule 4).
func ResolveFile(local, remote model.File) model.File {
	switch vclock.Compare(local.VectorClock, remote.VectorClock) {
	case vclock.Before:
		remote.Deleted = local.Deleted || remote.Deleted
		if local.Deleted && !remote.Deleted {
			remote.TombstonedAt = local.TombstonedAt
		}
		return remote
	case vclock.After, vclock.Equal:
		local.Deleted = local.Deleted || remote.Deleted
		if remote.Deleted && !local.Deleted {
			local.TombstonedAt = remote.TombstonedAt
		}
		return local
	}

	merged := local
	merged.VectorClock = vclock.Merge(local.VectorClock, remote.VectorClock)
	merged.Version = maxU64(local.Version, remote.Version) + 1
	merged.Deleted = local.Deleted || remote.Deleted
	if merged.Deleted {
		merged.TombstonedAt = earlierNonZero(local.TombstonedAt, remote.TombstonedAt)
	}

	if scalarWinner(local.ModifiedAt, local.ModifiedBy, remote.ModifiedAt, remote.ModifiedBy) == VerdictRemote {
		merged.DisplayName = remote.DisplayName
		merged.Name = remote.Name
		merged.Size = remote.Size
		merged.ModifiedAt = remote.ModifiedAt
		merged.ModifiedBy = remote.ModifiedBy
	}
	return merged
}

// ResolveTagState unions the present-tag sets of two replicas and unions
// their tombstone sets, with tombstones always winning over presence for
// the same tag so a removed tag never resurrects (S4).
func ResolveTagState(local, remote model.TagState) model.TagState {
	merged := model.TagState{
		FileID:     local.FileID,
		Present:    make(map[string]struct{}, len(local.Present)+len(remote.Present)),
		Tombstones: make(map[string]time.Time, len(local.Tombstones)+len(remote.Tombstones)),
	}
	merged.VectorClock = vclock.Merge(local.VectorClock, remote.VectorClock)
	merged.Version = maxU64(local.Version, remote.Version) + 1
	if local.ModifiedAt.After(remote.ModifiedAt) {
		merged.ModifiedAt, merged.ModifiedBy = local.ModifiedAt, local.ModifiedBy
	} else {
		merged.ModifiedAt, merged.ModifiedBy = remote.ModifiedAt, remote.ModifiedBy
	}

	for tag := range local.Present {
		merged.Present[tag] = struct{}{}
	}
	for tag := range remote.Present {
		merged.Present[tag] = struct{}{}
	}
	for tag, ts := range local.Tombstones {
		merged.Tombstones[tag] = ts
	}
	for tag, ts := range remote.Tombstones {
		if existing, ok := merged.Tombstones[tag]; !ok || ts.After(existing) {
			merged.Tombstones[tag] = ts
		}
	}
	// Tombstones win over presence regardless of which side saw the
	// presence entry last — a tag removal must never resurrect.
	for tag := range merged.Tombstones {
		delete(merged.Present, tag)
	}
	return merged
}

// ResolveChunkLocations unions two location-fact sets (I3: a location fact
// is cleared only by SN removal or tombstoning, so union is always safe).
func ResolveChunkLocations(local, remote model.ChunkLocationSet) model.ChunkLocationSet {
	merged := model.ChunkLocationSet{
		ChunkID:   local.ChunkID,
		Locations: make(map[string]time.Time, len(local.Locations)+len(remote.Locations)),
	}
	merged.VectorClock = vclock.Merge(local.VectorClock, remote.VectorClock)
	merged.Version = maxU64(local.Version, remote.Version) + 1
	if local.ModifiedAt.After(remote.ModifiedAt) {
		merged.ModifiedAt, merged.ModifiedBy = local.ModifiedAt, local.ModifiedBy
	} else {
		merged.ModifiedAt, merged.ModifiedBy = remote.ModifiedAt, remote.ModifiedBy
	}
	for id, ts := range local.Locations {
		merged.Locations[id] = ts
	}
	for id, ts := range remote.Locations {
		if existing, ok := merged.Locations[id]; !ok || ts.Before(existing) {
			merged.Locations[id] = ts
		}
	}
	return merged
}

// ResolveChunk resolves two concurrent descriptors for the same chunk id.
// Chunk descriptors are immutable once created (I2): the only thing that
// can differ between replicas is which one was observed first, so the
// earlier-created descriptor always wins rather than merging fields.
func ResolveChunk(local, remote model.ChunkDescriptor) model.ChunkDescriptor {
	switch vclock.Compare(local.VectorClock, remote.VectorClock) {
	case vclock.Before:
		return remote
	case vclock.After, vclock.Equal:
		return local
	}
	if local.ModifiedAt.Before(remote.ModifiedAt) {
		return local
	}
	return remote
}

// ResolveStorageNode resolves two concurrent StorageNodeRecord replicas.
// Liveness fields move together (a heartbeat updates address, capacity,
// used, and status in one call) so, unlike File, the whole record is
// resolved by a single last-write-wins decision rather than per-field.
func ResolveStorageNode(local, remote model.StorageNodeRecord) model.StorageNodeRecord {
	switch vclock.Compare(local.VectorClock, remote.VectorClock) {
	case vclock.Before:
		return remote
	case vclock.After, vclock.Equal:
		return local
	}
	merged := local
	merged.VectorClock = vclock.Merge(local.VectorClock, remote.VectorClock)
	merged.Version = maxU64(local.Version, remote.Version) + 1
	if scalarWinner(local.ModifiedAt, local.ModifiedBy, remote.ModifiedAt, remote.ModifiedBy) == VerdictRemote {
		merged.Address = remote.Address
		merged.LastHeartbeat = remote.LastHeartbeat
		merged.CapacityBytes = remote.CapacityBytes
		merged.UsedBytes = remote.UsedBytes
		merged.Status = remote.Status
		merged.ModifiedAt = remote.ModifiedAt
		merged.ModifiedBy = remote.ModifiedBy
	}
	return merged
}

// ResolveMetadataNode resolves two concurrent MetadataNodeRecord replicas
// the same way ResolveStorageNode does for storage nodes.
func ResolveMetadataNode(local, remote model.MetadataNodeRecord) model.MetadataNodeRecord {
	switch vclock.Compare(local.VectorClock, remote.VectorClock) {
	case vclock.Before:
		return remote
	case vclock.After, vclock.Equal:
		return local
	}
	merged := local
	merged.VectorClock = vclock.Merge(local.VectorClock, remote.VectorClock)
	merged.Version = maxU64(local.Version, remote.Version) + 1
	if scalarWinner(local.ModifiedAt, local.ModifiedBy, remote.ModifiedAt, remote.ModifiedBy) == VerdictRemote {
		merged.Address = remote.Address
		merged.LastSeen = remote.LastSeen
		merged.VectorClockHash = remote.VectorClockHash
		merged.ModifiedAt = remote.ModifiedAt
		merged.ModifiedBy = remote.ModifiedBy
	}
	return merged
}

// ResolveConfigKV resolves two concurrent ConfigKV replicas by plain LWW.
func ResolveConfigKV(local, remote model.ConfigKV) model.ConfigKV {
	switch vclock.Compare(local.VectorClock, remote.VectorClock) {
	case vclock.Before:
		return remote
	case vclock.After, vclock.Equal:
		return local
	}
	merged := local
	merged.VectorClock = vclock.Merge(local.VectorClock, remote.VectorClock)
	merged.Version = maxU64(local.Version, remote.Version) + 1
	if scalarWinner(local.ModifiedAt, local.ModifiedBy, remote.ModifiedAt, remote.ModifiedBy) == VerdictRemote {
		merged.Value = remote.Value
		merged.ModifiedAt = remote.ModifiedAt
		merged.ModifiedBy = remote.ModifiedBy
	}
	return merged
}

// RemoveLocation drops a storage-node id from a location set, used when the
// SN is removed from the registry or the chunk is tombstoned (I3).
func RemoveLocation(set model.ChunkLocationSet, storageNodeID string, nodeID string, now time.Time) model.ChunkLocationSet {
	next := set
	next.Locations = make(map[string]time.Time, len(set.Locations))
	for id, ts := range set.Locations {
		if id == storageNodeID {
			continue
		}
		next.Locations[id] = ts
	}
	next.Envelope = set.Envelope.Touch(nodeID, now)
	return next
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func earlierNonZero(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if a.Before(b) {
		return a
	}
	return b
}

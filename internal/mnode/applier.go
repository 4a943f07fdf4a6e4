// Package mnode wires a metadata node's dependency graph together: the
// local store, the gossip engine and its Applier, the placement
// coordinator/repairer/health-monitor, the DNS bootstrap, and the
// node-to-node HTTP control plane of §6.
package mnode

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/redcloudfiles/redcloud/internal/conflict"
	"github.com/redcloudfiles/redcloud/internal/metastore"
	"github.com/redcloudfiles/redcloud/internal/metrics"
	"github.com/redcloudfiles/redcloud/internal/model"
)

// Applier implements gossip.Applier against a metastore.Store, applying
// the type-specific conflict resolver from internal/conflict to every
// entity kind carried in the gossip log (§4.2, §4.3 receive-side).
type Applier struct {
	nodeID  string
	store   metastore.Store
	logger  zerolog.Logger
	metrics *metrics.MetadataNodeMetrics
}

// NewApplier builds an Applier. m may be nil in tests that don't care
// about metric counts.
func NewApplier(nodeID string, store metastore.Store, logger zerolog.Logger, m *metrics.MetadataNodeMetrics) *Applier {
	return &Applier{nodeID: nodeID, store: store, logger: logger.With().Str("component", "applier").Logger(), metrics: m}
}

// PendingSince returns gossip-log entries peerID has not yet acknowledged,
// oldest first, bounded by limit (§4.3 step 1 payload gathering).
func (a *Applier) PendingSince(ctx context.Context, peerID string, limit int) ([]model.GossipLogEntry, error) {
	all, err := a.store.ListGossipLogSince(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("mnode: list gossip log: %w", err)
	}
	pending := make([]model.GossipLogEntry, 0, limit)
	for _, e := range all {
		if e.Acked(peerID) {
			continue
		}
		pending = append(pending, e)
		if limit > 0 && len(pending) >= limit {
			break
		}
	}
	return pending, nil
}

// MarkAcked records that peerID has acknowledged the given sequences.
func (a *Applier) MarkAcked(ctx context.Context, peerID string, sequences []uint64) error {
	for _, seq := range sequences {
		if err := a.store.MarkGossipLogAcked(ctx, seq, peerID); err != nil {
			return fmt.Errorf("mnode: mark acked seq %d for %s: %w", seq, peerID, err)
		}
	}
	if a.metrics != nil {
		a.metrics.GossipEntriesSent.Add(float64(len(sequences)))
	}
	return nil
}

// ApplyIncoming resolves each entry against current local state and stores
// the winner, re-appending first-seen entries so they propagate further on
// the next push round (§4.3 receive-side).
func (a *Applier) ApplyIncoming(ctx context.Context, senderID string, entries []model.GossipLogEntry) error {
	for _, entry := range entries {
		if a.metrics != nil {
			a.metrics.GossipEntriesReceived.Inc()
		}
		if err := a.applyOne(ctx, senderID, entry); err != nil {
			a.logger.Warn().Err(err).Str("sender", senderID).Str("kind", string(entry.Kind)).Str("entity", entry.EntityID).Msg("failed to apply incoming gossip entry")
		}
	}
	return nil
}

func (a *Applier) applyOne(ctx context.Context, senderID string, entry model.GossipLogEntry) error {
	switch entry.Kind {
	case model.KindUser:
		return applyEntity(ctx, a, entry, a.store.GetUser, a.store.PutUser, conflict.ResolveUser)
	case model.KindFile:
		return applyEntity(ctx, a, entry, a.store.GetFile, a.store.PutFile, conflict.ResolveFile)
	case model.KindTagState:
		return a.applyTagState(ctx, entry)
	case model.KindChunk:
		return applyEntity(ctx, a, entry, a.store.GetChunk, a.store.PutChunk, conflict.ResolveChunk)
	case model.KindChunkLocs:
		return a.applyChunkLocations(ctx, entry)
	case model.KindStorageNode:
		return applyEntity(ctx, a, entry, a.store.GetStorageNode, a.store.PutStorageNode, conflict.ResolveStorageNode)
	case model.KindMetadataNode:
		return applyEntity(ctx, a, entry, a.store.GetMetadataNode, a.store.PutMetadataNode, conflict.ResolveMetadataNode)
	case model.KindConfigKV:
		return a.applyConfigKV(ctx, entry)
	default:
		return fmt.Errorf("mnode: unknown entity kind %q", entry.Kind)
	}
}

// applyEntity is the shared shape every scalar-envelope entity kind uses:
// decode the incoming snapshot, fetch local state, resolve, store, and
// re-append the entry locally the first time it's seen so it keeps
// propagating (§4.3 receive-side "first time" rule).
func applyEntity[T any](
	ctx context.Context,
	a *Applier,
	entry model.GossipLogEntry,
	get func(context.Context, string) (T, bool, error),
	put func(context.Context, T) error,
	resolve func(local, remote T) T,
) error {
	var remote T
	if err := json.Unmarshal(entry.Payload, &remote); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	local, ok, err := get(ctx, entry.EntityID)
	if err != nil {
		return fmt.Errorf("get local: %w", err)
	}

	merged := remote
	firstSeen := !ok
	if ok {
		merged = resolve(local, remote)
		if a.metrics != nil {
			a.metrics.ConflictsResolved.Inc()
		}
	}

	if err := put(ctx, merged); err != nil {
		return fmt.Errorf("put merged: %w", err)
	}
	if firstSeen {
		return a.reappend(ctx, entry)
	}
	return nil
}

func (a *Applier) applyTagState(ctx context.Context, entry model.GossipLogEntry) error {
	var wire model.TagStateWire
	if err := json.Unmarshal(entry.Payload, &wire); err != nil {
		return fmt.Errorf("unmarshal tag state: %w", err)
	}
	remote := wire.FromWire()

	local, ok, err := a.store.GetTagState(ctx, entry.EntityID)
	if err != nil {
		return fmt.Errorf("get local tag state: %w", err)
	}
	merged := remote
	if ok {
		merged = conflict.ResolveTagState(local, remote)
		if a.metrics != nil {
			a.metrics.ConflictsResolved.Inc()
		}
	}
	if err := a.store.PutTagState(ctx, merged); err != nil {
		return fmt.Errorf("put merged tag state: %w", err)
	}
	if !ok {
		return a.reappend(ctx, entry)
	}
	return nil
}

func (a *Applier) applyChunkLocations(ctx context.Context, entry model.GossipLogEntry) error {
	var remote model.ChunkLocationSet
	if err := json.Unmarshal(entry.Payload, &remote); err != nil {
		return fmt.Errorf("unmarshal chunk locations: %w", err)
	}
	local, ok, err := a.store.GetChunkLocations(ctx, entry.EntityID)
	if err != nil {
		return fmt.Errorf("get local chunk locations: %w", err)
	}
	merged := remote
	if ok {
		merged = conflict.ResolveChunkLocations(local, remote)
		if a.metrics != nil {
			a.metrics.ConflictsResolved.Inc()
		}
	}
	if err := a.store.PutChunkLocations(ctx, merged); err != nil {
		return fmt.Errorf("put merged chunk locations: %w", err)
	}
	if !ok {
		return a.reappend(ctx, entry)
	}
	return nil
}

func (a *Applier) applyConfigKV(ctx context.Context, entry model.GossipLogEntry) error {
	return applyEntity(ctx, a, entry, a.store.GetConfigKV, a.store.PutConfigKV, conflict.ResolveConfigKV)
}

// reappend re-inserts a first-seen entry into the local gossip log under a
// freshly assigned local sequence, so the local push loop propagates it to
// peers that haven't seen it either (§4.3 receive-side).
func (a *Applier) reappend(ctx context.Context, entry model.GossipLogEntry) error {
	seq, err := a.store.NextGossipSequence(ctx)
	if err != nil {
		return fmt.Errorf("assign sequence for reappend: %w", err)
	}
	entry.Sequence = seq
	entry.AckedBy = nil
	if entry.EmittedAt.IsZero() {
		entry.EmittedAt = time.Now()
	}
	return a.store.AppendGossipLogEntry(ctx, entry)
}

// LocalDigest returns, per entity kind, a map from entity id to its
// current vector clock (§4.3 anti-entropy step 2).
func (a *Applier) LocalDigest(ctx context.Context) (map[model.EntityKind]map[string]map[string]uint64, error) {
	out := make(map[model.EntityKind]map[string]map[string]uint64)

	users, err := a.store.ListAllUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users for digest: %w", err)
	}
	userDigest := make(map[string]map[string]uint64, len(users))
	for _, u := range users {
		userDigest[u.ID] = map[string]uint64(u.VectorClock)
	}
	out[model.KindUser] = userDigest

	files, err := a.store.ListAllFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list files for digest: %w", err)
	}
	fileDigest := make(map[string]map[string]uint64, len(files))
	for _, f := range files {
		fileDigest[f.ID] = map[string]uint64(f.VectorClock)
	}
	out[model.KindFile] = fileDigest

	tagStates, err := a.store.ListAllTagStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tag states for digest: %w", err)
	}
	tagDigest := make(map[string]map[string]uint64, len(tagStates))
	for _, ts := range tagStates {
		tagDigest[ts.FileID] = map[string]uint64(ts.VectorClock)
	}
	out[model.KindTagState] = tagDigest

	chunks, err := a.store.ListAllChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chunks for digest: %w", err)
	}
	chunkDigest := make(map[string]map[string]uint64, len(chunks))
	for _, c := range chunks {
		chunkDigest[c.ID] = map[string]uint64(c.VectorClock)
	}
	out[model.KindChunk] = chunkDigest

	locs, err := a.store.ListAllChunkLocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chunk locations for digest: %w", err)
	}
	locDigest := make(map[string]map[string]uint64, len(locs))
	for _, l := range locs {
		locDigest[l.ChunkID] = map[string]uint64(l.VectorClock)
	}
	out[model.KindChunkLocs] = locDigest

	sns, err := a.store.ListStorageNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list storage nodes for digest: %w", err)
	}
	snDigest := make(map[string]map[string]uint64, len(sns))
	for _, sn := range sns {
		snDigest[sn.ID] = map[string]uint64(sn.VectorClock)
	}
	out[model.KindStorageNode] = snDigest

	mns, err := a.store.ListMetadataNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list metadata nodes for digest: %w", err)
	}
	mnDigest := make(map[string]map[string]uint64, len(mns))
	for _, mn := range mns {
		mnDigest[mn.ID] = map[string]uint64(mn.VectorClock)
	}
	out[model.KindMetadataNode] = mnDigest

	configKVs, err := a.store.ListAllConfigKV(ctx)
	if err != nil {
		return nil, fmt.Errorf("list config kv for digest: %w", err)
	}
	configDigest := make(map[string]map[string]uint64, len(configKVs))
	for _, kv := range configKVs {
		configDigest[kv.Key] = map[string]uint64(kv.VectorClock)
	}
	out[model.KindConfigKV] = configDigest

	return out, nil
}

// EntitiesForFetch returns full JSON snapshots for the requested ids of
// the given kind (§6 fetch-entities).
func (a *Applier) EntitiesForFetch(ctx context.Context, kind model.EntityKind, ids []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(ids))
	for _, id := range ids {
		payload, ok, err := a.snapshotFor(ctx, kind, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = payload
		}
	}
	return out, nil
}

func (a *Applier) snapshotFor(ctx context.Context, kind model.EntityKind, id string) (json.RawMessage, bool, error) {
	switch kind {
	case model.KindUser:
		v, ok, err := a.store.GetUser(ctx, id)
		return marshalIf(v, ok, err)
	case model.KindFile:
		v, ok, err := a.store.GetFile(ctx, id)
		return marshalIf(v, ok, err)
	case model.KindTagState:
		v, ok, err := a.store.GetTagState(ctx, id)
		if err != nil || !ok {
			return nil, ok, err
		}
		raw, err := json.Marshal(v.ToWire())
		return raw, true, err
	case model.KindChunk:
		v, ok, err := a.store.GetChunk(ctx, id)
		return marshalIf(v, ok, err)
	case model.KindChunkLocs:
		v, ok, err := a.store.GetChunkLocations(ctx, id)
		return marshalIf(v, ok, err)
	case model.KindStorageNode:
		v, ok, err := a.store.GetStorageNode(ctx, id)
		return marshalIf(v, ok, err)
	case model.KindMetadataNode:
		v, ok, err := a.store.GetMetadataNode(ctx, id)
		return marshalIf(v, ok, err)
	case model.KindConfigKV:
		v, ok, err := a.store.GetConfigKV(ctx, id)
		return marshalIf(v, ok, err)
	default:
		return nil, false, fmt.Errorf("mnode: unknown entity kind %q", kind)
	}
}

func marshalIf[T any](v T, ok bool, err error) (json.RawMessage, bool, error) {
	if err != nil || !ok {
		return nil, ok, err
	}
	raw, err := json.Marshal(v)
	return raw, true, err
}

package placement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/redcloudfiles/redcloud/internal/chunkstore"
	"github.com/redcloudfiles/redcloud/internal/conflict"
	"github.com/redcloudfiles/redcloud/internal/metastore"
	"github.com/redcloudfiles/redcloud/internal/model"
	"github.com/redcloudfiles/redcloud/internal/rerrors"
)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	NodeID           string
	Store            metastore.Store
	Transport        SNTransport
	Logger           zerolog.Logger
	WriteDeadline    time.Duration // §5 default 60s
	ReadDeadline     time.Duration // §5 default 60s
	MinWriteAcks     int           // O3: kept at spec default of 1
	InflightPerSN    int           // §5 default 16
	CompensationWait time.Duration // grace period to catch stragglers after a failed write
}

// Coordinator implements the MN-side write/read/delete paths of §4.5. It
// never blocks waiting for gossip to settle — placement decisions consult
// only the metastore's current local view (§4.7).
type Coordinator struct {
	cfg    CoordinatorConfig
	logger zerolog.Logger

	snSemMu sync.Mutex
	snSem   map[string]chan struct{}
}

// NewCoordinator builds a Coordinator, applying defaults for any zero-value
// config fields.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.WriteDeadline == 0 {
		cfg.WriteDeadline = 60 * time.Second
	}
	if cfg.ReadDeadline == 0 {
		cfg.ReadDeadline = 60 * time.Second
	}
	if cfg.MinWriteAcks == 0 {
		cfg.MinWriteAcks = 1
	}
	if cfg.InflightPerSN == 0 {
		cfg.InflightPerSN = 16
	}
	if cfg.CompensationWait == 0 {
		cfg.CompensationWait = 10 * time.Second
	}
	return &Coordinator{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "placement").Logger(),
		snSem:  make(map[string]chan struct{}),
	}
}

func (c *Coordinator) semFor(snID string) chan struct{} {
	c.snSemMu.Lock()
	defer c.snSemMu.Unlock()
	sem, ok := c.snSem[snID]
	if !ok {
		sem = make(chan struct{}, c.cfg.InflightPerSN)
		c.snSem[snID] = sem
	}
	return sem
}

type writeAttempt struct {
	sn      model.StorageNodeRecord
	outcome WriteOutcome
	err     error
}

// WriteChunk implements §4.5's write path: resolve the active-SN set, fan
// the chunk out to every one of them concurrently, commit metadata on the
// first MinWriteAcks acknowledgements, and schedule compensating deletes
// for stragglers if the write ultimately fails.
func (c *Coordinator) WriteChunk(ctx context.Context, fileID string, ordinal int, data []byte, checksum string) (model.ChunkDescriptor, error) {
	nodes, err := c.cfg.Store.ListStorageNodes(ctx)
	if err != nil {
		return model.ChunkDescriptor{}, rerrors.Wrap(rerrors.Internal, "list storage nodes", err)
	}
	active := activeStorageNodes(nodes)
	if len(active) == 0 {
		return model.ChunkDescriptor{}, rerrors.New(rerrors.NoCapacity, "no storage available")
	}

	chunkID := uuid.NewString()
	hdr := WriteHeader{ChunkID: chunkID, FileID: fileID, Ordinal: ordinal, Length: int64(len(data)), Checksum: checksum}

	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteDeadline)
	results := make(chan writeAttempt, len(active))
	for _, sn := range active {
		go func(sn model.StorageNodeRecord) {
			sem := c.semFor(sn.ID)
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-writeCtx.Done():
				results <- writeAttempt{sn: sn, err: writeCtx.Err()}
				return
			}
			outcome, err := c.cfg.Transport.WriteChunk(writeCtx, sn.Address, hdr, bytes.NewReader(data))
			results <- writeAttempt{sn: sn, outcome: outcome, err: err}
		}(sn)
	}

	var successes []model.StorageNodeRecord
	var received int
collect:
	for received < len(active) {
		select {
		case res := <-results:
			received++
			if res.err != nil {
				c.logger.Warn().Err(res.err).Str("sn", res.sn.ID).Str("chunk", chunkID).Msg("chunk write failed")
				continue
			}
			if res.outcome == WriteOK {
				successes = append(successes, res.sn)
			} else {
				c.logger.Warn().Str("sn", res.sn.ID).Str("chunk", chunkID).Str("outcome", string(res.outcome)).Msg("chunk write rejected")
			}
			if len(successes) >= c.cfg.MinWriteAcks {
				break collect
			}
		case <-writeCtx.Done():
			break collect
		}
	}
	cancel()

	if len(successes) < c.cfg.MinWriteAcks {
		go c.awaitStragglersAndCompensate(chunkID, results, len(active)-received)
		return model.ChunkDescriptor{}, rerrors.New(rerrors.NoCapacity, "no chunk write acknowledgements within deadline")
	}

	now := time.Now()
	descriptor := model.ChunkDescriptor{
		ID:       chunkID,
		FileID:   fileID,
		Ordinal:  ordinal,
		Size:     int64(len(data)),
		Checksum: checksum,
	}
	descriptor.Envelope = descriptor.Envelope.Touch(c.cfg.NodeID, now)

	locations := model.ChunkLocationSet{ChunkID: chunkID, Locations: make(map[string]time.Time, len(successes))}
	for _, sn := range successes {
		locations.Locations[sn.ID] = now
	}
	locations.Envelope = locations.Envelope.Touch(c.cfg.NodeID, now)

	seq, err := c.cfg.Store.NextGossipSequence(ctx)
	if err != nil {
		return model.ChunkDescriptor{}, rerrors.Wrap(rerrors.Internal, "assign gossip sequence", err)
	}
	descriptorPayload, err := json.Marshal(descriptor)
	if err != nil {
		return model.ChunkDescriptor{}, rerrors.Wrap(rerrors.Internal, "marshal chunk descriptor for gossip", err)
	}
	entry := model.GossipLogEntry{
		Sequence:        seq,
		Kind:            model.KindChunk,
		EntityID:        chunkID,
		Op:              model.OpCreate,
		Payload:         descriptorPayload,
		OriginatorClock: descriptor.VectorClock,
		EmittedAt:       now,
	}

	if err := c.cfg.Store.CommitChunkWrite(ctx, descriptor, locations, entry); err != nil {
		return model.ChunkDescriptor{}, rerrors.Wrap(rerrors.Internal, "commit chunk write", err)
	}

	// Any writes still in flight past MinWriteAcks are stragglers we don't
	// need for the commit but whose location facts we still want recorded
	// once they land, so union rather than discard them.
	go c.absorbStragglers(chunkID, locations, results, len(active)-received)

	return descriptor, nil
}

// awaitStragglersAndCompensate is spawned when a write ultimately fails: it
// waits out the remaining in-flight attempts and issues compensating
// deletes for any that eventually succeed, so a failed chunk never leaves
// orphaned bytes on an SN (§4.5 step 6).
func (c *Coordinator) awaitStragglersAndCompensate(chunkID string, results <-chan writeAttempt, remaining int) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CompensationWait)
	defer cancel()

	for i := 0; i < remaining; i++ {
		select {
		case res := <-results:
			if res.err == nil && res.outcome == WriteOK {
				if _, err := c.cfg.Transport.DeleteChunk(ctx, res.sn.Address, chunkID); err != nil {
					c.logger.Warn().Err(err).Str("sn", res.sn.ID).Str("chunk", chunkID).Msg("compensating delete failed")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// absorbStragglers records location facts for writes that complete after
// the commit already happened on the minimum-ack quorum.
func (c *Coordinator) absorbStragglers(chunkID string, committed model.ChunkLocationSet, results <-chan writeAttempt, remaining int) {
	if remaining <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CompensationWait)
	defer cancel()

	for i := 0; i < remaining; i++ {
		select {
		case res := <-results:
			if res.err == nil && res.outcome == WriteOK {
				c.recordLocation(ctx, chunkID, res.sn.ID)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) recordLocation(ctx context.Context, chunkID, snID string) {
	current, ok, err := c.cfg.Store.GetChunkLocations(ctx, chunkID)
	if err != nil || !ok {
		return
	}
	if _, present := current.Locations[snID]; present {
		return
	}
	updated := current
	updated.Locations = make(map[string]time.Time, len(current.Locations)+1)
	for id, ts := range current.Locations {
		updated.Locations[id] = ts
	}
	updated.Locations[snID] = time.Now()
	updated.Envelope = current.Envelope.Touch(c.cfg.NodeID, time.Now())
	if err := c.appendUpdate(ctx, model.KindChunkLocs, chunkID, model.OpUpdate, updated.Envelope, updated, func() error {
		return c.cfg.Store.PutChunkLocations(ctx, updated)
	}); err != nil {
		c.logger.Warn().Err(err).Str("chunk", chunkID).Str("sn", snID).Msg("failed to record straggler location")
	}
}

// ReadChunk implements §4.5's read path: try healthy SNs first, verify the
// checksum, and report unavailable (never dropping location facts) if
// every holder fails.
func (c *Coordinator) ReadChunk(ctx context.Context, chunkID string) ([]byte, error) {
	descriptor, ok, err := c.cfg.Store.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.Internal, "get chunk descriptor", err)
	}
	if !ok {
		return nil, rerrors.New(rerrors.NotFound, "chunk not found")
	}

	locations, ok, err := c.cfg.Store.GetChunkLocations(ctx, chunkID)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.Internal, "get chunk locations", err)
	}
	if !ok || len(locations.Locations) == 0 {
		return nil, rerrors.New(rerrors.Unavailable, "chunk unavailable")
	}

	candidates, err := c.orderByHealth(ctx, locations)
	if err != nil {
		return nil, err
	}

	readCtx, cancel := context.WithTimeout(ctx, c.cfg.ReadDeadline)
	defer cancel()

	validator := chunkstore.Validator{}
	for _, sn := range candidates {
		body, _, err := c.cfg.Transport.ReadChunk(readCtx, sn.Address, chunkID)
		if err != nil {
			c.logger.Warn().Err(err).Str("sn", sn.ID).Str("chunk", chunkID).Msg("chunk read failed")
			continue
		}
		data, matches, err := readAndVerify(body, validator, descriptor.Checksum)
		if err != nil {
			c.logger.Warn().Err(err).Str("sn", sn.ID).Str("chunk", chunkID).Msg("chunk read stream error")
			continue
		}
		if !matches {
			c.logger.Warn().Str("sn", sn.ID).Str("chunk", chunkID).Msg("chunk read checksum mismatch")
			continue
		}
		return data, nil
	}

	return nil, rerrors.New(rerrors.Unavailable, "chunk unavailable")
}

func readAndVerify(body io.ReadCloser, validator chunkstore.Validator, want string) ([]byte, bool, error) {
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, false, err
	}
	matches, err := validator.Matches(bytes.NewReader(data), want)
	if err != nil {
		return nil, false, err
	}
	return data, matches, nil
}

// orderByHealth partitions a chunk's location facts into healthy-first
// order (§4.5 read step 2).
func (c *Coordinator) orderByHealth(ctx context.Context, locations model.ChunkLocationSet) ([]model.StorageNodeRecord, error) {
	nodes, err := c.cfg.Store.ListStorageNodes(ctx)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.Internal, "list storage nodes", err)
	}
	byID := make(map[string]model.StorageNodeRecord, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	var healthy, other []model.StorageNodeRecord
	for snID := range locations.Locations {
		sn, ok := byID[snID]
		if !ok {
			continue
		}
		if sn.Status == model.SNActive {
			healthy = append(healthy, sn)
		} else {
			other = append(other, sn)
		}
	}
	return append(healthy, other...), nil
}

// DeleteFile implements §4.5's delete path: tombstone the file and enqueue
// SN delete requests for every chunk it owns.
func (c *Coordinator) DeleteFile(ctx context.Context, fileID string) error {
	file, ok, err := c.cfg.Store.GetFile(ctx, fileID)
	if err != nil {
		return rerrors.Wrap(rerrors.Internal, "get file", err)
	}
	if !ok {
		return rerrors.New(rerrors.NotFound, "file not found")
	}
	if file.Deleted {
		return nil // R2-style idempotence for repeat deletes
	}

	now := time.Now()
	file.Deleted = true
	file.TombstonedAt = now
	file.Envelope = file.Envelope.Touch(c.cfg.NodeID, now)

	if err := c.appendUpdate(ctx, model.KindFile, fileID, model.OpSoftDelete, file.Envelope, file, func() error {
		return c.cfg.Store.PutFile(ctx, file)
	}); err != nil {
		return rerrors.Wrap(rerrors.Internal, "tombstone file", err)
	}

	chunks, err := c.cfg.Store.ListChunksByFile(ctx, fileID)
	if err != nil {
		return rerrors.Wrap(rerrors.Internal, "list file chunks", err)
	}

	for _, chunk := range chunks {
		c.deleteChunkFromEverySN(ctx, chunk.ID)
	}
	return nil
}

// RetryChunkDeletion re-attempts deleteChunkFromEverySN for a chunk whose
// delete previously failed against one or more SNs (I5, the GC manager's
// retry path). It is a no-op once the chunk descriptor is already gone.
func (c *Coordinator) RetryChunkDeletion(ctx context.Context, chunkID string) {
	if _, ok, err := c.cfg.Store.GetChunk(ctx, chunkID); err != nil || !ok {
		return
	}
	c.deleteChunkFromEverySN(ctx, chunkID)
}

func (c *Coordinator) deleteChunkFromEverySN(ctx context.Context, chunkID string) {
	locations, ok, err := c.cfg.Store.GetChunkLocations(ctx, chunkID)
	if err != nil || !ok {
		return
	}

	remaining := locations
	for snID := range locations.Locations {
		sn, ok, err := c.cfg.Store.GetStorageNode(ctx, snID)
		if err != nil || !ok {
			continue
		}
		if _, err := c.cfg.Transport.DeleteChunk(ctx, sn.Address, chunkID); err != nil {
			c.logger.Warn().Err(err).Str("sn", snID).Str("chunk", chunkID).Msg("chunk delete failed, will retry via chunk gc")
			continue
		}
		// SN delete is idempotent (not-found is a success too), so the
		// location fact clears whether or not the SN still had the chunk.
		remaining = conflict.RemoveLocation(remaining, snID, c.cfg.NodeID, time.Now())
	}

	if err := c.appendUpdate(ctx, model.KindChunkLocs, chunkID, model.OpUpdate, remaining.Envelope, remaining, func() error {
		return c.cfg.Store.PutChunkLocations(ctx, remaining)
	}); err != nil {
		c.logger.Warn().Err(err).Str("chunk", chunkID).Msg("failed to persist chunk-location update after delete")
	}

	if len(remaining.Locations) == 0 {
		if err := c.cfg.Store.DeleteChunk(ctx, chunkID); err != nil {
			c.logger.Warn().Err(err).Str("chunk", chunkID).Msg("failed to garbage-collect fully-deleted chunk descriptor")
		}
	}
}

// appendUpdate persists a local mutation via mutate and appends the
// matching gossip-log entry in the same call, per §5's "multi-row changes
// ... MUST commit atomically" spirit — the metastore's own multi-row
// atomicity is reserved for CommitChunkWrite; simple entity updates here
// are single-row and the append is best-effort immediately after.
func (c *Coordinator) appendUpdate(ctx context.Context, kind model.EntityKind, entityID string, op model.OpKind, envelope model.Envelope, snapshot interface{}, mutate func() error) error {
	if err := mutate(); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal gossip payload: %w", err)
	}
	seq, err := c.cfg.Store.NextGossipSequence(ctx)
	if err != nil {
		return err
	}
	return c.cfg.Store.AppendGossipLogEntry(ctx, model.GossipLogEntry{
		Sequence:        seq,
		Kind:            kind,
		EntityID:        entityID,
		Op:              op,
		Payload:         payload,
		OriginatorClock: envelope.VectorClock,
		EmittedAt:       envelope.ModifiedAt,
	})
}

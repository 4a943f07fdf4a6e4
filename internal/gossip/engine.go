package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/redcloudfiles/redcloud/internal/model"
)

// Applier is the metadata coordinator's contract with the gossip engine.
// The engine never touches the metadata store directly; it asks the
// applier to compute digests, gather pending entries, and apply incoming
// state, keeping the engine free of storage concerns (§9's "explicit
// construction graph, no service locator" rule).
type Applier interface {
	// PendingSince returns gossip-log entries the applier believes
	// peerID has not yet acknowledged, oldest first, bounded by limit.
	PendingSince(ctx context.Context, peerID string, limit int) ([]model.GossipLogEntry, error)

	// MarkAcked records that peerID has acknowledged the given sequences.
	MarkAcked(ctx context.Context, peerID string, sequences []uint64) error

	// ApplyIncoming runs the conflict resolver against each entry's
	// current local version and stores the winner; entries observed for
	// the first time are re-appended to the local log so they propagate
	// further via the next push round (§4.3 receive-side).
	ApplyIncoming(ctx context.Context, senderID string, entries []model.GossipLogEntry) error

	// LocalDigest returns, per entity kind, a map from entity id to its
	// current vector clock — the state-summary payload of §4.3 step 2.
	LocalDigest(ctx context.Context) (map[model.EntityKind]map[string]map[string]uint64, error)

	// EntitiesForFetch returns full JSON snapshots for the requested ids
	// of the given kind (§6 fetch-entities).
	EntitiesForFetch(ctx context.Context, kind model.EntityKind, ids []string) (map[string]json.RawMessage, error)
}

// Config configures an Engine.
type Config struct {
	NodeID            string
	Transport         Transport
	Applier           Applier
	Registry          *Registry
	Logger            zerolog.Logger
	GossipPeriod      time.Duration
	AntiEntropyPeriod time.Duration
	Fanout            int
	EntriesPerCall    int // bound on entries sent per push call
	PushDeadline      time.Duration
	AntiEntropyDeadline time.Duration
	InboundRateLimit  rate.Limit
	InboundBurst      int
}

// Engine runs the two cooperating gossip loops for one MN: push and
// anti-entropy (§4.3).
type Engine struct {
	cfg     Config
	logger  zerolog.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Engine. Call Start to begin its background loops.
func New(cfg Config) *Engine {
	if cfg.Fanout == 0 {
		cfg.Fanout = 2
	}
	if cfg.EntriesPerCall == 0 {
		cfg.EntriesPerCall = 500
	}
	if cfg.GossipPeriod == 0 {
		cfg.GossipPeriod = 5 * time.Second
	}
	if cfg.AntiEntropyPeriod == 0 {
		cfg.AntiEntropyPeriod = 30 * time.Second
	}
	if cfg.PushDeadline == 0 {
		cfg.PushDeadline = 5 * time.Second
	}
	if cfg.AntiEntropyDeadline == 0 {
		cfg.AntiEntropyDeadline = 15 * time.Second
	}
	if cfg.InboundRateLimit == 0 {
		cfg.InboundRateLimit = rate.Limit(1000)
	}
	if cfg.InboundBurst == 0 {
		cfg.InboundBurst = 200
	}

	return &Engine{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "gossip").Logger(),
		limiter: rate.NewLimiter(cfg.InboundRateLimit, cfg.InboundBurst),
	}
}

// Start launches the push and anti-entropy loops. It returns immediately;
// the loops run until Stop is called.
func (e *Engine) Start(parent context.Context) {
	e.ctx, e.cancel = context.WithCancel(parent)

	e.wg.Add(2)
	go e.runLoop("push", e.cfg.GossipPeriod, e.pushRound)
	go e.runLoop("anti-entropy", e.cfg.AntiEntropyPeriod, e.antiEntropyRound)
}

// Stop cancels both loops and waits for them to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// runLoop is the phased ticker pattern used throughout the corpus:
// background loops recover locally on any step failure, log, and continue
// to the next tick — they never panic the node (§7 propagation policy).
func (e *Engine) runLoop(name string, period time.Duration, step func(ctx context.Context)) {
	defer e.wg.Done()
	logger := e.logger.With().Str("loop", name).Logger()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.runStepGuarded(logger, step)
		}
	}
}

func (e *Engine) runStepGuarded(logger zerolog.Logger, step func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("gossip loop step recovered from panic")
		}
	}()
	step(e.ctx)
}

// pushRound implements §4.3's push loop.
func (e *Engine) pushRound(ctx context.Context) {
	peers := e.cfg.Registry.SelectFanout(e.cfg.Fanout, nil)
	if len(peers) == 0 {
		return
	}

	for _, peer := range peers {
		entries, err := e.cfg.Applier.PendingSince(ctx, peer.ID, e.cfg.EntriesPerCall)
		if err != nil {
			e.logger.Warn().Err(err).Str("peer", peer.ID).Msg("failed to gather pending gossip entries")
			continue
		}
		if len(entries) == 0 {
			continue
		}

		wireEntries := make([]GossipEntryWire, 0, len(entries))
		for _, entry := range entries {
			wireEntries = append(wireEntries, toWireEntry(entry))
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.PushDeadline)
		_, err = e.cfg.Transport.SendGossip(callCtx, peer.Address, GossipReceiveRequest{
			SenderID: e.cfg.NodeID,
			Entries:  wireEntries,
		})
		cancel()

		if err != nil {
			// On failure leave acknowledgement state unchanged and mark
			// the peer suspected as a local scheduling hint; liveness
			// itself is the health monitor's job, not gossip's (§4.3
			// step 4, §4.7).
			e.logger.Warn().Err(err).Str("peer", peer.ID).Msg("gossip push failed")
			e.cfg.Registry.MarkSuspected(peer.ID)
			continue
		}

		seqs := make([]uint64, 0, len(entries))
		for _, entry := range entries {
			seqs = append(seqs, entry.Sequence)
		}
		if err := e.cfg.Applier.MarkAcked(ctx, peer.ID, seqs); err != nil {
			e.logger.Warn().Err(err).Str("peer", peer.ID).Msg("failed to record gossip acknowledgement")
		}
	}
}

// antiEntropyRound implements §4.3's anti-entropy loop.
func (e *Engine) antiEntropyRound(ctx context.Context) {
	peer, ok := e.cfg.Registry.SelectOne()
	if !ok {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.AntiEntropyDeadline)
	defer cancel()

	remoteSummary, err := e.cfg.Transport.StateSummary(callCtx, peer.Address)
	if err != nil {
		e.logger.Warn().Err(err).Str("peer", peer.ID).Msg("anti-entropy state-summary exchange failed")
		e.cfg.Registry.MarkSuspected(peer.ID)
		return
	}

	localDigest, err := e.cfg.Applier.LocalDigest(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("anti-entropy failed to compute local digest")
		return
	}

	toPull := computeToPull(localDigest, remoteSummary.Digests)

	for kind, ids := range toPull {
		if len(ids) == 0 {
			continue
		}
		resp, err := e.cfg.Transport.FetchEntities(callCtx, peer.Address, FetchEntitiesRequest{Kind: kind, IDs: ids})
		if err != nil {
			e.logger.Warn().Err(err).Str("peer", peer.ID).Str("kind", string(kind)).Msg("anti-entropy fetch-entities failed")
			continue
		}
		if err := e.applyFetchedPayloads(ctx, peer.ID, kind, resp.Payloads); err != nil {
			e.logger.Warn().Err(err).Msg("anti-entropy failed to apply fetched entities")
		}
	}
}

// computeToPull returns, per entity kind, the ids whose remote vector
// clock strictly dominates or is concurrent with the local one — the
// to-pull delta of §4.3 step 3. (to-push is symmetric and handled by the
// ordinary push loop reaching the peer on a later round; anti-entropy here
// focuses on pulling what we're missing, since our own push loop already
// covers propagating what we have.)
func computeToPull(local, remote map[model.EntityKind]map[string]map[string]uint64) map[model.EntityKind][]string {
	out := make(map[model.EntityKind][]string)
	for kind, remoteEntities := range remote {
		localEntities := local[kind]
		var ids []string
		for id, remoteClock := range remoteEntities {
			localClock, exists := localEntities[id]
			if !exists {
				ids = append(ids, id)
				continue
			}
			if clockDominatesOrConcurrent(remoteClock, localClock) {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			out[kind] = ids
		}
	}
	return out
}

func clockDominatesOrConcurrent(a, b map[string]uint64) bool {
	aDominates := true
	strictlyGreater := false
	for k, av := range a {
		bv := b[k]
		if av < bv {
			aDominates = false
		}
		if av > bv {
			strictlyGreater = true
		}
	}
	if aDominates && strictlyGreater {
		return true // a strictly dominates b
	}
	// Check concurrency: neither dominates.
	bDominates := true
	for k, bv := range b {
		if bv < a[k] {
			bDominates = false
			break
		}
	}
	return !aDominates && !bDominates
}

func (e *Engine) applyFetchedPayloads(ctx context.Context, senderID string, kind model.EntityKind, payloads map[string]json.RawMessage) error {
	entries := make([]model.GossipLogEntry, 0, len(payloads))
	for id, payload := range payloads {
		entries = append(entries, model.GossipLogEntry{
			Kind:     kind,
			EntityID: id,
			Op:       model.OpUpdate,
			Payload:  payload,
		})
	}
	return e.cfg.Applier.ApplyIncoming(ctx, senderID, entries)
}

// HandleGossipReceive is called by the control-plane HTTP handler when a
// push arrives from a peer (§4.3 receive side, shared with anti-entropy's
// apply path). It rate-limits inbound traffic per §5's CPU-bound-step
// bound and applies the conflict resolver via the Applier.
func (e *Engine) HandleGossipReceive(ctx context.Context, req GossipReceiveRequest) error {
	if !e.limiter.Allow() {
		return fmt.Errorf("gossip: inbound rate limit exceeded")
	}

	entries := make([]model.GossipLogEntry, 0, len(req.Entries))
	for _, w := range req.Entries {
		entries = append(entries, fromWireEntry(w))
	}
	return e.cfg.Applier.ApplyIncoming(ctx, req.SenderID, entries)
}

// HandleStateSummary answers a state-summary request (§6).
func (e *Engine) HandleStateSummary(ctx context.Context) (StateSummaryResponse, error) {
	digest, err := e.cfg.Applier.LocalDigest(ctx)
	if err != nil {
		return StateSummaryResponse{}, err
	}
	return StateSummaryResponse{Digests: digest}, nil
}

// HandleFetchEntities answers a fetch-entities request (§6).
func (e *Engine) HandleFetchEntities(ctx context.Context, req FetchEntitiesRequest) (FetchEntitiesResponse, error) {
	payloads, err := e.cfg.Applier.EntitiesForFetch(ctx, req.Kind, req.IDs)
	if err != nil {
		return FetchEntitiesResponse{}, err
	}
	return FetchEntitiesResponse{Payloads: payloads}, nil
}

func toWireEntry(e model.GossipLogEntry) GossipEntryWire {
	return GossipEntryWire{
		Sequence:        e.Sequence,
		Kind:            e.Kind,
		EntityID:        e.EntityID,
		Op:              e.Op,
		Payload:         json.RawMessage(e.Payload),
		OriginatorClock: map[string]uint64(e.OriginatorClock),
		EmittedAtUnix:   e.EmittedAt.Unix(),
	}
}

func fromWireEntry(w GossipEntryWire) model.GossipLogEntry {
	return model.GossipLogEntry{
		Sequence:        w.Sequence,
		Kind:            w.Kind,
		EntityID:        w.EntityID,
		Op:              w.Op,
		Payload:         []byte(w.Payload),
		OriginatorClock: w.OriginatorClock,
		EmittedAt:       time.Unix(w.EmittedAtUnix, 0),
	}
}

package mnode

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/redcloudfiles/redcloud/internal/gossip"
	"github.com/redcloudfiles/redcloud/internal/metastore"
	"github.com/redcloudfiles/redcloud/internal/model"
)

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	NodeID   string
	Store    metastore.Store
	Registry *gossip.Registry
	Logger   zerolog.Logger
	Period   time.Duration // default 5 minutes (§4.4 steady state)
}

// Reconciler runs the §4.4 background reconciliation task: it compares the
// in-memory peer registry driving gossip fanout to the persisted metadata-
// node records and repairs drift in either direction. Without it, an MN
// record learned only through gossip propagation (never a direct
// register-peer or list-peers contact) would sit in the store forever
// without ever reaching the live Registry that SelectFanout/SelectOne draw
// from — this loop is what makes that reachable, and is also the one
// caller of Registry.EvictStale.
type Reconciler struct {
	cfg    ReconcilerConfig
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler builds a Reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Period == 0 {
		cfg.Period = 5 * time.Minute
	}
	return &Reconciler{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "reconciler").Logger(),
	}
}

// Start launches the reconciliation loop.
func (r *Reconciler) Start(parent context.Context) {
	r.ctx, r.cancel = context.WithCancel(parent)
	r.wg.Add(1)
	go r.run()
}

// Stop cancels the loop and waits for it to exit.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reconciler) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.runStepGuarded()
		}
	}
}

func (r *Reconciler) runStepGuarded() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("reconciliation loop step recovered from panic")
		}
	}()
	r.reconcileRound(r.ctx)
}

// reconcileRound diffs Store.ListMetadataNodes against Registry.Peers in
// both directions, then evicts registry entries that have gone stale.
func (r *Reconciler) reconcileRound(ctx context.Context) {
	records, err := r.cfg.Store.ListMetadataNodes(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to list metadata nodes for reconciliation")
		return
	}

	registered := make(map[string]gossip.PeerState)
	for _, p := range r.cfg.Registry.Peers() {
		registered[p.ID] = p
	}

	var pulled, pushed int
	for _, rec := range records {
		if rec.ID == r.cfg.NodeID {
			continue
		}
		if _, ok := registered[rec.ID]; !ok {
			// Learned via gossip only (anti-entropy or a re-appended
			// entry), never through a direct register-peer/list-peers
			// contact — without this the registry never sees it.
			r.cfg.Registry.Upsert(rec.ID, rec.Address, rec.LastSeen)
			pulled++
		}
	}

	stored := make(map[string]bool, len(records))
	for _, rec := range records {
		stored[rec.ID] = true
	}
	now := time.Now()
	for id, p := range registered {
		if id == r.cfg.NodeID || stored[id] {
			continue
		}
		record := model.MetadataNodeRecord{ID: id, Address: p.Address, LastSeen: p.LastSeen}
		record.Envelope = record.Envelope.Touch(r.cfg.NodeID, now)
		if err := r.cfg.Store.PutMetadataNode(ctx, record); err != nil {
			r.logger.Warn().Err(err).Str("peer", id).Msg("failed to persist registry-only peer during reconciliation")
			continue
		}
		pushed++
	}

	evicted := r.cfg.Registry.EvictStale(now)

	if pulled > 0 || pushed > 0 || len(evicted) > 0 {
		r.logger.Info().
			Int("pulled_into_registry", pulled).
			Int("pushed_into_store", pushed).
			Strs("evicted", evicted).
			Msg("metadata-node registry reconciliation complete")
	}
}

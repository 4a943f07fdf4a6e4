package placement

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/redcloudfiles/redcloud/internal/metastore"
)

// GCConfig configures a GCManager.
type GCConfig struct {
	NodeID    string
	Store     metastore.Store
	Logger    zerolog.Logger
	Period    time.Duration // default 60s, same cadence as the repair loop
	Retention time.Duration // §9 O2: extra grace period past TombstonedAt before GC acts; 0 = none
}

// GCManager is the supplemented chunk GC manager of §12, grounded on the
// original's chunk_gc_manager.py: distinct from the repair loop, it scans
// tombstoned files and retries deleting any chunk whose location-fact set
// never fully emptied on the first pass (I5), because DeleteFile's inline
// attempt failed against one or more SNs.
type GCManager struct {
	cfg    GCConfig
	logger zerolog.Logger
	coord  *Coordinator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGCManager builds a GCManager. coord supplies RetryChunkDeletion.
func NewGCManager(cfg GCConfig, coord *Coordinator) *GCManager {
	if cfg.Period == 0 {
		cfg.Period = 60 * time.Second
	}
	return &GCManager{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "chunk-gc").Logger(),
		coord:  coord,
	}
}

// Start launches the GC loop.
func (g *GCManager) Start(parent context.Context) {
	g.ctx, g.cancel = context.WithCancel(parent)
	g.wg.Add(1)
	go g.run()
}

// Stop cancels the loop and waits for it to exit.
func (g *GCManager) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

func (g *GCManager) run() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.runGuarded()
		}
	}
}

func (g *GCManager) runGuarded() {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error().Interface("panic", rec).Msg("gc loop step recovered from panic")
		}
	}()
	g.gcRound(g.ctx)
}

// gcRound scans every tombstoned file past the retention grace period and
// retries deleting whatever chunks that file still has descriptors for.
// A chunk whose location-fact set is already empty is hard-deleted by
// RetryChunkDeletion in the same pass it discovers that; there is no
// separate quorum-liveness check like the original's, because a chunk's
// only referent is its owning file (I2), so an emptied location set under
// a tombstoned file is unambiguously unreferenced.
func (g *GCManager) gcRound(ctx context.Context) {
	files, err := g.cfg.Store.ListAllFiles(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("failed to list files for chunk gc")
		return
	}

	now := time.Now()
	var swept, retried int
	for _, f := range files {
		if !f.Deleted {
			continue
		}
		if g.cfg.Retention > 0 && now.Sub(f.TombstonedAt) < g.cfg.Retention {
			continue
		}
		swept++

		chunks, err := g.cfg.Store.ListChunksByFile(ctx, f.ID)
		if err != nil {
			g.logger.Warn().Err(err).Str("file", f.ID).Msg("failed to list chunks for gc")
			continue
		}
		for _, c := range chunks {
			g.coord.RetryChunkDeletion(ctx, c.ID)
			retried++
		}
	}

	if retried > 0 {
		g.logger.Info().Int("tombstoned_files", swept).Int("chunks_retried", retried).Msg("chunk gc round complete")
	}
}

package placement

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/redcloudfiles/redcloud/internal/metastore"
	"github.com/redcloudfiles/redcloud/internal/model"
)

// RepairConfig configures a Repairer.
type RepairConfig struct {
	NodeID           string
	Store            metastore.Store
	Transport        SNTransport
	Logger           zerolog.Logger
	Period           time.Duration // §4.6 default 60s
	MaxConcurrent    int           // §5 default 32 concurrent repair tasks globally
	ReplicateDeadline time.Duration
}

// Repairer implements §4.6's repair loop: for every non-tombstoned chunk,
// compute the missing target SNs and ask each to replicate from a source
// SN. Repair is idempotent — multiple MNs racing to repair the same chunk
// is safe because SN writes are overwrite-with-identical-bytes and location
// facts are set-valued.
type Repairer struct {
	cfg    RepairConfig
	logger zerolog.Logger
	coord  *Coordinator

	roundRobin uint64
	rrMu       sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRepairer builds a Repairer. coord supplies the shared gossip-append
// helper used to record new location facts.
func NewRepairer(cfg RepairConfig, coord *Coordinator) *Repairer {
	if cfg.Period == 0 {
		cfg.Period = 60 * time.Second
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 32
	}
	if cfg.ReplicateDeadline == 0 {
		cfg.ReplicateDeadline = 60 * time.Second
	}
	return &Repairer{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "repair").Logger(),
		coord:  coord,
	}
}

// Start launches the repair loop.
func (r *Repairer) Start(parent context.Context) {
	r.ctx, r.cancel = context.WithCancel(parent)
	r.wg.Add(1)
	go r.run()
}

// Stop cancels the loop and waits for it to exit.
func (r *Repairer) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Repairer) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.runGuarded()
		}
	}
}

func (r *Repairer) runGuarded() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("repair loop step recovered from panic")
		}
	}()
	r.repairRound(r.ctx)
}

type repairTask struct {
	chunk    model.ChunkDescriptor
	target   model.StorageNodeRecord
	source   model.StorageNodeRecord
}

// repairRound implements §4.6 steps 1-6, capping total concurrency across
// the whole round rather than per chunk, matching §5's "32 concurrent
// repair tasks globally" bound.
func (r *Repairer) repairRound(ctx context.Context) {
	chunks, err := r.cfg.Store.ListAllChunks(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to list chunks for repair")
		return
	}
	nodes, err := r.cfg.Store.ListStorageNodes(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to list storage nodes for repair")
		return
	}
	active := activeStorageNodes(nodes)
	if len(active) == 0 {
		return
	}

	tasks := r.planTasks(ctx, chunks, active)
	if len(tasks) == 0 {
		return
	}

	sem := make(chan struct{}, r.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, task := range tasks {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		default:
		}

		wg.Add(1)
		go func(t repairTask) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			r.runTask(ctx, t)
		}(task)
	}
	wg.Wait()
}

// planTasks computes, for each chunk, missing = active-SNs \ current-locations
// and picks a source SN round-robin across chunks to spread source load
// (§4.6 steps 2-3).
func (r *Repairer) planTasks(ctx context.Context, chunks []model.ChunkDescriptor, active []model.StorageNodeRecord) []repairTask {
	byID := make(map[string]model.StorageNodeRecord, len(active))
	for _, sn := range active {
		byID[sn.ID] = sn
	}

	var tasks []repairTask
	for _, chunk := range chunks {
		if file, found, err := r.cfg.Store.GetFile(ctx, chunk.FileID); err == nil && found && file.Deleted {
			// Tombstoned file: its chunks are being deleted, not repaired.
			continue
		}
		locations, ok, err := r.cfg.Store.GetChunkLocations(ctx, chunk.ID)
		if err != nil {
			r.logger.Warn().Err(err).Str("chunk", chunk.ID).Msg("failed to get chunk locations during repair planning")
			continue
		}
		var sources []model.StorageNodeRecord
		present := make(map[string]bool)
		if ok {
			for snID := range locations.Locations {
				present[snID] = true
				if sn, exists := byID[snID]; exists {
					sources = append(sources, sn)
				}
			}
		}
		if len(sources) == 0 {
			// No healthy holder to replicate from yet; skip this cycle.
			continue
		}

		for _, sn := range active {
			if present[sn.ID] {
				continue
			}
			source := sources[r.nextRoundRobin()%uint64(len(sources))]
			tasks = append(tasks, repairTask{chunk: chunk, target: sn, source: source})
		}
	}
	return tasks
}

func (r *Repairer) nextRoundRobin() uint64 {
	r.rrMu.Lock()
	defer r.rrMu.Unlock()
	v := r.roundRobin
	r.roundRobin++
	return v
}

func (r *Repairer) runTask(ctx context.Context, t repairTask) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ReplicateDeadline)
	defer cancel()

	if err := r.cfg.Transport.ReplicateChunk(callCtx, t.target.Address, t.chunk.ID, t.source.Address); err != nil {
		r.logger.Warn().Err(err).Str("chunk", t.chunk.ID).Str("target", t.target.ID).Str("source", t.source.ID).Msg("chunk replication failed, deferred to next cycle")
		return
	}

	r.coord.recordLocation(ctx, t.chunk.ID, t.target.ID)
	r.logger.Info().Str("chunk", t.chunk.ID).Str("target", t.target.ID).Str("source", t.source.ID).Msg("chunk repaired")
}

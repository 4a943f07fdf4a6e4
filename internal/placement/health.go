package placement

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/redcloudfiles/redcloud/internal/metastore"
	"github.com/redcloudfiles/redcloud/internal/model"
)

// HealthMonitorConfig configures a HealthMonitor.
type HealthMonitorConfig struct {
	NodeID          string
	Store           metastore.Store
	Logger          zerolog.Logger
	Period          time.Duration // §4.7 default 10s
	HeartbeatTimeout time.Duration // §4.7 default 30s
}

// HealthMonitor implements §4.7: a periodic scan of the SN registry that
// transitions storage nodes between active and failed based on heartbeat
// recency, gossiping every transition so peer MNs converge on liveness.
type HealthMonitor struct {
	cfg    HealthMonitorConfig
	logger zerolog.Logger
	coord  *Coordinator // used only to append gossip entries via appendUpdate

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthMonitor builds a HealthMonitor. coord supplies the shared
// gossip-append helper so transitions are recorded the same way placement
// mutations are.
func NewHealthMonitor(cfg HealthMonitorConfig, coord *Coordinator) *HealthMonitor {
	if cfg.Period == 0 {
		cfg.Period = 10 * time.Second
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	return &HealthMonitor{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "health-monitor").Logger(),
		coord:  coord,
	}
}

// Start launches the health-check loop.
func (h *HealthMonitor) Start(parent context.Context) {
	h.ctx, h.cancel = context.WithCancel(parent)
	h.wg.Add(1)
	go h.run()
}

// Stop cancels the loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *HealthMonitor) run() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.runGuarded()
		}
	}
}

func (h *HealthMonitor) runGuarded() {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Msg("health monitor step recovered from panic")
		}
	}()
	h.checkAll(h.ctx)
}

func (h *HealthMonitor) checkAll(ctx context.Context) {
	nodes, err := h.cfg.Store.ListStorageNodes(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to list storage nodes for health check")
		return
	}

	cutoff := time.Now().Add(-h.cfg.HeartbeatTimeout)
	for _, sn := range nodes {
		wantStatus := model.SNActive
		if sn.LastHeartbeat.Before(cutoff) {
			wantStatus = model.SNFailed
		}
		if sn.Status == wantStatus {
			continue
		}

		prev := sn.Status
		sn.Status = wantStatus
		sn.Envelope = sn.Envelope.Touch(h.cfg.NodeID, time.Now())

		if err := h.coord.appendUpdate(ctx, model.KindStorageNode, sn.ID, model.OpUpdate, sn.Envelope, sn, func() error {
			return h.cfg.Store.PutStorageNode(ctx, sn)
		}); err != nil {
			h.logger.Warn().Err(err).Str("sn", sn.ID).Msg("failed to persist storage node status transition")
			continue
		}

		h.logger.Info().Str("sn", sn.ID).Str("from", string(prev)).Str("to", string(wantStatus)).Msg("storage node status transition")
	}
}

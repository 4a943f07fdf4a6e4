package snode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/redcloudfiles/redcloud/internal/chunkstore"
	"github.com/redcloudfiles/redcloud/internal/discovery"
)

// heartbeatRequest mirrors mnode.heartbeatRequest, the SN-to-MN wire
// message of §6/§4.8.
type heartbeatRequest struct {
	NodeID   string `json:"node_id"`
	Address  string `json:"address"`
	Capacity int64  `json:"capacity"`
	Used     int64  `json:"used"`
}

// HeartbeatSenderConfig configures a HeartbeatSender.
type HeartbeatSenderConfig struct {
	NodeID           string
	AdvertiseAddress string
	MetadataAlias    string
	CapacityBytes    int64
	Period           time.Duration // §4.8 default 10s
	Deadline         time.Duration // §4.8 default 5s
}

// HeartbeatSender periodically resolves the metadata alias and posts a
// heartbeat to one of the resolved metadata nodes (§4.8). Any responsive
// MN relays the fact through gossip, so a single successful post per
// round is sufficient.
type HeartbeatSender struct {
	cfg      HeartbeatSenderConfig
	resolver *discovery.Resolver
	store    *chunkstore.Store
	client   *http.Client
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeatSender builds a HeartbeatSender that reports store's usage.
func NewHeartbeatSender(cfg HeartbeatSenderConfig, resolver *discovery.Resolver, store *chunkstore.Store, logger zerolog.Logger) *HeartbeatSender {
	if cfg.Period == 0 {
		cfg.Period = 10 * time.Second
	}
	if cfg.Deadline == 0 {
		cfg.Deadline = 5 * time.Second
	}
	return &HeartbeatSender{
		cfg:      cfg,
		resolver: resolver,
		store:    store,
		client:   &http.Client{Timeout: cfg.Deadline},
		logger:   logger.With().Str("component", "heartbeat-sender").Logger(),
	}
}

// Start launches the heartbeat loop.
func (h *HeartbeatSender) Start(parent context.Context) {
	h.ctx, h.cancel = context.WithCancel(parent)
	h.wg.Add(1)
	go h.run()
}

// Stop cancels the loop and waits for it to exit.
func (h *HeartbeatSender) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *HeartbeatSender) run() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.Period)
	defer ticker.Stop()

	h.beat()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

func (h *HeartbeatSender) beat() {
	addrs, err := h.resolver.Resolve(h.ctx, h.cfg.MetadataAlias)
	if err != nil || len(addrs) == 0 {
		h.logger.Warn().Err(err).Msg("failed to resolve metadata alias for heartbeat")
		return
	}

	used := h.usedBytes()
	body := heartbeatRequest{
		NodeID:   h.cfg.NodeID,
		Address:  h.cfg.AdvertiseAddress,
		Capacity: h.cfg.CapacityBytes,
		Used:     used,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}

	for _, addr := range addrs {
		ctx, cancel := context.WithTimeout(h.ctx, h.cfg.Deadline)
		if h.send(ctx, addr, payload) {
			cancel()
			return
		}
		cancel()
	}
	h.logger.Warn().Strs("addrs", addrs).Msg("heartbeat failed against every resolved metadata node")
}

func (h *HeartbeatSender) send(ctx context.Context, addr string, payload []byte) bool {
	url := fmt.Sprintf("http://%s/v1/control/heartbeat", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (h *HeartbeatSender) usedBytes() int64 {
	infos, err := h.store.List(h.ctx)
	if err != nil {
		return 0
	}
	var total int64
	for _, info := range infos {
		total += info.Size
	}
	return total
}

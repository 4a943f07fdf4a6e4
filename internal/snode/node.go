package snode

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/redcloudfiles/redcloud/internal/chunkstore"
	"github.com/redcloudfiles/redcloud/internal/config"
	"github.com/redcloudfiles/redcloud/internal/discovery"
	"github.com/redcloudfiles/redcloud/internal/metrics"
)

// Node is one storage node's fully wired dependency graph, built the same
// explicit-construction way as mnode.Node (§9).
type Node struct {
	cfg config.StorageNodeConfig

	Store     *chunkstore.Store
	Resolver  *discovery.Resolver
	Heartbeat *HeartbeatSender
	Metrics   *metrics.StorageNodeMetrics
	DataSrv   *Server

	httpServer *http.Server
	logger     zerolog.Logger
}

// New constructs a Node from cfg. It opens the local chunk store, so
// callers must call Stop to release it (chunkstore.Store has no handle
// to close, but the pattern mirrors mnode.Node for symmetry).
func New(cfg config.StorageNodeConfig, logger zerolog.Logger) (*Node, error) {
	store, err := chunkstore.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("snode: open chunk store: %w", err)
	}

	registerer := prometheus.NewRegistry()
	nodeMetrics := metrics.NewStorageNodeMetrics(registerer)

	resolver := discovery.New("", 7100)
	dataSrv := NewServer(store, cfg.DataDir, logger)

	heartbeat := NewHeartbeatSender(HeartbeatSenderConfig{
		NodeID:           cfg.NodeID,
		AdvertiseAddress: cfg.AdvertiseAddress,
		MetadataAlias:    cfg.MetadataAlias,
		CapacityBytes:    cfg.CapacityBytes,
		Period:           cfg.HeartbeatPeriod,
		Deadline:         cfg.HeartbeatDeadline,
	}, resolver, store, logger)

	mux := http.NewServeMux()
	mux.Handle("/v1/data/", dataSrv)
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))

	return &Node{
		cfg:        cfg,
		Store:      store,
		Resolver:   resolver,
		Heartbeat:  heartbeat,
		Metrics:    nodeMetrics,
		DataSrv:    dataSrv,
		httpServer: &http.Server{Addr: cfg.Listen, Handler: mux},
		logger:     logger.With().Str("component", "snode").Str("node_id", cfg.NodeID).Logger(),
	}, nil
}

// Start launches the heartbeat loop and the data-plane HTTP listener.
func (n *Node) Start(ctx context.Context) error {
	if _, _, err := net.SplitHostPort(n.cfg.Listen); err != nil {
		return fmt.Errorf("snode: invalid listen address %q: %w", n.cfg.Listen, err)
	}

	n.Heartbeat.Start(ctx)

	ln, err := net.Listen("tcp", n.cfg.Listen)
	if err != nil {
		return fmt.Errorf("snode: listen on %s: %w", n.cfg.Listen, err)
	}
	go func() {
		if err := n.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			n.logger.Error().Err(err).Msg("data-plane listener exited")
		}
	}()

	n.logger.Info().Str("listen", n.cfg.Listen).Msg("storage node started")
	return nil
}

// Stop drains the HTTP listener with a bounded grace period and stops the
// heartbeat loop.
func (n *Node) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := n.httpServer.Shutdown(shutdownCtx); err != nil {
		n.logger.Warn().Err(err).Msg("data-plane listener shutdown did not complete cleanly")
	}
	n.Heartbeat.Stop()
	return nil
}

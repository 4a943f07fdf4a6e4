package mnode

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/redcloudfiles/redcloud/internal/auth"
	"github.com/redcloudfiles/redcloud/internal/clientapi"
	"github.com/redcloudfiles/redcloud/internal/config"
	"github.com/redcloudfiles/redcloud/internal/discovery"
	"github.com/redcloudfiles/redcloud/internal/gossip"
	"github.com/redcloudfiles/redcloud/internal/metastore"
	"github.com/redcloudfiles/redcloud/internal/metrics"
	"github.com/redcloudfiles/redcloud/internal/placement"
)

// Node is one metadata node's fully wired dependency graph: no globals, no
// service locator, every collaborator constructed explicitly and handed
// to the pieces that need it (§9).
type Node struct {
	cfg config.MetadataNodeConfig

	Store       metastore.Store
	Registry    *gossip.Registry
	Engine      *gossip.Engine
	Applier     *Applier
	Coordinator *placement.Coordinator
	HealthMon   *placement.HealthMonitor
	Repairer    *placement.Repairer
	GC          *placement.GCManager
	Reconciler  *Reconciler
	Resolver    *discovery.Resolver
	Bootstrap   *discovery.Bootstrapper
	Tokens      *auth.TokenService
	Metrics     *metrics.MetadataNodeMetrics
	ControlSrv  *Server
	ClientSrv   *clientapi.Server

	httpServer *http.Server
	logger     zerolog.Logger
}

// New constructs a Node from cfg. It opens the local store, so callers
// must call Close (via Stop) to release it.
func New(cfg config.MetadataNodeConfig, logger zerolog.Logger) (*Node, error) {
	store, err := metastore.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("mnode: open store: %w", err)
	}

	registry := gossip.NewRegistry(cfg.PeerRegistryTTL)
	registerer := prometheus.NewRegistry()
	nodeMetrics := metrics.NewMetadataNodeMetrics(registerer)

	applier := NewApplier(cfg.NodeID, store, logger, nodeMetrics)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	transport := gossip.NewHTTPTransport(cfg.NodeID, httpClient)

	engine := gossip.New(gossip.Config{
		NodeID:            cfg.NodeID,
		Transport:         transport,
		Applier:           applier,
		Registry:          registry,
		Logger:            logger,
		GossipPeriod:      cfg.GossipPeriod,
		AntiEntropyPeriod: cfg.AntiEntropyPeriod,
		Fanout:            cfg.Fanout,
	})

	snTransport := placement.NewHTTPSNTransport(httpClient)
	coordinator := placement.NewCoordinator(placement.CoordinatorConfig{
		NodeID:        cfg.NodeID,
		Store:         store,
		Transport:     snTransport,
		Logger:        logger,
		WriteDeadline: cfg.WriteDeadline,
		ReadDeadline:  cfg.ReadDeadline,
		MinWriteAcks:  cfg.MinWriteAcks,
		InflightPerSN: cfg.InflightWritesPerSN,
	})

	healthMon := placement.NewHealthMonitor(placement.HealthMonitorConfig{
		NodeID:           cfg.NodeID,
		Store:            store,
		Logger:           logger,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}, coordinator)

	repairer := placement.NewRepairer(placement.RepairConfig{
		NodeID:        cfg.NodeID,
		Store:         store,
		Transport:     snTransport,
		Logger:        logger,
		Period:        cfg.RepairPeriod,
		MaxConcurrent: cfg.InflightRepairs,
	}, coordinator)

	gc := placement.NewGCManager(placement.GCConfig{
		NodeID:    cfg.NodeID,
		Store:     store,
		Logger:    logger,
		Period:    2 * cfg.AntiEntropyPeriod,
		Retention: cfg.TombstoneRetention,
	}, coordinator)

	reconciler := NewReconciler(ReconcilerConfig{
		NodeID:   cfg.NodeID,
		Store:    store,
		Registry: registry,
		Logger:   logger,
	})

	resolver := discovery.New("", 7100)
	self := gossip.PeerInfo{ID: cfg.NodeID, Address: cfg.AdvertiseAddress}
	bootstrap := discovery.NewBootstrapper(resolver, transport, registry, self, logger)

	tokens := auth.NewTokenService(cfg.AuthSigningKey)

	controlSrv := NewServer(cfg.NodeID, cfg.AdvertiseAddress, engine, registry, store, "", logger)
	clientSrv := clientapi.NewServer(store, coordinator, tokens, logger)

	mux := http.NewServeMux()
	mux.Handle("/v1/", clientSrv)
	mux.Handle("/health", controlSrv)
	mux.Handle("/v1/control/", controlSrv)
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))

	return &Node{
		cfg:         cfg,
		Store:       store,
		Registry:    registry,
		Engine:      engine,
		Applier:     applier,
		Coordinator: coordinator,
		HealthMon:   healthMon,
		Repairer:    repairer,
		GC:          gc,
		Reconciler:  reconciler,
		Resolver:    resolver,
		Bootstrap:   bootstrap,
		Tokens:      tokens,
		Metrics:     nodeMetrics,
		ControlSrv:  controlSrv,
		ClientSrv:   clientSrv,
		httpServer:  &http.Server{Addr: cfg.Listen, Handler: mux},
		logger:      logger.With().Str("component", "mnode").Str("node_id", cfg.NodeID).Logger(),
	}, nil
}

// Start bootstraps against the metadata alias, then launches every
// background loop and the HTTP listener. It returns once the listener is
// up; loops and the server keep running until Stop.
func (n *Node) Start(ctx context.Context) error {
	if _, _, err := net.SplitHostPort(n.cfg.Listen); err != nil {
		return fmt.Errorf("mnode: invalid listen address %q: %w", n.cfg.Listen, err)
	}

	if err := n.Bootstrap.Run(ctx, n.cfg.MetadataAlias); err != nil {
		n.logger.Warn().Err(err).Msg("bootstrap failed, starting with an empty peer registry")
	}

	n.Engine.Start(ctx)
	n.HealthMon.Start(ctx)
	n.Repairer.Start(ctx)
	n.GC.Start(ctx)
	n.Reconciler.Start(ctx)

	ln, err := net.Listen("tcp", n.cfg.Listen)
	if err != nil {
		return fmt.Errorf("mnode: listen on %s: %w", n.cfg.Listen, err)
	}
	go func() {
		if err := n.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			n.logger.Error().Err(err).Msg("control-plane listener exited")
		}
	}()

	n.logger.Info().Str("listen", n.cfg.Listen).Msg("metadata node started")
	return nil
}

// Stop drains the HTTP listener with a bounded grace period, stops every
// background loop, and closes the store.
func (n *Node) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := n.httpServer.Shutdown(shutdownCtx); err != nil {
		n.logger.Warn().Err(err).Msg("control-plane listener shutdown did not complete cleanly")
	}

	n.Reconciler.Stop()
	n.GC.Stop()
	n.Repairer.Stop()
	n.HealthMon.Stop()
	n.Engine.Stop()

	return n.Store.Close()
}

// Package metrics defines the Prometheus metric sets exposed by metadata
// and storage nodes (§10.5). Unlike the teacher's package-level singleton
// (`InitCoordMetrics`, `sync.Once`), each node constructs its own metrics
// instance against its own registry as part of its explicit dependency
// graph (§9: no globals, no service locator).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetadataNodeMetrics holds every metric a metadata node exposes.
type MetadataNodeMetrics struct {
	GossipEntriesSent     prometheus.Counter
	GossipEntriesReceived prometheus.Counter
	ConflictsResolved     prometheus.Counter
	AntiEntropyRounds     prometheus.Counter
	PeerRegistrySize      prometheus.Gauge
	ChunkWritesCommitted  prometheus.Counter
	ChunkWriteFailures    *prometheus.CounterVec // labeled by reason
	RepairChunksReplicated prometheus.Counter
	RepairCycles          prometheus.Counter
	StorageNodesActive    prometheus.Gauge
	StorageNodesFailed    prometheus.Gauge
}

// NewMetadataNodeMetrics registers a fresh MetadataNodeMetrics against
// registry.
func NewMetadataNodeMetrics(registry prometheus.Registerer) *MetadataNodeMetrics {
	f := promauto.With(registry)
	return &MetadataNodeMetrics{
		GossipEntriesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "redcloud_mnode_gossip_entries_sent_total",
			Help: "Gossip-log entries successfully pushed to a peer.",
		}),
		GossipEntriesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "redcloud_mnode_gossip_entries_received_total",
			Help: "Gossip-log entries received from a peer, before conflict resolution.",
		}),
		ConflictsResolved: f.NewCounter(prometheus.CounterOpts{
			Name: "redcloud_mnode_conflicts_resolved_total",
			Help: "Incoming gossip entries merged with an existing local copy by internal/conflict.",
		}),
		AntiEntropyRounds: f.NewCounter(prometheus.CounterOpts{
			Name: "redcloud_mnode_anti_entropy_rounds_total",
			Help: "Anti-entropy digest exchanges completed.",
		}),
		PeerRegistrySize: f.NewGauge(prometheus.GaugeOpts{
			Name: "redcloud_mnode_peer_registry_size",
			Help: "Number of peer metadata nodes currently known.",
		}),
		ChunkWritesCommitted: f.NewCounter(prometheus.CounterOpts{
			Name: "redcloud_mnode_chunk_writes_committed_total",
			Help: "Chunk writes that reached MinWriteAcks and committed.",
		}),
		ChunkWriteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "redcloud_mnode_chunk_write_failures_total",
			Help: "Chunk writes that failed, labeled by reason.",
		}, []string{"reason"}),
		RepairChunksReplicated: f.NewCounter(prometheus.CounterOpts{
			Name: "redcloud_mnode_repair_chunks_replicated_total",
			Help: "Chunks successfully replicated by the repair loop.",
		}),
		RepairCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "redcloud_mnode_repair_cycles_total",
			Help: "Repair loop rounds completed.",
		}),
		StorageNodesActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "redcloud_mnode_storage_nodes_active",
			Help: "Storage nodes currently classified active.",
		}),
		StorageNodesFailed: f.NewGauge(prometheus.GaugeOpts{
			Name: "redcloud_mnode_storage_nodes_failed",
			Help: "Storage nodes currently classified failed.",
		}),
	}
}

// StorageNodeMetrics holds every metric a storage node exposes.
type StorageNodeMetrics struct {
	ChunksStored      prometheus.Gauge
	BytesStored       prometheus.Gauge
	WritesTotal       prometheus.Counter
	ReadsTotal        prometheus.Counter
	DeletesTotal      prometheus.Counter
	WriteLatencySeconds prometheus.Histogram
	ReadLatencySeconds  prometheus.Histogram
	HeartbeatsSent    prometheus.Counter
}

// NewStorageNodeMetrics registers a fresh StorageNodeMetrics against
// registry.
func NewStorageNodeMetrics(registry prometheus.Registerer) *StorageNodeMetrics {
	f := promauto.With(registry)
	return &StorageNodeMetrics{
		ChunksStored: f.NewGauge(prometheus.GaugeOpts{
			Name: "redcloud_snode_chunks_stored",
			Help: "Chunks currently stored on this node.",
		}),
		BytesStored: f.NewGauge(prometheus.GaugeOpts{
			Name: "redcloud_snode_bytes_stored",
			Help: "Bytes currently stored on this node.",
		}),
		WritesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "redcloud_snode_writes_total",
			Help: "Chunk write requests handled.",
		}),
		ReadsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "redcloud_snode_reads_total",
			Help: "Chunk read requests handled.",
		}),
		DeletesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "redcloud_snode_deletes_total",
			Help: "Chunk delete requests handled.",
		}),
		WriteLatencySeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "redcloud_snode_write_latency_seconds",
			Help:    "Chunk write handler latency.",
			Buckets: prometheus.DefBuckets,
		}),
		ReadLatencySeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "redcloud_snode_read_latency_seconds",
			Help:    "Chunk read handler latency.",
			Buckets: prometheus.DefBuckets,
		}),
		HeartbeatsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "redcloud_snode_heartbeats_sent_total",
			Help: "Heartbeats posted to the metadata-service alias.",
		}),
	}
}

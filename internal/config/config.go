// Package config handles configuration loading and defaulting for
// metadata-node and storage-node processes. All configuration is
// optional; nodes self-configure per §6 of the specification.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/redcloudfiles/redcloud/internal/vclock"
)

// MetadataNodeConfig configures a metadata-node process.
type MetadataNodeConfig struct {
	NodeID            string `yaml:"own_node_id"`
	AdvertiseAddress  string `yaml:"own_advertise_address"`
	Listen            string `yaml:"listen"`
	MetadataAlias     string `yaml:"metadata_alias"`
	StorageAlias      string `yaml:"storage_alias"`

	GossipPeriod      time.Duration `yaml:"-"`
	AntiEntropyPeriod time.Duration `yaml:"-"`
	RepairPeriod      time.Duration `yaml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-"`
	Fanout            int           `yaml:"fanout"`
	MinWriteAcks      int           `yaml:"min_write_acks"`
	WriteDeadline     time.Duration `yaml:"-"`
	ReadDeadline      time.Duration `yaml:"-"`
	InflightWritesPerSN int         `yaml:"inflight_writes_per_sn"`
	InflightRepairs   int           `yaml:"inflight_repairs"`
	PeerRegistryTTL   time.Duration `yaml:"-"`

	DataDir           string `yaml:"data_dir"`
	ChunkPieceSize    int    `yaml:"chunk_piece_size"`
	ChunkSize         int64  `yaml:"chunk_size"`
	TombstoneRetention time.Duration `yaml:"-"`
	LogLevel          string `yaml:"log_level"`
	AuthSigningKey    string `yaml:"auth_signing_key"`

	// raw duration strings as read from YAML, resolved into the typed
	// fields above by applyDefaults.
	GossipPeriodRaw      string `yaml:"gossip_period"`
	AntiEntropyPeriodRaw string `yaml:"anti_entropy_period"`
	RepairPeriodRaw      string `yaml:"repair_period"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout"`
	WriteDeadlineRaw     string `yaml:"write_deadline"`
	ReadDeadlineRaw      string `yaml:"read_deadline"`
	PeerRegistryTTLRaw   string `yaml:"peer_registry_ttl"`
	TombstoneRetentionRaw string `yaml:"tombstone_retention"`
}

// StorageNodeConfig configures a storage-node process.
type StorageNodeConfig struct {
	NodeID           string `yaml:"own_node_id"`
	AdvertiseAddress string `yaml:"own_advertise_address"`
	Listen           string `yaml:"listen"`
	MetadataAlias    string `yaml:"metadata_alias"`
	DataDir          string `yaml:"data_dir"`
	CapacityBytes    int64  `yaml:"capacity_bytes"`
	LogLevel         string `yaml:"log_level"`

	HeartbeatPeriod    time.Duration `yaml:"-"`
	HeartbeatDeadline  time.Duration `yaml:"-"`
	HeartbeatPeriodRaw   string `yaml:"heartbeat_period"`
	HeartbeatDeadlineRaw string `yaml:"heartbeat_deadline"`
}

const (
	defaultGossipPeriod      = 5 * time.Second
	defaultAntiEntropyPeriod = 30 * time.Second
	defaultRepairPeriod      = 60 * time.Second
	defaultHeartbeatPeriod   = 10 * time.Second
	defaultHeartbeatTimeout  = 30 * time.Second
	defaultHeartbeatDeadline = 5 * time.Second
	defaultWriteDeadline     = 60 * time.Second
	defaultReadDeadline      = 60 * time.Second
	defaultPeerRegistryTTL   = 5 * time.Minute
	defaultFanout            = 2
	defaultMinWriteAcks      = 1
	defaultInflightPerSN     = 16
	defaultInflightRepairs   = 32
	defaultChunkPieceSize    = 64 * 1024
	defaultChunkSize         = 4 * 1024 * 1024
	defaultDataDir           = "/var/lib/redcloud"
	defaultMetadataAlias     = "metadata-service"
	defaultStorageAlias      = "storage-service"
)

// LoadMetadataNodeConfig reads and defaults a metadata-node config file.
// A missing path is not an error: the node runs entirely on defaults.
func LoadMetadataNodeConfig(path string) (*MetadataNodeConfig, error) {
	cfg := &MetadataNodeConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnvOverridesMN(cfg)
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadStorageNodeConfig reads and defaults a storage-node config file.
func LoadStorageNodeConfig(path string) (*StorageNodeConfig, error) {
	cfg := &StorageNodeConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnvOverridesSN(cfg)
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *MetadataNodeConfig) applyDefaults() error {
	var err error
	if c.GossipPeriod, err = parseDurationOr(c.GossipPeriodRaw, defaultGossipPeriod); err != nil {
		return fmt.Errorf("gossip_period: %w", err)
	}
	if c.AntiEntropyPeriod, err = parseDurationOr(c.AntiEntropyPeriodRaw, defaultAntiEntropyPeriod); err != nil {
		return fmt.Errorf("anti_entropy_period: %w", err)
	}
	if c.RepairPeriod, err = parseDurationOr(c.RepairPeriodRaw, defaultRepairPeriod); err != nil {
		return fmt.Errorf("repair_period: %w", err)
	}
	if c.HeartbeatTimeout, err = parseDurationOr(c.HeartbeatTimeoutRaw, defaultHeartbeatTimeout); err != nil {
		return fmt.Errorf("heartbeat_timeout: %w", err)
	}
	if c.WriteDeadline, err = parseDurationOr(c.WriteDeadlineRaw, defaultWriteDeadline); err != nil {
		return fmt.Errorf("write_deadline: %w", err)
	}
	if c.ReadDeadline, err = parseDurationOr(c.ReadDeadlineRaw, defaultReadDeadline); err != nil {
		return fmt.Errorf("read_deadline: %w", err)
	}
	if c.PeerRegistryTTL, err = parseDurationOr(c.PeerRegistryTTLRaw, defaultPeerRegistryTTL); err != nil {
		return fmt.Errorf("peer_registry_ttl: %w", err)
	}
	// TombstoneRetention default is "unbounded within a session" (O2):
	// zero means no ceiling, GC relies purely on I5's ack condition.
	if c.TombstoneRetentionRaw != "" {
		if c.TombstoneRetention, err = time.ParseDuration(c.TombstoneRetentionRaw); err != nil {
			return fmt.Errorf("tombstone_retention: %w", err)
		}
	}

	if c.Fanout == 0 {
		c.Fanout = defaultFanout
	}
	if c.MinWriteAcks == 0 {
		c.MinWriteAcks = defaultMinWriteAcks
	}
	if c.InflightWritesPerSN == 0 {
		c.InflightWritesPerSN = defaultInflightPerSN
	}
	if c.InflightRepairs == 0 {
		c.InflightRepairs = defaultInflightRepairs
	}
	if c.ChunkPieceSize == 0 {
		c.ChunkPieceSize = defaultChunkPieceSize
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.MetadataAlias == "" {
		c.MetadataAlias = defaultMetadataAlias
	}
	if c.StorageAlias == "" {
		c.StorageAlias = defaultStorageAlias
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	c.DataDir = expandHome(c.DataDir)
	if c.Listen == "" {
		c.Listen = ":7100"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.NodeID == "" {
		c.NodeID = defaultNodeID()
	}
	return nil
}

func (c *StorageNodeConfig) applyDefaults() error {
	var err error
	if c.HeartbeatPeriod, err = parseDurationOr(c.HeartbeatPeriodRaw, defaultHeartbeatPeriod); err != nil {
		return fmt.Errorf("heartbeat_period: %w", err)
	}
	if c.HeartbeatDeadline, err = parseDurationOr(c.HeartbeatDeadlineRaw, defaultHeartbeatDeadline); err != nil {
		return fmt.Errorf("heartbeat_deadline: %w", err)
	}
	if c.MetadataAlias == "" {
		c.MetadataAlias = defaultMetadataAlias
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	c.DataDir = expandHome(c.DataDir)
	if c.Listen == "" {
		c.Listen = ":7200"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.CapacityBytes == 0 {
		c.CapacityBytes = 100 * 1024 * 1024 * 1024 // 100 GiB
	}
	if c.NodeID == "" {
		c.NodeID = defaultNodeID()
	}
	return nil
}

// defaultNodeID composes a host identity with a process-start session
// epoch (§4.1) so an unconfigured node never reuses a prior vector-clock
// slot across restarts of the same host.
func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return vclock.NodeIdentity(host, time.Now().UnixNano())
}

func parseDurationOr(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func applyEnvOverridesMN(cfg *MetadataNodeConfig) {
	if v := os.Getenv("REDCLOUD_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("REDCLOUD_ADVERTISE_ADDRESS"); v != "" {
		cfg.AdvertiseAddress = v
	}
	if v := os.Getenv("REDCLOUD_METADATA_ALIAS"); v != "" {
		cfg.MetadataAlias = v
	}
	if v := os.Getenv("REDCLOUD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("REDCLOUD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func applyEnvOverridesSN(cfg *StorageNodeConfig) {
	if v := os.Getenv("REDCLOUD_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("REDCLOUD_ADVERTISE_ADDRESS"); v != "" {
		cfg.AdvertiseAddress = v
	}
	if v := os.Getenv("REDCLOUD_METADATA_ALIAS"); v != "" {
		cfg.MetadataAlias = v
	}
	if v := os.Getenv("REDCLOUD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("REDCLOUD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

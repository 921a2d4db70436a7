/*
Package config loads the recognized node configuration options from
YAML using gopkg.in/yaml.v3.
*/
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ShardingStrategy selects the StateStore's PartitionPolicy implementation.
type ShardingStrategy string

const (
	ShardingConsistentHash ShardingStrategy = "consistent-hash"
	ShardingHash           ShardingStrategy = "hash"
	ShardingRange          ShardingStrategy = "range"
)

// ConsistencyLevel is a read/write consistency knob for the StateStore.
type ConsistencyLevel string

const (
	ConsistencyOne     ConsistencyLevel = "one"
	ConsistencyQuorum  ConsistencyLevel = "quorum"
	ConsistencyAll     ConsistencyLevel = "all"
)

// EvictionPolicy selects a cache tier's eviction strategy.
type EvictionPolicy string

const (
	EvictionLRU  EvictionPolicy = "lru"
	EvictionFIFO EvictionPolicy = "fifo"
)

// CacheLevelConfig configures one tier of the MultiLevelCache.
type CacheLevelConfig struct {
	Name     string         `yaml:"name"`
	Capacity int            `yaml:"capacity"`
	TTL      time.Duration  `yaml:"ttl"`
	Eviction EvictionPolicy `yaml:"evictionPolicy"`
}

// Config is the full set of recognized node configuration options.
type Config struct {
	NodeID string   `yaml:"nodeId"`
	Peers  []string `yaml:"peers"`

	ElectionTimeoutMin time.Duration `yaml:"electionTimeoutMin"`
	ElectionTimeoutMax time.Duration `yaml:"electionTimeoutMax"`
	HeartbeatInterval  time.Duration `yaml:"heartbeatInterval"`

	SnapshotInterval  time.Duration `yaml:"snapshotInterval"`
	SnapshotThreshold uint64        `yaml:"snapshotThreshold"`

	MaxBatchSize  int `yaml:"maxBatchSize"`
	MaxBatchBytes int `yaml:"maxBatchBytes"`

	MaxParallelTasks int `yaml:"maxParallelTasks"`

	ShardCount        int              `yaml:"shardCount"`
	ShardingStrategy  ShardingStrategy `yaml:"shardingStrategy"`
	ReplicationFactor int              `yaml:"replicationFactor"`

	ReadConsistency  ConsistencyLevel `yaml:"readConsistency"`
	WriteConsistency ConsistencyLevel `yaml:"writeConsistency"`

	CacheLevels        []CacheLevelConfig `yaml:"cacheLevels"`
	EnablePrefetching  bool               `yaml:"enablePrefetching"`
	EnableCompression  bool               `yaml:"enableCompression"`

	HashFunction string `yaml:"hashFunction"`

	CommitTimeout    time.Duration `yaml:"commitTimeout"`
	StepDownTimeout  time.Duration `yaml:"stepDownTimeout"`
	RPCMaxBackoff    time.Duration `yaml:"rpcMaxBackoff"`

	FsyncInterval time.Duration `yaml:"fsyncInterval"`
	SegmentSize   int64         `yaml:"segmentSize"`
	MaxFrameSize  int           `yaml:"maxFrameSize"`

	AdmissionCapPerSender int           `yaml:"admissionCapPerSender"`
	GlobalRateLimit       int           `yaml:"globalRateLimit"`
	BackpressureWindow    time.Duration `yaml:"backpressureWindow"`
	MaxRetries            int           `yaml:"maxRetries"`

	// AgingRate scales how much a pending transaction's scheduling weight
	// grows per second of wait, so old low-priority transactions
	// eventually outrank freshly submitted high-priority ones.
	AgingRate float64 `yaml:"agingRate"`

	// DynamicBatchQueueThreshold is the pending-queue length beyond which
	// BundleProcessor forms larger-than-maxBatchSize batches (capped at
	// maxBatchBytes) to drain the backlog faster.
	DynamicBatchQueueThreshold int `yaml:"dynamicBatchQueueThreshold"`

	DataDir string `yaml:"dataDir"`
}

// Default returns a Config populated with representative example values.
func Default() Config {
	return Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,

		SnapshotInterval:  5 * time.Minute,
		SnapshotThreshold: 10000,

		MaxBatchSize:  1000,
		MaxBatchBytes: 1 << 20, // 1 MiB

		MaxParallelTasks: 16,

		ShardCount:        16,
		ShardingStrategy:  ShardingConsistentHash,
		ReplicationFactor: 3,

		ReadConsistency:  ConsistencyOne,
		WriteConsistency: ConsistencyAll,

		CacheLevels: []CacheLevelConfig{
			{Name: "l1", Capacity: 10_000, TTL: 30 * time.Second, Eviction: EvictionLRU},
			{Name: "l2", Capacity: 200_000, TTL: 5 * time.Minute, Eviction: EvictionLRU},
		},
		EnablePrefetching: false,
		EnableCompression: false,

		HashFunction: "sha256",

		CommitTimeout:   2 * time.Second,
		StepDownTimeout: 5 * time.Second,
		RPCMaxBackoff:   4 * time.Second,

		FsyncInterval: 10 * time.Millisecond,
		SegmentSize:   64 << 20,
		MaxFrameSize:  1 << 20,

		AdmissionCapPerSender: 1000,
		GlobalRateLimit:       50_000,
		BackpressureWindow:    5 * time.Second,
		MaxRetries:            5,

		AgingRate:                  0.1,
		DynamicBatchQueueThreshold: 5000,

		DataDir: "./data",
	}
}

// Load reads a YAML configuration file, overlaying it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants a node requires before it can start.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("nodeId is required")
	}
	if c.ElectionTimeoutMin >= c.ElectionTimeoutMax {
		return fmt.Errorf("electionTimeoutMin must be < electionTimeoutMax")
	}
	if c.HeartbeatInterval*3 > c.ElectionTimeoutMin {
		return fmt.Errorf("heartbeatInterval must be well below electionTimeoutMin")
	}
	if c.ShardCount <= 0 {
		return fmt.Errorf("shardCount must be positive")
	}
	if c.MaxBatchSize <= 0 || c.MaxBatchBytes <= 0 {
		return fmt.Errorf("maxBatchSize and maxBatchBytes must be positive")
	}
	return nil
}

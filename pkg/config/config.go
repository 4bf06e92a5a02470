package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root configuration of a granite instance.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	DB     DBConfig     `yaml:"db"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DBConfig holds every engine tuning knob.
type DBConfig struct {
	Path       string           `yaml:"path"`
	Memtable   MemtableConfig   `yaml:"memtable"`
	WAL        WALConfig        `yaml:"wal"`
	SSTable    SSTableConfig    `yaml:"sstable"`
	Cache      CacheConfig      `yaml:"cache"`
	Compaction CompactionConfig `yaml:"compaction"`
}

type MemtableConfig struct {
	// WriteBufferBytes is the soft size threshold at which the active
	// memtable is sealed and queued for flush.
	WriteBufferBytes int64 `yaml:"write_buffer_bytes"`
	// MaxImmutable bounds how many sealed memtables may queue for flush
	// before writers are stopped outright.
	MaxImmutable int `yaml:"max_immutable"`
}

type WALConfig struct {
	// Sync forces an fsync before a write is acknowledged. Disabling it
	// trades crash durability for throughput: acknowledged writes may be
	// lost on a crash.
	Sync bool `yaml:"sync"`
	// BytesPerSync, when non-zero, syncs the log in the background every
	// BytesPerSync appended bytes even when Sync is off.
	BytesPerSync int64 `yaml:"bytes_per_sync"`
}

type SSTableConfig struct {
	BlockBytes int `yaml:"block_bytes"`
	// BloomFPRate is the target false-positive rate of the per-table
	// membership filter. Zero disables the filter.
	BloomFPRate float64 `yaml:"bloom_fp_rate"`
	// Compression names the codec for data blocks per level; the last
	// entry applies to all deeper levels. Known: none, snappy, zstd.
	Compression []string `yaml:"compression"`
	// VerifyChecksums makes block checksum mismatches fatal to the read.
	// Disable only for corruption-tolerant recovery tooling.
	VerifyChecksums bool `yaml:"verify_checksums"`
}

type CacheConfig struct {
	// Strategy selects the block cache implementation: "lru" (sharded
	// LRU) or "clock".
	Strategy      string `yaml:"strategy"`
	CapacityBytes int64  `yaml:"capacity_bytes"`
	Shards        int    `yaml:"shards"`
	// EstimatedEntryCharge sizes the clock cache's table up front. Prefer
	// under-estimating: too high a value increases evictions, too low
	// only wastes metadata.
	EstimatedEntryCharge int64 `yaml:"estimated_entry_charge"`
}

type CompactionConfig struct {
	// L0CompactionTrigger is the level-0 file count that makes L0
	// eligible for compaction.
	L0CompactionTrigger int `yaml:"l0_compaction_trigger"`
	// L0SlowdownTrigger delays writers; L0StopTrigger blocks them.
	L0SlowdownTrigger int `yaml:"l0_slowdown_trigger"`
	L0StopTrigger     int `yaml:"l0_stop_trigger"`
	// LevelBaseBytes is the target size of level 1; each deeper level's
	// target grows by LevelMultiplier.
	LevelBaseBytes  int64 `yaml:"level_base_bytes"`
	LevelMultiplier int64 `yaml:"level_multiplier"`
	MaxLevels       int   `yaml:"max_levels"`
	// TargetFileBytes bounds a single compaction output file.
	TargetFileBytes int64 `yaml:"target_file_bytes"`
	// MaxCompactionBytes bounds total input bytes of one compaction run.
	MaxCompactionBytes int64 `yaml:"max_compaction_bytes"`
	// MaxRetries bounds background retries before an I/O failure is
	// escalated to the background error state.
	MaxRetries int `yaml:"max_retries"`
	// TTL marks files older than this for compaction. Zero disables.
	TTL time.Duration `yaml:"ttl"`
	// ManifestRolloverBytes triggers writing a fresh manifest snapshot.
	ManifestRolloverBytes int64 `yaml:"manifest_rollover_bytes"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
		},
		DB: DefaultDB("./data"),
	}
}

// DefaultDB returns baseline engine settings rooted at path.
func DefaultDB(path string) DBConfig {
	return DBConfig{
		Path: path,
		Memtable: MemtableConfig{
			WriteBufferBytes: 4 << 20,
			MaxImmutable:     2,
		},
		WAL: WALConfig{
			Sync: true,
		},
		SSTable: SSTableConfig{
			BlockBytes:      4096,
			BloomFPRate:     0.01,
			Compression:     []string{"none", "snappy"},
			VerifyChecksums: true,
		},
		Cache: CacheConfig{
			Strategy:      "lru",
			CapacityBytes: 8 << 20,
			Shards:        16,
		},
		Compaction: CompactionConfig{
			L0CompactionTrigger:   4,
			L0SlowdownTrigger:     8,
			L0StopTrigger:         12,
			LevelBaseBytes:        10 << 20,
			LevelMultiplier:       10,
			MaxLevels:             7,
			TargetFileBytes:       2 << 20,
			MaxCompactionBytes:    50 << 20,
			MaxRetries:            3,
			ManifestRolloverBytes: 64 << 20,
		},
	}
}

// Load reads a yaml config file, applying Default for absent fields.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

package tiersearch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/hupe1980/tiersearch/internal/tier"
	"github.com/hupe1980/tiersearch/model"
)

// Config holds the engine settings. Zero values select the documented
// defaults, so a partially filled Config (or TOML file) is valid.
type Config struct {
	// HotDays is the age in days up to which records live in the hot tier. Default 30.
	HotDays int `toml:"hot_days"`
	// WarmDays is the age in days up to which records live in the warm tier. Default 365.
	WarmDays int `toml:"warm_days"`
	// EnableCold opens the cold tier; without it older records stay warm.
	EnableCold bool `toml:"enable_cold"`
	// MaxHotContentBytes sends larger content documents to warm. 0 disables the check.
	MaxHotContentBytes uint64 `toml:"max_hot_content_bytes"`

	Delta     DeltaConfig     `toml:"delta"`
	Migration MigrationConfig `toml:"migration"`
	Cache     CacheConfig     `toml:"cache"`
	Resources ResourceConfig  `toml:"resources"`
	Search    SearchConfig    `toml:"search"`

	// Compression per tier name ("hot", "warm", "cold"): "none", "lz4" or "zstd".
	// Default lz4 for hot and warm, zstd for cold.
	Compression map[string]string `toml:"compression"`
	// Volumes maps a volume id to its policy: "default", "restricted" or "archive".
	Volumes map[string]string `toml:"volumes"`
}

// DeltaConfig bounds the in-memory delta tier.
type DeltaConfig struct {
	// MaxDocsMeta triggers a flush when exceeded. Default 50000.
	MaxDocsMeta int `toml:"max_docs_meta"`
	// MaxDocsContent triggers a flush when exceeded. Default 5000.
	MaxDocsContent int `toml:"max_docs_content"`
	// MaxTotalBytesContent triggers a flush when exceeded. Default 64 MiB.
	MaxTotalBytesContent int64 `toml:"max_total_bytes_content"`
	// FlushInterval is the longest time entries wait for a flush. Default 30s.
	FlushInterval time.Duration `toml:"flush_interval"`
}

// MigrationConfig tunes the background coordinator.
type MigrationConfig struct {
	// TickInterval between background ticks. Default 30s.
	TickInterval time.Duration `toml:"tick_interval"`
	// MaxAttempts per job and tick. Default 3.
	MaxAttempts int `toml:"max_attempts"`
	// BatchSize is the number of records moved per demotion commit. Default 256.
	BatchSize int `toml:"batch_size"`
	// MaxFiles per job and tick. Default 10000.
	MaxFiles int `toml:"max_files"`
	// MaxBytes per job and tick. Default 64 MiB.
	MaxBytes int64 `toml:"max_bytes"`
	// MaxConcurrentWorkers runs that many jobs of a tick in parallel. Default 2.
	MaxConcurrentWorkers int `toml:"max_concurrent_workers"`
	// Static disables load-based budget tuning.
	Static bool `toml:"static"`
}

// CacheConfig bounds the filter cache.
type CacheConfig struct {
	// MaxEntries caps the number of cached candidate sets. Default 1024.
	MaxEntries int `toml:"max_entries"`
	// MaxBytes caps the serialized size of cached sets. Default 64 MiB.
	MaxBytes int64 `toml:"max_bytes"`
}

// ResourceConfig holds process-wide limits.
type ResourceConfig struct {
	// MemoryLimitBytes caps memory held by cached sets. 0 only tracks usage.
	MemoryLimitBytes int64 `toml:"memory_limit_bytes"`
	// MaxBackgroundWorkers caps concurrent migration jobs. Default 2.
	MaxBackgroundWorkers int64 `toml:"max_background_workers"`
	// IOLimitBytesPerSec smooths flush and demotion IO. 0 is unlimited.
	IOLimitBytesPerSec int64 `toml:"io_limit_bytes_per_sec"`
	// MemTableBytes is the memtable size of each disk tier. Larger flushes
	// and demotion batches are committed in several transactions. 0 uses
	// the storage default.
	MemTableBytes int64 `toml:"memtable_bytes"`
}

// SearchConfig holds search defaults.
type SearchConfig struct {
	// DefaultLimit applies when SearchOptions.Limit is 0. Default 100.
	DefaultLimit int `toml:"default_limit"`
	// Timeout applies when SearchOptions.Timeout is 0. 0 means no timeout.
	Timeout time.Duration `toml:"timeout"`
}

// DefaultConfig returns the configuration used for zero values.
func DefaultConfig() Config {
	c := Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.HotDays <= 0 {
		c.HotDays = 30
	}
	if c.WarmDays <= 0 {
		c.WarmDays = 365
	}
	if c.Delta.MaxDocsMeta <= 0 {
		c.Delta.MaxDocsMeta = 50_000
	}
	if c.Delta.MaxDocsContent <= 0 {
		c.Delta.MaxDocsContent = 5_000
	}
	if c.Delta.MaxTotalBytesContent <= 0 {
		c.Delta.MaxTotalBytesContent = 64 << 20
	}
	if c.Delta.FlushInterval <= 0 {
		c.Delta.FlushInterval = 30 * time.Second
	}
	if c.Migration.TickInterval <= 0 {
		c.Migration.TickInterval = 30 * time.Second
	}
	if c.Migration.MaxAttempts <= 0 {
		c.Migration.MaxAttempts = 3
	}
	if c.Migration.BatchSize <= 0 {
		c.Migration.BatchSize = 256
	}
	if c.Migration.MaxFiles <= 0 {
		c.Migration.MaxFiles = 10_000
	}
	if c.Migration.MaxBytes <= 0 {
		c.Migration.MaxBytes = 64 << 20
	}
	if c.Migration.MaxConcurrentWorkers <= 0 {
		c.Migration.MaxConcurrentWorkers = 2
	}
	if c.Resources.MaxBackgroundWorkers <= 0 {
		c.Resources.MaxBackgroundWorkers = 2
	}
	if c.Search.DefaultLimit <= 0 {
		c.Search.DefaultLimit = 100
	}
}

// Validate checks the settings that have no sensible default.
func (c *Config) Validate() error {
	if c.WarmDays < c.HotDays {
		return fmt.Errorf("%w: warm_days (%d) must not be below hot_days (%d)", ErrInvalidArgument, c.WarmDays, c.HotDays)
	}
	if m := c.Resources.MemTableBytes; m != 0 && m < 1<<20 {
		return fmt.Errorf("%w: memtable_bytes (%d) must be at least 1 MiB", ErrInvalidArgument, m)
	}
	if _, err := c.compression(); err != nil {
		return err
	}
	if _, err := c.policies(); err != nil {
		return err
	}
	return nil
}

func (c *Config) compression() (map[model.Tier]tier.Compression, error) {
	out := make(map[model.Tier]tier.Compression, len(c.Compression))
	for name, v := range c.Compression {
		t, err := model.ParseTier(strings.ToLower(name))
		if err != nil || t == model.TierDelta {
			return nil, fmt.Errorf("%w: compression: unknown tier %q", ErrInvalidArgument, name)
		}
		comp, err := tier.ParseCompression(v)
		if err != nil {
			return nil, fmt.Errorf("%w: compression: %w", ErrInvalidArgument, err)
		}
		out[t] = comp
	}
	return out, nil
}

func (c *Config) policies() (map[model.VolumeID]tier.VolumePolicy, error) {
	out := make(map[model.VolumeID]tier.VolumePolicy, len(c.Volumes))
	for id, v := range c.Volumes {
		n, err := strconv.ParseUint(id, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: volumes: invalid volume id %q", ErrInvalidArgument, id)
		}
		p, err := tier.ParseVolumePolicy(v)
		if err != nil {
			return nil, fmt.Errorf("%w: volumes: %w", ErrInvalidArgument, err)
		}
		out[model.VolumeID(n)] = p
	}
	return out, nil
}

func (c *Config) routeConfig() tier.RouteConfig {
	return tier.RouteConfig{
		HotDays:            c.HotDays,
		WarmDays:           c.WarmDays,
		EnableCold:         c.EnableCold,
		MaxHotContentBytes: c.MaxHotContentBytes,
	}
}

// LoadConfig reads a TOML configuration file. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	var c Config
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return Config{}, fmt.Errorf("%w: load config %s: %w", ErrInvalidArgument, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: load config %s: unknown keys %s", ErrInvalidArgument, path, strings.Join(keys, ", "))
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

package gpures

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/gpures/bufpool"
)

// Default component sizes.
const (
	// DefaultChunkSize is the default staging chunk size (1 MB).
	DefaultChunkSize = 1 << 20

	// DefaultAllocatorSize is the default buddy arena size (64 MB).
	DefaultAllocatorSize = 64 << 20

	// DefaultMinBlockSize is the default smallest buddy block, matching the
	// uniform buffer offset alignment.
	DefaultMinBlockSize = 256
)

// Config configures a Context.
// Zero fields fall back to the values of DefaultConfig.
type Config struct {
	Pool      bufpool.Config  `mapstructure:"pool" json:"pool"`
	Staging   StagingConfig   `mapstructure:"staging" json:"staging"`
	Allocator AllocatorConfig `mapstructure:"allocator" json:"allocator"`
}

// StagingConfig configures belts created without an explicit chunk size.
type StagingConfig struct {
	ChunkSize uint64 `mapstructure:"chunk_size" json:"chunk_size"`
}

// AllocatorConfig configures allocators created without explicit sizes.
type AllocatorConfig struct {
	Size         uint64 `mapstructure:"size" json:"size"`
	MinBlockSize uint64 `mapstructure:"min_block_size" json:"min_block_size"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Pool: bufpool.DefaultConfig(),
		Staging: StagingConfig{
			ChunkSize: DefaultChunkSize,
		},
		Allocator: AllocatorConfig{
			Size:         DefaultAllocatorSize,
			MinBlockSize: DefaultMinBlockSize,
		},
	}
}

// withDefaults fills zero fields from DefaultConfig.
// EnableSizeClasses is a bool and is taken as given.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Pool.MaxBuffers == 0 {
		c.Pool.MaxBuffers = d.Pool.MaxBuffers
	}
	if c.Pool.MaxTotalSize == 0 {
		c.Pool.MaxTotalSize = d.Pool.MaxTotalSize
	}
	if c.Pool.EvictionTimeout == 0 {
		c.Pool.EvictionTimeout = d.Pool.EvictionTimeout
	}
	if c.Staging.ChunkSize == 0 {
		c.Staging.ChunkSize = d.Staging.ChunkSize
	}
	if c.Allocator.Size == 0 {
		c.Allocator.Size = d.Allocator.Size
	}
	if c.Allocator.MinBlockSize == 0 {
		c.Allocator.MinBlockSize = d.Allocator.MinBlockSize
	}
	return c
}

// fileConfig is the TOML layout of a configuration file.
// Durations are strings such as "30s".
type fileConfig struct {
	Pool struct {
		MaxBuffers        int    `toml:"max_buffers"`
		MaxTotalSize      uint64 `toml:"max_total_size"`
		EvictionTimeout   string `toml:"eviction_timeout"`
		EnableSizeClasses *bool  `toml:"enable_size_classes"`
	} `toml:"pool"`
	Staging struct {
		ChunkSize uint64 `toml:"chunk_size"`
	} `toml:"staging"`
	Allocator struct {
		Size         uint64 `toml:"size"`
		MinBlockSize uint64 `toml:"min_block_size"`
	} `toml:"allocator"`
}

// DecodeConfig reads a TOML configuration. Missing keys keep their
// DefaultConfig values.
//
// Example:
//
//	[pool]
//	max_buffers = 200
//	eviction_timeout = "30s"
//
//	[staging]
//	chunk_size = 4194304
func DecodeConfig(r io.Reader) (Config, error) {
	var fc fileConfig
	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return Config{}, fmt.Errorf("gpures: decode config: %w", err)
	}

	cfg := DefaultConfig()
	cfg.Pool.MaxBuffers = fc.Pool.MaxBuffers
	cfg.Pool.MaxTotalSize = fc.Pool.MaxTotalSize
	if fc.Pool.EvictionTimeout != "" {
		d, err := time.ParseDuration(fc.Pool.EvictionTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("gpures: decode config: pool.eviction_timeout: %w", err)
		}
		cfg.Pool.EvictionTimeout = d
	} else {
		cfg.Pool.EvictionTimeout = 0
	}
	if fc.Pool.EnableSizeClasses != nil {
		cfg.Pool.EnableSizeClasses = *fc.Pool.EnableSizeClasses
	}
	cfg.Staging.ChunkSize = fc.Staging.ChunkSize
	cfg.Allocator.Size = fc.Allocator.Size
	cfg.Allocator.MinBlockSize = fc.Allocator.MinBlockSize
	return cfg.withDefaults(), nil
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("gpures: load config: %w", err)
	}
	defer f.Close()
	return DecodeConfig(f)
}

// MarshalTOML renders c in the layout DecodeConfig reads.
func (c Config) MarshalTOML() ([]byte, error) {
	var fc fileConfig
	fc.Pool.MaxBuffers = c.Pool.MaxBuffers
	fc.Pool.MaxTotalSize = c.Pool.MaxTotalSize
	fc.Pool.EvictionTimeout = c.Pool.EvictionTimeout.String()
	enable := c.Pool.EnableSizeClasses
	fc.Pool.EnableSizeClasses = &enable
	fc.Staging.ChunkSize = c.Staging.ChunkSize
	fc.Allocator.Size = c.Allocator.Size
	fc.Allocator.MinBlockSize = c.Allocator.MinBlockSize
	return toml.Marshal(fc)
}

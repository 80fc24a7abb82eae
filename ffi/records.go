package ffi

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/gogpu/gpures/buddy"
	"github.com/gogpu/gpures/bufpool"
	"github.com/gogpu/gpures/pipecache"
	"github.com/gogpu/gpures/staging"
)

// PoolConfig is the flat buffer pool configuration.
type PoolConfig struct {
	MaxBuffers        uint32 `json:"max_buffers"`
	MaxTotalSize      uint64 `json:"max_total_size"`
	EvictionTimeoutMS uint64 `json:"eviction_timeout_ms"`
	EnableSizeClasses Bool   `json:"enable_size_classes"`
}

func (c PoolConfig) pool() bufpool.Config {
	return bufpool.Config{
		MaxBuffers:        int(c.MaxBuffers),
		MaxTotalSize:      c.MaxTotalSize,
		EvictionTimeout:   millis(c.EvictionTimeoutMS),
		EnableSizeClasses: c.EnableSizeClasses != False,
	}
}

// millis converts a host timeout, saturating at the largest Duration.
func millis(ms uint64) time.Duration {
	const limit = uint64(math.MaxInt64 / int64(time.Millisecond))
	if ms > limit {
		return math.MaxInt64
	}
	return time.Duration(ms) * time.Millisecond //nolint:gosec // G115: bounded by limit
}

func poolConfigOf(c bufpool.Config) PoolConfig {
	return PoolConfig{
		MaxBuffers:        u32(c.MaxBuffers),
		MaxTotalSize:      c.MaxTotalSize,
		EvictionTimeoutMS: uint64(c.EvictionTimeout.Milliseconds()), //nolint:gosec // G115: timeouts are non-negative
		EnableSizeClasses: boolOf(c.EnableSizeClasses),
	}
}

// PoolStats is the flat form of bufpool.Stats.
type PoolStats struct {
	TotalBuffers   uint32  `json:"total_buffers"`
	InUse          uint32  `json:"in_use"`
	TotalSizeBytes uint64  `json:"total_size_bytes"`
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	Evictions      uint64  `json:"evictions"`
	HitRate        float64 `json:"hit_rate"`
}

func poolStatsOf(s bufpool.Stats) PoolStats {
	return PoolStats{
		TotalBuffers:   u32(s.TotalBuffers),
		InUse:          u32(s.InUse),
		TotalSizeBytes: s.TotalSizeBytes,
		Hits:           s.Hits,
		Misses:         s.Misses,
		Evictions:      s.Evictions,
		HitRate:        s.HitRate,
	}
}

// AllocatorStats is the flat form of buddy.Stats.
type AllocatorStats struct {
	Handle          uint64  `json:"handle"`
	TotalSize       uint64  `json:"total_size"`
	AllocatedBlocks uint32  `json:"allocated_blocks"`
	FreeBlocks      uint32  `json:"free_blocks"`
	AllocatedBytes  uint64  `json:"allocated_bytes"`
	FreeBytes       uint64  `json:"free_bytes"`
	Fragmentation   float64 `json:"fragmentation"`
}

func allocatorStatsOf(h uint64, s buddy.Stats) AllocatorStats {
	return AllocatorStats{
		Handle:          h,
		TotalSize:       s.TotalSize,
		AllocatedBlocks: u32(s.AllocatedBlocks),
		FreeBlocks:      u32(s.FreeBlocks),
		AllocatedBytes:  s.AllocatedBytes,
		FreeBytes:       s.FreeBytes,
		Fragmentation:   s.Fragmentation,
	}
}

// StagingWrite is the flat form of staging.Write.
type StagingWrite struct {
	BufferHandle uint64 `json:"buffer_handle"`
	Offset       uint64 `json:"offset"`
	Size         uint64 `json:"size"`
}

// BeltStats is the flat form of staging.Stats.
type BeltStats struct {
	Handle         uint64 `json:"handle"`
	ActiveChunks   uint32 `json:"active_chunks"`
	InFlightChunks uint32 `json:"in_flight_chunks"`
	FreeChunks     uint32 `json:"free_chunks"`
	ChunkSize      uint64 `json:"chunk_size"`
	TotalAllocated uint64 `json:"total_allocated"`
}

func beltStatsOf(h uint64, s staging.Stats) BeltStats {
	return BeltStats{
		Handle:         h,
		ActiveChunks:   u32(s.ActiveChunks),
		InFlightChunks: u32(s.InFlightChunks),
		FreeChunks:     u32(s.FreeChunks),
		ChunkSize:      s.ChunkSize,
		TotalAllocated: s.TotalAllocated,
	}
}

// PipelineStats is the flat form of pipecache.Stats.
type PipelineStats struct {
	RenderPipelines  uint32  `json:"render_pipelines"`
	ComputePipelines uint32  `json:"compute_pipelines"`
	TotalHits        uint64  `json:"total_hits"`
	TotalMisses      uint64  `json:"total_misses"`
	HitRate          float64 `json:"hit_rate"`
}

func pipelineStatsOf(s pipecache.Stats) PipelineStats {
	return PipelineStats{
		RenderPipelines:  u32(s.RenderPipelines),
		ComputePipelines: u32(s.ComputePipelines),
		TotalHits:        s.TotalHits,
		TotalMisses:      s.TotalMisses,
		HitRate:          s.HitRate,
	}
}

// PipelineHit is one TopHits entry. Kind is 0 for render, 1 for compute.
type PipelineHit struct {
	Hash     uint64 `json:"hash"`
	Handle   uint64 `json:"handle"`
	HitCount uint64 `json:"hit_count"`
	Kind     uint32 `json:"kind"`
}

// u32 narrows a non-negative count.
func u32(n int) uint32 {
	return uint32(max(n, 0)) //nolint:gosec // G115: counts are bounded by memory
}

func sortByHandle[T any](s []T, handle func(T) uint64) {
	slices.SortFunc(s, func(a, b T) int { return cmp.Compare(handle(a), handle(b)) })
}

// Package pipecache memoizes pipeline handles by descriptor hash.
//
// Pipeline creation is expensive because it involves shader compilation and
// validation. The caller hashes a descriptor, looks it up here, and only
// creates a new pipeline on a miss. The cache stores handles only; the
// pipeline objects themselves belong to the caller.
package pipecache

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ErrNilCreate is returned by GetOrCreate* when the create function is nil.
var ErrNilCreate = errors.New("pipecache: create function is nil")

// Kind distinguishes render and compute pipelines.
type Kind int

const (
	// KindRender is a render pipeline.
	KindRender Kind = iota
	// KindCompute is a compute pipeline.
	KindCompute
)

// String returns "render" or "compute".
func (k Kind) String() string {
	switch k {
	case KindRender:
		return "render"
	case KindCompute:
		return "compute"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Stats contains cache statistics.
type Stats struct {
	RenderPipelines  int
	ComputePipelines int
	TotalHits        uint64
	TotalMisses      uint64

	// HitRate is TotalHits / (TotalHits + TotalMisses), or 0.
	HitRate float64
}

// String returns a human-readable string of cache stats.
func (s Stats) String() string {
	return fmt.Sprintf("PipelineCache[%d render, %d compute, %d hits, %d misses, %.1f%% hit rate]",
		s.RenderPipelines, s.ComputePipelines, s.TotalHits, s.TotalMisses, s.HitRate*100)
}

// HitInfo describes one cached pipeline in TopHits.
type HitInfo struct {
	Hash     uint64
	Handle   uint64
	HitCount uint64
	Kind     Kind
}

// entry is one cached pipeline.
type entry struct {
	handle    uint64
	hash      uint64
	createdAt time.Time
	hitCount  uint64
	seq       uint64 // insertion order, for stable TopHits ties
}

// Cache maps descriptor hashes to pipeline handles, separately for render
// and compute pipelines, and tracks hit/miss statistics.
//
// Cache is safe for concurrent use. Lookups update counters, so every
// operation takes the exclusive lock.
type Cache struct {
	mu sync.Mutex

	render  map[uint64]*entry
	compute map[uint64]*entry

	hits   uint64
	misses uint64
	seq    uint64

	now func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		render:  make(map[uint64]*entry),
		compute: make(map[uint64]*entry),
		now:     time.Now,
	}
}

func (c *Cache) table(kind Kind) map[uint64]*entry {
	if kind == KindCompute {
		return c.compute
	}
	return c.render
}

// LookupRender returns the render pipeline cached under hash.
func (c *Cache) LookupRender(hash uint64) (uint64, bool) {
	return c.lookup(KindRender, hash)
}

// LookupCompute returns the compute pipeline cached under hash.
func (c *Cache) LookupCompute(hash uint64) (uint64, bool) {
	return c.lookup(KindCompute, hash)
}

func (c *Cache) lookup(kind Kind, hash uint64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(kind, hash)
}

// lookupLocked counts a hit or miss. Caller must hold mu.
func (c *Cache) lookupLocked(kind Kind, hash uint64) (uint64, bool) {
	e, ok := c.table(kind)[hash]
	if !ok {
		c.misses++
		return 0, false
	}
	e.hitCount++
	c.hits++
	return e.handle, true
}

// InsertRender caches a render pipeline handle, replacing any previous
// entry for hash. The hit count restarts at zero.
func (c *Cache) InsertRender(hash, handle uint64) {
	c.insert(KindRender, hash, handle)
}

// InsertCompute caches a compute pipeline handle, replacing any previous
// entry for hash. The hit count restarts at zero.
func (c *Cache) InsertCompute(hash, handle uint64) {
	c.insert(KindCompute, hash, handle)
}

func (c *Cache) insert(kind Kind, hash, handle uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(kind, hash, handle)
}

// insertLocked stores an entry. Caller must hold mu.
func (c *Cache) insertLocked(kind Kind, hash, handle uint64) {
	c.seq++
	c.table(kind)[hash] = &entry{
		handle:    handle,
		hash:      hash,
		createdAt: c.now(),
		seq:       c.seq,
	}
}

// GetOrCreateRender returns the cached render pipeline for hash, or calls
// create and caches its result. create runs under the cache lock, so two
// concurrent callers never create the same pipeline twice.
func (c *Cache) GetOrCreateRender(hash uint64, create func() (uint64, error)) (uint64, error) {
	return c.getOrCreate(KindRender, hash, create)
}

// GetOrCreateCompute is GetOrCreateRender for compute pipelines.
func (c *Cache) GetOrCreateCompute(hash uint64, create func() (uint64, error)) (uint64, error) {
	return c.getOrCreate(KindCompute, hash, create)
}

func (c *Cache) getOrCreate(kind Kind, hash uint64, create func() (uint64, error)) (uint64, error) {
	if create == nil {
		return 0, ErrNilCreate
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if handle, ok := c.lookupLocked(kind, hash); ok {
		return handle, nil
	}

	handle, err := create()
	if err != nil {
		return 0, fmt.Errorf("pipecache: create %s pipeline %#x: %w", kind, hash, err)
	}
	c.insertLocked(kind, hash, handle)
	return handle, nil
}

// RemoveRender drops the render pipeline cached under hash.
func (c *Cache) RemoveRender(hash uint64) bool {
	return c.remove(KindRender, hash)
}

// RemoveCompute drops the compute pipeline cached under hash.
func (c *Cache) RemoveCompute(hash uint64) bool {
	return c.remove(KindCompute, hash)
}

func (c *Cache) remove(kind Kind, hash uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.table(kind)
	if _, ok := t[hash]; !ok {
		return false
	}
	delete(t, hash)
	return true
}

// Clear removes all cached pipelines. Statistics are kept; see ResetStats.
//
// This does NOT destroy the underlying pipelines.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.render = make(map[uint64]*entry)
	c.compute = make(map[uint64]*entry)
}

// ResetStats zeroes the hit and miss counters.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits, c.misses = 0, 0
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hitRate float64
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return Stats{
		RenderPipelines:  len(c.render),
		ComputePipelines: len(c.compute),
		TotalHits:        c.hits,
		TotalMisses:      c.misses,
		HitRate:          hitRate,
	}
}

// CreatedAt returns when the pipeline cached under hash was inserted.
func (c *Cache) CreatedAt(kind Kind, hash uint64) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.table(kind)[hash]
	if !ok {
		return time.Time{}, false
	}
	return e.createdAt, true
}

// TopHits returns up to n cached pipelines of both kinds, most hit first.
// Ties keep insertion order.
func (c *Cache) TopHits(n int) []HitInfo {
	c.mu.Lock()
	type ranked struct {
		HitInfo
		seq uint64
	}
	all := make([]ranked, 0, len(c.render)+len(c.compute))
	for _, kind := range []Kind{KindRender, KindCompute} {
		for _, e := range c.table(kind) {
			all = append(all, ranked{
				HitInfo: HitInfo{Hash: e.hash, Handle: e.handle, HitCount: e.hitCount, Kind: kind},
				seq:     e.seq,
			})
		}
	}
	c.mu.Unlock()

	slices.SortFunc(all, func(a, b ranked) int {
		if a.HitCount != b.HitCount {
			if a.HitCount > b.HitCount {
				return -1
			}
			return 1
		}
		if a.seq < b.seq {
			return -1
		}
		if a.seq > b.seq {
			return 1
		}
		return 0
	})

	n = max(0, min(n, len(all)))
	out := make([]HitInfo, n)
	for i := range out {
		out[i] = all[i].HitInfo
	}
	return out
}

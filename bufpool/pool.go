// Package bufpool tracks externally created GPU buffers for reuse.
//
// The pool is a registry of handles. It never creates or destroys a real
// buffer: the caller creates one, registers it with Add, and destroys it
// after Remove, Clear or EvictOldBuffers hands the handle back.
package bufpool

import (
	"container/list"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/internal/logging"
)

// Pool errors.
var (
	// ErrMiss is returned by Acquire when no idle buffer matches. The caller
	// should create a buffer and register it with AddAcquired.
	ErrMiss = errors.New("bufpool: no matching idle buffer")

	// ErrExhausted is returned by Acquire when no buffer matches and the pool
	// is at capacity even after idle eviction.
	ErrExhausted = errors.New("bufpool: pool exhausted")

	// ErrDuplicateHandle is returned by Add for a handle already in the pool.
	ErrDuplicateHandle = errors.New("bufpool: handle already registered")
)

// Default pool limits.
const (
	// DefaultMaxBuffers is the default maximum number of resident buffers.
	DefaultMaxBuffers = 100

	// DefaultMaxTotalSize is the default byte budget (256 MB).
	DefaultMaxTotalSize = 256 * 1024 * 1024

	// DefaultEvictionTimeout is how long a buffer may stay idle.
	DefaultEvictionTimeout = time.Minute
)

// Config holds pool limits.
type Config struct {
	// MaxBuffers is the maximum number of resident buffers.
	MaxBuffers int `mapstructure:"max_buffers" json:"max_buffers"`

	// MaxTotalSize is the maximum sum of resident buffer sizes in bytes.
	MaxTotalSize uint64 `mapstructure:"max_total_size" json:"max_total_size"`

	// EvictionTimeout is the idle time after which a released buffer
	// becomes eligible for eviction.
	EvictionTimeout time.Duration `mapstructure:"eviction_timeout" json:"eviction_timeout"`

	// EnableSizeClasses makes Acquire prefer a buffer at most twice the
	// request rounded up to a power of two, so a small request does not pin
	// a huge buffer while a fitting one is idle. A larger idle buffer is
	// still returned when no buffer of the class is idle.
	EnableSizeClasses bool `mapstructure:"enable_size_classes" json:"enable_size_classes"`
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxBuffers:        DefaultMaxBuffers,
		MaxTotalSize:      DefaultMaxTotalSize,
		EvictionTimeout:   DefaultEvictionTimeout,
		EnableSizeClasses: true,
	}
}

// Stats contains pool statistics.
type Stats struct {
	TotalBuffers   int
	InUse          int
	TotalSizeBytes uint64
	Hits           uint64
	Misses         uint64
	Evictions      uint64

	// HitRate is Hits / (Hits + Misses), or 0 before any Acquire.
	HitRate float64
}

// String returns a human-readable string of pool stats.
func (s Stats) String() string {
	return fmt.Sprintf("Pool[%d buffers, %d in use, %d bytes, %.1f%% hits, %d evictions]",
		s.TotalBuffers, s.InUse, s.TotalSizeBytes, s.HitRate*100, s.Evictions)
}

// Evicted describes a buffer dropped from the pool. The caller owns the real
// buffer and must destroy it.
type Evicted struct {
	Handle uint64
	Size   uint64
	Usage  gputypes.BufferUsage
}

// pooledBuffer is the bookkeeping record of one registered buffer.
type pooledBuffer struct {
	handle   uint64
	size     uint64
	usage    gputypes.BufferUsage
	lastUsed time.Time
	inUse    bool
	element  *list.Element // Position in recency list
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock sets the time source used for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// Pool is a registry of caller-owned buffers.
//
// Pool is safe for concurrent use.
type Pool struct {
	mu sync.Mutex

	config Config
	now    func() time.Time

	buffers map[uint64]*pooledBuffer

	// recency orders buffers by last use (front = most recently used).
	recency *list.List

	// pending holds buffers evicted inside Acquire until the caller
	// collects them with EvictOldBuffers or Clear.
	pending []Evicted

	totalSize uint64
	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates an empty pool.
func New(config Config, opts ...Option) *Pool {
	p := &Pool{
		config:  config,
		now:     time.Now,
		buffers: make(map[uint64]*pooledBuffer),
		recency: list.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Configure replaces the pool limits. Resident buffers are not evicted; the
// new limits apply to later operations.
func (p *Pool) Configure(config Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config = config
}

// Config returns the current pool limits.
func (p *Pool) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// Acquire returns the handle of an idle buffer of at least size bytes with
// exactly the given usage, and marks it in use. The most recently used
// match wins; with size classes enabled a match within the request's size
// class is taken first.
//
// On a miss it returns ErrMiss, or ErrExhausted when the pool has no room
// for another buffer of this size even after evicting idle buffers.
func (p *Pool) Acquire(size uint64, usage gputypes.BufferUsage) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if buf := p.findLocked(size, usage); buf != nil {
		buf.inUse = true
		buf.lastUsed = p.now()
		p.recency.MoveToFront(buf.element)
		p.hits++
		return buf.handle, nil
	}

	p.misses++

	if p.overCapacityLocked(size) {
		p.pending = append(p.pending, p.evictLocked()...)
		if p.overCapacityLocked(size) {
			logging.Logger().Warn("bufpool: exhausted",
				"request", size, "buffers", len(p.buffers), "bytes", p.totalSize)
			return 0, fmt.Errorf("%w: %d buffers, %d of %d bytes, request %d bytes",
				ErrExhausted, len(p.buffers), p.totalSize, p.config.MaxTotalSize, size)
		}
	}
	return 0, ErrMiss
}

// findLocked returns the idle buffer that serves a request, or nil.
// Caller must hold mu.
func (p *Pool) findLocked(size uint64, usage gputypes.BufferUsage) *pooledBuffer {
	var fallback *pooledBuffer
	for e := p.recency.Front(); e != nil; e = e.Next() {
		buf := e.Value.(*pooledBuffer) //nolint:forcetypeassert // list holds only *pooledBuffer
		if buf.inUse || buf.usage != usage || buf.size < size {
			continue
		}
		if !p.config.EnableSizeClasses || inSizeClass(buf.size, size) {
			return buf
		}
		if fallback == nil {
			fallback = buf
		}
	}
	return fallback
}

// overCapacityLocked reports whether a new buffer of size bytes would exceed
// the limits. Caller must hold mu.
func (p *Pool) overCapacityLocked(size uint64) bool {
	return len(p.buffers) >= p.config.MaxBuffers ||
		p.totalSize+size > p.config.MaxTotalSize
}

// Release marks a buffer idle. It returns false for an unknown handle.
func (p *Pool) Release(handle uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf, ok := p.buffers[handle]
	if !ok {
		return false
	}
	buf.inUse = false
	buf.lastUsed = p.now()
	p.recency.MoveToFront(buf.element)
	return true
}

// Add registers a caller-created buffer as idle.
func (p *Pool) Add(handle, size uint64, usage gputypes.BufferUsage) error {
	return p.add(handle, size, usage, false)
}

// AddAcquired registers a caller-created buffer as in use, for a buffer
// created after an Acquire miss. Release it like any acquired buffer.
func (p *Pool) AddAcquired(handle, size uint64, usage gputypes.BufferUsage) error {
	return p.add(handle, size, usage, true)
}

func (p *Pool) add(handle, size uint64, usage gputypes.BufferUsage, inUse bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.buffers[handle]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateHandle, handle)
	}

	buf := &pooledBuffer{
		handle:   handle,
		size:     size,
		usage:    usage,
		lastUsed: p.now(),
		inUse:    inUse,
	}
	buf.element = p.recency.PushFront(buf)
	p.buffers[handle] = buf
	p.totalSize += size
	return nil
}

// Remove unregisters a buffer. It returns false for an unknown handle.
// The caller remains responsible for destroying the real buffer.
func (p *Pool) Remove(handle uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf, ok := p.buffers[handle]
	if !ok {
		return false
	}
	p.removeLocked(buf)
	return true
}

// removeLocked drops buf from tracking. Caller must hold mu.
func (p *Pool) removeLocked(buf *pooledBuffer) {
	p.recency.Remove(buf.element)
	delete(p.buffers, buf.handle)
	p.totalSize -= buf.size
}

// EvictOldBuffers removes every idle buffer unused for longer than the
// eviction timeout and returns them, preceded by any buffers an earlier
// Acquire evicted to make room. Only bookkeeping is purged; the caller must
// destroy the returned buffers.
func (p *Pool) EvictOldBuffers() []Evicted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append(p.takePendingLocked(), p.evictLocked()...)
}

// takePendingLocked returns and forgets the pending evictions.
// Caller must hold mu.
func (p *Pool) takePendingLocked() []Evicted {
	out := p.pending
	p.pending = nil
	return out
}

// evictLocked implements EvictOldBuffers. Caller must hold mu.
func (p *Pool) evictLocked() []Evicted {
	now := p.now()
	var evicted []Evicted

	// Walk from least recently used so the result is oldest first.
	for e := p.recency.Back(); e != nil; {
		prev := e.Prev()
		buf := e.Value.(*pooledBuffer) //nolint:forcetypeassert // list holds only *pooledBuffer
		if !buf.inUse && now.Sub(buf.lastUsed) > p.config.EvictionTimeout {
			p.removeLocked(buf)
			evicted = append(evicted, Evicted{Handle: buf.handle, Size: buf.size, Usage: buf.usage})
		}
		e = prev
	}

	if len(evicted) > 0 {
		p.evictions += uint64(len(evicted))
		logging.Logger().Debug("bufpool: evicted idle buffers",
			"count", len(evicted), "remaining", len(p.buffers))
	}
	return evicted
}

// Clear unregisters every buffer and returns them, including buffers
// evicted by Acquire that were not yet collected.
func (p *Pool) Clear() []Evicted {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.takePendingLocked()
	for e := p.recency.Back(); e != nil; e = e.Prev() {
		buf := e.Value.(*pooledBuffer) //nolint:forcetypeassert // list holds only *pooledBuffer
		out = append(out, Evicted{Handle: buf.handle, Size: buf.size, Usage: buf.usage})
	}

	p.buffers = make(map[uint64]*pooledBuffer)
	p.recency.Init()
	p.totalSize = 0
	return out
}

// Contains reports whether handle is registered.
func (p *Pool) Contains(handle uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.buffers[handle]
	return ok
}

// Len returns the number of registered buffers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	inUse := 0
	for _, buf := range p.buffers {
		if buf.inUse {
			inUse++
		}
	}

	var hitRate float64
	if total := p.hits + p.misses; total > 0 {
		hitRate = float64(p.hits) / float64(total)
	}

	return Stats{
		TotalBuffers:   len(p.buffers),
		InUse:          inUse,
		TotalSizeBytes: p.totalSize,
		Hits:           p.hits,
		Misses:         p.misses,
		Evictions:      p.evictions,
		HitRate:        hitRate,
	}
}

// inSizeClass reports whether bufSize is at most twice size rounded up to
// a power of two. Classes from 2^63 up cover every uint64.
func inSizeClass(bufSize, size uint64) bool {
	if size > 1<<62 {
		return true
	}
	return bufSize <= 2*sizeClass(size)
}

// sizeClass rounds size up to a power of two. size must be at most 2^63.
func sizeClass(size uint64) uint64 {
	if size <= 1 {
		return 1
	}
	return 1 << bits.Len64(size-1)
}

package gpures

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpures/buddy"
	"github.com/gogpu/gpures/bufpool"
	"github.com/gogpu/gpures/internal/handle"
	"github.com/gogpu/gpures/internal/logging"
	"github.com/gogpu/gpures/pipecache"
	"github.com/gogpu/gpures/staging"
)

// Context owns every gpures registry: allocators, staging belts, the
// buffer pool and the pipeline cache.
//
// Context is safe for concurrent use. Each registry has its own lock, so
// operations on different components never wait on each other.
// Context implements io.Closer.
type Context struct {
	config Config
	fence  staging.Fence

	allocators *handle.Table[*buddy.Allocator]
	belts      *handle.Table[*staging.Belt]
	pool       *bufpool.Pool
	pipelines  *pipecache.Cache

	closed atomic.Bool
}

// Ensure Context implements io.Closer
var _ io.Closer = (*Context)(nil)

// Option configures a Context during creation.
type Option func(*contextOptions)

type contextOptions struct {
	now   func() time.Time
	fence staging.Fence
}

// WithClock sets the time source of the buffer pool.
func WithClock(now func() time.Time) Option {
	return func(o *contextOptions) {
		o.now = now
	}
}

// WithFence gates chunk reuse of every belt the Context creates on f.
func WithFence(f staging.Fence) Option {
	return func(o *contextOptions) {
		o.fence = f
	}
}

// NewContext creates a Context. Zero fields of cfg take their
// DefaultConfig values.
func NewContext(cfg Config, opts ...Option) *Context {
	var o contextOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg = cfg.withDefaults()
	c := &Context{
		config:     cfg,
		fence:      o.fence,
		allocators: handle.NewTable[*buddy.Allocator](),
		belts:      handle.NewTable[*staging.Belt](),
		pool:       bufpool.New(cfg.Pool, bufpool.WithClock(o.now)),
		pipelines:  pipecache.New(),
	}
	logging.Logger().Info("gpures: context created",
		"maxBuffers", cfg.Pool.MaxBuffers,
		"maxTotalSize", cfg.Pool.MaxTotalSize,
		"chunkSize", cfg.Staging.ChunkSize)
	return c
}

// Config returns the effective configuration.
func (c *Context) Config() Config { return c.config }

// Pool returns the buffer pool.
func (c *Context) Pool() *bufpool.Pool { return c.pool }

// Pipelines returns the pipeline cache.
func (c *Context) Pipelines() *pipecache.Cache { return c.pipelines }

// CreateAllocator creates a buddy allocator over size bytes with the given
// minimum block size. Zero arguments take the configured defaults.
func (c *Context) CreateAllocator(size, minBlockSize uint64) (Handle, error) {
	if c.closed.Load() {
		return handle.Invalid, ErrClosed
	}
	if size == 0 {
		size = c.config.Allocator.Size
	}
	if minBlockSize == 0 {
		minBlockSize = c.config.Allocator.MinBlockSize
	}

	a, err := buddy.New(size, minBlockSize)
	if err != nil {
		return handle.Invalid, err
	}
	h := c.allocators.Insert(a)
	logging.Logger().Info("gpures: allocator created",
		"handle", h.String(), "size", size, "minBlockSize", minBlockSize)
	return h, nil
}

// Allocator returns the allocator identified by h.
func (c *Context) Allocator(h Handle) (*buddy.Allocator, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	a, err := c.allocators.Get(h)
	if err != nil {
		return nil, handleError("allocator", h, err)
	}
	return a, nil
}

// Allocate reserves size bytes from the allocator identified by h and
// returns the block offset.
func (c *Context) Allocate(h Handle, size uint64) (uint64, error) {
	a, err := c.Allocator(h)
	if err != nil {
		return 0, err
	}
	return a.Allocate(size)
}

// Free releases the block at offset in the allocator identified by h.
// It returns ErrNotFound when offset is not a live allocation.
func (c *Context) Free(h Handle, offset uint64) error {
	a, err := c.Allocator(h)
	if err != nil {
		return err
	}
	if !a.Free(offset) {
		return fmt.Errorf("%w: offset %d in allocator %s", ErrNotFound, offset, h)
	}
	return nil
}

// DestroyAllocator removes the allocator identified by h. Outstanding
// allocations are dropped with it and h becomes stale.
func (c *Context) DestroyAllocator(h Handle) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if _, err := c.allocators.Remove(h); err != nil {
		return handleError("allocator", h, err)
	}
	logging.Logger().Debug("gpures: allocator destroyed", "handle", h.String())
	return nil
}

// Allocators returns the number of live allocators.
func (c *Context) Allocators() int { return c.allocators.Len() }

// CreateBelt creates a staging belt with chunks of chunkSize bytes.
// A zero chunkSize takes the configured default.
func (c *Context) CreateBelt(chunkSize uint64) (Handle, error) {
	if c.closed.Load() {
		return handle.Invalid, ErrClosed
	}
	if chunkSize == 0 {
		chunkSize = c.config.Staging.ChunkSize
	}

	var opts []staging.Option
	if c.fence != nil {
		opts = append(opts, staging.WithFence(c.fence))
	}
	b, err := staging.New(chunkSize, opts...)
	if err != nil {
		return handle.Invalid, err
	}
	h := c.belts.Insert(b)
	logging.Logger().Info("gpures: belt created", "handle", h.String(), "chunkSize", chunkSize)
	return h, nil
}

// Belt returns the belt identified by h.
func (c *Context) Belt(h Handle) (*staging.Belt, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	b, err := c.belts.Get(h)
	if err != nil {
		return nil, handleError("belt", h, err)
	}
	return b, nil
}

// DestroyBelt destroys the belt identified by h and returns the chunk
// handles it owned so the caller can release the backing buffers.
func (c *Context) DestroyBelt(h Handle) ([]uint64, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	b, err := c.belts.Remove(h)
	if err != nil {
		return nil, handleError("belt", h, err)
	}
	chunks := b.ChunkHandles()
	b.Destroy()
	logging.Logger().Debug("gpures: belt destroyed", "handle", h.String(), "chunks", len(chunks))
	return chunks, nil
}

// Belts returns the number of live belts.
func (c *Context) Belts() int { return c.belts.Len() }

// Stats is a snapshot of every registry.
type Stats struct {
	Allocators map[Handle]buddy.Stats
	Belts      map[Handle]staging.Stats
	Pool       bufpool.Stats
	Pipelines  pipecache.Stats
}

// Stats returns a snapshot of every registry. Components are read one at a
// time, so the snapshot is not atomic across components.
func (c *Context) Stats() Stats {
	s := Stats{
		Allocators: make(map[Handle]buddy.Stats),
		Belts:      make(map[Handle]staging.Stats),
		Pool:       c.pool.Stats(),
		Pipelines:  c.pipelines.Stats(),
	}
	c.allocators.Range(func(h Handle, a *buddy.Allocator) bool {
		s.Allocators[h] = a.Stats()
		return true
	})
	c.belts.Range(func(h Handle, b *staging.Belt) bool {
		s.Belts[h] = b.Stats()
		return true
	})
	return s
}

// Close destroys every allocator and belt and empties the pool and the
// pipeline cache. All handles become stale. Buffers still registered in
// the pool are dropped from tracking; collect them with Pool().Clear
// beforehand to destroy the real buffers.
//
// Close is idempotent.
func (c *Context) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.allocators.Drain()
	for _, b := range c.belts.Drain() {
		b.Destroy()
	}
	if dropped := c.pool.Clear(); len(dropped) > 0 {
		logging.Logger().Warn("gpures: closing with pooled buffers", "count", len(dropped))
	}
	c.pipelines.Clear()
	logging.Logger().Info("gpures: context closed")
	return nil
}

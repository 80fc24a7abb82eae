// Package halbridge backs gpures handles with gogpu/wgpu HAL buffers.
//
// The bookkeeping packages never touch a real GPU object. This package is
// the caller side of that contract: it creates a buffer on a pool miss,
// registers it, and destroys what the pool evicts. StagingChunks does the
// same for staging belt chunks.
package halbridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures/align"
	"github.com/gogpu/gpures/bufpool"
	"github.com/gogpu/gpures/internal/logging"
)

// ErrInvalidBufferSize is returned for a zero-sized buffer request.
var ErrInvalidBufferSize = errors.New("halbridge: invalid buffer size")

// Buffers creates HAL buffers on demand and recycles them through a
// bufpool.Pool.
//
// Buffers issues its own pool handles; do not Add other buffers to the
// same pool.
//
// Buffers is safe for concurrent use.
type Buffers struct {
	device hal.Device
	pool   *bufpool.Pool

	mu      sync.RWMutex
	buffers map[uint64]hal.Buffer

	nextID atomic.Uint64
}

// NewBuffers creates a Buffers over device and pool.
func NewBuffers(device hal.Device, pool *bufpool.Pool) *Buffers {
	return &Buffers{
		device:  device,
		pool:    pool,
		buffers: make(map[uint64]hal.Buffer),
	}
}

// Acquire returns an idle pooled buffer matching desc, or creates and
// registers a new one. The buffer is held until Release.
func (b *Buffers) Acquire(desc align.Descriptor) (uint64, hal.Buffer, error) {
	if desc.Size == 0 {
		return 0, nil, ErrInvalidBufferSize
	}

	id, err := b.pool.Acquire(desc.Size, desc.Usage)
	switch {
	case err == nil:
		if buf, ok := b.Lookup(id); ok {
			return id, buf, nil
		}
		return 0, nil, fmt.Errorf("halbridge: pooled handle %d has no buffer", id)
	case errors.Is(err, bufpool.ErrMiss):
		// Create below.
	default:
		b.Collect()
		return 0, nil, err
	}

	raw, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label:            desc.Label,
		Size:             desc.Size,
		Usage:            desc.Usage,
		MappedAtCreation: desc.MappedAtCreation,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("halbridge: create buffer: %w", err)
	}

	id = b.nextID.Add(1)
	b.mu.Lock()
	b.buffers[id] = raw
	b.mu.Unlock()

	if err := b.pool.AddAcquired(id, desc.Size, desc.Usage); err != nil {
		b.destroy(id)
		return 0, nil, err
	}
	logging.Logger().Debug("halbridge: buffer created", "handle", id, "size", desc.Size)

	// Room was made by evicting idle buffers; destroy them now.
	b.Collect()
	return id, raw, nil
}

// Release returns a buffer to the pool.
func (b *Buffers) Release(id uint64) bool {
	return b.pool.Release(id)
}

// Lookup returns the HAL buffer behind id.
func (b *Buffers) Lookup(id uint64) (hal.Buffer, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	buf, ok := b.buffers[id]
	return buf, ok
}

// Len returns the number of live HAL buffers.
func (b *Buffers) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buffers)
}

// Collect evicts idle buffers from the pool and destroys them. It returns
// how many were destroyed.
func (b *Buffers) Collect() int {
	evicted := b.pool.EvictOldBuffers()
	for _, e := range evicted {
		b.destroy(e.Handle)
	}
	return len(evicted)
}

// Destroy unregisters and destroys one buffer.
func (b *Buffers) Destroy(id uint64) bool {
	if !b.pool.Remove(id) {
		return false
	}
	b.destroy(id)
	return true
}

// Close destroys every buffer.
func (b *Buffers) Close() {
	b.pool.Clear()

	b.mu.Lock()
	bufs := b.buffers
	b.buffers = make(map[uint64]hal.Buffer)
	b.mu.Unlock()

	for _, buf := range bufs {
		b.device.DestroyBuffer(buf)
	}
}

func (b *Buffers) destroy(id uint64) {
	b.mu.Lock()
	buf, ok := b.buffers[id]
	if ok {
		delete(b.buffers, id)
	}
	b.mu.Unlock()

	if ok {
		b.device.DestroyBuffer(buf)
	}
}
